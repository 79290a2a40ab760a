// Package httpapi is the gin HTTP surface over the session registry and the
// attendance recorder.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/metrics"
	"geoattend/internal/session"
)

func init() {
	// Unknown JSON fields are a client error.
	binding.EnableDecoderDisallowUnknownFields = true
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) bool

// Config wires the router's collaborators.
type Config struct {
	SigningKey     string
	Issuer         string
	CORSOrigins    []string
	Limiter        httpmiddleware.Limiter
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Health         map[string]HealthCheck
	Logger         zerolog.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	sessions   *session.Registry
	attendance *attendance.Service
	metrics    *metrics.Metrics
	health     map[string]HealthCheck
	log        zerolog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(sessions *session.Registry, att *attendance.Service, cfg Config) *gin.Engine {
	s := &Server{
		sessions:   sessions,
		attendance: att,
		metrics:    cfg.Metrics,
		health:     cfg.Health,
		log:        cfg.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Logger, "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(securityHeaders())
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.GinMiddleware())
	}
	if cfg.Limiter != nil {
		r.Use(httpmiddleware.RateLimit(cfg.Limiter, cfg.Logger))
	}

	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", auth.Authenticate(cfg.SigningKey, cfg.Issuer))

	teacher := v1.Group("/sessions", auth.RequireRole(auth.RoleTeacher))
	teacher.POST("", s.createSession)
	teacher.GET("", s.listSessions)
	teacher.GET("/:id", s.getSession)
	teacher.POST("/:id/end", s.endSession)
	teacher.GET("/:id/records", s.sessionRecords)

	participant := v1.Group("/attendance", auth.RequireRole(auth.RoleStudent, auth.RoleFaculty))
	participant.POST("", s.markAttendance)
	participant.GET("/history", s.history)

	v1.POST("/qr/decode", s.decodeQR)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	checks := make(gin.H, len(s.health))
	status := http.StatusOK
	for name, check := range s.health {
		ok := check(c.Request.Context())
		checks[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// securityHeaders sets the usual browser hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// requestLogger logs one line per request through zerolog.
func requestLogger(log zerolog.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if _, ok := skipped[c.Request.URL.Path]; ok {
			return
		}
		status := c.Writer.Status()
		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		} else if status >= http.StatusBadRequest {
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
