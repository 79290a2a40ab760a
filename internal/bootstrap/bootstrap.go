// Package bootstrap assembles storage, queue and services from configuration.
// Both binaries start from here.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"geoattend/internal/attendance"
	"geoattend/internal/config"
	"geoattend/internal/httpapi"
	"geoattend/internal/queue"
	"geoattend/internal/session"
	"geoattend/internal/store"
)

// Runtime is the wired application core.
type Runtime struct {
	Config     config.App
	Log        zerolog.Logger
	DB         *store.DB    // nil for the memory driver
	Redis      *store.Redis // nil when nothing is configured to use Redis
	Queue      queue.Queue
	Records    attendance.Repository
	Sessions   *session.Registry
	Attendance *attendance.Service
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.App, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", cfg.AppName).Logger()
}

// New opens the configured backends and builds the services.
func New(ctx context.Context, cfg config.App, log zerolog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Log: log}

	var sessionRepo session.Repository
	switch cfg.DBDriver {
	case "memory":
		sessionRepo = session.NewMemoryRepository()
		rt.Records = attendance.NewMemoryRepository()
		log.Warn().Msg("using in-memory storage, data is lost on restart")
	default:
		dsn := cfg.DatabaseURL
		if cfg.DBDriver == store.DriverSQLite {
			dsn = cfg.SQLitePath
		}
		db, err := store.NewDB(ctx, cfg.DBDriver, dsn)
		if err != nil {
			return nil, fmt.Errorf("db connect failed: %w", err)
		}
		rt.DB = db
		sessionRepo = session.NewSQLRepository(db.Client)
		rt.Records = attendance.NewSQLRepository(db.Client)
		log.Info().Str("driver", cfg.DBDriver).Msg("database ready")
	}

	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		rt.Redis = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	if cfg.QueueBackend == "redis" {
		rt.Queue = queue.NewRedisQueue(rt.Redis.Client, cfg.QueueKey)
	} else {
		rt.Queue = queue.NewInMemory(256)
	}

	rt.Sessions = session.NewRegistry(sessionRepo,
		session.WithTimeout(cfg.StorageTimeout),
		session.WithLogger(log.With().Str("component", "sessions").Logger()),
	)
	rt.Attendance = attendance.NewService(rt.Records, rt.Sessions,
		attendance.WithTimeout(cfg.StorageTimeout),
		attendance.WithPublisher(rt.Queue),
		attendance.WithLogger(log.With().Str("component", "attendance").Logger()),
	)
	return rt, nil
}

// InProcessQueue reports whether events never leave this process, in which
// case the API runs the worker itself.
func (rt *Runtime) InProcessQueue() bool {
	_, ok := rt.Queue.(*queue.InMemory)
	return ok
}

// HealthChecks returns a check per configured backend.
func (rt *Runtime) HealthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{}
	if rt.DB != nil {
		checks["db"] = rt.DB.Healthy
	}
	if rt.Redis != nil {
		checks["redis"] = rt.Redis.Healthy
	}
	return checks
}

// Close releases every backend.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Log.Warn().Err(err).Msg("redis close failed")
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil {
			rt.Log.Warn().Err(err).Msg("db close failed")
		}
	}
}
