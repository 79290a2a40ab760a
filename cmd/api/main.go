package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"geoattend/internal/bootstrap"
	"geoattend/internal/config"
	"geoattend/internal/httpapi"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/metrics"
	"geoattend/internal/worker"
)

func main() {
	cfg := config.Load()
	log := bootstrap.NewLogger(cfg, os.Stderr)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	displayAppname(cfg.AppName)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func run(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var limiter httpmiddleware.Limiter
	switch cfg.RateLimitBackend {
	case "redis":
		limiter = httpmiddleware.NewRedisWindow(rt.Redis.Client, cfg.RateLimitPerMin)
	case "memory":
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	router := httpapi.NewRouter(rt.Sessions, rt.Attendance, httpapi.Config{
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		CORSOrigins:    cfg.CORSOrigins,
		Limiter:        limiter,
		Metrics:        metrics.New(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health:         rt.HealthChecks(),
		Logger:         log.With().Str("component", "http").Logger(),
	})

	// With an in-memory queue nobody else can consume the events.
	var background sync.WaitGroup
	if rt.InProcessQueue() {
		messages, err := rt.Queue.Consume(ctx)
		if err != nil {
			return fmt.Errorf("queue consume init failed: %w", err)
		}
		wlog := log.With().Str("component", "worker").Logger()
		background.Add(2)
		go func() {
			defer background.Done()
			worker.NewProcessor(rt.Attendance, rt.Sessions, wlog).Run(ctx, messages)
		}()
		go func() {
			defer background.Done()
			worker.NewSweeper(rt.Sessions, cfg.SweepInterval, wlog).Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced shutdown")
	}
	stop()
	background.Wait()

	log.Info().Msg("server exited")
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
