package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"geoattend/internal/bootstrap"
	"geoattend/internal/config"
	"geoattend/internal/worker"
)

// Worker consumes attendance events to reconcile session counters and
// persists the ended status of expired sessions.
func main() {
	cfg := config.Load()
	log := bootstrap.NewLogger(cfg, os.Stderr).With().Str("component", "worker").Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
	log.Info().Msg("worker stopped")
}

func run(cfg config.App, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.NewSweeper(rt.Sessions, cfg.SweepInterval, log).Run(ctx)
	}()

	if rt.InProcessQueue() {
		log.Warn().Msg("QUEUE_BACKEND=memory: events stay in the API process, only sweeping here")
		<-ctx.Done()
		return nil
	}

	messages, err := rt.Queue.Consume(ctx)
	if err != nil {
		stop()
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	worker.NewProcessor(rt.Attendance, rt.Sessions, log).Run(ctx, messages)
	return nil
}
