// Package worker holds the background jobs: attendance counter reconciliation
// driven by queue events, and the expiry sweep.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"geoattend/internal/attendance"
	apperrors "geoattend/internal/errors"
	"geoattend/internal/queue"
)

// Counter returns the authoritative number of records for a session.
type Counter interface {
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

// Reconciler owns the session counters and lifecycle.
type Reconciler interface {
	ReconcileAttendance(ctx context.Context, id string, count int64) error
	SweepExpired(ctx context.Context) (int64, error)
}

// Processor repairs denormalized attendance counters from attendance.marked
// events. Counters drift when the post-commit increment fails.
type Processor struct {
	records  Counter
	sessions Reconciler
	log      zerolog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(records Counter, sessions Reconciler, log zerolog.Logger) *Processor {
	return &Processor{records: records, sessions: sessions, log: log}
}

// Handle processes a single message. Unknown message types are ignored.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != attendance.EventMarked {
		p.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		return nil
	}
	evt, err := attendance.ParseMarkedEvent(msg.Body)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrDecode, "attendance event: %v", err)
	}
	if evt.SessionID == "" {
		return apperrors.Wrapf(apperrors.ErrDecode, "attendance event without session id")
	}

	n, err := p.records.CountBySession(ctx, evt.SessionID)
	if err != nil {
		return apperrors.Wrapf(err, "count records of session %s", evt.SessionID)
	}
	if err := p.sessions.ReconcileAttendance(ctx, evt.SessionID, n); err != nil {
		return apperrors.Wrapf(err, "reconcile session %s", evt.SessionID)
	}
	p.log.Debug().Str("session_id", evt.SessionID).Int64("count", n).Msg("attendance counter reconciled")
	return nil
}

// Run handles messages until the channel closes or ctx is done.
func (p *Processor) Run(ctx context.Context, messages <-chan queue.Message) {
	p.log.Info().Msg("worker started, waiting for messages")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker stopped")
			return
		case msg, ok := <-messages:
			if !ok {
				p.log.Info().Msg("queue closed, worker stopped")
				return
			}
			if err := p.Handle(ctx, msg); err != nil {
				p.log.Error().Err(err).Str("type", msg.Type).Msg("message processing failed")
			}
		}
	}
}

// Sweeper periodically persists the ended status of expired sessions.
type Sweeper struct {
	sessions Reconciler
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(sessions Reconciler, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{sessions: sessions, interval: interval, log: log}
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("expiry sweep failed")
	}
	return n, err
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_, _ = s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
