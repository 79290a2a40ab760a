package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "geoattend/internal/errors"
	"geoattend/internal/geo"
	"geoattend/internal/store"
)

const (
	maxCodeAttempts  = 8
	maxSubjectLength = 200
	defaultOpTimeout = 5 * time.Second
)

// CreateInput carries the instructor-supplied fields for a new session.
type CreateInput struct {
	OwnerID         string
	Subject         string
	Center          []float64 // [longitude, latitude]
	LocationName    string
	RadiusMeters    *float64
	DurationMinutes *int
}

// Registry creates, resolves and ends attendance sessions.
type Registry struct {
	repo    Repository
	codes   CodeGenerator
	now     func() time.Time
	timeout time.Duration
	log     zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCodeGenerator overrides code sampling.
func WithCodeGenerator(g CodeGenerator) Option {
	return func(r *Registry) { r.codes = g }
}

// WithTimeout bounds every storage call.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates a registry backed by repo.
func NewRegistry(repo Repository, opts ...Option) *Registry {
	r := &Registry{
		repo:    repo,
		codes:   GenerateCode,
		now:     time.Now,
		timeout: defaultOpTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry's notion of the current time in UTC, truncated
// to the precision the database keeps.
func (r *Registry) Now() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Create validates the input and stores a new active session under a fresh code.
func (r *Registry) Create(ctx context.Context, in CreateInput) (Session, error) {
	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return Session{}, apperrors.Wrapf(apperrors.ErrValidation, "owner id required")
	}
	if in.Center == nil {
		return Session{}, apperrors.Wrapf(apperrors.ErrValidation, "center coordinates required")
	}
	center, err := geo.FromPair(in.Center)
	if err != nil {
		return Session{}, apperrors.Wrapf(err, "center")
	}
	subject := strings.TrimSpace(in.Subject)
	if len(subject) > maxSubjectLength {
		return Session{}, apperrors.Wrapf(apperrors.ErrValidation, "subject longer than %d characters", maxSubjectLength)
	}
	name := strings.TrimSpace(in.LocationName)
	if name == "" {
		name = DefaultLocationName
	}
	duration := DefaultDuration
	if in.DurationMinutes != nil && *in.DurationMinutes > 0 {
		if *in.DurationMinutes > MaxDurationMinutes {
			return Session{}, apperrors.Wrapf(apperrors.ErrValidation, "duration longer than %d minutes", MaxDurationMinutes)
		}
		duration = time.Duration(*in.DurationMinutes) * time.Minute
	}

	now := r.Now()
	s := Session{
		ID:      uuid.NewString(),
		OwnerID: owner,
		Subject: subject,
		Geofence: Geofence{
			Center:       center,
			RadiusMeters: ClampRadius(in.RadiusMeters),
			Name:         name,
		},
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := r.codes()
		if err != nil {
			return Session{}, apperrors.Wrapf(err, "generate session code")
		}
		code = NormalizeCode(code)

		taken, err := r.repo.CodeExists(ctx, code)
		if err != nil {
			return Session{}, store.Translate(err)
		}
		if taken {
			r.log.Debug().Int("attempt", attempt).Msg("session code collision on lookup")
			continue
		}

		s.Code = code
		err = r.repo.Insert(ctx, s)
		if apperrors.Is(err, apperrors.ErrCodeTaken) {
			r.log.Debug().Int("attempt", attempt).Msg("session code collision on insert")
			continue
		}
		if err != nil {
			return Session{}, store.Translate(err)
		}

		r.log.Info().
			Str("session_id", s.ID).
			Str("owner_id", s.OwnerID).
			Float64("radius_m", s.Geofence.RadiusMeters).
			Time("expires_at", s.ExpiresAt).
			Msg("session created")
		return s, nil
	}
	return Session{}, apperrors.Wrapf(apperrors.ErrStorageUnavailable, "no free session code after %d attempts", maxCodeAttempts)
}

// LookupByID returns the session regardless of its lifecycle state.
func (r *Registry) LookupByID(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, apperrors.ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	s, err := r.repo.GetByID(ctx, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return Session{}, apperrors.ErrSessionNotFound
	}
	return s, store.Translate(err)
}

// LookupByCode resolves only sessions that are still accepting attendance;
// expired and ended sessions are reported as not found.
func (r *Registry) LookupByCode(ctx context.Context, code string) (Session, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Session{}, apperrors.ErrSessionNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	s, err := r.repo.GetActiveByCode(ctx, code, r.Now())
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return Session{}, apperrors.ErrSessionNotFound
	}
	return s, store.Translate(err)
}

// Exists reports whether a code was ever issued.
func (r *Registry) Exists(ctx context.Context, code string) (bool, error) {
	code = NormalizeCode(code)
	if code == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ok, err := r.repo.CodeExists(ctx, code)
	return ok, store.Translate(err)
}

// End closes a session on behalf of its owner. Ending an ended session
// returns its current state without error.
func (r *Registry) End(ctx context.Context, id, requesterID string) (Session, error) {
	s, err := r.LookupByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.OwnerID != requesterID {
		return Session{}, apperrors.Wrapf(apperrors.ErrForbidden, "end session %s", s.ID)
	}
	if s.Status == StatusEnded {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ended, err := r.repo.MarkEnded(ctx, s.ID)
	if apperrors.Is(err, apperrors.ErrAlreadyEnded) {
		// Lost a race with another end or the sweeper.
		return r.LookupByID(ctx, s.ID)
	}
	if err != nil {
		return Session{}, store.Translate(err)
	}
	r.log.Info().Str("session_id", s.ID).Str("owner_id", requesterID).Msg("session ended")
	return ended, nil
}

// ListByOwner returns the owner's sessions newest first.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string, filter Filter, page Page) ([]Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "owner id required")
	}
	if filter == "" {
		filter = FilterActive
	}
	if _, err := ParseFilter(string(filter)); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.repo.ListByOwner(ctx, ownerID, filter, r.Now(), page.Normalize())
	if err != nil {
		return nil, store.Translate(err)
	}
	return out, nil
}

// IncrementAttendance bumps the session's attendance counter by one.
func (r *Registry) IncrementAttendance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return store.Translate(r.repo.IncrementAttendance(ctx, id))
}

// ReconcileAttendance raises the counter to an authoritative count. A stale
// count read before a concurrent increment leaves the counter untouched.
func (r *Registry) ReconcileAttendance(ctx context.Context, id string, count int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return store.Translate(r.repo.SetAttendanceCount(ctx, id, count))
}

// SweepExpired persists the ended status for sessions past their expiry.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.repo.EndExpired(ctx, r.Now())
	if err != nil {
		return 0, store.Translate(err)
	}
	if n > 0 {
		r.log.Info().Int64("count", n).Msg("expired sessions ended")
	}
	return n, nil
}
