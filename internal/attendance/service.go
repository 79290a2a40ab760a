package attendance

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "geoattend/internal/errors"
	"geoattend/internal/geo"
	"geoattend/internal/queue"
	"geoattend/internal/session"
	"geoattend/internal/store"
)

const (
	defaultOpTimeout = 5 * time.Second
	defaultPageSize  = 50
	maxPageSize      = 200
)

// Sessions is the part of the session registry the recorder depends on.
type Sessions interface {
	LookupByID(ctx context.Context, id string) (session.Session, error)
	LookupByCode(ctx context.Context, code string) (session.Session, error)
	IncrementAttendance(ctx context.Context, id string) error
	Now() time.Time
}

// Publisher announces recorded attendance to background consumers.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Service verifies submitted locations and records attendance at most once
// per (participant, session).
type Service struct {
	repo     Repository
	sessions Sessions
	measurer geo.Measurer
	events   Publisher
	timeout  time.Duration
	log      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMeasurer swaps the distance strategy.
func WithMeasurer(m geo.Measurer) Option {
	return func(s *Service) { s.measurer = m }
}

// WithPublisher enables attendance.marked events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithTimeout bounds every storage call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates a service backed by a repository and the session registry.
func NewService(repo Repository, sessions Sessions, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		sessions: sessions,
		measurer: geo.Haversine{},
		timeout:  defaultOpTimeout,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkAttendance checks the submission against the session's geofence and
// stores the record. Out-of-range submissions are stored too, with
// Verified=false.
func (s *Service) MarkAttendance(ctx context.Context, in MarkInput) (Outcome, error) {
	participantID := strings.TrimSpace(in.ParticipantID)
	if participantID == "" {
		return Outcome{}, apperrors.Wrapf(apperrors.ErrValidation, "participant id required")
	}
	if in.Location.Coordinates == nil {
		return Outcome{}, apperrors.Wrapf(apperrors.ErrInvalidLocation, "location data is required")
	}
	point, err := geo.FromPair(in.Location.Coordinates)
	if err != nil {
		return Outcome{}, err
	}
	if acc := in.Location.Accuracy; acc != nil && (math.IsNaN(*acc) || math.IsInf(*acc, 0) || *acc < 0) {
		return Outcome{}, apperrors.Wrapf(apperrors.ErrInvalidLocation, "accuracy must be a non-negative number")
	}

	sess, err := s.resolve(ctx, in.Ref)
	if err != nil {
		return Outcome{}, err
	}
	now := s.sessions.Now()
	if !sess.IsActive(now) {
		return Outcome{}, apperrors.Wrapf(apperrors.ErrSessionExpired, "session %s", sess.ID)
	}

	fence := sess.Geofence.Fence()
	distance := s.measurer.Distance(fence.Center, point)
	verified := fence.Contains(distance)
	status := StatusPresent
	if !verified {
		status = StatusOutOfRange
	}

	rec := Record{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		SessionID:     sess.ID,
		MarkedAt:      now,
		Location: Location{
			Coordinate:     point,
			Accuracy:       in.Location.Accuracy,
			DistanceMeters: distance,
			Name:           strings.TrimSpace(in.Location.Name),
		},
		Status:   status,
		Verified: verified,
		Device:   in.Device,
		Session:  summarize(sess),
	}

	createCtx, cancel := context.WithTimeout(ctx, s.timeout)
	created, err := s.repo.Create(createCtx, rec)
	cancel()
	if apperrors.Is(err, apperrors.ErrDuplicateAttendance) {
		s.log.Debug().Str("session_id", sess.ID).Str("participant_id", participantID).Msg("duplicate attendance rejected")
		return Outcome{}, err
	}
	if err != nil {
		return Outcome{}, store.Translate(err)
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Str("participant_id", participantID).
		Str("status", string(created.Status)).
		Float64("distance_m", distance).
		Float64("radius_m", fence.RadiusMeters).
		Msg("attendance recorded")

	// The record is committed. What follows must not fail the call, and must
	// run even if the caller has gone away.
	bg, cancelBg := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancelBg()
	if err := s.sessions.IncrementAttendance(bg, sess.ID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("attendance counter increment failed")
	} else {
		sess.AttendanceCount++
	}
	s.publish(bg, created)

	return Outcome{
		Record:              created,
		DistanceMeters:      distance,
		AllowedRadiusMeters: fence.RadiusMeters,
		Session:             sess,
	}, nil
}

func (s *Service) resolve(ctx context.Context, ref SessionRef) (session.Session, error) {
	id := strings.TrimSpace(ref.ID)
	code := strings.TrimSpace(ref.Code)
	switch {
	case id != "":
		return s.sessions.LookupByID(ctx, id)
	case code != "":
		return s.sessions.LookupByCode(ctx, code)
	default:
		return session.Session{}, apperrors.Wrapf(apperrors.ErrValidation, "session id or code required")
	}
}

func (s *Service) publish(ctx context.Context, rec Record) {
	if s.events == nil {
		return
	}
	msg, err := NewMarkedEvent(rec).Message()
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("record_id", rec.ID).Msg("attendance event publish failed")
	}
}

// ListByParticipant returns a participant's history newest first.
func (s *Service) ListByParticipant(ctx context.Context, participantID string, filter HistoryFilter) ([]Record, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "participant id required")
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "from is after to")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Subject = strings.TrimSpace(filter.Subject)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	records, err := s.repo.ListByParticipant(ctx, participantID, filter)
	if err != nil {
		return nil, store.Translate(err)
	}
	return records, nil
}

// ListBySession returns a session's records for its owner.
func (s *Service) ListBySession(ctx context.Context, sessionID, requesterID string) (session.Session, []Record, error) {
	sess, err := s.sessions.LookupByID(ctx, sessionID)
	if err != nil {
		return session.Session{}, nil, err
	}
	if sess.OwnerID != requesterID {
		return session.Session{}, nil, apperrors.Wrapf(apperrors.ErrForbidden, "records of session %s", sess.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	records, err := s.repo.ListBySession(ctx, sess.ID)
	if err != nil {
		return session.Session{}, nil, store.Translate(err)
	}
	return sess, records, nil
}

// CountBySession returns the authoritative number of records for a session.
func (s *Service) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.repo.CountBySession(ctx, sessionID)
	return n, store.Translate(err)
}
