package session

import (
	"context"
	"math"
	"time"

	apperrors "geoattend/internal/errors"
	"geoattend/internal/geo"
)

// Status is the stored lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Geofence limits and defaults.
const (
	MinRadiusMeters     = 1.0
	MaxRadiusMeters     = 100.0
	DefaultRadiusMeters = 5.0
	DefaultDuration     = 60 * time.Minute
	MaxDurationMinutes  = 7 * 24 * 60
	DefaultLocationName = "Class Location"
)

// Geofence is the circular area a participant must be inside.
type Geofence struct {
	Center       geo.Coordinate `json:"center"`
	RadiusMeters float64        `json:"radius_meters"`
	Name         string         `json:"name"`
}

// Fence converts the geofence for distance checks.
func (g Geofence) Fence() geo.Fence {
	return geo.Fence{Center: g.Center, RadiusMeters: g.RadiusMeters}
}

// Session is a time-boxed attendance window opened by an instructor.
type Session struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	OwnerID         string    `json:"owner_id"`
	Subject         string    `json:"subject"`
	Geofence        Geofence  `json:"geofence"`
	Status          Status    `json:"status"`
	AttendanceCount int64     `json:"attendance_count"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// EffectiveStatus folds expiry into the stored status.
func (s Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusActive && now.Before(s.ExpiresAt) {
		return StatusActive
	}
	return StatusEnded
}

// IsActive reports whether participants may still check in.
func (s Session) IsActive(now time.Time) bool {
	return s.EffectiveStatus(now) == StatusActive
}

// Filter selects sessions for ListByOwner.
type Filter string

const (
	FilterActive Filter = "active"
	FilterPast   Filter = "past"
	FilterAll    Filter = "all"
)

// ParseFilter maps a query value onto a Filter; empty means active.
func ParseFilter(v string) (Filter, error) {
	switch Filter(v) {
	case "":
		return FilterActive, nil
	case FilterActive, FilterPast, FilterAll:
		return Filter(v), nil
	}
	return "", apperrors.Wrapf(apperrors.ErrValidation, "unknown session filter %q", v)
}

// Matches applies the filter to a single session.
func (f Filter) Matches(s Session, now time.Time) bool {
	switch f {
	case FilterActive:
		return s.IsActive(now)
	case FilterPast:
		return !s.IsActive(now)
	default:
		return true
	}
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default page size of 50 and caps it at 200.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ClampRadius applies the geofence radius rules: absent or non-finite values
// use the default, everything else is clamped into range.
func ClampRadius(r *float64) float64 {
	if r == nil || math.IsNaN(*r) || math.IsInf(*r, 0) {
		return DefaultRadiusMeters
	}
	return math.Min(MaxRadiusMeters, math.Max(MinRadiusMeters, *r))
}

// Repository persists sessions.
type Repository interface {
	// Insert stores a new session, failing with ErrCodeTaken when the code is in use.
	Insert(ctx context.Context, s Session) error

	// CodeExists reports whether a code was ever issued, regardless of status.
	CodeExists(ctx context.Context, code string) (bool, error)

	// GetByID returns ErrNotFound when the id is unknown.
	GetByID(ctx context.Context, id string) (Session, error)

	// GetActiveByCode returns only sessions with status active that expire after now.
	GetActiveByCode(ctx context.Context, code string, now time.Time) (Session, error)

	// MarkEnded moves an active session to ended, returning ErrAlreadyEnded
	// when it was not active anymore.
	MarkEnded(ctx context.Context, id string) (Session, error)

	// ListByOwner returns the owner's sessions newest first.
	ListByOwner(ctx context.Context, ownerID string, filter Filter, now time.Time, page Page) ([]Session, error)

	// IncrementAttendance adds one to the denormalized counter.
	IncrementAttendance(ctx context.Context, id string) error

	// SetAttendanceCount raises the denormalized counter to count; it never lowers it.
	SetAttendanceCount(ctx context.Context, id string, count int64) error

	// EndExpired ends all active sessions whose expiry is at or before now.
	EndExpired(ctx context.Context, now time.Time) (int64, error)
}
