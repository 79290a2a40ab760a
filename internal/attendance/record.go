package attendance

import (
	"context"
	"strings"
	"time"

	"geoattend/internal/geo"
	"geoattend/internal/session"
)

// Status is the outcome recorded for a participant.
type Status string

const (
	StatusPresent    Status = "present"
	StatusOutOfRange Status = "out_of_range"

	// StatusLate is reserved for a grace-period policy; the recorder never
	// assigns it.
	StatusLate Status = "late"
	// StatusAbsent is assigned by instructors outside this package.
	StatusAbsent Status = "absent"
)

// Location is where the participant claimed to be at submission time.
type Location struct {
	Coordinate     geo.Coordinate `json:"coordinate"`
	Accuracy       *float64       `json:"accuracy,omitempty"`
	DistanceMeters float64        `json:"distance_meters"`
	Name           string         `json:"name,omitempty"`
}

// Device is diagnostic metadata about the submitting client. It never
// influences verification.
type Device struct {
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	OS        string `json:"os,omitempty"`
	Browser   string `json:"browser,omitempty"`
}

// Record is an immutable attendance fact for one (participant, session) pair.
type Record struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	SessionID     string    `json:"session_id"`
	MarkedAt      time.Time `json:"marked_at"`
	Location      Location  `json:"location"`
	Status        Status    `json:"status"`
	Verified      bool      `json:"verified"`
	Device        Device    `json:"device"`

	// Session is filled in on history listings.
	Session *SessionSummary `json:"session,omitempty"`
}

// SessionSummary is the session context shown next to a participant's record.
type SessionSummary struct {
	Subject   string    `json:"subject"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

func summarize(s session.Session) *SessionSummary {
	return &SessionSummary{Subject: s.Subject, Code: s.Code, ExpiresAt: s.ExpiresAt}
}

// matchesSubject reports whether the summary's subject contains the
// filter, ignoring case. An empty filter matches everything.
func matchesSubject(sum *SessionSummary, subject string) bool {
	if subject == "" {
		return true
	}
	if sum == nil {
		return false
	}
	return strings.Contains(strings.ToLower(sum.Subject), strings.ToLower(subject))
}

// SessionRef identifies a session by id or by code. The id wins when both are set.
type SessionRef struct {
	ID   string
	Code string
}

// SubmittedLocation is the raw location sent by the participant.
type SubmittedLocation struct {
	Coordinates []float64 // [longitude, latitude]
	Accuracy    *float64
	Name        string
}

// MarkInput is everything MarkAttendance needs.
type MarkInput struct {
	ParticipantID string
	Ref           SessionRef
	Location      SubmittedLocation
	Device        Device
}

// Outcome is a successful mark plus the figures needed to explain it.
type Outcome struct {
	Record              Record          `json:"record"`
	DistanceMeters      float64         `json:"distance_meters"`
	AllowedRadiusMeters float64         `json:"allowed_radius_meters"`
	Session             session.Session `json:"session"`
}

// HistoryFilter narrows a participant's history.
type HistoryFilter struct {
	From *time.Time
	To   *time.Time
	// Subject keeps records whose session subject contains it, case-insensitively.
	Subject string
	Limit   int
	Offset  int
}

// Repository persists attendance records.
type Repository interface {
	// Create atomically checks for and inserts the record, returning
	// ErrDuplicateAttendance when the pair already has one.
	Create(ctx context.Context, rec Record) (Record, error)

	// ListByParticipant returns records newest first, each carrying its
	// session summary.
	ListByParticipant(ctx context.Context, participantID string, filter HistoryFilter) ([]Record, error)

	// ListBySession returns records newest first.
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)

	// CountBySession returns the number of records for a session.
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}
