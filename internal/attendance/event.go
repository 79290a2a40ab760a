package attendance

import (
	"encoding/json"
	"time"

	"geoattend/internal/queue"
)

// EventMarked is the queue message type for a newly recorded attendance.
const EventMarked = "attendance.marked"

// MarkedEvent is the body of an attendance.marked message.
type MarkedEvent struct {
	RecordID      string    `json:"record_id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Status        Status    `json:"status"`
	Verified      bool      `json:"verified"`
	MarkedAt      time.Time `json:"marked_at"`
}

// NewMarkedEvent builds the event for a stored record.
func NewMarkedEvent(rec Record) MarkedEvent {
	return MarkedEvent{
		RecordID:      rec.ID,
		SessionID:     rec.SessionID,
		ParticipantID: rec.ParticipantID,
		Status:        rec.Status,
		Verified:      rec.Verified,
		MarkedAt:      rec.MarkedAt,
	}
}

// Message wraps the event for the queue.
func (e MarkedEvent) Message() (queue.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return queue.Message{}, err
	}
	return queue.Message{Type: EventMarked, Body: body}, nil
}

// ParseMarkedEvent decodes the body of an attendance.marked message.
func ParseMarkedEvent(body []byte) (MarkedEvent, error) {
	var e MarkedEvent
	err := json.Unmarshal(body, &e)
	return e, err
}
