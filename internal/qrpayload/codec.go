// Package qrpayload encodes the session descriptor carried by attendance QR codes.
package qrpayload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"geoattend/internal/attendance"
	apperrors "geoattend/internal/errors"
	"geoattend/internal/session"
)

// Location is the geofence as shown to participants.
type Location struct {
	Coordinates []float64 `json:"coordinates"` // [longitude, latitude]
	Name        string    `json:"name"`
	Radius      float64   `json:"radius"`
}

// Descriptor is the JSON document embedded in a session's QR code. It never
// carries the owner.
type Descriptor struct {
	SessionID   string    `json:"sessionId"`
	SessionCode string    `json:"sessionCode"`
	Subject     string    `json:"subject"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Location    Location  `json:"location"`
	Timestamp   time.Time `json:"timestamp"`
}

// Ref returns the session reference a participant submits.
func (d Descriptor) Ref() attendance.SessionRef {
	return attendance.SessionRef{ID: d.SessionID, Code: d.SessionCode}
}

// FromSession builds the descriptor for a session. Timestamp is the issue time.
func FromSession(s session.Session) Descriptor {
	pair := s.Geofence.Center.Pair()
	return Descriptor{
		SessionID:   s.ID,
		SessionCode: s.Code,
		Subject:     s.Subject,
		ExpiresAt:   s.ExpiresAt,
		Location: Location{
			Coordinates: pair[:],
			Name:        s.Geofence.Name,
			Radius:      s.Geofence.RadiusMeters,
		},
		Timestamp: s.CreatedAt,
	}
}

// Encode returns the compact JSON payload for a session.
func Encode(s session.Session) (string, error) {
	b, err := json.Marshal(FromSession(s))
	if err != nil {
		return "", apperrors.Wrapf(err, "encode session %s", s.ID)
	}
	return string(b), nil
}

// Decode parses a scanned payload, either raw JSON or JSON wrapped in
// base64url. The result is advisory; callers still resolve the session.
func Decode(payload string) (Descriptor, error) {
	raw := []byte(strings.TrimSpace(payload))
	if len(raw) == 0 {
		return Descriptor{}, apperrors.Wrapf(apperrors.ErrDecode, "empty payload")
	}
	if raw[0] != '{' {
		unwrapped, err := unwrapBase64(string(raw))
		if err != nil {
			return Descriptor{}, apperrors.Wrapf(apperrors.ErrDecode, "payload is neither JSON nor base64url")
		}
		raw = bytes.TrimSpace(unwrapped)
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, apperrors.Wrapf(apperrors.ErrDecode, "malformed payload")
	}
	d.SessionID = strings.TrimSpace(d.SessionID)
	d.SessionCode = session.NormalizeCode(d.SessionCode)
	if d.SessionID == "" || d.SessionCode == "" {
		return Descriptor{}, apperrors.Wrapf(apperrors.ErrDecode, "payload is missing session id or code")
	}
	return d, nil
}

func unwrapBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
