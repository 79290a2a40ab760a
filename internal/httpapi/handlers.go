package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	apperrors "geoattend/internal/errors"
	"geoattend/internal/qrpayload"
	"geoattend/internal/session"
)

type locationBody struct {
	Coordinates []float64 `json:"coordinates"`
	Accuracy    *float64  `json:"accuracy"`
	Name        string    `json:"name" binding:"max=120"`
}

type createSessionRequest struct {
	Subject         string       `json:"subject" binding:"max=200"`
	Location        locationBody `json:"location"`
	Radius          *float64     `json:"radius"`
	DurationMinutes *int         `json:"duration_minutes" binding:"omitempty,max=10080"`
}

type markRequest struct {
	SessionID   string       `json:"session_id" binding:"omitempty,max=64"`
	SessionCode string       `json:"session_code" binding:"omitempty,max=32"`
	QRPayload   string       `json:"qr_payload" binding:"omitempty,max=4096"`
	Location    locationBody `json:"location"`
}

type decodeRequest struct {
	Payload string `json:"payload" binding:"required,max=4096"`
}

type pageQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit" binding:"min=0,max=200"`
	Offset int    `form:"offset" binding:"min=0"`
}

type historyQuery struct {
	From    string `form:"from"`
	To      string `form:"to"`
	Subject string `form:"subject" binding:"max=200"`
	Limit   int    `form:"limit" binding:"min=0,max=200"`
	Offset  int    `form:"offset" binding:"min=0"`
}

type geofenceView struct {
	Coordinates  []float64 `json:"coordinates"`
	Name         string    `json:"name"`
	RadiusMeters float64   `json:"radius_meters"`
}

type sessionView struct {
	ID              string         `json:"id"`
	Code            string         `json:"code"`
	Subject         string         `json:"subject"`
	Status          session.Status `json:"status"`
	AttendanceCount int64          `json:"attendance_count"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	Geofence        geofenceView   `json:"geofence"`
}

func newGeofenceView(g session.Geofence) geofenceView {
	pair := g.Center.Pair()
	return geofenceView{Coordinates: pair[:], Name: g.Name, RadiusMeters: g.RadiusMeters}
}

func newSessionView(s session.Session, now time.Time) sessionView {
	return sessionView{
		ID:              s.ID,
		Code:            s.Code,
		Subject:         s.Subject,
		Status:          s.EffectiveStatus(now),
		AttendanceCount: s.AttendanceCount,
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		Geofence:        newGeofenceView(s.Geofence),
	}
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.IdentityFrom(c)
	return id
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, bindError(err))
		return
	}

	sess, err := s.sessions.Create(c.Request.Context(), session.CreateInput{
		OwnerID:         identity(c).ID,
		Subject:         req.Subject,
		Center:          req.Location.Coordinates,
		LocationName:    req.Location.Name,
		RadiusMeters:    req.Radius,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	payload, err := qrpayload.Encode(sess)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":      sess.ID,
		"session_code":    sess.Code,
		"subject":         sess.Subject,
		"expires_at":      sess.ExpiresAt,
		"geofence":        newGeofenceView(sess.Geofence),
		"encoded_payload": payload,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.fail(c, bindError(err))
		return
	}
	filter, err := session.ParseFilter(q.Status)
	if err != nil {
		s.fail(c, err)
		return
	}

	list, err := s.sessions.ListByOwner(c.Request.Context(), identity(c).ID, filter, session.Page{Limit: q.Limit, Offset: q.Offset})
	if err != nil {
		s.fail(c, err)
		return
	}
	now := s.sessions.Now()
	views := make([]sessionView, 0, len(list))
	for _, sess := range list {
		views = append(views, newSessionView(sess, now))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

// ownedSession loads a session and checks the caller owns it.
func (s *Server) ownedSession(c *gin.Context) (session.Session, bool) {
	sess, err := s.sessions.LookupByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return session.Session{}, false
	}
	if sess.OwnerID != identity(c).ID {
		s.fail(c, apperrors.Wrapf(apperrors.ErrForbidden, "session %s", sess.ID))
		return session.Session{}, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionView(sess, s.sessions.Now()))
}

func (s *Server) endSession(c *gin.Context) {
	sess, err := s.sessions.End(c.Request.Context(), c.Param("id"), identity(c).ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsEnded.Inc()
	}
	c.JSON(http.StatusOK, newSessionView(sess, s.sessions.Now()))
}

func (s *Server) sessionRecords(c *gin.Context) {
	sess, records, err := s.attendance.ListBySession(c.Request.Context(), c.Param("id"), identity(c).ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": newSessionView(sess, s.sessions.Now()),
		"records": nonNil(records),
		"count":   len(records),
	})
}

func (s *Server) markAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.rejectMark(c, bindError(err))
		return
	}

	ref := attendance.SessionRef{ID: req.SessionID, Code: req.SessionCode}
	if strings.TrimSpace(ref.ID) == "" && strings.TrimSpace(ref.Code) == "" && req.QRPayload != "" {
		d, err := qrpayload.Decode(req.QRPayload)
		if err != nil {
			s.rejectMark(c, err)
			return
		}
		ref = d.Ref()
	}

	out, err := s.attendance.MarkAttendance(c.Request.Context(), attendance.MarkInput{
		ParticipantID: identity(c).ID,
		Ref:           ref,
		Location: attendance.SubmittedLocation{
			Coordinates: req.Location.Coordinates,
			Accuracy:    req.Location.Accuracy,
			Name:        req.Location.Name,
		},
		Device: deviceFrom(c),
	})
	if err != nil {
		s.rejectMark(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.Marks.WithLabelValues(string(out.Record.Status)).Inc()
	}

	message := "Attendance marked successfully!"
	if !out.Record.Verified {
		message = "You are not within the allowed distance to mark attendance"
	}
	c.JSON(http.StatusCreated, gin.H{
		"record_id":             out.Record.ID,
		"session_id":            out.Record.SessionID,
		"status":                out.Record.Status,
		"verified":              out.Record.Verified,
		"distance_meters":       out.DistanceMeters,
		"allowed_radius_meters": out.AllowedRadiusMeters,
		"marked_at":             out.Record.MarkedAt,
		"message":               message,
	})
}

func (s *Server) rejectMark(c *gin.Context, err error) {
	if s.metrics != nil {
		s.metrics.MarkRejections.WithLabelValues(reason(err)).Inc()
	}
	s.fail(c, err)
}

func (s *Server) history(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.fail(c, bindError(err))
		return
	}
	from, err := parseTime(q.From, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	to, err := parseTime(q.To, true)
	if err != nil {
		s.fail(c, err)
		return
	}

	records, err := s.attendance.ListByParticipant(c.Request.Context(), identity(c).ID, attendance.HistoryFilter{
		From:    from,
		To:      to,
		Subject: q.Subject,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": nonNil(records), "count": len(records)})
}

func (s *Server) decodeQR(c *gin.Context) {
	var req decodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, bindError(err))
		return
	}
	d, err := qrpayload.Decode(req.Payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// parseTime accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseTime(v string, endOfDay bool) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "invalid date %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func nonNil(records []attendance.Record) []attendance.Record {
	if records == nil {
		return []attendance.Record{}
	}
	return records
}
