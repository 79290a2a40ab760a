package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/httpapi"
	"geoattend/internal/metrics"
	"geoattend/internal/session"
)

const (
	signingKey = "test-key"
	issuer     = "geoattend-test"
)

// metersPerDegreeLat is the Haversine length of one degree of latitude.
const metersPerDegreeLat = 6371000.0 * 3.141592653589793 / 180

var (
	teacher      = auth.Identity{ID: "teacher-1", Role: auth.RoleTeacher}
	otherTeacher = auth.Identity{ID: "teacher-2", Role: auth.RoleTeacher}
	student      = auth.Identity{ID: "student-1", Role: auth.RoleStudent}
	faculty      = auth.Identity{ID: "faculty-1", Role: auth.RoleFaculty}
)

type fixture struct {
	now      time.Time
	router   *gin.Engine
	metrics  *metrics.Metrics
	registry *session.Registry
	healthy  bool
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), healthy: true}

	f.registry = session.NewRegistry(session.NewMemoryRepository(), session.WithClock(func() time.Time { return f.now }))
	svc := attendance.NewService(attendance.NewMemoryRepository(), f.registry)
	f.metrics = metrics.New(prometheus.NewRegistry())

	f.router = httpapi.NewRouter(f.registry, svc, httpapi.Config{
		SigningKey: signingKey,
		Issuer:     issuer,
		Metrics:    f.metrics,
		Health: map[string]httpapi.HealthCheck{
			"db": func(context.Context) bool { return f.healthy },
		},
		Logger: zerolog.Nop(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, who *auth.Identity, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if who != nil {
		token, _, err := auth.Issue(*who, issuer, signingKey, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (f *fixture) openSession(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	w, out := f.do(t, http.MethodPost, "/v1/sessions", &teacher, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return out
}

func classroom() map[string]any {
	return map[string]any{
		"subject":          "Networks",
		"location":         map[string]any{"coordinates": []float64{77.2090, 28.6139}, "name": "Room 101"},
		"radius":           5,
		"duration_minutes": 30,
	}
}

func markAt(ref map[string]any, lon, lat float64) map[string]any {
	body := map[string]any{"location": map[string]any{"coordinates": []float64{lon, lat}}}
	for k, v := range ref {
		body[k] = v
	}
	return body
}

func TestCreateSession(t *testing.T) {
	f := setup(t)
	out := f.openSession(t, classroom())

	require.NotEmpty(t, out["session_id"])
	require.Len(t, out["session_code"], 8)
	require.Equal(t, "Networks", out["subject"])
	geofence := out["geofence"].(map[string]any)
	require.Equal(t, 5.0, geofence["radius_meters"])
	require.Equal(t, "Room 101", geofence["name"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out["encoded_payload"].(string)), &payload))
	require.Equal(t, out["session_id"], payload["sessionId"])
	require.Equal(t, out["session_code"], payload["sessionCode"])

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsCreated))
}

func TestCreateSession_Rejects(t *testing.T) {
	f := setup(t)

	w, _ := f.do(t, http.MethodPost, "/v1/sessions", nil, classroom())
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/sessions", &student, classroom())
	require.Equal(t, http.StatusForbidden, w.Code)

	body := classroom()
	body["owner_id"] = "someone-else"
	w, out := f.do(t, http.MethodPost, "/v1/sessions", &teacher, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, out["detail"], "owner_id")

	body = classroom()
	body["location"] = map[string]any{"coordinates": []float64{200, 0}}
	w, _ = f.do(t, http.MethodPost, "/v1/sessions", &teacher, body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/sessions", &teacher, `{"subject":`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	for _, minutes := range []int{10081, 200_000_000} {
		body = classroom()
		body["duration_minutes"] = minutes
		w, out = f.do(t, http.MethodPost, "/v1/sessions", &teacher, body)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, out["detail"], "DurationMinutes")
	}

	w, out = f.do(t, http.MethodGet, "/v1/sessions", &teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, out["sessions"])
}

func TestMarkAttendance(t *testing.T) {
	f := setup(t)
	sess := f.openSession(t, classroom())
	ua := "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"

	w, out := f.do(t, http.MethodPost, "/v1/attendance", &student,
		markAt(map[string]any{"session_code": sess["session_code"]}, 77.2090, 28.6139), "User-Agent", ua)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, "present", out["status"])
	require.Equal(t, true, out["verified"])
	require.Equal(t, 5.0, out["allowed_radius_meters"])
	require.InDelta(t, 0, out["distance_meters"], 1e-6)
	require.Equal(t, "Attendance marked successfully!", out["message"])

	w, out = f.do(t, http.MethodPost, "/v1/attendance", &student,
		markAt(map[string]any{"session_id": sess["session_id"]}, 77.2090, 28.6139))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "Your attendance is already marked for this session.", out["error"])

	// Faculty may check in too, and far away is recorded but not verified.
	f.now = f.now.Add(time.Second)
	far := 28.6139 + 200/metersPerDegreeLat
	w, out = f.do(t, http.MethodPost, "/v1/attendance", &faculty,
		markAt(map[string]any{"session_id": sess["session_id"]}, 77.2090, far))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "out_of_range", out["status"])
	require.Equal(t, false, out["verified"])
	require.InDelta(t, 200, out["distance_meters"], 0.5)

	w, out = f.do(t, http.MethodGet, "/v1/sessions/"+sess["session_id"].(string)+"/records", &teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2.0, out["count"])
	records := out["records"].([]any)
	first := records[1].(map[string]any)
	require.Equal(t, student.ID, first["participant_id"])
	device := first["device"].(map[string]any)
	require.Equal(t, ua, device["user_agent"])
	require.Contains(t, device["browser"], "Chrome")

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Marks.WithLabelValues("present")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Marks.WithLabelValues("out_of_range")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MarkRejections.WithLabelValues("duplicate")))
}

func TestMarkAttendance_WithQRPayload(t *testing.T) {
	f := setup(t)
	sess := f.openSession(t, classroom())

	w, out := f.do(t, http.MethodPost, "/v1/attendance", &student,
		markAt(map[string]any{"qr_payload": sess["encoded_payload"]}, 77.2090, 28.6139))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, sess["session_id"], out["session_id"])

	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student,
		markAt(map[string]any{"qr_payload": "not a payload"}, 77.2090, 28.6139))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkAttendance_Errors(t *testing.T) {
	f := setup(t)
	sess := f.openSession(t, classroom())
	byCode := map[string]any{"session_code": sess["session_code"]}
	byID := map[string]any{"session_id": sess["session_id"]}

	w, _ := f.do(t, http.MethodPost, "/v1/attendance", &teacher, markAt(byCode, 77.2090, 28.6139))
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student, map[string]any{"session_code": sess["session_code"]})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student, `{"session_code":"X","location":{"coordinates":["a","b"]}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student, markAt(nil, 77.2090, 28.6139))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student, markAt(map[string]any{"session_code": "ZZZZZZZZ"}, 77.2090, 28.6139))
	require.Equal(t, http.StatusNotFound, w.Code)

	f.now = f.now.Add(time.Hour)
	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student, markAt(byCode, 77.2090, 28.6139))
	require.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student, markAt(byID, 77.2090, 28.6139))
	require.Equal(t, http.StatusGone, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := setup(t)
	sess := f.openSession(t, classroom())
	id := sess["session_id"].(string)

	w, out := f.do(t, http.MethodGet, "/v1/sessions/"+id, &teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "active", out["status"])

	w, _ = f.do(t, http.MethodGet, "/v1/sessions/"+id, &otherTeacher, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", &otherTeacher, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	for i := 0; i < 2; i++ {
		w, out = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", &teacher, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "ended", out["status"])
	}

	w, _ = f.do(t, http.MethodPost, "/v1/attendance", &student,
		markAt(map[string]any{"session_id": id}, 77.2090, 28.6139))
	require.Equal(t, http.StatusGone, w.Code)

	w, _ = f.do(t, http.MethodGet, "/v1/sessions/missing", &teacher, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	f := setup(t)
	first := f.openSession(t, classroom())
	f.now = f.now.Add(time.Minute)
	second := f.openSession(t, classroom())
	_, _ = f.do(t, http.MethodPost, "/v1/sessions/"+first["session_id"].(string)+"/end", &teacher, nil)

	w, out := f.do(t, http.MethodGet, "/v1/sessions", &teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, out["count"])
	require.Equal(t, second["session_id"], out["sessions"].([]any)[0].(map[string]any)["id"])

	w, out = f.do(t, http.MethodGet, "/v1/sessions?status=all&limit=1", &teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, out["count"])

	w, out = f.do(t, http.MethodGet, "/v1/sessions?status=past", &teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, first["session_id"], out["sessions"].([]any)[0].(map[string]any)["id"])

	w, _ = f.do(t, http.MethodGet, "/v1/sessions?status=bogus", &teacher, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/v1/sessions?limit=abc", &teacher, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistory(t *testing.T) {
	f := setup(t)
	sess := f.openSession(t, classroom())
	w, _ := f.do(t, http.MethodPost, "/v1/attendance", &student,
		markAt(map[string]any{"session_id": sess["session_id"]}, 77.2090, 28.6139))
	require.Equal(t, http.StatusCreated, w.Code)

	w, out := f.do(t, http.MethodGet, "/v1/attendance/history", &student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, out["count"])

	w, out = f.do(t, http.MethodGet, "/v1/attendance/history?from=2026-03-02&to=2026-03-02", &student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, out["count"])

	w, out = f.do(t, http.MethodGet, "/v1/attendance/history?from=2026-03-03T00:00:00Z", &student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0.0, out["count"])
	require.Empty(t, out["records"])

	w, out = f.do(t, http.MethodGet, "/v1/attendance/history?subject=netw", &student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1.0, out["count"])
	rec := out["records"].([]any)[0].(map[string]any)
	info := rec["session"].(map[string]any)
	require.Equal(t, "Networks", info["subject"])
	require.Equal(t, sess["session_code"], info["code"])
	require.NotEmpty(t, info["expires_at"])

	w, out = f.do(t, http.MethodGet, "/v1/attendance/history?subject=chemistry", &student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0.0, out["count"])

	w, _ = f.do(t, http.MethodGet, "/v1/attendance/history?from=yesterday", &student, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/v1/attendance/history?from=2026-03-05&to=2026-03-01", &student, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeQR(t *testing.T) {
	f := setup(t)
	sess := f.openSession(t, classroom())

	w, out := f.do(t, http.MethodPost, "/v1/qr/decode", &student, map[string]any{"payload": sess["encoded_payload"]})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sess["session_code"], out["sessionCode"])
	require.NotContains(t, w.Body.String(), teacher.ID)

	w, _ = f.do(t, http.MethodPost, "/v1/qr/decode", &student, map[string]any{"payload": "{}"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	f := setup(t)

	w, out := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", out["status"])

	f.healthy = false
	w, out = f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "degraded", out["status"])
}
