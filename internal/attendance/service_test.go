package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"geoattend/internal/attendance"
	apperrors "geoattend/internal/errors"
	"geoattend/internal/geo"
	"geoattend/internal/queue"
	"geoattend/internal/session"
)

const (
	instructor = "teacher-1"
	student    = "student-1"
)

// metersPerDegreeLat is the Haversine length of one degree of latitude.
const metersPerDegreeLat = geo.EarthRadiusMeters * 3.141592653589793 / 180

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixedMeasurer is the test double for the distance strategy.
type fixedMeasurer float64

func (f fixedMeasurer) Distance(geo.Coordinate, geo.Coordinate) float64 { return float64(f) }

// failingCounter wraps the registry and refuses to increment.
type failingCounter struct {
	*session.Registry
}

func (failingCounter) IncrementAttendance(context.Context, string) error {
	return apperrors.ErrStorageUnavailable
}

type testFixture struct {
	clock    *clock
	sessions *session.MemoryRepository
	records  *attendance.MemoryRepository
	registry *session.Registry
	events   *queue.InMemory
	service  *attendance.Service
}

func setupTestFixture(t *testing.T, opts ...attendance.Option) *testFixture {
	t.Helper()
	f := &testFixture{
		clock:    &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		sessions: session.NewMemoryRepository(),
		records:  attendance.NewMemoryRepository(),
		events:   queue.NewInMemory(128),
	}
	f.registry = session.NewRegistry(f.sessions, session.WithClock(f.clock.Now))
	opts = append([]attendance.Option{attendance.WithPublisher(f.events)}, opts...)
	f.service = attendance.NewService(f.records, f.registry, opts...)
	return f
}

func (f *testFixture) createSession(t *testing.T, radius float64, minutes int) session.Session {
	t.Helper()
	s, err := f.registry.Create(context.Background(), session.CreateInput{
		OwnerID:         instructor,
		Subject:         "Networks",
		Center:          []float64{77.2090, 28.6139},
		RadiusMeters:    &radius,
		DurationMinutes: &minutes,
	})
	require.NoError(t, err)
	return s
}

func mark(participant string, ref attendance.SessionRef, lon, lat float64) attendance.MarkInput {
	return attendance.MarkInput{
		ParticipantID: participant,
		Ref:           ref,
		Location:      attendance.SubmittedLocation{Coordinates: []float64{lon, lat}},
	}
}

func TestMarkAttendance_SameCoordinateIsPresent(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)

	out, err := f.service.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
	require.NoError(t, err)

	require.True(t, out.Record.Verified)
	require.Equal(t, attendance.StatusPresent, out.Record.Status)
	require.InDelta(t, 0, out.DistanceMeters, 1e-6)
	require.Equal(t, 5.0, out.AllowedRadiusMeters)
	require.Equal(t, s.ID, out.Record.SessionID)
	require.Equal(t, student, out.Record.ParticipantID)
	require.Equal(t, f.clock.Now(), out.Record.MarkedAt)
	require.EqualValues(t, 1, out.Session.AttendanceCount)

	stored, err := f.registry.LookupByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.AttendanceCount)
}

func TestMarkAttendance_FarAwayIsRecordedAsOutOfRange(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)

	lat := 28.6139 + 200/metersPerDegreeLat
	out, err := f.service.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{Code: s.Code}, 77.2090, lat))
	require.NoError(t, err)

	require.False(t, out.Record.Verified)
	require.Equal(t, attendance.StatusOutOfRange, out.Record.Status)
	require.InDelta(t, 200, out.DistanceMeters, 0.5)
	require.InDelta(t, 200, out.Record.Location.DistanceMeters, 0.5)

	n, err := f.service.CountBySession(context.Background(), s.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMarkAttendance_RadiusBoundaryIsInclusive(t *testing.T) {
	t.Run("exactly at radius", func(t *testing.T) {
		f := setupTestFixture(t, attendance.WithMeasurer(fixedMeasurer(5)))
		s := f.createSession(t, 5, 30)
		out, err := f.service.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{ID: s.ID}, 0, 0))
		require.NoError(t, err)
		require.True(t, out.Record.Verified)
		require.Equal(t, attendance.StatusPresent, out.Record.Status)
	})

	t.Run("one meter beyond", func(t *testing.T) {
		f := setupTestFixture(t, attendance.WithMeasurer(fixedMeasurer(6)))
		s := f.createSession(t, 5, 30)
		out, err := f.service.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{ID: s.ID}, 0, 0))
		require.NoError(t, err)
		require.False(t, out.Record.Verified)
		require.Equal(t, attendance.StatusOutOfRange, out.Record.Status)
	})

	t.Run("haversine at radius", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.createSession(t, 50, 30)
		lat := 28.6139 + 49.99/metersPerDegreeLat
		out, err := f.service.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, lat))
		require.NoError(t, err)
		require.True(t, out.Record.Verified)

		lat = 28.6139 + 51/metersPerDegreeLat
		out, err = f.service.MarkAttendance(context.Background(), mark("student-2", attendance.SessionRef{ID: s.ID}, 77.2090, lat))
		require.NoError(t, err)
		require.False(t, out.Record.Verified)
	})
}

func TestMarkAttendance_DuplicateIsRejected(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)
	ctx := context.Background()

	_, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
	require.NoError(t, err)

	// Same pair through the code path, from a different spot.
	_, err = f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{Code: s.Code}, 77.3, 28.7))
	require.ErrorIs(t, err, apperrors.ErrDuplicateAttendance)

	// Another participant is unaffected.
	_, err = f.service.MarkAttendance(ctx, mark("student-2", attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
	require.NoError(t, err)

	stored, err := f.registry.LookupByID(ctx, s.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, stored.AttendanceCount)
}

func TestMarkAttendance_ConcurrentSubmissionsRecordOnce(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)

	const attempts = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := attendance.SessionRef{ID: s.ID}
			if i%2 == 1 {
				ref = attendance.SessionRef{Code: s.Code}
			}
			<-start
			_, err := f.service.MarkAttendance(context.Background(), mark(student, ref, 77.2090, 28.6139))
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperrors.ErrDuplicateAttendance):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, attempts-1, dup)

	records, err := f.service.ListByParticipant(context.Background(), student, attendance.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	stored, err := f.registry.LookupByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.AttendanceCount)
}

func TestMarkAttendance_SessionResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: "missing"}, 0, 0))
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("unknown code", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{Code: "NOPE1234"}, 0, 0))
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	})

	t.Run("no reference", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{}, 0, 0))
		require.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("expired by code is not found, by id is expired", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.createSession(t, 5, 30)
		f.clock.Advance(31 * time.Minute)

		_, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{Code: s.Code}, 77.2090, 28.6139))
		require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

		_, err = f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	})

	t.Run("ended session by id is expired", func(t *testing.T) {
		f := setupTestFixture(t)
		s := f.createSession(t, 5, 30)
		_, err := f.registry.End(ctx, s.ID, instructor)
		require.NoError(t, err)

		_, err = f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	})

	t.Run("id wins over code", func(t *testing.T) {
		f := setupTestFixture(t)
		a := f.createSession(t, 5, 30)
		b := f.createSession(t, 5, 30)
		out, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: a.ID, Code: b.Code}, 77.2090, 28.6139))
		require.NoError(t, err)
		require.Equal(t, a.ID, out.Record.SessionID)
	})
}

func TestMarkAttendance_Validation(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)
	ctx := context.Background()
	ref := attendance.SessionRef{ID: s.ID}

	cases := map[string]attendance.MarkInput{
		"missing coordinates": {ParticipantID: student, Ref: ref},
		"one coordinate":      {ParticipantID: student, Ref: ref, Location: attendance.SubmittedLocation{Coordinates: []float64{77.2}}},
		"out of range":        {ParticipantID: student, Ref: ref, Location: attendance.SubmittedLocation{Coordinates: []float64{77.2, 95}}},
		"negative accuracy": {ParticipantID: student, Ref: ref, Location: attendance.SubmittedLocation{
			Coordinates: []float64{77.2090, 28.6139}, Accuracy: ptr(-1.0)}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.MarkAttendance(ctx, in)
			require.ErrorIs(t, err, apperrors.ErrInvalidLocation)
		})
	}

	t.Run("missing participant", func(t *testing.T) {
		_, err := f.service.MarkAttendance(ctx, mark(" ", ref, 77.2090, 28.6139))
		require.ErrorIs(t, err, apperrors.ErrValidation)
		require.NotErrorIs(t, err, apperrors.ErrInvalidLocation)
	})

	n, err := f.service.CountBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMarkAttendance_CounterFailureDoesNotFailTheMark(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)
	svc := attendance.NewService(f.records, failingCounter{f.registry})

	out, err := svc.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
	require.NoError(t, err)
	require.True(t, out.Record.Verified)
	require.Zero(t, out.Session.AttendanceCount)

	n, err := f.service.CountBySession(context.Background(), s.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMarkAttendance_CancelledCallerLeavesNoRecord(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
	require.Error(t, err)

	// The retry after the abandoned call goes through exactly once.
	_, err = f.service.MarkAttendance(context.Background(), mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
	require.NoError(t, err)
}

func TestMarkAttendance_PublishesEventAndKeepsDevice(t *testing.T) {
	f := setupTestFixture(t)
	s := f.createSession(t, 5, 30)

	in := mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139)
	in.Location.Accuracy = ptr(12.5)
	in.Location.Name = " Library "
	in.Device = attendance.Device{UserAgent: "Mozilla/5.0", IPAddress: "10.0.0.7", OS: "Android 14", Browser: "Chrome"}

	out, err := f.service.MarkAttendance(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, in.Device, out.Record.Device)
	require.Equal(t, 12.5, *out.Record.Location.Accuracy)
	require.Equal(t, "Library", out.Record.Location.Name)

	require.Equal(t, 1, f.events.Len())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := f.events.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	require.Equal(t, attendance.EventMarked, msg.Type)

	evt, err := attendance.ParseMarkedEvent(msg.Body)
	require.NoError(t, err)
	require.Equal(t, out.Record.ID, evt.RecordID)
	require.Equal(t, s.ID, evt.SessionID)
	require.Equal(t, student, evt.ParticipantID)
	require.Equal(t, attendance.StatusPresent, evt.Status)
	require.True(t, evt.Verified)
}

func TestListByParticipant(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s := f.createSession(t, 5, 30)
		out, err := f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
		require.NoError(t, err)
		ids = append(ids, out.Record.ID)
		f.clock.Advance(time.Hour)
	}

	all, err := f.service.ListByParticipant(ctx, student, attendance.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[2], all[0].ID)
	require.Equal(t, ids[0], all[2].ID)

	from := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	to := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	ranged, err := f.service.ListByParticipant(ctx, student, attendance.HistoryFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	require.Equal(t, ids[1], ranged[0].ID)

	paged, err := f.service.ListByParticipant(ctx, student, attendance.HistoryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, ids[1], paged[0].ID)

	require.NotNil(t, all[0].Session)
	require.Equal(t, "Networks", all[0].Session.Subject)

	other, err := f.registry.Create(ctx, session.CreateInput{
		OwnerID: instructor,
		Subject: "Organic Chemistry",
		Center:  []float64{77.2090, 28.6139},
	})
	require.NoError(t, err)
	_, err = f.service.MarkAttendance(ctx, mark(student, attendance.SessionRef{ID: other.ID}, 77.2090, 28.6139))
	require.NoError(t, err)

	chem, err := f.service.ListByParticipant(ctx, student, attendance.HistoryFilter{Subject: "  chemistry "})
	require.NoError(t, err)
	require.Len(t, chem, 1)
	require.Equal(t, other.ID, chem[0].SessionID)
	require.Equal(t, other.Code, chem[0].Session.Code)
	require.True(t, other.ExpiresAt.Equal(chem[0].Session.ExpiresAt))

	networks, err := f.service.ListByParticipant(ctx, student, attendance.HistoryFilter{Subject: "NETWORKS"})
	require.NoError(t, err)
	require.Len(t, networks, 3)

	_, err = f.service.ListByParticipant(ctx, student, attendance.HistoryFilter{From: &to, To: &from})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.service.ListByParticipant(ctx, "", attendance.HistoryFilter{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestListBySession(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	s := f.createSession(t, 5, 30)

	for _, p := range []string{"a", "b"} {
		_, err := f.service.MarkAttendance(ctx, mark(p, attendance.SessionRef{ID: s.ID}, 77.2090, 28.6139))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	got, records, err := f.service.ListBySession(ctx, s.ID, instructor)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Len(t, records, 2)
	require.Equal(t, "b", records[0].ParticipantID)

	_, _, err = f.service.ListBySession(ctx, s.ID, student)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, _, err = f.service.ListBySession(ctx, "missing", instructor)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func ptr[T any](v T) *T { return &v }
