package session

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	apperrors "geoattend/internal/errors"
	"geoattend/internal/store"
)

const sessionColumns = `id, code, owner_id, subject, center_lon, center_lat, location_name, radius_m, status, attendance_count, created_at, expires_at`

// SQLRepository persists sessions in Postgres or SQLite. Placeholders are
// numbered in order of appearance so both drivers bind them identically.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a repo.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

var _ Repository = (*SQLRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var status string
	err := row.Scan(
		&s.ID, &s.Code, &s.OwnerID, &s.Subject,
		&s.Geofence.Center.Longitude, &s.Geofence.Center.Latitude,
		&s.Geofence.Name, &s.Geofence.RadiusMeters,
		&status, &s.AttendanceCount, &s.CreatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return s, nil
}

// Insert writes a new session.
func (r *SQLRepository) Insert(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.Code, s.OwnerID, s.Subject,
		s.Geofence.Center.Longitude, s.Geofence.Center.Latitude,
		s.Geofence.Name, s.Geofence.RadiusMeters,
		string(s.Status), s.AttendanceCount, s.CreatedAt, s.ExpiresAt)
	if store.IsUniqueViolation(err) {
		return apperrors.ErrCodeTaken
	}
	return err
}

// CodeExists checks the unique code index.
func (r *SQLRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE code = $1`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// GetByID returns a single session by id.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, apperrors.ErrNotFound
	}
	return s, err
}

// GetActiveByCode returns an active, unexpired session by code.
func (r *SQLRepository) GetActiveByCode(ctx context.Context, code string, now time.Time) (Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE code = $1 AND status = 'active' AND expires_at > $2
	`, code, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, apperrors.ErrNotFound
	}
	return s, err
}

// MarkEnded sets status = ended if the session is still active.
func (r *SQLRepository) MarkEnded(ctx context.Context, id string) (Session, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = 'ended' WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return Session{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if n == 0 {
		return Session{}, apperrors.ErrAlreadyEnded
	}
	// ended is terminal, so the re-read cannot observe an older state.
	return r.GetByID(ctx, id)
}

// ListByOwner returns sessions for an owner, newest first.
func (r *SQLRepository) ListByOwner(ctx context.Context, ownerID string, filter Filter, now time.Time, page Page) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_id = $1`
	args := []any{ownerID}
	switch filter {
	case FilterActive:
		query += ` AND status = 'active' AND expires_at > $2`
		args = append(args, now)
	case FilterPast:
		query += ` AND (status = 'ended' OR expires_at <= $2)`
		args = append(args, now)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, page.Limit, page.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// IncrementAttendance adds one to attendance_count in a single statement.
func (r *SQLRepository) IncrementAttendance(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET attendance_count = attendance_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetAttendanceCount raises attendance_count to count. A lower count leaves it unchanged.
func (r *SQLRepository) SetAttendanceCount(ctx context.Context, id string, count int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET attendance_count = CASE WHEN attendance_count < $1 THEN $1 ELSE attendance_count END
		WHERE id = $2`, count, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// EndExpired ends every active session whose expiry has passed.
func (r *SQLRepository) EndExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = 'ended' WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
