package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "geoattend/internal/errors"
	"geoattend/internal/store"
)

const recordColumns = `id, participant_id, session_id, marked_at, lon, lat, accuracy_m, distance_m, location_name, status, verified, user_agent, ip_address, platform, os, browser`

const joinedColumns = `r.id, r.participant_id, r.session_id, r.marked_at, r.lon, r.lat, r.accuracy_m, r.distance_m, r.location_name, r.status, r.verified, r.user_agent, r.ip_address, r.platform, r.os, r.browser, s.subject, s.code, s.expires_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SQLRepository persists attendance records in Postgres or SQLite.
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

// scanRecord reads recordColumns followed by any extra destinations.
func scanRecord(row rowScanner, extra ...any) (Record, error) {
	var rec Record
	var status string
	var accuracy sql.NullFloat64
	dest := []any{
		&rec.ID, &rec.ParticipantID, &rec.SessionID, &rec.MarkedAt,
		&rec.Location.Coordinate.Longitude, &rec.Location.Coordinate.Latitude,
		&accuracy, &rec.Location.DistanceMeters, &rec.Location.Name,
		&status, &rec.Verified,
		&rec.Device.UserAgent, &rec.Device.IPAddress, &rec.Device.Platform, &rec.Device.OS, &rec.Device.Browser,
	}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return Record{}, err
	}
	if accuracy.Valid {
		v := accuracy.Float64
		rec.Location.Accuracy = &v
	}
	rec.Status = Status(status)
	rec.MarkedAt = rec.MarkedAt.UTC()
	return rec, nil
}

// Create inserts the record inside one transaction. The UNIQUE
// (participant_id, session_id) constraint makes the existence check and the
// insert a single step: a conflicting row yields no RETURNING row. If ctx is
// cancelled before Commit the transaction is rolled back.
func (r *SQLRepository) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var accuracy any
	if rec.Location.Accuracy != nil {
		accuracy = *rec.Location.Accuracy
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (participant_id, session_id) DO NOTHING
		RETURNING id
	`, rec.ID, rec.ParticipantID, rec.SessionID, rec.MarkedAt,
		rec.Location.Coordinate.Longitude, rec.Location.Coordinate.Latitude,
		accuracy, rec.Location.DistanceMeters, rec.Location.Name,
		string(rec.Status), rec.Verified,
		rec.Device.UserAgent, rec.Device.IPAddress, rec.Device.Platform, rec.Device.OS, rec.Device.Browser,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows), store.IsUniqueViolation(err):
		return Record{}, apperrors.ErrDuplicateAttendance
	case err != nil:
		return Record{}, err
	}

	if err := tx.Commit(); err != nil {
		if store.IsUniqueViolation(err) {
			return Record{}, apperrors.ErrDuplicateAttendance
		}
		return Record{}, err
	}
	return rec, nil
}

// ListByParticipant returns a participant's records with optional date and
// subject bounds, joined with their session summary.
func (r *SQLRepository) ListByParticipant(ctx context.Context, participantID string, filter HistoryFilter) ([]Record, error) {
	clauses := []string{"r.participant_id = $1"}
	args := []any{participantID}
	if filter.From != nil {
		args = append(args, filter.From.UTC())
		clauses = append(clauses, "r.marked_at >= $"+strconv.Itoa(len(args)))
	}
	if filter.To != nil {
		args = append(args, filter.To.UTC())
		clauses = append(clauses, "r.marked_at <= $"+strconv.Itoa(len(args)))
	}
	if filter.Subject != "" {
		args = append(args, "%"+likeEscaper.Replace(strings.ToLower(filter.Subject))+"%")
		clauses = append(clauses, `LOWER(s.subject) LIKE $`+strconv.Itoa(len(args))+` ESCAPE '\'`)
	}
	query := `SELECT ` + joinedColumns + `
		FROM attendance_records r
		JOIN sessions s ON s.id = r.session_id
		WHERE ` + strings.Join(clauses, " AND ")
	query += ` ORDER BY r.marked_at DESC, r.id DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Record{}
	for rows.Next() {
		var sum SessionSummary
		rec, err := scanRecord(rows, &sum.Subject, &sum.Code, &sum.ExpiresAt)
		if err != nil {
			return nil, err
		}
		sum.ExpiresAt = sum.ExpiresAt.UTC()
		rec.Session = &sum
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListBySession returns every record for a session.
func (r *SQLRepository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.query(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at DESC, id DESC
	`, sessionID)
}

// CountBySession counts the records for a session.
func (r *SQLRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

func (r *SQLRepository) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
