package attendance

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "geoattend/internal/errors"
)

type pairKey struct {
	participantID string
	sessionID     string
}

// MemoryRepository keeps records in process memory. The pair index and the
// insert share one mutex, giving the same at-most-once guarantee as the
// SQL unique constraint. Session summaries are kept as given to Create.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
	pairs   map[pairKey]struct{}
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{pairs: make(map[pairKey]struct{})}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Create(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	key := pairKey{participantID: rec.ParticipantID, sessionID: rec.SessionID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[key]; ok {
		return Record{}, apperrors.ErrDuplicateAttendance
	}
	m.pairs[key] = struct{}{}
	stored := rec
	if rec.Session != nil {
		sum := *rec.Session
		stored.Session = &sum
	}
	m.records = append(m.records, stored)
	return rec, nil
}

func (m *MemoryRepository) ListByParticipant(ctx context.Context, participantID string, filter HistoryFilter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := m.collect(func(r Record) bool {
		if r.ParticipantID != participantID {
			return false
		}
		if filter.From != nil && r.MarkedAt.Before(*filter.From) {
			return false
		}
		if filter.To != nil && r.MarkedAt.After(*filter.To) {
			return false
		}
		return matchesSubject(r.Session, filter.Subject)
	})
	if filter.Offset >= len(res) {
		return []Record{}, nil
	}
	res = res[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(res) {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (m *MemoryRepository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := m.collect(func(r Record) bool { return r.SessionID == sessionID })
	for i := range res {
		res[i].Session = nil
	}
	return res, nil
}

func (m *MemoryRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.records {
		if r.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// collect returns matching records newest first.
func (m *MemoryRepository) collect(match func(Record) bool) []Record {
	m.mu.RLock()
	res := []Record{}
	for _, r := range m.records {
		if match(r) {
			res = append(res, r)
		}
	}
	m.mu.RUnlock()

	for i, r := range res {
		if r.Session != nil {
			sum := *r.Session
			res[i].Session = &sum
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].MarkedAt.Equal(res[j].MarkedAt) {
			return res[i].MarkedAt.After(res[j].MarkedAt)
		}
		return res[i].ID > res[j].ID
	})
	return res
}
