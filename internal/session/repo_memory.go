package session

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "geoattend/internal/errors"
)

// MemoryRepository keeps sessions in process memory. It backs the "memory"
// storage driver and the tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	codes    map[string]string // code -> session id
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
		codes:    make(map[string]string),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Insert(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[s.Code]; ok {
		return apperrors.ErrCodeTaken
	}
	if _, ok := m.sessions[s.ID]; ok {
		return apperrors.ErrCodeTaken
	}
	stored := s
	m.sessions[s.ID] = &stored
	m.codes[s.Code] = s.ID
	return nil
}

func (m *MemoryRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.codes[code]
	return ok, nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, apperrors.ErrNotFound
	}
	return *s, nil
}

func (m *MemoryRepository) GetActiveByCode(ctx context.Context, code string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return Session{}, apperrors.ErrNotFound
	}
	s := m.sessions[id]
	if !s.IsActive(now) {
		return Session{}, apperrors.ErrNotFound
	}
	return *s, nil
}

func (m *MemoryRepository) MarkEnded(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, apperrors.ErrNotFound
	}
	if s.Status != StatusActive {
		return Session{}, apperrors.ErrAlreadyEnded
	}
	s.Status = StatusEnded
	return *s, nil
}

func (m *MemoryRepository) ListByOwner(ctx context.Context, ownerID string, filter Filter, now time.Time, page Page) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	res := []Session{}
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && filter.Matches(*s, now) {
			res = append(res, *s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	if page.Offset >= len(res) {
		return []Session{}, nil
	}
	res = res[page.Offset:]
	if page.Limit > 0 && page.Limit < len(res) {
		res = res[:page.Limit]
	}
	return res, nil
}

func (m *MemoryRepository) IncrementAttendance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	s.AttendanceCount++
	return nil
}

func (m *MemoryRepository) SetAttendanceCount(ctx context.Context, id string, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if count > s.AttendanceCount {
		s.AttendanceCount = count
	}
	return nil
}

func (m *MemoryRepository) EndExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
			s.Status = StatusEnded
			n++
		}
	}
	return n, nil
}
