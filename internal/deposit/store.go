package deposit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"depositflow/internal/common/events"
)

// Store persists sessions. Every write takes the events to publish and
// stores them in the outbox atomically with the state change. List methods
// treat a limit <= 0 as no limit.
type Store interface {
	// Create inserts a new session and sets its Version to 1.
	Create(ctx context.Context, s *Session, evts []*events.Event) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByMemo(ctx context.Context, memo string) (*Session, error)
	// Update writes s if the stored version equals s.Version, then
	// increments s.Version. A mismatch returns ErrStaleSession. Reusing an
	// idempotency key held by another session returns ErrDuplicateConfirmation.
	Update(ctx context.Context, s *Session, evts []*events.Event) error
	// Supersede updates old and creates replacement in one atomic write.
	Supersede(ctx context.Context, old, replacement *Session, evts []*events.Event) error
	// Record stores events that carry no state change.
	Record(ctx context.Context, evts []*events.Event) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Session, int64, error)
	ListActive(ctx context.Context, limit int) ([]*Session, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	events.Outbox
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byMemo   map[string]string
	byKey    map[string]string
	outbox   []events.OutboxEntry
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byMemo:   make(map[string]string),
		byKey:    make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *Session, evts []*events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCreate(s); err != nil {
		return err
	}
	m.insert(s)
	return m.appendOutbox(evts)
}

func (m *MemoryStore) checkCreate(s *Session) error {
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	if memo := s.Memo(); memo != "" {
		if _, ok := m.byMemo[memo]; ok {
			return fmt.Errorf("memo %s already in use", memo)
		}
	}
	return nil
}

func (m *MemoryStore) insert(s *Session) {
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	if memo := s.Memo(); memo != "" {
		m.byMemo[memo] = s.ID
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetByMemo(ctx context.Context, memo string) (*Session, error) {
	m.mu.Lock()
	id, ok := m.byMemo[memo]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: memo %s", ErrSessionNotFound, memo)
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, s *Session, evts []*events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUpdate(s); err != nil {
		return err
	}
	m.apply(s)
	return m.appendOutbox(evts)
}

func (m *MemoryStore) checkUpdate(s *Session) error {
	current, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	if current.Version != s.Version {
		return ErrStaleSession
	}
	if s.IdempotencyKey != "" {
		if owner, ok := m.byKey[s.IdempotencyKey]; ok && owner != s.ID {
			return ErrDuplicateConfirmation
		}
	}
	return nil
}

func (m *MemoryStore) apply(s *Session) {
	s.Version++
	m.sessions[s.ID] = s.Clone()
	if s.IdempotencyKey != "" {
		m.byKey[s.IdempotencyKey] = s.ID
	}
	if memo := s.Memo(); memo != "" {
		m.byMemo[memo] = s.ID
	}
}

func (m *MemoryStore) Supersede(_ context.Context, old, replacement *Session, evts []*events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUpdate(old); err != nil {
		return err
	}
	if err := m.checkCreate(replacement); err != nil {
		return err
	}
	m.apply(old)
	m.insert(replacement)
	return m.appendOutbox(evts)
}

func (m *MemoryStore) Record(_ context.Context, evts []*events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendOutbox(evts)
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	out := make([]*Session, 0, end-offset)
	for _, s := range all[offset:end] {
		out = append(out, s.Clone())
	}
	return out, total, nil
}

func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool { return s.State.IsActive() }), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool {
		return s.State.IsActive() && !s.Quote.ValidAt(now)
	}), nil
}

func (m *MemoryStore) filter(limit int, keep func(*Session) bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt().Before(out[j].ExpiresAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) appendOutbox(evts []*events.Event) error {
	for _, e := range evts {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling event: %w", err)
		}
		m.nextID++
		m.outbox = append(m.outbox, events.OutboxEntry{
			ID:        m.nextID,
			EventID:   e.ID,
			EventType: e.Type,
			Payload:   payload,
			CreatedAt: e.OccurredAt,
		})
	}
	return nil
}

func (m *MemoryStore) PendingOutbox(_ context.Context, limit int) ([]events.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.OutboxEntry
	for _, e := range m.outbox {
		if e.PublishedAt != nil || e.DeadAt != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			t := at
			m.outbox[i].PublishedAt = &t
			return nil
		}
	}
	return fmt.Errorf("outbox entry %d not found", id)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			msg := errMsg
			m.outbox[i].Attempts++
			m.outbox[i].LastError = &msg
			return nil
		}
	}
	return fmt.Errorf("outbox entry %d not found", id)
}

func (m *MemoryStore) MarkDead(_ context.Context, id int64, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			msg, t := errMsg, at
			m.outbox[i].Attempts++
			m.outbox[i].LastError = &msg
			m.outbox[i].DeadAt = &t
			return nil
		}
	}
	return fmt.Errorf("outbox entry %d not found", id)
}

func (m *MemoryStore) ReplayDead(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.outbox {
		if m.outbox[i].DeadAt != nil && m.outbox[i].PublishedAt == nil {
			m.outbox[i].DeadAt = nil
			m.outbox[i].Attempts = 0
			n++
		}
	}
	return n, nil
}

// Events returns the types of all events written so far, in order.
func (m *MemoryStore) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.outbox))
	for _, e := range m.outbox {
		out = append(out, e.EventType)
	}
	return out
}
