package db

import (
	"context"
	"sort"
	"sync"

	"github.com/plagapro/plagapro/backend/internal/models"
)

// MemoryRepository is an in-memory OfflineRepository for tests and for
// runtimes without a writable data directory. Values are copied on the way
// in and out so callers never share state with the store.
type MemoryRepository struct {
	mu          sync.Mutex
	cache       map[string]models.CacheEntry
	pending     map[models.UUID]models.PendingChange
	deadLetters map[models.UUID]models.DeadLetter
	meta        map[string]string
	nextSeq     int64
	unavailable bool
}

var _ OfflineRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cache:       make(map[string]models.CacheEntry),
		pending:     make(map[models.UUID]models.PendingChange),
		deadLetters: make(map[models.UUID]models.DeadLetter),
		meta:        make(map[string]string),
	}
}

// SetUnavailable makes every subsequent operation fail with ErrUnavailable
// (true) or succeed again (false), simulating storage quota or I/O failures.
func (m *MemoryRepository) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

func (m *MemoryRepository) check() error {
	if m.unavailable {
		return ErrUnavailable
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// PutCacheEntry inserts or overwrites the entry for entry.Key.
func (m *MemoryRepository) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	e := *entry
	e.Payload = cloneBytes(entry.Payload)
	m.cache[entry.Key] = e
	return nil
}

// GetCacheEntry returns ErrNotFound when no entry exists.
func (m *MemoryRepository) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	e, ok := m.cache[key]
	if !ok {
		return nil, ErrNotFound
	}
	e.Payload = cloneBytes(e.Payload)
	return &e, nil
}

// DeleteCacheEntry is idempotent.
func (m *MemoryRepository) DeleteCacheEntry(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.cache, key)
	return nil
}

// ListCacheEntries returns every entry, oldest first.
func (m *MemoryRepository) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	entries := make([]*models.CacheEntry, 0, len(m.cache))
	for _, e := range m.cache {
		e := e
		e.Payload = cloneBytes(e.Payload)
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// ClearCacheEntries deletes all entries.
func (m *MemoryRepository) ClearCacheEntries(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	n := len(m.cache)
	m.cache = make(map[string]models.CacheEntry)
	return n, nil
}

// InsertPendingChange appends change and assigns change.Seq.
func (m *MemoryRepository) InsertPendingChange(ctx context.Context, change *models.PendingChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.nextSeq++
	change.Seq = m.nextSeq
	c := *change
	c.Data = cloneBytes(change.Data)
	m.pending[change.ID] = c
	return nil
}

// ListPendingChanges returns changes in replay order.
func (m *MemoryRepository) ListPendingChanges(ctx context.Context) ([]*models.PendingChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	changes := make([]*models.PendingChange, 0, len(m.pending))
	for _, c := range m.pending {
		c := c
		c.Data = cloneBytes(c.Data)
		changes = append(changes, &c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	return changes, nil
}

// FirstPendingChange returns the oldest change or ErrNotFound.
func (m *MemoryRepository) FirstPendingChange(ctx context.Context) (*models.PendingChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var first *models.PendingChange
	for _, c := range m.pending {
		if first == nil || c.Seq < first.Seq {
			c := c
			first = &c
		}
	}
	if first == nil {
		return nil, ErrNotFound
	}
	first.Data = cloneBytes(first.Data)
	return first, nil
}

// DeletePendingChange is idempotent.
func (m *MemoryRepository) DeletePendingChange(ctx context.Context, id models.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.pending, id)
	return nil
}

// ClearPendingChanges deletes all changes.
func (m *MemoryRepository) ClearPendingChanges(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	n := len(m.pending)
	m.pending = make(map[models.UUID]models.PendingChange)
	return n, nil
}

// CountPendingChanges returns the queue length.
func (m *MemoryRepository) CountPendingChanges(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	return len(m.pending), nil
}

// MoveToDeadLetter removes the pending change and records the dead letter.
func (m *MemoryRepository) MoveToDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.pending, letter.ChangeID)
	l := *letter
	l.Data = cloneBytes(letter.Data)
	m.deadLetters[letter.ChangeID] = l
	return nil
}

// ListDeadLetters returns dead letters in original queue order.
func (m *MemoryRepository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	letters := make([]*models.DeadLetter, 0, len(m.deadLetters))
	for _, l := range m.deadLetters {
		l := l
		l.Data = cloneBytes(l.Data)
		letters = append(letters, &l)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i].Seq < letters[j].Seq })
	return letters, nil
}

// CountDeadLetters returns the number of dead letters.
func (m *MemoryRepository) CountDeadLetters(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	return len(m.deadLetters), nil
}

// GetMeta returns ErrNotFound when the key was never set.
func (m *MemoryRepository) GetMeta(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}
	v, ok := m.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetMeta inserts or overwrites key.
func (m *MemoryRepository) SetMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.meta[key] = value
	return nil
}

// Close is a no-op.
func (m *MemoryRepository) Close() error {
	return nil
}
