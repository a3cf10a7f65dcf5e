package storage

import (
	"context"
	"sync"
	"time"

	"pulse/pkg/platform/sentinel"
)

// InMemoryStore keeps records in a map. It is the default session-scope store
// and the store used by tests, which can inject failures with FailWith.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	ttl     time.Duration
	now     func() time.Time

	getErr error
	setErr error
	delErr error
}

type memoryRecord struct {
	value     []byte
	expiresAt time.Time
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryTTL expires records ttl after their last write.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *InMemoryStore) {
		s.ttl = ttl
	}
}

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemory(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FailWith makes subsequent operations return the given errors. Nil clears a failure.
func (s *InMemoryStore) FailWith(getErr, setErr, delErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr, s.setErr, s.delErr = getErr, setErr, delErr
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[key]
	if !ok || s.expired(rec) {
		return nil, sentinel.ErrNotFound
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, nil
}

func (s *InMemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	rec := memoryRecord{value: append([]byte(nil), value...)}
	if s.ttl > 0 {
		rec.expiresAt = s.now().Add(s.ttl)
	}
	s.records[key] = rec
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	delete(s.records, key)
	return nil
}

// Len reports the number of live records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if !s.expired(rec) {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) expired(rec memoryRecord) bool {
	return !rec.expiresAt.IsZero() && !s.now().Before(rec.expiresAt)
}
