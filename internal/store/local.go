// internal/store/local.go
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/busybox42/ringdht/pkg/routing"
)

var ErrNotFound = errors.New("value not found")

type entry struct {
	value   []byte
	expires time.Time
}

// Local keeps values in memory. Expired entries are dropped lazily on read
// and by Sweep.
type Local struct {
	data map[routing.Key]entry
	mu   sync.RWMutex
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{
		data: make(map[routing.Key]entry),
		now:  time.Now,
	}
}

// Store keeps a copy of value. A zero ttl never expires.
func (s *Local) Store(key routing.Key, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = e
	return nil
}

func (s *Local) Retrieve(key routing.Key) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		s.mu.Lock()
		if cur, ok := s.data[key]; ok && cur.expires.Equal(e.expires) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Local) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.data {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Local) Close() error {
	return nil
}
