package service

import (
	"sync"
)

// inFlightSet tracks submission ids with an approve/reject call currently in
// progress. It is the only mutable state shared across engine operations and
// exists solely to enforce the idempotency guard; the raw set is never
// exposed to callers.
type inFlightSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{ids: make(map[int64]struct{})}
}

// TryAcquire atomically checks and adds the id. It returns false when the id
// already has a call in flight.
func (s *inFlightSet) TryAcquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Release removes the id. It must run on every exit path of a guarded call.
func (s *inFlightSet) Release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
