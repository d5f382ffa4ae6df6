package observe

import (
	"sort"
	"sync"
)

// Set is a registry of observers notified with values of type T.
// The zero value is ready to use.
type Set[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// Add registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (s *Set[T]) Add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.next++
	key := s.next
	s.fns[key] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, key)
		s.mu.Unlock()
	}
}

// Notify calls every registered observer in registration order. Observers
// run on the caller's goroutine without any lock held.
func (s *Set[T]) Notify(v T) {
	s.mu.Lock()
	keys := make([]uint64, 0, len(s.fns))
	for k := range s.fns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	fns := make([]func(T), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, s.fns[k])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Clear removes every observer.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	s.fns = nil
	s.mu.Unlock()
}

// Len returns the number of registered observers.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}
