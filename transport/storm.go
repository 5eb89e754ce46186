package transport

import (
	"sync"
	"time"
)

const (
	DefaultStormCount  = 10
	DefaultStormWindow = 5 * time.Minute
)

// StormGuard remembers last N link drops in a ring.
// Storm is N+1 drops within window.
type StormGuard struct {
	mu     sync.Mutex
	ring   []time.Time
	idx    int
	window time.Duration
}

func NewStormGuard(n int, window time.Duration) *StormGuard {
	if n <= 0 {
		n = DefaultStormCount
	}
	if window <= 0 {
		window = DefaultStormWindow
	}
	return &StormGuard{ring: make([]time.Time, n), window: window}
}

// Record registers link drop at now and reports storm.
func (s *StormGuard) Record(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ring[s.idx]
	s.ring[s.idx] = now
	s.idx = (s.idx + 1) % len(s.ring)
	return !old.IsZero() && now.Sub(old) < s.window
}

func (s *StormGuard) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ring {
		s.ring[i] = time.Time{}
	}
	s.idx = 0
}
