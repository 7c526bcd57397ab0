// Package entitlement reports whether the user may use the blocking features
// and notifies subscribers when that changes.
package entitlement

import "sync"

// Source is consulted before every mutation and recompile.
type Source interface {
	IsEntitled() bool
	// Subscribe returns a channel carrying the latest value after each change
	// and a function that cancels the subscription.
	Subscribe() (<-chan bool, func())
}

// Static is a Source whose value is set explicitly, from config, a CLI flag,
// or an external purchase check.
type Static struct {
	mu       sync.Mutex
	entitled bool
	nextID   int
	subs     map[int]chan bool
}

var _ Source = (*Static)(nil)

func NewStatic(entitled bool) *Static {
	return &Static{entitled: entitled, subs: make(map[int]chan bool)}
}

func (s *Static) IsEntitled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entitled
}

// Set updates the value. Subscribers are notified only when it flips.
func (s *Static) Set(entitled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entitled == entitled {
		return
	}
	s.entitled = entitled
	for _, ch := range s.subs {
		// Each channel holds one value; a pending stale value is replaced.
		select {
		case <-ch:
		default:
		}
		ch <- entitled
	}
}

func (s *Static) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
