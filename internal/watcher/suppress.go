package watcher

import (
	"path/filepath"
	"sync"
	"time"
)

// Suppressor remembers paths the daemon is about to change itself so the
// watcher can drop the echo of those changes.
type Suppressor struct {
	mu sync.Mutex
	// Deadlines per path, one per outstanding Mark.
	until map[string][]time.Time
	now   func() time.Time
}

// NewSuppressor creates an empty Suppressor.
func NewSuppressor() *Suppressor {
	return &Suppressor{
		until: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// Mark suppresses events for path until window has elapsed. Each Mark is
// counted; the path stays muted while any of its marks is live.
func (s *Suppressor) Mark(path string, window time.Duration) {
	if s == nil || window <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := filepath.Clean(path)
	s.until[key] = append(s.until[key], s.now().Add(window))
}

// Unmark withdraws the most recent Mark for path. Marks placed by other
// callers for the same path stay in effect.
func (s *Suppressor) Unmark(path string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := filepath.Clean(path)
	marks := s.until[key]
	switch len(marks) {
	case 0:
	case 1:
		delete(s.until, key)
	default:
		s.until[key] = marks[:len(marks)-1]
	}
}

// Suppressed reports whether events for path should be dropped. Expired
// marks are pruned as a side effect.
func (s *Suppressor) Suppressed(path string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for p, marks := range s.until {
		live := marks[:0]
		for _, t := range marks {
			if !now.After(t) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(s.until, p)
		} else {
			s.until[p] = live
		}
	}
	_, ok := s.until[filepath.Clean(path)]
	return ok
}
