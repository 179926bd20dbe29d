package executor

import "sync"

// pendingStash holds at most one PendingPrompt per session key: the most
// recent stash always replaces whatever was there, documenting the
// by-last-writer replacement policy explicitly (spec.md §4.H safety
// properties: "a preempted turn never loses the latest pending").
type pendingStash struct {
	mu    sync.Mutex
	byKey map[string]PendingPrompt
}

func newPendingStash() *pendingStash {
	return &pendingStash{byKey: make(map[string]PendingPrompt)}
}

func (s *pendingStash) stash(key string, p PendingPrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key] = p
}

// pop removes and returns the stashed prompt for key, if any.
func (s *pendingStash) pop(key string) (PendingPrompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[key]
	if ok {
		delete(s.byKey, key)
	}
	return p, ok
}
