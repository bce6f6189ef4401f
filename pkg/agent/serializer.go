package agent

import "sync"

// serializer runs functions submitted under the same key strictly in
// submission order. Different keys never block each other. Keys are
// removed once their last task finishes, so the map does not grow with
// the number of conversations ever seen.
type serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSerializer() *serializer {
	return &serializer{tails: make(map[string]chan struct{})}
}

// do blocks until every previously submitted task for key has finished,
// then runs fn in the calling goroutine.
func (s *serializer) do(key string, fn func()) {
	s.mu.Lock()
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer func() {
		close(done)
		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()
	fn()
}
