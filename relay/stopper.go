package relay

import "sync"

// stopper is a latch shared by the forwarding pumps of a session. The first
// pump to exit trips it; the session waits on it before tearing down both
// sockets.
type stopper struct {
	once sync.Once
	done chan struct{}
}

func newStopper() *stopper {
	return &stopper{done: make(chan struct{})}
}

// stop trips the latch. This can be called multiple times, and only the
// first call will have any effect.
func (s *stopper) stop() {
	s.once.Do(func() { close(s.done) })
}

// check this stopper (without blocking)
func (s *stopper) isStopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait for this stopper to trip
func (s *stopper) wait() {
	<-s.done
}
