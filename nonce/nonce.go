// Package nonce implements a single-use, time-limited token store. A nonce
// proves that the holder recently loaded the page; it may be exchanged for a
// session token exactly once before its TTL elapses.
package nonce

import (
	"sync"
	"time"

	"github.com/dchest/uniuri"
)

const (
	// DefaultTTL bounds how long an issued nonce may be exchanged for a
	// session token.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval controls how often abandoned entries are evicted.
	DefaultSweepInterval = time.Minute

	// 24 characters of the uniuri alphabet carry a little over 16 bytes
	// of entropy.
	valueLength = 24
)

// Store holds issued nonces and their expiries. It is safe for concurrent
// use; Consume's check-then-delete runs under the store lock so a nonce is
// never valid twice. Construct one Store per process (or per test case)
// rather than sharing a global.
type Store struct {
	m       sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// NewStore creates an empty store. A non-positive ttl selects DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
}

// Issue generates a random nonce, records it with its expiry, and returns it.
func (s *Store) Issue() string {
	v := uniuri.NewLen(valueLength)
	s.m.Lock()
	s.entries[v] = time.Now().Add(s.ttl)
	s.m.Unlock()
	return v
}

// Consume removes v from the store. It reports true only if v was present
// and had not yet expired. A present-but-expired entry is removed and
// reported invalid; unknown values report false without error.
func (s *Store) Consume(v string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	expiry, ok := s.entries[v]
	if !ok {
		return false
	}
	delete(s.entries, v)
	return time.Now().Before(expiry)
}

// StartSweeping evicts expired entries every interval until Stop is called.
// The sweep only bounds memory growth from abandoned nonces; Consume checks
// expiry itself, so correctness does not depend on it. A non-positive
// interval selects DefaultSweepInterval.
func (s *Store) StartSweeping(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop terminates the background sweep. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Len reports the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.entries)
}

func (s *Store) sweep() {
	now := time.Now()
	s.m.Lock()
	for v, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, v)
		}
	}
	s.m.Unlock()
}
