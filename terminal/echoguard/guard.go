// Package echoguard tracks the transaction ids of mutations this client has
// dispatched so the broadcast reporting each of them back can be dropped once.
package echoguard

import (
	"sync"
	"time"

	"github.com/mesa-systems/mesa-stack/common/logging"
)

// DefaultTTL bounds how long an unanswered key is remembered.
const DefaultTTL = 2 * time.Minute

type Guard struct {
	keys   map[string]time.Time
	mu     sync.Mutex
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger *logging.Logger

	closeOnce sync.Once
	cleanupCh chan struct{}
}

type Option func(*Guard)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithSweepInterval sets how often expired keys are purged. Zero disables the
// background loop; expired keys are still ignored by ShouldSuppress.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Guard) { g.sweep = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New returns a guard whose entries expire after ttl (DefaultTTL if <= 0).
func New(ttl time.Duration, opts ...Option) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{
		keys:      make(map[string]time.Time),
		ttl:       ttl,
		sweep:     ttl / 2,
		now:       time.Now,
		logger:    logging.Default(),
		cleanupCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.sweep > 0 {
		go g.cleanupLoop()
	}
	return g
}

// Register records key as in flight. Registering again refreshes its age.
func (g *Guard) Register(key string) {
	if key == "" {
		return
	}
	g.mu.Lock()
	g.keys[key] = g.now()
	g.mu.Unlock()
}

// Unregister forgets key without suppressing anything.
func (g *Guard) Unregister(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

// ShouldSuppress reports whether an incoming event carrying key is the echo
// of this client's own mutation. A match consumes the key, so a second event
// with the same key is applied normally.
func (g *Guard) ShouldSuppress(key string) bool {
	if key == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	registered, ok := g.keys[key]
	if !ok {
		return false
	}
	delete(g.keys, key)
	return g.now().Sub(registered) < g.ttl
}

// Has reports whether key is currently registered and unexpired.
func (g *Guard) Has(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	registered, ok := g.keys[key]
	return ok && g.now().Sub(registered) < g.ttl
}

// Len returns the number of registered keys, expired ones included until the
// next purge.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

// Purge drops expired keys and returns how many were removed.
func (g *Guard) Purge() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.ttl)
	removed := 0
	for key, registered := range g.keys {
		if !registered.After(cutoff) {
			delete(g.keys, key)
			removed++
		}
	}
	return removed
}

func (g *Guard) cleanupLoop() {
	ticker := time.NewTicker(g.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Purge(); n > 0 {
				g.logger.Debug("echo guard purged unanswered keys", "count", n)
			}
		case <-g.cleanupCh:
			return
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (g *Guard) Close() {
	g.closeOnce.Do(func() { close(g.cleanupCh) })
}
