package dispatch

import (
	"sync"
	"time"

	"github.com/MisonL/semantic-tester/internal/providers"
	"github.com/MisonL/semantic-tester/internal/shared"
	"golang.org/x/time/rate"
)

// Channel is one dispatch lane: a provider endpoint, its credential pool, a
// concurrency ceiling, and a request pacer. active never exceeds
// maxConcurrency; both are guarded by mu.
type Channel struct {
	name           string
	provider       providers.Provider
	pool           *CredentialPool
	limiter        *rate.Limiter
	maxConcurrency int

	mu           sync.Mutex
	active       int
	lastDispatch time.Time
}

// NewChannel wires a channel from configuration with the given provider. The
// pool starts with every key untested; the dispatcher probes them before the
// first assignment.
func NewChannel(cfg shared.ChannelConfig, provider providers.Provider, defaultCooldown time.Duration) *Channel {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Channel{
		name:           cfg.Name,
		provider:       provider,
		pool:           NewCredentialPool(cfg.APIKeys, defaultCooldown),
		limiter:        limiter,
		maxConcurrency: maxConcurrency,
	}
}

func (c *Channel) Name() string { return c.name }

// Pool exposes the channel's credential pool for probing and status reporting.
func (c *Channel) Pool() *CredentialPool { return c.pool }

// Provider exposes the channel's provider for probing and model listing.
func (c *Channel) Provider() providers.Provider { return c.provider }

// Exhausted reports whether the channel must be excluded from dispatch.
func (c *Channel) Exhausted() bool { return c.pool.Exhausted() }

// Active returns the number of in-flight provider calls on this channel.
func (c *Channel) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// tryAcquireSlot claims a concurrency slot, recording the dispatch time used
// for least-recently-used channel selection.
func (c *Channel) tryAcquireSlot(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active >= c.maxConcurrency {
		return false
	}
	c.active++
	c.lastDispatch = now
	return true
}

func (c *Channel) releaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
}

// hasFreeSlot reports slot availability without claiming one.
func (c *Channel) hasFreeSlot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active < c.maxConcurrency
}

func (c *Channel) lastDispatchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDispatch
}
