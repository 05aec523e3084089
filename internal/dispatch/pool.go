package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MisonL/semantic-tester/internal/providers"
	"github.com/MisonL/semantic-tester/internal/shared"
	"github.com/charmbracelet/log"
)

// CredentialHealth tracks one API key through its lifecycle.
type CredentialHealth int

const (
	CredentialUntested CredentialHealth = iota
	CredentialValid
	CredentialCooling
	CredentialInvalid
)

func (h CredentialHealth) String() string {
	switch h {
	case CredentialUntested:
		return "untested"
	case CredentialValid:
		return "valid"
	case CredentialCooling:
		return "cooling"
	case CredentialInvalid:
		return "invalid"
	default:
		return ""
	}
}

// Credential is one API key with independent health state. All fields except
// ID and Key are guarded by the owning pool's lock.
type Credential struct {
	ID  string // redacted form of the key, safe for logs and events
	Key string

	health        CredentialHealth
	cooldownUntil time.Time
	lastUsed      time.Time
	inUse         bool
}

// CredentialPool owns all credentials for one channel and selects a ready
// credential for each dispatch attempt. Selection is round-robin among valid
// credentials; a cooling credential whose window has elapsed is promoted back
// to valid lazily at acquire time. An invalid credential is never reselected.
type CredentialPool struct {
	mu              sync.Mutex
	creds           []*Credential
	next            int
	defaultCooldown time.Duration
	now             func() time.Time
}

// NewCredentialPool creates a pool over the given keys, all starting untested.
func NewCredentialPool(keys []string, defaultCooldown time.Duration) *CredentialPool {
	creds := make([]*Credential, 0, len(keys))
	for _, key := range keys {
		creds = append(creds, &Credential{ID: shared.Redact(key), Key: key})
	}
	return &CredentialPool{
		creds:           creds,
		defaultCooldown: defaultCooldown,
		now:             time.Now,
	}
}

// ProbeAll runs each untested credential through the provider's probe once
// before it is offered for task traffic. An authorization failure permanently
// invalidates the credential; any other probe failure is logged and the
// credential stays in rotation, since a flaky network at startup should not
// shrink the pool.
func (p *CredentialPool) ProbeAll(ctx context.Context, provider providers.Provider, logger *log.Logger) {
	for _, c := range p.creds {
		p.mu.Lock()
		untested := c.health == CredentialUntested
		p.mu.Unlock()
		if !untested {
			continue
		}

		err := provider.Probe(ctx, c.Key)

		p.mu.Lock()
		var authErr *providers.AuthError
		switch {
		case err == nil:
			c.health = CredentialValid
			logger.Debug("credential probe passed", "credential", c.ID)
		case errors.As(err, &authErr):
			c.health = CredentialInvalid
			logger.Warn("credential failed probe, removed from rotation", "credential", c.ID, "err", err)
		default:
			c.health = CredentialValid
			logger.Warn("credential probe inconclusive, keeping in rotation", "credential", c.ID, "err", err)
		}
		p.mu.Unlock()
	}
}

// Acquire returns a valid credential and marks it in use. Returns false when no
// credential is currently ready.
func (p *CredentialPool) Acquire() (*Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	now := p.now()
	for i := 0; i < n; i++ {
		c := p.creds[(p.next+i)%n]
		if c.health == CredentialCooling && !now.Before(c.cooldownUntil) {
			c.health = CredentialValid
		}
		if c.health == CredentialValid && !c.inUse {
			c.inUse = true
			c.lastUsed = now
			p.next = (p.next + i + 1) % n
			return c, true
		}
	}
	return nil, false
}

// Release returns a credential to the pool and updates its health from the
// call result: a rate limit starts a cooldown (provider hint when present,
// pool default otherwise), an authorization failure permanently invalidates
// the credential, anything else leaves it valid.
func (p *CredentialPool) Release(c *Credential, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.inUse = false

	var rateErr *providers.RateLimitError
	var authErr *providers.AuthError
	switch {
	case errors.As(err, &rateErr):
		cooldown := rateErr.RetryAfter
		if cooldown <= 0 {
			cooldown = p.defaultCooldown
		}
		c.health = CredentialCooling
		c.cooldownUntil = p.now().Add(cooldown)
	case errors.As(err, &authErr):
		c.health = CredentialInvalid
	default:
		c.health = CredentialValid
	}
}

// Exhausted reports whether the pool has nothing left to offer: no valid or
// untested credential, and no cooling credential whose window will end.
func (p *CredentialPool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.creds {
		switch c.health {
		case CredentialValid, CredentialUntested, CredentialCooling:
			return false
		}
	}
	return true
}

// NextReady returns the earliest cooldown expiry among cooling credentials so
// the dispatcher can wait for it instead of polling. Returns false when
// nothing is cooling.
func (p *CredentialPool) NextReady() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	found := false
	for _, c := range p.creds {
		if c.health != CredentialCooling {
			continue
		}
		if !found || c.cooldownUntil.Before(earliest) {
			earliest = c.cooldownUntil
			found = true
		}
	}
	return earliest, found
}

// Snapshot returns per-health counts for status reporting.
func (p *CredentialPool) Snapshot() map[CredentialHealth]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := map[CredentialHealth]int{}
	for _, c := range p.creds {
		counts[c.health]++
	}
	return counts
}
