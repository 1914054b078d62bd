// Package pool shares a fixed set of speech backend credentials between
// concurrent transcription and synthesis work.
//
// Each credential carries an independent concurrency limit per capability.
// Acquire hands out a Reservation against one credential slot; every
// reservation must be released exactly once. Credentials that fail
// repeatedly are quarantined for a cooldown and then restored with a clean
// error count.
package pool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capability is a class of backend operation with its own quota.
type Capability string

const (
	Transcription Capability = "transcription"
	Synthesis     Capability = "synthesis"
)

// Credential is one configured backend credential.
type Credential struct {
	ID     string
	Key    string
	Limits map[Capability]int
}

// Reservation is a held slot on one credential for one capability.
type Reservation struct {
	ID           string
	CredentialID string
	Capability   Capability

	// Key is the credential secret used to authenticate the backend call.
	Key string
}

// LogValue keeps the secret out of structured logs.
func (r *Reservation) LogValue() slog.Value {
	if r == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("credential", r.CredentialID),
		slog.String("capability", string(r.Capability)),
	)
}

// CapabilityStats is a point-in-time view of one capability on a credential.
type CapabilityStats struct {
	InUse int `json:"in_use"`
	Limit int `json:"limit"`
}

// CredentialStats is a point-in-time view of one credential.
type CredentialStats struct {
	ID               string                         `json:"id"`
	Healthy          bool                           `json:"healthy"`
	Errors           int                            `json:"errors"`
	QuarantinedUntil time.Time                      `json:"quarantined_until,omitzero"`
	Capabilities     map[Capability]CapabilityStats `json:"capabilities"`
}

type slot struct {
	inUse int
	limit int
}

func (s *slot) remaining() int {
	return s.limit - s.inUse
}

type credential struct {
	id    string
	key   string
	slots map[Capability]*slot

	errors           int
	healthy          bool
	quarantinedUntil time.Time
	restoreTimer     *time.Timer
}

type outstanding struct {
	cred       *credential
	capability Capability
	failed     bool
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    *Config
	logger *slog.Logger

	mu          sync.Mutex
	creds       []*credential
	outstanding map[string]*outstanding
	// next is the round-robin cursor per capability, an index into creds.
	next   map[Capability]int
	closed bool
}

// New creates a pool over creds. Credential order is the round-robin order.
func New(creds []Credential, opts ...Option) (*Pool, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}

	cfg := DefaultConfig()
	cfg.Apply(opts...)
	cfg.normalize()

	p := &Pool{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "pool"),
		outstanding: make(map[string]*outstanding),
		next:        make(map[Capability]int),
	}

	seen := make(map[string]bool, len(creds))
	for _, c := range creds {
		if c.ID == "" {
			return nil, fmt.Errorf("pool: credential without id")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("pool: duplicate credential %q", c.ID)
		}
		seen[c.ID] = true

		cred := &credential{
			id:      c.ID,
			key:     c.Key,
			slots:   make(map[Capability]*slot, len(c.Limits)),
			healthy: true,
		}
		for capability, limit := range c.Limits {
			if limit < 0 {
				return nil, fmt.Errorf("pool: credential %q: negative limit for %s", c.ID, capability)
			}
			cred.slots[capability] = &slot{limit: limit}
			cfg.Metrics.PoolInUse(c.ID, string(capability), 0)
		}
		cfg.Metrics.PoolHealthy(c.ID, true)
		p.creds = append(p.creds, cred)
	}

	return p, nil
}

// Acquire reserves a slot for capability c.
//
// Only healthy credentials with spare capacity are candidates. Candidates
// whose remaining capacity is within the configured band of the best
// remaining capacity share load round-robin. ErrNoCapacity is returned
// when nothing is free.
func (p *Pool) Acquire(c Capability) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	p.restoreDueLocked(p.cfg.Clock())

	known := false
	best := 0
	for _, cred := range p.creds {
		s, ok := cred.slots[c]
		if !ok {
			continue
		}
		known = true
		if cred.healthy && s.remaining() > best {
			best = s.remaining()
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	if best == 0 {
		p.cfg.Metrics.PoolExhausted(string(c))
		p.logger.Debug("pool exhausted", "capability", c)
		return nil, ErrNoCapacity
	}

	threshold := p.cfg.Band * float64(best)
	start := p.next[c] % len(p.creds)
	var chosen *credential
	for i := range p.creds {
		idx := (start + i) % len(p.creds)
		cred := p.creds[idx]
		s, ok := cred.slots[c]
		if !ok || !cred.healthy || s.remaining() <= 0 {
			continue
		}
		if float64(s.remaining()) >= threshold {
			chosen = cred
			p.next[c] = idx + 1
			break
		}
	}

	s := chosen.slots[c]
	s.inUse++
	p.cfg.Metrics.PoolInUse(chosen.id, string(c), s.inUse)

	r := &Reservation{
		ID:           uuid.NewString(),
		CredentialID: chosen.id,
		Capability:   c,
		Key:          chosen.key,
	}
	p.outstanding[r.ID] = &outstanding{cred: chosen, capability: c}

	p.logger.Debug("reservation acquired",
		"reservation", r.ID,
		"credential", chosen.id,
		"capability", c,
		"in_use", s.inUse,
		"limit", s.limit,
	)
	return r, nil
}

// Release returns the reservation's slot. A reservation that was not
// reported as failed counts as a success and clears the credential's
// consecutive error count. Releasing twice is a no-op.
func (p *Pool) Release(r *Reservation) {
	if r == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.outstanding[r.ID]
	if !ok {
		p.logger.Warn("release of unknown or already released reservation",
			"reservation", r.ID,
			"credential", r.CredentialID,
		)
		return
	}
	delete(p.outstanding, r.ID)

	s := o.cred.slots[o.capability]
	s.inUse--
	p.cfg.Metrics.PoolInUse(o.cred.id, string(o.capability), s.inUse)

	if !o.failed && o.cred.healthy {
		o.cred.errors = 0
	}
	p.restoreDueLocked(p.cfg.Clock())
}

// ReportError records a backend failure against the reservation's
// credential. The caller still owes a Release.
func (p *Pool) ReportError(r *Reservation, err error) {
	if r == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.outstanding[r.ID]
	if !ok {
		p.logger.Warn("error reported on released reservation",
			"reservation", r.ID,
			"credential", r.CredentialID,
			"error", err,
		)
		return
	}
	o.failed = true

	cred := o.cred
	now := p.cfg.Clock()
	p.restoreDueLocked(now)
	if !cred.healthy {
		return
	}

	cred.errors++
	p.logger.Warn("credential error",
		"credential", cred.id,
		"reservation", r.ID,
		"capability", o.capability,
		"errors", cred.errors,
		"error", err,
	)

	if cred.errors >= p.cfg.ErrorThreshold {
		p.quarantineLocked(cred, now)
	}
}

func (p *Pool) quarantineLocked(cred *credential, now time.Time) {
	cred.healthy = false
	cred.quarantinedUntil = now.Add(p.cfg.Cooldown)
	if cred.restoreTimer != nil {
		cred.restoreTimer.Stop()
	}
	cred.restoreTimer = time.AfterFunc(p.cfg.Cooldown, p.restoreDue)

	p.cfg.Metrics.PoolQuarantined(cred.id)
	p.cfg.Metrics.PoolHealthy(cred.id, false)
	p.logger.Error("credential quarantined",
		"credential", cred.id,
		"errors", cred.errors,
		"until", cred.quarantinedUntil,
	)
}

func (p *Pool) restoreDue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreDueLocked(p.cfg.Clock())
}

// restoreDueLocked returns every quarantined credential whose cooldown has
// elapsed to service.
func (p *Pool) restoreDueLocked(now time.Time) {
	for _, cred := range p.creds {
		if cred.healthy || now.Before(cred.quarantinedUntil) {
			continue
		}
		cred.healthy = true
		cred.errors = 0
		cred.quarantinedUntil = time.Time{}
		if cred.restoreTimer != nil {
			cred.restoreTimer.Stop()
			cred.restoreTimer = nil
		}
		p.cfg.Metrics.PoolHealthy(cred.id, true)
		p.logger.Info("credential restored", "credential", cred.id)
	}
}

// Outstanding returns the number of unreleased reservations for c.
func (p *Pool) Outstanding(c Capability) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, o := range p.outstanding {
		if o.capability == c {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of every credential, ordered by id.
func (p *Pool) Stats() []CredentialStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.restoreDueLocked(p.cfg.Clock())

	stats := make([]CredentialStats, 0, len(p.creds))
	for _, cred := range p.creds {
		cs := CredentialStats{
			ID:               cred.id,
			Healthy:          cred.healthy,
			Errors:           cred.errors,
			QuarantinedUntil: cred.quarantinedUntil,
			Capabilities:     make(map[Capability]CapabilityStats, len(cred.slots)),
		}
		for capability, s := range cred.slots {
			cs.Capabilities[capability] = CapabilityStats{InUse: s.inUse, Limit: s.limit}
		}
		stats = append(stats, cs)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close stops restore timers and refuses further acquisitions.
// Outstanding reservations may still be released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, cred := range p.creds {
		if cred.restoreTimer != nil {
			cred.restoreTimer.Stop()
			cred.restoreTimer = nil
		}
	}
	return nil
}
