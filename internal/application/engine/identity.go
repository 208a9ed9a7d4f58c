package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Identity is one rotating signing wallet. The key handle is opaque to the
// engine; it only travels to the signer.
type Identity struct {
	Label          string
	KeyHandle      string
	PaymentAddress string
	ReceiveAddress string

	group    string
	cap      int // bids per window
	sent     []time.Time
	lastUsed time.Time
}

// IdentityPool round-robins bid submissions across wallets so effective
// throughput scales to N times the marketplace's per-identity cap. Selection
// is least-recently-used among identities currently under their own cap.
type IdentityPool struct {
	mu     sync.Mutex
	window time.Duration
	groups map[string][]*Identity
}

// NewIdentityPool builds an empty pool with the given sliding window.
func NewIdentityPool(window time.Duration) *IdentityPool {
	if window <= 0 {
		window = defaultPacerWindow
	}
	return &IdentityPool{
		window: window,
		groups: make(map[string][]*Identity),
	}
}

// AddIdentity registers a wallet under a named group with its own cap. A
// non-positive cap is clamped to one bid per window.
func (p *IdentityPool) AddIdentity(group string, id Identity, bidsPerWindow int) {
	if bidsPerWindow < 1 {
		bidsPerWindow = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id.group = group
	id.cap = bidsPerWindow
	p.groups[group] = append(p.groups[group], &id)
}

// HasAddress reports whether any registered identity pays from the address.
func (p *IdentityPool) HasAddress(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ids := range p.groups {
		for _, id := range ids {
			if id.PaymentAddress == addr {
				return true
			}
		}
	}
	return false
}

// HasGroup reports whether a named group exists. Config validation calls
// this at startup so a collection can never pin to a missing group.
func (p *IdentityPool) HasGroup(group string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups[group]) > 0
}

// Acquire returns the least-recently-used identity in the group that is
// under its cap, waiting for the earliest window slot when all are
// exhausted. The event path uses this blocking form.
func (p *IdentityPool) Acquire(ctx context.Context, group string) (*Identity, error) {
	for {
		id, wait, err := p.TryAcquire(group)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return id, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire is the non-blocking form the scheduler uses: it returns either
// an identity, or the minimum time until the earliest identity frees a slot
// so the caller can skip this cycle instead of stalling it.
func (p *IdentityPool) TryAcquire(group string) (*Identity, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.groups[group]
	if len(ids) == 0 {
		return nil, 0, fmt.Errorf("identity pool: unknown group %q", group)
	}

	now := time.Now()
	var pick *Identity
	for _, id := range ids {
		id.trim(now, p.window)
		if len(id.sent) >= id.cap {
			continue
		}
		if pick == nil || id.lastUsed.Before(pick.lastUsed) {
			pick = id
		}
	}
	if pick != nil {
		pick.lastUsed = now
		return pick, 0, nil
	}

	// All exhausted: minimum time until the earliest window frees a slot.
	minWait := time.Duration(-1)
	for _, id := range ids {
		w := id.sent[0].Add(p.window).Sub(now)
		if w < 0 {
			w = 0
		}
		if minWait < 0 || w < minWait {
			minWait = w
		}
	}
	if minWait <= 0 {
		minWait = 10 * time.Millisecond
	}
	return nil, minWait, nil
}

// RecordSent stamps one submission into the identity's window.
func (p *IdentityPool) RecordSent(id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id.sent = append(id.sent, time.Now())
}

// Release returns the identity to rotation. Windows are time-based, so this
// only refreshes the LRU ordering fairness stamp.
func (p *IdentityPool) Release(id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id.lastUsed = time.Now()
}

// Usage reports, per group, how many identities are currently under cap.
func (p *IdentityPool) Usage() map[string]GroupUsage {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make(map[string]GroupUsage, len(p.groups))
	for name, ids := range p.groups {
		var u GroupUsage
		u.Identities = len(ids)
		for _, id := range ids {
			id.trim(now, p.window)
			u.SentInWindow += len(id.sent)
			if len(id.sent) < id.cap {
				u.Available++
			}
		}
		out[name] = u
	}
	return out
}

// GroupUsage is the identity-pool slice of the stats snapshot.
type GroupUsage struct {
	Identities   int `json:"identities"`
	Available    int `json:"available"`
	SentInWindow int `json:"sentInWindow"`
}

// trim drops window-expired timestamps. Caller holds the pool mutex.
func (id *Identity) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(id.sent) && !id.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		id.sent = append(id.sent[:0], id.sent[i:]...)
	}
}
