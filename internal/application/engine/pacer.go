package engine

import (
	"context"
	"sync"
	"time"
)

const (
	defaultPacerWindow = 60 * time.Second
	defaultPacerMax    = 5
)

// RatePacer is the global sliding-window admission control for bid
// submissions. The marketplace enforces its own per-identity limit; the pacer
// keeps us under it locally, and extends its window when the API reports a
// violation anyway (clock skew, quota shared with another process).
type RatePacer struct {
	mu            sync.Mutex
	window        time.Duration
	max           int
	sent          []time.Time
	cooldownUntil time.Time
	rejections    int
}

// NewRatePacer builds a pacer allowing max submissions per window.
func NewRatePacer(window time.Duration, max int) *RatePacer {
	if window <= 0 {
		window = defaultPacerWindow
	}
	if max <= 0 {
		max = defaultPacerMax
	}
	return &RatePacer{window: window, max: max}
}

// WaitForSlot blocks the calling goroutine until a submission slot is
// available or ctx is done. Other goroutines keep running; this is the
// blocking entry point for the event path.
func (p *RatePacer) WaitForSlot(ctx context.Context) error {
	for {
		wait := p.ResetWait()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordSent stamps one submission into the window.
func (p *RatePacer) RecordSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, time.Now())
}

// OnRejected reacts to a 429 from the API despite local pacing: force a full
// extra window of cool-down beyond whatever the local window implies.
func (p *RatePacer) OnRejected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejections++
	p.cooldownUntil = time.Now().Add(p.window)
}

// IsLimited reports whether a submission right now would have to wait.
// Non-blocking callers (the scheduler) use this to skip a cycle instead of
// stalling it.
func (p *RatePacer) IsLimited() bool {
	return p.ResetWait() > 0
}

// ResetWait returns how long until the next slot frees, or 0 if one is free.
func (p *RatePacer) ResetWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.trim(now)

	var wait time.Duration
	if until := p.cooldownUntil.Sub(now); until > 0 {
		wait = until
	}
	if len(p.sent) >= p.max {
		// The oldest timestamp in the window must age out first.
		if w := p.sent[0].Add(p.window).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

// Rejections returns how many API-side rate violations were reported.
func (p *RatePacer) Rejections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejections
}

// trim drops timestamps older than the window. Caller holds p.mu.
func (p *RatePacer) trim(now time.Time) {
	cutoff := now.Add(-p.window)
	i := 0
	for i < len(p.sent) && !p.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		p.sent = append(p.sent[:0], p.sent[i:]...)
	}
}
