package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// tokenLockStaleAfter force-clears a lock whose holder crashed or hung:
	// an abandoned holder must not starve a token forever.
	tokenLockStaleAfter = 60 * time.Second
	// quantityLockMaxAttempts bounds the acquire retry loop.
	quantityLockMaxAttempts = 10
)

// tokenLock is the per-token mutual exclusion entry. FIFO fairness comes
// from the explicit waiter queue, not from scheduler luck.
type tokenLock struct {
	held      bool
	heldSince time.Time
	waiters   []chan struct{}
}

// TokenLocks serializes feed-event handling and scheduled-cycle
// re-evaluation of the same token. Entries exist only while a token is
// actively contended.
type TokenLocks struct {
	mu    sync.Mutex
	locks map[string]*tokenLock
}

// NewTokenLocks builds an empty lock table.
func NewTokenLocks() *TokenLocks {
	return &TokenLocks{locks: make(map[string]*tokenLock)}
}

// Acquire grants the token's lock, waiting in FIFO order behind earlier
// acquirers. A held lock older than tokenLockStaleAfter is force-cleared
// before the grant proceeds.
func (t *TokenLocks) Acquire(ctx context.Context, tokenID string) error {
	t.mu.Lock()
	l, ok := t.locks[tokenID]
	if !ok {
		l = &tokenLock{}
		t.locks[tokenID] = l
	}

	if l.held && time.Since(l.heldSince) > tokenLockStaleAfter {
		slog.Warn("token lock held too long, force-clearing",
			"token", tokenID,
			"held_for", time.Since(l.heldSince).Round(time.Second),
		)
		l.held = false
	}

	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.heldSince = time.Now()
		t.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	if !l.held {
		// A stale clear left the lock free with waiters queued ahead of us.
		t.wakeNextLocked(l)
	}
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		t.abandonWaiter(tokenID, ch)
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Release wakes exactly one waiter or fully clears the lock.
func (t *TokenLocks) Release(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[tokenID]
	if !ok {
		return
	}
	l.held = false
	if len(l.waiters) > 0 {
		t.wakeNextLocked(l)
		return
	}
	delete(t.locks, tokenID)
}

// Active returns how many tokens currently have a lock entry.
func (t *TokenLocks) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// wakeNextLocked grants the lock to the oldest waiter. Caller holds t.mu.
func (t *TokenLocks) wakeNextLocked(l *tokenLock) {
	ch := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.held = true
	l.heldSince = time.Now()
	close(ch)
}

// abandonWaiter removes a cancelled waiter; if its grant already arrived,
// the lock is passed on so nobody deadlocks behind a goroutine that left.
func (t *TokenLocks) abandonWaiter(tokenID string, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[tokenID]
	if !ok {
		return
	}
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
	// Not queued anymore: the grant raced the cancellation. Hand it over.
	select {
	case <-ch:
		l.held = false
		if len(l.waiters) > 0 {
			t.wakeNextLocked(l)
		} else {
			delete(t.locks, tokenID)
		}
	default:
	}
}

// quantityLock guards one collection's fills-so-far counter.
type quantityLock struct {
	held    bool
	release chan struct{}
}

// QuantityLocks serializes read-increment-write of the per-collection fill
// counter under concurrent purchase notifications.
type QuantityLocks struct {
	mu    sync.Mutex
	locks map[string]*quantityLock
}

// NewQuantityLocks builds an empty table.
func NewQuantityLocks() *QuantityLocks {
	return &QuantityLocks{locks: make(map[string]*quantityLock)}
}

// WithLock runs fn while holding the collection's quantity lock. Acquisition
// retries a bounded number of times, awaiting the current holder's release
// signal between attempts. The release always fires, even when fn panics or
// errors, so a failure can never leave the lock held.
func (q *QuantityLocks) WithLock(ctx context.Context, symbol string, fn func() error) error {
	for attempt := 0; attempt < quantityLockMaxAttempts; attempt++ {
		q.mu.Lock()
		l, ok := q.locks[symbol]
		if !ok {
			l = &quantityLock{}
			q.locks[symbol] = l
		}
		if !l.held {
			l.held = true
			l.release = make(chan struct{})
			q.mu.Unlock()

			defer func() {
				q.mu.Lock()
				l.held = false
				close(l.release)
				q.mu.Unlock()
			}()
			return fn()
		}
		release := l.release
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
	}
	return fmt.Errorf("quantity lock: %s still held after %d attempts", symbol, quantityLockMaxAttempts)
}
