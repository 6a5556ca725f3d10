// Package throttle spaces outbound handle-existence checks. Each throttle key
// (a chat key, or GlobalKey) gets its own token bucket with one token per
// gap; a caller that arrives early sleeps for the remaining gap plus random
// jitter, capped at gap+jitter.
package throttle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalKey is used when a check is not tied to a chat.
const GlobalKey = "__global__"

// Defaults used when the configuration leaves them unset.
const (
	DefaultGap    = 800 * time.Millisecond
	DefaultJitter = 400 * time.Millisecond
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	gap    time.Duration
	jitter time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	ttl      time.Duration
	cleanupN uint64

	now   func() time.Time
	rnd   func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Ledger. Non-positive gap falls back to DefaultGap and negative
// jitter to zero.
func New(gap, jitter time.Duration) *Ledger {
	if gap <= 0 {
		gap = DefaultGap
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Ledger{
		gap:     gap,
		jitter:  jitter,
		entries: make(map[string]*entry),
		ttl:     10 * time.Minute,
		now:     time.Now,
		rnd:     rand.Float64,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Ledger) limiter(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupN++
	if l.cleanupN >= 1000 {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) >= l.ttl {
				delete(l.entries, k)
			}
		}
		l.cleanupN = 0
	}

	if e, ok := l.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	lim := rate.NewLimiter(rate.Every(l.gap), 1)
	l.entries[key] = &entry{limiter: lim, lastSeen: now}
	return lim
}

// Wait blocks until a check for key may be sent. It returns the context
// error if ctx ends first, in which case the slot is released.
func (l *Ledger) Wait(ctx context.Context, key string) error {
	if key == "" {
		key = GlobalKey
	}
	now := l.now()
	r := l.limiter(key, now).ReserveN(now, 1)
	wait := r.DelayFrom(now)
	if wait <= 0 {
		return nil
	}
	d := wait + time.Duration(l.rnd()*float64(l.jitter))
	if ceiling := l.gap + l.jitter; d > ceiling {
		d = ceiling
	}
	if err := l.sleep(ctx, d); err != nil {
		r.CancelAt(now)
		return err
	}
	return nil
}
