// Package dedup keeps the existence facts that make redelivered host events
// idempotent: which orders were prompted, which are done, and when the last
// "purchase created" prompt for an (order, quantity) pair went out.
//
// A Tracker is not safe for concurrent use; the engine serializes access.
package dedup

import (
	"fmt"
	"sort"
	"time"
)

// DefaultPromptWindow collapses bursts of identical paid notices.
const DefaultPromptWindow = 20 * time.Second

// Tracker holds the dedup sets. The zero value is not usable; call New.
type Tracker struct {
	prompted     map[string]struct{}            // global prompted order ids
	chatPrompted map[string]map[string]struct{} // chat -> prompted order ids
	done         map[string]struct{}
	lastPrompt   map[string]time.Time

	window time.Duration
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow overrides the prompt window.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		prompted:     make(map[string]struct{}),
		chatPrompted: make(map[string]map[string]struct{}),
		done:         make(map[string]struct{}),
		lastPrompt:   make(map[string]time.Time),
		window:       DefaultPromptWindow,
		now:          time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// MarkPrompted records that the buyer in chat was asked about oid.
func (t *Tracker) MarkPrompted(chat, oid string) {
	if oid == "" {
		return
	}
	t.prompted[oid] = struct{}{}
	set, ok := t.chatPrompted[chat]
	if !ok {
		set = make(map[string]struct{})
		t.chatPrompted[chat] = set
	}
	set[oid] = struct{}{}
}

// WasPrompted reports whether oid was prompted in chat or anywhere else.
func (t *Tracker) WasPrompted(chat, oid string) bool {
	if oid == "" {
		return false
	}
	if _, ok := t.prompted[oid]; ok {
		return true
	}
	_, ok := t.chatPrompted[chat][oid]
	return ok
}

// UnmarkPrompted forgets the chat-level prompt for oid; with everywhere it
// also clears the global mark.
func (t *Tracker) UnmarkPrompted(chat, oid string, everywhere bool) {
	if oid == "" {
		return
	}
	if set, ok := t.chatPrompted[chat]; ok {
		delete(set, oid)
		if len(set) == 0 {
			delete(t.chatPrompted, chat)
		}
	}
	if everywhere {
		delete(t.prompted, oid)
	}
}

// MarkDone records that oid reached a terminal outcome. It returns false when
// oid was already done.
func (t *Tracker) MarkDone(chat, oid string) bool {
	if oid == "" {
		return false
	}
	if _, ok := t.done[oid]; ok {
		return false
	}
	t.done[oid] = struct{}{}
	return true
}

// IsDone reports whether oid reached a terminal outcome.
func (t *Tracker) IsDone(oid string) bool {
	if oid == "" {
		return false
	}
	_, ok := t.done[oid]
	return ok
}

// ShouldPromptOnce returns true at most once per window for the same
// (chat, oid, qty) triple.
func (t *Tracker) ShouldPromptOnce(chat, oid string, qty int) bool {
	id := oid
	if id == "" {
		id = "noid"
	}
	key := fmt.Sprintf("%s:%s:%d", chat, id, qty)
	now := t.now()
	if last, ok := t.lastPrompt[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.lastPrompt[key] = now
	t.gc(now)
	return true
}

// gc drops window entries that can no longer suppress anything.
func (t *Tracker) gc(now time.Time) {
	if len(t.lastPrompt) < 1024 {
		return
	}
	for k, ts := range t.lastPrompt {
		if now.Sub(ts) >= t.window {
			delete(t.lastPrompt, k)
		}
	}
}

// Done returns the done order ids, sorted.
func (t *Tracker) Done() []string {
	out := make([]string, 0, len(t.done))
	for oid := range t.done {
		out = append(out, oid)
	}
	sort.Strings(out)
	return out
}

// RestoreDone loads previously persisted done ids.
func (t *Tracker) RestoreDone(ids []string) {
	for _, oid := range ids {
		if oid != "" {
			t.done[oid] = struct{}{}
		}
	}
}
