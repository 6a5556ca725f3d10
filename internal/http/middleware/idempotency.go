// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements event idempotency for host webhooks. The host may
// deliver the same order or chat event more than once; every delivery carries
// an X-Event-ID header and only the first one reaches the engine. Later
// deliveries are answered with 200 {"duplicate": true}.
//
// Claims are made before the handler runs so that two concurrent deliveries
// of one event cannot both be applied. A claim is released when the handler
// fails with a 5xx, letting the host retry.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderEventID carries the host's unique id of a delivered event.
const HeaderEventID = "X-Event-ID"

// Context keys used internally to stash request state.
const (
	ctxKeyEventID = "event.id"
	ctxKeyChatKey = "chat.key"
)

// EventLedger remembers which events were applied.
//
// Claim returns fresh=false when (source, key) was already claimed and has
// not expired. Errors are treated as "unknown" and never block the request.
type EventLedger interface {
	Claim(ctx context.Context, source, key string, now time.Time) (fresh bool, err error)
	Complete(ctx context.Context, source, key, chatKey string, status int) error
	Release(ctx context.Context, source, key string) error
}

// IdempotencyOptions configures header validation for EventIdempotency.
type IdempotencyOptions struct {
	// MaxLen caps the accepted id length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
	// Source names the event stream of a request. Defaults to the route path.
	Source func(*gin.Context) string
}

// GetEventID returns the validated event id of the request, if any.
func GetEventID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyEventID)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// SetChatKey records the chat a request acted on. Handlers call it once the
// body is decoded; logs and the event ledger pick it up.
func SetChatKey(c *gin.Context, chatKey string) {
	if chatKey != "" {
		c.Set(ctxKeyChatKey, chatKey)
	}
}

// ChatKeyFrom returns the chat key recorded by SetChatKey.
func ChatKeyFrom(c *gin.Context) string {
	v, _ := c.Get(ctxKeyChatKey)
	return asString(v)
}

// EventIdempotency deduplicates POST requests that carry X-Event-ID.
//
// Behavior:
//   - No header, or a non-POST request: no-op.
//   - Malformed header: 400 bad_event_id.
//   - Already claimed: 200 {"duplicate": true, "event_id": "..."}, handler skipped.
//   - Fresh: handler runs; the claim is completed on status < 500 and
//     released otherwise.
func EventIdempotency(opts IdempotencyOptions, ledger EventLedger) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}
	source := opts.Source
	if source == nil {
		source = func(c *gin.Context) string {
			if p := c.FullPath(); p != "" {
				return p
			}
			return c.Request.URL.Path
		}
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderEventID)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_event_id",
				"message": "invalid " + HeaderEventID,
			})
			return
		}
		c.Set(ctxKeyEventID, key)
		if ledger == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		src := source(c)
		fresh, err := ledger.Claim(ctx, src, key, time.Now().UTC())
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Str("event_id", key).Msg("event ledger unavailable")
			c.Next()
			return
		}
		if !fresh {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{
				"duplicate": true,
				"event_id":  key,
			})
			return
		}

		c.Next()

		// The request context may be done by now; ledger writes must not be lost.
		bg := context.WithoutCancel(ctx)
		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			err = ledger.Release(bg, src, key)
		} else {
			err = ledger.Complete(bg, src, key, ChatKeyFrom(c), status)
		}
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Str("event_id", key).Msg("event ledger update failed")
		}
	}
}
