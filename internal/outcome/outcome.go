// Package outcome classifies failed purchase attempts into buyer-fixable
// ("username") and seller-side ("seller") failures.
package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind says who has to act on a failure.
type Kind string

const (
	// KindUsername means the buyer should send another handle.
	KindUsername Kind = "username"
	// KindSeller is terminal for the attempt: refund and deactivation policy apply.
	KindSeller Kind = "seller"
)

// Reason is the failure category.
type Reason string

const (
	SellerAuthRequired      Reason = "seller_auth_required"
	RateLimited             Reason = "rate_limited"
	ServiceUnavailable      Reason = "service_unavailable"
	WalletMisconfigured     Reason = "wallet_misconfigured"
	HandleNotFound          Reason = "handle_not_found"
	InsufficientBalance     Reason = "insufficient_balance"
	UnclassifiedSellerError Reason = "unclassified_seller_error"
)

// Failure is a classified purchase failure. It implements error so callers
// can pass it along and match it with errors.As.
type Failure struct {
	Kind    Kind
	Reason  Reason
	Message string // human readable, shown to the buyer
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// Retryable reports whether the buyer can fix the failure by sending another handle.
func (f Failure) Retryable() bool { return f.Kind == KindUsername }

const (
	msgAuth        = "the seller has to re-authorize with the purchase service"
	msgRateLimited = "too many requests, try again in a minute"
	msgUnavailable = "the purchase service is temporarily unavailable"
	msgWallet      = "the seller wallet is not initialized or has the wrong version"
	msgNotFound    = "no account with this @username was found"
	msgBadHandle   = "invalid recipient @username"
	msgBalance     = "not enough balance on the seller wallet"
	msgQuantity    = "the minimum purchase is 50 stars"
	msgFallback    = "order processing error"
	maxReasonLen   = 200
)

var usernameMarkers = []string{"username", "user not found", "not found", "invalid", "does not exist"}

// ExistsFunc reports whether a handle exists. It is expected to be throttled
// by the caller.
type ExistsFunc func(ctx context.Context, handle string) bool

// Classifier maps raw purchase results to Failures. Exists may be nil, in
// which case the existence check of a 400 response is skipped.
type Classifier struct {
	Exists ExistsFunc
}

// Classify applies the decision table in order; the first matching row wins.
func (c Classifier) Classify(ctx context.Context, body string, status int, handle string) Failure {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return seller(SellerAuthRequired, msgAuth)
	case http.StatusTooManyRequests:
		return seller(RateLimited, msgRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return seller(ServiceUnavailable, msgUnavailable)
	}

	low := strings.ToLower(body)
	if strings.Contains(low, "seqno") || strings.Contains(low, "exit code -256") {
		return seller(WalletMisconfigured, msgWallet)
	}

	reason := HumanReason(body)
	lowReason := strings.ToLower(reason)
	if containsAny(lowReason, usernameMarkers...) {
		return Failure{Kind: KindUsername, Reason: HandleNotFound, Message: msgNotFound}
	}
	if status == http.StatusBadRequest && handle != "" && c.Exists != nil && !c.Exists(ctx, handle) {
		return Failure{Kind: KindUsername, Reason: HandleNotFound, Message: msgNotFound}
	}
	if containsAny(lowReason, "balance", "not enough") {
		return seller(InsufficientBalance, msgBalance)
	}
	if strings.Contains(lowReason, "version") {
		return seller(WalletMisconfigured, msgWallet)
	}
	return seller(UnclassifiedSellerError, reason)
}

// FromError downgrades a collaborator error (network failure, timeout,
// malformed response) to an unclassified seller failure.
func FromError(err error) Failure {
	msg := msgFallback
	if err != nil {
		msg = truncate(err.Error(), maxReasonLen)
	}
	return seller(UnclassifiedSellerError, msg)
}

func seller(r Reason, msg string) Failure {
	return Failure{Kind: KindSeller, Reason: r, Message: msg}
}

// HumanReason extracts a human readable reason from a purchase service error
// body. JSON bodies are inspected for the usual error fields; any other
// non-empty body is used verbatim (truncated).
func HumanReason(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return msgFallback
	}

	var data any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return truncate(trimmed, maxReasonLen)
	}

	switch v := data.(type) {
	case map[string]any:
		return reasonFromObject(v)
	case []any:
		parts := make([]string, 0, 3)
		for i, x := range v {
			if i == 3 {
				break
			}
			parts = append(parts, fmt.Sprint(x))
		}
		if len(parts) == 0 {
			return msgFallback
		}
		return truncate(strings.Join(parts, " | "), maxReasonLen)
	case string:
		if v != "" {
			return truncate(v, maxReasonLen)
		}
	}
	return msgFallback
}

func reasonFromObject(obj map[string]any) string {
	if _, ok := obj["username"]; ok {
		return msgBadHandle
	}
	if _, ok := obj["quantity"]; ok {
		return msgQuantity
	}
	for _, k := range []string{"detail", "message", "error"} {
		s := asText(obj[k])
		if s == "" {
			continue
		}
		low := strings.ToLower(s)
		switch {
		case containsAny(low, "not enough", "balance"):
			return msgBalance
		case strings.Contains(low, "version"):
			return msgWallet
		case strings.Contains(low, "username"):
			return msgNotFound
		}
		return truncate(s, maxReasonLen)
	}
	if list, ok := obj["errors"].([]any); ok {
		parts := make([]string, 0, 3)
		for i, e := range list {
			if i == 3 {
				break
			}
			if m, ok := e.(map[string]any); ok && asText(m["error"]) != "" {
				parts = append(parts, asText(m["error"]))
				continue
			}
			parts = append(parts, fmt.Sprint(e))
		}
		joined := strings.Join(parts, " | ")
		if strings.Contains(strings.ToLower(joined), "balance") {
			return msgBalance
		}
		if joined != "" {
			return truncate(joined, maxReasonLen)
		}
	}
	if inner, ok := obj["data"].(map[string]any); ok {
		for _, k := range []string{"error", "message", "detail"} {
			if s := asText(inner[k]); s != "" {
				return truncate(s, maxReasonLen)
			}
		}
	}
	return msgFallback
}

func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		if !t {
			return ""
		}
	}
	return fmt.Sprint(v)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
