// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Redactor, the scrubber used by Logger before request
// metadata reaches the logs. Buyer handles, purchase-service JWTs and e-mail
// addresses can appear in query strings and headers of host callbacks; none
// of them should be written to access logs.
//
// Bodies are never logged.
package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// HeaderHostToken carries the shared secret the host signs its webhooks with.
// It is always masked.
const HeaderHostToken = "X-Host-Token"

// RedactOptions configures additional scrub behavior for Redactor.
//
// MaskHeaders lists extra header names whose values are replaced with
// "[REDACTED]". Matching is case-insensitive and merged with the built-in
// set (Authorization, Cookie, Set-Cookie, X-Host-Token).
type RedactOptions struct {
	MaskHeaders []string
}

var (
	// JWTs go first: their dot-separated segments would otherwise be eaten
	// by the e-mail pattern.
	jwtRE    = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]*`)
	emailRE  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	handleRE = regexp.MustCompile(`@[A-Za-z][A-Za-z0-9_]{3,31}\b`)
)

// Redactor scrubs sensitive values from request metadata.
type Redactor struct {
	mask map[string]struct{}
}

// NewRedactor builds a Redactor from opts.
func NewRedactor(opts RedactOptions) Redactor {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"x-host-token":  {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}
	return Redactor{mask: mask}
}

// Text replaces tokens, e-mail addresses and @handles in s.
func (r Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	s = jwtRE.ReplaceAllString(s, "[REDACTED:token]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return handleRE.ReplaceAllString(s, "[REDACTED:handle]")
}

// Headers returns a flattened copy of h with masked headers hidden and the
// remaining values scrubbed by Text.
func (r Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.Text(strings.Join(vv, ", "))
	}
	return out
}
