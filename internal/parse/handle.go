// Package parse turns chat text and order metadata into the facts the
// fulfillment engine acts on: buyer handles, quantities, marketplace
// "order paid" notices and buyer commands. Every function is pure.
package parse

import (
	"regexp"
	"sort"
	"strings"
)

const (
	minHandleLen = 4
	maxHandleLen = 32
)

var (
	reHandle = regexp.MustCompile(`^[A-Za-z0-9_]{4,32}$`)

	// explicit phrasing, tried in order before any @token
	explicitHandlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:по|by)\s*username\s*[,:\-]?\s*@?([A-Za-z0-9_]{4,32})(?:[^A-Za-z0-9_]|$)`),
		regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])(?:ник|username)\s*[:=]\s*@?([A-Za-z0-9_]{4,32})(?:[^A-Za-z0-9_]|$)`),
	}

	reAtHandle = regexp.MustCompile(`@([A-Za-z0-9_]{4,32})(?:[^A-Za-z0-9_]|$)`)

	// "Покупатель X оплатил заказ ..." / "Buyer X paid the order ..." names the
	// marketplace account, never the destination handle.
	rePaidBoilerplate = regexp.MustCompile(`(?i)(?:покупатель|buyer)\s+[A-Za-z0-9_]{4,32}\s+(?:оплатил(?:\s+заказ)?|has\s+paid|paid)[^.\n]*\.?`)
)

// Validate reports whether h is a sendable handle: 4 to 32 characters of
// [A-Za-z0-9_] once a single leading '@' and surrounding spaces are removed.
func Validate(h string) bool {
	return reHandle.MatchString(Normalize(h))
}

// Normalize trims spaces and one leading '@'.
func Normalize(h string) string {
	h = strings.TrimSpace(h)
	return strings.TrimPrefix(h, "@")
}

// Extract finds a handle in free text. Priority: explicit "by username X" /
// "username: X" phrasing, then an @handle, then (after the buyer-paid
// boilerplate is removed) the first bare token of 4 to 32 word characters.
// The empty string means nothing was found.
func Extract(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if h := extractExplicit(text); h != "" {
		return h
	}
	s := rePaidBoilerplate.ReplaceAllString(text, " ")
	if m := reAtHandle.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return firstBareToken(s)
}

func extractExplicit(text string) string {
	for _, re := range explicitHandlePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	if m := reAtHandle.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// firstBareToken returns the first maximal run of [A-Za-z0-9_] whose length
// is a valid handle length.
func firstBareToken(s string) string {
	tokens := strings.FieldsFunc(s, func(r rune) bool { return !isWordASCII(r) })
	for _, t := range tokens {
		if len(t) >= minHandleLen && len(t) <= maxHandleLen {
			return t
		}
	}
	return ""
}

func isWordASCII(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// OrderFields is the textual part of a marketplace order that may carry the
// buyer's handle.
type OrderFields struct {
	Title       string
	Description string
	BuyerNote   string
	Message     string
	// Attributes are the order's structured parameters (e.g. "Username").
	Attributes map[string]string
}

// ExtractFromStructured looks for a handle in an order's fields. Buyer-typed
// fields (attributes, buyer note, first message) use full Extract; the
// seller-written title and description only yield explicit handles, since
// their plain words name the product.
func ExtractFromStructured(f OrderFields) string {
	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if h := Extract(f.Attributes[k]); h != "" {
			return h
		}
	}
	for _, s := range []string{f.BuyerNote, f.Message} {
		if h := Extract(s); h != "" {
			return h
		}
	}
	for _, s := range []string{f.Title, f.Description} {
		if h := extractExplicit(s); h != "" {
			return h
		}
	}
	return ""
}
