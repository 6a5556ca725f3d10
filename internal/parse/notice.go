package parse

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// pattern is a named entry of a notice classification table.
type pattern struct {
	name string
	re   *regexp.Regexp
}

func matchAny(table []pattern, s string) (string, bool) {
	for _, p := range table {
		if p.re.MatchString(s) {
			return p.name, true
		}
	}
	return "", false
}

var (
	paidPhrases = []pattern{
		{"ru_paid_order", regexp.MustCompile(`оплатил\s+заказ`)},
		{"ru_order_paid", regexp.MustCompile(`заказ\s+оплачен`)},
		{"en_paid_the_order", regexp.MustCompile(`paid\s+the\s+order`)},
		{"en_order_paid", regexp.MustCompile(`order\s+paid`)},
	}

	starsCategory = []pattern{
		{"telegram_stars", regexp.MustCompile(`telegram,\s*(?:звёзды|звезды|stars)`)},
	}

	giftMarkers = []pattern{
		{"ru_gift", regexp.MustCompile(`подар(?:ок|ком|ки|оч)`)},
		{"en_gift", regexp.MustCompile(`gift`)},
	}

	accountLogin = []pattern{
		{"ru_with_login", regexp.MustCompile(`с\s*заходом\s*на\s*аккаунт`)},
		{"ru_login", regexp.MustCompile(`заход\s*на\s*аккаунт`)},
		{"ru_enter", regexp.MustCompile(`вход\s*(?:в|на)?\s*аккаунт`)},
		{"ru_login_into", regexp.MustCompile(`логин\s*в\s*аккаунт`)},
		{"en_login", regexp.MustCompile(`log\s*in(?:to)?\s*(?:to\s*)?(?:the\s*|your\s*)?account`)},
		{"en_sign_in", regexp.MustCompile(`sign\s*in\s*to\s*(?:the\s*|your\s*)?account`)},
	}

	reNoticeOrderID = regexp.MustCompile(`(?i)(?:заказ|order|орд[её]р|№)\s*#?\s*([A-Za-z0-9\-]{6,})`)
	reNoticeHashID  = regexp.MustCompile(`#([A-Za-z0-9\-]{6,})`)
	reStarsQty      = regexp.MustCompile(`(?i)(\d{1,7})\s*(?:зв[её]зд\p{L}*|stars?|⭐)`)
	reNumber        = regexp.MustCompile(`\d{2,7}`)
)

func fold(s string) string {
	return cases.Lower(language.Und).String(s)
}

// IsGiftLike reports whether text describes a gift rather than stars sent by
// username.
func IsGiftLike(text string) bool {
	_, ok := matchAny(giftMarkers, fold(text))
	return ok
}

// MentionsAccountLogin reports whether text describes a purchase that needs
// access to the buyer's account.
func MentionsAccountLogin(text string) bool {
	_, ok := matchAny(accountLogin, fold(text))
	return ok
}

// IsExcludedOrder reports whether an order's text marks it as out of scope
// for automatic fulfillment (gift or account-login delivery).
func IsExcludedOrder(texts ...string) bool {
	blob := strings.Join(texts, " ")
	return IsGiftLike(blob) || MentionsAccountLogin(blob)
}

// IsPaidNotice reports whether a system message announces payment for a
// stars-by-username order.
func IsPaidNotice(text string) bool {
	t := fold(text)
	if _, ok := matchAny(paidPhrases, t); !ok {
		return false
	}
	if _, ok := matchAny(starsCategory, t); !ok {
		return false
	}
	return !IsGiftLike(t) && !MentionsAccountLogin(t)
}

// PaidNotice holds what a paid notice says about the order.
type PaidNotice struct {
	OrderID  string
	Quantity int // 0 when the notice carries no quantity
}

// PaidNoticeDetails extracts the order id and quantity from a paid notice.
func PaidNoticeDetails(text string) PaidNotice {
	var n PaidNotice
	if m := reNoticeOrderID.FindStringSubmatch(text); m != nil {
		n.OrderID = m[1]
	} else if m := reNoticeHashID.FindStringSubmatch(text); m != nil {
		n.OrderID = m[1]
	}
	if m := reStarsQty.FindStringSubmatch(text); m != nil {
		n.Quantity, _ = strconv.Atoi(m[1])
	}
	return n
}

// QuantityFromTitle derives the ordered quantity from a lot title. An
// explicit "N stars" wins even when it is below min, so that small orders
// can be refused; otherwise the largest number >= min is used. Zero means
// unknown.
func QuantityFromTitle(title string, min int) int {
	if m := reStarsQty.FindStringSubmatch(title); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			return v
		}
	}
	best := 0
	for _, s := range reNumber.FindAllString(title, -1) {
		v, err := strconv.Atoi(s)
		if err != nil || v < min {
			continue
		}
		if v > best {
			best = v
		}
	}
	return best
}
