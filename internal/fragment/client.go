// Package fragment is the client of the stars purchase service. It sends
// stars to a handle, checks that a handle exists and reads the seller
// wallet balance. Every call authenticates with the seller's JWT.
package fragment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// DefaultBaseURL is the public purchase API.
const DefaultBaseURL = "https://api.fragment-api.com/v1"

var (
	// ErrUnexpectedStatus is returned when the service answers a read call
	// with an error status.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrNoBalance is returned when the wallet response carries no balance.
	ErrNoBalance = errors.New("wallet balance not reported")
)

// Client talks to the purchase service.
type Client struct {
	req *req.Client
}

// New returns a Client for baseURL. A zero timeout keeps the library default.
func New(baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := req.C().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetCommonHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{req: c}
}

type orderRequest struct {
	Username   string `json:"username"`
	Quantity   int    `json:"quantity"`
	ShowSender bool   `json:"show_sender"`
}

// Purchase orders qty stars for handle. Error statuses are not Go errors:
// the raw status and body are returned for classification. err is non-nil
// only when no response was received.
func (c *Client) Purchase(ctx context.Context, token, handle string, qty int) (domain.PurchaseResult, error) {
	resp, err := c.req.R().
		SetContext(ctx).
		SetHeader("Authorization", "JWT "+token).
		SetBody(&orderRequest{
			Username: strings.TrimPrefix(strings.TrimSpace(handle), "@"),
			Quantity: qty,
		}).
		Post("/order/stars/")
	if err != nil {
		return domain.PurchaseResult{}, fmt.Errorf("order stars: %w", err)
	}

	body := resp.Bytes()
	return domain.PurchaseResult{
		OK:     resp.IsSuccessState() && purchaseSucceeded(body),
		Status: resp.StatusCode,
		Body:   string(body),
	}, nil
}

// purchaseSucceeded reads the success markers of an order response. Bodies
// that are not JSON objects never count as success.
func purchaseSucceeded(body []byte) bool {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return false
	}
	for _, k := range []string{"ok", "success", "sent", "purchased", "done"} {
		if v, ok := obj[k].(bool); ok && v {
			return true
		}
	}
	if s, ok := obj["status"]; ok {
		switch strings.ToLower(fmt.Sprint(s)) {
		case "ok", "success", "completed", "done":
			return true
		}
	}
	for _, k := range []string{"tx", "transaction", "order_id", "orderId"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// HandleExists looks the handle up, first with the seller's token and then
// anonymously. A non-200 answer means "not found"; err is set only when no
// attempt got a response.
func (c *Client) HandleExists(ctx context.Context, handle, token string) (bool, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return false, nil
	}

	var lastErr error
	answered := false
	for _, withToken := range []bool{true, false} {
		if withToken && token == "" {
			continue
		}
		r := c.req.R().
			SetContext(ctx).
			SetPathParam("username", handle)
		if withToken {
			r.SetHeader("Authorization", "JWT "+token)
		}
		resp, err := r.Get("/misc/user/{username}/")
		if err != nil {
			lastErr = err
			continue
		}
		answered = true
		if resp.StatusCode == http.StatusOK && describesUser(resp.Bytes()) {
			return true, nil
		}
	}
	if !answered && lastErr != nil {
		return false, fmt.Errorf("lookup user %s: %w", handle, lastErr)
	}
	return false, nil
}

func describesUser(body []byte) bool {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return false
	}
	for _, k := range []string{"username", "user", "id"} {
		if truthy(obj[k]) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	}
	return true
}

// Wallet is what the service reports about the seller wallet.
type Wallet struct {
	Version string
	Balance float64 // TON
	HasBal  bool
}

// Wallet reads the seller wallet.
func (c *Client) Wallet(ctx context.Context, token string) (Wallet, error) {
	resp, err := c.req.R().
		SetContext(ctx).
		SetHeader("Authorization", "JWT "+token).
		Get("/misc/wallet/")
	if err != nil {
		return Wallet{}, fmt.Errorf("wallet: %w", err)
	}
	if resp.IsErrorState() {
		return Wallet{}, fmt.Errorf("wallet: %w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	var raw map[string]any
	if err := json.Unmarshal(resp.Bytes(), &raw); err != nil {
		return Wallet{}, fmt.Errorf("wallet: decode: %w", err)
	}
	return walletFrom(raw), nil
}

// Balance returns the wallet balance in TON.
func (c *Client) Balance(ctx context.Context, token string) (float64, error) {
	w, err := c.Wallet(ctx, token)
	if err != nil {
		return 0, err
	}
	if !w.HasBal {
		return 0, ErrNoBalance
	}
	return w.Balance, nil
}

func walletFrom(data map[string]any) Wallet {
	var w Wallet
	for _, k := range []string{"wallet_version", "walletVersion", "version"} {
		if v, ok := data[k]; ok && v != nil {
			w.Version = fmt.Sprint(v)
			break
		}
	}
	for _, k := range []string{"balance_ton", "balanceTon", "balance", "ton_balance"} {
		if f, ok := number(data[k]); ok {
			w.Balance, w.HasBal = f, true
			return w
		}
	}
	for _, outer := range []string{"wallet", "ton"} {
		if node, ok := data[outer].(map[string]any); ok {
			if f, ok := number(node["balance"]); ok {
				w.Balance, w.HasBal = f, true
				return w
			}
		}
	}
	for _, k := range []string{"nanoton", "nanoTon", "nanotons", "balance_nano", "balanceNano"} {
		if f, ok := number(data[k]); ok {
			if f > 1e6 {
				f /= 1e9
			}
			w.Balance, w.HasBal = f, true
			return w
		}
	}
	return w
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
