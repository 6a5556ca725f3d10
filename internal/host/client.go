// Package host is the client of the marketplace host API: it posts chat
// messages, refunds orders and bulk-deactivates lots.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// ErrUnexpectedStatus is returned when the host answers with an error status.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Client talks to the host API.
type Client struct {
	req *req.Client

	retryInterval time.Duration
}

// New returns a Client for baseURL authenticated with token.
func New(baseURL, token string, timeout time.Duration) *Client {
	c := req.C().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetCommonHeader("Accept", "application/json")
	if token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{req: c, retryInterval: 2 * time.Second}
}

// request builds a call that is retried twice when the host rate limits us.
func (c *Client) request(ctx context.Context) *req.Request {
	return c.req.R().
		SetContext(ctx).
		SetRetryCount(2).
		SetRetryFixedInterval(c.retryInterval).
		SetRetryCondition(func(resp *req.Response, err error) bool {
			return err == nil && resp.StatusCode == http.StatusTooManyRequests
		})
}

func check(op string, resp *req.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("%s: %w %d", op, ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// SendMessage posts text into the chat.
func (c *Client) SendMessage(ctx context.Context, chatKey, text string) error {
	resp, err := c.request(ctx).
		SetPathParam("chat", chatKey).
		SetBody(map[string]string{"text": text}).
		Post("/chats/{chat}/messages")
	return check("send message", resp, err)
}

// Refund refunds the order.
func (c *Client) Refund(ctx context.Context, orderID string) error {
	resp, err := c.request(ctx).
		SetPathParam("order", orderID).
		Post("/orders/{order}/refund")
	return check("refund "+orderID, resp, err)
}

// DeactivateAllLots switches off every active lot and reports per-lot results.
func (c *Client) DeactivateAllLots(ctx context.Context, reason string) (domain.LotReport, error) {
	var rep domain.LotReport
	resp, err := c.request(ctx).
		SetBody(map[string]string{"reason": reason}).
		SetSuccessResult(&rep).
		Post("/lots/deactivate")
	if err := check("deactivate lots", resp, err); err != nil {
		return domain.LotReport{}, err
	}
	return rep, nil
}
