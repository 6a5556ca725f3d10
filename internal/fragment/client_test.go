package fragment

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/imroc/req/v3"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
)

const addr = "https://fragment.loc/v1"

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	r := req.C().SetBaseURL(addr)
	httpmock.ActivateNonDefault(r.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return &Client{req: r}
}

func TestClient_Purchase(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		wantOK bool
	}{
		{"ok flag", http.StatusOK, `{"ok":true}`, true},
		{"status completed", http.StatusOK, `{"status":"Completed"}`, true},
		{"transaction id", http.StatusOK, `{"transaction":"abc"}`, true},
		{"no marker", http.StatusOK, `{"queued":true}`, false},
		{"not json", http.StatusOK, `done`, false},
		{"error status", http.StatusBadRequest, `{"ok":true,"detail":"bad"}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodPost, addr+"/order/stars/",
				func(r *http.Request) (*http.Response, error) {
					assert.Equal(t, "JWT tok", r.Header.Get("Authorization"))
					return httpmock.NewStringResponse(tc.status, tc.body), nil
				})

			res, err := c.Purchase(context.Background(), "tok", "@good_user", 100)
			assert.NoError(t, err)
			assert.Equal(t, tc.wantOK, res.OK)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.body, res.Body)
		})
	}
}

func TestClient_Purchase_TransportError(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, addr+"/order/stars/",
		httpmock.NewErrorResponder(errors.New("connection reset")))

	_, err := c.Purchase(context.Background(), "tok", "good_user", 100)
	assert.Error(t, err)
}

func TestClient_HandleExists(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, addr+"/misc/user/good_user/",
		httpmock.NewStringResponder(http.StatusOK, `{"username":"good_user"}`))
	httpmock.RegisterResponder(http.MethodGet, addr+"/misc/user/ghost_user/",
		httpmock.NewStringResponder(http.StatusNotFound, `{"detail":"not found"}`))
	httpmock.RegisterResponder(http.MethodGet, addr+"/misc/user/empty_user/",
		httpmock.NewStringResponder(http.StatusOK, `{"username":""}`))

	ok, err := c.HandleExists(context.Background(), "@good_user", "tok")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HandleExists(context.Background(), "ghost_user", "tok")
	assert.NoError(t, err)
	assert.False(t, ok)
	// one call with the token, one without
	assert.Equal(t, 2, httpmock.GetCallCountInfo()["GET "+addr+"/misc/user/ghost_user/"])

	ok, err = c.HandleExists(context.Background(), "empty_user", "")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_HandleExists_TransportError(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, addr+"/misc/user/good_user/",
		httpmock.NewErrorResponder(errors.New("timeout")))

	ok, err := c.HandleExists(context.Background(), "good_user", "tok")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestClient_Balance(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    float64
		wantErr error
	}{
		{"flat", `{"balance_ton":"12.5","version":"v4r2"}`, 12.5, nil},
		{"nested", `{"wallet":{"balance":3}}`, 3, nil},
		{"nanoton", `{"nanoton":7500000000}`, 7.5, nil},
		{"small nanoton kept", `{"nanoton":42}`, 42, nil},
		{"missing", `{"version":"v4r2"}`, 0, ErrNoBalance},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodGet, addr+"/misc/wallet/",
				httpmock.NewStringResponder(http.StatusOK, tc.body))

			got, err := c.Balance(context.Background(), "tok")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestClient_Wallet_ErrorStatus(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, addr+"/misc/wallet/",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"detail":"auth"}`))

	_, err := c.Wallet(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestWalletFrom_Version(t *testing.T) {
	w := walletFrom(map[string]any{"walletVersion": "W5", "ton_balance": 1.25})
	assert.Equal(t, "W5", w.Version)
	assert.True(t, w.HasBal)
	assert.Equal(t, 1.25, w.Balance)
}

func TestNew_Defaults(t *testing.T) {
	c := New("", 0)
	assert.Equal(t, DefaultBaseURL, c.req.BaseURL)
}
