package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/outcome"
)

const testToken = "jwt-token"

type PurchaserMock struct {
	mock.Mock
}

func (m *PurchaserMock) Purchase(_ context.Context, token, handle string, qty int) (domain.PurchaseResult, error) {
	args := m.Called(token, handle, qty)

	return args.Get(0).(domain.PurchaseResult), args.Error(1)
}

func (m *PurchaserMock) HandleExists(_ context.Context, handle, token string) (bool, error) {
	args := m.Called(handle, token)

	return args.Bool(0), args.Error(1)
}

func (m *PurchaserMock) Balance(_ context.Context, token string) (float64, error) {
	args := m.Called(token)

	return args.Get(0).(float64), args.Error(1)
}

type HostMock struct {
	mock.Mock

	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	chat string
	text string
}

func (m *HostMock) SendMessage(_ context.Context, chat, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{chat: chat, text: text})
	m.mu.Unlock()

	return nil
}

func (m *HostMock) Refund(_ context.Context, oid string) error {
	args := m.Called(oid)

	return args.Error(0)
}

func (m *HostMock) DeactivateAllLots(_ context.Context, reason string) (domain.LotReport, error) {
	args := m.Called(reason)

	return args.Get(0).(domain.LotReport), args.Error(1)
}

// texts returns the messages sent to chat.
func (m *HostMock) texts(chat string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.chat == chat {
			out = append(out, s.text)
		}
	}
	return out
}

// count returns how many messages to chat carry the template marker key.
func (m *HostMock) count(chat, key string) int {
	n := 0
	for _, t := range m.texts(chat) {
		if strings.HasPrefix(t, "["+key+"]") {
			n++
		}
	}
	return n
}

type settingsStub struct {
	st domain.ChatSettings
}

func (s settingsStub) Settings(_ context.Context, chat string) (domain.ChatSettings, error) {
	st := s.st
	st.ChatKey = chat
	return st, nil
}

type noWait struct{}

func (noWait) Wait(context.Context, string) error { return nil }

type memStore struct {
	queues map[string][]domain.PendingOrder
	done   []string
}

func (s *memStore) SaveQueue(_ context.Context, chat string, items []domain.PendingOrder) error {
	if len(items) == 0 {
		delete(s.queues, chat)
		return nil
	}
	s.queues[chat] = items
	return nil
}

func (s *memStore) LoadQueues(context.Context) (map[string][]domain.PendingOrder, error) {
	return s.queues, nil
}

func (s *memStore) MarkDone(_ context.Context, _, oid string) error {
	s.done = append(s.done, oid)
	return nil
}

func (s *memStore) ListDone(context.Context) ([]string, error) { return s.done, nil }

// markedTemplates prefixes every template with its key so tests can tell
// which prompt was sent.
func markedTemplates() domain.Templates {
	t := domain.DefaultTemplates()
	for k, v := range t {
		t[k] = "[" + k + "] " + v
	}
	return t
}

func testSettings(token string) domain.ChatSettings {
	st := domain.DefaultSettings("")
	st.Token = token
	st.Templates = markedTemplates()
	return st
}

type fixture struct {
	eng   *Engine
	buyer *PurchaserMock
	host  *HostMock
	now   time.Time
}

func newFixture(t *testing.T, st domain.ChatSettings, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		buyer: &PurchaserMock{},
		host:  &HostMock{},
		now:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithThrottler(noWait{}),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return f.now }),
	}
	f.eng = New(f.buyer, f.host, settingsStub{st: st}, Config{SellerUsername: "star_shop"}, append(base, opts...)...)
	t.Cleanup(func() {
		f.buyer.AssertExpectations(t)
		f.host.AssertExpectations(t)
	})
	return f
}

func (f *fixture) order(t *testing.T, chat, oid string, qty int) error {
	t.Helper()
	return f.eng.HandleNewOrder(context.Background(), domain.NewOrderEvent{
		ChatKey: chat, OrderID: oid, Title: "Telegram Stars", Quantity: qty,
	})
}

func (f *fixture) say(t *testing.T, chat, text string) error {
	t.Helper()
	return f.eng.HandleMessage(context.Background(), domain.NewMessageEvent{ChatKey: chat, Author: "buyer42", Text: text})
}

func (f *fixture) system(t *testing.T, chat, text string) error {
	t.Helper()
	return f.eng.HandleMessage(context.Background(), domain.NewMessageEvent{ChatKey: chat, Author: "FunPay", Text: text})
}

func paidNotice(oid string, qty int) string {
	return "The buyer buyer42 has paid the order #" + oid + ". Telegram, Stars, " + strconv.Itoa(qty) + " stars."
}

func TestEngine_HappyPath(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.buyer.On("HandleExists", "good_user1", testToken).Return(true, nil).Once()
	f.buyer.On("Purchase", testToken, "good_user1", 150).
		Return(domain.PurchaseResult{OK: true, Status: 200, Body: `{"ok":true}`}, nil).Once()

	require.NoError(t, f.order(t, "c1", "ABC123", 150))
	assert.Equal(t, 1, f.host.count("c1", domain.TplPurchaseCreated))

	require.NoError(t, f.say(t, "c1", "@good_user1"))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitConfirm, q[0].Stage)
	assert.Equal(t, "good_user1", q[0].Candidate)

	require.NoError(t, f.say(t, "c1", "+"))
	assert.Empty(t, f.eng.QueueView("c1"))
	assert.True(t, f.eng.IsDone("ABC123"))
	assert.Equal(t, 1, f.host.count("c1", domain.TplSent))

	// a late paid notice for the same order is ignored
	before := len(f.host.texts("c1"))
	require.NoError(t, f.system(t, "c1", paidNotice("ABC123", 150)))
	assert.Len(t, f.host.texts("c1"), before)
	assert.Empty(t, f.eng.QueueView("c1"))
}

func TestEngine_BelowMinimum(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.host.On("DeactivateAllLots", mock.MatchedBy(func(r string) bool {
		return strings.Contains(r, "below minimum")
	})).Return(domain.LotReport{Deactivated: []int{1, 2}}, nil).Once()

	err := f.order(t, "c1", "SMALL1", 30)
	assert.ErrorIs(t, err, ErrQuantityBelowMinimum)
	assert.Empty(t, f.eng.QueueView("c1"))
	assert.Equal(t, 1, f.host.count("c1", domain.TplBelowMinimum))
}

func TestEngine_QuantityFromTitle(t *testing.T) {
	f := newFixture(t, testSettings(""))

	require.NoError(t, f.eng.HandleNewOrder(context.Background(), domain.NewOrderEvent{
		ChatKey: "c1", OrderID: "TITLE1", Title: "Telegram, 250 stars, fast",
	}))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, 250, q[0].Quantity)
}

func TestEngine_PaidNoticeDedup(t *testing.T) {
	f := newFixture(t, testSettings(testToken))

	require.NoError(t, f.system(t, "c1", paidNotice("XYZ001", 100)))
	require.NoError(t, f.system(t, "c1", paidNotice("XYZ001", 100)))

	assert.Equal(t, 1, f.host.count("c1", domain.TplPurchaseCreated))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, 100, q[0].Quantity)
}

func TestEngine_ManualRefundAmbiguous(t *testing.T) {
	st := testSettings(testToken)
	st.ManualRefundEnabled = true
	f := newFixture(t, st)

	require.NoError(t, f.order(t, "c1", "ORDER1", 100))
	require.NoError(t, f.order(t, "c1", "ORDER2", 200))
	before := f.eng.QueueView("c1")

	err := f.say(t, "c1", "!back")
	assert.ErrorIs(t, err, ErrAmbiguousOrderReference)
	assert.Equal(t, before, f.eng.QueueView("c1"))

	texts := f.host.texts("c1")
	last := texts[len(texts)-1]
	assert.Contains(t, last, "#ORDER1")
	assert.Contains(t, last, "#ORDER2")
}

func TestEngine_ManualRefundByID(t *testing.T) {
	st := testSettings(testToken)
	st.ManualRefundEnabled = true
	f := newFixture(t, st)
	f.host.On("Refund", "ORDER1").Return(nil).Once()

	require.NoError(t, f.order(t, "c1", "ORDER1", 100))
	require.NoError(t, f.order(t, "c1", "ORDER2", 200))

	require.NoError(t, f.say(t, "c1", "!бэк #ORDER1"))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, "ORDER2", q[0].OrderID)
	assert.True(t, f.eng.IsDone("ORDER1"))
	assert.Equal(t, 1, f.host.count("c1", domain.TplRefundOK))
	assert.Equal(t, 1, f.host.count("c1", domain.TplNextOrder))
}

func TestEngine_ManualRefundDisabled(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.ChatSettings)
	}{
		{"feature off", func(s *domain.ChatSettings) { s.ManualRefundEnabled = false }},
		{"below auto and auto off", func(s *domain.ChatSettings) {
			s.ManualRefundEnabled = true
			s.ManualRefundPriority = false
			s.AutoRefund = false
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := testSettings(testToken)
			tc.mutate(&st)
			f := newFixture(t, st)
			require.NoError(t, f.order(t, "c1", "ORDER1", 100))

			assert.ErrorIs(t, f.say(t, "c1", "!back"), ErrRefundDisabled)
			assert.Len(t, f.eng.QueueView("c1"), 1)
			assert.Equal(t, 1, f.host.count("c1", domain.TplRefundDisabled))
		})
	}
}

func TestEngine_SellerFailure(t *testing.T) {
	tests := []struct {
		name       string
		autoRefund bool
		wantKey    string
	}{
		{"auto refund", true, domain.TplRefundOK},
		{"wait for seller", false, domain.TplRefundWaitSeller},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := testSettings(testToken)
			st.AutoRefund = tc.autoRefund
			f := newFixture(t, st)
			f.buyer.On("HandleExists", "good_user1", testToken).Return(true, nil).Once()
			f.buyer.On("Purchase", testToken, "good_user1", 100).
				Return(domain.PurchaseResult{Status: 401, Body: `{"detail":"auth"}`}, nil).Once()
			f.buyer.On("Balance", testToken).Return(12.5, nil).Once()
			if tc.autoRefund {
				f.host.On("Refund", "FAIL01").Return(nil).Once()
			}

			require.NoError(t, f.order(t, "c1", "FAIL01", 100))
			require.NoError(t, f.say(t, "c1", "@good_user1"))

			err := f.say(t, "c1", "+")
			fail, ok := IsFailure(err)
			require.True(t, ok)
			assert.Equal(t, outcome.KindSeller, fail.Kind)
			assert.Equal(t, outcome.SellerAuthRequired, fail.Reason)

			assert.Empty(t, f.eng.QueueView("c1"))
			assert.True(t, f.eng.IsDone("FAIL01"))
			assert.Equal(t, 1, f.host.count("c1", domain.TplFailed))
			assert.Equal(t, 1, f.host.count("c1", tc.wantKey))
		})
	}
}

func TestEngine_SellerFailureLowBalance(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.buyer.On("HandleExists", "good_user1", testToken).Return(true, nil).Once()
	f.buyer.On("Purchase", testToken, "good_user1", 100).Return(domain.PurchaseResult{}, errors.New("timeout")).Once()
	f.buyer.On("Balance", testToken).Return(1.0, nil).Once()
	f.host.On("DeactivateAllLots", mock.MatchedBy(func(r string) bool {
		return strings.HasPrefix(r, "low balance")
	})).Return(domain.LotReport{}, nil).Once()

	require.NoError(t, f.order(t, "c1", "LOWBAL", 100))
	require.NoError(t, f.say(t, "c1", "@good_user1"))

	fail, ok := IsFailure(f.say(t, "c1", "+"))
	require.True(t, ok)
	assert.Equal(t, outcome.UnclassifiedSellerError, fail.Reason)
}

func TestEngine_UsernameFailureReverts(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.buyer.On("HandleExists", "good_user1", testToken).Return(true, nil).Once()
	f.buyer.On("Purchase", testToken, "good_user1", 100).
		Return(domain.PurchaseResult{Status: 400, Body: `{"detail":"user not found"}`}, nil).Once()

	require.NoError(t, f.order(t, "c1", "USER01", 100))
	require.NoError(t, f.say(t, "c1", "@good_user1"))

	fail, ok := IsFailure(f.say(t, "c1", "+"))
	require.True(t, ok)
	assert.True(t, fail.Retryable())

	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitUsername, q[0].Stage)
	assert.Empty(t, q[0].Candidate)
	assert.False(t, f.eng.IsDone("USER01"))
}

func TestEngine_NextOrderPromptedAfterSend(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.buyer.On("HandleExists", "good_user1", testToken).Return(true, nil).Once()
	f.buyer.On("Purchase", testToken, "good_user1", 100).
		Return(domain.PurchaseResult{OK: true, Status: 200}, nil).Once()

	require.NoError(t, f.order(t, "c1", "FIRST1", 100))
	require.NoError(t, f.order(t, "c1", "SECOND", 200))
	assert.Equal(t, 1, f.host.count("c1", domain.TplQueuedMore))

	require.NoError(t, f.say(t, "c1", "@good_user1"))
	require.NoError(t, f.say(t, "c1", "+"))

	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, "SECOND", q[0].OrderID)
	assert.Equal(t, 1, f.host.count("c1", domain.TplNextOrder))
}

func TestEngine_CancelHead(t *testing.T) {
	f := newFixture(t, testSettings(""))

	require.NoError(t, f.order(t, "c1", "FIRST1", 100))
	require.NoError(t, f.order(t, "c1", "SECOND", 200))

	require.NoError(t, f.eng.Cancel(context.Background(), "c1", ""))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, "SECOND", q[0].OrderID)
	assert.Equal(t, 1, f.host.count("c1", domain.TplCancelled))
	assert.Equal(t, 1, f.host.count("c1", domain.TplNextOrder))

	assert.ErrorIs(t, f.eng.Cancel(context.Background(), "c1", "NOPE00"), ErrOrderNotFound)
	require.NoError(t, f.say(t, "c1", "!отмена"))
	assert.Empty(t, f.eng.QueueView("c1"))
	assert.ErrorIs(t, f.eng.Cancel(context.Background(), "c1", ""), ErrNoActiveOrder)
}

func TestEngine_PreorderPurchasedOnPaidNotice(t *testing.T) {
	st := testSettings(testToken)
	st.CaptureHandleFromOrder = true
	f := newFixture(t, st)
	f.buyer.On("Purchase", testToken, "pre_buyer", 100).
		Return(domain.PurchaseResult{OK: true, Status: 200}, nil).Once()

	require.NoError(t, f.eng.HandleNewOrder(context.Background(), domain.NewOrderEvent{
		ChatKey: "c1", OrderID: "PRE001", Title: "Telegram Stars", Quantity: 100,
		Attributes: map[string]string{"username": "@pre_buyer"},
	}))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitPaid, q[0].Stage)
	assert.Equal(t, 1, f.host.count("c1", domain.TplUsernameReceived))

	assert.ErrorIs(t, f.say(t, "c1", "+"), ErrAwaitingPayment)

	require.NoError(t, f.system(t, "c1", paidNotice("PRE001", 100)))
	assert.Empty(t, f.eng.QueueView("c1"))
	assert.True(t, f.eng.IsDone("PRE001"))
}

func TestEngine_ConfirmAmbiguous(t *testing.T) {
	f := newFixture(t, testSettings(""))
	f.eng.queue.Push("c1", domain.PendingOrder{OrderID: "AAA111", Quantity: 100, Stage: domain.StageAwaitConfirm, Candidate: "one_user"})
	f.eng.queue.Push("c1", domain.PendingOrder{OrderID: "BBB222", Quantity: 100, Stage: domain.StageAwaitConfirm, Candidate: "two_user"})

	assert.ErrorIs(t, f.say(t, "c1", "+"), ErrAmbiguousOrderReference)
	assert.Equal(t, 1, f.host.count("c1", domain.TplAmbiguous))

	// with an id the token check is reached
	assert.ErrorIs(t, f.say(t, "c1", "+ #BBB222"), ErrNoTokenConfigured)
	assert.Equal(t, 1, f.host.count("c1", domain.TplNoToken))
}

func TestEngine_InvalidHandle(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.buyer.On("HandleExists", "ghost_user", testToken).Return(false, nil).Once()

	require.NoError(t, f.order(t, "c1", "INV001", 100))

	assert.ErrorIs(t, f.say(t, "c1", "@ab"), ErrInvalidHandleFormat)
	assert.ErrorIs(t, f.say(t, "c1", "@star_shop"), ErrInvalidHandleFormat)
	assert.ErrorIs(t, f.say(t, "c1", "@ghost_user"), ErrHandleNotFound)
	assert.Equal(t, 3, f.host.count("c1", domain.TplUsernameInvalid))

	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitUsername, q[0].Stage)
}

func TestEngine_IgnoresAutoRepliesGiftsAndDisabled(t *testing.T) {
	f := newFixture(t, testSettings(""))

	require.NoError(t, f.eng.HandleNewOrder(context.Background(), domain.NewOrderEvent{
		ChatKey: "c1", OrderID: "GIFT01", Title: "Telegram Stars gift", Quantity: 100,
	}))
	assert.Empty(t, f.eng.QueueView("c1"))

	require.NoError(t, f.order(t, "c1", "AUTO01", 100))
	require.NoError(t, f.eng.HandleMessage(context.Background(), domain.NewMessageEvent{
		ChatKey: "c1", Author: "buyer42", Text: "@good_user1", IsAutoReply: true,
	}))
	assert.Equal(t, domain.StageAwaitUsername, f.eng.QueueView("c1")[0].Stage)

	off := testSettings("")
	off.PluginEnabled = false
	g := newFixture(t, off)
	require.NoError(t, g.order(t, "c1", "OFF001", 100))
	assert.Empty(t, g.eng.QueueView("c1"))
	assert.Empty(t, g.host.texts("c1"))
}

func TestEngine_AdoptsForeignQueue(t *testing.T) {
	f := newFixture(t, testSettings(""))

	require.NoError(t, f.order(t, "old-key", "MOVE01", 100))
	require.NoError(t, f.say(t, "new-key", "!cancel"))

	assert.Empty(t, f.eng.QueueView("old-key"))
	assert.Empty(t, f.eng.QueueView("new-key"))
	assert.Equal(t, 1, f.host.count("new-key", domain.TplCancelled))
}

func TestEngine_RequestHandleChange(t *testing.T) {
	f := newFixture(t, testSettings(""))
	f.eng.queue.Push("c1", domain.PendingOrder{OrderID: "CHG001", Quantity: 100, Stage: domain.StageAwaitConfirm, Candidate: "old_name"})

	require.NoError(t, f.eng.RequestHandleChange(context.Background(), "c1", ""))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitUsername, q[0].Stage)
	assert.Empty(t, q[0].Candidate)
	assert.Equal(t, 1, f.host.count("c1", domain.TplHandleChange))

	assert.ErrorIs(t, f.eng.RequestHandleChange(context.Background(), "c1", "NOPE00"), ErrOrderNotFound)
}

func TestEngine_PersistAndRestore(t *testing.T) {
	store := &memStore{queues: map[string][]domain.PendingOrder{}}
	f := newFixture(t, testSettings(""), WithStore(store))

	require.NoError(t, f.order(t, "c1", "KEEP01", 100))
	require.NoError(t, f.eng.Cancel(context.Background(), "c1", ""))
	require.NoError(t, f.order(t, "c2", "KEEP02", 120))
	require.Len(t, store.queues["c2"], 1)
	assert.NotContains(t, store.queues, "c1")

	store.done = []string{"DONE01"}
	g := newFixture(t, testSettings(""), WithStore(store))
	require.NoError(t, g.eng.Restore(context.Background()))

	q := g.eng.QueueView("c2")
	require.Len(t, q, 1)
	assert.Equal(t, 120, q[0].Quantity)
	assert.True(t, g.eng.IsDone("DONE01"))

	// restored prompts are not repeated for a redelivered paid notice
	require.NoError(t, g.system(t, "c2", paidNotice("KEEP02", 120)))
	assert.Equal(t, 0, g.host.count("c2", domain.TplPurchaseCreated))
}

// cancellingPurchaser cancels the caller's context while the purchase is in
// flight and fails like a real client would if its own context went with it.
type cancellingPurchaser struct {
	*PurchaserMock
	cancel context.CancelFunc
}

func (p cancellingPurchaser) Purchase(ctx context.Context, token, handle string, qty int) (domain.PurchaseResult, error) {
	p.cancel()
	if err := ctx.Err(); err != nil {
		return domain.PurchaseResult{}, err
	}
	return p.PurchaserMock.Purchase(ctx, token, handle, qty)
}

// ctxHost refuses calls made on a done context.
type ctxHost struct {
	*HostMock
}

func (h ctxHost) SendMessage(ctx context.Context, chat, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.HostMock.SendMessage(ctx, chat, text)
}

func (h ctxHost) Refund(ctx context.Context, oid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.HostMock.Refund(ctx, oid)
}

func TestEngine_CallerGoneMidPurchase(t *testing.T) {
	tests := []struct {
		name       string
		result     domain.PurchaseResult
		wantReason outcome.Reason
		wantKeys   []string
	}{
		{
			name:     "sent",
			result:   domain.PurchaseResult{OK: true, Status: 200},
			wantKeys: []string{domain.TplSending, domain.TplSent},
		},
		{
			name:       "seller failure refunded",
			result:     domain.PurchaseResult{Status: 503},
			wantReason: outcome.ServiceUnavailable,
			wantKeys:   []string{domain.TplSending, domain.TplFailed, domain.TplRefundOK},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := testSettings(testToken)
			st.AutoRefund = true
			f := newFixture(t, st)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.eng = New(cancellingPurchaser{PurchaserMock: f.buyer, cancel: cancel}, ctxHost{f.host}, settingsStub{st: st}, Config{},
				WithThrottler(noWait{}), WithLogger(zerolog.Nop()))
			f.eng.queue.Push("c1", domain.PendingOrder{OrderID: "CTX001", Quantity: 100, Stage: domain.StageAwaitConfirm, Candidate: "good_user1"})

			f.buyer.On("Purchase", testToken, "good_user1", 100).Return(tc.result, nil).Once()
			if tc.wantReason != "" {
				f.buyer.On("Balance", testToken).Return(12.5, nil).Once()
				f.host.On("Refund", "CTX001").Return(nil).Once()
			}

			err := f.eng.Confirm(ctx, "c1", "")
			require.Error(t, ctx.Err())
			if tc.wantReason == "" {
				require.NoError(t, err)
			} else {
				fail, ok := IsFailure(err)
				require.True(t, ok)
				assert.Equal(t, tc.wantReason, fail.Reason)
			}

			for _, key := range tc.wantKeys {
				assert.Equal(t, 1, f.host.count("c1", key), key)
			}
			assert.Empty(t, f.eng.QueueView("c1"))
			assert.True(t, f.eng.IsDone("CTX001"))
		})
	}
}

func TestEngine_PurchaserErrorGoesThroughRefundPolicy(t *testing.T) {
	tests := []struct {
		name       string
		autoRefund bool
		wantKey    string
	}{
		{"auto refund", true, domain.TplRefundOK},
		{"wait for seller", false, domain.TplRefundWaitSeller},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := testSettings(testToken)
			st.AutoRefund = tc.autoRefund
			f := newFixture(t, st)
			f.buyer.On("Purchase", testToken, "good_user1", 100).
				Return(domain.PurchaseResult{}, errors.New("connection reset by peer")).Once()
			f.buyer.On("Balance", testToken).Return(12.5, nil).Once()
			if tc.autoRefund {
				f.host.On("Refund", "NETERR").Return(nil).Once()
			}
			f.eng.queue.Push("c1", domain.PendingOrder{OrderID: "NETERR", Quantity: 100, Stage: domain.StageAwaitConfirm, Candidate: "good_user1"})

			fail, ok := IsFailure(f.say(t, "c1", "+"))
			require.True(t, ok)
			assert.Equal(t, outcome.KindSeller, fail.Kind)
			assert.Equal(t, outcome.UnclassifiedSellerError, fail.Reason)
			assert.Contains(t, fail.Message, "connection reset")

			assert.Empty(t, f.eng.QueueView("c1"))
			assert.True(t, f.eng.IsDone("NETERR"))
			assert.Equal(t, 1, f.host.count("c1", domain.TplFailed))
			assert.Equal(t, 1, f.host.count("c1", tc.wantKey))
		})
	}
}

func TestEngine_RedeliveredOrderMerges(t *testing.T) {
	f := newFixture(t, testSettings(""))

	require.NoError(t, f.order(t, "c1", "DUP001", 100))
	require.NoError(t, f.order(t, "c1", "DUP001", 120))

	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, 120, q[0].Quantity)
	assert.Equal(t, 1, f.host.count("c1", domain.TplPurchaseCreated))
	assert.Equal(t, 0, f.host.count("c1", domain.TplQueuedMore))
}

func TestEngine_ConfirmWithoutHandleReprompts(t *testing.T) {
	f := newFixture(t, testSettings(testToken))

	assert.ErrorIs(t, f.eng.Confirm(context.Background(), "c1", ""), ErrNoActiveOrder)
	assert.Equal(t, 1, f.host.count("c1", domain.TplNoActiveOrder))

	require.NoError(t, f.order(t, "c1", "ABC123", 100))
	assert.ErrorIs(t, f.eng.Confirm(context.Background(), "c1", ""), ErrInvalidHandleFormat)
	assert.Equal(t, 1, f.host.count("c1", domain.TplUsernameInvalid))
	assert.Equal(t, 1, f.host.count("c1", domain.TplNoActiveOrder))

	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitUsername, q[0].Stage)
}

func TestEngine_HandleFromFirstMessage(t *testing.T) {
	f := newFixture(t, testSettings(testToken))
	f.buyer.On("HandleExists", "msg_buyer", testToken).Return(true, nil).Once()

	require.NoError(t, f.eng.HandleNewOrder(context.Background(), domain.NewOrderEvent{
		ChatKey: "c1", OrderID: "MSG001", Title: "Telegram Stars", Quantity: 100,
		Message: "hi, send to @msg_buyer please",
	}))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, domain.StageAwaitConfirm, q[0].Stage)
	assert.Equal(t, "msg_buyer", q[0].Candidate)
	assert.Equal(t, 1, f.host.count("c1", domain.TplConfirmPrompt))
}

func TestEngine_CancelByIDKeepsHead(t *testing.T) {
	f := newFixture(t, testSettings(""))

	require.NoError(t, f.order(t, "c1", "FIRST1", 100))
	require.NoError(t, f.order(t, "c1", "SECOND", 200))

	require.NoError(t, f.eng.Cancel(context.Background(), "c1", "SECOND"))
	q := f.eng.QueueView("c1")
	require.Len(t, q, 1)
	assert.Equal(t, "FIRST1", q[0].OrderID)
	assert.Equal(t, 0, f.host.count("c1", domain.TplNextOrder))

	require.True(t, f.eng.dedup.WasPrompted("c1", "FIRST1"))
	require.NoError(t, f.eng.Cancel(context.Background(), "c1", ""))
	assert.False(t, f.eng.dedup.WasPrompted("c1", "FIRST1"))
	assert.Empty(t, f.eng.QueueView("c1"))
}

func TestEngine_AuditLogOmitsHandle(t *testing.T) {
	var buf strings.Builder
	f := newFixture(t, testSettings(testToken), WithLogger(zerolog.New(&buf)))
	f.buyer.On("HandleExists", "secret_buyer", testToken).Return(true, nil).Once()
	f.buyer.On("Purchase", testToken, "secret_buyer", 100).
		Return(domain.PurchaseResult{OK: true, Status: 200}, nil).Once()

	require.NoError(t, f.order(t, "c1", "LOG001", 100))
	require.NoError(t, f.say(t, "c1", "@secret_buyer"))
	require.NoError(t, f.say(t, "c1", "+"))

	out := buf.String()
	assert.Contains(t, out, `"has_handle":true`)
	assert.NotContains(t, out, "secret_buyer")
}
