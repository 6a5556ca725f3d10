// Package engine implements the order fulfillment conversation: it consumes
// host events (new orders, chat messages, buyer commands), walks each order
// through AWAIT_USERNAME / AWAIT_CONFIRM / AWAIT_PAID, calls the purchase
// service and applies the refund and lot-deactivation policy on failures.
//
// Every public method takes the engine lock, so events are applied one at
// a time even when the HTTP layer dispatches them concurrently.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-stars-fulfillment/internal/dedup"
	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/outcome"
	"github.com/tbourn/go-stars-fulfillment/internal/queue"
	"github.com/tbourn/go-stars-fulfillment/internal/throttle"
)

// Purchaser is the purchase service.
type Purchaser interface {
	Purchase(ctx context.Context, token, handle string, qty int) (domain.PurchaseResult, error)
	HandleExists(ctx context.Context, handle, token string) (bool, error)
	Balance(ctx context.Context, token string) (float64, error)
}

// Host is the marketplace the orders come from.
type Host interface {
	SendMessage(ctx context.Context, chatKey, text string) error
	Refund(ctx context.Context, orderID string) error
	DeactivateAllLots(ctx context.Context, reason string) (domain.LotReport, error)
}

// SettingsProvider resolves the settings that apply to a chat.
type SettingsProvider interface {
	Settings(ctx context.Context, chatKey string) (domain.ChatSettings, error)
}

// Store persists queues and done order ids. It is optional.
type Store interface {
	SaveQueue(ctx context.Context, chatKey string, items []domain.PendingOrder) error
	LoadQueues(ctx context.Context) (map[string][]domain.PendingOrder, error)
	MarkDone(ctx context.Context, chatKey, orderID string) error
	ListDone(ctx context.Context) ([]string, error)
}

// Throttler spaces handle-existence checks per key.
type Throttler interface {
	Wait(ctx context.Context, key string) error
}

// Config holds the engine tunables that are not per-chat settings.
type Config struct {
	// SystemAuthor is the author name of marketplace system notices.
	SystemAuthor string
	// SellerUsername is the seller's own marketplace name; it is never
	// accepted as a buyer handle.
	SellerUsername string
	// OrderURLTemplate renders {order_url}; "{order_id}" is substituted.
	OrderURLTemplate string
	// PromptWindow collapses duplicate paid notices.
	PromptWindow time.Duration
	// CheckGap and CheckJitter space handle-existence checks.
	CheckGap    time.Duration
	CheckJitter time.Duration
	// MinQuantity applies when no chat settings can be loaded.
	MinQuantity int
	// OpTimeout bounds one event or command once the engine lock is held.
	// Operations run detached from the caller's cancellation.
	OpTimeout time.Duration
}

// DefaultConfig returns the values used for unset Config fields.
func DefaultConfig() Config {
	return Config{
		SystemAuthor:     "FunPay",
		OrderURLTemplate: "https://funpay.com/orders/{order_id}/",
		PromptWindow:     dedup.DefaultPromptWindow,
		CheckGap:         throttle.DefaultGap,
		CheckJitter:      throttle.DefaultJitter,
		MinQuantity:      domain.DefaultMinQuantity,
		OpTimeout:        5 * time.Minute,
	}
}

// Engine owns every chat queue and the dedup state.
type Engine struct {
	purchaser Purchaser
	host      Host
	settings  SettingsProvider
	store     Store
	throttle  Throttler
	cfg       Config
	log       zerolog.Logger

	mu        sync.Mutex
	queue     *queue.Queue
	dedup     *dedup.Tracker
	preorders map[string]domain.Preorder
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStore enables durable queues.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithThrottler replaces the default throttle ledger.
func WithThrottler(t Throttler) Option { return func(e *Engine) { e.throttle = t } }

// WithClock injects the time source of the dedup window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.dedup = dedup.New(dedup.WithWindow(e.cfg.PromptWindow), dedup.WithClock(now))
	}
}

// WithLogger replaces the engine logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// New builds an Engine. Zero Config fields take their DefaultConfig value.
func New(p Purchaser, h Host, s SettingsProvider, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.SystemAuthor == "" {
		cfg.SystemAuthor = def.SystemAuthor
	}
	if cfg.OrderURLTemplate == "" {
		cfg.OrderURLTemplate = def.OrderURLTemplate
	}
	if cfg.PromptWindow <= 0 {
		cfg.PromptWindow = def.PromptWindow
	}
	if cfg.CheckGap <= 0 {
		cfg.CheckGap = def.CheckGap
	}
	if cfg.CheckJitter < 0 {
		cfg.CheckJitter = 0
	}
	if cfg.MinQuantity <= 0 {
		cfg.MinQuantity = def.MinQuantity
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	e := &Engine{
		purchaser: p,
		host:      h,
		settings:  s,
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		queue:     queue.New(),
		dedup:     dedup.New(dedup.WithWindow(cfg.PromptWindow)),
		preorders: make(map[string]domain.Preorder),
	}
	e.throttle = throttle.New(cfg.CheckGap, cfg.CheckJitter)
	for _, o := range opts {
		o(e)
	}
	e.queue.Release = func(chat, oid string) { e.dedup.UnmarkPrompted(chat, oid, true) }
	return e
}

// detach returns a context that keeps the caller's values (trace span,
// request id) but not its cancellation. Once a purchase has started, the
// refund and the buyer notifications must run even if the HTTP caller is gone.
func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OpTimeout)
}

// chatSettings never fails: lookup errors fall back to defaults.
func (e *Engine) chatSettings(ctx context.Context, chat string) domain.ChatSettings {
	if e.settings == nil {
		return e.defaults(chat)
	}
	st, err := e.settings.Settings(ctx, chat)
	if err != nil {
		e.log.Warn().Err(err).Str("chat", chat).Msg("settings lookup failed, using defaults")
		return e.defaults(chat)
	}
	return st
}

func (e *Engine) defaults(chat string) domain.ChatSettings {
	st := domain.DefaultSettings(chat)
	st.MinQuantity = e.cfg.MinQuantity
	return st
}

func (e *Engine) orderURL(oid string) string {
	if oid == "" {
		return ""
	}
	return strings.ReplaceAll(e.cfg.OrderURLTemplate, "{order_id}", oid)
}

func (e *Engine) vars(it *domain.PendingOrder) domain.TemplateVars {
	if it == nil {
		return domain.TemplateVars{}
	}
	return domain.TemplateVars{
		Qty:      it.Quantity,
		Handle:   it.Candidate,
		OrderID:  it.OrderID,
		OrderURL: e.orderURL(it.OrderID),
	}
}

// say renders a template and sends it. Send failures are logged only.
func (e *Engine) say(ctx context.Context, chat string, st domain.ChatSettings, key string, v domain.TemplateVars) {
	text := st.Templates.Render(key, v)
	promptsTotal.WithLabelValues(key).Inc()
	if err := e.host.SendMessage(ctx, chat, text); err != nil {
		e.log.Warn().Err(err).Str("chat", chat).Str("template", key).Msg("send message failed")
	}
}

// handleExists runs the throttled existence check. Errors count as "not found".
func (e *Engine) handleExists(ctx context.Context, chat, handle, token string) bool {
	key := chat
	if key == "" {
		key = throttle.GlobalKey
	}
	if err := e.throttle.Wait(ctx, key); err != nil {
		e.log.Warn().Err(err).Str("chat", chat).Msg("handle check throttle interrupted")
		return false
	}
	ok, err := e.purchaser.HandleExists(ctx, handle, token)
	if err != nil {
		e.log.Warn().Err(err).Str("chat", chat).Msg("handle check failed")
		return false
	}
	return ok
}

func (e *Engine) classifier(chat, token string) outcome.Classifier {
	return outcome.Classifier{
		Exists: func(ctx context.Context, handle string) bool {
			return e.handleExists(ctx, chat, handle, token)
		},
	}
}

func (e *Engine) isSeller(author string) bool {
	return e.cfg.SellerUsername != "" && strings.EqualFold(strings.TrimPrefix(author, "@"), strings.TrimPrefix(e.cfg.SellerUsername, "@"))
}
