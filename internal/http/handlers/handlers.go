// Package handlers exposes the fulfillment engine over HTTP.
//
// The host marketplace integration posts order and chat-message events to
// /events/*; the seller's tooling drives buyer commands and per-chat settings
// through /chats/* and /settings/*.
//
// Handlers are transport-thin: they validate input, call the engine, and
// translate engine outcomes into responses. Every outcome the engine reports
// (invalid handle, ambiguous reference, failed purchase) has already been
// explained to the buyer in chat, so it is answered with 200 and a stable
// outcome code rather than an HTTP error.
package handlers

import (
	"context"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

//
// Service contracts (context-aware)
//

// Engine is the fulfillment engine as consumed by the HTTP layer.
//
// Implementations must be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type Engine interface {
	HandleNewOrder(ctx context.Context, ev domain.NewOrderEvent) error
	HandleMessage(ctx context.Context, ev domain.NewMessageEvent) error
	Confirm(ctx context.Context, chat, oid string) error
	Cancel(ctx context.Context, chat, oid string) error
	ManualRefund(ctx context.Context, chat, oid string) error
	RequestHandleChange(ctx context.Context, chat, oid string) error
	QueueView(chat string) []domain.PendingOrder
}

// SettingsStore reads and writes per-chat settings.
type SettingsStore interface {
	// Settings resolves the effective settings of a chat, falling back to
	// shared rows and defaults.
	Settings(ctx context.Context, chatKey string) (domain.ChatSettings, error)
	// Get returns the chat's own row or repo.ErrNotFound.
	Get(ctx context.Context, chatKey string) (*domain.ChatSettings, error)
	Save(ctx context.Context, st *domain.ChatSettings) error
	Delete(ctx context.Context, chatKey string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints.
type Handlers struct {
	eng      Engine
	settings SettingsStore
	history  HistoryStore
}

// New constructs Handlers bound to the engine and settings store. It also
// registers the custom binding validators.
func New(eng Engine, settings SettingsStore) *Handlers {
	mustRegisterValidators()
	return &Handlers{eng: eng, settings: settings}
}
