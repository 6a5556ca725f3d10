// Package domain defines the models shared by the fulfillment engine, the
// persistence layer and the HTTP surface: pending orders and their
// conversation stages, inbound host events, per-chat settings and the
// GORM rows used to persist engine state.
package domain

// Stage is the conversation stage of a PendingOrder.
type Stage string

const (
	// StageAwaitUsername waits for the buyer to send a handle.
	StageAwaitUsername Stage = "AWAIT_USERNAME"
	// StageAwaitConfirm holds a validated candidate until the buyer confirms it.
	StageAwaitConfirm Stage = "AWAIT_CONFIRM"
	// StageAwaitPaid holds a handle captured from the order until the
	// marketplace reports the order as paid.
	StageAwaitPaid Stage = "AWAIT_PAID"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageAwaitUsername, StageAwaitConfirm, StageAwaitPaid:
		return true
	}
	return false
}

// PendingOrder is one buyer-facing unit of work in a chat queue.
//
// OrderID is empty when the host gave no order-tracking signal. Candidate is
// only set in AWAIT_CONFIRM and AWAIT_PAID.
type PendingOrder struct {
	OrderID   string `json:"order_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Stage     Stage  `json:"stage"`
	Candidate string `json:"candidate,omitempty"`
	Confirmed bool   `json:"confirmed"`
	Finalized bool   `json:"finalized"`
	Prompted  bool   `json:"prompted"`
}

// Actionable reports whether the order can still be confirmed, cancelled or
// refunded by the buyer: AWAIT_USERNAME / AWAIT_CONFIRM while unconfirmed,
// and AWAIT_PAID while not finalized.
func (p *PendingOrder) Actionable() bool {
	if p == nil || p.Finalized {
		return false
	}
	switch p.Stage {
	case StageAwaitPaid:
		return true
	case StageAwaitUsername, StageAwaitConfirm:
		return !p.Confirmed
	}
	return false
}

// Preorder is a handle captured from order metadata before payment.
type Preorder struct {
	Username string `json:"username"`
	Quantity int    `json:"quantity"`
}

// NewOrderEvent is delivered by the host when a marketplace order appears.
// Quantity is optional; when zero it is derived from the title.
type NewOrderEvent struct {
	ChatKey     string            `json:"chat_key"`
	OrderID     string            `json:"order_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	BuyerNote   string            `json:"buyer_note,omitempty"`
	Message     string            `json:"message,omitempty"` // buyer's first chat message, when the host has it
	Quantity    int               `json:"quantity,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewMessageEvent is delivered by the host for every chat message, including
// system notices and the bot's own auto-replies.
type NewMessageEvent struct {
	ChatKey     string `json:"chat_key"`
	Author      string `json:"author"`
	Text        string `json:"text"`
	IsAutoReply bool   `json:"is_auto_reply"`
}
