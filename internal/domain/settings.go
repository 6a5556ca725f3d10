package domain

import (
	"strconv"
	"strings"
	"time"
)

// Template keys understood by the engine. Chats may override any of them.
const (
	TplPurchaseCreated  = "purchase_created"
	TplUsernameReceived = "username_received"
	TplUsernameInvalid  = "username_invalid"
	TplUsernameValid    = "username_valid"
	TplConfirmPrompt    = "confirm_prompt"
	TplSending          = "sending"
	TplSent             = "sent"
	TplFailed           = "failed"
	TplQueuedMore       = "queued_more"
	TplNextOrder        = "next_order"
	TplCancelled        = "cancelled"
	TplBelowMinimum     = "below_minimum"
	TplRefundOK         = "refund_ok"
	TplRefundFailed     = "refund_failed"
	TplRefundWaitSeller = "refund_wait_seller"
	TplRefundDisabled   = "refund_disabled"
	TplAmbiguous        = "ambiguous"
	TplNoToken          = "no_token"
	TplNoActiveOrder    = "no_active_order"
	TplOrderNotFound    = "order_not_found"
	TplHandleChange     = "handle_change"
)

var defaultTemplates = map[string]string{
	TplPurchaseCreated:  "Thanks for order #{order_id} ({qty} stars)! Send the Telegram username the stars should go to, e.g. @username.",
	TplUsernameReceived: "Username @{handle} taken from order #{order_id}. Stars will be sent as soon as the payment is confirmed.",
	TplUsernameInvalid:  "That does not look like a valid username. Send it as @username (4-32 letters, digits or _).",
	TplUsernameValid:    "Username @{handle} found.",
	TplConfirmPrompt:    "Send {qty} stars to @{handle} for order #{order_id}? Reply + to confirm or send another username.",
	TplSending:          "Sending {qty} stars to @{handle}...",
	TplSent:             "Done! {qty} stars were sent to @{handle}. Please confirm order {order_url}",
	TplFailed:           "Could not send stars: {reason}",
	TplQueuedMore:       "Order #{order_id} is queued and will be handled after the current one.",
	TplNextOrder:        "Next order #{order_id} ({qty} stars): send the username for it.",
	TplCancelled:        "Order #{order_id} was cancelled.",
	TplBelowMinimum:     "Order #{order_id} is below the minimum of {qty} stars and will be handled manually by the seller.",
	TplRefundOK:         "Order #{order_id} was refunded.",
	TplRefundFailed:     "Refund of order #{order_id} failed: {reason}. The seller will handle it.",
	TplRefundWaitSeller: "The seller will review order #{order_id} and get back to you.",
	TplRefundDisabled:   "Refunds on request are disabled. Please wait for the seller.",
	TplAmbiguous:        "Several orders are open: {order_ids}. Repeat the command with #ORDER_ID.",
	TplNoToken:          "Automatic delivery is not configured yet. The seller will send the stars manually.",
	TplNoActiveOrder:    "There is no active order in this chat.",
	TplOrderNotFound:    "Order #{order_id} is not open in this chat.",
	TplHandleChange:     "Send the new username for order #{order_id}.",
}

// DefaultTemplates returns a fresh copy of the built-in message templates.
func DefaultTemplates() Templates {
	out := make(Templates, len(defaultTemplates))
	for k, v := range defaultTemplates {
		out[k] = v
	}
	return out
}

// Templates maps a template key to its wording.
type Templates map[string]string

// TemplateVars are the placeholder values the engine supplies.
type TemplateVars struct {
	Qty      int
	Handle   string
	OrderID  string
	OrderURL string
	Reason   string
	OrderIDs []string
}

// Render fills the template stored under key, falling back to the built-in
// wording when the chat has no override.
func (t Templates) Render(key string, v TemplateVars) string {
	text, ok := t[key]
	if !ok || strings.TrimSpace(text) == "" {
		text = defaultTemplates[key]
	}
	ids := make([]string, len(v.OrderIDs))
	for i, id := range v.OrderIDs {
		ids[i] = "#" + id
	}
	r := strings.NewReplacer(
		"{qty}", strconv.Itoa(v.Qty),
		"{handle}", v.Handle,
		"{order_id}", v.OrderID,
		"{order_url}", v.OrderURL,
		"{reason}", v.Reason,
		"{order_ids}", strings.Join(ids, ", "),
	)
	return r.Replace(text)
}

// ChatSettings is the per-chat configuration read by the engine.
//
// The row keyed by OrdersChatKey (or any row carrying a Token) acts as the
// seller-wide fallback for chats that have no settings of their own.
type ChatSettings struct {
	ChatKey                string    `json:"chat_key"                  gorm:"type:varchar(128);primaryKey"`
	Token                  string    `json:"token,omitempty"           gorm:"type:text"`
	PluginEnabled          bool      `json:"plugin_enabled"`
	AutoRefund             bool      `json:"auto_refund"`
	AutoDeactivate         bool      `json:"auto_deactivate"`
	ManualRefundEnabled    bool      `json:"manual_refund_enabled"`
	ManualRefundPriority   bool      `json:"manual_refund_priority"`
	CaptureHandleFromOrder bool      `json:"capture_handle_from_order"`
	MinBalanceTON          float64   `json:"min_balance_ton"`
	MinQuantity            int       `json:"min_quantity"`
	Templates              Templates `json:"templates,omitempty"       gorm:"serializer:json"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName returns the database table name for ChatSettings.
func (ChatSettings) TableName() string { return "chat_settings" }

// OrdersChatKey is the settings key shared by every order chat.
const OrdersChatKey = "__orders__"

// DefaultMinQuantity is the smallest order that is fulfilled automatically.
const DefaultMinQuantity = 50

// DefaultSettings returns the settings applied when nothing is stored.
func DefaultSettings(chatKey string) ChatSettings {
	return ChatSettings{
		ChatKey:              chatKey,
		PluginEnabled:        true,
		AutoDeactivate:       true,
		ManualRefundPriority: true,
		MinBalanceTON:        5.0,
		MinQuantity:          DefaultMinQuantity,
		Templates:            DefaultTemplates(),
	}
}

// HasToken reports whether a purchase token is configured.
func (s ChatSettings) HasToken() bool { return strings.TrimSpace(s.Token) != "" }

// MinQty returns the effective minimum order quantity.
func (s ChatSettings) MinQty() int {
	if s.MinQuantity <= 0 {
		return DefaultMinQuantity
	}
	return s.MinQuantity
}
