// Event webhooks.
//
// The host posts every new marketplace order and every chat message here:
//   - POST /events/orders    (new order)
//   - POST /events/messages  (chat message, including system notices)
//
// Redelivered events carrying a known X-Event-ID never reach these handlers;
// the idempotency middleware answers them.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/http/middleware"
)

//
// DTOs
//

// OrderEventRequest is the JSON payload of a new-order event.
type OrderEventRequest struct {
	ChatKey     string            `json:"chat_key"    binding:"required,chatkey"`
	OrderID     string            `json:"order_id"    binding:"omitempty,orderid"`
	Title       string            `json:"title"       binding:"max=512"`
	Description string            `json:"description" binding:"max=4096"`
	BuyerNote   string            `json:"buyer_note"  binding:"max=2048"`
	Message     string            `json:"message"     binding:"max=4096"`
	Quantity    int               `json:"quantity"    binding:"gte=0,lte=1000000"`
	Attributes  map[string]string `json:"attributes"  binding:"max=32,dive,keys,max=64,endkeys,max=512"`
}

func (r OrderEventRequest) event() domain.NewOrderEvent {
	return domain.NewOrderEvent{
		ChatKey:     r.ChatKey,
		OrderID:     normalizeOrderID(r.OrderID),
		Title:       r.Title,
		Description: r.Description,
		BuyerNote:   r.BuyerNote,
		Message:     r.Message,
		Quantity:    r.Quantity,
		Attributes:  r.Attributes,
	}
}

// MessageEventRequest is the JSON payload of a chat-message event.
type MessageEventRequest struct {
	ChatKey     string `json:"chat_key"      binding:"required,chatkey"`
	Author      string `json:"author"        binding:"max=128"`
	Text        string `json:"text"          binding:"max=8192"`
	IsAutoReply bool   `json:"is_auto_reply"`
}

func (r MessageEventRequest) event() domain.NewMessageEvent {
	return domain.NewMessageEvent{
		ChatKey:     r.ChatKey,
		Author:      strings.TrimSpace(r.Author),
		Text:        r.Text,
		IsAutoReply: r.IsAutoReply,
	}
}

//
// Handlers
//

// PostOrderEvent feeds a new marketplace order to the engine.
func (h *Handlers) PostOrderEvent(c *gin.Context) {
	var req OrderEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return
	}
	middleware.SetChatKey(c, req.ChatKey)

	err := h.eng.HandleNewOrder(c.Request.Context(), req.event())
	respond(c, err, nil)
}

// PostMessageEvent feeds a chat message to the engine.
func (h *Handlers) PostMessageEvent(c *gin.Context) {
	var req MessageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return
	}
	middleware.SetChatKey(c, req.ChatKey)

	err := h.eng.HandleMessage(c.Request.Context(), req.event())
	respond(c, err, nil)
}
