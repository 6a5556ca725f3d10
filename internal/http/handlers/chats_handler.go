// Chat command handlers.
//
// These endpoints let the seller (or a host-side command router) act on a
// chat's queue with the same effect as the buyer's chat commands:
//   - POST /chats/{key}/confirm        (like "+")
//   - POST /chats/{key}/cancel
//   - POST /chats/{key}/refund         (like "!бэк")
//   - POST /chats/{key}/change-handle
//   - GET  /chats/{key}/queue
//
// The optional order id comes from the JSON body or the order_id query
// parameter; without it the engine picks the head / the only open order.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/http/middleware"
)

// CommandRequest is the optional JSON payload of a chat command.
type CommandRequest struct {
	OrderID string `json:"order_id" form:"order_id" binding:"omitempty,orderid"`
}

// QueueResponse lists a chat's open orders, head first.
type QueueResponse struct {
	ChatKey string                `json:"chat_key"`
	Orders  []domain.PendingOrder `json:"orders"`
}

// chatKey validates the :key route parameter.
func chatKey(c *gin.Context) (string, bool) {
	key := c.Param("key")
	if !chatKeyRE.MatchString(key) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid chat key")
		return "", false
	}
	middleware.SetChatKey(c, key)
	return key, true
}

// bindCommand reads the optional order id. An empty body is allowed.
func bindCommand(c *gin.Context) (CommandRequest, bool) {
	var req CommandRequest
	var err error
	if c.Request.ContentLength > 0 {
		err = c.ShouldBindJSON(&req)
	} else {
		err = c.ShouldBindQuery(&req)
	}
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(err))
		return req, false
	}
	req.OrderID = normalizeOrderID(req.OrderID)
	return req, true
}

type commandFunc func(ctx context.Context, chat, oid string) error

func (h *Handlers) command(c *gin.Context, run commandFunc) {
	key, valid := chatKey(c)
	if !valid {
		return
	}
	req, valid := bindCommand(c)
	if !valid {
		return
	}
	err := run(c.Request.Context(), key, req.OrderID)
	respond(c, err, func() []domain.PendingOrder { return h.eng.QueueView(key) })
}

// Confirm confirms the candidate handle of an open order and purchases.
func (h *Handlers) Confirm(c *gin.Context) { h.command(c, h.eng.Confirm) }

// Cancel drops an open order from the queue.
func (h *Handlers) Cancel(c *gin.Context) { h.command(c, h.eng.Cancel) }

// Refund refunds an open order.
func (h *Handlers) Refund(c *gin.Context) { h.command(c, h.eng.ManualRefund) }

// ChangeHandle asks the buyer for a new handle.
func (h *Handlers) ChangeHandle(c *gin.Context) { h.command(c, h.eng.RequestHandleChange) }

// GetQueue returns the chat's queue.
func (h *Handlers) GetQueue(c *gin.Context) {
	key, valid := chatKey(c)
	if !valid {
		return
	}
	orders := h.eng.QueueView(key)
	if orders == nil {
		orders = []domain.PendingOrder{}
	}
	ok(c, http.StatusOK, QueueResponse{ChatKey: key, Orders: orders})
}
