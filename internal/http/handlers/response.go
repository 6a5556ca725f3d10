// Package handlers binds the fulfillment API (host webhooks, chat commands,
// settings and history) to the engine and the settings store.
//
// Every non-2xx answer goes through fail and carries an ErrorResponse:
//
//	HTTP/1.1 400 Bad Request
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "chat_key": "chat-7",
//	  "code": "bad_request",
//	  "message": "order_id: must look like #ABC123"
//	}
//
// Engine outcomes are not errors here: the buyer has been answered in chat,
// so they are written with ok as a Result (see result.go).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-stars-fulfillment/internal/http/middleware"
)

// ErrorResponse is the error envelope of the API. Code is one of the
// ErrCode* constants; ChatKey is set once the handler resolved the chat.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	ChatKey   string `json:"chat_key,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with an ErrorResponse. Server-side failures are logged with the
// request-scoped logger; client errors are left to the access log.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		ChatKey:   middleware.ChatKeyFrom(c),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("chat_key", resp.ChatKey).
			Str("event_id", c.GetHeader(middleware.HeaderEventID)).
			Msg(msg)
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail lets the router answer unmatched routes and methods in the same shape.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }
