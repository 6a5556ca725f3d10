// Fulfillment history.
//
//   - GET /chats/{key}/history  (done orders, paginated, ETag support)
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
	"github.com/tbourn/go-stars-fulfillment/internal/utils"
)

// HistoryStore lists a chat's done orders.
type HistoryStore interface {
	DoneStats(ctx context.Context, chatKey string) (count int64, newest *time.Time, err error)
	ListDonePage(ctx context.Context, chatKey string, offset, limit int) ([]domain.DoneOrder, error)
}

// WithHistory enables the history endpoint.
func (h *Handlers) WithHistory(hs HistoryStore) *Handlers {
	h.history = hs
	return h
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// DoneOrderView is one fulfilled, refunded or cancelled order.
type DoneOrderView struct {
	OrderID string    `json:"order_id"`
	DoneAt  time.Time `json:"done_at"`
}

// HistoryResponse wraps a page of done orders and pagination information.
type HistoryResponse struct {
	ChatKey    string          `json:"chat_key"`
	Orders     []DoneOrderView `json:"orders"`
	Pagination Pagination      `json:"pagination"`
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), defaultPage),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		maxPageSize,
	)
}

// GetHistory returns a page of the chat's done orders, newest first. The weak
// ETag changes whenever an order of the chat reaches a terminal outcome.
func (h *Handlers) GetHistory(c *gin.Context) {
	key, valid := chatKey(c)
	if !valid {
		return
	}
	if h.history == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "history not enabled")
		return
	}
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	total, newest, err := h.history.DoneStats(ctx, key)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, err.Error())
		return
	}
	var ts int64
	if newest != nil {
		ts = newest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"history:%s:%d:%d:%d:%d"`, key, total, ts, page, pageSize)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	rows, err := h.history.ListDonePage(ctx, key, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, err.Error())
		return
	}
	orders := make([]DoneOrderView, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, DoneOrderView{OrderID: r.OrderID, DoneAt: r.CreatedAt})
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, HistoryResponse{
		ChatKey: key,
		Orders:  orders,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
