// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the fulfillment history queries: a
// paginated listing of a chat's done orders and the aggregate used for
// conditional responses (ETag) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// DoneStats returns aggregate metadata for a chat's done orders: the total
// number of rows and the newest CreatedAt among them.
//
// When the chat has no done orders, the returned count is 0 and newest is nil.
func DoneStats(ctx context.Context, db *gorm.DB, chatKey string) (count int64, newest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.DoneOrder{}).Where("chat_key = ?", chatKey)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// ListDonePage returns a page of a chat's done orders, newest first.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListDonePage(ctx context.Context, db *gorm.DB, chatKey string, offset, limit int) ([]domain.DoneOrder, error) {
	var out []domain.DoneOrder
	err := db.WithContext(ctx).
		Where("chat_key = ?", chatKey).
		Order("created_at DESC").
		Order("order_id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// History adapts the history queries to the HTTP layer.
type History struct {
	DB *gorm.DB
}

func (h History) DoneStats(ctx context.Context, chatKey string) (int64, *time.Time, error) {
	return DoneStats(ctx, h.DB, chatKey)
}

func (h History) ListDonePage(ctx context.Context, chatKey string, offset, limit int) ([]domain.DoneOrder, error) {
	return ListDonePage(ctx, h.DB, chatKey, offset, limit)
}
