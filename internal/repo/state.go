package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// SaveQueue replaces the stored snapshot of chatKey's queue with items in
// one transaction. An empty items slice clears the chat.
func SaveQueue(ctx context.Context, db *gorm.DB, chatKey string, items []domain.PendingOrder) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_key = ?", chatKey).Delete(&domain.OrderRecord{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		recs := make([]domain.OrderRecord, len(items))
		for i, it := range items {
			recs[i] = domain.OrderRecord{
				ID:        uuid.NewString(),
				ChatKey:   chatKey,
				Position:  i,
				OrderID:   it.OrderID,
				Quantity:  it.Quantity,
				Stage:     string(it.Stage),
				Candidate: it.Candidate,
				Confirmed: it.Confirmed,
				Finalized: it.Finalized,
				Prompted:  it.Prompted,
			}
		}
		return tx.Create(&recs).Error
	})
}

// LoadQueues returns every stored queue keyed by chat, in queue order.
func LoadQueues(ctx context.Context, db *gorm.DB) (map[string][]domain.PendingOrder, error) {
	var recs []domain.OrderRecord
	if err := db.WithContext(ctx).Order("chat_key, position").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]domain.PendingOrder)
	for _, r := range recs {
		if !r.ToPending().Stage.Valid() {
			continue
		}
		out[r.ChatKey] = append(out[r.ChatKey], r.ToPending())
	}
	return out, nil
}

// MarkDone records orderID as done. Marking it again is a no-op.
func MarkDone(ctx context.Context, db *gorm.DB, chatKey, orderID string) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.DoneOrder{OrderID: orderID, ChatKey: chatKey}).Error
}

// ListDone returns every done order id, oldest first.
func ListDone(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.DoneOrder{}).Order("created_at").Pluck("order_id", &ids).Error
	return ids, err
}

// Store adapts the state functions to engine.Store.
type Store struct {
	DB *gorm.DB
}

func (s Store) SaveQueue(ctx context.Context, chatKey string, items []domain.PendingOrder) error {
	if err := SaveQueue(ctx, s.DB, chatKey, items); err != nil {
		return fmt.Errorf("save queue %s: %w", chatKey, err)
	}
	return nil
}

func (s Store) LoadQueues(ctx context.Context) (map[string][]domain.PendingOrder, error) {
	return LoadQueues(ctx, s.DB)
}

func (s Store) MarkDone(ctx context.Context, chatKey, orderID string) error {
	return MarkDone(ctx, s.DB, chatKey, orderID)
}

func (s Store) ListDone(ctx context.Context) ([]string, error) {
	return ListDone(ctx, s.DB)
}
