package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, source, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("source = ? AND key = ? AND expires_at > ?", source, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, source, key, chatKey string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		Source:    source,
		Key:       key,
		ChatKey:   chatKey,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes records that expired at or before now and
// returns how many were removed. An expired (source, key) can be reused.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// CompleteIdempotency records the outcome of a claimed event.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, source, key, chatKey string, status int) error {
	return db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("source = ? AND key = ?", source, key).
		Updates(map[string]any{"chat_key": chatKey, "status": status}).Error
}

// DeleteIdempotency forgets (source, key) so the event can be delivered again.
func DeleteIdempotency(ctx context.Context, db *gorm.DB, source, key string) error {
	return db.WithContext(ctx).
		Where("source = ? AND key = ?", source, key).
		Delete(&domain.Idempotency{}).Error
}

// EventLedger adapts the idempotency table to the event middleware. A claim
// is a row with status 0 that is completed or released once the handler ran.
type EventLedger struct {
	DB  *gorm.DB
	TTL time.Duration
}

// Claim reports whether (source, key) was not seen before and reserves it.
func (l EventLedger) Claim(ctx context.Context, source, key string, now time.Time) (bool, error) {
	if _, err := GetIdempotency(ctx, l.DB, source, key, now); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	// an expired row still holds the unique key
	if err := l.DB.WithContext(ctx).
		Where("source = ? AND key = ? AND expires_at <= ?", source, key, now).
		Delete(&domain.Idempotency{}).Error; err != nil {
		return false, err
	}
	_, err := CreateIdempotency(ctx, l.DB, source, key, "", 0, l.TTL)
	if errors.Is(err, ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Complete implements the middleware ledger.
func (l EventLedger) Complete(ctx context.Context, source, key, chatKey string, status int) error {
	return CompleteIdempotency(ctx, l.DB, source, key, chatKey, status)
}

// Release implements the middleware ledger.
func (l EventLedger) Release(ctx context.Context, source, key string) error {
	return DeleteIdempotency(ctx, l.DB, source, key)
}
