package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-stars-fulfillment/internal/domain"
)

// GetSettings returns the settings row of chatKey or ErrNotFound.
func GetSettings(ctx context.Context, db *gorm.DB, chatKey string) (*domain.ChatSettings, error) {
	var st domain.ChatSettings
	err := db.WithContext(ctx).First(&st, "chat_key = ?", chatKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveSettings inserts or replaces the settings row of st.ChatKey.
func SaveSettings(ctx context.Context, db *gorm.DB, st *domain.ChatSettings) error {
	st.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_key"}},
			UpdateAll: true,
		}).
		Create(st).Error
}

// DeleteSettings removes the row of chatKey. Deleting a missing row is not
// an error.
func DeleteSettings(ctx context.Context, db *gorm.DB, chatKey string) error {
	return db.WithContext(ctx).Where("chat_key = ?", chatKey).Delete(&domain.ChatSettings{}).Error
}

// firstWithToken returns the most recently updated row that holds a purchase
// token, or ErrNotFound.
func firstWithToken(ctx context.Context, db *gorm.DB) (*domain.ChatSettings, error) {
	var st domain.ChatSettings
	err := db.WithContext(ctx).
		Where("token IS NOT NULL AND TRIM(token) <> ''").
		Order("updated_at DESC").
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SettingsProvider resolves the settings that apply to a chat: its own row,
// then the shared orders row, then any row holding a token, then defaults.
type SettingsProvider struct {
	DB *gorm.DB
	// MinQuantity overrides the built-in minimum of the defaults fallback.
	MinQuantity int
}

// Get returns the stored row of chatKey or ErrNotFound.
func (p SettingsProvider) Get(ctx context.Context, chatKey string) (*domain.ChatSettings, error) {
	return GetSettings(ctx, p.DB, chatKey)
}

// Save upserts st.
func (p SettingsProvider) Save(ctx context.Context, st *domain.ChatSettings) error {
	return SaveSettings(ctx, p.DB, st)
}

// Delete drops the chat's own row; the chat then inherits the fallbacks.
func (p SettingsProvider) Delete(ctx context.Context, chatKey string) error {
	return DeleteSettings(ctx, p.DB, chatKey)
}

// Settings implements engine.SettingsProvider.
func (p SettingsProvider) Settings(ctx context.Context, chatKey string) (domain.ChatSettings, error) {
	for _, key := range []string{chatKey, domain.OrdersChatKey} {
		st, err := GetSettings(ctx, p.DB, key)
		if err == nil {
			return withTemplates(*st), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.ChatSettings{}, err
		}
	}
	st, err := firstWithToken(ctx, p.DB)
	if err == nil {
		return withTemplates(*st), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.ChatSettings{}, err
	}
	def := domain.DefaultSettings(chatKey)
	if p.MinQuantity > 0 {
		def.MinQuantity = p.MinQuantity
	}
	return def, nil
}

func withTemplates(st domain.ChatSettings) domain.ChatSettings {
	if st.Templates == nil {
		st.Templates = domain.DefaultTemplates()
	}
	return st
}
