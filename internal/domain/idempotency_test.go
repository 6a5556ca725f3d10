package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_Migration_UniqueSourceKey(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasTable(&Idempotency{}) {
		t.Fatalf("expected table %q to exist", Idempotency{}.TableName())
	}
	if !m.HasIndex(&Idempotency{}, "ux_source_key") {
		t.Fatalf("expected composite index ux_source_key to exist")
	}

	now := time.Now().UTC()
	rec := &Idempotency{ID: "id-1", Source: "orders", Key: "evt-1", ChatKey: "c1", Status: 202, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert valid: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "id-1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Source != "orders" || got.Key != "evt-1" || got.ChatKey != "c1" || got.Status != 202 {
		t.Fatalf("unexpected row: %+v", got)
	}

	dup := &Idempotency{ID: "id-2", Source: "orders", Key: "evt-1", ChatKey: "c2", Status: 202, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE constraint violation on (source, key)")
	}

	// same key from another source is a different event
	other := &Idempotency{ID: "id-3", Source: "messages", Key: "evt-1", ChatKey: "c1", Status: 202, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("insert other source: %v", err)
	}
}
