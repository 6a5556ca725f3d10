package domain

import "time"

// OrderRecord is the persisted form of a PendingOrder. A chat's queue is
// stored as its records ordered by Position.
type OrderRecord struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	ChatKey   string    `gorm:"type:varchar(128);not null;index:idx_chat_position,priority:1"`
	Position  int       `gorm:"not null;index:idx_chat_position,priority:2"`
	OrderID   string    `gorm:"type:varchar(64);index"`
	Quantity  int       `gorm:"not null"`
	Stage     string    `gorm:"type:varchar(32);not null"`
	Candidate string    `gorm:"type:varchar(64)"`
	Confirmed bool      `gorm:"not null"`
	Finalized bool      `gorm:"not null"`
	Prompted  bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the database table name for OrderRecord.
func (OrderRecord) TableName() string { return "order_records" }

// ToPending converts the row back into a PendingOrder.
func (r OrderRecord) ToPending() PendingOrder {
	return PendingOrder{
		OrderID:   r.OrderID,
		Quantity:  r.Quantity,
		Stage:     Stage(r.Stage),
		Candidate: r.Candidate,
		Confirmed: r.Confirmed,
		Finalized: r.Finalized,
		Prompted:  r.Prompted,
	}
}

// DoneOrder records an order id that reached a terminal outcome. Events
// referencing it are ignored.
type DoneOrder struct {
	OrderID   string    `gorm:"type:varchar(64);primaryKey"`
	ChatKey   string    `gorm:"type:varchar(128)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the database table name for DoneOrder.
func (DoneOrder) TableName() string { return "done_orders" }
