package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product represents a catalog item that requests may reference
type Product struct {
	ID           uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrgID        *uuid.UUID      `gorm:"type:uuid;index" json:"org_id"`
	SKU          string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"sku"`
	Name         string          `gorm:"type:varchar(255);not null;index" json:"name"`
	Unit         string          `gorm:"type:varchar(20)" json:"unit"`
	CurrentStock decimal.Decimal `gorm:"type:decimal(18,4);default:0;not null" json:"current_stock"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    gorm.DeletedAt  `gorm:"index" json:"-"`
}

// StockEntry is the warehouse record produced when a request is fulfilled.
// RequestID is unique: one fulfilled request yields exactly one entry.
type StockEntry struct {
	ID            uuid.UUID           `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	RequestID     uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex" json:"request_id"`
	OrgID         *uuid.UUID          `gorm:"type:uuid;index" json:"org_id"`
	WorkContextID *uuid.UUID          `gorm:"type:uuid;index" json:"work_context_id"`
	ProductID     *uuid.UUID          `gorm:"type:uuid;index" json:"product_id"`
	ItemRef       string              `gorm:"type:varchar(255);not null" json:"item_ref"`
	Unit          string              `gorm:"type:varchar(20)" json:"unit"`
	Quantity      decimal.Decimal     `gorm:"type:decimal(18,4);not null" json:"quantity"`
	UnitPrice     decimal.Decimal     `gorm:"type:decimal(18,4);not null" json:"unit_price"`
	TotalAmount   decimal.Decimal     `gorm:"type:decimal(18,2);not null" json:"total_amount"`
	StockAfter    decimal.NullDecimal `gorm:"type:decimal(18,4)" json:"stock_after"` // product stock after this entry, if linked
	CreatedBy     uuid.UUID           `gorm:"type:uuid;not null" json:"created_by"`
	CreatedAt     time.Time           `json:"created_at"`
}
