package repository

import (
	"context"

	"procurebot/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type StockRepository interface {
	Create(ctx context.Context, entry *model.StockEntry) error
	FindByRequestID(ctx context.Context, requestID uuid.UUID) (*model.StockEntry, error)
	List(ctx context.Context, page, limit int) ([]model.StockEntry, int64, error)
}

type stockRepository struct {
	db *gorm.DB
}

func NewStockRepository(db *gorm.DB) StockRepository {
	return &stockRepository{db: db}
}

// Create fails with ErrConflict if the request already has an entry.
func (r *stockRepository) Create(ctx context.Context, entry *model.StockEntry) error {
	return translate(GetDB(ctx, r.db).Create(entry).Error, "create stock entry")
}

func (r *stockRepository) FindByRequestID(ctx context.Context, requestID uuid.UUID) (*model.StockEntry, error) {
	var entry model.StockEntry
	if err := GetDB(ctx, r.db).First(&entry, "request_id = ?", requestID).Error; err != nil {
		return nil, translate(err, "find stock entry")
	}
	return &entry, nil
}

func (r *stockRepository) List(ctx context.Context, page, limit int) ([]model.StockEntry, int64, error) {
	var entries []model.StockEntry
	var total int64

	db := GetDB(ctx, r.db)
	if err := db.Model(&model.StockEntry{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count stock entries")
	}

	offset := (page - 1) * limit
	if err := db.Order("created_at desc").Offset(offset).Limit(limit).Find(&entries).Error; err != nil {
		return nil, 0, translate(err, "list stock entries")
	}
	return entries, total, nil
}
