package repository

import (
	"context"
	"strings"

	"procurebot/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProductRepository interface {
	Create(ctx context.Context, product *model.Product) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Product, error)
	FindBySKU(ctx context.Context, orgID *uuid.UUID, sku string) (*model.Product, error)
	// FindByName matches the product name case-insensitively within an organization.
	FindByName(ctx context.Context, orgID *uuid.UUID, name string) (*model.Product, error)
	List(ctx context.Context, page, limit int, search string) ([]model.Product, int64, error)
	UpdateStock(ctx context.Context, id uuid.UUID, stock decimal.Decimal) error
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Product, error)
}

type productRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) Create(ctx context.Context, product *model.Product) error {
	return translate(GetDB(ctx, r.db).Create(product).Error, "create product")
}

func (r *productRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var product model.Product
	if err := GetDB(ctx, r.db).First(&product, "id = ?", id).Error; err != nil {
		return nil, translate(err, "find product")
	}
	return &product, nil
}

func (r *productRepository) FindBySKU(ctx context.Context, orgID *uuid.UUID, sku string) (*model.Product, error) {
	var product model.Product
	db := GetDB(ctx, r.db).Where("sku = ?", sku)
	if orgID != nil {
		db = db.Where("org_id = ?", *orgID)
	}
	if err := db.First(&product).Error; err != nil {
		return nil, translate(err, "find product by sku")
	}
	return &product, nil
}

func (r *productRepository) FindByName(ctx context.Context, orgID *uuid.UUID, name string) (*model.Product, error) {
	var product model.Product
	db := GetDB(ctx, r.db).Where("LOWER(name) = ?", strings.ToLower(strings.TrimSpace(name)))
	if orgID != nil {
		db = db.Where("org_id = ?", *orgID)
	}
	if err := db.First(&product).Error; err != nil {
		return nil, translate(err, "find product by name")
	}
	return &product, nil
}

func (r *productRepository) List(ctx context.Context, page, limit int, search string) ([]model.Product, int64, error) {
	var products []model.Product
	var total int64

	db := GetDB(ctx, r.db).Model(&model.Product{})
	if search != "" {
		db = db.Where("name ILIKE ?", "%"+search+"%")
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count products")
	}

	offset := (page - 1) * limit
	if err := db.Order("created_at desc").Offset(offset).Limit(limit).Find(&products).Error; err != nil {
		return nil, 0, translate(err, "list products")
	}

	return products, total, nil
}

func (r *productRepository) UpdateStock(ctx context.Context, id uuid.UUID, stock decimal.Decimal) error {
	return translate(GetDB(ctx, r.db).Model(&model.Product{}).Where("id = ?", id).Update("current_stock", stock).Error, "update stock")
}

func (r *productRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var product model.Product
	if err := GetDB(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&product).Error; err != nil {
		return nil, translate(err, "lock product")
	}
	return &product, nil
}
