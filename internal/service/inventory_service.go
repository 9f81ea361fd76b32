package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"procurebot/internal/model"
	"procurebot/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DTOs
type CreateProductRequest struct {
	SKU          string          `json:"sku" binding:"required"`
	Name         string          `json:"name" binding:"required"`
	Unit         string          `json:"unit"`
	OpeningStock decimal.Decimal `json:"opening_stock"`
	OrgID        string          `json:"org_id"`
}

type ProductResponse struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	CurrentStock decimal.Decimal `json:"current_stock"`
}

// InventoryService owns the product catalog requests are linked to, and exposes the
// stock entries fulfilled requests produce.
type InventoryService interface {
	GetProducts(ctx context.Context, page, limit int, search string) ([]ProductResponse, int64, error)
	CreateProduct(ctx context.Context, userID string, req CreateProductRequest) (ProductResponse, error)
	GetStockEntries(ctx context.Context, page, limit int) ([]model.StockEntry, int64, error)
	GetStockEntryForRequest(ctx context.Context, requestID uuid.UUID) (*model.StockEntry, error)
}

type inventoryService struct {
	productRepo repository.ProductRepository
	stockRepo   repository.StockRepository
	auditRepo   repository.AuditRepository
	txManager   repository.TransactionManager
}

func NewInventoryService(
	productRepo repository.ProductRepository,
	stockRepo repository.StockRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
) InventoryService {
	return &inventoryService{
		productRepo: productRepo,
		stockRepo:   stockRepo,
		auditRepo:   auditRepo,
		txManager:   txManager,
	}
}

func toProductResponse(p *model.Product) ProductResponse {
	return ProductResponse{
		ID:           p.ID.String(),
		SKU:          p.SKU,
		Name:         p.Name,
		Unit:         p.Unit,
		CurrentStock: p.CurrentStock,
	}
}

func (s *inventoryService) GetProducts(ctx context.Context, page, limit int, search string) ([]ProductResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	products, total, err := s.productRepo.List(ctx, page, limit, strings.TrimSpace(search))
	if err != nil {
		return nil, 0, err
	}

	res := make([]ProductResponse, 0, len(products))
	for i := range products {
		res = append(res, toProductResponse(&products[i]))
	}
	return res, total, nil
}

func (s *inventoryService) CreateProduct(ctx context.Context, userID string, req CreateProductRequest) (ProductResponse, error) {
	if req.OpeningStock.IsNegative() {
		return ProductResponse{}, invalid("opening stock must not be negative")
	}
	product := model.Product{
		SKU:          strings.TrimSpace(req.SKU),
		Name:         strings.TrimSpace(req.Name),
		Unit:         strings.ToUpper(strings.TrimSpace(req.Unit)),
		CurrentStock: req.OpeningStock,
	}
	if req.OrgID != "" {
		org, err := uuid.Parse(req.OrgID)
		if err != nil {
			return ProductResponse{}, invalid("invalid org_id")
		}
		product.OrgID = &org
	}

	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.productRepo.Create(txCtx, &product); err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}

		var uid *uuid.UUID
		if parsed, err := uuid.Parse(userID); err == nil {
			uid = &parsed
		}

		details, _ := json.Marshal(req)
		audit := &model.AuditLog{
			UserID:     uid,
			Action:     model.ActionCreateProduct,
			EntityID:   product.ID.String(),
			EntityName: product.Name,
			Details:    string(details),
		}
		if err := s.auditRepo.Log(txCtx, audit); err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
		return nil
	})
	if err != nil {
		return ProductResponse{}, fromRepo(err)
	}

	return toProductResponse(&product), nil
}

func (s *inventoryService) GetStockEntries(ctx context.Context, page, limit int) ([]model.StockEntry, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	return s.stockRepo.List(ctx, page, limit)
}

func (s *inventoryService) GetStockEntryForRequest(ctx context.Context, requestID uuid.UUID) (*model.StockEntry, error) {
	entry, err := s.stockRepo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fromRepo(err)
	}
	return entry, nil
}
