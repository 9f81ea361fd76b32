package repository

import (
	"context"
	"time"

	"procurebot/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestFilter narrows request listings. Zero values mean "any".
type RequestFilter struct {
	OrgID       *uuid.UUID
	Statuses    []string
	RequestedBy *uuid.UUID
	DriverID    *uuid.UUID
	Page        int
	Limit       int
}

type RequestRepository interface {
	Create(ctx context.Context, req *model.ProcurementRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ProcurementRequest, error)
	// Transition moves the request from `from` to `to` and writes cols in the same
	// statement. It only succeeds if the stored status still equals `from`.
	Transition(ctx context.Context, id uuid.UUID, from, to string, cols map[string]interface{}) (*model.ProcurementRequest, error)
	// Delete removes the request if its status still equals `status`.
	Delete(ctx context.Context, id uuid.UUID, status string) error
	List(ctx context.Context, f RequestFilter) ([]model.ProcurementRequest, int64, error)
}

type requestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db}
}

func (r *requestRepository) Create(ctx context.Context, req *model.ProcurementRequest) error {
	return translate(GetDB(ctx, r.db).Create(req).Error, "create request")
}

func (r *requestRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ProcurementRequest, error) {
	var req model.ProcurementRequest
	if err := GetDB(ctx, r.db).Preload("Product").Preload("Requester").Preload("Driver").
		First(&req, "id = ?", id).Error; err != nil {
		return nil, translate(err, "find request")
	}
	return &req, nil
}

func (r *requestRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, cols map[string]interface{}) (*model.ProcurementRequest, error) {
	updates := make(map[string]interface{}, len(cols)+2)
	for k, v := range cols {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()

	db := GetDB(ctx, r.db)
	res := db.Model(&model.ProcurementRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, translate(res.Error, "transition request")
	}
	if res.RowsAffected == 0 {
		return nil, r.missOrConflict(ctx, id)
	}
	return r.FindByID(ctx, id)
}

func (r *requestRepository) Delete(ctx context.Context, id uuid.UUID, status string) error {
	res := GetDB(ctx, r.db).Where("id = ? AND status = ?", id, status).Delete(&model.ProcurementRequest{})
	if res.Error != nil {
		return translate(res.Error, "delete request")
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict tells a missing row from one whose status moved on.
func (r *requestRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var n int64
	if err := GetDB(ctx, r.db).Model(&model.ProcurementRequest{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return translate(err, "check request")
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *requestRepository) List(ctx context.Context, f RequestFilter) ([]model.ProcurementRequest, int64, error) {
	var requests []model.ProcurementRequest
	var total int64

	db := GetDB(ctx, r.db)
	scope := func(q *gorm.DB) *gorm.DB {
		if f.OrgID != nil {
			q = q.Where("org_id = ?", *f.OrgID)
		}
		if len(f.Statuses) > 0 {
			q = q.Where("status IN ?", f.Statuses)
		}
		if f.RequestedBy != nil {
			q = q.Where("requested_by = ?", *f.RequestedBy)
		}
		if f.DriverID != nil {
			q = q.Where("driver_id = ?", *f.DriverID)
		}
		return q
	}

	if err := db.Model(&model.ProcurementRequest{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count requests")
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	offset := (page - 1) * limit
	if err := db.Scopes(scope).Preload("Requester").Preload("Driver").
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&requests).Error; err != nil {
		return nil, 0, translate(err, "list requests")
	}

	return requests, total, nil
}
