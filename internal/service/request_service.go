package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"procurebot/internal/events"
	"procurebot/internal/metrics"
	"procurebot/internal/model"
	"procurebot/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Inputs ---

type CreateRequestInput struct {
	ItemRef string
	Qty     decimal.Decimal
	Amount  decimal.Decimal
	Unit    string
	Note    string
}

type ApproveInput struct {
	Qty      decimal.Decimal
	Amount   decimal.Decimal
	DriverID uuid.UUID
}

// StageInput carries the values of the collect, deliver and receive stages
type StageInput struct {
	Qty      decimal.Decimal
	Note     string
	PhotoRef string
}

type FinalizeInput struct {
	Amount    decimal.Decimal
	UnitPrice decimal.NullDecimal // derived from amount and received quantity when not set
}

// --- Interface ---

type RequestService interface {
	Create(ctx context.Context, actor Actor, in CreateRequestInput) (*model.ProcurementRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*model.ProcurementRequest, error)
	// GetFor is Get scoped to the actor's organization; foreign requests are ErrNotFound
	GetFor(ctx context.Context, actor Actor, id uuid.UUID) (*model.ProcurementRequest, error)
	List(ctx context.Context, f repository.RequestFilter) ([]model.ProcurementRequest, int64, error)
	// Tasks lists the requests waiting for the actor's role
	Tasks(ctx context.Context, actor Actor) ([]model.ProcurementRequest, error)
	// Drivers lists the actors a dispatcher may assign
	Drivers(ctx context.Context, actor Actor) ([]model.User, error)
	// CanStart checks, without writing, that actor may move req to status `to` now.
	// It returns ErrNotFound for a request of another organization, ErrForbidden or ErrConflict.
	CanStart(actor Actor, req *model.ProcurementRequest, to string) error
	// CanDelete is the CanStart counterpart of Delete
	CanDelete(actor Actor, req *model.ProcurementRequest) error

	Approve(ctx context.Context, actor Actor, id uuid.UUID, in ApproveInput) (*model.ProcurementRequest, error)
	Reject(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*model.ProcurementRequest, error)
	Collect(ctx context.Context, actor Actor, id uuid.UUID, in StageInput) (*model.ProcurementRequest, error)
	Deliver(ctx context.Context, actor Actor, id uuid.UUID, in StageInput) (*model.ProcurementRequest, error)
	Receive(ctx context.Context, actor Actor, id uuid.UUID, in StageInput) (*model.ProcurementRequest, error)
	Finalize(ctx context.Context, actor Actor, id uuid.UUID, in FinalizeInput) (*model.ProcurementRequest, error)
	Delete(ctx context.Context, actor Actor, id uuid.UUID) error
}

type requestService struct {
	requests  repository.RequestRepository
	stock     repository.StockRepository
	products  repository.ProductRepository
	users     repository.UserRepository
	auditRepo repository.AuditRepository
	txManager repository.TransactionManager
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewRequestService(
	requests repository.RequestRepository,
	stock repository.StockRepository,
	products repository.ProductRepository,
	users repository.UserRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	publisher events.Publisher,
	logger *slog.Logger,
) RequestService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &requestService{
		requests:  requests,
		stock:     stock,
		products:  products,
		users:     users,
		auditRepo: auditRepo,
		txManager: txManager,
		publisher: publisher,
		logger:    logger.With("component", "requests"),
		now:       time.Now,
	}
}

// --- Implementation ---

func (s *requestService) Create(ctx context.Context, actor Actor, in CreateRequestInput) (*model.ProcurementRequest, error) {
	if !MayPerform(actor.Role, model.StatusPending) {
		metrics.Transitions.WithLabelValues(model.StatusPending, "forbidden").Inc()
		return nil, ErrForbidden
	}
	item := strings.TrimSpace(in.ItemRef)
	if item == "" {
		return nil, invalid("item is required")
	}
	if !in.Qty.IsPositive() {
		return nil, invalid("quantity must be positive")
	}
	if in.Amount.IsNegative() {
		return nil, invalid("amount must not be negative")
	}

	req := model.ProcurementRequest{
		ID:              uuid.New(),
		OrgID:           actor.OrgID,
		WorkContextID:   actor.WorkContextID,
		ItemRef:         item,
		Unit:            in.Unit,
		RequestedQty:    in.Qty,
		RequestedAmount: in.Amount,
		RequestedBy:     actor.ID,
		Note:            strings.TrimSpace(in.Note),
		Status:          model.StatusPending,
	}
	if p := s.resolveProduct(ctx, actor.OrgID, item); p != nil {
		req.ProductID = &p.ID
		if req.Unit == "" {
			req.Unit = p.Unit
		}
	}

	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.requests.Create(txCtx, &req); err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		return s.audit(txCtx, actor, model.ActionCreateRequest, &req, map[string]interface{}{
			"item_ref":      req.ItemRef,
			"requested_qty": req.RequestedQty,
			"amount":        req.RequestedAmount,
			"unit":          req.Unit,
		})
	})
	if err != nil {
		metrics.Transitions.WithLabelValues(model.StatusPending, "error").Inc()
		return nil, err
	}
	metrics.Transitions.WithLabelValues(model.StatusPending, "ok").Inc()

	created, err := s.requests.FindByID(ctx, req.ID)
	if err != nil {
		return nil, fromRepo(err)
	}
	s.publish(ctx, "created", actor, created)
	return created, nil
}

// resolveProduct links free-text items to the catalog by SKU, then by name.
func (s *requestService) resolveProduct(ctx context.Context, orgID *uuid.UUID, item string) *model.Product {
	if s.products == nil {
		return nil
	}
	if p, err := s.products.FindBySKU(ctx, orgID, item); err == nil {
		return p
	}
	if p, err := s.products.FindByName(ctx, orgID, item); err == nil {
		return p
	}
	return nil
}

func (s *requestService) Get(ctx context.Context, id uuid.UUID) (*model.ProcurementRequest, error) {
	req, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, fromRepo(err)
	}
	return req, nil
}

func (s *requestService) GetFor(ctx context.Context, actor Actor, id uuid.UUID) (*model.ProcurementRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Sees(req) {
		return nil, ErrNotFound
	}
	return req, nil
}

func (s *requestService) List(ctx context.Context, f repository.RequestFilter) ([]model.ProcurementRequest, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	return s.requests.List(ctx, f)
}

func (s *requestService) Tasks(ctx context.Context, actor Actor) ([]model.ProcurementRequest, error) {
	f := repository.RequestFilter{OrgID: actor.OrgID, Page: 1, Limit: 20}
	switch actor.Role {
	case model.RoleDispatcher:
		f.Statuses = []string{model.StatusPending}
	case model.RoleDriver:
		f.Statuses = []string{model.StatusApproved, model.StatusInTransit}
		f.DriverID = &actor.ID
	case model.RoleReceiver:
		f.Statuses = []string{model.StatusDelivered}
	case model.RoleFinalizer:
		f.Statuses = []string{model.StatusReceived}
	case model.RoleRequester:
		f.RequestedBy = &actor.ID
		f.Statuses = []string{model.StatusPending, model.StatusApproved, model.StatusInTransit, model.StatusDelivered, model.StatusReceived}
	case model.RoleSupervisor:
		f.Statuses = []string{model.StatusPending, model.StatusApproved, model.StatusInTransit, model.StatusDelivered, model.StatusReceived}
	default:
		return nil, nil
	}
	list, _, err := s.requests.List(ctx, f)
	return list, err
}

func (s *requestService) Drivers(ctx context.Context, actor Actor) ([]model.User, error) {
	return s.users.ListByRole(ctx, actor.OrgID, model.RoleDriver)
}

func (s *requestService) CanStart(actor Actor, req *model.ProcurementRequest, to string) error {
	if !actor.Sees(req) {
		return ErrNotFound
	}
	if !MayPerform(actor.Role, to) {
		return ErrForbidden
	}
	if to == model.StatusInTransit || to == model.StatusDelivered {
		if req.DriverID == nil || *req.DriverID != actor.ID {
			return ErrForbidden
		}
	}
	if from, ok := model.PreStatus(to); !ok || req.Status != from {
		return fmt.Errorf("%w (status is %s)", ErrConflict, req.Status)
	}
	return nil
}

func (s *requestService) CanDelete(actor Actor, req *model.ProcurementRequest) error {
	if !actor.Sees(req) {
		return ErrNotFound
	}
	own := actor.Role == model.RoleRequester && req.RequestedBy == actor.ID
	if !own && actor.Role != model.RoleSupervisor {
		return ErrForbidden
	}
	if req.Status != model.StatusPending {
		return fmt.Errorf("%w (status is %s)", ErrConflict, req.Status)
	}
	return nil
}

func (s *requestService) Approve(ctx context.Context, actor Actor, id uuid.UUID, in ApproveInput) (*model.ProcurementRequest, error) {
	if !in.Qty.IsPositive() {
		return nil, invalid("approved quantity must be positive")
	}
	if in.Amount.IsNegative() {
		return nil, invalid("approved amount must not be negative")
	}
	driver, err := s.users.GetByID(ctx, in.DriverID)
	if err != nil || driver.Role != model.RoleDriver {
		return nil, invalid("driver %s is not a known driver", in.DriverID)
	}
	if actor.OrgID != nil && (driver.OrgID == nil || *driver.OrgID != *actor.OrgID) {
		return nil, invalid("driver %s belongs to another organization", in.DriverID)
	}

	upd := model.StageUpdate{Qty: in.Qty, Amount: in.Amount, DriverID: &driver.ID}
	return s.transition(ctx, actor, id, model.StatusApproved, upd, nil)
}

func (s *requestService) Reject(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*model.ProcurementRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason is required")
	}
	return s.transition(ctx, actor, id, model.StatusRejected, model.StageUpdate{Note: reason}, nil)
}

func (s *requestService) Collect(ctx context.Context, actor Actor, id uuid.UUID, in StageInput) (*model.ProcurementRequest, error) {
	return s.stage(ctx, actor, id, model.StatusInTransit, in)
}

func (s *requestService) Deliver(ctx context.Context, actor Actor, id uuid.UUID, in StageInput) (*model.ProcurementRequest, error) {
	return s.stage(ctx, actor, id, model.StatusDelivered, in)
}

func (s *requestService) Receive(ctx context.Context, actor Actor, id uuid.UUID, in StageInput) (*model.ProcurementRequest, error) {
	return s.stage(ctx, actor, id, model.StatusReceived, in)
}

func (s *requestService) stage(ctx context.Context, actor Actor, id uuid.UUID, to string, in StageInput) (*model.ProcurementRequest, error) {
	if !in.Qty.IsPositive() {
		return nil, invalid("quantity must be positive")
	}
	upd := model.StageUpdate{Qty: in.Qty, Note: strings.TrimSpace(in.Note), PhotoRef: in.PhotoRef}
	return s.transition(ctx, actor, id, to, upd, nil)
}

func (s *requestService) Finalize(ctx context.Context, actor Actor, id uuid.UUID, in FinalizeInput) (*model.ProcurementRequest, error) {
	if !in.Amount.IsPositive() {
		return nil, invalid("final amount must be positive")
	}
	if in.UnitPrice.Valid && !in.UnitPrice.Decimal.IsPositive() {
		return nil, invalid("unit price must be positive")
	}

	current, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, fromRepo(err)
	}
	if err := s.CanStart(actor, current, model.StatusFulfilled); err != nil {
		s.count(model.StatusFulfilled, err)
		return nil, err
	}
	upd := model.StageUpdate{Amount: in.Amount}
	if in.UnitPrice.Valid {
		upd.UnitPrice = in.UnitPrice.Decimal
	} else {
		if !current.ReceivedQty.Valid || !current.ReceivedQty.Decimal.IsPositive() {
			return nil, invalid("received quantity is missing, unit price cannot be derived")
		}
		upd.UnitPrice = in.Amount.Div(current.ReceivedQty.Decimal).Round(2)
	}

	return s.transition(ctx, actor, id, model.StatusFulfilled, upd, func(txCtx context.Context, req *model.ProcurementRequest) error {
		return s.addStock(txCtx, actor, req)
	})
}

// addStock writes the warehouse entry of a fulfilled request and bumps the linked product.
func (s *requestService) addStock(ctx context.Context, actor Actor, req *model.ProcurementRequest) error {
	entry := model.StockEntry{
		RequestID:     req.ID,
		OrgID:         req.OrgID,
		WorkContextID: req.WorkContextID,
		ProductID:     req.ProductID,
		ItemRef:       req.ItemRef,
		Unit:          req.Unit,
		Quantity:      req.ReceivedQty.Decimal,
		UnitPrice:     req.FinalUnitPrice.Decimal,
		TotalAmount:   req.FinalAmount.Decimal,
		CreatedBy:     actor.ID,
	}

	if req.ProductID != nil {
		product, err := s.products.FindByIDForUpdate(ctx, *req.ProductID)
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		stock := product.CurrentStock.Add(entry.Quantity)
		if err := s.products.UpdateStock(ctx, product.ID, stock); err != nil {
			return fmt.Errorf("failed to update product stock: %w", err)
		}
		entry.StockAfter = decimal.NullDecimal{Decimal: stock, Valid: true}
	}

	if err := s.stock.Create(ctx, &entry); err != nil {
		return fmt.Errorf("failed to create stock entry: %w", err)
	}
	return s.audit(ctx, actor, model.ActionCreateStock, req, map[string]interface{}{
		"stock_entry_id": entry.ID,
		"quantity":       entry.Quantity,
		"unit_price":     entry.UnitPrice,
		"total_amount":   entry.TotalAmount,
	})
}

// transition is the single write path of the lifecycle: authorize, then compare-and-set
// the status together with the stage columns, the after hook and the audit row.
func (s *requestService) transition(
	ctx context.Context,
	actor Actor,
	id uuid.UUID,
	to string,
	upd model.StageUpdate,
	after func(txCtx context.Context, req *model.ProcurementRequest) error,
) (*model.ProcurementRequest, error) {
	current, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, fromRepo(err)
	}
	if err := s.CanStart(actor, current, to); err != nil {
		s.count(to, err)
		return nil, err
	}
	from, _ := model.PreStatus(to)

	upd.ActorID = actor.ID
	upd.At = s.now()

	var updated *model.ProcurementRequest
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		updated, txErr = s.requests.Transition(txCtx, id, from, to, upd.Columns(to))
		if txErr != nil {
			return txErr
		}
		if after != nil {
			if txErr = after(txCtx, updated); txErr != nil {
				return txErr
			}
		}
		return s.audit(txCtx, actor, model.ActionForStatus(to), updated, upd.Columns(to))
	})
	if err != nil {
		err = fromRepo(err)
		if errors.Is(err, ErrConflict) {
			if latest, findErr := s.requests.FindByID(ctx, id); findErr == nil {
				err = fmt.Errorf("%w (status is %s)", ErrConflict, latest.Status)
			}
		} else if !errors.Is(err, ErrNotFound) {
			s.logger.Error("Transition failed", "request", id, "to", to, "error", err)
		}
		s.count(to, err)
		return nil, err
	}

	s.count(to, nil)
	s.publish(ctx, "transition", actor, updated)
	return updated, nil
}

func (s *requestService) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	current, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return fromRepo(err)
	}
	if err := s.CanDelete(actor, current); err != nil {
		return err
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.requests.Delete(txCtx, id, model.StatusPending); err != nil {
			return err
		}
		return s.audit(txCtx, actor, model.ActionDeleteRequest, current, map[string]interface{}{"item_ref": current.ItemRef})
	})
	if err != nil {
		return fromRepo(err)
	}

	deleted := *current
	deleted.Status = "DELETED"
	s.publish(ctx, "deleted", actor, &deleted)
	return nil
}

func (s *requestService) audit(ctx context.Context, actor Actor, action string, req *model.ProcurementRequest, details map[string]interface{}) error {
	raw, _ := json.Marshal(details)
	uid := actor.ID
	entry := model.AuditLog{
		UserID:     &uid,
		Action:     action,
		EntityID:   req.ID.String(),
		EntityName: req.ItemRef,
		Details:    string(raw),
	}
	if err := s.auditRepo.Log(ctx, &entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (s *requestService) count(to string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		outcome = "conflict"
	case errors.Is(err, ErrForbidden):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	metrics.Transitions.WithLabelValues(to, outcome).Inc()
}

// publish is best-effort: the transition is already committed.
func (s *requestService) publish(ctx context.Context, kind string, actor Actor, req *model.ProcurementRequest) {
	ev := events.Event{
		Type:      kind,
		RequestID: req.ID.String(),
		Status:    req.Status,
		ActorID:   actor.ID.String(),
		At:        s.now(),
		Request:   req,
	}
	if req.OrgID != nil {
		ev.OrgID = req.OrgID.String()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Publish event failed", "request", req.ID, "status", req.Status, "error", err)
	}
}
