// Package memstore is an in-process implementation of the repository interfaces.
// Transactions are serialized and roll back by restoring a snapshot, which is enough
// for tests and single-instance demo runs.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"procurebot/internal/model"
	"procurebot/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type txMarker struct{}

// Store holds every table. Each repository view shares the same lock.
type Store struct {
	mu sync.Mutex

	requests map[uuid.UUID]model.ProcurementRequest
	products map[uuid.UUID]model.Product
	stock    map[uuid.UUID]model.StockEntry
	users    map[uuid.UUID]model.User
	sessions map[string]model.Session
	audit    []model.AuditLog
}

// New returns an empty store
func New() *Store {
	return &Store{
		requests: map[uuid.UUID]model.ProcurementRequest{},
		products: map[uuid.UUID]model.Product{},
		stock:    map[uuid.UUID]model.StockEntry{},
		users:    map[uuid.UUID]model.User{},
		sessions: map[string]model.Session{},
	}
}

// enter takes the store lock unless ctx already runs inside RunInTx, which holds it.
func (s *Store) enter(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	requests map[uuid.UUID]model.ProcurementRequest
	products map[uuid.UUID]model.Product
	stock    map[uuid.UUID]model.StockEntry
	users    map[uuid.UUID]model.User
	sessions map[string]model.Session
	audit    []model.AuditLog
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		requests: copyMap(s.requests),
		products: copyMap(s.products),
		stock:    copyMap(s.stock),
		users:    copyMap(s.users),
		sessions: copyMap(s.sessions),
		audit:    append([]model.AuditLog(nil), s.audit...),
	}
}

func (s *Store) restore(snap snapshot) {
	s.requests = snap.requests
	s.products = snap.products
	s.stock = snap.stock
	s.users = snap.users
	s.sessions = snap.sessions
	s.audit = snap.audit
}

// RunInTx implements repository.TransactionManager
func (s *Store) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Requests returns the request repository view
func (s *Store) Requests() repository.RequestRepository { return requestRepo{s} }

// Products returns the product repository view
func (s *Store) Products() repository.ProductRepository { return productRepo{s} }

// Stock returns the stock entry repository view
func (s *Store) Stock() repository.StockRepository { return stockRepo{s} }

// Users returns the actor directory view
func (s *Store) Users() repository.UserRepository { return userRepo{s} }

// Sessions returns the session repository view
func (s *Store) Sessions() repository.SessionRepository { return sessionRepo{s} }

// Audit returns the audit log view
func (s *Store) Audit() repository.AuditRepository { return auditRepo{s} }

func page(total, p, limit int) (int, int) {
	if p < 1 {
		p = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (p - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}

// requests

type requestRepo struct{ s *Store }

func (r requestRepo) Create(ctx context.Context, req *model.ProcurementRequest) error {
	defer r.s.enter(ctx)()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if _, ok := r.s.requests[req.ID]; ok {
		return repository.ErrConflict
	}
	now := time.Now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	if req.Status == "" {
		req.Status = model.StatusPending
	}
	stored := *req
	stored.Product, stored.Requester, stored.Driver = nil, nil, nil
	r.s.requests[req.ID] = stored
	return nil
}

func (r requestRepo) load(id uuid.UUID) (*model.ProcurementRequest, error) {
	req, ok := r.s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if req.ProductID != nil {
		if p, ok := r.s.products[*req.ProductID]; ok {
			req.Product = &p
		}
	}
	if u, ok := r.s.users[req.RequestedBy]; ok {
		req.Requester = &u
	}
	if req.DriverID != nil {
		if u, ok := r.s.users[*req.DriverID]; ok {
			req.Driver = &u
		}
	}
	return &req, nil
}

func (r requestRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.ProcurementRequest, error) {
	defer r.s.enter(ctx)()
	return r.load(id)
}

func (r requestRepo) Transition(ctx context.Context, id uuid.UUID, from, to string, cols map[string]interface{}) (*model.ProcurementRequest, error) {
	defer r.s.enter(ctx)()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if req.Status != from {
		return nil, repository.ErrConflict
	}
	applyColumns(&req, cols)
	req.Status = to
	req.UpdatedAt = time.Now()
	r.s.requests[id] = req
	return r.load(id)
}

func (r requestRepo) Delete(ctx context.Context, id uuid.UUID, status string) error {
	defer r.s.enter(ctx)()
	req, ok := r.s.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	if req.Status != status {
		return repository.ErrConflict
	}
	delete(r.s.requests, id)
	return nil
}

func (r requestRepo) List(ctx context.Context, f repository.RequestFilter) ([]model.ProcurementRequest, int64, error) {
	defer r.s.enter(ctx)()
	var out []model.ProcurementRequest
	for id, req := range r.s.requests {
		if f.OrgID != nil && (req.OrgID == nil || *req.OrgID != *f.OrgID) {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, req.Status) {
			continue
		}
		if f.RequestedBy != nil && req.RequestedBy != *f.RequestedBy {
			continue
		}
		if f.DriverID != nil && (req.DriverID == nil || *req.DriverID != *f.DriverID) {
			continue
		}
		full, _ := r.load(id)
		out = append(out, *full)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	start, end := page(len(out), f.Page, f.Limit)
	return out[start:end], int64(len(out)), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// applyColumns mirrors a column update onto the struct, the way the SQL UPDATE would.
func applyColumns(req *model.ProcurementRequest, cols map[string]interface{}) {
	for k, v := range cols {
		switch k {
		case "approved_qty":
			req.ApprovedQty = v.(decimal.NullDecimal)
		case "approved_amount":
			req.ApprovedAmount = v.(decimal.NullDecimal)
		case "approved_by":
			req.ApprovedBy = v.(*uuid.UUID)
		case "approved_at":
			req.ApprovedAt = v.(*time.Time)
		case "driver_id":
			req.DriverID = v.(*uuid.UUID)
		case "rejection_reason":
			req.RejectionReason = v.(string)
		case "rejected_by":
			req.RejectedBy = v.(*uuid.UUID)
		case "rejected_at":
			req.RejectedAt = v.(*time.Time)
		case "collected_qty":
			req.CollectedQty = v.(decimal.NullDecimal)
		case "collected_note":
			req.CollectedNote = v.(string)
		case "collected_photo_ref":
			req.CollectedPhotoRef = v.(string)
		case "collected_by":
			req.CollectedBy = v.(*uuid.UUID)
		case "collected_at":
			req.CollectedAt = v.(*time.Time)
		case "delivered_qty":
			req.DeliveredQty = v.(decimal.NullDecimal)
		case "delivered_note":
			req.DeliveredNote = v.(string)
		case "delivered_photo_ref":
			req.DeliveredPhotoRef = v.(string)
		case "delivered_at":
			req.DeliveredAt = v.(*time.Time)
		case "received_qty":
			req.ReceivedQty = v.(decimal.NullDecimal)
		case "received_note":
			req.ReceivedNote = v.(string)
		case "received_photo_ref":
			req.ReceivedPhotoRef = v.(string)
		case "received_by":
			req.ReceivedBy = v.(*uuid.UUID)
		case "received_at":
			req.ReceivedAt = v.(*time.Time)
		case "final_amount":
			req.FinalAmount = v.(decimal.NullDecimal)
		case "final_unit_price":
			req.FinalUnitPrice = v.(decimal.NullDecimal)
		case "finalized_by":
			req.FinalizedBy = v.(*uuid.UUID)
		case "finalized_at":
			req.FinalizedAt = v.(*time.Time)
		case "product_id":
			req.ProductID = v.(*uuid.UUID)
		}
	}
}

// products

type productRepo struct{ s *Store }

func (r productRepo) Create(ctx context.Context, p *model.Product) error {
	defer r.s.enter(ctx)()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for _, other := range r.s.products {
		if other.SKU == p.SKU {
			return repository.ErrConflict
		}
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.products[p.ID] = *p
	return nil
}

func (r productRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	defer r.s.enter(ctx)()
	p, ok := r.s.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r productRepo) FindBySKU(ctx context.Context, orgID *uuid.UUID, sku string) (*model.Product, error) {
	defer r.s.enter(ctx)()
	for _, p := range r.s.products {
		if orgID != nil && (p.OrgID == nil || *p.OrgID != *orgID) {
			continue
		}
		if p.SKU == sku {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r productRepo) FindByName(ctx context.Context, orgID *uuid.UUID, name string) (*model.Product, error) {
	defer r.s.enter(ctx)()
	name = strings.TrimSpace(name)
	for _, p := range r.s.products {
		if orgID != nil && (p.OrgID == nil || *p.OrgID != *orgID) {
			continue
		}
		if strings.EqualFold(p.Name, name) {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r productRepo) List(ctx context.Context, p, limit int, search string) ([]model.Product, int64, error) {
	defer r.s.enter(ctx)()
	var out []model.Product
	for _, prod := range r.s.products {
		if search == "" || strings.Contains(strings.ToLower(prod.Name), strings.ToLower(search)) {
			out = append(out, prod)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	start, end := page(len(out), p, limit)
	return out[start:end], int64(len(out)), nil
}

func (r productRepo) UpdateStock(ctx context.Context, id uuid.UUID, stock decimal.Decimal) error {
	defer r.s.enter(ctx)()
	p, ok := r.s.products[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.CurrentStock = stock
	p.UpdatedAt = time.Now()
	r.s.products[id] = p
	return nil
}

func (r productRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	return r.FindByID(ctx, id)
}

// stock entries

type stockRepo struct{ s *Store }

func (r stockRepo) Create(ctx context.Context, e *model.StockEntry) error {
	defer r.s.enter(ctx)()
	for _, other := range r.s.stock {
		if other.RequestID == e.RequestID {
			return repository.ErrConflict
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	r.s.stock[e.ID] = *e
	return nil
}

func (r stockRepo) FindByRequestID(ctx context.Context, requestID uuid.UUID) (*model.StockEntry, error) {
	defer r.s.enter(ctx)()
	for _, e := range r.s.stock {
		if e.RequestID == requestID {
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r stockRepo) List(ctx context.Context, p, limit int) ([]model.StockEntry, int64, error) {
	defer r.s.enter(ctx)()
	out := make([]model.StockEntry, 0, len(r.s.stock))
	for _, e := range r.s.stock {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	start, end := page(len(out), p, limit)
	return out[start:end], int64(len(out)), nil
}

// users

type userRepo struct{ s *Store }

func (r userRepo) Create(ctx context.Context, u *model.User) error {
	defer r.s.enter(ctx)()
	for _, other := range r.s.users {
		if other.Username == u.Username {
			return repository.ErrConflict
		}
		if u.ChatKey != nil && other.ChatKey != nil && *other.ChatKey == *u.ChatKey {
			return repository.ErrConflict
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	r.s.users[u.ID] = *u
	return nil
}

func (r userRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	defer r.s.enter(ctx)()
	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r userRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	defer r.s.enter(ctx)()
	for _, u := range r.s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r userRepo) GetByChatKey(ctx context.Context, chatKey string) (*model.User, error) {
	defer r.s.enter(ctx)()
	for _, u := range r.s.users {
		if u.ChatKey != nil && *u.ChatKey == chatKey {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r userRepo) ListByRole(ctx context.Context, orgID *uuid.UUID, role string) ([]model.User, error) {
	defer r.s.enter(ctx)()
	var out []model.User
	for _, u := range r.s.users {
		if u.Role != role {
			continue
		}
		if orgID != nil && (u.OrgID == nil || *u.OrgID != *orgID) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (r userRepo) List(ctx context.Context, p, limit int) ([]model.User, int64, error) {
	defer r.s.enter(ctx)()
	out := make([]model.User, 0, len(r.s.users))
	for _, u := range r.s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	start, end := page(len(out), p, limit)
	return out[start:end], int64(len(out)), nil
}

// sessions

type sessionRepo struct{ s *Store }

func (r sessionRepo) Get(ctx context.Context, chatKey string) (*model.Session, error) {
	defer r.s.enter(ctx)()
	sess, ok := r.s.sessions[chatKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	sess.ActiveFlow = append([]byte(nil), sess.ActiveFlow...)
	return &sess, nil
}

func (r sessionRepo) Save(ctx context.Context, sess *model.Session) error {
	defer r.s.enter(ctx)()
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	stored := *sess
	stored.ActiveFlow = append([]byte(nil), sess.ActiveFlow...)
	r.s.sessions[sess.ChatKey] = stored
	return nil
}

// audit

type auditRepo struct{ s *Store }

func (r auditRepo) Log(ctx context.Context, e *model.AuditLog) error {
	defer r.s.enter(ctx)()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.s.audit = append(r.s.audit, *e)
	return nil
}

func (r auditRepo) List(ctx context.Context, entityID string, p, limit int) ([]model.AuditLog, int64, error) {
	defer r.s.enter(ctx)()
	var out []model.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		e := r.s.audit[i]
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		if e.UserID != nil {
			if u, ok := r.s.users[*e.UserID]; ok {
				e.User = &u
			}
		}
		out = append(out, e)
	}
	start, end := page(len(out), p, limit)
	return out[start:end], int64(len(out)), nil
}
