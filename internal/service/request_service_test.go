package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"procurebot/internal/events"
	"procurebot/internal/model"
	"procurebot/internal/repository"
	"procurebot/internal/repository/memstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Status)
	}
	return out
}

type failingStock struct {
	repository.StockRepository
	err error
}

func (f failingStock) Create(context.Context, *model.StockEntry) error { return f.err }

type fixture struct {
	store     *memstore.Store
	svc       RequestService
	publisher *recordingPublisher
	org       uuid.UUID
	product   *model.Product

	requester, requester2, dispatcher, driver, driver2, receiver, finalizer, supervisor Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), publisher: &recordingPublisher{}, org: uuid.New()}
	ctx := context.Background()

	add := func(name, role string) Actor {
		u := &model.User{Username: name, Role: role, OrgID: &f.org}
		require.NoError(t, f.store.Users().Create(ctx, u))
		return ActorFromUser(u)
	}
	f.requester = add("site-foreman", model.RoleRequester)
	f.requester2 = add("other-foreman", model.RoleRequester)
	f.dispatcher = add("dispatcher", model.RoleDispatcher)
	f.driver = add("driver-a", model.RoleDriver)
	f.driver2 = add("driver-b", model.RoleDriver)
	f.receiver = add("warehouse", model.RoleReceiver)
	f.finalizer = add("accountant", model.RoleFinalizer)
	f.supervisor = add("boss", model.RoleSupervisor)

	f.product = &model.Product{OrgID: &f.org, SKU: "CEM-400", Name: "Cement M400", Unit: "BAG", CurrentStock: decimal.NewFromInt(100)}
	require.NoError(t, f.store.Products().Create(ctx, f.product))

	f.svc = f.build(f.store.Stock())
	return f
}

func (f *fixture) build(stock repository.StockRepository) RequestService {
	return NewRequestService(f.store.Requests(), stock, f.store.Products(), f.store.Users(), f.store.Audit(), f.store, f.publisher, slog.Default())
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func (f *fixture) create(t *testing.T, qty string) *model.ProcurementRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), f.requester, CreateRequestInput{ItemRef: "Cement M400", Qty: dec(qty), Amount: dec("2000000"), Unit: "BAG"})
	require.NoError(t, err)
	return req
}

func (f *fixture) approve(t *testing.T, id uuid.UUID, qty string) {
	t.Helper()
	_, err := f.svc.Approve(context.Background(), f.dispatcher, id, ApproveInput{Qty: dec(qty), Amount: dec("1900000"), DriverID: f.driver.ID})
	require.NoError(t, err)
}

func TestRequestService_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.create(t, "500")
	assert.Equal(t, model.StatusPending, req.Status)
	require.NotNil(t, req.ProductID, "linked to the catalog by name")

	f.approve(t, req.ID, "480")
	_, err := f.svc.Collect(ctx, f.driver, req.ID, StageInput{Qty: dec("470"), Note: "2 bags torn"})
	require.NoError(t, err)
	_, err = f.svc.Deliver(ctx, f.driver, req.ID, StageInput{Qty: dec("470")})
	require.NoError(t, err)
	_, err = f.svc.Receive(ctx, f.receiver, req.ID, StageInput{Qty: dec("465"), Note: "5 bags damp"})
	require.NoError(t, err)
	done, err := f.svc.Finalize(ctx, f.finalizer, req.ID, FinalizeInput{Amount: dec("2000000")})
	require.NoError(t, err)

	assert.Equal(t, model.StatusFulfilled, done.Status)
	assert.True(t, done.RequestedQty.Equal(dec("500")))
	assert.True(t, done.ApprovedQty.Decimal.Equal(dec("480")))
	assert.True(t, done.CollectedQty.Decimal.Equal(dec("470")))
	assert.True(t, done.DeliveredQty.Decimal.Equal(dec("470")))
	assert.True(t, done.ReceivedQty.Decimal.Equal(dec("465")))
	assert.True(t, done.FinalAmount.Decimal.Equal(dec("2000000")))
	assert.Equal(t, "4301.08", done.FinalUnitPrice.Decimal.StringFixed(2))

	entries, total, err := f.store.Stock().List(ctx, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, req.ID, entries[0].RequestID)
	assert.True(t, entries[0].Quantity.Equal(dec("465")))
	assert.True(t, entries[0].StockAfter.Decimal.Equal(dec("565")))

	product, err := f.store.Products().FindByID(ctx, f.product.ID)
	require.NoError(t, err)
	assert.True(t, product.CurrentStock.Equal(dec("565")))

	_, total, err = f.store.Audit().List(ctx, req.ID.String(), 1, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 7, total, "create, five stage moves and the stock entry")

	assert.Equal(t, []string{
		model.StatusPending, model.StatusApproved, model.StatusInTransit,
		model.StatusDelivered, model.StatusReceived, model.StatusFulfilled,
	}, f.publisher.statuses())
}

func TestRequestService_StageQuantitiesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.create(t, "100")
	f.approve(t, req.ID, "80")
	_, err := f.svc.Collect(ctx, f.driver, req.ID, StageInput{Qty: dec("80")})
	require.NoError(t, err)
	_, err = f.svc.Deliver(ctx, f.driver, req.ID, StageInput{Qty: dec("75")})
	require.NoError(t, err)
	got, err := f.svc.Receive(ctx, f.receiver, req.ID, StageInput{Qty: dec("70")})
	require.NoError(t, err)

	assert.Equal(t, "100", got.RequestedQty.String())
	assert.Equal(t, "80", got.ApprovedQty.Decimal.String())
	assert.Equal(t, "80", got.CollectedQty.Decimal.String())
	assert.Equal(t, "75", got.DeliveredQty.Decimal.String())
	assert.Equal(t, "70", got.ReceivedQty.Decimal.String())
}

func TestRequestService_RoleGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, "10")

	_, err := f.svc.Approve(ctx, f.driver, req.ID, ApproveInput{Qty: dec("10"), DriverID: f.driver.ID})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Create(ctx, f.driver, CreateRequestInput{ItemRef: "x", Qty: dec("1")})
	assert.ErrorIs(t, err, ErrForbidden)

	f.approve(t, req.ID, "10")
	_, err = f.svc.Collect(ctx, f.driver2, req.ID, StageInput{Qty: dec("10")})
	assert.ErrorIs(t, err, ErrForbidden, "only the assigned driver may collect")
	_, err = f.svc.Finalize(ctx, f.requester, req.ID, FinalizeInput{Amount: dec("1")})
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.False(t, got.CollectedQty.Valid)
}

func TestRequestService_ConcurrentApprovals(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, "10")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Approve(context.Background(), f.dispatcher, req.ID, ApproveInput{
				Qty:      decimal.NewFromInt(int64(i + 1)),
				DriverID: f.driver.ID,
			})
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "only one approval may succeed")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	require.NotEqual(t, -1, winner)

	got, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.True(t, got.ApprovedQty.Decimal.Equal(decimal.NewFromInt(int64(winner+1))))
}

func TestRequestService_ConflictReportsCurrentStatus(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, "10")
	_, err := f.svc.Reject(context.Background(), f.supervisor, req.ID, "duplicate")
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), f.dispatcher, req.ID, ApproveInput{Qty: dec("10"), DriverID: f.driver.ID})

	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorContains(t, err, model.StatusRejected)
}

func TestRequestService_FinalizeRollsBackWhenStockFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, "500")
	f.approve(t, req.ID, "480")
	_, err := f.svc.Collect(ctx, f.driver, req.ID, StageInput{Qty: dec("470")})
	require.NoError(t, err)
	_, err = f.svc.Deliver(ctx, f.driver, req.ID, StageInput{Qty: dec("470")})
	require.NoError(t, err)
	_, err = f.svc.Receive(ctx, f.receiver, req.ID, StageInput{Qty: dec("465")})
	require.NoError(t, err)

	broken := f.build(failingStock{StockRepository: f.store.Stock(), err: errors.New("disk full")})
	_, err = broken.Finalize(ctx, f.finalizer, req.ID, FinalizeInput{Amount: dec("2000000")})
	require.Error(t, err)

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, got.Status)
	assert.False(t, got.FinalAmount.Valid)
	product, _ := f.store.Products().FindByID(ctx, f.product.ID)
	assert.True(t, product.CurrentStock.Equal(dec("100")))

	done, err := f.svc.Finalize(ctx, f.finalizer, req.ID, FinalizeInput{Amount: dec("2000000"), UnitPrice: decimal.NewNullDecimal(dec("4300"))})
	require.NoError(t, err)
	assert.Equal(t, "4300", done.FinalUnitPrice.Decimal.String())
}

func TestRequestService_ApproveNeedsDirectoryDriver(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, "10")

	_, err := f.svc.Approve(context.Background(), f.dispatcher, req.ID, ApproveInput{Qty: dec("10"), DriverID: f.receiver.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Approve(context.Background(), f.dispatcher, req.ID, ApproveInput{Qty: dec("10"), DriverID: uuid.New()})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRequestService_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.requester, CreateRequestInput{ItemRef: " ", Qty: dec("1")})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Create(ctx, f.requester, CreateRequestInput{ItemRef: "Sand", Qty: dec("0")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	req := f.create(t, "10")
	_, err = f.svc.Reject(ctx, f.dispatcher, req.ID, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestService_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.create(t, "10")
	assert.ErrorIs(t, f.svc.Delete(ctx, f.requester2, req.ID), ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, f.requester, req.ID))
	_, err := f.svc.Get(ctx, req.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	approved := f.create(t, "10")
	f.approve(t, approved.ID, "10")
	assert.ErrorIs(t, f.svc.Delete(ctx, f.supervisor, approved.ID), ErrConflict)
}

func TestRequestService_Tasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.create(t, "1")
	assigned := f.create(t, "2")
	f.approve(t, assigned.ID, "2")

	dispatcherTasks, err := f.svc.Tasks(ctx, f.dispatcher)
	require.NoError(t, err)
	require.Len(t, dispatcherTasks, 1)
	assert.Equal(t, pending.ID, dispatcherTasks[0].ID)

	driverTasks, err := f.svc.Tasks(ctx, f.driver)
	require.NoError(t, err)
	require.Len(t, driverTasks, 1)
	assert.Equal(t, assigned.ID, driverTasks[0].ID)

	other, err := f.svc.Tasks(ctx, f.driver2)
	require.NoError(t, err)
	assert.Empty(t, other)

	drivers, err := f.svc.Drivers(ctx, f.dispatcher)
	require.NoError(t, err)
	assert.Len(t, drivers, 2)
}

func TestRequestService_OtherOrganizationIsInvisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, "10")

	otherOrg := uuid.New()
	outsider := func(name, role string) Actor {
		u := &model.User{Username: name, Role: role, OrgID: &otherOrg}
		require.NoError(t, f.store.Users().Create(ctx, u))
		return ActorFromUser(u)
	}
	dispatcher := outsider("rival-dispatcher", model.RoleDispatcher)
	supervisor := outsider("rival-boss", model.RoleSupervisor)

	_, err := f.svc.Reject(ctx, dispatcher, req.ID, "not ours")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.svc.CanStart(dispatcher, req, model.StatusApproved), ErrNotFound)
	assert.ErrorIs(t, f.svc.CanDelete(supervisor, req), ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, supervisor, req.ID), ErrNotFound)
	_, err = f.svc.GetFor(ctx, dispatcher, req.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.GetFor(ctx, f.dispatcher, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	got, err = f.svc.GetFor(ctx, Actor{Role: model.RoleAdmin}, req.ID)
	require.NoError(t, err, "an actor without an organization sees every request")
	assert.Equal(t, model.StatusPending, got.Status)

	assert.Equal(t, []string{model.StatusPending}, f.publisher.statuses())
}

func TestRequestService_SKULinkStaysInOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	otherOrg := uuid.New()
	u := &model.User{Username: "rival-foreman", Role: model.RoleRequester, OrgID: &otherOrg}
	require.NoError(t, f.store.Users().Create(ctx, u))

	foreign, err := f.svc.Create(ctx, ActorFromUser(u), CreateRequestInput{ItemRef: "CEM-400", Qty: dec("5")})
	require.NoError(t, err)
	assert.Nil(t, foreign.ProductID, "another organization's SKU is not linked")

	own, err := f.svc.Create(ctx, f.requester, CreateRequestInput{ItemRef: "CEM-400", Qty: dec("5")})
	require.NoError(t, err)
	require.NotNil(t, own.ProductID)
	assert.Equal(t, f.product.ID, *own.ProductID)
	assert.Equal(t, "BAG", own.Unit)
}
