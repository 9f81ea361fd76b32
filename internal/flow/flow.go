// Package flow binds each pipeline step to a field schema and to the single lifecycle
// operation committed once the actor confirms the collected data.
package flow

import (
	"context"
	"fmt"

	"procurebot/internal/form"
	"procurebot/internal/model"
	"procurebot/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Flow kinds. Each is also the name of its schema in the catalog.
const (
	KindRequest  = "request"
	KindApprove  = "approve"
	KindReject   = "reject"
	KindCollect  = "collect"
	KindDeliver  = "deliver"
	KindReceive  = "receive"
	KindFinalize = "finalize"
)

// Flow is one role-specific dialogue: build the schema, let the engine collect it,
// then commit.
type Flow interface {
	Kind() string
	// Target is the status a committed flow moves the request to
	Target() string
	// Prepare checks the actor may run the flow now and returns the schema to collect.
	// It fails with service.ErrForbidden or service.ErrConflict before anything is asked.
	Prepare(ctx context.Context, actor service.Actor, target uuid.UUID) (form.Schema, error)
	Commit(ctx context.Context, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error)
}

// Registry resolves flows by kind
type Registry struct {
	flows map[string]Flow
}

// NewRegistry builds every flow over the schema catalog
func NewRegistry(catalog *form.Catalog, svc service.RequestService) (*Registry, error) {
	r := &Registry{flows: map[string]Flow{}}
	specs := []struct {
		kind, to string
		commit commitFunc
	}{
		{KindRequest, model.StatusPending, commitRequest},
		{KindApprove, model.StatusApproved, commitApprove},
		{KindReject, model.StatusRejected, commitReject},
		{KindCollect, model.StatusInTransit, commitStage(service.RequestService.Collect)},
		{KindDeliver, model.StatusDelivered, commitStage(service.RequestService.Deliver)},
		{KindReceive, model.StatusReceived, commitStage(service.RequestService.Receive)},
		{KindFinalize, model.StatusFulfilled, commitFinalize},
	}
	for _, sp := range specs {
		schema, err := catalog.Schema(sp.kind)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", sp.kind, err)
		}
		r.flows[sp.kind] = &stepFlow{kind: sp.kind, to: sp.to, schema: schema, svc: svc, commit: sp.commit}
	}
	return r, nil
}

// Get returns the flow of a kind
func (r *Registry) Get(kind string) (Flow, bool) {
	f, ok := r.flows[kind]
	return f, ok
}

// ForStatus returns the flow that moves a request into status `to`
func (r *Registry) ForStatus(to string) (Flow, bool) {
	for _, f := range r.flows {
		if f.Target() == to {
			return f, true
		}
	}
	return nil, false
}

type commitFunc func(ctx context.Context, svc service.RequestService, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error)

type stepFlow struct {
	kind   string
	to     string
	schema form.Schema
	svc    service.RequestService
	commit commitFunc
}

func (f *stepFlow) Kind() string   { return f.kind }
func (f *stepFlow) Target() string { return f.to }

func (f *stepFlow) Prepare(ctx context.Context, actor service.Actor, target uuid.UUID) (form.Schema, error) {
	if f.kind == KindRequest {
		if !service.MayPerform(actor.Role, model.StatusPending) {
			return form.Schema{}, service.ErrForbidden
		}
		return f.schema, nil
	}

	req, err := f.svc.GetFor(ctx, actor, target)
	if err != nil {
		return form.Schema{}, err
	}
	if err := f.svc.CanStart(actor, req, f.to); err != nil {
		return form.Schema{}, err
	}
	if f.kind != KindApprove {
		return f.schema, nil
	}

	drivers, err := f.svc.Drivers(ctx, actor)
	if err != nil {
		return form.Schema{}, fmt.Errorf("failed to list drivers: %w", err)
	}
	if len(drivers) == 0 {
		return form.Schema{}, fmt.Errorf("%w: no drivers are registered", service.ErrInvalidInput)
	}
	ids := make([]string, 0, len(drivers))
	names := make([]string, 0, len(drivers))
	for _, d := range drivers {
		ids = append(ids, d.ID.String())
		names = append(names, d.Name())
	}
	return f.schema.WithChoices("driver", ids, names), nil
}

func (f *stepFlow) Commit(ctx context.Context, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error) {
	return f.commit(ctx, f.svc, actor, target, data)
}

func commitRequest(ctx context.Context, svc service.RequestService, actor service.Actor, _ uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error) {
	return svc.Create(ctx, actor, service.CreateRequestInput{
		ItemRef: form.AsString(data["item"]),
		Qty:     number(data, "qty"),
		Amount:  number(data, "amount"),
		Unit:    form.AsString(data["unit"]),
		Note:    form.AsString(data["note"]),
	})
}

func commitApprove(ctx context.Context, svc service.RequestService, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error) {
	driverID, err := uuid.Parse(form.AsString(data["driver"]))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown driver", service.ErrInvalidInput)
	}
	return svc.Approve(ctx, actor, target, service.ApproveInput{
		Qty:      number(data, "qty"),
		Amount:   number(data, "amount"),
		DriverID: driverID,
	})
}

func commitReject(ctx context.Context, svc service.RequestService, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error) {
	return svc.Reject(ctx, actor, target, form.AsString(data["reason"]))
}

type stageMethod func(service.RequestService, context.Context, service.Actor, uuid.UUID, service.StageInput) (*model.ProcurementRequest, error)

func commitStage(m stageMethod) commitFunc {
	return func(ctx context.Context, svc service.RequestService, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error) {
		return m(svc, ctx, actor, target, service.StageInput{
			Qty:      number(data, "qty"),
			Note:     form.AsString(data["note"]),
			PhotoRef: form.AsString(data["photo"]),
		})
	}
}

func commitFinalize(ctx context.Context, svc service.RequestService, actor service.Actor, target uuid.UUID, data map[string]interface{}) (*model.ProcurementRequest, error) {
	in := service.FinalizeInput{Amount: number(data, "amount")}
	if _, ok := data["unit_price"]; ok {
		in.UnitPrice = decimal.NewNullDecimal(number(data, "unit_price"))
	}
	return svc.Finalize(ctx, actor, target, in)
}

// number reads a collected number as a decimal; absent values are zero.
func number(data map[string]interface{}, key string) decimal.Decimal {
	n, ok := form.AsNumber(data[key])
	if !ok {
		return decimal.Zero
	}
	return n
}
