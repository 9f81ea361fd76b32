package pipeline

import (
	"context"
	"fmt"
	"strings"

	"procurebot/internal/conversation"
	"procurebot/internal/flow"
	"procurebot/internal/model"
	"procurebot/internal/service"

	"github.com/google/uuid"
)

// Top-level commands
const (
	cmdStart   = "/start"
	cmdMenu    = "/menu"
	cmdNew     = "/new"
	cmdTasks   = "/tasks"
	cmdProject = "/project"
)

// Selection actions that are not flows
const (
	actionShow   = "show"
	actionDelete = "delete"
)

// actionOrder is the order actions are offered in
var actionOrder = []string{
	flow.KindApprove, flow.KindReject, flow.KindCollect, flow.KindDeliver,
	flow.KindReceive, flow.KindFinalize,
}

var actionLabels = map[string]string{
	flow.KindApprove:  "Approve",
	flow.KindReject:   "Reject",
	flow.KindCollect:  "Picked up",
	flow.KindDeliver:  "Delivered",
	flow.KindReceive:  "Receive",
	flow.KindFinalize: "Set final price",
	actionShow:        "Details",
	actionDelete:      "Delete",
}

var statusLabels = map[string]string{
	model.StatusPending:   "waiting for approval",
	model.StatusApproved:  "approved, waiting for pickup",
	model.StatusInTransit: "on the way",
	model.StatusDelivered: "delivered, waiting for the warehouse",
	model.StatusReceived:  "received, waiting for the final price",
	model.StatusFulfilled: "completed",
	model.StatusRejected:  "rejected",
}

func statusLabel(status string) string {
	if l, ok := statusLabels[status]; ok {
		return l
	}
	return status
}

// command handles an event that arrives while no flow is active.
func (o *Orchestrator) command(ctx context.Context, ch conversation.Channel, sess *model.Session, actor service.Actor, ev conversation.Event) error {
	text := strings.TrimSpace(ev.Text)

	if ev.Kind == conversation.KindSelection {
		if action, id, ok := parseAction(text); ok {
			return o.action(ctx, ch, sess, actor, action, id)
		}
	}

	fields := strings.Fields(text)
	cmd := ""
	if len(fields) > 0 {
		cmd = strings.ToLower(fields[0])
	}
	switch {
	case conversation.IsCancel(ev):
		if err := ch.Send(ctx, conversation.Prompt{Text: "Nothing to cancel."}); err != nil {
			return err
		}
		return o.sendMenu(ctx, ch, actor)
	case cmd == cmdStart || cmd == cmdMenu:
		return o.sendMenu(ctx, ch, actor)
	case cmd == cmdNew:
		return o.startFlow(ctx, ch, sess, actor, flow.KindRequest, uuid.Nil, nil)
	case cmd == cmdTasks:
		return o.sendTasks(ctx, ch, actor)
	case cmd == cmdProject:
		return o.setProject(ctx, ch, sess, strings.Join(fields[1:], ""))
	case strings.HasPrefix(cmd, "/"):
		return o.sendMenu(ctx, ch, actor)
	}

	// free-form input from someone who can order starts a request with it
	if service.MayPerform(actor.Role, model.StatusPending) {
		return o.startFlow(ctx, ch, sess, actor, flow.KindRequest, uuid.Nil, &ev)
	}
	return o.sendMenu(ctx, ch, actor)
}

// parseAction splits "approve:<uuid>" style callback ids.
func parseAction(s string) (string, uuid.UUID, bool) {
	action, raw, ok := strings.Cut(s, ":")
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, false
	}
	if _, known := actionLabels[action]; !known {
		return "", uuid.Nil, false
	}
	return action, id, true
}

func (o *Orchestrator) action(ctx context.Context, ch conversation.Channel, sess *model.Session, actor service.Actor, action string, id uuid.UUID) error {
	switch action {
	case actionShow:
		req, err := o.requests.GetFor(ctx, actor, id)
		if err != nil {
			return o.explain(ctx, ch, err, id)
		}
		p := conversation.Prompt{Text: describe(req), Choices: o.actions(actor, req)}
		return ch.Send(ctx, p)
	case actionDelete:
		if err := o.requests.Delete(ctx, actor, id); err != nil {
			return o.explain(ctx, ch, err, id)
		}
		return ch.Send(ctx, conversation.Prompt{Text: fmt.Sprintf("Request #%s deleted.", id.String()[:8])})
	}
	return o.startFlow(ctx, ch, sess, actor, action, id, nil)
}

// actions lists the selectable next steps actor may take on req.
func (o *Orchestrator) actions(actor service.Actor, req *model.ProcurementRequest) []conversation.Choice {
	var out []conversation.Choice
	for _, kind := range actionOrder {
		fl, ok := o.flows.Get(kind)
		if !ok || o.requests.CanStart(actor, req, fl.Target()) != nil {
			continue
		}
		out = append(out, conversation.Choice{ID: kind + ":" + req.ID.String(), Label: actionLabels[kind]})
	}
	if o.requests.CanDelete(actor, req) == nil {
		out = append(out, conversation.Choice{ID: actionDelete + ":" + req.ID.String(), Label: actionLabels[actionDelete]})
	}
	return out
}

func (o *Orchestrator) sendMenu(ctx context.Context, ch conversation.Channel, actor service.Actor) error {
	p := conversation.Prompt{Text: fmt.Sprintf("Hello, %s. What would you like to do?", actor.Name)}
	if service.MayPerform(actor.Role, model.StatusPending) {
		p.Choices = append(p.Choices, conversation.Choice{ID: cmdNew, Label: "New request"})
	}
	p.Choices = append(p.Choices, conversation.Choice{ID: cmdTasks, Label: "My tasks"})
	return ch.Send(ctx, p)
}

func (o *Orchestrator) sendTasks(ctx context.Context, ch conversation.Channel, actor service.Actor) error {
	tasks, err := o.requests.Tasks(ctx, actor)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return ch.Send(ctx, conversation.Prompt{Text: "Nothing is waiting for you.", Choices: []conversation.Choice{{ID: cmdMenu, Label: "Menu"}}})
	}

	var b strings.Builder
	b.WriteString("Waiting for you:\n")
	p := conversation.Prompt{}
	for i := range tasks {
		req := &tasks[i]
		fmt.Fprintf(&b, "\n#%s %s, %s %s (%s)", req.ShortID(), req.ItemRef, req.RequestedQty.String(), req.Unit, statusLabel(req.Status))
		for _, c := range o.actions(actor, req) {
			c.Label += " #" + req.ShortID()
			p.Choices = append(p.Choices, c)
		}
		p.Choices = append(p.Choices, conversation.Choice{ID: actionShow + ":" + req.ID.String(), Label: "Details #" + req.ShortID()})
	}
	p.Text = b.String()
	return ch.Send(ctx, p)
}

// setProject selects the work context new requests are filed under. An empty
// argument clears it.
func (o *Orchestrator) setProject(ctx context.Context, ch conversation.Channel, sess *model.Session, arg string) error {
	if arg == "" {
		sess.WorkContextID = nil
		if err := o.sessions.Save(ctx, sess); err != nil {
			return err
		}
		return ch.Send(ctx, conversation.Prompt{Text: "Project cleared."})
	}
	id, err := uuid.Parse(arg)
	if err != nil {
		return ch.Send(ctx, conversation.Prompt{Text: "Usage: /project <project id>"})
	}
	sess.WorkContextID = &id
	if err := o.sessions.Save(ctx, sess); err != nil {
		return err
	}
	return ch.Send(ctx, conversation.Prompt{Text: "Project set. New requests are filed under it."})
}

// describe renders a request and every stage it reached.
func describe(req *model.ProcurementRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request #%s: %s\nStatus: %s\nRequested: %s %s", req.ShortID(), req.ItemRef, statusLabel(req.Status), req.RequestedQty.String(), req.Unit)
	if req.RequestedAmount.IsPositive() {
		fmt.Fprintf(&b, ", about %s", req.RequestedAmount.StringFixed(0))
	}
	if req.Requester != nil {
		fmt.Fprintf(&b, "\nBy: %s", req.Requester.Name())
	}
	if req.Note != "" {
		fmt.Fprintf(&b, "\nNote: %s", req.Note)
	}
	if req.ApprovedQty.Valid {
		fmt.Fprintf(&b, "\nApproved: %s", req.ApprovedQty.Decimal.String())
		if req.Driver != nil {
			fmt.Fprintf(&b, ", driver %s", req.Driver.Name())
		}
	}
	if req.RejectionReason != "" {
		fmt.Fprintf(&b, "\nRejected: %s", req.RejectionReason)
	}
	stage := func(label string, qty interface{ String() string }, valid bool, note string) {
		if !valid {
			return
		}
		fmt.Fprintf(&b, "\n%s: %s", label, qty.String())
		if note != "" {
			fmt.Fprintf(&b, " (%s)", note)
		}
	}
	stage("Picked up", req.CollectedQty.Decimal, req.CollectedQty.Valid, req.CollectedNote)
	stage("Delivered", req.DeliveredQty.Decimal, req.DeliveredQty.Valid, req.DeliveredNote)
	stage("Received", req.ReceivedQty.Decimal, req.ReceivedQty.Valid, req.ReceivedNote)
	if req.FinalAmount.Valid {
		fmt.Fprintf(&b, "\nFinal: %s, unit price %s", req.FinalAmount.Decimal.StringFixed(2), req.FinalUnitPrice.Decimal.StringFixed(2))
	}
	return b.String()
}
