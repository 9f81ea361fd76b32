package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procurebot/internal/conversation"
	"procurebot/internal/flow"
	"procurebot/internal/metrics"
	"procurebot/internal/model"
	"procurebot/internal/repository"
	"procurebot/internal/service"

	"github.com/google/uuid"
)

const (
	genericFailureText = "Something went wrong. Nothing was saved, please start again."
	unknownChatText    = "This chat is not linked to an account yet. Ask your administrator to register it."
	busyText           = "Finish or /cancel the current request first."
)

var errUnknownActor = errors.New("chat key is not registered")

// Orchestrator is the per-event entry point: it loads the session, resumes a suspended
// flow or runs a menu command, and commits confirmed flows.
type Orchestrator struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	requests service.RequestService
	flows    *flow.Registry
	engine   *conversation.Engine
	notifier *Notifier
	logger   *slog.Logger
}

func NewOrchestrator(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	requests service.RequestService,
	flows *flow.Registry,
	engine *conversation.Engine,
	notifier *Notifier,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		users:    users,
		requests: requests,
		flows:    flows,
		engine:   engine,
		notifier: notifier,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Handle implements Handler
func (o *Orchestrator) Handle(ctx context.Context, ch conversation.Channel, ev conversation.Event) error {
	sess, actor, err := o.session(ctx, ev.SessionKey)
	if errors.Is(err, errUnknownActor) {
		return ch.Send(ctx, conversation.Prompt{Text: unknownChatText})
	}
	if err != nil {
		return err
	}

	state, err := sess.Flow()
	if err != nil {
		o.logger.Error("Unreadable flow checkpoint, dropping it", "session", sess.ChatKey, "error", err)
		o.clear(ctx, sess)
		state = nil
	}

	if state != nil {
		if conversation.IsCancel(ev) {
			// the flow is suspended, so no engine is waiting to see this cancel
			o.clear(ctx, sess)
			metrics.Flows.WithLabelValues(state.Kind, "cancelled").Inc()
			if err := ch.Send(ctx, conversation.Prompt{Text: conversation.CancelledText}); err != nil {
				return err
			}
			return o.sendMenu(ctx, ch, actor)
		}
		if _, _, ok := parseAction(ev.Text); ok {
			// a button from an older message; the checkpoint stays as it is
			return ch.Send(ctx, conversation.Prompt{Text: busyText})
		}
		return o.runFlow(ctx, prime(ch, ev), sess, actor, state, false)
	}

	return o.command(ctx, ch, sess, actor, ev)
}

// session loads or creates the session of a chat key and resolves its actor.
func (o *Orchestrator) session(ctx context.Context, key string) (*model.Session, service.Actor, error) {
	sess, err := o.sessions.Get(ctx, key)
	var user *model.User
	switch {
	case errors.Is(err, repository.ErrNotFound):
		user, err = o.users.GetByChatKey(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, service.Actor{}, errUnknownActor
		}
		if err != nil {
			return nil, service.Actor{}, fmt.Errorf("resolve chat key: %w", err)
		}
		sess = &model.Session{ChatKey: key, ActorID: user.ID, OrgID: user.OrgID, Role: user.Role}
		if err := o.sessions.Save(ctx, sess); err != nil {
			return nil, service.Actor{}, fmt.Errorf("create session: %w", err)
		}
	case err != nil:
		return nil, service.Actor{}, fmt.Errorf("load session: %w", err)
	default:
		user, err = o.users.GetByID(ctx, sess.ActorID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, service.Actor{}, errUnknownActor
		}
		if err != nil {
			return nil, service.Actor{}, fmt.Errorf("load actor: %w", err)
		}
		sess.Role = user.Role
	}

	actor := service.ActorFromUser(user)
	actor.WorkContextID = sess.WorkContextID
	return sess, actor, nil
}

// startFlow begins a new flow. A non-nil first event is taken as the answer to the
// intro prompt, which is then not shown.
func (o *Orchestrator) startFlow(ctx context.Context, ch conversation.Channel, sess *model.Session, actor service.Actor, kind string, target uuid.UUID, first *conversation.Event) error {
	state := &model.FlowState{Kind: kind, Data: map[string]interface{}{}, StartedAt: time.Now()}
	if target != uuid.Nil {
		state.TargetID = target.String()
	}
	if first != nil {
		state.Step = string(conversation.StepIntro)
		return o.runFlow(ctx, prime(ch, *first), sess, actor, state, true)
	}
	return o.runFlow(ctx, ch, sess, actor, state, true)
}

func (o *Orchestrator) runFlow(ctx context.Context, ch conversation.Channel, sess *model.Session, actor service.Actor, state *model.FlowState, fresh bool) (err error) {
	logger := o.logger.With("session", sess.ChatKey, "flow", state.Kind, "target", state.TargetID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Flow panicked", "panic", r)
			metrics.Flows.WithLabelValues(state.Kind, "failed").Inc()
			o.clear(ctx, sess)
			err = ch.Send(ctx, conversation.Prompt{Text: genericFailureText})
		}
	}()

	fl, ok := o.flows.Get(state.Kind)
	if !ok {
		logger.Error("Unknown flow kind in checkpoint")
		o.clear(ctx, sess)
		return ch.Send(ctx, conversation.Prompt{Text: genericFailureText})
	}

	target := uuid.Nil
	if state.TargetID != "" {
		if target, err = uuid.Parse(state.TargetID); err != nil {
			logger.Error("Bad target id in checkpoint", "error", err)
			o.clear(ctx, sess)
			return ch.Send(ctx, conversation.Prompt{Text: genericFailureText})
		}
	}

	schema, err := fl.Prepare(ctx, actor, target)
	if err != nil {
		metrics.Flows.WithLabelValues(state.Kind, "refused").Inc()
		o.clear(ctx, sess)
		return o.explain(ctx, ch, err, target)
	}

	if fresh && target != uuid.Nil {
		if req, getErr := o.requests.GetFor(ctx, actor, target); getErr == nil {
			if err := ch.Send(ctx, conversation.Prompt{Text: describe(req)}); err != nil {
				return err
			}
		}
	}

	save := func(ctx context.Context, cp conversation.Checkpoint) error {
		state.Step = string(cp.Step)
		state.Field = cp.Field
		state.Data = cp.Data
		if err := sess.SetFlow(state); err != nil {
			return err
		}
		return o.sessions.Save(ctx, sess)
	}

	cp := conversation.Checkpoint{Step: conversation.Step(state.Step), Field: state.Field, Data: state.Data}
	res, err := o.engine.Run(ctx, schema, cp, ch, save)
	switch {
	case errors.Is(err, conversation.ErrCancelled):
		metrics.Flows.WithLabelValues(state.Kind, "cancelled").Inc()
		o.clear(ctx, sess)
		return o.sendMenu(ctx, ch, actor)
	case errors.Is(err, conversation.ErrSuspended):
		metrics.Flows.WithLabelValues(state.Kind, "suspended").Inc()
		return err
	case ctx.Err() != nil:
		// shutting down, the checkpoint stays
		return ctx.Err()
	case err != nil:
		logger.Error("Flow failed", "error", err)
		metrics.Flows.WithLabelValues(state.Kind, "failed").Inc()
		o.clear(ctx, sess)
		return ch.Send(ctx, conversation.Prompt{Text: genericFailureText})
	}

	req, err := fl.Commit(ctx, actor, target, res.Data)
	o.clear(ctx, sess)
	if err != nil {
		metrics.Flows.WithLabelValues(state.Kind, "failed").Inc()
		return o.explain(ctx, ch, err, target)
	}
	metrics.Flows.WithLabelValues(state.Kind, "confirmed").Inc()

	if err := ch.Send(ctx, o.committed(actor, req)); err != nil {
		return err
	}
	o.notifier.After(ctx, actor, req)
	return nil
}

func (o *Orchestrator) clear(ctx context.Context, sess *model.Session) {
	_ = sess.SetFlow(nil)
	if err := o.sessions.Save(ctx, sess); err != nil {
		o.logger.Error("Failed to clear flow", "session", sess.ChatKey, "error", err)
	}
}

// explain turns a refused or failed operation into a chat message.
func (o *Orchestrator) explain(ctx context.Context, ch conversation.Channel, err error, target uuid.UUID) error {
	var text string
	switch {
	case errors.Is(err, service.ErrForbidden):
		text = "This action is not available for your role."
	case errors.Is(err, service.ErrConflict):
		text = "This request was already processed by someone else."
		if target != uuid.Nil {
			if req, getErr := o.requests.Get(ctx, target); getErr == nil {
				text += "\n\n" + describe(req)
			}
		}
	case errors.Is(err, service.ErrNotFound):
		text = "Request not found. It may have been deleted."
	case errors.Is(err, service.ErrInvalidInput):
		text = "Could not save: " + err.Error()
	default:
		o.logger.Error("Operation failed", "target", target, "error", err)
		text = genericFailureText
	}
	return ch.Send(ctx, conversation.Prompt{Text: text})
}

// committed is the confirmation shown to the actor, with the follow-up action if the
// same actor owns the next step.
func (o *Orchestrator) committed(actor service.Actor, req *model.ProcurementRequest) conversation.Prompt {
	p := conversation.Prompt{Text: fmt.Sprintf("Saved. Request #%s is now %s.", req.ShortID(), statusLabel(req.Status))}
	p.Choices = append(p.Choices, o.actions(actor, req)...)
	p.Choices = append(p.Choices, conversation.Choice{ID: cmdMenu, Label: "Menu"})
	return p
}
