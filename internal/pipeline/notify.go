package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"procurebot/internal/conversation"
	"procurebot/internal/flow"
	"procurebot/internal/model"
	"procurebot/internal/repository"
	"procurebot/internal/service"

	"github.com/google/uuid"
)

// Notifier tells the owners of the next stage that a request is waiting for them, and
// keeps the requester informed. Delivery is best effort: failures are logged only.
type Notifier struct {
	users  repository.UserRepository
	sender conversation.Sender
	logger *slog.Logger
}

func NewNotifier(users repository.UserRepository, sender conversation.Sender, logger *slog.Logger) *Notifier {
	return &Notifier{users: users, sender: sender, logger: logger.With("component", "notifier")}
}

// After notifies everyone concerned by req having just reached its current status.
func (n *Notifier) After(ctx context.Context, actor service.Actor, req *model.ProcurementRequest) {
	head := fmt.Sprintf("Request #%s: %s, %s %s", req.ShortID(), req.ItemRef, req.RequestedQty.String(), req.Unit)
	choice := func(kind, label string) conversation.Choice {
		return conversation.Choice{ID: kind + ":" + req.ID.String(), Label: label}
	}

	switch req.Status {
	case model.StatusPending:
		n.toRole(ctx, actor, req, model.RoleDispatcher, conversation.Prompt{
			Text:    "New request waiting for approval.\n" + head,
			Choices: []conversation.Choice{choice(flow.KindApprove, "Approve"), choice(flow.KindReject, "Reject")},
		})
	case model.StatusApproved:
		if req.DriverID != nil {
			n.toUser(ctx, actor, *req.DriverID, conversation.Prompt{
				Text:    "You were assigned a pickup.\n" + head,
				Choices: []conversation.Choice{choice(flow.KindCollect, "Picked up")},
			})
		}
		n.toUser(ctx, actor, req.RequestedBy, conversation.Prompt{Text: head + "\nApproved."})
	case model.StatusRejected:
		n.toUser(ctx, actor, req.RequestedBy, conversation.Prompt{Text: head + "\nRejected: " + req.RejectionReason})
	case model.StatusInTransit:
		n.toUser(ctx, actor, req.RequestedBy, conversation.Prompt{Text: head + "\nPicked up, on the way."})
	case model.StatusDelivered:
		n.toRole(ctx, actor, req, model.RoleReceiver, conversation.Prompt{
			Text:    "Delivery waiting for the warehouse.\n" + head,
			Choices: []conversation.Choice{choice(flow.KindReceive, "Receive")},
		})
	case model.StatusReceived:
		n.toRole(ctx, actor, req, model.RoleFinalizer, conversation.Prompt{
			Text:    "Received, waiting for the final price.\n" + head,
			Choices: []conversation.Choice{choice(flow.KindFinalize, "Set final price")},
		})
	case model.StatusFulfilled:
		n.toUser(ctx, actor, req.RequestedBy, conversation.Prompt{Text: head + "\nCompleted."})
	}
}

func (n *Notifier) toRole(ctx context.Context, actor service.Actor, req *model.ProcurementRequest, role string, p conversation.Prompt) {
	users, err := n.users.ListByRole(ctx, req.OrgID, role)
	if err != nil {
		n.logger.Error("Failed to list users to notify", "role", role, "error", err)
		return
	}
	for i := range users {
		n.send(ctx, actor, &users[i], p)
	}
}

func (n *Notifier) toUser(ctx context.Context, actor service.Actor, id uuid.UUID, p conversation.Prompt) {
	u, err := n.users.GetByID(ctx, id)
	if err != nil {
		n.logger.Warn("User to notify not found", "user_id", id, "error", err)
		return
	}
	n.send(ctx, actor, u, p)
}

func (n *Notifier) send(ctx context.Context, actor service.Actor, u *model.User, p conversation.Prompt) {
	if u.ID == actor.ID || u.ChatKey == nil || *u.ChatKey == "" {
		return
	}
	p.SessionKey = *u.ChatKey
	if err := n.sender.Send(ctx, p); err != nil {
		n.logger.Warn("Failed to notify user", "user_id", u.ID, "error", err)
	}
}
