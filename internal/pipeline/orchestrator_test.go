package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"procurebot/internal/conversation"
	"procurebot/internal/events"
	"procurebot/internal/flow"
	"procurebot/internal/form"
	"procurebot/internal/model"
	"procurebot/internal/repository"
	"procurebot/internal/repository/memstore"
	"procurebot/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outbox records every prompt sent, per chat key.
type outbox struct {
	mu   sync.Mutex
	sent map[string][]conversation.Prompt
}

func (o *outbox) Send(_ context.Context, p conversation.Prompt) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sent == nil {
		o.sent = map[string][]conversation.Prompt{}
	}
	o.sent[p.SessionKey] = append(o.sent[p.SessionKey], p)
	return nil
}

func (o *outbox) last(key string) conversation.Prompt {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := o.sent[key]
	if len(all) == 0 {
		return conversation.Prompt{}
	}
	return all[len(all)-1]
}

func (o *outbox) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent[key])
}

func (o *outbox) hasChoice(key, id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.sent[key] {
		for _, c := range p.Choices {
			if c.ID == id {
				return true
			}
		}
	}
	return false
}

// script is a channel over the outbox that replays queued events, then suspends.
type script struct {
	key    string
	out    *outbox
	events []conversation.Event
}

func (s *script) Send(ctx context.Context, p conversation.Prompt) error {
	if p.SessionKey == "" {
		p.SessionKey = s.key
	}
	return s.out.Send(ctx, p)
}

func (s *script) Await(ctx context.Context) (conversation.Event, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Event{}, err
	}
	if len(s.events) == 0 {
		return conversation.Event{}, conversation.ErrSuspended
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type world struct {
	store *memstore.Store
	svc   service.RequestService
	orch  *Orchestrator
	out   *outbox
	users map[string]*model.User
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{store: memstore.New(), out: &outbox{}, users: map[string]*model.User{}}
	org := uuid.New()

	for key, role := range map[string]string{
		"chat-req":    model.RoleRequester,
		"chat-disp":   model.RoleDispatcher,
		"chat-driver": model.RoleDriver,
		"chat-wh":     model.RoleReceiver,
		"chat-acc":    model.RoleFinalizer,
	} {
		chatKey := key
		u := &model.User{Username: key, Role: role, OrgID: &org, ChatKey: &chatKey}
		require.NoError(t, w.store.Users().Create(ctx, u))
		w.users[key] = u
	}

	w.svc = service.NewRequestService(w.store.Requests(), w.store.Stock(), w.store.Products(), w.store.Users(),
		w.store.Audit(), w.store, events.Nop{}, slog.Default())

	catalog, err := form.DefaultCatalog()
	require.NoError(t, err)
	flows, err := flow.NewRegistry(catalog, w.svc)
	require.NoError(t, err)
	engine := conversation.NewEngine(catalog.Fallback())
	w.orch = NewOrchestrator(w.store.Sessions(), w.store.Users(), w.svc, flows, engine,
		NewNotifier(w.store.Users(), w.out, slog.Default()), slog.Default())
	return w
}

func text(key, s string) conversation.Event {
	return conversation.Event{SessionKey: key, Kind: conversation.KindText, Text: s}
}

func pick(key, id string) conversation.Event {
	return conversation.Event{SessionKey: key, Kind: conversation.KindSelection, Text: id}
}

// turn hands the first event to the orchestrator and lets the flow read the rest.
func (w *world) turn(t *testing.T, first conversation.Event, rest ...conversation.Event) error {
	t.Helper()
	ch := &script{key: first.SessionKey, out: w.out, events: rest}
	return w.orch.Handle(context.Background(), ch, first)
}

func (w *world) requests(t *testing.T) []model.ProcurementRequest {
	t.Helper()
	list, _, err := w.store.Requests().List(context.Background(), repository.RequestFilter{Page: 1, Limit: 100})
	require.NoError(t, err)
	return list
}

func (w *world) flowOf(t *testing.T, key string) *model.FlowState {
	t.Helper()
	sess, err := w.store.Sessions().Get(context.Background(), key)
	require.NoError(t, err)
	st, err := sess.Flow()
	require.NoError(t, err)
	return st
}

func TestOrchestrator_UnknownChat(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.turn(t, text("stranger", "hello")))
	assert.Equal(t, unknownChatText, w.out.last("stranger").Text)
	assert.Empty(t, w.requests(t))
}

func TestOrchestrator_FullPipeline(t *testing.T) {
	w := newWorld(t)
	confirm := func(key string) conversation.Event { return pick(key, conversation.ChoiceConfirm) }

	require.NoError(t, w.turn(t, text("chat-req", "Cement M400, 500, bag, 2000000"), confirm("chat-req")))
	list := w.requests(t)
	require.Len(t, list, 1)
	id := list[0].ID
	assert.Equal(t, model.StatusPending, list[0].Status)
	assert.Equal(t, "BAG", list[0].Unit)
	assert.Nil(t, w.flowOf(t, "chat-req"), "flow cleared after commit")
	assert.True(t, w.out.hasChoice("chat-disp", "approve:"+id.String()), "dispatcher notified")

	driverID := w.users["chat-driver"].ID.String()
	require.NoError(t, w.turn(t, pick("chat-disp", "approve:"+id.String()),
		text("chat-disp", "480"), pick("chat-disp", driverID), confirm("chat-disp")))
	assert.True(t, w.out.hasChoice("chat-driver", "collect:"+id.String()), "driver notified")

	steps := []struct {
		key, action, qty, status string
	}{
		{"chat-driver", flow.KindCollect, "470", model.StatusInTransit},
		{"chat-driver", flow.KindDeliver, "470", model.StatusDelivered},
		{"chat-wh", flow.KindReceive, "465", model.StatusReceived},
		{"chat-acc", flow.KindFinalize, "2000000", model.StatusFulfilled},
	}
	for _, st := range steps {
		require.NoError(t, w.turn(t, pick(st.key, st.action+":"+id.String()), text(st.key, st.qty), confirm(st.key)))
		req, err := w.svc.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, st.status, req.Status, st.action)
	}

	req, err := w.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, req.ApprovedQty.Decimal.Equal(decimal.NewFromInt(480)))
	assert.True(t, req.CollectedQty.Decimal.Equal(decimal.NewFromInt(470)))
	assert.True(t, req.ReceivedQty.Decimal.Equal(decimal.NewFromInt(465)))
	assert.Equal(t, "4301.08", req.FinalUnitPrice.Decimal.StringFixed(2))
	assert.Contains(t, w.out.last("chat-req").Text, "Completed")
}

func TestOrchestrator_CancelCommitsNothing(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.turn(t, text("chat-req", "/new"), text("chat-req", "Cement"), text("chat-req", "/cancel")))

	assert.Empty(t, w.requests(t))
	assert.Nil(t, w.flowOf(t, "chat-req"))
	assert.True(t, w.out.hasChoice("chat-req", cmdNew), "menu shown after cancel")
}

func TestOrchestrator_SuspendAndResume(t *testing.T) {
	w := newWorld(t)

	err := w.turn(t, text("chat-req", "/new"), text("chat-req", "Cement"))
	require.ErrorIs(t, err, conversation.ErrSuspended)
	st := w.flowOf(t, "chat-req")
	require.NotNil(t, st)
	assert.Equal(t, flow.KindRequest, st.Kind)
	assert.Equal(t, "qty", st.Field)
	assert.Empty(t, w.requests(t))

	before := w.out.count("chat-req")
	require.NoError(t, w.turn(t, text("chat-req", "500"), pick("chat-req", conversation.ChoiceConfirm)))
	after := w.out.sent["chat-req"][before:]
	require.NotEmpty(t, after)
	assert.NotContains(t, after[0].Text, "Quantity?", "pending prompt not repeated")

	list := w.requests(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Cement", list[0].ItemRef)
	assert.Equal(t, "PCS", list[0].Unit)
	assert.Nil(t, w.flowOf(t, "chat-req"))
}

func TestOrchestrator_CancelWhileSuspended(t *testing.T) {
	w := newWorld(t)

	require.ErrorIs(t, w.turn(t, text("chat-req", "/new"), text("chat-req", "Cement")), conversation.ErrSuspended)
	require.NoError(t, w.turn(t, text("chat-req", "/cancel")))

	assert.Nil(t, w.flowOf(t, "chat-req"))
	assert.Empty(t, w.requests(t))
	assert.Contains(t, w.out.sent["chat-req"][w.out.count("chat-req")-2].Text, conversation.CancelledText)
}

func TestOrchestrator_OldButtonWhileSuspended(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.turn(t, text("chat-req", "Nails, 40"), pick("chat-req", conversation.ChoiceConfirm)))
	id := w.requests(t)[0].ID

	require.ErrorIs(t, w.turn(t, text("chat-req", "/new")), conversation.ErrSuspended)
	require.NoError(t, w.turn(t, pick("chat-req", "delete:"+id.String())))

	assert.Equal(t, busyText, w.out.last("chat-req").Text)
	st := w.flowOf(t, "chat-req")
	require.NotNil(t, st, "checkpoint kept")
	assert.Equal(t, flow.KindRequest, st.Kind)
	assert.Empty(t, st.Data, "button text not taken as the item")
	list := w.requests(t)
	require.Len(t, list, 1, "delete not run")
	assert.Equal(t, model.StatusPending, list[0].Status)

	require.NoError(t, w.turn(t, text("chat-req", "Sand, 3"), pick("chat-req", conversation.ChoiceConfirm)))
	assert.Len(t, w.requests(t), 2)
	assert.Nil(t, w.flowOf(t, "chat-req"))
}

func TestOrchestrator_RoleGate(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.turn(t, text("chat-req", "Nails, 40"), pick("chat-req", conversation.ChoiceConfirm)))
	id := w.requests(t)[0].ID

	require.NoError(t, w.turn(t, pick("chat-driver", "approve:"+id.String())))
	assert.Equal(t, "This action is not available for your role.", w.out.last("chat-driver").Text)
	assert.Nil(t, w.flowOf(t, "chat-driver"))

	req, err := w.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, req.Status)
}

func TestOrchestrator_StaleActionReportsStatus(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.turn(t, text("chat-req", "Nails, 40"), pick("chat-req", conversation.ChoiceConfirm)))
	id := w.requests(t)[0].ID

	require.NoError(t, w.turn(t, pick("chat-disp", "reject:"+id.String()), text("chat-disp", "not in budget"), pick("chat-disp", conversation.ChoiceConfirm)))
	require.NoError(t, w.turn(t, pick("chat-disp", "approve:"+id.String())))

	last := w.out.last("chat-disp").Text
	assert.Contains(t, last, "already processed")
	assert.Contains(t, last, statusLabel(model.StatusRejected))
	assert.Contains(t, w.out.last("chat-req").Text, "not in budget", "requester told the reason")
}

func TestOrchestrator_MenuAndTasks(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.turn(t, text("chat-disp", "/start")))
	assert.False(t, w.out.hasChoice("chat-disp", cmdNew), "dispatchers do not file requests")
	assert.True(t, w.out.hasChoice("chat-disp", cmdTasks))

	require.NoError(t, w.turn(t, text("chat-req", "Nails, 40"), pick("chat-req", conversation.ChoiceConfirm)))
	id := w.requests(t)[0].ID

	require.NoError(t, w.turn(t, pick("chat-disp", cmdTasks)))
	p := w.out.last("chat-disp")
	assert.Contains(t, p.Text, "Nails")
	ids := make([]string, 0, len(p.Choices))
	for _, c := range p.Choices {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, "approve:"+id.String())
	assert.Contains(t, ids, "reject:"+id.String())
	assert.Contains(t, ids, "show:"+id.String())
}

func TestOrchestrator_DeleteOwnPending(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.turn(t, text("chat-req", "Nails, 40"), pick("chat-req", conversation.ChoiceConfirm)))
	id := w.requests(t)[0].ID

	require.NoError(t, w.turn(t, pick("chat-req", "delete:"+id.String())))
	assert.Contains(t, w.out.last("chat-req").Text, "deleted")
	assert.Empty(t, w.requests(t))
}
