package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"procurebot/internal/conversation"
	"procurebot/internal/middleware"
	"procurebot/internal/model"
	"procurebot/internal/pipeline"
	"procurebot/internal/repository/memstore"
	"procurebot/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handler-test-secret"

type fakeDispatcher struct {
	err  error
	seen []conversation.Event
}

func (f *fakeDispatcher) Dispatch(ev conversation.Event) error {
	if f.err != nil {
		return f.err
	}
	f.seen = append(f.seen, ev)
	return nil
}

type server struct {
	router *gin.Engine
	store  *memstore.Store
	chat   *fakeDispatcher
}

func newServer(t *testing.T, probes map[string]Probe) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	auth := middleware.NewAuth(testSecret, false)
	requests := service.NewRequestService(store.Requests(), store.Stock(), store.Products(), store.Users(), store.Audit(), store, nil, slog.Default())
	inventory := service.NewInventoryService(store.Products(), store.Stock(), store.Audit(), store)
	users := service.NewUserService(store.Users(), testSecret, time.Hour)
	chat := &fakeDispatcher{}

	r := gin.New()
	NewSystemHandler(probes).RegisterRoutes(r.Group(""))
	NewUserHandler(users, auth).RegisterRoutes(r.Group(""))
	NewRequestHandler(requests, inventory, auth).RegisterRoutes(r.Group(""))
	NewInventoryHandler(inventory, auth).RegisterRoutes(r.Group(""))
	NewAuditHandler(service.NewAuditService(store.Audit()), auth).RegisterRoutes(r.Group(""))
	NewChatHandler(chat, auth).RegisterRoutes(r.Group(""))
	return &server{router: r, store: store, chat: chat}
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	tok, err := service.SignToken([]byte(testSecret), uuid.NewString(), role, "", time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func (s *server) do(method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Meta   *struct {
		Total int64 `json:"total"`
	} `json:"meta"`
	Error string `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestAuth_MissingAndWrongRole(t *testing.T) {
	s := newServer(t, nil)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/requests", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/requests", "Token abc", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/requests", "Bearer not-a-jwt", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/requests", bearer(t, model.RoleDriver), nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/chat/events", bearer(t, model.RoleRequester), nil).Code)
}

func TestChat_QueuesEvents(t *testing.T) {
	s := newServer(t, nil)
	ev := conversation.Event{SessionKey: "chat-1", Kind: conversation.KindText, Text: "Cement, 500"}

	w := s.do(http.MethodPost, "/api/chat/events", bearer(t, model.RoleGateway), ev)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.chat.seen, 1)
	assert.Equal(t, "chat-1", s.chat.seen[0].SessionKey)

	s.chat.err = pipeline.ErrBusy
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/api/chat/events", bearer(t, model.RoleGateway), ev).Code)
	s.chat.err = pipeline.ErrClosed
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodPost, "/api/chat/events", bearer(t, model.RoleGateway), ev).Code)
	s.chat.err = errors.New("event has no session key")
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/chat/events", bearer(t, model.RoleAdmin), ev).Code)
}

func TestRequests_ListAndGet(t *testing.T) {
	s := newServer(t, nil)
	ctx := context.Background()
	requester := uuid.New()

	for _, item := range []string{"Cement M400", "Rebar 12mm"} {
		require.NoError(t, s.store.Requests().Create(ctx, &model.ProcurementRequest{
			ItemRef:      item,
			RequestedQty: decimal.NewFromInt(10),
			RequestedBy:  requester,
		}))
	}
	other := &model.ProcurementRequest{ItemRef: "Sand", RequestedQty: decimal.NewFromInt(3), RequestedBy: uuid.New()}
	require.NoError(t, s.store.Requests().Create(ctx, other))

	w := s.do(http.MethodGet, "/api/requests?requested_by="+requester.String(), bearer(t, model.RoleDispatcher), nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	require.NotNil(t, env.Meta)
	assert.EqualValues(t, 2, env.Meta.Total)

	w = s.do(http.MethodGet, "/api/requests?status=pending&limit=1", bearer(t, model.RoleSupervisor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decode(t, w)
	assert.EqualValues(t, 3, env.Meta.Total)
	var page []model.ProcurementRequest
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/requests?driver_id=xyz", bearer(t, model.RoleAdmin), nil).Code)

	w = s.do(http.MethodGet, "/api/requests/"+other.ID.String(), bearer(t, model.RoleFinalizer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.ProcurementRequest
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &got))
	assert.Equal(t, "Sand", got.ItemRef)
	assert.Equal(t, model.StatusPending, got.Status)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/requests/"+uuid.NewString(), bearer(t, model.RoleAdmin), nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/requests/nope", bearer(t, model.RoleAdmin), nil).Code)
}

func TestRequests_GetHidesOtherOrganization(t *testing.T) {
	s := newServer(t, nil)
	org := uuid.New()
	req := &model.ProcurementRequest{OrgID: &org, ItemRef: "Gravel", RequestedQty: decimal.NewFromInt(4), RequestedBy: uuid.New()}
	require.NoError(t, s.store.Requests().Create(context.Background(), req))

	orgBearer := func(o uuid.UUID) string {
		tok, err := service.SignToken([]byte(testSecret), uuid.NewString(), model.RoleSupervisor, o.String(), time.Hour)
		require.NoError(t, err)
		return "Bearer " + tok.Token
	}

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/requests/"+req.ID.String(), orgBearer(org), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/requests/"+req.ID.String(), orgBearer(uuid.New()), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/requests/"+req.ID.String()+"/stock", orgBearer(uuid.New()), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/requests/"+req.ID.String(), bearer(t, model.RoleAdmin), nil).Code)
}

func TestUsers_CreateThenLogin(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(http.MethodPost, "/users", bearer(t, model.RoleAdmin), service.CreateUserRequest{
		Username: "driver1",
		Password: "secret123",
		Role:     model.RoleDriver,
		ChatKey:  "chat-driver",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, "/users", bearer(t, model.RoleAdmin), service.CreateUserRequest{
		Username: "ghost",
		Password: "secret123",
		Role:     "wizard",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/login", "", service.LoginUserRequest{Username: "driver1", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/login", "", service.LoginUserRequest{Username: "driver1", Password: "secret123"})
	require.Equal(t, http.StatusOK, w.Code)
	var tok service.TokenResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &tok))
	require.NotEmpty(t, tok.Token)

	w = s.do(http.MethodGet, "/me", "Bearer "+tok.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me service.UserResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &me))
	assert.Equal(t, "driver1", me.Username)
	assert.Equal(t, "chat-driver", me.ChatKey)
}

func TestProducts_CreateAndList(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(http.MethodPost, "/api/products", bearer(t, model.RoleAdmin), service.CreateProductRequest{
		SKU:          "CEM-M400",
		Name:         "Cement M400",
		Unit:         "bag",
		OpeningStock: decimal.NewFromInt(20),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodGet, "/api/products?search=cement", bearer(t, model.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var products []service.ProductResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &products))
	require.Len(t, products, 1)
	assert.True(t, products[0].CurrentStock.Equal(decimal.NewFromInt(20)))

	w = s.do(http.MethodGet, "/api/audit-logs", bearer(t, model.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w).Meta.Total)
}

func TestHealth(t *testing.T) {
	s := newServer(t, map[string]Probe{"database": func() error { return nil }})
	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"OK"`)

	s = newServer(t, map[string]Probe{"gateway": func() error { return errors.New("no chat gateway connected") }})
	w = s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "DEGRADED")
}
