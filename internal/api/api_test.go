package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"salesiq/internal/auth"
	"salesiq/internal/broadcast"
	"salesiq/internal/chat"
	"salesiq/internal/ids"
	"salesiq/internal/models"
	"salesiq/internal/notify"
	"salesiq/internal/registry"
	"salesiq/internal/storage"
	"salesiq/internal/visitors"

	"github.com/stretchr/testify/require"
)

const (
	companyA = "65a1b2c3d4e5f60718293a00"
	companyB = "65a1b2c3d4e5f60718293b00"
)

type fixture struct {
	mux   *http.ServeMux
	store *storage.BboltStorage
	auth  *auth.AuthService
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret: base64.StdEncoding.EncodeToString([]byte("api-secret")),
	})
	require.NoError(t, err)
	token, err := authService.IssueToken("ann", companyA)
	require.NoError(t, err)

	events := broadcast.New(broadcast.Config{})
	visitorService := visitors.New(ctx, visitors.Config{Store: store})
	reg := registry.New(registry.Config{Resolver: visitorService, Rooms: events})
	router := chat.New(chat.Config{Store: store, Events: events, Activity: reg})

	a := New(Config{
		Auth:     authService,
		Chats:    router,
		Visitors: visitorService,
		Online:   reg,
		Push:     notify.New(notify.Config{Store: store}),
		Events:   events,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/logoff", a.LogoffHandler)
	mux.HandleFunc("GET /api/chats", a.RequireAuth(a.ChatsHandler))
	mux.HandleFunc("GET /api/chats/history/{visitorId}", a.RequireAuth(a.HistoryHandler))
	mux.HandleFunc("POST /api/chats/{visitorId}/message", a.RequireAuth(a.SendHandler))
	mux.HandleFunc("PUT /api/chats/{chatId}/status", a.RequireAuth(a.ChatStatusHandler))
	mux.HandleFunc("POST /api/chats/{chatId}/read", a.RequireAuth(a.ReadHandler))
	mux.HandleFunc("GET /api/visitors", a.RequireAuth(a.VisitorsHandler))
	mux.HandleFunc("GET /api/visitors/online", a.RequireAuth(a.OnlineHandler))
	mux.HandleFunc("GET /api/visitors/{id}", a.RequireAuth(a.VisitorHandler))
	mux.HandleFunc("PUT /api/visitors/{id}", a.RequireAuth(a.UpdateVisitorHandler))
	mux.HandleFunc("GET /api/leads", a.RequireAuth(a.LeadsHandler))
	mux.HandleFunc("POST /api/leads", a.RequireAuth(a.CreateLeadHandler))
	mux.HandleFunc("PUT /api/leads/{id}", a.RequireAuth(a.UpdateLeadHandler))
	mux.HandleFunc("GET /api/push/key", a.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscriptions", a.RequireAuth(a.SubscribeHandler))

	return &fixture{mux: mux, store: store, auth: authService, token: token.Token}
}

func (f *fixture) visitor(t *testing.T, companyID string) models.Visitor {
	t.Helper()
	v := models.Visitor{ID: ids.New(), CompanyID: companyID, Visits: 1}
	require.NoError(t, f.store.CreateVisitor(v))
	return v
}

// do sends an authenticated request and decodes a JSON response into out.
func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/logoff", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/chats", nil, nil), "revoked token")
}

func TestChatEndpoints(t *testing.T) {
	f := newFixture(t)
	v := f.visitor(t, companyA)

	var msg models.Message
	code := f.do(t, http.MethodPost, "/api/chats/"+v.ID+"/message", sendRequest{Text: "**Hello**", TempID: "t1"}, &msg)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, models.SenderAgent, msg.Sender)
	require.Equal(t, "ann", msg.AgentID)
	require.Contains(t, msg.HTML, "<strong>Hello</strong>")

	var history []models.Message
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chats/history/"+v.ID, nil, &history))
	require.Len(t, history, 1)

	var chats []models.Chat
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chats?status=open", nil, &chats))
	require.Len(t, chats, 1)
	chatID := chats[0].ID

	var updated models.Chat
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/chats/"+chatID+"/status", statusRequest{Status: models.ChatStatusClosed, Reason: "done"}, &updated))
	require.Equal(t, models.ChatStatusClosed, updated.Status)
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPut, "/api/chats/"+chatID+"/status", statusRequest{Status: models.ChatStatusClosed}, nil))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/chats/"+chatID+"/status", statusRequest{Status: models.ChatStatusOpen}, &updated))
	require.Equal(t, models.ChatStatusOpen, updated.Status)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/chats/"+chatID+"/status", statusRequest{Status: models.ChatStatusMissed}, nil))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/chats/"+chatID+"/read", nil, &updated))
	require.Equal(t, 0, updated.UnreadCount)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/chats?status=bogus", nil, nil))
}

func TestChatEndpointErrors(t *testing.T) {
	f := newFixture(t)
	foreign := f.visitor(t, companyB)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/chats/not-an-id/message", sendRequest{Text: "hi"}, nil))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/chats/"+ids.New()+"/message", sendRequest{Text: "hi"}, nil))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/chats/"+foreign.ID+"/message", sendRequest{Text: "hi"}, nil))
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/chats/"+foreign.ID+"/message", "not an object", nil))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/chats/"+ids.New()+"/status", statusRequest{Status: models.ChatStatusClosed}, nil))
}

func TestVisitorEndpoints(t *testing.T) {
	f := newFixture(t)
	own := f.visitor(t, companyA)
	foreign := f.visitor(t, companyB)

	var list []models.Visitor
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/visitors", nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, own.ID, list[0].ID)

	var online []models.OnlineVisitor
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/visitors/online", nil, &online))
	require.Empty(t, online)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/visitors/"+foreign.ID, nil, nil))

	name := "Jane Doe"
	var updated models.Visitor
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/visitors/"+own.ID, visitors.VisitorPatch{Name: &name}, &updated))
	require.Equal(t, name, updated.Name)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/visitors/"+foreign.ID, visitors.VisitorPatch{Name: &name}, nil))
}

func TestLeadEndpoints(t *testing.T) {
	f := newFixture(t)
	v := f.visitor(t, companyA)

	var lead models.Lead
	code := f.do(t, http.MethodPost, "/api/leads", visitors.LeadInput{VisitorID: v.ID, Name: "Jane", Email: "jane@example.com"}, &lead)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, models.LeadStatusNew, lead.Status)

	contacted := models.LeadStatusContacted
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/leads/"+lead.ID, visitors.LeadPatch{Status: &contacted}, &lead))
	require.NotNil(t, lead.LastContacted)

	var leads []models.Lead
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/leads?status=contacted", nil, &leads))
	require.Len(t, leads, 1)

	bogus := models.LeadStatus("bogus")
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/leads/"+lead.ID, visitors.LeadPatch{Status: &bogus}, nil))
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/leads", visitors.LeadInput{Email: "nope"}, nil))
}

func TestPushEndpoints(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/push/key", nil, nil), "push disabled without keys")

	var sub pushSubscription
	sub.Endpoint = "http://push.example.com/x"
	sub.Keys.Auth = "a"
	sub.Keys.P256dh = "b"
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/push/subscriptions", sub, nil))

	sub.Endpoint = "https://push.example.com/x"
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/push/subscriptions", sub, nil))

	subs, err := f.store.ListPushSubscriptions(companyA)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "ann", subs[0].AgentID)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("lookup: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrChatClosed, http.StatusConflict},
		{models.ErrChatOpen, http.StatusConflict},
		{models.ErrInvalidID, http.StatusBadRequest},
		{models.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("wait: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

// stuckChats never finishes a send before its context ends.
type stuckChats struct {
	*chat.Router
}

func (stuckChats) AgentSend(ctx context.Context, in chat.Outgoing) (models.Message, error) {
	<-ctx.Done()
	return models.Message{}, ctx.Err()
}

func TestSendIsBounded(t *testing.T) {
	f := newFixture(t)
	a := New(Config{
		Auth:        f.auth,
		Chats:       stuckChats{},
		SendTimeout: 20 * time.Millisecond,
	})

	body := bytes.NewBufferString(`{"text":"Hi","tempId":"a-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chats/"+ids.New()+"/message", body)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()

	start := time.Now()
	a.RequireAuth(a.SendHandler)(rec, req)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
