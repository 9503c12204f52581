package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/channels/telegram"
	"github.com/spediresicuro/anne/internal/channels/whatsapp"
	"github.com/spediresicuro/anne/internal/directory"
	"github.com/spediresicuro/anne/internal/orchestrator"
)

const (
	jwtSecret   = "test-secret"
	appSecret   = "app-secret"
	verifyToken = "verify-me"
	tgSecret    = "tg-secret"
)

type fakeProcessor struct {
	mu     sync.Mutex
	inputs []orchestrator.Input
	out    orchestrator.Output
}

func (f *fakeProcessor) Process(ctx context.Context, in orchestrator.Input) orchestrator.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	out := f.out
	out.TraceID = in.TraceID
	if out.Message == "" {
		out.Message = "ok"
		out.Outcome = agent.StatusAnswered
	}
	return out
}

type outbox struct {
	mu   sync.Mutex
	msgs []channels.Outbound
}

func (o *outbox) Enqueue(ctx context.Context, msg channels.Outbound) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

const seed = `
users:
  - {id: u-mario, email: mario@example.it, name: Mario Rossi, role: user}
  - {id: u-admin, email: admin@example.it, name: Admin, role: admin}
  - {id: u-former, email: ex@example.it, name: Ex Collaboratore, role: user}
workspaces:
  - {id: ws-mario, name: Rossi Srl}
members:
  - {workspace_id: ws-mario, user_id: u-mario, role: owner}
links:
  - {channel: whatsapp, external_id: "393331234567", user_id: u-mario, workspace_id: ws-mario}
  - {channel: telegram, external_id: "555", user_id: u-mario}
  - {channel: whatsapp, external_id: "393330000001", user_id: u-former, workspace_id: ws-mario}
`

type harness struct {
	srv  *Server
	proc *fakeProcessor
	box  *outbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir, err := directory.Parse([]byte(seed))
	require.NoError(t, err)
	h := &harness{proc: &fakeProcessor{}, box: &outbox{}}
	h.srv = NewServer(Options{
		JWTSecret:           jwtSecret,
		ChatPerMinute:       2,
		WhatsAppEnabled:     true,
		WhatsAppAppSecret:   appSecret,
		WhatsAppVerifyToken: verifyToken,
		TelegramEnabled:     true,
		TelegramSecret:      tgSecret,
	}, Deps{
		Processor: h.proc,
		Resolver:  acting.NewResolver(dir, dir),
		Linker:    dir,
		Outbound:  h.box,
		Limiter:   channels.NewSenderLimiter(2),
	})
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, s acting.Session) string {
	t.Helper()
	tok, err := IssueToken(jwtSecret, s, time.Hour)
	require.NoError(t, err)
	return tok
}

func chatRequestFor(t *testing.T, tok, body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	var a webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return a.Status
}

var mario = acting.Session{UserID: "u-mario", Email: "mario@example.it", Name: "Mario Rossi", Role: acting.RoleUser}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestTokenRoundTrip(t *testing.T) {
	tok := token(t, mario)
	s, err := ParseToken(jwtSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, mario, *s)

	_, err = ParseToken("other", tok)
	assert.Error(t, err)

	expired, err := IssueToken(jwtSecret, mario, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(jwtSecret, expired)
	assert.Error(t, err)
}

func TestChatRequiresAuth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(chatRequestFor(t, "", `{"sessionId":"s1","message":"ciao"}`, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(chatRequestFor(t, "garbage", `{"sessionId":"s1","message":"ciao"}`, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.proc.inputs)
}

func TestChatProcessesMessage(t *testing.T) {
	h := newHarness(t)
	rec := h.do(chatRequestFor(t, token(t, mario), `{"sessionId":"s1","message":"[VOX]quanto costa spedire 2 kg"}`,
		map[string]string{HeaderWorkspaceID: "ws-mario"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success  bool   `json:"success"`
		Message  string `json:"message"`
		Outcome  string `json:"outcome"`
		Metadata struct {
			TraceID    string          `json:"traceId"`
			AgentState json.RawMessage `json:"agentState"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Message)
	assert.Equal(t, "answered", resp.Outcome)
	assert.NotEmpty(t, resp.Metadata.TraceID)
	assert.Empty(t, resp.Metadata.AgentState, "state is for admins only")

	require.Len(t, h.proc.inputs, 1)
	in := h.proc.inputs[0]
	assert.Equal(t, "quanto costa spedire 2 kg", in.Message)
	assert.Equal(t, channels.Web, in.Channel)
	assert.Equal(t, "ws-mario", in.Acting.WorkspaceID())
	assert.Equal(t, "u-mario", in.Acting.BusinessUserID())
}

func TestChatWorkspaceAccessDenied(t *testing.T) {
	h := newHarness(t)
	rec := h.do(chatRequestFor(t, token(t, mario), `{"sessionId":"s1","message":"ciao"}`,
		map[string]string{HeaderWorkspaceID: "ws-other"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.proc.inputs)
}

func TestChatBadRequests(t *testing.T) {
	h := newHarness(t)
	rec := h.do(chatRequestFor(t, token(t, mario), `{"message":"ciao"}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(chatRequestFor(t, token(t, mario), `{not json`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRateLimited(t *testing.T) {
	h := newHarness(t)
	tok := token(t, mario)
	for i := 0; i < 2; i++ {
		rec := h.do(chatRequestFor(t, tok, `{"sessionId":"s1","message":"ciao"}`, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(chatRequestFor(t, tok, `{"sessionId":"s1","message":"ciao"}`, nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"retryAfter":60`)
}

func TestChatAdminSeesState(t *testing.T) {
	h := newHarness(t)
	admin := acting.Session{UserID: "u-admin", Email: "admin@example.it", Role: acting.RoleAdmin}
	rec := h.do(chatRequestFor(t, token(t, admin), `{"sessionId":"s1","message":"ciao"}`, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agentState"`)
}

func TestWhatsAppChallenge(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token="+verifyToken+"&hub.challenge=42", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec = h.do(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func whatsAppBody(from, id, text string) []byte {
	return []byte(`{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{` +
		`"contacts":[{"profile":{"name":"Mario <Rossi>"},"wa_id":"` + from + `"}],` +
		`"messages":[{"from":"` + from + `","id":"` + id + `","timestamp":"1767225600","type":"text","text":{"body":"` + text + `"}}]}}]}]}`)
}

func whatsAppRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(whatsapp.SignatureHeader, whatsapp.Sign(body, secret))
	return req
}

func TestWhatsAppWebhookFlow(t *testing.T) {
	h := newHarness(t)
	h.proc.out = orchestrator.Output{
		Outcome: agent.StatusAnswered,
		Message: "Ecco le opzioni",
		PricingOptions: []agent.PricingOption{
			{Carrier: "GLS", Service: "Standard", Price: 7.8, Recommended: true},
		},
		Buttons: []orchestrator.Button{{ID: "conferma", Title: "Conferma"}},
	}

	body := whatsAppBody("393331234567", "wamid.1", "quanto costa")
	assert.Equal(t, StatusAccepted, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))))
	assert.Equal(t, StatusDuplicate, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))))

	require.Len(t, h.proc.inputs, 1)
	in := h.proc.inputs[0]
	assert.Equal(t, "whatsapp:393331234567", in.SessionID)
	assert.Equal(t, "ws-mario", in.Acting.WorkspaceID())

	require.Len(t, h.box.msgs, 1)
	out := h.box.msgs[0]
	assert.Equal(t, channels.WhatsApp, out.Channel)
	assert.Equal(t, "393331234567", out.To)
	assert.Equal(t, "Ecco le opzioni", out.Text)
	assert.Len(t, out.Options, 1)
	assert.Equal(t, []channels.Button{{ID: "conferma", Title: "Conferma"}}, out.Buttons)
}

func TestWhatsAppWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	body := whatsAppBody("393331234567", "wamid.1", "ciao")
	assert.Equal(t, StatusIgnored, decodeStatus(t, h.do(whatsAppRequest(body, "wrong"))))
	assert.Empty(t, h.proc.inputs)
	assert.Empty(t, h.box.msgs)
}

func TestWhatsAppWebhookUnknownPhone(t *testing.T) {
	h := newHarness(t)
	body := whatsAppBody("393339999999", "wamid.9", "ciao")
	assert.Equal(t, StatusAccepted, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))))

	assert.Empty(t, h.proc.inputs)
	require.Len(t, h.box.msgs, 1)
	assert.True(t, strings.HasPrefix(h.box.msgs[0].Text, "Ciao Mario Rossi! Per usare Anne via WhatsApp"))
}

func TestWhatsAppWebhookLinkWithoutAccess(t *testing.T) {
	h := newHarness(t)
	body := whatsAppBody("393330000001", "wamid.ex", "ciao")
	assert.Equal(t, StatusAccepted, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))))

	assert.Empty(t, h.proc.inputs)
	require.Len(t, h.box.msgs, 1)
	assert.Equal(t, msgNoAccess, h.box.msgs[0].Text)
	assert.NotEqual(t, msgRetryLater, h.box.msgs[0].Text)
}

func TestWhatsAppWebhookRateLimited(t *testing.T) {
	h := newHarness(t)
	for i, id := range []string{"a", "b"} {
		body := whatsAppBody("393331234567", id, "ciao")
		assert.Equal(t, StatusAccepted, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))), "message %d", i)
	}
	body := whatsAppBody("393331234567", "c", "ciao")
	assert.Equal(t, StatusRateLimited, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))))
}

func TestWhatsAppWebhookInvalidPhone(t *testing.T) {
	h := newHarness(t)
	body := whatsAppBody("abc", "wamid.x", "ciao")
	assert.Equal(t, StatusIgnored, decodeStatus(t, h.do(whatsAppRequest(body, appSecret))))
}

func telegramRequest(body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(telegram.SecretTokenHeader, secret)
	return req
}

func TestTelegramWebhook(t *testing.T) {
	h := newHarness(t)
	body := `{"update_id": 1, "message": {"message_id": 1, "date": 1767225600, "text": "ciao", "chat": {"id": 555}}}`

	assert.Equal(t, StatusIgnored, decodeStatus(t, h.do(telegramRequest(body, "wrong"))))
	assert.Equal(t, StatusAccepted, decodeStatus(t, h.do(telegramRequest(body, tgSecret))))
	assert.Equal(t, StatusDuplicate, decodeStatus(t, h.do(telegramRequest(body, tgSecret))))

	require.Len(t, h.proc.inputs, 1)
	assert.Equal(t, "telegram:555", h.proc.inputs[0].SessionID)
	assert.Equal(t, "Mario Rossi", h.proc.inputs[0].Acting.Actor.Name)
	require.Len(t, h.box.msgs, 1)
	assert.Equal(t, "555", h.box.msgs[0].To)

	ignored := `{"update_id": 2, "edited_message": {"text": "x"}}`
	assert.Equal(t, StatusIgnored, decodeStatus(t, h.do(telegramRequest(ignored, tgSecret))))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "Mario Rossi", safeName("Mario <Rossi>"))
	assert.Equal(t, "utente", safeName("<>!!"))
	assert.Len(t, []rune(safeName(strings.Repeat("a", 80))), maxNameLength)
}
