package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"mama-os/internal/domain"
	"mama-os/internal/usecase"
)

// --- handler test doubles ---

// stubDispatcher satisfies Dispatcher without standing up a real Orchestrator.
type stubDispatcher struct {
	reply domain.OutboundMessage
	err   error
}

func (d *stubDispatcher) Handle(_ context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	if d.err != nil {
		return domain.OutboundMessage{}, d.err
	}
	out := d.reply
	if out.Content == "" {
		out.Content = "hello from agent"
	}
	out.SessionID = msg.SessionID
	return out, nil
}

func (d *stubDispatcher) HandleStream(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	return d.Handle(ctx, msg)
}

func (d *stubDispatcher) Wait() {}

func okReply(content string) domain.OutboundMessage {
	return domain.OutboundMessage{Content: content}
}

type handlerStubTools struct{}

func (handlerStubTools) Get(name string) (domain.Tool, error) { return nil, domain.ErrToolNotFound }
func (handlerStubTools) Schemas() []domain.ToolSchema {
	return []domain.ToolSchema{{Name: "echo", Description: "echo tool"}}
}

func newHandlerDeps(t *testing.T) HandlerDeps {
	t.Helper()
	logger := slog.Default()
	bus := &testBus{}

	return HandlerDeps{
		Router:         &stubDispatcher{},
		Sessions:       usecase.NewSessionManager(t.TempDir()),
		Tools:          handlerStubTools{},
		Bus:            bus,
		Logger:         logger,
		ActiveRequests: &sync.Map{},
	}
}

func callHandler(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), &ClientInfo{Name: "test"}, json.RawMessage(payload))
}

// --- tests ---

func TestHandlerChatSend(t *testing.T) {
	deps := newHandlerDeps(t)
	h := chatSendHandler(deps)

	result, err := callHandler(t, h, `{"session_id":"s1","content":"hi"}`)
	if err != nil {
		t.Fatalf("chatSend: %v", err)
	}

	var out domain.OutboundMessage
	json.Unmarshal(result, &out)
	if !strings.Contains(out.Content, "hello from agent") {
		t.Errorf("Content = %q, want to contain %q", out.Content, "hello from agent")
	}
}

func TestHandlerChatSendInvalidPayload(t *testing.T) {
	deps := newHandlerDeps(t)
	h := chatSendHandler(deps)

	_, err := callHandler(t, h, `invalid json`)
	if err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestHandlerChatSendMissingFields(t *testing.T) {
	deps := newHandlerDeps(t)
	h := chatSendHandler(deps)

	_, err := callHandler(t, h, `{"session_id":"","content":""}`)
	if err == nil {
		t.Fatal("expected error for missing fields")
	}
}

func TestHandlerSessionList(t *testing.T) {
	deps := newHandlerDeps(t)
	deps.Sessions.GetOrCreate("test-session")

	h := sessionListHandler(deps)
	result, err := callHandler(t, h, `null`)
	if err != nil {
		t.Fatalf("sessionList: %v", err)
	}

	var ids []string
	json.Unmarshal(result, &ids)
	if len(ids) != 1 || ids[0] != "test-session" {
		t.Errorf("ids = %v", ids)
	}
}

func TestHandlerSessionGet(t *testing.T) {
	deps := newHandlerDeps(t)
	deps.Sessions.GetOrCreate("s1")

	h := sessionGetHandler(deps)
	result, err := callHandler(t, h, `{"id":"s1"}`)
	if err != nil {
		t.Fatalf("sessionGet: %v", err)
	}
	if result == nil {
		t.Error("expected non-nil result")
	}
}

func TestHandlerSessionGetNotFound(t *testing.T) {
	deps := newHandlerDeps(t)
	h := sessionGetHandler(deps)

	_, err := callHandler(t, h, `{"id":"nope"}`)
	if err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestHandlerSessionDelete(t *testing.T) {
	deps := newHandlerDeps(t)
	deps.Sessions.GetOrCreate("del1")

	h := sessionDeleteHandler(deps)
	_, err := callHandler(t, h, `{"id":"del1"}`)
	if err != nil {
		t.Fatalf("sessionDelete: %v", err)
	}
}

func TestHandlerToolList(t *testing.T) {
	deps := newHandlerDeps(t)
	h := toolListHandler(deps)

	result, err := callHandler(t, h, `null`)
	if err != nil {
		t.Fatalf("toolList: %v", err)
	}

	var schemas []domain.ToolSchema
	json.Unmarshal(result, &schemas)
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Errorf("schemas = %v", schemas)
	}
}

func TestHandlerConfigGet(t *testing.T) {
	h := configGetHandler(HandlerDeps{})
	result, err := callHandler(t, h, `null`)
	if err != nil {
		t.Fatalf("configGet: %v", err)
	}

	var cfg sanitizedConfig
	json.Unmarshal(result, &cfg)
	if !cfg.Features.Gateway {
		t.Error("expected gateway feature enabled")
	}
	if cfg.Features.Process {
		t.Error("expected process feature disabled when ProcessManager is nil")
	}
	if cfg.Version != "phase-5" {
		t.Errorf("version = %q, want phase-5", cfg.Version)
	}
}

func TestHandlerToolApprove(t *testing.T) {
	deps := newHandlerDeps(t)
	h := toolApproveHandler(deps)

	_, err := callHandler(t, h, `{"tool_call_id":"c1"}`)
	if err != nil {
		t.Fatalf("toolApprove: %v", err)
	}
}

func TestHandlerToolDeny(t *testing.T) {
	deps := newHandlerDeps(t)
	h := toolDenyHandler(deps)

	_, err := callHandler(t, h, `{"tool_call_id":"c1"}`)
	if err != nil {
		t.Fatalf("toolDeny: %v", err)
	}
}

func TestHandlerChatAbortNoActive(t *testing.T) {
	deps := newHandlerDeps(t)
	h := chatAbortHandler(deps)

	result, err := callHandler(t, h, `{"session_id":"s1"}`)
	if err != nil {
		t.Fatalf("chatAbort: %v", err)
	}

	var resp map[string]bool
	json.Unmarshal(result, &resp)
	if resp["aborted"] {
		t.Error("expected aborted=false when no active request")
	}
}

func TestHandlerChatAbortInvalidPayload(t *testing.T) {
	deps := newHandlerDeps(t)
	h := chatAbortHandler(deps)

	_, err := callHandler(t, h, `invalid json`)
	if err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestHandlerChatAbortEmptySessionID(t *testing.T) {
	deps := newHandlerDeps(t)
	h := chatAbortHandler(deps)

	_, err := callHandler(t, h, `{"session_id":""}`)
	if err == nil {
		t.Fatal("expected error for empty session_id")
	}
}

func TestHandlerChatAbortNilActiveRequests(t *testing.T) {
	deps := newHandlerDeps(t)
	deps.ActiveRequests = nil
	h := chatAbortHandler(deps)

	result, err := callHandler(t, h, `{"session_id":"s1"}`)
	if err != nil {
		t.Fatalf("chatAbort with nil ActiveRequests: %v", err)
	}

	var resp map[string]bool
	json.Unmarshal(result, &resp)
	if resp["aborted"] {
		t.Error("expected aborted=false when ActiveRequests is nil")
	}
}

func TestHandlerChatAbortCancelsContext(t *testing.T) {
	deps := newHandlerDeps(t)

	// Simulate an active request by manually storing a cancel function.
	ctx, cancel := context.WithCancel(context.Background())
	deps.ActiveRequests.Store("active-session", cancel)

	h := chatAbortHandler(deps)
	result, err := callHandler(t, h, `{"session_id":"active-session"}`)
	if err != nil {
		t.Fatalf("chatAbort: %v", err)
	}

	var resp map[string]bool
	json.Unmarshal(result, &resp)
	if !resp["aborted"] {
		t.Error("expected aborted=true for active request")
	}

	// Verify the context was actually cancelled.
	select {
	case <-ctx.Done():
		// ok
	default:
		t.Error("context should have been cancelled")
	}

	// Verify the entry was removed from the map.
	if _, ok := deps.ActiveRequests.Load("active-session"); ok {
		t.Error("active request should have been removed from map")
	}
}
