package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"log/slog"

	"mama-os/internal/usecase"
)

func newStreamHandlerDeps(t *testing.T) HandlerDeps {
	t.Helper()
	bus := &testBus{}

	return HandlerDeps{
		Router:         &stubDispatcher{reply: okReply("streamed response")},
		Sessions:       usecase.NewSessionManager(t.TempDir()),
		Tools:          handlerStubTools{},
		Bus:            bus,
		Logger:         slog.Default(),
		ActiveRequests: &sync.Map{},
	}
}

func TestHandlerChatStreamImmediateResponse(t *testing.T) {
	deps := newStreamHandlerDeps(t)
	h := chatStreamHandler(deps)

	result, err := callHandler(t, h, `{"session_id":"s1","content":"hi"}`)
	require.NoError(t, err)

	var resp chatStreamResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.True(t, resp.Streaming)
	assert.Equal(t, "s1", resp.SessionID)

	// Wait for background goroutine to complete.
	time.Sleep(100 * time.Millisecond)
}

func TestHandlerChatStreamInvalidPayload(t *testing.T) {
	deps := newStreamHandlerDeps(t)
	h := chatStreamHandler(deps)

	_, err := callHandler(t, h, `invalid json`)
	assert.Error(t, err)
}

func TestHandlerChatStreamMissingFields(t *testing.T) {
	deps := newStreamHandlerDeps(t)
	h := chatStreamHandler(deps)

	_, err := callHandler(t, h, `{"session_id":"","content":""}`)
	assert.Error(t, err)
}

func TestHandlerChatStreamTracksActiveRequest(t *testing.T) {
	deps := newStreamHandlerDeps(t)
	h := chatStreamHandler(deps)

	result, err := callHandler(t, h, `{"session_id":"s2","content":"hi"}`)
	require.NoError(t, err)

	var resp chatStreamResponse
	require.NoError(t, json.Unmarshal(result, &resp))
	assert.True(t, resp.Streaming)

	// Wait for goroutine to finish and clean up.
	time.Sleep(200 * time.Millisecond)

	// After goroutine completes, active request should be cleaned up.
	_, loaded := deps.ActiveRequests.Load("s2")
	assert.False(t, loaded, "active request should be cleaned up after completion")
}
