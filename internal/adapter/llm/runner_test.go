package llm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mama-os/internal/domain"
)

func TestEmbeddedRunner_Success(t *testing.T) {
	p := &mockProvider{
		name: "test",
		chatFunc: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			require.Equal(t, "hello", req.Messages[1].Content)
			return &domain.ChatResponse{
				Message: domain.Message{Content: "hi there"},
				Usage:   domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			}, nil
		},
	}
	r := NewEmbeddedRunner(p, slog.Default())

	res, err := r.Run(context.Background(), "hello", RunOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "hi there", res.Text)
	require.Equal(t, "s1", res.SessionID)
	require.Equal(t, 5, res.Usage.TotalTokens)
}

func TestEmbeddedRunner_RateLimitClassifiedAsNetwork(t *testing.T) {
	p := &mockProvider{
		name: "test",
		chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, domain.ErrRateLimit
		},
	}
	r := NewEmbeddedRunner(p, slog.Default())

	_, err := r.Run(context.Background(), "hello", RunOptions{})
	require.Error(t, err)
	var rerr *RunnerError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, RunnerErrorNetwork, rerr.Kind)
}

func TestEmbeddedRunner_TimeoutClassification(t *testing.T) {
	p := &mockProvider{
		name: "test",
		chatFunc: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := NewEmbeddedRunner(p, slog.Default())

	_, err := r.Run(context.Background(), "hello", RunOptions{TimeoutMs: 1})
	require.Error(t, err)
	var rerr *RunnerError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, RunnerErrorTimeout, rerr.Kind)
}

func TestRejectFlagInjection(t *testing.T) {
	require.NoError(t, rejectFlagInjection("normal-value"))
	require.Error(t, rejectFlagInjection("--evil-flag"))
	require.Error(t, rejectFlagInjection("-x"))
}

func TestSubprocessRunner_ParsesJSONResponse(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := `#!/bin/sh
cat >/dev/null
echo '{"text":"from cli","session_id":"s2","usage":{"input_tokens":7,"output_tokens":4}}'
`
	f, err := os.CreateTemp(t.TempDir(), "runner-*.sh")
	require.NoError(t, err)
	_, err = f.WriteString(script)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), 0700))

	r := NewSubprocessRunner(f.Name(), "test-model", slog.Default())
	res, err := r.Run(context.Background(), "hello", RunOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "from cli", res.Text)
	require.Equal(t, "s2", res.SessionID)
	require.Equal(t, 11, res.Usage.TotalTokens)
}

func TestSubprocessRunner_RejectsFlagInjectionInSessionID(t *testing.T) {
	r := NewSubprocessRunner("/bin/true", "test-model", slog.Default())
	_, err := r.Run(context.Background(), "hello", RunOptions{SessionID: "--rm"})
	require.Error(t, err)
	var rerr *RunnerError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, RunnerErrorParseError, rerr.Kind)
}

func TestSubprocessRunner_ExitNonZero(t *testing.T) {
	r := NewSubprocessRunner("/bin/false", "test-model", slog.Default())
	_, err := r.Run(context.Background(), "hello", RunOptions{})
	require.Error(t, err)
	var rerr *RunnerError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, RunnerErrorExitNonZero, rerr.Kind)
}

func TestSubprocessRunner_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := "#!/bin/sh\ncat >/dev/null\nsleep 5\n"
	f, err := os.CreateTemp(t.TempDir(), "runner-sleep-*.sh")
	require.NoError(t, err)
	_, err = f.WriteString(script)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), 0700))

	r := NewSubprocessRunner(f.Name(), "test-model", slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, "hello", RunOptions{})
	require.Error(t, err)
	var rerr *RunnerError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, RunnerErrorTimeout, rerr.Kind)
}
