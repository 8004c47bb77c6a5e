package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"mama-os/internal/domain"
	"mama-os/internal/infra/tracer"
	"mama-os/internal/usecase"
)

// RunnerErrorKind classifies why a Runner.Run call failed.
type RunnerErrorKind int

const (
	RunnerErrorUnknown RunnerErrorKind = iota
	RunnerErrorTimeout
	RunnerErrorExitNonZero
	RunnerErrorParseError
	RunnerErrorNetwork
)

func (k RunnerErrorKind) String() string {
	switch k {
	case RunnerErrorTimeout:
		return "Timeout"
	case RunnerErrorExitNonZero:
		return "ExitNonZero"
	case RunnerErrorParseError:
		return "ParseError"
	case RunnerErrorNetwork:
		return "Network"
	default:
		return "Unknown"
	}
}

// RunnerError is the unified failure type both Runner backends surface.
type RunnerError struct {
	Kind   RunnerErrorKind
	Detail string
	Err    error
}

func (e *RunnerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("llm runner: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("llm runner: %s", e.Kind)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// RunOptions parameterizes one Runner.Run call. Alias of domain.LLMRunOptions
// so every Runner implementation here structurally satisfies domain.LLMRunner
// without this package needing to import usecase's consumers.
type RunOptions = domain.LLMRunOptions

// RunResult is the unified shape both backends return.
type RunResult = domain.LLMRunResult

// Runner unifies the subprocess-CLI and embedded-HTTP LLM backends behind
// a single run(prompt, opts) contract.
type Runner interface {
	Run(ctx context.Context, prompt string, opts RunOptions) (*RunResult, error)
}

// EmbeddedRunner implements the "embedded HTTP backend" variant: it calls
// a domain.LLMProvider directly (itself typically CircuitBreakerProvider-
// wrapped, per circuitbreaker.go), classifying failures into RunnerError
// via the existing usecase.ErrorClassifier.
type EmbeddedRunner struct {
	provider   domain.LLMProvider
	classifier *usecase.ErrorClassifier
	logger     *slog.Logger
}

// NewEmbeddedRunner wraps provider as a Runner.
func NewEmbeddedRunner(provider domain.LLMProvider, logger *slog.Logger) *EmbeddedRunner {
	return &EmbeddedRunner{
		provider:   provider,
		classifier: usecase.NewErrorClassifier(),
		logger:     logger,
	}
}

// Run implements Runner.
func (r *EmbeddedRunner) Run(ctx context.Context, prompt string, opts RunOptions) (*RunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.runner.run")
	defer span.End()

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req := domain.ChatRequest{
		Model: opts.Model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: opts.SessionPrompt},
			{Role: domain.RoleUser, Content: prompt},
		},
	}

	resp, err := r.provider.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &RunnerError{Kind: RunnerErrorTimeout, Detail: err.Error(), Err: err}
		}
		classified := r.classifier.Classify(err)
		kind := RunnerErrorUnknown
		switch {
		case errors.Is(classified.Sentinel, domain.ErrRateLimit), classified.StatusCode >= 500:
			kind = RunnerErrorNetwork
		case classified.StatusCode != 0:
			kind = RunnerErrorExitNonZero
		}
		return nil, &RunnerError{Kind: kind, Detail: err.Error(), Err: err}
	}

	setUsageAttrs(span, resp.Usage)
	logChatCompleted(r.logger, r.provider.Name(), resp)

	return &RunResult{
		Text:      resp.Message.Content,
		SessionID: opts.SessionID,
		Usage:     resp.Usage,
	}, nil
}

// subprocessResponse is the JSON shape a CLI backend's stdout must parse
// as, one line or one document per invocation.
type subprocessResponse struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// SubprocessRunner implements the "subprocess backend" variant: it spawns
// an external CLI binary, feeding the prompt on stdin and passing session
// parameters as argv flags, then parses a JSON response from stdout.
// Grounded on usecase/process/manager.go's exec.CommandContext usage
// (argv-slice invocation, never a shell, so embedded quotes/newlines in
// any argument can never be reinterpreted by a shell); additionally,
// every flag value is checked so it cannot itself be mistaken for a flag
// by the child binary's own argument parser.
type SubprocessRunner struct {
	binaryPath   string
	defaultModel string
	logger       *slog.Logger
}

// NewSubprocessRunner creates a SubprocessRunner invoking binaryPath.
func NewSubprocessRunner(binaryPath, defaultModel string, logger *slog.Logger) *SubprocessRunner {
	return &SubprocessRunner{binaryPath: binaryPath, defaultModel: defaultModel, logger: logger}
}

// Run implements Runner.
func (r *SubprocessRunner) Run(ctx context.Context, prompt string, opts RunOptions) (*RunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.runner.run_subprocess")
	defer span.End()

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	model := opts.Model
	if model == "" {
		model = r.defaultModel
	}

	args := []string{"--output-format", "json"}
	for flag, value := range map[string]string{
		"--model":                model,
		"--session-id":           opts.SessionID,
		"--append-system-prompt": opts.SessionPrompt,
		"--workspace":            opts.WorkspaceDir,
	} {
		if value == "" {
			continue
		}
		if err := rejectFlagInjection(value); err != nil {
			return nil, &RunnerError{Kind: RunnerErrorParseError, Detail: fmt.Sprintf("%s: %v", flag, err), Err: err}
		}
		args = append(args, flag, value)
	}

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, &RunnerError{Kind: RunnerErrorTimeout, Detail: stderr.String(), Err: ctx.Err()}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &RunnerError{Kind: RunnerErrorExitNonZero, Detail: stderr.String(), Err: runErr}
		}
		return nil, &RunnerError{Kind: RunnerErrorNetwork, Detail: runErr.Error(), Err: runErr}
	}

	var parsed subprocessResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &parsed); err != nil {
		return nil, &RunnerError{Kind: RunnerErrorParseError, Detail: err.Error(), Err: err}
	}

	usage := domain.Usage{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}
	span.SetAttributes(tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens))

	sessionID := parsed.SessionID
	if sessionID == "" {
		sessionID = opts.SessionID
	}

	return &RunResult{Text: parsed.Text, SessionID: sessionID, Usage: usage}, nil
}

// rejectFlagInjection refuses argument values that could be reinterpreted
// as another flag by the child binary's own argument parser.
func rejectFlagInjection(value string) error {
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("value %q looks like a flag", value)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("value contains a null byte")
	}
	return nil
}
