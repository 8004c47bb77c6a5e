package domain

import "context"

// LLMRunOptions parameterizes one LLMRunner.Run call. Defined in domain
// (rather than adapter/llm) so the usecase-layer Orchestrator can depend on
// the run(prompt, opts) contract without importing adapter/llm, which
// itself imports usecase.
type LLMRunOptions struct {
	Model         string
	SessionPrompt string
	SessionID     string
	WorkspaceDir  string
	TimeoutMs     int64
}

// LLMRunResult is the unified shape an LLMRunner backend returns.
type LLMRunResult struct {
	Text      string
	SessionID string
	Usage     Usage
}

// LLMRunner unifies the subprocess-CLI and embedded-HTTP LLM backends
// behind a single run(prompt, opts) contract. adapter/llm.Runner implements
// this interface structurally.
type LLMRunner interface {
	Run(ctx context.Context, prompt string, opts LLMRunOptions) (*LLMRunResult, error)
}
