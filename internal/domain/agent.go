package domain

import "context"

// AgentIdentity describes a named agent instance in a multi-agent setup.
//
// Tier, CanDelegate, TriggerPrefix, AutoRespondKeywords, CategoryPatterns,
// CooldownMs, BotToken and AutoContinue carry the orchestration metadata
// a MessageRouter/Orchestrator need (invariant: if Tier != 1 then
// CanDelegate must be false — enforced by config validation, not this type).
type AgentIdentity struct {
	ID          string            `json:"id"           yaml:"id"`
	Name        string            `json:"name"         yaml:"name"`
	Description string            `json:"description"  yaml:"description"`
	SystemPrompt string           `json:"system_prompt" yaml:"system_prompt"`
	Model       string            `json:"model"        yaml:"model"`
	Provider    string            `json:"provider"     yaml:"provider"`
	Tools       []string          `json:"tools,omitempty"  yaml:"tools,omitempty"`
	Skills      []string          `json:"skills,omitempty" yaml:"skills,omitempty"`
	MaxIter     int               `json:"max_iter,omitempty" yaml:"max_iter,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Tier                int      `json:"tier,omitempty" yaml:"tier,omitempty"`
	CanDelegate         bool     `json:"can_delegate,omitempty" yaml:"can_delegate,omitempty"`
	TriggerPrefix       string   `json:"trigger_prefix,omitempty" yaml:"trigger_prefix,omitempty"`
	AutoRespondKeywords []string `json:"auto_respond_keywords,omitempty" yaml:"auto_respond_keywords,omitempty"`
	CategoryPatterns    []string `json:"category_patterns,omitempty" yaml:"category_patterns,omitempty"`
	CooldownMs          int64    `json:"cooldown_ms,omitempty" yaml:"cooldown_ms,omitempty"`
	BotToken            string   `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	AutoContinue        bool     `json:"auto_continue,omitempty" yaml:"auto_continue,omitempty"`
	WorkspaceDir        string   `json:"workspace_dir,omitempty" yaml:"workspace_dir,omitempty"`
}

// AgentRouter decides which agent should handle an inbound message.
type AgentRouter interface {
	Route(ctx context.Context, msg InboundMessage) (agentID string, err error)
}

// AgentStatus is a read-only snapshot of a running agent instance.
type AgentStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ActiveSessions int    `json:"active_sessions"`
}
