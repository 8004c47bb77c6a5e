package domain

import (
	"context"
	"time"
)

// DelegationStatus is the lifecycle state of a DelegationEdge.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationClaimed   DelegationStatus = "claimed"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
)

// DelegationEdge records one tier-1-agent-to-agent delegation for audit
// and cycle/depth checking. Persisted as a decision_edges row.
type DelegationEdge struct {
	FromAgentID string
	ToAgentID   string
	Task        string
	Wave        int
	Depth       int
	ClaimedAt   time.Time
	CompletedAt time.Time
	Status      DelegationStatus
	Reason      string // set when Status == failed
}

// ChainState tracks the active delegation chain for one channelKey.
type ChainState struct {
	Length              int
	GlobalCooldownUntil time.Time
	Ancestors           []string // agent IDs in the active chain, root first
}

// UltraWorkState is the lifecycle state of an UltraWorkSession.
type UltraWorkState string

const (
	UltraWorkPlanning UltraWorkState = "planning"
	UltraWorkBuilding UltraWorkState = "building"
	UltraWorkRetro    UltraWorkState = "retro"
	UltraWorkDone     UltraWorkState = "done"
	UltraWorkFailed   UltraWorkState = "failed"
)

// UltraWorkStep is one recorded building-phase step, appended to progress.json.
type UltraWorkStep struct {
	Index       int       `json:"index"`
	Task        string    `json:"task"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// UltraWorkSession is the durable state of one autonomous multi-step run.
type UltraWorkSession struct {
	SessionID    string          `json:"session_id"`
	ChannelKey   string          `json:"channel_key"`
	State        UltraWorkState  `json:"state"`
	MaxSteps     int             `json:"max_steps"`
	MaxDuration  time.Duration   `json:"max_duration_ns"`
	StepCount    int             `json:"step_count"`
	StartedAt    time.Time       `json:"started_at"`
	Plan         string          `json:"plan"`
	Progress     []UltraWorkStep `json:"progress"`
}

// FlatteryCategory classifies one matched praise/filler pattern.
type FlatteryCategory string

const (
	CategoryDirectPraise           FlatteryCategory = "direct_praise"
	CategorySelfCongratulation     FlatteryCategory = "self_congratulation"
	CategoryStatusFiller           FlatteryCategory = "status_filler"
	CategoryUnnecessaryConfirmation FlatteryCategory = "unnecessary_confirmation"
)

// FlatteryMatch is one matched catalogue entry within a validated response.
type FlatteryMatch struct {
	Label    string
	Category FlatteryCategory
}

// ValidationResult is the outcome of ResponseValidator.Validate.
type ValidationResult struct {
	Valid   bool
	Ratio   float64
	Matched []FlatteryMatch
	Reason  string
}

// ScopeCheckResult is the outcome of ScopeGuard.Check.
type ScopeCheckResult struct {
	InScope        bool
	ModifiedFiles  []string
	UnexpectedFiles []string
	Reason         string
}

// DecisionEdge is one persisted audit row for a delegation dispatch
// attempt, successful or refused.
type DecisionEdge struct {
	FromID         string           `json:"from_id"`
	ToID           string           `json:"to_id"`
	Relationship   string           `json:"relationship"` // "delegate" or "delegate_bg"
	Reason         string           `json:"reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	CreatedBy      string           `json:"created_by"` // channelKey
	ApprovedByUser bool             `json:"approved_by_user"`
	Wave           int              `json:"wave"`
	Status         DelegationStatus `json:"status"`
}

// DecisionEdgeStore persists the delegation audit trail.
type DecisionEdgeStore interface {
	Append(ctx context.Context, edge DecisionEdge) error
	List(ctx context.Context, channelKey string) ([]DecisionEdge, error)
}

// DelegationPayload is the payload for EventAgentDelegated events.
type DelegationPayload struct {
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Task        string `json:"task"`
	Background  bool   `json:"background"`
	Wave        int    `json:"wave"`
	Depth       int    `json:"depth"`
}

// DelegationBlockedPayload is the payload for EventAgentError events raised
// when a delegation command is refused.
type DelegationBlockedPayload struct {
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Reason      string `json:"reason"`
}

// UltraWorkTransitionPayload records a phase change of an UltraWorkSession.
type UltraWorkTransitionPayload struct {
	SessionID string         `json:"session_id"`
	From      UltraWorkState `json:"from"`
	To        UltraWorkState `json:"to"`
	Attempt   int            `json:"attempt"`
}

// RoleConfig is the permission envelope assigned to one message source
// (discord, slack, cron, cli, ...).
type RoleConfig struct {
	Name            string   `json:"name" yaml:"name"`
	AllowedTools    []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	BlockedTools    []string `json:"blocked_tools,omitempty" yaml:"blocked_tools,omitempty"`
	AllowedPaths    []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	SensitiveAccess bool     `json:"sensitive_access,omitempty" yaml:"sensitive_access,omitempty"`
}
