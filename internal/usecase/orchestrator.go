package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mama-os/internal/domain"
	"mama-os/internal/infra/tracer"
	"mama-os/internal/usecase/codeact"
	"mama-os/internal/usecase/enforcement"
	"mama-os/internal/usecase/rolemanager"
	"mama-os/internal/usecase/toolexec"
)

// Prompt budget thresholds for layered prompt assembly.
const (
	promptWarnChars     = 15000
	promptTruncateChars = 25000
	promptHardChars     = 40000

	// corePromptLayer priorities. Lower numbers are more important; only
	// priority 1 (the agent's persona/CLAUDE.md) is never removed.
	priorityPersona  = 1
	priorityTools    = 2
	priorityAgents   = 4
	priorityRules    = 5
	priorityKeywords = 6
)

// maxToolIterations bounds how many tool-call/result round-trips a single
// turn may take before the orchestrator gives up feeding results back to
// the model and giving up on the turn.
const maxToolIterations = 8

// GatewaySender delivers a finished turn's text back out through whatever
// channel originated it, typically rate-limited. Declared locally (rather
// than importing adapter/tool.RateLimiter) because adapter/tool imports
// this package for other concerns — importing it back here would cycle.
type GatewaySender interface {
	Send(ctx context.Context, channelKey string, msg domain.OutboundMessage) error
}

// DiffProvider reports which files a delegate's turn modified, feeding
// ScopeGuard's post-delegation check.
type DiffProvider interface {
	ModifiedFiles(ctx context.Context, workspaceDir string, since time.Time) ([]string, error)
}

// PromptLayer is one named, prioritized slice of a turn's prompt.
type PromptLayer struct {
	Priority int
	Name     string
	Content  string
}

// PromptSizeMonitor enforces the WARN/TRUNCATE/HARD character budget over a
// turn's prompt layers, removing or truncating lower-priority layers first.
// Grounded on transcript_repair.go's scan-then-trim shape, applied here to
// whole prompt layers instead of transcript turns.
type PromptSizeMonitor struct {
	Warn, Truncate, Hard int
	logger               *slog.Logger
}

// NewPromptSizeMonitor creates a monitor with the default character budget.
func NewPromptSizeMonitor(logger *slog.Logger) *PromptSizeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptSizeMonitor{Warn: promptWarnChars, Truncate: promptTruncateChars, Hard: promptHardChars, logger: logger}
}

// Build assembles layers into a single prompt string, applying the budget.
// Layers are always rendered in ascending-priority reading order; when the
// total exceeds Truncate or Hard, layers are removed or truncated starting
// from the highest priority number (least important) and working down,
// skipping priority 1 entirely.
func (m *PromptSizeMonitor) Build(layers []PromptLayer) string {
	working := make([]PromptLayer, len(layers))
	copy(working, layers)

	total := totalLen(working)
	if total > m.Warn {
		m.logger.Warn("prompt size exceeds warn threshold", "chars", total, "warn", m.Warn)
	}

	removable := make([]int, 0, len(working))
	for i, l := range working {
		if l.Priority != priorityPersona {
			removable = append(removable, i)
		}
	}
	sort.Slice(removable, func(i, j int) bool {
		return working[removable[i]].Priority > working[removable[j]].Priority
	})

	for _, idx := range removable {
		if total <= m.Hard {
			break
		}
		total -= len(working[idx].Content)
		working[idx].Content = ""
	}
	if total > m.Hard {
		m.logger.Warn("priority-1 prompt layer alone exceeds hard budget; proceeding anyway", "chars", total, "hard", m.Hard)
	}

	for _, idx := range removable {
		if total <= m.Truncate {
			break
		}
		l := &working[idx]
		if l.Content == "" {
			continue
		}
		keep := len(l.Content) / 2
		total -= len(l.Content) - keep
		l.Content = l.Content[:keep]
	}

	sort.SliceStable(working, func(i, j int) bool { return working[i].Priority < working[j].Priority })
	var sb strings.Builder
	for _, l := range working {
		if l.Content == "" {
			continue
		}
		sb.WriteString(l.Content)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func totalLen(layers []PromptLayer) int {
	n := 0
	for _, l := range layers {
		n += len(l.Content)
	}
	return n
}

// toolCallTriggerPattern recognizes a guest-visible tool invocation line
// emitted by the model, distinct from the Code-Act sandbox's guest script
// surface: this is the per-turn text convention the orchestrator itself
// parses, analogous to delegationTriggerPattern.
var toolCallTriggerPattern = regexp.MustCompile(`(?m)^TOOL_CALL::(\w+)::(.*)$`)

// OrchestratorConfig configures delegation limits, UltraWork safety caps,
// and durable-state location.
type OrchestratorConfig struct {
	MaxDelegationDepth   int
	MaxChainLength       int
	DelegationCooldown   time.Duration
	DelegationTimeout    time.Duration
	MaxUltraWorkSteps    int
	MaxUltraWorkDuration time.Duration
	StateDir             string
}

// DefaultOrchestratorConfig returns sensible delegation and UltraWork defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxDelegationDepth:   1,
		MaxChainLength:       10,
		DelegationCooldown:   2 * time.Second,
		DelegationTimeout:    2 * time.Minute,
		MaxUltraWorkSteps:    20,
		MaxUltraWorkDuration: 30 * time.Minute,
		StateDir:             "ultrawork",
	}
}

// OrchestratorDeps holds injected dependencies for the Orchestrator.
type OrchestratorDeps struct {
	Agents      map[string]domain.AgentIdentity
	Sessions    *SessionPool
	Runner      domain.LLMRunner
	Router      *MessageRouter
	Roles       *rolemanager.RoleManager
	Validator   *enforcement.ResponseValidator
	ScopeGuard  *enforcement.ScopeGuard
	StopHandler *StopContinuationHandler
	HostBridge  *codeact.HostBridge
	Edges       domain.DecisionEdgeStore
	Diff        DiffProvider // optional, nil disables post-delegation ScopeGuard checks
	Sender      GatewaySender // optional, nil means the caller delivers OutboundMessage itself
	Bus         domain.EventBus
	Logger      *slog.Logger
}

// Orchestrator coordinates agent invocation, delegation, and UltraWork mode
// on top of the other runtime components.
// Grounded on usecase.Agent.handleInner's iterate-until-done loop and
// usecase.Router's dispatch shape, generalized from a single-agent turn to
// a multi-agent, delegation- and mode-aware pipeline.
type Orchestrator struct {
	deps    OrchestratorDeps
	cfg     OrchestratorConfig
	prompts *PromptSizeMonitor
	now     func() time.Time

	mu     sync.Mutex
	lanes  map[string]*sync.Mutex
	chains map[string]*chainEntry
}

// NewOrchestrator creates an Orchestrator from deps and cfg.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Edges == nil {
		deps.Edges = noopEdgeStore{}
	}
	if cfg.MaxDelegationDepth <= 0 {
		cfg = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		prompts: NewPromptSizeMonitor(deps.Logger),
		now:     time.Now,
		lanes:   make(map[string]*sync.Mutex),
		chains:  make(map[string]*chainEntry),
	}
}

// laneFor returns the serializing lock for (channelKey, agentID).
func (o *Orchestrator) laneFor(channelKey, agentID string) *sync.Mutex {
	key := channelKey + "|" + agentID
	o.mu.Lock()
	defer o.mu.Unlock()
	lane, ok := o.lanes[key]
	if !ok {
		lane = &sync.Mutex{}
		o.lanes[key] = lane
	}
	return lane
}

// HandleMessage routes msg through the MessageRouter and runs a normal turn
// for every selected agent, returning one OutboundMessage per agent that
// produced a reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, source string, msg domain.InboundMessage) ([]domain.OutboundMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.handle_message")
	defer span.End()

	agentIDs := o.deps.Router.Route(ctx, msg)
	if len(agentIDs) == 0 {
		tracer.SetOK(span)
		return nil, nil
	}

	channelKey := domain.ChannelKey(source, msg.ChannelName)
	out := make([]domain.OutboundMessage, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		agent, ok := o.deps.Agents[agentID]
		if !ok {
			continue
		}
		if isUltraWorkTrigger(msg.Content) && agent.Tier == 1 && agent.CanDelegate {
			uw, err := o.RunUltraWork(ctx, agent, channelKey, msg.Content)
			if err != nil {
				tracer.RecordError(span, err)
				return out, err
			}
			out = append(out, domain.OutboundMessage{SessionID: uw.SessionID, Content: ultraWorkSummary(uw)})
			continue
		}
		reply, err := o.runTurn(ctx, agent, source, channelKey, msg.Content, false)
		if err != nil {
			tracer.RecordError(span, err)
			return out, err
		}
		out = append(out, reply)
	}
	tracer.SetOK(span)
	return out, nil
}

// runTurn runs the eight-step normal-turn pipeline.
// isAgentToAgent sets ResponseValidator's strictMode: true when this turn is
// a delegate's reply being judged before it returns to the delegator,
// false for a turn whose text goes straight to a gateway.
func (o *Orchestrator) runTurn(ctx context.Context, agent domain.AgentIdentity, source, channelKey, userText string, isAgentToAgent bool) (domain.OutboundMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run_turn", trace.WithAttributes(
		tracer.StringAttr("agent.id", agent.ID),
	))
	defer span.End()

	lane := o.laneFor(channelKey, agent.ID)
	lane.Lock()
	defer lane.Unlock()

	// Step 1.
	sessionID, _ := o.deps.Sessions.GetOrCreate(channelKey)
	defer o.deps.Sessions.Release(channelKey)
	role := o.deps.Roles.RoleFor(source)

	text, err := o.runConversation(ctx, agent, role, sessionID, channelKey, userText)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.OutboundMessage{}, err
	}

	// Step 6: stop/continuation.
	text = o.driveToCompletion(ctx, agent, role, sessionID, channelKey, text)

	// Step 7: response validation with bounded re-prompt retries.
	text, err = o.validateWithRetries(ctx, agent, role, sessionID, channelKey, text, isAgentToAgent)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.OutboundMessage{}, err
	}

	out := domain.OutboundMessage{SessionID: sessionID, Content: text}

	// Step 8: send via the gateway through the rate limiter.
	if o.deps.Sender != nil {
		if err := o.deps.Sender.Send(ctx, channelKey, out); err != nil {
			tracer.RecordError(span, err)
			return out, err
		}
	}
	o.publish(ctx, domain.EventMessageSent, sessionID, out)
	tracer.SetOK(span)
	return out, nil
}

// runConversation implements steps 2-5: build the prompt, call the runner,
// and feed tool-call and delegation results back until the model stops
// emitting either or maxToolIterations is reached.
func (o *Orchestrator) runConversation(ctx context.Context, agent domain.AgentIdentity, role domain.RoleConfig, sessionID, channelKey, userText string) (string, error) {
	turnInput := userText
	var lastText string
	for i := 0; i < maxToolIterations; i++ {
		prompt := o.buildPrompt(agent, turnInput)
		result, err := o.deps.Runner.Run(ctx, prompt, domain.LLMRunOptions{
			Model:         agent.Model,
			SessionPrompt: agent.SystemPrompt,
			SessionID:     sessionID,
		})
		if err != nil {
			return "", domain.NewDomainError("Orchestrator.runConversation", domain.ErrRunnerError, err.Error())
		}
		lastText = result.Text

		calls := parseToolCalls(result.Text)
		delegations := parseDelegations(result.Text)
		if len(calls) == 0 && len(delegations) == 0 {
			return result.Text, nil
		}

		var feedback strings.Builder
		for _, call := range calls {
			toolResult, err := o.dispatchToolCall(ctx, agent, role, sessionID, call)
			if err != nil {
				fmt.Fprintf(&feedback, "tool %s error: %s\n", call.Name, err.Error())
				continue
			}
			fmt.Fprintf(&feedback, "tool %s result: %s\n", call.Name, toolResult.Content)
		}
		for _, d := range delegations {
			feedback.WriteString(o.dispatchDelegation(ctx, agent, channelKey, d))
			feedback.WriteString("\n")
		}
		turnInput = feedback.String()
	}
	return lastText, nil
}

// driveToCompletion implements step 6: it repeatedly analyzes the response
// and issues follow-up turns while StopContinuationHandler says to continue.
func (o *Orchestrator) driveToCompletion(ctx context.Context, agent domain.AgentIdentity, role domain.RoleConfig, sessionID, channelKey, text string) string {
	for {
		decision := o.deps.StopHandler.Analyze(channelKey, text)
		if !decision.ShouldContinue {
			return text
		}
		next, err := o.runConversation(ctx, agent, role, sessionID, channelKey, decision.ContinuationPrompt)
		if err != nil {
			o.deps.Logger.Warn("continuation turn failed", "channel_key", channelKey, "error", err)
			return text
		}
		text = next
	}
}

// validateWithRetries implements step 7.
func (o *Orchestrator) validateWithRetries(ctx context.Context, agent domain.AgentIdentity, role domain.RoleConfig, sessionID, channelKey, text string, strictMode bool) (string, error) {
	retries := o.deps.Validator.MaxRetries()
	for {
		result := o.deps.Validator.Validate(text, strictMode)
		if result.Valid {
			return text, nil
		}
		if retries <= 0 {
			return "", domain.NewDomainError("Orchestrator.validateWithRetries", domain.ErrFlatteryRejected, result.Reason)
		}
		retries--
		rejectionPrompt := fmt.Sprintf("Your previous response was rejected: %s\nRewrite it without the flagged phrasing.", result.Reason)
		next, err := o.runConversation(ctx, agent, role, sessionID, channelKey, rejectionPrompt)
		if err != nil {
			return "", err
		}
		text = next
	}
}

// dispatchToolCall looks the call up in the HostBridge's tier-admitted
// catalogue and dispatches it through GatewayToolExecutor.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, agent domain.AgentIdentity, role domain.RoleConfig, sessionID string, call parsedToolCall) (*domain.ToolResult, error) {
	ectx := toolexec.ExecContext{AgentID: agent.ID, SessionID: sessionID, Role: role}
	entry, ok := o.deps.HostBridge.Lookup(agent.Tier, call.Name)
	if !ok {
		return nil, domain.NewDomainError("Orchestrator.dispatchToolCall", domain.ErrUnknownTool, call.Name)
	}
	return o.deps.HostBridge.Call(ctx, entry, json.RawMessage(call.RawArgs), ectx)
}

// buildPrompt assembles step 2's corePromptLayers and applies the
// PromptSizeMonitor budget.
func (o *Orchestrator) buildPrompt(agent domain.AgentIdentity, turnText string) string {
	layers := []PromptLayer{
		{Priority: priorityPersona, Name: "persona", Content: agent.SystemPrompt},
		{Priority: priorityTools, Name: "tools", Content: o.deps.HostBridge.Declarations(agent.Tier)},
		{Priority: priorityAgents, Name: "agents", Content: o.agentsListLayer()},
		{Priority: priorityRules, Name: "rules", Content: orchestratorRulesLayer},
		{Priority: priorityKeywords, Name: "input", Content: turnText},
	}
	return o.prompts.Build(layers)
}

const orchestratorRulesLayer = "Use TOOL_CALL::name::{json-args} to invoke a tool. " +
	"Use DELEGATE::agentId::task or DELEGATE_BG::agentId::task to hand a task to another agent, tier-1 agents only."

func (o *Orchestrator) agentsListLayer() string {
	ids := make([]string, 0, len(o.deps.Agents))
	for id := range o.deps.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sb strings.Builder
	for _, id := range ids {
		a := o.deps.Agents[id]
		fmt.Fprintf(&sb, "%s: %s\n", id, a.Description)
	}
	return sb.String()
}

// parsedToolCall is one TOOL_CALL:: line extracted from a model's response.
type parsedToolCall struct {
	Name    string
	RawArgs string
}

func parseToolCalls(text string) []parsedToolCall {
	matches := toolCallTriggerPattern.FindAllStringSubmatch(text, -1)
	out := make([]parsedToolCall, 0, len(matches))
	for _, m := range matches {
		out = append(out, parsedToolCall{Name: m[1], RawArgs: strings.TrimSpace(m[2])})
	}
	return out
}

// isUltraWorkTrigger reports whether content names any UltraWork trigger
// keyword, English or Korean.
func isUltraWorkTrigger(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range []string{"ultrawork", "deep work", "autonomous", "울트라워크", "딥워크", "자율모드"} {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) publish(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	publishEvent(o.deps.Bus, ctx, eventType, sessionID, payload)
}

// publishEvent is the shared event publishing helper for the usecase layer.
// If bus is nil, this is a no-op.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

// noopEdgeStore discards decision edges when no store is configured.
type noopEdgeStore struct{}

func (noopEdgeStore) Append(context.Context, domain.DecisionEdge) error { return nil }
func (noopEdgeStore) List(context.Context, string) ([]domain.DecisionEdge, error) {
	return nil, nil
}
