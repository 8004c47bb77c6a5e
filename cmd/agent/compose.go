package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"

	"mama-os/internal/adapter/tool"
	"mama-os/internal/domain"
	"mama-os/internal/infra/config"
	"mama-os/internal/usecase"
	"mama-os/internal/usecase/rolemanager"
	"mama-os/internal/usecase/toolexec"
)

// jsonSchemaObject is the subset of a tool's JSON-schema Parameters this
// package understands: a flat object of named properties plus a required
// list. Nested schemas are not flattened further — Type carries the raw
// declared type ("string", "array", ...) for the Code-Act catalogue.
type jsonSchemaObject struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// toolCatalogueEntry derives a domain.ToolCatalogueEntry from a tool's
// declared JSON-schema Parameters, best-effort: unparseable or missing
// schemas still admit the tool with no declared params.
func toolCatalogueEntry(schema domain.ToolSchema, category string) domain.ToolCatalogueEntry {
	entry := domain.ToolCatalogueEntry{
		Name:        schema.Name,
		Description: schema.Description,
		ReturnType:  "string",
		Category:    category,
	}

	var parsed jsonSchemaObject
	if len(schema.Parameters) > 0 {
		if err := json.Unmarshal(schema.Parameters, &parsed); err == nil {
			required := make(map[string]bool, len(parsed.Required))
			for _, r := range parsed.Required {
				required[r] = true
			}
			for name, prop := range parsed.Properties {
				entry.Params = append(entry.Params, domain.ToolParam{
					Name:     name,
					Type:     prop.Type,
					Required: required[name],
				})
			}
		}
	}

	return entry
}

// buildToolBridge registers every tool in registry with a GatewayToolExecutor
// scoped to roles, folding approval-gating into each handler, and derives the
// Code-Act catalogue the same set of tools is admitted into. Grounded on
// usecase.Agent.executeTool's Get -> approval gate -> Execute sequence,
// generalized from a single fixed registry to role-scoped dispatch plus a
// host-bridge catalogue.
func buildToolBridge(registry *tool.Registry, approver domain.ToolApprover, roles *rolemanager.RoleManager, log *slog.Logger) (*toolexec.GatewayToolExecutor, []domain.ToolCatalogueEntry) {
	executor := toolexec.New(roles)
	catalogue := make([]domain.ToolCatalogueEntry, 0, len(registry.List()))

	for _, t := range registry.List() {
		t := t // capture
		executor.Register(t.Name(), func(ctx context.Context, input json.RawMessage, ectx toolexec.ExecContext) (*domain.ToolResult, error) {
			if approver != nil {
				call := domain.ToolCall{Name: t.Name(), Arguments: input}
				if approver.NeedsApproval(call) {
					approved, err := approver.RequestApproval(ctx, call)
					if err != nil || !approved {
						msg := "tool call denied by approval policy"
						if err != nil {
							msg = err.Error()
						}
						return &domain.ToolResult{Content: msg, IsError: true}, nil
					}
				}
			}
			result, err := t.Execute(ctx, input)
			if err != nil {
				log.Warn("tool execution failed", "tool", t.Name(), "error", err)
			}
			return result, err
		})

		catalogue = append(catalogue, toolCatalogueEntry(t.Schema(), "tool"))
	}

	return executor, catalogue
}

// orchestratorDispatcher adapts *usecase.Orchestrator to the single-reply
// Handle contract shared by gateway.Dispatcher and cronjob.MessageHandler:
// both want one inbound message in, one outbound reply out, even though the
// orchestrator itself may fan a message out to several agents. Only the
// first agent's reply is surfaced; the rest are still delivered through
// their own channel sends inside HandleMessage when deps.Sender is set.
type orchestratorDispatcher struct {
	orch    *usecase.Orchestrator
	source  string
	scanner usecase.SecretScanner // optional, nil disables inbound secret scanning
}

func newOrchestratorDispatcher(orch *usecase.Orchestrator, source string, scanner usecase.SecretScanner) *orchestratorDispatcher {
	return &orchestratorDispatcher{orch: orch, source: source, scanner: scanner}
}

// scanInbound applies the secret scanner to an inbound message's content
// before the orchestrator ever sees it, mirroring usecase.Router's
// scan-before-dispatch ordering: a blocked message short-circuits with an
// error reply, a merely-redacted one continues with its cleaned content.
func scanInbound(scanner usecase.SecretScanner, msg domain.InboundMessage, log *slog.Logger) (domain.InboundMessage, *domain.OutboundMessage) {
	if scanner == nil {
		return msg, nil
	}
	cleaned, blocked, matches := scanner.Apply(msg.Content)
	if blocked {
		return msg, &domain.OutboundMessage{
			SessionID: msg.SessionID,
			Content:   "Message blocked: contains sensitive data that cannot be processed.",
			IsError:   true,
		}
	}
	if len(matches) > 0 {
		if log != nil {
			log.Warn("secrets detected in message", "matches", len(matches), "channel", msg.ChannelName)
		}
		msg.Content = cleaned
	}
	return msg, nil
}

// Handle satisfies both gateway.Dispatcher and cronjob.MessageHandler.
func (d *orchestratorDispatcher) Handle(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	msg, blocked := scanInbound(d.scanner, msg, nil)
	if blocked != nil {
		return *blocked, nil
	}
	outs, err := d.orch.HandleMessage(ctx, d.source, msg)
	if err != nil {
		return domain.OutboundMessage{}, err
	}
	if len(outs) == 0 {
		return domain.OutboundMessage{SessionID: msg.SessionID}, nil
	}
	return outs[0], nil
}

// HandleStream satisfies gateway.Dispatcher. The orchestrator does not
// stream tokens itself — progress still flows over the event bus — so this
// is a thin synchronous wrapper around Handle.
func (d *orchestratorDispatcher) HandleStream(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	return d.Handle(ctx, msg)
}

// Wait satisfies gateway.Dispatcher. The orchestrator keeps no in-flight
// bookkeeping of its own to drain; turn lifetime is bounded by Handle's ctx.
func (d *orchestratorDispatcher) Wait() {}

// channelDispatchHandler returns a domain.MessageHandler that runs an
// inbound channel message through the orchestrator and rate-limit-sends
// every resulting reply back out over ch. Replaces the old usecase.Agent/
// Router channel callback with the multi-agent orchestrator path; outbound
// sends are throttled through the shared rl via tool.Enqueue.
func channelDispatchHandler(orch *usecase.Orchestrator, source string, ch domain.Channel, rl *tool.RateLimiter, scanner usecase.SecretScanner, log *slog.Logger) domain.MessageHandler {
	return func(ctx context.Context, msg domain.InboundMessage) error {
		msg, blocked := scanInbound(scanner, msg, log)
		if blocked != nil {
			_, err := tool.Enqueue[struct{}](ctx, rl, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, ch.Send(ctx, *blocked)
			})
			return err
		}
		outs, err := orch.HandleMessage(ctx, source, msg)
		if err != nil {
			log.Error("orchestrator handle failed", "source", source, "error", err)
			return err
		}
		for _, out := range outs {
			out := out
			_, sendErr := tool.Enqueue[struct{}](ctx, rl, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, ch.Send(ctx, out)
			})
			if sendErr != nil {
				log.Error("channel send failed", "source", source, "error", sendErr)
			}
		}
		return nil
	}
}

// buildAgentIdentities builds the agent roster OrchestratorDeps.Agents and
// MessageRouter need, from either the single-agent cfg.Agent block or the
// multi-agent cfg.Agents.Instances list. Grounded on the identity-building
// half of the old initMultiAgent (model/provider/system-prompt resolution),
// generalized from a multiagent.Registry entry to a plain map lookup since
// the orchestrator keeps no per-agent Agent/SessionManager pair of its own.
func buildAgentIdentities(cfg *config.Config) map[string]domain.AgentIdentity {
	agents := make(map[string]domain.AgentIdentity)

	if cfg.Agents == nil || len(cfg.Agents.Instances) == 0 {
		agents["default"] = domain.AgentIdentity{
			ID:           "default",
			Name:         "default",
			SystemPrompt: cfg.Agent.SystemPrompt,
			Provider:     cfg.LLM.DefaultProvider,
			MaxIter:      cfg.Agent.MaxIterations,
			Tier:         1,
		}
		return agents
	}

	for _, inst := range cfg.Agents.Instances {
		provider := inst.Provider
		if provider == "" {
			provider = cfg.LLM.DefaultProvider
		}
		model := inst.Model
		if model == "" {
			for _, p := range cfg.LLM.Providers {
				if p.Name == provider {
					model = p.Model
					break
				}
			}
		}
		systemPrompt := inst.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = cfg.Agent.SystemPrompt
		}
		maxIter := inst.MaxIter
		if maxIter == 0 {
			maxIter = cfg.Agent.MaxIterations
		}

		agents[inst.ID] = domain.AgentIdentity{
			ID:           inst.ID,
			Name:         inst.Name,
			Description:  inst.Description,
			SystemPrompt: systemPrompt,
			Model:        model,
			Provider:     provider,
			Tools:        inst.Tools,
			Skills:       inst.Skills,
			MaxIter:      maxIter,
			Metadata:     inst.Metadata,
			Tier:         1,
		}
	}

	return agents
}

// buildRouterConfig derives a usecase.RouterConfig from the agent roster and
// cfg.Agents routing settings: each agent's CategoryPatterns becomes a
// RouteCategory, and cfg.Agents.Default feeds DefaultAgentID. Unknown or
// empty routing config degrades to the single-default-agent stage-5
// fallback rather than failing.
func buildRouterConfig(cfg *config.Config, agents map[string]domain.AgentIdentity, log *slog.Logger) usecase.RouterConfig {
	defaultID := "default"
	if cfg.Agents != nil && cfg.Agents.Default != "" {
		defaultID = cfg.Agents.Default
	} else if _, ok := agents["default"]; !ok {
		for id := range agents {
			defaultID = id
			break
		}
	}

	var categories []usecase.RouteCategory
	for id, agent := range agents {
		if len(agent.CategoryPatterns) == 0 {
			continue
		}
		var patterns []*regexp.Regexp
		for _, raw := range agent.CategoryPatterns {
			re, err := regexp.Compile(raw)
			if err != nil {
				log.Warn("invalid category pattern, skipping", "agent_id", id, "pattern", raw, "error", err)
				continue
			}
			patterns = append(patterns, re)
		}
		if len(patterns) == 0 {
			continue
		}
		categories = append(categories, usecase.RouteCategory{
			Name:     id,
			Priority: 0,
			Patterns: patterns,
			AgentIDs: []string{id},
		})
	}

	return usecase.RouterConfig{
		Agents:         agents,
		Categories:     categories,
		DefaultAgentID: defaultID,
	}
}
