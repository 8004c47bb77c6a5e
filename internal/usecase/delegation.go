package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mama-os/internal/domain"
	"mama-os/internal/usecase/enforcement"
)

// parsedDelegation is one DELEGATE(_BG)::agentId::task line extracted from
// a tier-1 agent's output.
type parsedDelegation struct {
	Background bool
	ToAgentID  string
	Task       string
}

func parseDelegations(text string) []parsedDelegation {
	matches := delegationTriggerPattern.FindAllStringSubmatch(text, -1)
	out := make([]parsedDelegation, 0, len(matches))
	for _, m := range matches {
		out = append(out, parsedDelegation{
			Background: m[1] == "_BG",
			ToAgentID:  m[2],
			Task:       strings.TrimSpace(m[3]),
		})
	}
	return out
}

// chainEntry pairs a channel's ChainState with the lock guarding it.
type chainEntry struct {
	mu    sync.Mutex
	state domain.ChainState
}

func (o *Orchestrator) chainFor(channelKey string) *chainEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.chains[channelKey]
	if !ok {
		c = &chainEntry{}
		o.chains[channelKey] = c
	}
	return c
}

// checkDelegation validates a delegation attempt against the five
// delegation invariants, returning the violated sentinel error (if any) and
// the depth the delegate would run at.
func (o *Orchestrator) checkDelegation(c *chainEntry, from domain.AgentIdentity, toAgentID string) (depth int, err error) {
	if !from.CanDelegate || from.Tier != 1 {
		return 0, domain.NewDomainError("Orchestrator.checkDelegation", domain.ErrPermissionDenied, "delegator lacks canDelegate or is not tier 1")
	}
	if c.state.Length >= o.cfg.MaxChainLength {
		return 0, domain.NewDomainError("Orchestrator.checkDelegation", domain.ErrDelegationBlockedChainLength, fmt.Sprintf("chain length %d", c.state.Length))
	}
	if o.now().Before(c.state.GlobalCooldownUntil) {
		return 0, domain.NewDomainError("Orchestrator.checkDelegation", domain.ErrDelegationBlockedCooldown, "global cooldown active")
	}
	depth = len(c.state.Ancestors)
	if depth+1 > o.cfg.MaxDelegationDepth {
		return 0, domain.NewDomainError("Orchestrator.checkDelegation", domain.ErrDelegationBlockedDepth, fmt.Sprintf("depth %d", depth+1))
	}
	for _, ancestor := range c.state.Ancestors {
		if ancestor == toAgentID {
			return 0, domain.NewDomainError("Orchestrator.checkDelegation", domain.ErrDelegationBlockedCycle, toAgentID)
		}
	}
	return depth, nil
}

// dispatchDelegation validates and, if allowed, runs d as a subtask of
// from's turn in channelKey. It returns the text to feed back into from's
// own conversation (either the delegate's reply, an async acknowledgment,
// or a diagnostic explaining why the delegation was refused).
func (o *Orchestrator) dispatchDelegation(ctx context.Context, from domain.AgentIdentity, channelKey string, d parsedDelegation) string {
	chain := o.chainFor(channelKey)
	chain.mu.Lock()
	depth, err := o.checkDelegation(chain, from, d.ToAgentID)
	if err != nil {
		chain.mu.Unlock()
		o.recordEdge(ctx, from.ID, d.ToAgentID, channelKey, d.Background, domain.DelegationFailed, string(domain.ErrorCodeOf(err)))
		o.publish(ctx, domain.EventAgentError, channelKey, domain.DelegationBlockedPayload{
			FromAgentID: from.ID, ToAgentID: d.ToAgentID, Reason: string(domain.ErrorCodeOf(err)),
		})
		o.deps.Logger.Warn("delegation refused", "from", from.ID, "to", d.ToAgentID, "reason", err)
		return fmt.Sprintf("delegation to %s refused: %s", d.ToAgentID, err.Error())
	}

	to, ok := o.deps.Agents[d.ToAgentID]
	if !ok {
		chain.mu.Unlock()
		return fmt.Sprintf("delegation to %s refused: unknown agent", d.ToAgentID)
	}

	chain.state.Ancestors = append(chain.state.Ancestors, d.ToAgentID)
	chain.state.Length++
	chain.state.GlobalCooldownUntil = o.now().Add(o.cfg.DelegationCooldown)
	wave := chain.state.Length
	chain.mu.Unlock()

	o.recordEdge(ctx, from.ID, d.ToAgentID, channelKey, d.Background, domain.DelegationClaimed, "")
	o.publish(ctx, domain.EventAgentDelegated, channelKey, domain.DelegationPayload{
		FromAgentID: from.ID, ToAgentID: d.ToAgentID, Task: d.Task, Background: d.Background, Wave: wave, Depth: depth + 1,
	})

	delegateChannelKey := fmt.Sprintf("delegate|%s|%s|%s", from.ID, d.ToAgentID, channelKey)
	startedAt := o.now()

	runDelegate := func() string {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DelegationTimeout)
		defer cancel()

		reply, runErr := o.runTurn(dctx, to, "delegate", delegateChannelKey, d.Task, true)

		chain.mu.Lock()
		chain.state.Ancestors = popAncestor(chain.state.Ancestors, d.ToAgentID)
		chain.mu.Unlock()

		if runErr != nil {
			o.recordEdge(ctx, from.ID, d.ToAgentID, channelKey, d.Background, domain.DelegationFailed, runErr.Error())
			return fmt.Sprintf("delegate %s failed: %s", d.ToAgentID, runErr.Error())
		}

		status := domain.DelegationCompleted
		reason := ""
		if o.deps.Diff != nil && to.WorkspaceDir != "" {
			if modified, err := o.deps.Diff.ModifiedFiles(dctx, to.WorkspaceDir, startedAt); err == nil {
				expected := enforcement.ExtractExpectedFiles(d.Task)
				check := o.deps.ScopeGuard.Check(expected, modified)
				if !check.InScope {
					status = domain.DelegationFailed
					reason = check.Reason
				}
			}
		}
		o.recordEdge(ctx, from.ID, d.ToAgentID, channelKey, d.Background, status, reason)
		if status == domain.DelegationFailed {
			return fmt.Sprintf("delegate %s completed out of scope: %s", d.ToAgentID, reason)
		}
		return fmt.Sprintf("delegate %s result: %s", d.ToAgentID, reply.Content)
	}

	if d.Background {
		go runDelegate()
		return fmt.Sprintf("delegation to %s dispatched in background", d.ToAgentID)
	}
	return runDelegate()
}

func popAncestor(ancestors []string, id string) []string {
	out := make([]string, 0, len(ancestors))
	removed := false
	for _, a := range ancestors {
		if !removed && a == id {
			removed = true
			continue
		}
		out = append(out, a)
	}
	return out
}

func (o *Orchestrator) recordEdge(ctx context.Context, from, to, channelKey string, background bool, status domain.DelegationStatus, reason string) {
	relationship := "delegate"
	if background {
		relationship = "delegate_bg"
	}
	edge := domain.DecisionEdge{
		FromID:       from,
		ToID:         to,
		Relationship: relationship,
		Reason:       reason,
		CreatedAt:    o.now(),
		CreatedBy:    channelKey,
		Status:       status,
	}
	if err := o.deps.Edges.Append(ctx, edge); err != nil {
		o.deps.Logger.Warn("decision edge append failed", "error", err)
	}
}
