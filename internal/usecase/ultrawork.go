package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mama-os/internal/domain"
)

// RunUltraWork drives UltraWork mode: a lead tier-1 agent plans, delegates
// plan steps, and reviews its own work across three durable, crash-resumable
// phases. State lives under {StateDir}/{sessionId}/plan.md and
// progress.json so a restart can resume from the last recorded step.
func (o *Orchestrator) RunUltraWork(ctx context.Context, lead domain.AgentIdentity, channelKey, task string) (*domain.UltraWorkSession, error) {
	sessionID, _ := o.deps.Sessions.GetOrCreate(channelKey)
	defer o.deps.Sessions.Release(channelKey)

	uw, err := o.loadUltraWork(sessionID)
	if err != nil || uw == nil {
		uw = &domain.UltraWorkSession{
			SessionID:   sessionID,
			ChannelKey:  channelKey,
			State:       domain.UltraWorkPlanning,
			MaxSteps:    o.cfg.MaxUltraWorkSteps,
			MaxDuration: o.cfg.MaxUltraWorkDuration,
			StartedAt:   o.now(),
		}
	}
	if uw.State == domain.UltraWorkDone || uw.State == domain.UltraWorkFailed {
		return uw, nil
	}

	deadline := uw.StartedAt.Add(uw.MaxDuration)
	role := o.deps.Roles.RoleFor("ultrawork")

	for uw.State != domain.UltraWorkDone && uw.State != domain.UltraWorkFailed {
		if o.now().After(deadline) {
			o.transitionUltraWork(ctx, uw, domain.UltraWorkFailed, 0)
			o.saveUltraWork(uw)
			return uw, domain.NewDomainError("Orchestrator.RunUltraWork", domain.ErrMaxRetriesReached, "max duration exceeded")
		}

		switch uw.State {
		case domain.UltraWorkPlanning:
			plan, err := o.runConversation(ctx, lead, role, sessionID, channelKey, ultraWorkPlanningPrompt(task))
			if err != nil {
				o.transitionUltraWork(ctx, uw, domain.UltraWorkFailed, 0)
				break
			}
			uw.Plan = plan
			if err := o.writePlan(uw); err != nil {
				o.deps.Logger.Warn("ultrawork plan persist failed", "session_id", sessionID, "error", err)
			}
			o.transitionUltraWork(ctx, uw, domain.UltraWorkBuilding, 0)

		case domain.UltraWorkBuilding:
			if uw.StepCount >= uw.MaxSteps {
				o.transitionUltraWork(ctx, uw, domain.UltraWorkFailed, uw.StepCount)
				break
			}
			advanced, err := o.ultraWorkBuildingStep(ctx, lead, role, sessionID, channelKey, uw)
			if err != nil {
				o.deps.Logger.Warn("ultrawork building step failed", "session_id", sessionID, "error", err)
			}
			if !advanced {
				o.transitionUltraWork(ctx, uw, domain.UltraWorkRetro, uw.StepCount)
			}

		case domain.UltraWorkRetro:
			complete, err := o.ultraWorkRetroStep(ctx, lead, role, sessionID, channelKey, uw)
			if err != nil {
				o.deps.Logger.Warn("ultrawork retro step failed", "session_id", sessionID, "error", err)
			}
			if complete {
				o.transitionUltraWork(ctx, uw, domain.UltraWorkDone, uw.StepCount)
			} else {
				o.transitionUltraWork(ctx, uw, domain.UltraWorkBuilding, uw.StepCount)
			}
		}

		if err := o.saveUltraWork(uw); err != nil {
			o.deps.Logger.Warn("ultrawork progress persist failed", "session_id", sessionID, "error", err)
		}
	}
	return uw, nil
}

func (o *Orchestrator) transitionUltraWork(ctx context.Context, uw *domain.UltraWorkSession, to domain.UltraWorkState, attempt int) {
	from := uw.State
	uw.State = to
	o.publish(ctx, domain.EventUltraWorkTransition, uw.SessionID, domain.UltraWorkTransitionPayload{
		SessionID: uw.SessionID, From: from, To: to, Attempt: attempt,
	})
}

// ultraWorkBuildingStep asks lead which plan step to advance next; any
// DELEGATE(_BG):: lines in its reply are dispatched through the regular
// delegation protocol and recorded as a progress step. It returns false
// when lead's reply carries no further delegation commands, signalling the
// building phase is exhausted for this pass.
func (o *Orchestrator) ultraWorkBuildingStep(ctx context.Context, lead domain.AgentIdentity, role domain.RoleConfig, sessionID, channelKey string, uw *domain.UltraWorkSession) (bool, error) {
	reply, err := o.runConversation(ctx, lead, role, sessionID, channelKey, ultraWorkBuildingPrompt(uw))
	if err != nil {
		return false, err
	}

	delegations := parseDelegations(reply)
	if len(delegations) == 0 {
		return false, nil
	}

	for _, d := range delegations {
		started := o.now()
		result := o.dispatchDelegation(ctx, lead, channelKey, d)
		step := domain.UltraWorkStep{
			Index:       uw.StepCount,
			Task:        d.Task,
			AgentID:     d.ToAgentID,
			Status:      stepStatus(result),
			StartedAt:   started,
			CompletedAt: o.now(),
		}
		uw.Progress = append(uw.Progress, step)
		uw.StepCount++
		if uw.StepCount >= uw.MaxSteps {
			break
		}
	}
	return true, nil
}

func stepStatus(result string) string {
	if strings.Contains(result, "refused") || strings.Contains(result, "failed") || strings.Contains(result, "out of scope") {
		return "failed"
	}
	return "completed"
}

// ultraWorkRetroStep asks lead to review progress and report whether the
// task is complete.
func (o *Orchestrator) ultraWorkRetroStep(ctx context.Context, lead domain.AgentIdentity, role domain.RoleConfig, sessionID, channelKey string, uw *domain.UltraWorkSession) (bool, error) {
	reply, err := o.runConversation(ctx, lead, role, sessionID, channelKey, ultraWorkRetroPrompt(uw))
	if err != nil {
		return false, err
	}
	upper := strings.ToUpper(reply)
	return strings.Contains(upper, "RETRO_COMPLETE"), nil
}

func ultraWorkPlanningPrompt(task string) string {
	return fmt.Sprintf("Produce a step-by-step plan for this task, one step per line:\n%s", task)
}

func ultraWorkBuildingPrompt(uw *domain.UltraWorkSession) string {
	var sb strings.Builder
	sb.WriteString("Plan:\n")
	sb.WriteString(uw.Plan)
	sb.WriteString("\n\nProgress so far:\n")
	for _, step := range uw.Progress {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", step.Status, step.Task, step.AgentID)
	}
	sb.WriteString("\nDelegate the next unfinished step with DELEGATE::agentId::task, or reply with no delegation if every step is done.")
	return sb.String()
}

func ultraWorkRetroPrompt(uw *domain.UltraWorkSession) string {
	var sb strings.Builder
	sb.WriteString("Review the plan and progress below. Reply RETRO_COMPLETE if the task is fully done, otherwise RETRO_INCOMPLETE.\n\nPlan:\n")
	sb.WriteString(uw.Plan)
	sb.WriteString("\n\nProgress:\n")
	for _, step := range uw.Progress {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", step.Status, step.Task, step.AgentID)
	}
	return sb.String()
}

func ultraWorkSummary(uw *domain.UltraWorkSession) string {
	return fmt.Sprintf("ultrawork session %s: %s after %d step(s)", uw.SessionID, uw.State, uw.StepCount)
}

// --- durable persistence: ultrawork/{sessionId}/{plan.md,progress.json} ---

func (o *Orchestrator) ultraWorkDir(sessionID string) string {
	return filepath.Join(o.cfg.StateDir, sessionID)
}

func (o *Orchestrator) writePlan(uw *domain.UltraWorkSession) error {
	dir := o.ultraWorkDir(uw.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return domain.WrapOp("ultrawork.mkdir", err)
	}
	return os.WriteFile(filepath.Join(dir, "plan.md"), []byte(uw.Plan), 0600)
}

func (o *Orchestrator) saveUltraWork(uw *domain.UltraWorkSession) error {
	dir := o.ultraWorkDir(uw.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return domain.WrapOp("ultrawork.mkdir", err)
	}
	data, err := json.MarshalIndent(uw, "", "  ")
	if err != nil {
		return domain.WrapOp("ultrawork.marshal", err)
	}
	path := filepath.Join(dir, "progress.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("ultrawork.write", err)
	}
	return os.Rename(tmp, path)
}

// loadUltraWork resumes a session's durable state, if any, from
// progress.json. It returns (nil, nil) when no prior state exists.
func (o *Orchestrator) loadUltraWork(sessionID string) (*domain.UltraWorkSession, error) {
	path := filepath.Join(o.ultraWorkDir(sessionID), "progress.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapOp("ultrawork.read", err)
	}
	var uw domain.UltraWorkSession
	if err := json.Unmarshal(data, &uw); err != nil {
		return nil, domain.WrapOp("ultrawork.unmarshal", err)
	}
	return &uw, nil
}
