package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mama-os/internal/adapter/channel"
	"mama-os/internal/adapter/gateway"
	"mama-os/internal/adapter/llm"
	"mama-os/internal/adapter/tool"
	"mama-os/internal/domain"
	"mama-os/internal/infra/config"
	"mama-os/internal/usecase"
	"mama-os/internal/usecase/codeact"
	"mama-os/internal/usecase/cronjob"
	"mama-os/internal/usecase/decisionlog"
	"mama-os/internal/usecase/enforcement"
	"mama-os/internal/usecase/rolemanager"
	"mama-os/internal/usecase/scheduling"
)

// RuntimeComponents holds runtime components (channels, orchestrator, scheduler, gateway, cron).
type RuntimeComponents struct {
	Orchestrator *usecase.Orchestrator
	Sessions     *usecase.SessionPool
	Channels     []domain.Channel
	Scheduler    *scheduling.Scheduler
	Gateway      *gateway.Server
	CronManager  *cronjob.Manager
	RateLimiter  *tool.RateLimiter   // shared outbound channel-send throttle
	Scanner      usecase.SecretScanner // nil disables inbound secret scanning
}

// buildRoleManager derives a rolemanager.RoleManager from cfg.Orchestration,
// converting config.RoleDefConfig entries into domain.RoleConfig.
func buildRoleManager(cfg *config.Config) *rolemanager.RoleManager {
	oc := cfg.Orchestration
	roles := make(map[string]domain.RoleConfig, len(oc.Roles))
	for name, rc := range oc.Roles {
		roles[name] = domain.RoleConfig{
			Name:            name,
			AllowedTools:    rc.AllowedTools,
			BlockedTools:    rc.BlockedTools,
			AllowedPaths:    rc.AllowedPaths,
			SensitiveAccess: rc.SensitiveAccess,
		}
	}
	def, ok := roles[oc.DefaultRole]
	if !ok {
		def = domain.RoleConfig{Name: oc.DefaultRole}
	}
	return rolemanager.New(roles, oc.RoleSources, def)
}

// initRuntime wires the Orchestrator (sessions, runner, role manager, tool
// bridge, Code-Act sandbox surface, response enforcement, delegation audit
// trail), the message router, channels, scheduler, cron, and gateway.
// Replaces the single/multi-agent usecase.Router dispatch with the
// multi-agent Orchestrator as the sole dispatch path.
func initRuntime(
	ctx context.Context,
	cfg *config.Config,
	llmRegistry *llm.Registry,
	llmProvider domain.LLMProvider,
	agentComp *AgentComponents,
	sec *SecurityComponents,
	bus domain.EventBus,
	log *slog.Logger,
) (*RuntimeComponents, func(context.Context) error, error) {
	comp := &RuntimeComponents{}

	// 1. Role manager + tool bridge (GatewayToolExecutor + Code-Act catalogue).
	roles := buildRoleManager(cfg)
	var approver domain.ToolApprover
	if agentComp.Approver != nil {
		approver = agentComp.Approver
	}
	executor, catalogue := buildToolBridge(agentComp.ToolRegistry, approver, roles, log)
	hostBridge := codeact.NewHostBridge(catalogue, executor)

	// 2. Session pool.
	sessionDir := "./data/sessions"
	if cfg.Agents != nil && cfg.Agents.DataDir != "" {
		sessionDir = cfg.Agents.DataDir + "/sessions"
	}
	sessionMgr := usecase.NewSessionManager(sessionDir)
	sessionPool := usecase.NewSessionPool(sessionMgr, usecase.DefaultSessionPoolConfig(), log)
	comp.Sessions = sessionPool

	// 3. LLM runner (embedded HTTP backend over the default provider).
	runner := llm.NewEmbeddedRunner(llmProvider, log)

	// 4. Agent roster + message router.
	agents := buildAgentIdentities(cfg)
	routerCfg := buildRouterConfig(cfg, agents, log)
	msgRouter := usecase.NewMessageRouter(routerCfg, log)

	// 5. Response enforcement + delegation bookkeeping.
	validator := enforcement.NewResponseValidator(enforcement.DefaultResponseValidatorConfig())
	scopeGuard := enforcement.NewScopeGuard(enforcement.DefaultScopeGuardConfig())
	stopHandler := usecase.NewStopContinuationHandler(usecase.DefaultStopContinuationConfig())

	edgeDir := "./data/decisions"
	if cfg.Agents != nil && cfg.Agents.DataDir != "" {
		edgeDir = cfg.Agents.DataDir + "/decisions"
	}
	edges, err := decisionlog.NewFileStore(edgeDir)
	if err != nil {
		return nil, nil, fmt.Errorf("decision log: %w", err)
	}

	diffProvider := usecase.NewGitDiffProvider("git")

	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Agents:      agents,
		Sessions:    sessionPool,
		Runner:      runner,
		Router:      msgRouter,
		Roles:       roles,
		Validator:   validator,
		ScopeGuard:  scopeGuard,
		StopHandler: stopHandler,
		HostBridge:  hostBridge,
		Edges:       edges,
		Diff:        diffProvider,
		Bus:         bus,
		Logger:      log,
	}, usecase.DefaultOrchestratorConfig())
	comp.Orchestrator = orch

	// 6. Secret scanner, folded into dispatch by orchestratorDispatcher/channelDispatchHandler.
	var scanner usecase.SecretScanner
	if sec.SecretScanner != nil {
		scanner = &scannerAdapter{inner: sec.SecretScanner}
	}
	comp.Scanner = scanner

	// Start key rotator in background if configured.
	if sec.KeyRotator != nil {
		go sec.KeyRotator.Start(ctx)
	}

	// 7. Build channels.
	channels, err := buildChannels(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("channels: %w", err)
	}
	comp.Channels = channels

	// 8. Outbound rate limiter (shared across channel sends).
	rlCfg := tool.DefaultRateLimiterConfig()
	if cfg.Orchestration.RateLimit.RequestsPerSecond > 0 {
		rlCfg.RequestsPerSecond = cfg.Orchestration.RateLimit.RequestsPerSecond
	}
	if cfg.Orchestration.RateLimit.Burst > 0 {
		rlCfg.Burst = cfg.Orchestration.RateLimit.Burst
	}
	rateLimiter := tool.NewRateLimiter(rlCfg)
	comp.RateLimiter = rateLimiter

	// 9. Scheduler.
	if cfg.Scheduler.Enabled {
		scheduler := scheduling.NewScheduler(log)

		scheduler.RegisterAction(scheduling.ActionSessionReap, func(ctx context.Context) error {
			reaped := sessionMgr.ReapStaleSessions(24 * time.Hour)
			if reaped > 0 {
				log.Info("reaped stale sessions", "count", reaped)
			}
			return nil
		})
		if sec.FileAuditLogger != nil {
			scheduler.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
				removed, err := sec.FileAuditLogger.EnforceRetention(ctx)
				if err != nil {
					return err
				}
				if removed > 0 {
					log.Info("audit retention enforced", "removed", removed)
				}
				return nil
			})
			if err := scheduler.AddTask(scheduling.ScheduledTask{
				Name:     "audit_retention",
				Schedule: "0 3 * * *",
				Action:   scheduling.ActionAuditRetention,
			}); err != nil {
				log.Warn("scheduler: failed to add audit retention task", "error", err)
			}
		}

		for _, tc := range cfg.Scheduler.Tasks {
			if err := scheduler.AddTask(scheduling.ScheduledTask{
				Name:     tc.Name,
				Schedule: tc.Schedule,
				Action:   scheduling.ScheduledAction(tc.Action),
				AgentID:  tc.AgentID,
				Channel:  tc.Channel,
				Message:  tc.Message,
				OneShot:  tc.OneShot,
			}); err != nil {
				log.Warn("scheduler: failed to add task", "name", tc.Name, "error", err)
			}
		}
		log.Info("scheduler enabled", "tasks", len(cfg.Scheduler.Tasks))
		comp.Scheduler = scheduler
	}

	// 10. Cron tool (dispatches through the orchestrator).
	if cfg.Tools.CronEnabled {
		if comp.Scheduler == nil {
			comp.Scheduler = scheduling.NewScheduler(log)
		}

		cronStore, err := cronjob.NewFileStore(cfg.Tools.CronDataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("cron store: %w", err)
		}

		cronMgr := cronjob.NewManager(cronStore, comp.Scheduler, bus, log)
		cronMgr.SetHandler(newOrchestratorDispatcher(orch, "cron", scanner))

		if err := cronMgr.LoadAndSchedule(ctx); err != nil {
			log.Warn("failed to load persisted cron jobs", "error", err)
		}

		agentComp.ToolRegistry.Register(tool.NewCronTool(cronMgr, log))
		comp.CronManager = cronMgr
		log.Info("cron tool enabled", "data_dir", cfg.Tools.CronDataDir)
	}

	// 11. Message tool.
	if cfg.Tools.MessageEnabled {
		if len(comp.Channels) == 0 {
			log.Warn("message tool enabled but no channels configured")
		}
		channelReg := tool.NewChannelRegistry(comp.Channels, log)
		agentComp.ToolRegistry.Register(tool.NewMessageTool(channelReg, log))
		log.Info("message tool enabled", "channels", len(comp.Channels))
	}

	// 12. Voice call tool.
	var voiceCallTool *tool.VoiceCallTool
	if cfg.Tools.VoiceCall.Enabled {
		vc := cfg.Tools.VoiceCall

		callFileStore, err := tool.NewFileCallStore(vc.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("voice call store: %w", err)
		}
		callStore := tool.NewCallStore(vc.MaxConcurrent, callFileStore)

		var voiceBackend tool.VoiceCallBackend
		switch vc.Provider {
		case "twilio":
			voiceBackend = tool.NewTwilioBackend(tool.TwilioBackendConfig{
				AccountSID: vc.TwilioAccountSID,
				AuthToken:  vc.TwilioAuthToken,
				FromNumber: vc.FromNumber,
			}, log)
		case "mock":
			voiceBackend = tool.NewMockVoiceCallBackend()
		default:
			return nil, nil, fmt.Errorf("unknown voice call provider: %s", vc.Provider)
		}

		openaiKey := vc.OpenAIAPIKey
		if openaiKey == "" {
			for _, p := range cfg.LLM.Providers {
				if p.Type == "openai" || p.Name == "openai" {
					openaiKey = p.APIKey
					break
				}
			}
		}

		ttsProvider := tool.NewOpenAITTSProvider(tool.OpenAITTSConfig{
			APIKey: openaiKey,
			Model:  vc.TTSModel,
			Voice:  vc.TTSVoice,
		}, log)
		sttProvider := tool.NewOpenAISTTProvider(tool.OpenAISTTConfig{
			APIKey:            openaiKey,
			Model:             vc.STTModel,
			SilenceDurationMs: vc.SilenceDurationMs,
		}, log)

		webhookServer := tool.NewVoiceCallWebhookServer(
			tool.VoiceCallWebhookConfig{
				Addr:        vc.WebhookAddr,
				WebhookPath: vc.WebhookPath,
				StreamPath:  vc.StreamPath,
				PublicURL:   vc.WebhookPublicURL,
				SkipVerify:  vc.WebhookSkipVerify,
			},
			voiceBackend, callStore, sttProvider, ttsProvider, log,
		)
		if err := webhookServer.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("voice call webhook server: %w", err)
		}

		voiceCallTool = tool.NewVoiceCallTool(voiceBackend, callStore, tool.VoiceCallToolConfig{
			FromNumber:        vc.FromNumber,
			DefaultTo:         vc.DefaultTo,
			DefaultMode:       vc.DefaultMode,
			MaxConcurrent:     vc.MaxConcurrent,
			MaxDuration:       vc.MaxDuration,
			TranscriptTimeout: vc.TranscriptTimeout,
			Timeout:           vc.Timeout,
			AllowedNumbers:    vc.AllowedNumbers,
			WebhookPublicURL:  vc.WebhookPublicURL,
			WebhookPath:       vc.WebhookPath,
			StreamPath:        vc.StreamPath,
		}, log)
		agentComp.ToolRegistry.Register(voiceCallTool)

		if vc.WebhookSkipVerify {
			log.Warn("voice call webhook signature verification disabled (dev-only)")
		}
		log.Info("voice call tool enabled",
			"provider", vc.Provider, "from", vc.FromNumber,
			"max_concurrent", vc.MaxConcurrent, "webhook_addr", vc.WebhookAddr,
		)
	}

	// 13. llm_task tool.
	if cfg.Tools.LLMTaskEnabled {
		llmTaskCfg := tool.LLMTaskConfig{
			AllowedModels: cfg.Tools.LLMTaskAllowedModels,
			DefaultModel:  cfg.Tools.LLMTaskDefaultModel,
			MaxTokens:     cfg.Tools.LLMTaskMaxTokens,
			Timeout:       cfg.Tools.LLMTaskTimeout,
			MaxPromptSize: cfg.Tools.LLMTaskMaxPromptSize,
			MaxInputSize:  cfg.Tools.LLMTaskMaxInputSize,
		}
		if llmTaskCfg.DefaultModel == "" {
			for _, p := range cfg.LLM.Providers {
				if p.Name == cfg.LLM.DefaultProvider {
					llmTaskCfg.DefaultModel = p.Model
					break
				}
			}
		}
		agentComp.ToolRegistry.Register(tool.NewLLMTaskTool(llmProvider, llmRegistry, llmTaskCfg, log))
		log.Info("llm_task tool enabled", "timeout", cfg.Tools.LLMTaskTimeout, "max_tokens", cfg.Tools.LLMTaskMaxTokens)
	}

	// 14. Gateway.
	if cfg.Gateway.Enabled {
		var entries []struct {
			Token, Name string
			Roles       []string
		}
		for _, t := range cfg.Gateway.Auth.Tokens {
			entries = append(entries, struct {
				Token, Name string
				Roles       []string
			}{Token: t.Token, Name: t.Name, Roles: t.Roles})
		}
		auth := gateway.NewStaticTokenAuth(entries)
		gwServer := gateway.NewServer(bus, auth, cfg.Gateway.Addr, log)
		gwDeps := gateway.HandlerDeps{
			Router:         newOrchestratorDispatcher(orch, "gateway", scanner),
			Sessions:       sessionMgr,
			Tools:          agentComp.ToolRegistry,
			Bus:            bus,
			Logger:         log,
			ActiveRequests: &sync.Map{},
			Authorizer:     sec.Authorizer,
			AuditLogger:    sec.AuditLogger,
		}
		if comp.CronManager != nil {
			gwDeps.CronManager = comp.CronManager
		}
		if agentComp.ProcessManager != nil {
			gwDeps.ProcessManager = agentComp.ProcessManager
		}
		gateway.RegisterDefaultHandlers(gwServer, gwDeps)

		channelNames := make([]string, len(comp.Channels))
		for i, ch := range comp.Channels {
			channelNames[i] = ch.Name()
		}
		gateway.RegisterRESTHandlers(gwServer, gwDeps, channelNames)

		comp.Gateway = gwServer
		log.Info("gateway enabled", "addr", cfg.Gateway.Addr)
	}

	cleanup := func(ctx context.Context) error {
		if voiceCallTool != nil {
			voiceCallTool.HangupActiveCalls(ctx)
		}
		if comp.Gateway != nil {
			comp.Gateway.Stop(ctx)
		}
		if agentComp.ProcessManager != nil {
			agentComp.ProcessManager.Stop(ctx)
		}
		if comp.Scheduler != nil {
			comp.Scheduler.Stop()
		}
		for _, ch := range comp.Channels {
			if err := ch.Stop(ctx); err != nil {
				log.Warn("channel stop error", "channel", ch.Name(), "error", err)
			}
		}
		return nil
	}

	return comp, cleanup, nil
}

// buildChannels creates channels based on config, defaulting to webchat
// when none are configured.
func buildChannels(cfg *config.Config, log *slog.Logger) ([]domain.Channel, error) {
	if len(cfg.Channels) == 0 {
		return []domain.Channel{channel.NewWebChatChannel(log)}, nil
	}

	var channels []domain.Channel
	for _, cc := range cfg.Channels {
		switch cc.Type {
		case "http":
			addr := ""
			if cc.HTTP != nil {
				addr = cc.HTTP.Addr
			}
			if addr == "" {
				addr = ":8080"
			}
			channels = append(channels, channel.NewHTTPChannel(addr, log))
		case "telegram":
			if cc.Telegram == nil || cc.Telegram.Token == "" {
				log.Warn("telegram channel configured but no token provided, skipping")
				continue
			}
			var opts []channel.TelegramOption
			if cc.MentionOnly {
				opts = append(opts, channel.WithTelegramMentionOnly(true))
			}
			channels = append(channels, channel.NewTelegramChannel(cc.Telegram.Token, log, opts...))
		case "discord":
			ch, err := buildDiscordChannel(cc, log)
			if err != nil {
				return nil, fmt.Errorf("discord: %w", err)
			}
			channels = append(channels, ch)
		case "slack":
			ch, err := buildSlackChannel(cc, log)
			if err != nil {
				return nil, fmt.Errorf("slack: %w", err)
			}
			channels = append(channels, ch)
		case "webchat":
			channels = append(channels, channel.NewWebChatChannel(log))
		default:
			return nil, fmt.Errorf("unknown channel type: %s", cc.Type)
		}
	}

	if len(channels) == 0 {
		return []domain.Channel{channel.NewWebChatChannel(log)}, nil
	}

	return channels, nil
}

