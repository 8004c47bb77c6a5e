package main

import (
	"context"
	"log/slog"

	"mama-os/internal/adapter/llm"
	"mama-os/internal/adapter/skill"
	"mama-os/internal/adapter/tool"
	"mama-os/internal/domain"
	"mama-os/internal/infra/config"
	"mama-os/internal/usecase"
	"mama-os/internal/usecase/process"
)

// AgentComponents holds the tool surface and supporting backends that the
// orchestrator's GatewayToolExecutor is built from.
type AgentComponents struct {
	ToolRegistry   *tool.Registry
	Approver       domain.ToolApprover
	ProcessManager *process.Manager // can be nil
}

// initAgent builds the shared tool registry: backends, approval gate, skills.
// The orchestrator (not this registry directly) is the dispatch path; see
// buildToolBridge in compose.go for how these tools reach GatewayToolExecutor.
func initAgent(
	ctx context.Context,
	cfg *config.Config,
	llmProvider domain.LLMProvider,
	llmRegistry *llm.Registry,
	security *SecurityComponents,
	bus domain.EventBus,
	log *slog.Logger,
) (*AgentComponents, error) {
	// 1. Init tool approver (if enabled)
	var approver domain.ToolApprover
	if cfg.Agent.ToolApproval.Enabled {
		approver = usecase.NewConfigApprover(
			cfg.Agent.ToolApproval.AlwaysApprove,
			cfg.Agent.ToolApproval.AlwaysDeny,
		)
		log.Info("tool approval enabled",
			"always_approve", cfg.Agent.ToolApproval.AlwaysApprove,
			"always_deny", cfg.Agent.ToolApproval.AlwaysDeny,
		)
	}

	// 2. Init tool backends + registry
	toolRegistry := tool.NewRegistry(log)

	fsBackend := createFilesystemBackend(cfg)
	toolRegistry.Register(tool.NewFilesystemTool(fsBackend, security.Sandbox, log))

	// Process manager (opt-in, needed before shell tool for background support)
	var processManager *process.Manager
	if cfg.Tools.ProcessEnabled {
		processManager = process.NewManager(process.ManagerConfig{
			MaxSessions:     cfg.Tools.ProcessMaxSessions,
			SessionTTL:      cfg.Tools.ProcessSessionTTL,
			OutputBufferMax: cfg.Tools.ProcessOutputMax,
		}, bus, log)
		log.Info("process management enabled",
			"max_sessions", cfg.Tools.ProcessMaxSessions,
			"session_ttl", cfg.Tools.ProcessSessionTTL,
		)
	}

	shellBackend := createShellBackend(cfg)
	var shellOpts []tool.ShellToolOption
	if processManager != nil {
		shellOpts = append(shellOpts, tool.WithProcessManager(processManager))
	}
	toolRegistry.Register(tool.NewShellTool(shellBackend, cfg.Tools.AllowedCommands, security.Sandbox, log, shellOpts...))

	if processManager != nil {
		toolRegistry.Register(tool.NewProcessTool(processManager, log))
		log.Info("process tool enabled")
	}

	toolRegistry.Register(tool.NewWebTool(log))

	searchBackend := createSearchBackend(cfg, log)
	toolRegistry.Register(tool.NewWebSearchTool(searchBackend, cfg.Tools.SearchCacheTTL, log))
	log.Info("web search tool enabled", "backend", cfg.Tools.SearchBackend)

	// Browser tool (opt-in, excluded from edge builds)
	if cfg.Tools.BrowserEnabled {
		browserBackend, err := createBrowserBackend(cfg, log)
		if err != nil {
			log.Warn("browser backend init failed, tool disabled", "error", err)
		} else {
			toolRegistry.Register(tool.NewBrowserTool(browserBackend, log))
			log.Info("browser tool enabled", "backend", cfg.Tools.BrowserBackend)
		}
	}

	// Canvas tool (opt-in, excluded from edge builds)
	if cfg.Tools.CanvasEnabled {
		canvasBackend, err := createCanvasBackend(cfg)
		if err != nil {
			log.Warn("canvas backend init failed, tool disabled", "error", err)
		} else {
			toolRegistry.Register(tool.NewCanvasTool(
				canvasBackend, bus,
				cfg.Tools.CanvasMaxSize, log,
			))
			log.Info("canvas tool enabled", "backend", cfg.Tools.CanvasBackend, "root", cfg.Tools.CanvasRoot)
		}
	}

	// Notes tool (opt-in)
	if cfg.Tools.NotesEnabled {
		notesBackend, err := tool.NewLocalNotesBackend(cfg.Tools.NotesDataDir)
		if err != nil {
			log.Warn("notes backend init failed, tool disabled", "error", err)
		} else {
			toolRegistry.Register(tool.NewNotesTool(notesBackend, log))
			log.Info("notes tool enabled", "data_dir", cfg.Tools.NotesDataDir)
		}
	}

	// GitHub tool (opt-in, excluded from edge builds)
	if cfg.Tools.GitHubEnabled {
		toolRegistry.Register(tool.NewGitHubTool(nil, cfg.Tools.GitHubTimeout, cfg.Tools.GitHubMaxRequestsPerMinute, log))
		log.Info("github tool enabled", "timeout", cfg.Tools.GitHubTimeout, "max_rpm", cfg.Tools.GitHubMaxRequestsPerMinute)
	}

	// Email tool (opt-in, excluded from edge builds)
	if cfg.Tools.EmailEnabled {
		toolRegistry.Register(tool.NewEmailTool(nil, cfg.Tools.EmailTimeout, cfg.Tools.EmailMaxSendsPerHour, cfg.Tools.EmailAllowedDomains, log))
		log.Info("email tool enabled", "timeout", cfg.Tools.EmailTimeout, "max_sends_per_hour", cfg.Tools.EmailMaxSendsPerHour)
	}

	// Calendar tool (opt-in, excluded from edge builds)
	if cfg.Tools.CalendarEnabled {
		toolRegistry.Register(tool.NewCalendarTool(nil, cfg.Tools.CalendarTimeout, log))
		log.Info("calendar tool enabled", "timeout", cfg.Tools.CalendarTimeout)
	}

	// Smart Home tool (opt-in, available in all builds including edge).
	if cfg.Tools.SmartHomeEnabled {
		toolRegistry.Register(tool.NewSmartHomeTool(nil, cfg.Tools.SmartHomeURL, cfg.Tools.SmartHomeToken, cfg.Tools.SmartHomeTimeout, cfg.Tools.SmartHomeMaxCallsPerMinute, log))
		log.Info("smart home tool enabled", "url", cfg.Tools.SmartHomeURL, "timeout", cfg.Tools.SmartHomeTimeout)
	}

	// MCP bridge (opt-in, excluded from edge builds): connect to MCP servers and register discovered tools.
	if cfg.Tools.MCPEnabled && len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
		if err != nil {
			log.Error("mcp bridge init failed", "error", err)
		} else {
			for _, t := range bridge.Tools() {
				toolRegistry.Register(t)
			}
			log.Info("mcp bridge enabled", "servers", len(cfg.Tools.MCPServers), "tools", len(bridge.Tools()))
		}
	}

	// MQTT tool (opt-in, available in all builds including edge).
	if cfg.Tools.MQTTEnabled {
		mqttBackend := tool.NewMockMQTTBackend() // TODO: replace with real MQTT client when paho dependency is added
		toolRegistry.Register(tool.NewMQTTTool(mqttBackend, log))
		log.Info("mqtt tool enabled", "broker", cfg.Tools.MQTTBrokerURL)
	}

	// Load skills (if enabled) and register the tool-triggered ones.
	if cfg.Skills.Enabled {
		skillProvider := skill.NewFileSkillProvider(cfg.Skills.Dir)
		skills, err := skillProvider.Load(ctx)
		if err != nil {
			log.Warn("failed to load skills", "error", err, "dir", cfg.Skills.Dir)
		} else {
			var skillOpts []skill.SkillToolOption
			skillOpts = append(skillOpts, skill.WithLogger(log))
			if len(cfg.LLM.ModelRouting) > 0 && llmRegistry != nil {
				router := llm.NewPreferenceRouter(cfg.LLM.ModelRouting, llmRegistry, llmProvider)
				skillOpts = append(skillOpts, skill.WithModelRouter(router))
				log.Info("skill model routing enabled", "routes", cfg.LLM.ModelRouting)
			}

			for _, s := range skills {
				if s.Trigger == "tool" || s.Trigger == "both" {
					toolRegistry.Register(skill.NewSkillTool(s, skillOpts...))
				}
				for _, requiredTool := range s.Tools {
					if _, err := toolRegistry.Get(requiredTool); err != nil {
						log.Warn("skill requires unavailable tool",
							"skill", s.Name,
							"tool", requiredTool,
						)
					}
				}
			}

			log.Info("skills loaded", "count", len(skills))
		}
	}

	return &AgentComponents{
		ToolRegistry:   toolRegistry,
		Approver:       approver,
		ProcessManager: processManager,
	}, nil
}

// createSearchBackend builds the configured search backend.
func createSearchBackend(cfg *config.Config, log *slog.Logger) tool.SearchBackend {
	switch cfg.Tools.SearchBackend {
	case "searxng":
		return tool.NewSearXNGBackend(cfg.Tools.SearXNGURL, log)
	default:
		return tool.NewSearXNGBackend(cfg.Tools.SearXNGURL, log)
	}
}

// createFilesystemBackend builds the configured filesystem backend.
func createFilesystemBackend(cfg *config.Config) tool.FilesystemBackend {
	switch cfg.Tools.FilesystemBackend {
	case "local":
		return tool.NewLocalFilesystemBackend()
	default:
		return tool.NewLocalFilesystemBackend()
	}
}

// createShellBackend builds the configured shell backend.
func createShellBackend(cfg *config.Config) tool.ShellBackend {
	switch cfg.Tools.ShellBackend {
	case "local":
		return tool.NewLocalShellBackend(cfg.Tools.ShellTimeout)
	default:
		return tool.NewLocalShellBackend(cfg.Tools.ShellTimeout)
	}
}

// createCanvasBackend builds the configured canvas backend.
func createCanvasBackend(cfg *config.Config) (tool.CanvasBackend, error) {
	switch cfg.Tools.CanvasBackend {
	case "local":
		return tool.NewLocalCanvasBackend(cfg.Tools.CanvasRoot)
	default:
		return tool.NewLocalCanvasBackend(cfg.Tools.CanvasRoot)
	}
}

// createBrowserBackend builds the configured browser backend.
func createBrowserBackend(cfg *config.Config, log *slog.Logger) (tool.BrowserBackend, error) {
	switch cfg.Tools.BrowserBackend {
	case "chromedp":
		return tool.NewChromeDPBackend(tool.ChromeDPConfig{
			RemoteURL: cfg.Tools.BrowserCDPURL,
			Headless:  cfg.Tools.BrowserHeadless,
			Timeout:   cfg.Tools.BrowserTimeout,
		}, log)
	default:
		return tool.NewChromeDPBackend(tool.ChromeDPConfig{
			RemoteURL: cfg.Tools.BrowserCDPURL,
			Headless:  cfg.Tools.BrowserHeadless,
			Timeout:   cfg.Tools.BrowserTimeout,
		}, log)
	}
}
