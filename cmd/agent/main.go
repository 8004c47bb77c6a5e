package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"mama-os/cmd/agent/daemon"
	"mama-os/internal/domain"
	"mama-os/internal/infra/config"
	"mama-os/internal/infra/logger"
	"mama-os/internal/infra/tracer"
	"mama-os/internal/usecase/eventbus"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'mama-os --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`mama-os - Privacy-first multi-agent orchestration framework

USAGE:
    mama-os [COMMAND] [FLAGS]

COMMANDS:
    daemon      Manage mama-os as system service
                Subcommands: install, uninstall, status
    doctor      Run health checks on your setup

    (no command) - Run the orchestrator with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)
    --provider NAME    LLM provider (openai, anthropic, gemini, openrouter)
    --model NAME       Model name (e.g. gpt-4o, claude-sonnet-4-5-20250929)
    --key KEY          API key for the provider

CONFIGURATION:
    Config file: ./config.yaml
    Environment: MAMAOS_* variables override config

EXAMPLES:
    mama-os                    # Run with config.yaml
    mama-os --config /path/to/config.yaml    # Run with custom config
    mama-os --provider openai --model gpt-4o --key sk-...  # Quick start
    mama-os daemon install     # Install as system service
    mama-os doctor             # Check system health

LEARN MORE:
    Documentation: ./docs/
    Quick Start:   ./docs/getting-started.md`)
}

func showFirstRunMessage() {
	fmt.Println(`Welcome to mama-os!

No configuration found. Let's get you started:

Option 1: Manual Configuration
  Create config.yaml following the documentation in ./docs/

Option 2: Quick Start with Environment Variables
  Set these environment variables:
    MAMAOS_LLM_DEFAULT_PROVIDER=openai
    MAMAOS_LLM_PROVIDER_OPENAI_API_KEY=sk-...
  Then run: mama-os

Run 'mama-os --help' for the full flag list.`)
}

// cliFlags holds optional CLI flags that can bypass config-file loading.
type cliFlags struct {
	Provider string
	Model    string
	APIKey   string
}

// parseFlags extracts --provider, --model, --key from os.Args.
func parseFlags() cliFlags {
	var flags cliFlags
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--provider" && i+1 < len(os.Args):
			flags.Provider = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--provider="):
			flags.Provider = strings.TrimPrefix(os.Args[i], "--provider=")
		case os.Args[i] == "--model" && i+1 < len(os.Args):
			flags.Model = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--model="):
			flags.Model = strings.TrimPrefix(os.Args[i], "--model=")
		case os.Args[i] == "--key" && i+1 < len(os.Args):
			flags.APIKey = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--key="):
			flags.APIKey = strings.TrimPrefix(os.Args[i], "--key=")
		}
	}
	return flags
}

// buildQuickConfig creates a minimal config from CLI flags, bypassing
// config file loading.
func buildQuickConfig(flags cliFlags) (*config.Config, error) {
	if flags.Provider == "" || flags.Model == "" || flags.APIKey == "" {
		return nil, fmt.Errorf("--provider, --model, and --key must all be specified")
	}

	cfg := config.Defaults()
	cfg.LLM.DefaultProvider = flags.Provider
	cfg.LLM.Providers = []config.ProviderConfig{
		{
			Name:   flags.Provider,
			Type:   flags.Provider,
			Model:  flags.Model,
			APIKey: flags.APIKey,
		},
	}

	config.ApplyEnvOverrides(cfg)
	return cfg, nil
}

// run is the composition root: it wires security, LLM providers, the tool
// registry, and the Orchestrator (sessions, role manager, tool bridge,
// response enforcement, delegation), then starts channels, the scheduler,
// and the gateway against that single dispatch path.
func run() error {
	// 1. Config
	flags := parseFlags()

	var cfg *config.Config
	var err error

	if flags.Provider != "" {
		// Quick start via CLI flags — skip config file.
		cfg, err = buildQuickConfig(flags)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	} else {
		cfgPath := configPath()

		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			showFirstRunMessage()
			return nil
		}

		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Security (sandbox, encryption, audit, secret scanning, RBAC)
	security, securityCleanup, err := initSecurity(cfg, log)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	defer securityCleanup()

	// 4. LLM providers
	llmComponents, err := initLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 5. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 6. Agent components (tool registry, approval gate, process manager)
	agentComp, err := initAgent(ctx, cfg, llmComponents.DefaultLLM, llmComponents.Registry, security, bus, log)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	// 7. Runtime: Orchestrator, sessions, channels, scheduler, cron, gateway
	runtime, runtimeCleanup, err := initRuntime(ctx, cfg, llmComponents.Registry, llmComponents.DefaultLLM,
		agentComp, security, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runtimeCleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Start scheduler
	if runtime.Scheduler != nil {
		go runtime.Scheduler.Start(ctx)
	}

	// 10. Start gateway
	if runtime.Gateway != nil {
		go func() {
			if err := runtime.Gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}

	log.Info("mama-os starting",
		"provider", cfg.LLM.DefaultProvider,
		"tools", len(agentComp.ToolRegistry.List()),
		"encryption", security.Encryptor != nil,
		"audit", security.AuditLogger != nil,
		"channels", len(runtime.Channels),
	)

	// 11. Wire each channel's inbound callback through the orchestrator and
	// start all channels. A single channel blocks the process on its Start;
	// multiple channels run concurrently and the process exits once the
	// shutdown context is cancelled.
	if len(runtime.Channels) == 1 {
		ch := runtime.Channels[0]
		handler := channelDispatchHandler(runtime.Orchestrator, ch.Name(), ch, runtime.RateLimiter, runtime.Scanner, log)
		return ch.Start(ctx, handler)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(runtime.Channels))

	for _, ch := range runtime.Channels {
		wg.Add(1)
		go func(c domain.Channel) {
			defer wg.Done()
			handler := channelDispatchHandler(runtime.Orchestrator, c.Name(), c, runtime.RateLimiter, runtime.Scanner, log)
			if err := c.Start(ctx, handler); err != nil {
				errCh <- fmt.Errorf("channel %s: %w", c.Name(), err)
			}
		}(ch)
	}

	<-ctx.Done()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("MAMAOS_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runDaemon() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: mama-os daemon <install|uninstall|status>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall("mama-os")
	case "status":
		status, err := daemon.Status("mama-os")
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("mama-os is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("mama-os is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}
