package codeact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"mama-os/internal/domain"
	"mama-os/internal/plugin/wasm"
	"mama-os/internal/usecase/toolexec"
)

// hostModule is the namespace under which Code-Act host functions are
// registered, distinct from the plugin SDK's alfred_v1/mama_os_v1 module so
// the two guest surfaces never collide if loaded into the same runtime.
const hostModule = "codeact_v1"

// Config mirrors the Code-Act sandbox's resource limits.
type Config struct {
	MaxMemoryMB        int
	MaxStackKB         int
	TimeoutMs          int64
	MaxConcurrentCalls int
}

// DefaultConfig returns conservative resource-limit defaults.
func DefaultConfig() Config {
	return Config{MaxMemoryMB: 32, MaxStackKB: 512, TimeoutMs: 10_000, MaxConcurrentCalls: 50}
}

// Metrics reports per-execution host-call accounting.
type Metrics struct {
	DurationMs        int64 `json:"duration_ms"`
	InFlightHostCalls int32 `json:"in_flight_host_calls"`
	TotalHostCalls    int32 `json:"total_host_calls"`
}

// Result is the outcome of one Execute call.
type Result struct {
	Success bool            `json:"success"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
	Logs    []string        `json:"logs"`
	Metrics Metrics         `json:"metrics"`
}

// ExecContext identifies the caller for tool-permission purposes.
type ExecContext struct {
	AgentID   string
	SessionID string
	Tier      int
	Role      domain.RoleConfig
}

// hostEnv is the per-Execute-call state shared by registered host
// functions: log capture and the in-flight/total host-call counters.
type hostEnv struct {
	bridge     *HostBridge
	ectx       toolexec.ExecContext
	tier       int
	maxCalls   int32
	logs       []string
	inFlight   int32
	totalCalls int32
	ctx        context.Context
}

// Sandbox executes one Code-Act guest module per call inside a
// memory/stack-limited, deadline-interrupted wazero runtime. Grounded on
// internal/plugin/wasm's Runtime/RegisterHostFunctions/LoadPlugin
// machinery, repurposed so the guest-visible host surface is
// HostBridge's tiered tool catalogue instead of the plugin SDK's
// capability set.
type Sandbox struct {
	cfg    Config
	bridge *HostBridge
	logger *slog.Logger
}

// NewSandbox creates a Sandbox backed by bridge.
func NewSandbox(cfg Config, bridge *HostBridge, logger *slog.Logger) *Sandbox {
	return &Sandbox{cfg: cfg, bridge: bridge, logger: logger}
}

// memoryPages converts a megabyte limit into 64KB wazero memory pages.
func memoryPages(mb int) uint32 {
	return uint32(mb) * 16
}

// Execute compiles and runs one guest module (pre-compiled WASM bytes that
// the Code-Act code-generation step produced from the model's script) and
// returns its outcome. All VM resources are released on every exit path,
// matching wasm.Runtime's Close/module.Close discipline.
func (s *Sandbox) Execute(ctx context.Context, code []byte, ectx ExecContext) *Result {
	start := time.Now()

	rt, err := wasm.NewRuntime(ctx, wasm.RuntimeConfig{MaxMemoryPages: memoryPages(s.cfg.MaxMemoryMB)}, s.logger)
	if err != nil {
		return &Result{Error: fmt.Sprintf("create runtime: %v", err), Metrics: Metrics{DurationMs: time.Since(start).Milliseconds()}}
	}
	defer rt.Close(context.Background())

	env := &hostEnv{
		bridge:   s.bridge,
		ectx:     toolexec.ExecContext{AgentID: ectx.AgentID, SessionID: ectx.SessionID, Role: ectx.Role},
		tier:     ectx.Tier,
		maxCalls: int32(s.cfg.MaxConcurrentCalls),
		ctx:      ctx,
	}

	hostCompiled, err := registerHostFunctions(ctx, rt.Inner(), env)
	if err != nil {
		return s.fail(env, start, fmt.Sprintf("register host functions: %v", err))
	}
	if _, err := rt.Inner().InstantiateModule(ctx, hostCompiled, wazero.NewModuleConfig().WithName(hostModule)); err != nil {
		return s.fail(env, start, fmt.Sprintf("instantiate host module: %v", err))
	}

	compiled, err := rt.Inner().CompileModule(ctx, code)
	if err != nil {
		return s.fail(env, start, fmt.Sprintf("compile guest module: %v", err))
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	mod, err := rt.Inner().InstantiateModule(execCtx, compiled, wazero.NewModuleConfig().WithName("codeact_guest"))
	if err != nil {
		if execCtx.Err() != nil {
			return s.fail(env, start, "execution deadline exceeded")
		}
		return s.fail(env, start, fmt.Sprintf("instantiate guest module: %v", err))
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction("codeact_execute")
	if fn == nil {
		return s.fail(env, start, "guest module does not export codeact_execute")
	}

	results, err := fn.Call(execCtx)
	if err != nil {
		if execCtx.Err() != nil {
			return s.fail(env, start, "execution deadline exceeded")
		}
		return s.fail(env, start, err.Error())
	}
	if len(results) < 2 {
		return s.fail(env, start, "guest returned malformed result")
	}

	ptr, size := uint32(results[0]), uint32(results[1])
	raw, err := wasm.ReadBytes(mod, ptr, size)
	if err != nil {
		return s.fail(env, start, fmt.Sprintf("read guest result: %v", err))
	}

	value, fulfilled, wasThenable := UnwrapThenable(raw)
	if !wasThenable {
		return &Result{Success: true, Value: raw, Logs: env.logs, Metrics: env.metrics(start)}
	}
	if fulfilled {
		return &Result{Success: true, Value: value, Logs: env.logs, Metrics: env.metrics(start)}
	}
	return &Result{Success: false, Error: string(value), Logs: env.logs, Metrics: env.metrics(start)}
}

func (s *Sandbox) fail(env *hostEnv, start time.Time, msg string) *Result {
	return &Result{Success: false, Error: msg, Logs: env.logs, Metrics: env.metrics(start)}
}

func (e *hostEnv) metrics(start time.Time) Metrics {
	return Metrics{
		DurationMs:        time.Since(start).Milliseconds(),
		InFlightHostCalls: atomic.LoadInt32(&e.inFlight),
		TotalHostCalls:    atomic.LoadInt32(&e.totalCalls),
	}
}

// registerHostFunctions registers the codeact_v1 host module: console_log
// capture and one call_tool dispatcher shared by every admitted tool
// (the guest-side wrapper functions named after each tool all funnel
// through it with the tool name as an argument, keeping the host module
// surface fixed regardless of catalogue size).
func registerHostFunctions(ctx context.Context, rt wazero.Runtime, env *hostEnv) (wazero.CompiledModule, error) {
	builder := rt.NewHostModuleBuilder(hostModule)

	// console_log(ptr, len) — always allowed, captured into Result.Logs.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			ptr, size := uint32(stack[0]), uint32(stack[1])
			msg, err := wasm.ReadString(mod, ptr, size)
			if err != nil {
				return
			}
			env.logs = append(env.logs, msg)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("console_log")

	// call_tool(name_ptr, name_len, args_ptr, args_len) → (ptr, len).
	// The result is the tool's JSON output on success, or a JSON string
	// error message that the guest wrapper re-throws on failure (callers
	// distinguish via the returned err_flag, the third return value).
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			namePtr, nameLen := uint32(stack[0]), uint32(stack[1])
			argsPtr, argsLen := uint32(stack[2]), uint32(stack[3])

			name, err := wasm.ReadString(mod, namePtr, nameLen)
			if err != nil {
				writeCallToolError(mod, stack, "call_tool: read name failed")
				return
			}
			args, err := wasm.ReadBytes(mod, argsPtr, argsLen)
			if err != nil {
				writeCallToolError(mod, stack, "call_tool: read args failed")
				return
			}

			total := atomic.AddInt32(&env.totalCalls, 1)
			if total > env.maxCalls {
				writeCallToolError(mod, stack, fmt.Sprintf("call_tool: exceeded max concurrent host calls (%d)", env.maxCalls))
				return
			}

			atomic.AddInt32(&env.inFlight, 1)
			defer atomic.AddInt32(&env.inFlight, -1)

			var entry domain.ToolCatalogueEntry
			var found bool
			for _, e := range env.bridge.AdmittedTools(env.tier) {
				if e.Name == name {
					entry, found = e, true
					break
				}
			}
			if !found {
				writeCallToolError(mod, stack, fmt.Sprintf("call_tool: %s is not admitted for this agent's tier", name))
				return
			}

			result, err := env.bridge.Call(env.ctx, entry, args, env.ectx)
			if err != nil {
				writeCallToolError(mod, stack, err.Error())
				return
			}

			safe, err := MarshalForGuest(result)
			if err != nil {
				writeCallToolError(mod, stack, fmt.Sprintf("call_tool: marshal result: %v", err))
				return
			}
			writeCallToolResult(mod, stack, safe, 0)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}).
		Export("call_tool")

	return builder.Compile(ctx)
}

func writeCallToolError(mod api.Module, stack []uint64, msg string) {
	writeCallToolResult(mod, stack, json.RawMessage(fmt.Sprintf("%q", msg)), 1)
}

func writeCallToolResult(mod api.Module, stack []uint64, data json.RawMessage, errFlag uint64) {
	ptr, size, err := wasm.WriteBytes(mod, data)
	if err != nil {
		stack[0], stack[1], stack[2] = 0, 0, 1
		return
	}
	stack[0] = uint64(ptr)
	stack[1] = uint64(size)
	stack[2] = errFlag
}
