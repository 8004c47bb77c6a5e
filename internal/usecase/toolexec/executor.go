package toolexec

import (
	"context"
	"encoding/json"

	"mama-os/internal/domain"
	"mama-os/internal/usecase/rolemanager"
)

// ExecContext is the per-call identity passed to a handler: which agent and
// session issued the call, and under which role it runs.
type ExecContext struct {
	AgentID   string
	SessionID string
	Role      domain.RoleConfig
}

// Handler is a registered tool implementation. Handlers must be pure
// functions of (input, ctx) and idempotent if they mutate external state.
type Handler func(ctx context.Context, input json.RawMessage, ectx ExecContext) (*domain.ToolResult, error)

// PathExtractor pulls every filesystem path a tool call references out of
// its raw input, so the executor can run IsPathAllowed over each one before
// dispatch.
type PathExtractor func(input json.RawMessage) []string

type registration struct {
	handler   Handler
	extractor PathExtractor // nil for tools that don't touch the filesystem
}

// GatewayToolExecutor validates role/path permissions before dispatching a
// tool call to its registered handler. Grounded on usecase.Agent.executeTool
// (Get → approval/permission gate → Execute → audit) generalized from a
// single fixed tool registry to role-scoped dispatch.
type GatewayToolExecutor struct {
	roles *rolemanager.RoleManager
	tools map[string]registration
}

// New creates a GatewayToolExecutor backed by roles.
func New(roles *rolemanager.RoleManager) *GatewayToolExecutor {
	return &GatewayToolExecutor{roles: roles, tools: make(map[string]registration)}
}

// Register adds a tool handler with no filesystem path validation.
func (e *GatewayToolExecutor) Register(name string, h Handler) {
	e.tools[name] = registration{handler: h}
}

// RegisterFileTouching adds a tool handler whose input may reference
// filesystem paths; every path extractor returns is checked against
// IsPathAllowed before the handler runs.
func (e *GatewayToolExecutor) RegisterFileTouching(name string, h Handler, extractor PathExtractor) {
	e.tools[name] = registration{handler: h, extractor: extractor}
}

// Execute validates isToolAllowed and (for file-touching tools)
// isPathAllowed on every referenced path, then dispatches to the
// registered handler. Unknown tools fail with ErrUnknownTool; blocked
// tools fail with ErrPermissionDenied rather than silently no-op'ing.
func (e *GatewayToolExecutor) Execute(ctx context.Context, toolName string, input json.RawMessage, ectx ExecContext) (*domain.ToolResult, error) {
	reg, ok := e.tools[toolName]
	if !ok {
		return nil, domain.NewDomainError("GatewayToolExecutor.Execute", domain.ErrUnknownTool, toolName)
	}

	if !e.roles.IsToolAllowed(ectx.Role, toolName) {
		return nil, domain.NewDomainError("GatewayToolExecutor.Execute", domain.ErrPermissionDenied, toolName)
	}

	if reg.extractor != nil {
		for _, p := range reg.extractor(input) {
			if !e.roles.IsPathAllowed(ectx.Role, p) {
				return nil, domain.NewDomainError("GatewayToolExecutor.Execute", domain.ErrPermissionDenied, p)
			}
		}
	}

	return reg.handler(ctx, input, ectx)
}
