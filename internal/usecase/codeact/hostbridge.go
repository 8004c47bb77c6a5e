package codeact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"mama-os/internal/domain"
	"mama-os/internal/usecase/toolexec"
)

// readOnlyTierSubset is the fixed, enumerated set of tools available to
// tier-2/3 agents.
var readOnlyTierSubset = map[string]bool{
	"search":                true,
	"load_checkpoint":       true,
	"read_file":             true,
	"browser_get_text":      true,
	"browser_screenshot":    true,
	"list_bots":             true,
	"get_config":            true,
	"pr_review_read":        true,
}

// HostBridge owns the tool-catalogue metadata and admits a tier-filtered
// subset of it into a Code-Act sandbox's guest-visible function surface.
// Grounded on internal/plugin/wasm/host.go's capability-gated host-function
// registration, generalized from a fixed capability set to a per-tier
// catalogue filter over GatewayToolExecutor-backed tools.
type HostBridge struct {
	catalogue []domain.ToolCatalogueEntry
	executor  *toolexec.GatewayToolExecutor
}

// NewHostBridge creates a HostBridge over catalogue, dispatching admitted
// calls through executor.
func NewHostBridge(catalogue []domain.ToolCatalogueEntry, executor *toolexec.GatewayToolExecutor) *HostBridge {
	normalized := make([]domain.ToolCatalogueEntry, len(catalogue))
	copy(normalized, catalogue)
	for i := range normalized {
		if readOnlyTierSubset[normalized[i].Name] {
			normalized[i].ReadOnly = true
		}
	}
	return &HostBridge{catalogue: normalized, executor: executor}
}

// AdmittedTools returns the catalogue entries visible to an agent of the
// given tier: tier 1 sees everything; tier 2/3 see only the read-only
// subset.
func (b *HostBridge) AdmittedTools(tier int) []domain.ToolCatalogueEntry {
	if tier <= 1 {
		return b.catalogue
	}
	var out []domain.ToolCatalogueEntry
	for _, e := range b.catalogue {
		if e.ReadOnly {
			out = append(out, e)
		}
	}
	return out
}

// Lookup finds the catalogue entry named name among tier's admitted tools.
func (b *HostBridge) Lookup(tier int, name string) (domain.ToolCatalogueEntry, bool) {
	for _, e := range b.AdmittedTools(tier) {
		if e.Name == name {
			return e, true
		}
	}
	return domain.ToolCatalogueEntry{}, false
}

// Declarations emits a compact .d.ts-style listing of the tier's admitted
// tools, grouped by category, for inclusion in the LLM prompt.
func (b *HostBridge) Declarations(tier int) string {
	admitted := b.AdmittedTools(tier)
	byCategory := make(map[string][]domain.ToolCatalogueEntry)
	for _, e := range admitted {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var sb strings.Builder
	for _, cat := range categories {
		entries := byCategory[cat]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		fmt.Fprintf(&sb, "// %s\n", cat)
		for _, e := range entries {
			params := make([]string, len(e.Params))
			for i, p := range e.Params {
				opt := ""
				if !p.Required {
					opt = "?"
				}
				params[i] = fmt.Sprintf("%s%s: %s", p.Name, opt, p.Type)
			}
			fmt.Fprintf(&sb, "declare function %s(%s): %s; // %s\n",
				e.Name, strings.Join(params, ", "), e.ReturnType, e.Description)
		}
	}
	return sb.String()
}

// CoerceArgs accepts either a single JSON object (used directly) or a JSON
// array, whose elements are mapped positionally onto entry.Params in
// declared order. Every required parameter must then be present.
func CoerceArgs(entry domain.ToolCatalogueEntry, raw json.RawMessage) (map[string]any, error) {
	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("%s: invalid arguments: %w", entry.Name, err)
		}
	}

	params := map[string]any{}
	switch v := decoded.(type) {
	case map[string]any:
		params = v
	case []any:
		for i, p := range entry.Params {
			if i < len(v) {
				params[p.Name] = v[i]
			}
		}
	case nil:
		// no arguments supplied at all.
	default:
		return nil, fmt.Errorf("%s: usage: %s", entry.Name, usageString(entry))
	}

	var missing []string
	for _, p := range entry.Params {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing required argument(s) %s; usage: %s",
			entry.Name, strings.Join(missing, ", "), usageString(entry))
	}

	if err := validateAgainstSchema(entry, params); err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}

	return params, nil
}

// validateAgainstSchema builds a JSON Schema from entry.Params and validates
// params against it, catching type mismatches CoerceArgs' presence check
// alone would miss (e.g. a string passed where an array was declared).
// Grounded on adapter/tool/llm_task.go's validateJSONSchema helper (same
// compile-then-validate shape), reused here at the HostBridge argument
// boundary instead of the LLM-structured-output boundary.
func validateAgainstSchema(entry domain.ToolCatalogueEntry, params map[string]any) error {
	properties := make(map[string]any, len(entry.Params))
	var required []string
	for _, p := range entry.Params {
		properties[p.Name] = map[string]any{"type": jsonSchemaType(p.Type)}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schemaDoc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": true,
	}
	schemaBytes, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaBytes)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	result := schema.Validate(params)
	if !result.IsValid() {
		return fmt.Errorf("argument validation failed: %s", result.Error())
	}
	return nil
}

// jsonSchemaType maps the catalogue's loose declaration-style type names
// onto JSON Schema primitive type names.
func jsonSchemaType(t string) string {
	switch {
	case strings.HasSuffix(t, "[]"):
		return "array"
	case t == "number" || t == "int" || t == "integer":
		return "number"
	case t == "boolean" || t == "bool":
		return "boolean"
	case t == "object":
		return "object"
	default:
		return "string"
	}
}

func usageString(entry domain.ToolCatalogueEntry) string {
	names := make([]string, len(entry.Params))
	for i, p := range entry.Params {
		names[i] = p.Name
	}
	return fmt.Sprintf("%s(%s)", entry.Name, strings.Join(names, ", "))
}

// Call coerces args, validates parameters, and dispatches to the
// GatewayToolExecutor. On failure, the returned error's message is what the
// guest-visible wrapper function throws into the sandboxed script.
func (b *HostBridge) Call(ctx context.Context, entry domain.ToolCatalogueEntry, raw json.RawMessage, ectx toolexec.ExecContext) (*domain.ToolResult, error) {
	args, err := CoerceArgs(entry, raw)
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal arguments: %w", entry.Name, err)
	}
	result, err := b.executor.Execute(ctx, entry.Name, input, ectx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Name, err)
	}
	return result, nil
}
