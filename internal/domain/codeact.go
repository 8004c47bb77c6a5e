package domain

// ToolParam describes one parameter of a Code-Act-callable tool.
type ToolParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ToolCatalogueEntry describes one tool admitted into a Code-Act sandbox's
// guest-visible function surface.
type ToolCatalogueEntry struct {
	Name        string      `json:"name"`
	Params      []ToolParam `json:"params"`
	ReturnType  string      `json:"return_type"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	// ReadOnly marks entries in the fixed subset available to tier-2/3
	// agents (search, load-checkpoint, read-file, browser-get-text,
	// browser-screenshot, list-bots, get-config, pr-review-read).
	ReadOnly bool `json:"read_only"`
}
