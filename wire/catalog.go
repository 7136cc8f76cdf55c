// ABOUTME: Catalog of known upstream models: provider, dialect, context metadata.
// ABOUTME: Lookup by canonical ID or alias; the assembler uses it to infer dialects.

package wire

// ModelInfo describes one known upstream model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	Dialect       Dialect  `json:"dialect"`
	ContextWindow int      `json:"contextWindow,omitempty"`
	MaxOutput     int      `json:"maxOutput,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Catalog maps model names to provider metadata. Templates that omit a
// provider dialect resolve it here; unknown models fall back to the
// provider's first entry.
type Catalog struct {
	models []ModelInfo
}

// builtinModels is the default set of known models as of February 2026.
// Gemini entries route through the OpenAI-compatible endpoint.
func builtinModels() []ModelInfo {
	return []ModelInfo{
		{
			ID:            "claude-opus-4-6",
			Provider:      "anthropic",
			Dialect:       DialectAnthropic,
			ContextWindow: 200000,
			Aliases:       []string{"opus", "claude-opus"},
		},
		{
			ID:            "claude-sonnet-4-5",
			Provider:      "anthropic",
			Dialect:       DialectAnthropic,
			ContextWindow: 200000,
			Aliases:       []string{"sonnet", "claude-sonnet"},
		},
		{
			ID:            "gpt-5.2",
			Provider:      "openai",
			Dialect:       DialectOpenAI,
			ContextWindow: 1047576,
			Aliases:       []string{"gpt5"},
		},
		{
			ID:            "gpt-5.2-mini",
			Provider:      "openai",
			Dialect:       DialectOpenAI,
			ContextWindow: 1047576,
			Aliases:       []string{"gpt5-mini"},
		},
		{
			ID:            "gpt-5.2-codex",
			Provider:      "openai",
			Dialect:       DialectOpenAI,
			ContextWindow: 1047576,
			Aliases:       []string{"codex"},
		},
		{
			ID:            "gemini-3-pro-preview",
			Provider:      "gemini",
			Dialect:       DialectOpenAI,
			ContextWindow: 1048576,
			Aliases:       []string{"gemini-pro", "gemini-3-pro"},
		},
		{
			ID:            "gemini-3-flash-preview",
			Provider:      "gemini",
			Dialect:       DialectOpenAI,
			ContextWindow: 1048576,
			Aliases:       []string{"gemini-flash", "gemini-3-flash"},
		},
	}
}

// DefaultCatalog returns a catalog pre-populated with the built-in models.
// Each call returns an independent copy, so registrations stay local.
func DefaultCatalog() *Catalog {
	return &Catalog{models: builtinModels()}
}

// Lookup finds a model by its canonical ID or any of its aliases.
func (c *Catalog) Lookup(model string) (ModelInfo, bool) {
	for _, m := range c.models {
		if m.ID == model {
			return m, true
		}
		for _, alias := range m.Aliases {
			if alias == model {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

// DialectForProvider returns the dialect of the provider's first catalog
// entry, or DialectUnknown when the provider has none.
func (c *Catalog) DialectForProvider(provider string) Dialect {
	for _, m := range c.models {
		if m.Provider == provider {
			return m.Dialect
		}
	}
	return DialectUnknown
}

// ListModels returns the models for one provider, or every model when
// provider is empty.
func (c *Catalog) ListModels(provider string) []ModelInfo {
	var out []ModelInfo
	for _, m := range c.models {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// Register adds a model, replacing any existing entry with the same ID.
func (c *Catalog) Register(model ModelInfo) {
	for i := range c.models {
		if c.models[i].ID == model.ID {
			c.models[i] = model
			return
		}
	}
	c.models = append(c.models, model)
}
