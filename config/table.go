// ABOUTME: Assembly table loading: routing rules, pipeline templates, module registry.
// ABOUTME: The table is the declarative source for every pool the scheduler runs.

package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/router"
)

// Table is the declarative assembly table. Routing rules feed the router,
// pipeline templates feed the assembler, and the module registry overrides
// built-in stage config schemas.
type Table struct {
	Version             string                  `json:"version"`
	DefaultVirtualModel string                  `json:"defaultVirtualModel,omitempty"`
	RoutingRules        []router.Rule           `json:"routingRules"`
	PipelineTemplates   []pipeline.Template     `json:"pipelineTemplates"`
	ModuleRegistry      []pipeline.ModuleSchema `json:"moduleRegistry,omitempty"`
}

// LoadTable reads and parses the assembly table at path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "reading assembly table")
	}
	return ParseTable(data)
}

// ParseTable decodes an assembly table document and checks its version.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "parsing assembly table")
	}
	if t.Version == "" {
		return nil, pipeline.New(pipeline.CodeConfigValidationFailed, "assembly table has no version")
	}
	if major(t.Version) != "1" {
		return nil, pipeline.Newf(pipeline.CodeConfigValidationFailed, "assembly table version %q is not supported", t.Version)
	}
	return &t, nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

// Templates returns the table's templates with the service config's weight
// overrides applied.
func (t *Table) Templates(weights map[string]int) []pipeline.Template {
	if len(weights) == 0 {
		return t.PipelineTemplates
	}
	out := make([]pipeline.Template, len(t.PipelineTemplates))
	copy(out, t.PipelineTemplates)
	for i := range out {
		if w, ok := weights[out[i].TemplateID]; ok {
			out[i].BaseConfig.Weight = w
		}
	}
	return out
}

// VirtualModels lists the distinct virtual-model ids the table declares,
// in first-appearance order.
func (t *Table) VirtualModels() []string {
	seen := make(map[string]bool, len(t.PipelineTemplates))
	var out []string
	for _, tpl := range t.PipelineTemplates {
		if tpl.VirtualModelID == "" || seen[tpl.VirtualModelID] {
			continue
		}
		seen[tpl.VirtualModelID] = true
		out = append(out, tpl.VirtualModelID)
	}
	return out
}
