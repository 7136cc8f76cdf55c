// ABOUTME: Tests for assembly-table parsing, version gating, and weight overrides.
// ABOUTME: A rejected table must never reach the assembler or the router.

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/2389-research/relay/config"
	"github.com/2389-research/relay/pipeline"
)

const tableDoc = `{
  "version": "1.0",
  "defaultVirtualModel": "gpt-fast",
  "routingRules": [
    {
      "ruleId": "messages-to-claude",
      "priority": 100,
      "conditions": [{"field": "path", "operator": "equals", "value": "/v1/messages"}],
      "pipelineSelection": {"weights": {"claude-smart": 1}}
    }
  ],
  "pipelineTemplates": [
    {
      "templateId": "tpl-a",
      "virtualModelId": "gpt-fast",
      "baseConfig": {"weight": 2},
      "moduleAssembly": {"moduleInstances": []}
    },
    {
      "templateId": "tpl-b",
      "virtualModelId": "claude-smart",
      "baseConfig": {"weight": 1},
      "moduleAssembly": {"moduleInstances": []}
    },
    {
      "templateId": "tpl-c",
      "virtualModelId": "gpt-fast",
      "baseConfig": {},
      "moduleAssembly": {"moduleInstances": []}
    }
  ]
}`

func TestParseTableDocument(t *testing.T) {
	tbl, err := config.ParseTable([]byte(tableDoc))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if tbl.Version != "1.0" || tbl.DefaultVirtualModel != "gpt-fast" {
		t.Errorf("header = %s / %s", tbl.Version, tbl.DefaultVirtualModel)
	}
	if len(tbl.RoutingRules) != 1 || tbl.RoutingRules[0].RuleID != "messages-to-claude" {
		t.Errorf("rules = %+v", tbl.RoutingRules)
	}
	if len(tbl.PipelineTemplates) != 3 {
		t.Fatalf("templates = %d", len(tbl.PipelineTemplates))
	}
	if tbl.PipelineTemplates[0].BaseConfig.Weight != 2 {
		t.Errorf("tpl-a weight = %d", tbl.PipelineTemplates[0].BaseConfig.Weight)
	}
}

func TestParseTableRequiresVersion(t *testing.T) {
	_, err := config.ParseTable([]byte(`{"pipelineTemplates": []}`))
	if !pipeline.IsCode(err, pipeline.CodeConfigValidationFailed) {
		t.Fatalf("error = %v, want CONFIG_VALIDATION_FAILED", err)
	}
}

func TestParseTableRejectsMajorVersionBump(t *testing.T) {
	_, err := config.ParseTable([]byte(`{"version": "2.0", "pipelineTemplates": []}`))
	if !pipeline.IsCode(err, pipeline.CodeConfigValidationFailed) {
		t.Fatalf("error = %v, want CONFIG_VALIDATION_FAILED", err)
	}
}

func TestParseTableAcceptsMinorVersions(t *testing.T) {
	for _, v := range []string{"1", "1.0", "1.2.3"} {
		if _, err := config.ParseTable([]byte(`{"version": "` + v + `"}`)); err != nil {
			t.Errorf("version %s rejected: %v", v, err)
		}
	}
}

func TestParseTableRejectsBadJSON(t *testing.T) {
	_, err := config.ParseTable([]byte(`{"version": `))
	if !pipeline.IsCode(err, pipeline.CodeConfigLoadFailed) {
		t.Fatalf("error = %v, want CONFIG_LOAD_FAILED", err)
	}
}

func TestLoadTableMissingFile(t *testing.T) {
	_, err := config.LoadTable(filepath.Join(t.TempDir(), "table.json"))
	if !pipeline.IsCode(err, pipeline.CodeConfigLoadFailed) {
		t.Fatalf("error = %v, want CONFIG_LOAD_FAILED", err)
	}
}

func TestLoadTableFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	if err := os.WriteFile(path, []byte(tableDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl, err := config.LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if len(tbl.PipelineTemplates) != 3 {
		t.Errorf("templates = %d", len(tbl.PipelineTemplates))
	}
}

func TestTemplatesAppliesWeightOverrides(t *testing.T) {
	tbl, err := config.ParseTable([]byte(tableDoc))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}

	out := tbl.Templates(map[string]int{"tpl-a": 9, "tpl-zzz": 5})
	if out[0].BaseConfig.Weight != 9 {
		t.Errorf("tpl-a weight = %d, want override 9", out[0].BaseConfig.Weight)
	}
	if out[1].BaseConfig.Weight != 1 {
		t.Errorf("tpl-b weight = %d, want untouched 1", out[1].BaseConfig.Weight)
	}
	// The table itself must stay pristine for the next reload diff.
	if tbl.PipelineTemplates[0].BaseConfig.Weight != 2 {
		t.Errorf("source table mutated: weight = %d", tbl.PipelineTemplates[0].BaseConfig.Weight)
	}
}

func TestTemplatesWithoutOverridesReturnsTable(t *testing.T) {
	tbl, err := config.ParseTable([]byte(tableDoc))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	out := tbl.Templates(nil)
	if len(out) != 3 || out[0].BaseConfig.Weight != 2 {
		t.Errorf("templates = %+v", out)
	}
}

func TestVirtualModelsFirstAppearanceOrder(t *testing.T) {
	tbl, err := config.ParseTable([]byte(tableDoc))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	got := tbl.VirtualModels()
	want := []string{"gpt-fast", "claude-smart"}
	if len(got) != len(want) {
		t.Fatalf("virtual models = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("virtual models = %v, want %v", got, want)
		}
	}
}
