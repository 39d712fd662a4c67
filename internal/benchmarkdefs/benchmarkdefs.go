// Package benchmarkdefs loads benchmark.Scenario catalogues from YAML files,
// the same on-disk shape the agent registry uses for agent definitions.
package benchmarkdefs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conclave-ai/conclave/internal/benchmark"
	"github.com/conclave-ai/conclave/internal/errs"
)

type successCriteriaFile struct {
	MinAgents        int      `yaml:"min_agents"`
	MaxTurns         int      `yaml:"max_turns"`
	RequiredKeywords []string `yaml:"required_keywords"`
	MaxCost          float64  `yaml:"max_cost"`
	MaxDurationMs    int64    `yaml:"max_duration_ms"`
	AgentDiversity   float64  `yaml:"agent_diversity"`
}

type scenarioFile struct {
	ScenarioID     string              `yaml:"scenario_id"`
	Name           string              `yaml:"name"`
	Category       string              `yaml:"category"`
	Complexity     string              `yaml:"complexity"`
	ExpectedAgents int                 `yaml:"expected_agents"`
	MaxTurns       int                 `yaml:"max_turns"`
	TimeoutSeconds int                 `yaml:"timeout_s"`
	Success        successCriteriaFile `yaml:"success"`
	TestMessages   []string            `yaml:"test_messages"`
}

type scenarioSetFile struct {
	Scenarios []scenarioFile `yaml:"scenarios"`
}

// Load parses every *.yaml/*.yml file under dir into a flat Scenario list.
func Load(dir string) ([]benchmark.Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "read_benchmark_scenarios_dir", err)
	}

	seen := make(map[string]bool)
	var out []benchmark.Scenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.New(errs.KindInternal, "read_benchmark_scenario_file", err)
		}
		var raw scenarioSetFile
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, errs.New(errs.KindInternal, "parse_benchmark_scenario_file:"+entry.Name(), err)
		}
		for _, s := range raw.Scenarios {
			if s.ScenarioID == "" {
				return nil, errs.New(errs.KindInternal, "missing_scenario_id:"+entry.Name(), nil)
			}
			if seen[s.ScenarioID] {
				return nil, errs.New(errs.KindInternal, "duplicate_scenario_id:"+s.ScenarioID, nil)
			}
			seen[s.ScenarioID] = true
			out = append(out, benchmark.Scenario{
				ScenarioID:     s.ScenarioID,
				Name:           s.Name,
				Category:       s.Category,
				Complexity:     benchmark.Complexity(s.Complexity),
				ExpectedAgents: s.ExpectedAgents,
				MaxTurns:       s.MaxTurns,
				Timeout:        time.Duration(s.TimeoutSeconds) * time.Second,
				TestMessages:   s.TestMessages,
				Success: benchmark.SuccessCriteria{
					MinAgents:        s.Success.MinAgents,
					MaxTurns:         s.Success.MaxTurns,
					RequiredKeywords: s.Success.RequiredKeywords,
					MaxCost:          s.Success.MaxCost,
					MaxDurationMs:    s.Success.MaxDurationMs,
					AgentDiversity:   s.Success.AgentDiversity,
				},
			})
		}
	}

	return out, nil
}
