// Package workflowdefs loads workflow.Definition catalogues from YAML files,
// the same on-disk shape the agent registry uses for agent definitions.
package workflowdefs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/workflow"
)

type stepFile struct {
	StepID           string            `yaml:"step_id"`
	AgentID          string            `yaml:"agent_id"`
	StepType         string            `yaml:"step_type"`
	Inputs           []string          `yaml:"inputs"`
	Outputs          map[string]string `yaml:"outputs"`
	Conditions       string            `yaml:"conditions"`
	TimeoutSeconds   int               `yaml:"timeout_s"`
	ApprovalRequired bool              `yaml:"approval_required"`
	RetryCount       int               `yaml:"retry_count"`
}

type definitionFile struct {
	WorkflowID     string            `yaml:"workflow_id"`
	Name           string            `yaml:"name"`
	Steps          []stepFile        `yaml:"steps"`
	EntryPoints    []string          `yaml:"entry_points"`
	ExitConditions []string          `yaml:"exit_conditions"`
	Metadata       map[string]string `yaml:"metadata"`
}

// Catalogue is the loaded set of definitions, keyed by workflow_id.
type Catalogue struct {
	byID map[string]workflow.Definition
}

// Get implements httpapi.WorkflowDefinitionLookup.
func (c *Catalogue) Get(workflowID string) (workflow.Definition, bool) {
	d, ok := c.byID[workflowID]
	return d, ok
}

// Load parses every *.yaml/*.yml file under dir into a Catalogue, validating
// each definition's DAG shape before admitting it.
func Load(dir string) (*Catalogue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "read_workflow_definitions_dir", err)
	}

	byID := make(map[string]workflow.Definition)
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
			return nil, errs.New(errs.KindInternal, "read_workflow_definition_file", err)
		}
		var raw definitionFile
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, errs.New(errs.KindInternal, "parse_workflow_definition_file:"+entry.Name(), err)
		}
		if raw.WorkflowID == "" {
			return nil, errs.New(errs.KindInternal, "missing_workflow_id:"+entry.Name(), nil)
		}
		if _, dup := byID[raw.WorkflowID]; dup {
			return nil, errs.New(errs.KindInternal, "duplicate_workflow_id:"+raw.WorkflowID, nil)
		}

		def := workflow.Definition{
			WorkflowID:     raw.WorkflowID,
			Name:           raw.Name,
			EntryPoints:    raw.EntryPoints,
			ExitConditions: raw.ExitConditions,
			Metadata:       raw.Metadata,
		}
		for _, s := range raw.Steps {
			def.Steps = append(def.Steps, workflow.Step{
				StepID:           s.StepID,
				AgentID:          s.AgentID,
				StepType:         workflow.StepType(s.StepType),
				Inputs:           s.Inputs,
				Outputs:          s.Outputs,
				Conditions:       s.Conditions,
				Timeout:          time.Duration(s.TimeoutSeconds) * time.Second,
				ApprovalRequired: s.ApprovalRequired,
				RetryCount:       s.RetryCount,
			})
		}
		if err := workflow.Validate(def); err != nil {
			return nil, errs.New(errs.KindInternal, "invalid_workflow_definition:"+raw.WorkflowID, err)
		}
		byID[raw.WorkflowID] = def
	}

	return &Catalogue{byID: byID}, nil
}
