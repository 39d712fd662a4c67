// Package registry implements the Agent Registry (C7): the immutable
// per-process catalogue of agent definitions loaded at startup.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/conclave-ai/conclave/internal/errs"
)

// Tier is one of AgentDefinition.tier's fixed values.
type Tier string

const (
	TierCoordinator  Tier = "coordinator"
	TierSpecialist   Tier = "specialist"
	TierExecutor     Tier = "executor"
	TierMonitor      Tier = "monitor"
	TierCommunicator Tier = "communicator"
)

// AgentDefinition is the immutable identity of one specialist participant.
// agent_id is the catalogue key and is never reassigned after load.
type AgentDefinition struct {
	AgentID           string   `yaml:"agent_id"`
	Name              string   `yaml:"name"`
	Role              string   `yaml:"role"`
	Tier              Tier     `yaml:"tier"`
	Category          string   `yaml:"category"`
	ExpertiseKeywords []string `yaml:"expertise_keywords"`
	Tools             []string `yaml:"tools"`
	SystemPrompt      string   `yaml:"system_prompt"`
	ModelHint         string   `yaml:"model_hint,omitempty"`
}

type definitionFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// Registry is the loaded, queryable catalogue. It is never mutated in place
// by request flow; Reload swaps the whole snapshot under a lock.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]AgentDefinition
	ordered  []AgentDefinition
	masterID string
}

// Load parses every *.yaml/*.yml file under dir and builds a Registry.
// Any missing required field or duplicate agent_id fails the whole load, and
// the catalogue must contain exactly one coordinator-tier agent.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "read_agent_definitions_dir", err)
	}

	byID := make(map[string]AgentDefinition)
	var ordered []AgentDefinition
	var coordinators []string

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
			return nil, errs.New(errs.KindInternal, "read_agent_definition_file", err)
		}
		var file definitionFile
		if err := yaml.Unmarshal(b, &file); err != nil {
			return nil, errs.New(errs.KindInternal, fmt.Sprintf("parse_agent_definition_file:%s", path), err)
		}
		for _, def := range file.Agents {
			if err := validateDefinition(def); err != nil {
				return nil, err
			}
			if _, dup := byID[def.AgentID]; dup {
				return nil, errs.New(errs.KindInternal, fmt.Sprintf("duplicate_agent_id:%s", def.AgentID), nil)
			}
			byID[def.AgentID] = def
			ordered = append(ordered, def)
			if def.Tier == TierCoordinator {
				coordinators = append(coordinators, def.AgentID)
			}
		}
	}

	if len(coordinators) != 1 {
		return nil, errs.New(errs.KindInternal, fmt.Sprintf("expected_exactly_one_coordinator_got_%d", len(coordinators)), nil)
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AgentID < ordered[j].AgentID })

	return &Registry{byID: byID, ordered: ordered, masterID: coordinators[0]}, nil
}

func validateDefinition(d AgentDefinition) error {
	if d.AgentID == "" || d.Name == "" || d.Role == "" || d.Tier == "" || d.Category == "" {
		return errs.New(errs.KindInternal, fmt.Sprintf("agent_definition_missing_required_field:%s", d.AgentID), nil)
	}
	switch d.Tier {
	case TierCoordinator, TierSpecialist, TierExecutor, TierMonitor, TierCommunicator:
	default:
		return errs.New(errs.KindInternal, fmt.Sprintf("agent_definition_invalid_tier:%s", d.Tier), nil)
	}
	return nil
}

// Get returns the definition for agentID, or false if unknown.
func (r *Registry) Get(agentID string) (AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[agentID]
	return d, ok
}

// All returns every definition in ascending agent_id order.
func (r *Registry) All() []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentDefinition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Size returns the number of agent definitions in the catalogue.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// MasterAgentID returns the single coordinator-tier agent's ID.
func (r *Registry) MasterAgentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.masterID
}

// FindByExpertise does a case-insensitive keyword match against each
// agent's expertise_keywords, returning matches in ascending agent_id order
// so repeated calls are stable.
func (r *Registry) FindByExpertise(term string) []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	term = strings.ToLower(term)
	var out []AgentDefinition
	for _, d := range r.ordered {
		for _, kw := range d.ExpertiseKeywords {
			if strings.ToLower(kw) == term {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// AugmentToolsForAll appends extra tool names (deduplicated) to every agent's
// Tools set, used at startup to fold in tools discovered from connected MCP
// servers once they're known, after the static catalogue has already loaded.
func (r *Registry) AugmentToolsForAll(extra []string) {
	if len(extra) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.ordered {
		have := make(map[string]bool, len(d.Tools))
		for _, t := range d.Tools {
			have[t] = true
		}
		for _, t := range extra {
			if !have[t] {
				d.Tools = append(d.Tools, t)
				have[t] = true
			}
		}
		r.ordered[i] = d
		r.byID[d.AgentID] = d
	}
}

// Reload atomically swaps the catalogue for one parsed from dir. If Load
// fails, the current catalogue is kept and the error is returned.
func (r *Registry) Reload(dir string) error {
	next, err := Load(dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = next.byID
	r.ordered = next.ordered
	r.masterID = next.masterID
	return nil
}
