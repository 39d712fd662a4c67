package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefs(t *testing.T, dir, name, yaml string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(yaml), 0o644))
}

func TestLoad_ExactlyOneCoordinatorRequired(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "agents.yaml", `
agents:
  - agent_id: "alpha"
    name: "Alpha"
    role: "lead"
    tier: "coordinator"
    category: "general"
  - agent_id: "beta"
    name: "Beta"
    role: "helper"
    tier: "specialist"
    category: "general"
    expertise_keywords: ["billing", "invoices"]
`)
	reg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "alpha", reg.MasterAgentID())
}

func TestLoad_RejectsZeroOrMultipleCoordinators(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "agents.yaml", `
agents:
  - agent_id: "alpha"
    name: "Alpha"
    role: "lead"
    tier: "specialist"
    category: "general"
`)
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_RejectsDuplicateAgentID(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "agents.yaml", `
agents:
  - agent_id: "alpha"
    name: "Alpha"
    role: "lead"
    tier: "coordinator"
    category: "general"
  - agent_id: "alpha"
    name: "Alpha2"
    role: "lead2"
    tier: "specialist"
    category: "general"
`)
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestFindByExpertise_CaseInsensitiveAscendingAgentIDOrder(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "agents.yaml", `
agents:
  - agent_id: "coord"
    name: "Coord"
    role: "lead"
    tier: "coordinator"
    category: "general"
  - agent_id: "zeta"
    name: "Zeta"
    role: "billing"
    tier: "specialist"
    category: "finance"
    expertise_keywords: ["Billing"]
  - agent_id: "alpha"
    name: "Alpha"
    role: "billing"
    tier: "specialist"
    category: "finance"
    expertise_keywords: ["billing"]
`)
	reg, err := Load(dir)
	require.NoError(t, err)

	matches := reg.FindByExpertise("billing")
	require.Len(t, matches, 2)
	assert.Equal(t, "alpha", matches[0].AgentID)
	assert.Equal(t, "zeta", matches[1].AgentID)
}

func TestAugmentToolsForAll_AppendsWithoutDuplicating(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, dir, "agents.yaml", `
agents:
  - agent_id: "coord"
    name: "Coord"
    role: "lead"
    tier: "coordinator"
    category: "general"
    tools: ["search"]
`)
	reg, err := Load(dir)
	require.NoError(t, err)

	reg.AugmentToolsForAll([]string{"search", "filesystem_read"})

	coord, ok := reg.Get("coord")
	require.True(t, ok)
	assert.Equal(t, []string{"search", "filesystem_read"}, coord.Tools)
}
