package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/registry"
)

func TestScore_WeightsSumToOneAtMaximum(t *testing.T) {
	c := Candidate{
		Definition: registry.AgentDefinition{
			ExpertiseKeywords: []string{"billing", "invoices"},
			Tools:             []string{"lookup_invoice"},
		},
		RequiredTools: []string{"lookup_invoice"},
	}
	state := AgentState{HistoricalSuccess: 1, CoordinationScore: 1, Load: 0}
	score := Score(c, []string{"billing", "invoices"}, state)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestSelect_ComplexTaskAlwaysPicksCoordinator(t *testing.T) {
	coord := registry.AgentDefinition{AgentID: "coord", Tier: registry.TierCoordinator}
	specialist := registry.AgentDefinition{AgentID: "spec", Tier: registry.TierSpecialist, ExpertiseKeywords: []string{"billing"}}
	candidates := []Candidate{{Definition: coord}, {Definition: specialist}}

	got, ok := Select(candidates, []string{"billing"}, NewStore(), true, "coord")
	require.True(t, ok)
	assert.Equal(t, "coord", got.AgentID)
}

func TestSelect_TieBreaksByLowestLoadThenAgentID(t *testing.T) {
	a := registry.AgentDefinition{AgentID: "b-agent", ExpertiseKeywords: []string{"billing"}}
	b := registry.AgentDefinition{AgentID: "a-agent", ExpertiseKeywords: []string{"billing"}}
	candidates := []Candidate{{Definition: a}, {Definition: b}}

	states := NewStore()
	got, ok := Select(candidates, []string{"billing"}, states, false, "")
	require.True(t, ok)
	// both identical scores and loads -> lowest agent_id wins
	assert.Equal(t, "a-agent", got.AgentID)
}

func TestSelect_NoCandidatesReturnsFalse(t *testing.T) {
	_, ok := Select(nil, []string{"unrelated"}, NewStore(), false, "")
	assert.False(t, ok)
}

func TestContainsCompletionMarker_MatchesWholeWordOnly(t *testing.T) {
	assert.True(t, ContainsCompletionMarker("The task is done now"))
	assert.False(t, ContainsCompletionMarker("undone work remains"))
}

func TestTokenize_LowercasesAndSplitsOnNonAlnum(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
}
