package benchmark

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conclave-ai/conclave/internal/groupchat"
)

func transcriptOf(contents ...string) []groupchat.TurnMessage {
	out := make([]groupchat.TurnMessage, 0, len(contents))
	for _, c := range contents {
		out = append(out, groupchat.TurnMessage{Content: c})
	}
	return out
}

func TestGrade_MinAgentsNotMet(t *testing.T) {
	sc := Scenario{Success: SuccessCriteria{MinAgents: 2}}
	res := ScenarioResult{AgentsUsed: []string{"a"}}
	ok, reasons := grade(sc, res, 0)
	assert.False(t, ok)
	assert.Contains(t, reasons, "min_agents_not_met")
}

func TestGrade_MaxTurnsExceeded(t *testing.T) {
	sc := Scenario{Success: SuccessCriteria{MaxTurns: 3}}
	res := ScenarioResult{TurnCount: 5}
	ok, reasons := grade(sc, res, 0)
	assert.False(t, ok)
	assert.Contains(t, reasons, "max_turns_exceeded")
}

func TestGrade_RequiredKeywordsCoverage(t *testing.T) {
	sc := Scenario{Success: SuccessCriteria{RequiredKeywords: []string{"invoice", "refund", "total", "tax"}}}
	res := ScenarioResult{Transcript: transcriptOf("the invoice total is ready")}
	ok, reasons := grade(sc, res, 0)
	// invoice + total present = 2/4 = exactly half, should pass (>= 0.5)
	assert.True(t, ok)
	assert.Empty(t, reasons)

	res2 := ScenarioResult{Transcript: transcriptOf("nothing relevant here")}
	ok2, reasons2 := grade(sc, res2, 0)
	assert.False(t, ok2)
	assert.Contains(t, reasons2, "required_keywords_coverage_below_half")
}

func TestGrade_MaxCostExceeded(t *testing.T) {
	sc := Scenario{Success: SuccessCriteria{MaxCost: 0.10}}
	res := ScenarioResult{TotalCost: 0.50}
	ok, reasons := grade(sc, res, 0)
	assert.False(t, ok)
	assert.Contains(t, reasons, "max_cost_exceeded")
}

func TestGrade_MaxDurationExceeded(t *testing.T) {
	sc := Scenario{Success: SuccessCriteria{MaxDurationMs: 1000}}
	res := ScenarioResult{DurationMs: 2000}
	ok, reasons := grade(sc, res, 0)
	assert.False(t, ok)
	assert.Contains(t, reasons, "max_duration_exceeded")
}

func TestGrade_AgentDiversityBelowThreshold(t *testing.T) {
	sc := Scenario{Success: SuccessCriteria{AgentDiversity: 0.5}}
	res := ScenarioResult{AgentsUsed: []string{"a"}}
	ok, reasons := grade(sc, res, 10)
	assert.False(t, ok)
	assert.Contains(t, reasons, "agent_diversity_below_threshold")
}

func TestGrade_AllCriteriaPassWhenUnset(t *testing.T) {
	sc := Scenario{}
	res := ScenarioResult{}
	ok, reasons := grade(sc, res, 0)
	assert.True(t, ok)
	assert.Empty(t, reasons)
}

func TestBuildReport_AggregatesAcrossScenarios(t *testing.T) {
	results := []ScenarioResult{
		{ScenarioID: "s1", Category: "billing", Passed: true, DurationMs: 100, TokensIn: 10, TokensOut: 10, TotalCost: 0.01},
		{ScenarioID: "s2", Category: "billing", Passed: false, DurationMs: 300, TokensIn: 20, TokensOut: 20, TotalCost: 0.02},
		{ScenarioID: "s3", Category: "support", Passed: true, DurationMs: 200, TokensIn: 30, TokensOut: 30, TotalCost: 0.03},
	}
	report := buildReport(results)

	assert.InDelta(t, 2.0/3.0, report.PassRate, 1e-9)
	assert.InDelta(t, 200, report.MeanDurationMs, 1e-9)
	assert.InDelta(t, 200, report.P50DurationMs, 1e-9)

	billing := report.CategoryRollups["billing"]
	assert.Equal(t, 2, billing.Total)
	assert.Equal(t, 1, billing.Passed)
	assert.InDelta(t, 0.5, billing.PassRate, 1e-9)

	support := report.CategoryRollups["support"]
	assert.Equal(t, 1, support.Total)
	assert.Equal(t, 1, support.Passed)
	assert.InDelta(t, 1.0, support.PassRate, 1e-9)
}

func TestBuildReport_EmptyResultsProducesZeroValueReport(t *testing.T) {
	report := buildReport(nil)
	assert.Equal(t, 0.0, report.PassRate)
	assert.Empty(t, report.Results)
}

func TestPercentile_SingleElement(t *testing.T) {
	assert.Equal(t, int64(42), percentile([]int64{42}, 0.95))
}
