// Package benchmark implements the Benchmark Runner (C12): executing fixed
// conversational scenarios against the Group-Chat Orchestrator and grading
// the result against each scenario's success criteria.
package benchmark

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/internal/groupchat"
)

// Complexity is a scenario's declared difficulty tier, used only for
// reporting rollups.
type Complexity string

const (
	ComplexitySimple Complexity = "simple"
	ComplexityMedium Complexity = "medium"
	ComplexityHard   Complexity = "hard"
)

// SuccessCriteria are combined by AND; a zero-valued field is not checked.
type SuccessCriteria struct {
	MinAgents        int
	MaxTurns         int
	RequiredKeywords []string // >= 50% must appear across the transcript
	MaxCost          float64
	MaxDurationMs    int64
	AgentDiversity   float64 // fraction of the registry expected to be involved
}

// Scenario is one fixed conversational test case.
type Scenario struct {
	ScenarioID     string
	Name           string
	Category       string
	Complexity     Complexity
	ExpectedAgents int
	MaxTurns       int
	Timeout        time.Duration
	Success        SuccessCriteria
	TestMessages   []string
}

// ScenarioResult is one scenario's graded outcome.
type ScenarioResult struct {
	ScenarioID  string
	Name        string
	Category    string
	Passed      bool
	FailReasons []string
	TurnCount   int
	AgentsUsed  []string
	TotalCost   float64
	TokensIn    int
	TokensOut   int
	DurationMs  int64
	Transcript  []groupchat.TurnMessage
}

// Report is the aggregate output of one benchmark run, a single structured
// document suitable for CI ingestion.
type Report struct {
	RunAt           time.Time
	Results         []ScenarioResult
	PassRate        float64
	MeanDurationMs  float64
	P50DurationMs   float64
	P95DurationMs   float64
	MeanTokens      float64
	MeanCost        float64
	CategoryRollups map[string]CategoryRollup
}

// CategoryRollup aggregates ScenarioResults sharing a Category.
type CategoryRollup struct {
	Category string
	Total    int
	Passed   int
	PassRate float64
}

// RegistrySize reports the total number of agents in the catalogue, used to
// compute agent_diversity against ScenarioResult.AgentsUsed.
type RegistrySize interface {
	Size() int
}

// ArtifactStore persists a completed Report for later retrieval (S3 in
// production).
type ArtifactStore interface {
	PutReport(ctx context.Context, runID string, report Report) (string, error)
}

// Runner executes Scenarios against an Orchestrator.
type Runner struct {
	orchestrator *groupchat.Orchestrator
	registry     RegistrySize
	artifacts    ArtifactStore
}

// New constructs a Runner. artifacts may be nil to skip persistence.
func New(orchestrator *groupchat.Orchestrator, registry RegistrySize, artifacts ArtifactStore) *Runner {
	return &Runner{orchestrator: orchestrator, registry: registry, artifacts: artifacts}
}

// RunAll executes every scenario in order and returns the aggregate Report.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario, userID string) Report {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		results = append(results, r.runOne(ctx, sc, userID))
	}
	return buildReport(results)
}

func (r *Runner) runOne(ctx context.Context, sc Scenario, userID string) ScenarioResult {
	scCtx := ctx
	var cancel context.CancelFunc
	if sc.Timeout > 0 {
		scCtx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	result := ScenarioResult{ScenarioID: sc.ScenarioID, Name: sc.Name, Category: sc.Category}

	convoID := sc.ScenarioID
	var lastAgents map[string]struct{}
	var transcript []groupchat.TurnMessage
	start := time.Now()

	for _, msg := range sc.TestMessages {
		out, err := r.orchestrator.Orchestrate(scCtx, groupchat.Request{
			Message:        msg,
			UserID:         userID,
			ConversationID: convoID,
		})
		if err != nil {
			result.FailReasons = append(result.FailReasons, "orchestration_error: "+err.Error())
			continue
		}
		result.TurnCount += out.TurnCount
		result.TotalCost += out.CostBreakdown.TotalCost
		result.TokensIn += out.CostBreakdown.InputTokens
		result.TokensOut += out.CostBreakdown.OutputTokens
		transcript = append(transcript, out.Transcript...)
		if lastAgents == nil {
			lastAgents = make(map[string]struct{})
		}
		for _, a := range out.AgentsUsed {
			lastAgents[a] = struct{}{}
		}
	}
	result.DurationMs = time.Since(start).Milliseconds()
	result.Transcript = transcript
	for a := range lastAgents {
		result.AgentsUsed = append(result.AgentsUsed, a)
	}
	sort.Strings(result.AgentsUsed)

	result.Passed, result.FailReasons = grade(sc, result, r.registrySize())
	return result
}

func (r *Runner) registrySize() int {
	if r.registry == nil {
		return 0
	}
	return r.registry.Size()
}

// grade applies every configured SuccessCriteria field, combined by AND.
func grade(sc Scenario, res ScenarioResult, registrySize int) (bool, []string) {
	var reasons []string

	if sc.Success.MinAgents > 0 && len(res.AgentsUsed) < sc.Success.MinAgents {
		reasons = append(reasons, "min_agents_not_met")
	}
	if sc.Success.MaxTurns > 0 && res.TurnCount > sc.Success.MaxTurns {
		reasons = append(reasons, "max_turns_exceeded")
	}
	if len(sc.Success.RequiredKeywords) > 0 {
		present := keywordCoverage(sc.Success.RequiredKeywords, res.Transcript)
		if present < 0.5 {
			reasons = append(reasons, "required_keywords_coverage_below_half")
		}
	}
	if sc.Success.MaxCost > 0 && res.TotalCost > sc.Success.MaxCost {
		reasons = append(reasons, "max_cost_exceeded")
	}
	if sc.Success.MaxDurationMs > 0 && res.DurationMs > sc.Success.MaxDurationMs {
		reasons = append(reasons, "max_duration_exceeded")
	}
	if sc.Success.AgentDiversity > 0 && registrySize > 0 {
		diversity := float64(len(res.AgentsUsed)) / float64(registrySize)
		if diversity < sc.Success.AgentDiversity {
			reasons = append(reasons, "agent_diversity_below_threshold")
		}
	}
	if len(res.FailReasons) > 0 {
		reasons = append(reasons, res.FailReasons...)
	}

	return len(reasons) == 0, reasons
}

func keywordCoverage(keywords []string, transcript []groupchat.TurnMessage) float64 {
	if len(keywords) == 0 {
		return 1
	}
	var full strings.Builder
	for _, t := range transcript {
		full.WriteString(strings.ToLower(t.Content))
		full.WriteByte(' ')
	}
	text := full.String()
	var hits int
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func buildReport(results []ScenarioResult) Report {
	report := Report{RunAt: time.Now().UTC(), Results: results, CategoryRollups: make(map[string]CategoryRollup)}
	if len(results) == 0 {
		return report
	}

	var passed int
	var durations []int64
	var totalTokens, totalCost float64

	rollups := make(map[string]CategoryRollup)
	for _, res := range results {
		if res.Passed {
			passed++
		}
		durations = append(durations, res.DurationMs)
		totalTokens += float64(res.TokensIn + res.TokensOut)
		totalCost += res.TotalCost

		roll := rollups[res.Category]
		roll.Category = res.Category
		roll.Total++
		if res.Passed {
			roll.Passed++
		}
		rollups[res.Category] = roll
	}
	for cat, roll := range rollups {
		roll.PassRate = float64(roll.Passed) / float64(roll.Total)
		rollups[cat] = roll
	}

	report.PassRate = float64(passed) / float64(len(results))
	report.MeanTokens = totalTokens / float64(len(results))
	report.MeanCost = totalCost / float64(len(results))
	report.CategoryRollups = rollups

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	var sum int64
	for _, d := range durations {
		sum += d
	}
	report.MeanDurationMs = float64(sum) / float64(len(durations))
	report.P50DurationMs = float64(percentile(durations, 0.50))
	report.P95DurationMs = float64(percentile(durations, 0.95))

	return report
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
