// Package selector implements the Speaker Selector (C8): weighted scoring
// of candidate agents for the next conversation turn, plus termination
// rules.
package selector

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/conclave-ai/conclave/internal/registry"
)

const (
	weightExpertise    = 0.40
	weightTools        = 0.20
	weightHistorical   = 0.15
	weightLoad         = 0.10
	weightCoordination = 0.15

	initialHistoricalSuccess = 0.95
	initialCoordinationScore = 0.80
	emaAlpha                 = 0.3
)

// AgentState is the mutable per-agent scoring state the selector updates
// after every turn outcome. Definitions in the registry never change; this
// state does.
type AgentState struct {
	HistoricalSuccess float64
	CoordinationScore float64
	Load              float64
}

// Store is a small, selector-owned table of AgentState keyed by agent_id,
// guarded for concurrent turn processing across conversations.
type Store struct {
	mu     sync.Mutex
	states map[string]*AgentState
}

// NewStore constructs an empty Store; states are created lazily with spec
// defaults on first touch.
func NewStore() *Store {
	return &Store{states: make(map[string]*AgentState)}
}

func (s *Store) get(agentID string) *AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok {
		st = &AgentState{HistoricalSuccess: initialHistoricalSuccess, CoordinationScore: initialCoordinationScore}
		s.states[agentID] = st
	}
	return st
}

// Snapshot returns a copy of agentID's current state.
func (s *Store) Snapshot(agentID string) AgentState {
	return *s.get(agentID)
}

// RecordOutcome updates the EMA-tracked historical success and coordination
// score after a turn completes, and sets the agent's current load.
func (s *Store) RecordOutcome(agentID string, success bool, coordinated bool, load float64) {
	st := s.get(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.HistoricalSuccess = emaAlpha*outcome + (1-emaAlpha)*st.HistoricalSuccess
	if coordinated {
		coordOutcome := 0.0
		if success {
			coordOutcome = 1.0
		}
		st.CoordinationScore = emaAlpha*coordOutcome + (1-emaAlpha)*st.CoordinationScore
	}
	st.Load = load
}

// Candidate is one scoreable agent for the current turn.
type Candidate struct {
	Definition    registry.AgentDefinition
	RequiredTools []string
}

// Scored is a candidate with its computed score.
type Scored struct {
	Candidate Candidate
	Score     float64
}

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// Tokenize extracts lowercase alphanumeric terms from free text, used to
// derive task_terms from the turn's message.
func Tokenize(text string) []string {
	matches := wordRe.FindAllString(strings.ToLower(text), -1)
	return matches
}

// Score computes the weighted §4.2 score for one candidate given the
// current turn's task terms.
func Score(c Candidate, taskTerms []string, state AgentState) float64 {
	expertise := setOverlapFraction(c.Definition.ExpertiseKeywords, taskTerms, len(taskTerms))
	tools := setOverlapFraction(c.Definition.Tools, c.RequiredTools, maxInt(len(c.RequiredTools), 1))
	load := 1 - state.Load

	return weightExpertise*expertise +
		weightTools*tools +
		weightHistorical*state.HistoricalSuccess +
		weightLoad*load +
		weightCoordination*state.CoordinationScore
}

func setOverlapFraction(a, b []string, denom int) float64 {
	if denom <= 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[strings.ToLower(x)] = struct{}{}
	}
	var hits int
	seen := make(map[string]struct{}, len(b))
	for _, x := range b {
		lx := strings.ToLower(x)
		if _, dup := seen[lx]; dup {
			continue
		}
		seen[lx] = struct{}{}
		if _, ok := set[lx]; ok {
			hits++
		}
	}
	return float64(hits) / float64(denom)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Select implements the §4.2 selection rules: a complex task always leads
// with the coordinator; otherwise the highest-scoring candidate wins, ties
// broken by lowest load then lowest agent_id. Returns ok=false when no
// candidate scores above zero.
func Select(candidates []Candidate, taskTerms []string, states *Store, isComplex bool, masterAgentID string) (registry.AgentDefinition, bool) {
	if isComplex {
		for _, c := range candidates {
			if c.Definition.AgentID == masterAgentID {
				return c.Definition, true
			}
		}
	}

	var scored []Scored
	for _, c := range candidates {
		st := states.Snapshot(c.Definition.AgentID)
		score := Score(c, taskTerms, st)
		if score > 0 {
			scored = append(scored, Scored{Candidate: c, Score: score})
		}
	}
	if len(scored) == 0 {
		return registry.AgentDefinition{}, false
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		li := states.Snapshot(scored[i].Candidate.Definition.AgentID).Load
		lj := states.Snapshot(scored[j].Candidate.Definition.AgentID).Load
		if li != lj {
			return li < lj
		}
		return scored[i].Candidate.Definition.AgentID < scored[j].Candidate.Definition.AgentID
	})
	return scored[0].Candidate.Definition, true
}

var completionMarkers = []string{"complete", "done", "finished", "ready"}

// ContainsCompletionMarker reports whether text contains one of the fixed
// completion keywords as a standalone word.
func ContainsCompletionMarker(text string) bool {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	for _, m := range completionMarkers {
		if _, ok := set[m]; ok {
			return true
		}
	}
	return false
}
