// Package groupchat implements the Group-Chat Orchestrator (C9): it runs
// one bounded multi-turn conversation, integrating the circuit breaker,
// RAG retriever, agent registry, and speaker selector, and assembles the
// transcript and metrics the caller gets back.
package groupchat

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/ledger"
	"github.com/conclave-ai/conclave/internal/llmprovider"
	"github.com/conclave-ai/conclave/internal/observability"
	"github.com/conclave-ai/conclave/internal/pricing"
	"github.com/conclave-ai/conclave/internal/rag"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/selector"
	"github.com/conclave-ai/conclave/internal/streaming"
)

// Role is one of TurnMessage.role's fixed values.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TurnMessage is one utterance in the group chat.
type TurnMessage struct {
	TurnIndex      int
	SpeakerAgentID string
	Role           Role
	Content        string
	TokensIn       int
	TokensOut      int
	Cost           float64
	DurationMs     int64
	CreatedAt      time.Time
}

// CostBreakdown is the Result's aggregated cost summary.
type CostBreakdown struct {
	InputTokens  int
	OutputTokens int
	TotalCost    float64
}

// Result is orchestrate's return value.
type Result struct {
	Response          string
	AgentsUsed        []string
	TurnCount         int
	CostBreakdown     CostBreakdown
	DurationMs        int64
	TerminationReason string
	Transcript        []TurnMessage
}

// Request parameterizes one orchestrate call.
type Request struct {
	Message        string
	UserID         string
	ConversationID string
	SessionID      string
	PinnedAgentID  string // optional explicit agent pinning
	PriorContext   string
	Stream         *streaming.Session // optional; set per-request by the WS handler
}

// Config bounds one conversation's turn count and the prompt-size cost
// heuristic used to estimate a call's cost before admission.
type Config struct {
	MaxTurns             int
	RetryBase            time.Duration
	RetryFactor          float64
	RetryCap             time.Duration
	EstimatedOutputRatio float64
	CharsPerToken        float64
	ComplexMessageChars  int
}

// Deps are the orchestrator's collaborators. The streaming session is not
// one of them: it arrives per call on Request.Stream.
type Deps struct {
	Registry  *registry.Registry
	Selector  *selector.Store
	Retriever *rag.Retriever
	Breaker   *breaker.Breaker
	Ledger    ledger.Ledger
	Pricing   pricing.Table
	Providers *llmprovider.Registry
}

// Orchestrator runs one conversation end-to-end per request.
type Orchestrator struct {
	deps Deps
	cfg  Config
}

// New constructs an Orchestrator from its dependencies and config.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 12
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryFactor <= 0 {
		cfg.RetryFactor = 2.0
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 4 * time.Second
	}
	if cfg.EstimatedOutputRatio <= 0 {
		cfg.EstimatedOutputRatio = 0.5
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4.0
	}
	if cfg.ComplexMessageChars <= 0 {
		cfg.ComplexMessageChars = 600
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Orchestrate runs req to completion per the per-turn procedure: RAG fetch,
// speaker selection, cost estimation, breaker admission, provider
// invocation, cost recording, transcript append, termination check.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	log := observability.LoggerWithTrace(ctx)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.EnsureSession(ctx, sessionID, req.ConversationID, req.UserID); err != nil {
			log.Warn().Err(err).Msg("ensure_session_failed")
		}
	}

	transcript := []TurnMessage{{
		TurnIndex: 0,
		Role:      RoleUser,
		Content:   req.Message,
		CreatedAt: time.Now().UTC(),
	}}

	agentsUsed := make(map[string]struct{})
	var breakdown CostBreakdown
	reason := "max_turns"
	lastContent := ""

	taskTerms := selector.Tokenize(req.Message)
	isComplex := len(req.Message) >= o.cfg.ComplexMessageChars || req.PinnedAgentID != ""

	turnIndex := 1
	for ; turnIndex <= o.cfg.MaxTurns; turnIndex++ {
		ragText := o.fetchContext(ctx, req, log)

		speaker, ok := o.pickSpeaker(req, taskTerms, isComplex)
		if !ok {
			reason = "no_speaker"
			break
		}

		prompt := buildPrompt(req.PriorContext, ragText, transcript, speaker.SystemPrompt)
		estimatedCost, err := o.estimateCost(ctx, speaker, prompt)
		if err != nil {
			reason = "cost_blocked:pricing_unknown"
			break
		}

		if o.deps.Breaker != nil {
			decision, err := o.deps.Breaker.Admit(ctx, breaker.AdmitRequest{
				ConversationID: req.ConversationID,
				EstimatedCost:  estimatedCost,
				IsNewConvo:     turnIndex == 1,
			})
			if err != nil {
				reason = "internal_error"
				break
			}
			if !decision.Admitted {
				reason = terminationFromDecision(decision.Reason)
				break
			}
		}

		result, duration, err := o.invokeWithRetry(ctx, speaker.ModelHint, prompt)
		if err != nil {
			if o.deps.Breaker != nil {
				o.deps.Breaker.RecordOutcome(ctx, 0, false)
			}
			if errs.Is(err, errs.KindCancelled) {
				reason = "client_gone"
			} else {
				reason = "provider_error"
			}
			break
		}

		inputCost, outputCost, totalCost, err := o.computeCost(ctx, speaker.ModelHint, result.TokensIn, result.TokensOut)
		if err != nil {
			log.Warn().Err(err).Msg("pricing_unavailable_after_invocation")
			inputCost, outputCost, totalCost = 0, 0, estimatedCost
		}

		if o.deps.Ledger != nil {
			rec := ledger.NewRecord(sessionID, req.ConversationID, uuid.NewString(), speaker.AgentID,
				providerNameFor(speaker.ModelHint), speaker.ModelHint, result.TokensIn, result.TokensOut,
				inputCost, outputCost, 0)
			if err := o.deps.Ledger.Append(ctx, rec); err != nil {
				log.Warn().Err(err).Msg("cost_record_append_failed")
			}
		}
		if o.deps.Breaker != nil {
			o.deps.Breaker.RecordOutcome(ctx, totalCost, true)
		}

		success := true
		if o.deps.Selector != nil {
			o.deps.Selector.RecordOutcome(speaker.AgentID, success, isComplex, 0)
		}

		agentsUsed[speaker.AgentID] = struct{}{}
		breakdown.InputTokens += result.TokensIn
		breakdown.OutputTokens += result.TokensOut
		breakdown.TotalCost += totalCost
		lastContent = result.Content

		turn := TurnMessage{
			TurnIndex:      turnIndex,
			SpeakerAgentID: speaker.AgentID,
			Role:           RoleAssistant,
			Content:        result.Content,
			TokensIn:       result.TokensIn,
			TokensOut:      result.TokensOut,
			Cost:           totalCost,
			DurationMs:     duration.Milliseconds(),
			CreatedAt:      time.Now().UTC(),
		}
		transcript = append(transcript, turn)

		if req.Stream != nil {
			_ = req.Stream.Emit(ctx, turnIndex, result.Content)
			req.Stream.EmitFinal(ctx, turnIndex, result.TokensIn, result.TokensOut, totalCost, duration.Milliseconds())
		}

		if selector.ContainsCompletionMarker(result.Content) {
			reason = "completion_marker"
			break
		}
		if o.deps.Breaker != nil && o.deps.Breaker.Snapshot().State == breaker.StateOpen {
			reason = "circuit_open"
			break
		}
	}

	agentsList := make([]string, 0, len(agentsUsed))
	for id := range agentsUsed {
		agentsList = append(agentsList, id)
	}

	return Result{
		Response:          lastContent,
		AgentsUsed:        agentsList,
		TurnCount:         turnIndex - 1,
		CostBreakdown:     breakdown,
		DurationMs:        time.Since(start).Milliseconds(),
		TerminationReason: reason,
		Transcript:        transcript,
	}, nil
}

// fetchContext retrieves RAG context for the turn's query, degrading
// silently to no-context on any retrieval failure.
func (o *Orchestrator) fetchContext(ctx context.Context, req Request, log *zerolog.Logger) string {
	if o.deps.Retriever == nil {
		return ""
	}
	block, err := o.deps.Retriever.BuildContext(ctx, rag.Options{
		UserID: req.UserID,
		Query:  req.Message,
	})
	if err != nil {
		log.Warn().Err(err).Msg("rag_context_unavailable")
		return ""
	}
	if block == nil {
		return ""
	}
	return block.Text
}

func (o *Orchestrator) pickSpeaker(req Request, taskTerms []string, isComplex bool) (registry.AgentDefinition, bool) {
	if o.deps.Registry == nil {
		return registry.AgentDefinition{}, false
	}
	if req.PinnedAgentID != "" {
		if def, ok := o.deps.Registry.Get(req.PinnedAgentID); ok {
			return def, true
		}
	}
	all := o.deps.Registry.All()
	candidates := make([]selector.Candidate, 0, len(all))
	for _, def := range all {
		candidates = append(candidates, selector.Candidate{Definition: def})
	}
	store := o.deps.Selector
	if store == nil {
		store = selector.NewStore()
	}
	return selector.Select(candidates, taskTerms, store, isComplex, o.deps.Registry.MasterAgentID())
}

// estimateCost applies the prompt-size heuristic: estimated input tokens
// from prompt length, estimated output tokens as a configured ratio of
// that, priced at the active record for the candidate model. A missing
// active pricing record is an error, not a free estimate: the caller must
// deny admission rather than let an unpriced call through.
func (o *Orchestrator) estimateCost(ctx context.Context, speaker registry.AgentDefinition, prompt string) (float64, error) {
	inTokens := int(math.Ceil(float64(len(prompt)) / o.cfg.CharsPerToken))
	outTokens := int(math.Ceil(float64(inTokens) * o.cfg.EstimatedOutputRatio))
	if o.deps.Pricing == nil {
		return 0, nil
	}
	rec, err := o.deps.Pricing.Active(ctx, providerNameFor(speaker.ModelHint), speaker.ModelHint, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	_, _, total := pricing.Cost(rec, inTokens, outTokens)
	return total, nil
}

// computeCost prices an already-completed call. A missing active pricing
// record here is a pricing table changing mid-conversation, after
// admission already required one to exist; callers fall back to the
// turn's estimated cost rather than record a free call.
func (o *Orchestrator) computeCost(ctx context.Context, model string, inTokens, outTokens int) (inputCost, outputCost, totalCost float64, err error) {
	if o.deps.Pricing == nil {
		return 0, 0, 0, nil
	}
	rec, err := o.deps.Pricing.Active(ctx, providerNameFor(model), model, time.Now().UTC())
	if err != nil {
		return 0, 0, 0, err
	}
	inputCost, outputCost, totalCost = pricing.Cost(rec, inTokens, outTokens)
	return inputCost, outputCost, totalCost, nil
}

// invokeWithRetry calls the provider once, retrying a single time on a
// provider-transient error with exponential backoff.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, model, prompt string) (llmprovider.Result, time.Duration, error) {
	started := time.Now()
	provider, ok := o.deps.Providers.Get(providerNameFor(model))
	if !ok {
		return llmprovider.Result{}, 0, errs.New(errs.KindInternal, "unknown_provider", nil)
	}
	msgs := []llmprovider.Message{{Role: "user", Content: prompt}}

	result, err := provider.Generate(ctx, model, msgs, llmprovider.Params{})
	if err == nil {
		return result, time.Since(started), nil
	}
	if !errs.Is(err, errs.KindProviderTransient) {
		return llmprovider.Result{}, time.Since(started), err
	}

	delay := o.cfg.RetryBase
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return llmprovider.Result{}, time.Since(started), errs.New(errs.KindCancelled, "context_cancelled", ctx.Err())
	}

	result, err = provider.Generate(ctx, model, msgs, llmprovider.Params{})
	if err != nil {
		return llmprovider.Result{}, time.Since(started), err
	}
	return result, time.Since(started), nil
}

func buildPrompt(priorContext, ragText string, transcript []TurnMessage, systemPrompt string) string {
	prompt := systemPrompt
	if ragText != "" {
		prompt += "\n\ncontext:\n" + ragText
	}
	if priorContext != "" {
		prompt += "\n\nprior:\n" + priorContext
	}
	for _, t := range transcript {
		prompt += fmt.Sprintf("\n[%s] %s", t.Role, t.Content)
	}
	return prompt
}

func providerNameFor(modelHint string) string {
	switch {
	case len(modelHint) >= 6 && modelHint[:6] == "claude":
		return "anthropic"
	case len(modelHint) >= 6 && modelHint[:6] == "gemini":
		return "google"
	default:
		return "openai"
	}
}

func terminationFromDecision(reason string) string {
	switch reason {
	case "daily_budget_exceeded", "cost_spike_breaker_tripped":
		return "circuit_open"
	case "turn_limit_exceeded", "conversation_limit_exceeded":
		return "cost_blocked:" + reason
	default:
		return reason
	}
}
