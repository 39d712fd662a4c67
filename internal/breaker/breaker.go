// Package breaker implements the Cost Circuit Breaker (C3): the per-turn
// admission decision that enforces rate and budget limits and drives the
// closed -> open -> half_open state machine.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/ledger"
)

// State is one of the three circuit states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BudgetLevel is one of the fixed alerting levels in §4.3 step 5.
type BudgetLevel string

const (
	LevelHealthy  BudgetLevel = "healthy"
	LevelModerate BudgetLevel = "moderate"
	LevelWarning  BudgetLevel = "warning"
	LevelCritical BudgetLevel = "critical"
	LevelExceeded BudgetLevel = "exceeded"
)

// Limits are the required configured limits for C3 admission.
type Limits struct {
	BudgetLimitDaily        float64
	ConversationLimit       float64
	TurnLimit               float64
	WarningThreshold        float64 // fraction of daily
	CriticalThreshold       float64 // fraction of daily
	MaxTurnsPerMinute       int
	MaxConversationsPerHour int
	SpikeFactor             float64
	FailureThreshold        int
	SuccessThreshold        int
	RecoveryTimeout         time.Duration
}

// AdmitRequest is one prospective provider call.
type AdmitRequest struct {
	ConversationID string
	EstimatedCost  float64
	IsNewConvo     bool
}

// Decision is the result of Admit: either admission or a typed rejection,
// modeled as a result type rather than an exception per the design notes.
type Decision struct {
	Admitted   bool
	Reason     string
	RetryAfter time.Duration
}

// Snapshot is the persisted/observable breaker state (§3 CircuitBreakerState).
type Snapshot struct {
	State          State
	StateChangedAt time.Time
	Failures       int
	TotalCostToday float64
	TurnCount      int
	CostHistory    []float64
	HalfOpenWins   int
}

const costHistoryMaxLen = 50

// RateLimiter counts turns per minute and distinct conversations per hour,
// shared across process instances when Redis-backed. MemRateLimiter slides
// the minute window; RedisRateLimiter uses fixed clock-minute buckets.
type RateLimiter interface {
	// IncrTurn records a turn now and returns the count within the
	// implementation's one-minute window.
	IncrTurn(ctx context.Context, now time.Time) (int, error)
	// IncrConversation records a new conversation now (no-op if convID already
	// counted this hour) and returns the distinct-conversation count this hour.
	IncrConversation(ctx context.Context, convID string, now time.Time) (int, error)
}

// AlertSink is notified of a budget-level transition. Breaker throttles its
// own calls to Emit (see emitBudgetLevel); sinks do not deduplicate.
type AlertSink interface {
	Emit(ctx context.Context, level BudgetLevel, scope, reason string, fraction float64) error
}

// SnapshotStore persists breaker Snapshot across restarts.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Breaker is the C3 admission gate. One Breaker instance is the global
// scope; callers needing per-provider scoping construct one per scope.
type Breaker struct {
	mu     sync.Mutex
	limits Limits
	ledger ledger.Ledger
	rate   RateLimiter
	alerts AlertSink
	store  SnapshotStore

	snap          Snapshot
	lastAlertAt   map[string]time.Time
	lastAlertTier map[string]BudgetLevel
}

// New constructs a Breaker. If store has a saved snapshot, it is restored so
// a restart keeps the same day bucket's behavior.
func New(ctx context.Context, limits Limits, led ledger.Ledger, rate RateLimiter, alerts AlertSink, store SnapshotStore) (*Breaker, error) {
	b := &Breaker{
		limits:        limits,
		ledger:        led,
		rate:          rate,
		alerts:        alerts,
		store:         store,
		snap:          Snapshot{State: StateClosed, StateChangedAt: time.Now().UTC()},
		lastAlertAt:   make(map[string]time.Time),
		lastAlertTier: make(map[string]BudgetLevel),
	}
	if store != nil {
		if saved, ok, err := store.Load(ctx); err != nil {
			return nil, errs.New(errs.KindStoreUnavailable, "breaker_snapshot_load", err)
		} else if ok {
			b.snap = saved
		}
	}
	return b, nil
}

// Admit runs the §4.3 admission algorithm for req.
func (b *Breaker) Admit(ctx context.Context, req AdmitRequest) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()

	// Step 0: storage unavailable -> fail closed for admission.
	if b.ledger == nil {
		return Decision{Admitted: false, Reason: "store_unavailable"}, nil
	}

	// Transition open -> half_open after recovery timeout.
	if b.snap.State == StateOpen && now.Sub(b.snap.StateChangedAt) >= b.limits.RecoveryTimeout {
		b.transition(ctx, StateHalfOpen, now)
	}

	// Step 1.
	if b.snap.State == StateOpen {
		retryAfter := b.limits.RecoveryTimeout - now.Sub(b.snap.StateChangedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Admitted: false, Reason: "circuit_open", RetryAfter: retryAfter}, nil
	}

	// Step 2: rate limits.
	if b.rate != nil {
		turnsPerMin, err := b.rate.IncrTurn(ctx, now)
		if err != nil {
			return Decision{Admitted: false, Reason: "store_unavailable"}, nil
		}
		if b.limits.MaxTurnsPerMinute > 0 && turnsPerMin >= b.limits.MaxTurnsPerMinute {
			return Decision{Admitted: false, Reason: "rate_limited"}, nil
		}
		if req.IsNewConvo {
			convsPerHour, err := b.rate.IncrConversation(ctx, req.ConversationID, now)
			if err != nil {
				return Decision{Admitted: false, Reason: "store_unavailable"}, nil
			}
			if b.limits.MaxConversationsPerHour > 0 && convsPerHour >= b.limits.MaxConversationsPerHour {
				return Decision{Admitted: false, Reason: "rate_limited"}, nil
			}
		}
	}

	// Step 3: budget limits.
	if b.limits.TurnLimit > 0 && req.EstimatedCost > b.limits.TurnLimit {
		return Decision{Admitted: false, Reason: "turn_limit_exceeded"}, nil
	}
	convTotal, err := b.ledger.ConversationTotal(ctx, req.ConversationID)
	if err != nil {
		return Decision{Admitted: false, Reason: "store_unavailable"}, nil
	}
	if b.limits.ConversationLimit > 0 && convTotal+req.EstimatedCost > b.limits.ConversationLimit {
		return Decision{Admitted: false, Reason: "conversation_limit_exceeded"}, nil
	}
	dayTotal, err := b.ledger.DailyTotal(ctx, now)
	if err != nil {
		return Decision{Admitted: false, Reason: "store_unavailable"}, nil
	}
	if b.limits.BudgetLimitDaily > 0 && dayTotal+req.EstimatedCost > b.limits.BudgetLimitDaily {
		b.transition(ctx, StateOpen, now)
		b.persist(ctx)
		return Decision{Admitted: false, Reason: "daily_budget_exceeded", RetryAfter: b.limits.RecoveryTimeout}, nil
	}

	// Step 4: spike detection.
	if b.spikeDetected(req.EstimatedCost) {
		b.snap.Failures++
		if b.limits.FailureThreshold > 0 && b.snap.Failures >= b.limits.FailureThreshold {
			b.transition(ctx, StateOpen, now)
			b.persist(ctx)
			return Decision{Admitted: false, Reason: "cost_spike_breaker_tripped", RetryAfter: b.limits.RecoveryTimeout}, nil
		}
	}

	// Step 5: budget-level alerts.
	b.emitBudgetLevel(ctx, "daily", dayTotal+req.EstimatedCost, b.limits.BudgetLimitDaily)

	b.persist(ctx)
	return Decision{Admitted: true}, nil
}

// RecordOutcome updates the rolling cost window and, in half_open, the
// consecutive-success counter. Call after a provider invocation completes
// (whether the call was admitted by this breaker or not, as long as the
// caller wants the spike-detection window to reflect it).
func (b *Breaker) RecordOutcome(ctx context.Context, actualCost float64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snap.CostHistory = append(b.snap.CostHistory, actualCost)
	if len(b.snap.CostHistory) > costHistoryMaxLen {
		b.snap.CostHistory = b.snap.CostHistory[len(b.snap.CostHistory)-costHistoryMaxLen:]
	}
	b.snap.TurnCount++
	b.snap.TotalCostToday += actualCost

	now := time.Now().UTC()
	switch b.snap.State {
	case StateHalfOpen:
		if !success {
			b.transition(ctx, StateOpen, now)
			return
		}
		b.snap.HalfOpenWins++
		if b.snap.HalfOpenWins >= b.limits.SuccessThreshold {
			b.transition(ctx, StateClosed, now)
		}
	case StateClosed:
		if !success {
			b.snap.Failures++
			if b.limits.FailureThreshold > 0 && b.snap.Failures >= b.limits.FailureThreshold {
				b.transition(ctx, StateOpen, now)
			}
		}
	}
	b.persist(ctx)
}

// TripOpen is called by the Budget Monitor to force the breaker open with a
// structured reason (critical daily utilization, provider near-exhaustion).
func (b *Breaker) TripOpen(ctx context.Context, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = reason
	b.transition(ctx, StateOpen, time.Now().UTC())
	b.persist(ctx)
}

// Override forces the breaker closed, used by the elevated-credential admin
// endpoint. Callers are responsible for audit-logging the actor.
func (b *Breaker) Override(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(ctx, StateClosed, time.Now().UTC())
	b.persist(ctx)
}

// Snapshot returns a copy of the current state for read-only callers.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := b.snap
	cp.CostHistory = append([]float64(nil), b.snap.CostHistory...)
	return cp
}

func (b *Breaker) transition(_ context.Context, to State, now time.Time) {
	if b.snap.State == to {
		return
	}
	b.snap.State = to
	b.snap.StateChangedAt = now
	if to != StateHalfOpen {
		b.snap.HalfOpenWins = 0
	}
	if to == StateClosed {
		b.snap.Failures = 0
	}
}

func (b *Breaker) persist(ctx context.Context) {
	if b.store == nil {
		return
	}
	_ = b.store.Save(ctx, b.snap)
}

func (b *Breaker) spikeDetected(estimatedCost float64) bool {
	if len(b.snap.CostHistory) < 5 {
		return false
	}
	var sum float64
	for _, c := range b.snap.CostHistory {
		sum += c
	}
	avg := sum / float64(len(b.snap.CostHistory))
	return avg > 0 && estimatedCost > b.limits.SpikeFactor*avg
}

// emitBudgetLevel enforces "at most once per hour per level": a level
// change always emits immediately; re-emitting the same level is throttled
// to once per hour.
func (b *Breaker) emitBudgetLevel(ctx context.Context, scope string, total, limit float64) {
	if b.alerts == nil || limit <= 0 {
		return
	}
	fraction := total / limit
	level := classifyLevel(fraction, b.limits.WarningThreshold, b.limits.CriticalThreshold)
	now := time.Now().UTC()
	key := scope + ":" + string(level)
	if last, ok := b.lastAlertAt[key]; ok && b.lastAlertTier[scope] == level && now.Sub(last) < time.Hour {
		return
	}
	b.lastAlertAt[key] = now
	b.lastAlertTier[scope] = level
	_ = b.alerts.Emit(ctx, level, scope, "daily_budget_fraction", fraction)
}

func classifyLevel(fraction, warning, critical float64) BudgetLevel {
	switch {
	case fraction >= 1.0:
		return LevelExceeded
	case fraction >= critical:
		return LevelCritical
	case fraction >= warning:
		return LevelWarning
	case fraction >= warning/2:
		return LevelModerate
	default:
		return LevelHealthy
	}
}
