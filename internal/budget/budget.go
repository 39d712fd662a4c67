// Package budget implements the Budget Monitor (C4): a periodic sweep over
// the cost ledger that predicts future spend, flags anomalous sessions, and
// trips the circuit breaker when a provider or the daily budget is close to
// exhausted.
package budget

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/ledger"
	"github.com/conclave-ai/conclave/internal/observability"
)

// Prediction is the outcome of a linear-regression spend forecast.
type Prediction struct {
	// Status is "ok" or "insufficient_data".
	Status            string
	ProjectedToday    float64
	ProjectedTomorrow float64
	SlopePerDay       float64
}

const minHistoryDays = 3

// PredictSpend fits a least-squares line to the last n days of totals and
// projects it forward. Fewer than three days of history yields
// insufficient_data rather than an unreliable extrapolation.
func PredictSpend(history []ledger.DailyTotal) Prediction {
	if len(history) < minHistoryDays {
		return Prediction{Status: "insufficient_data"}
	}

	n := float64(len(history))
	var sumX, sumY, sumXY, sumXX float64
	for i, h := range history {
		x := float64(i)
		sumX += x
		sumY += h.Total
		sumXY += x * h.Total
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Prediction{Status: "insufficient_data"}
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	lastX := n - 1
	return Prediction{
		Status:            "ok",
		ProjectedToday:    intercept + slope*lastX,
		ProjectedTomorrow: intercept + slope*(lastX+1),
		SlopePerDay:       slope,
	}
}

// AnomalousSession reports a session whose running total is more than
// anomalyFactor times the mean session cost, provided the total itself
// exceeds anomalyFloor (avoids flagging cheap sessions). The mean is taken
// over the sessions passed to detectAnomalies; the sweep passes every active
// session from ledger.OpenSessions, with no 24-hour window applied.
type AnomalousSession struct {
	SessionID string
	Total     float64
	Mean      float64
}

const (
	anomalyFactor = 3.0
	anomalyFloor  = 1.0
)

func detectAnomalies(sessions []ledger.Session) []AnomalousSession {
	if len(sessions) == 0 {
		return nil
	}
	var sum float64
	for _, s := range sessions {
		sum += s.TotalCost
	}
	mean := sum / float64(len(sessions))

	var out []AnomalousSession
	for _, s := range sessions {
		if s.TotalCost > anomalyFactor*mean && s.TotalCost > anomalyFloor {
			out = append(out, AnomalousSession{SessionID: s.SessionID, Total: s.TotalCost, Mean: mean})
		}
	}
	return out
}

// Limits carries the daily budget and critical threshold the monitor needs
// to judge utilization, plus optional per-provider budgets.
type Limits struct {
	DailyBudget       float64
	CriticalThreshold float64
	ProviderBudgets   map[string]float64
}

// AnalyticalSink receives a denormalized feed of every appended cost record
// for offline analysis (ClickHouse in production).
type AnalyticalSink interface {
	Record(ctx context.Context, rec ledger.Record) error
}

// Monitor runs the periodic sweep described in SPEC_FULL §4.4: predict
// spend, flag anomalous sessions, and trip the breaker on critical
// utilization.
type Monitor struct {
	ledger   ledger.Ledger
	breaker  *breaker.Breaker
	limits   Limits
	interval time.Duration

	// LastPrediction and LastAnomalies are exposed for the HTTP status
	// endpoint; they are read-mostly and only ever written from Run's
	// single goroutine.
	LastPrediction Prediction
	LastAnomalies  []AnomalousSession
}

// NewMonitor constructs a Monitor. interval is the sweep cadence
// (BudgetMonitorConfig.IntervalSeconds, default 30s).
func NewMonitor(led ledger.Ledger, br *breaker.Breaker, limits Limits, interval time.Duration) *Monitor {
	return &Monitor{ledger: led, breaker: br, limits: limits, interval: interval}
}

// Run blocks, sweeping every interval until ctx is cancelled. Intended to be
// launched as a supervised background goroutine from the composition root.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)

	history, err := m.ledger.RecentDailyTotals(ctx, 14)
	if err != nil {
		log.Warn().Err(err).Msg("budget_monitor_history_unavailable")
	} else {
		m.LastPrediction = PredictSpend(history)
	}

	sessions, err := m.ledger.OpenSessions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("budget_monitor_sessions_unavailable")
	} else {
		m.LastAnomalies = detectAnomalies(sessions)
		for _, a := range m.LastAnomalies {
			log.Warn().Str("session_id", a.SessionID).Float64("total", a.Total).Float64("mean", a.Mean).
				Msg("budget_monitor_anomalous_session")
		}
	}

	m.checkUtilization(ctx, log)
}

func (m *Monitor) checkUtilization(ctx context.Context, log *zerolog.Logger) {
	if m.limits.DailyBudget <= 0 || m.breaker == nil {
		return
	}
	today, err := m.ledger.DailyTotal(ctx, time.Now().UTC())
	if err != nil {
		return
	}
	fraction := today / m.limits.DailyBudget
	if fraction >= m.limits.CriticalThreshold {
		m.breaker.TripOpen(ctx, "daily_budget_critical_utilization")
		log.Warn().Float64("fraction", fraction).Msg("budget_monitor_tripped_breaker")
		return
	}
	for provider, budget := range m.limits.ProviderBudgets {
		if budget <= 0 {
			continue
		}
		total, err := m.ledger.ProviderTotal(ctx, provider, time.Now().UTC())
		if err != nil {
			continue
		}
		if total/budget >= 0.95 {
			m.breaker.TripOpen(ctx, "provider_budget_near_exhaustion:"+provider)
			log.Warn().Str("provider", provider).Float64("fraction", total/budget).Msg("budget_monitor_tripped_breaker")
		}
	}
}
