// Package ledger implements the Cost Ledger (C2): an append-only record of
// per-call cost, aggregated into per-conversation / per-day / per-provider
// sums that the Circuit Breaker and Budget Monitor read.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/internal/errs"
)

// Record is one provider call's cost, satisfying
// total_cost = input_cost + output_cost + request_fee.
type Record struct {
	ID             string
	SessionID      string
	ConversationID string
	TurnID         string
	AgentID        string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	InputCost      float64
	OutputCost     float64
	RequestFee     float64
	TotalCost      float64
	CreatedAt      time.Time
}

// SessionStatus is one of ConversationSession.status's fixed values.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionCompleted      SessionStatus = "completed"
	SessionAborted        SessionStatus = "aborted"
	SessionCircuitBlocked SessionStatus = "circuit_blocked"
)

// Session is the ConversationSession aggregate: total_cost must always equal
// the sum of Record.TotalCost for records with this SessionID.
type Session struct {
	SessionID         string
	ConversationID    string
	UserID            string
	StartedAt         time.Time
	EndedAt           *time.Time
	TotalCost         float64
	TotalInteractions int
	Status            SessionStatus
}

// DailyTotal is one day's aggregated spend, the unit the Budget Monitor's
// linear regression predicts over.
type DailyTotal struct {
	Day   time.Time
	Total float64
}

// Ledger is the append-only store of CostRecords plus the aggregates derived
// from them. Writers are serialized per the single-writer-per-key policy;
// MemLedger's reads take the same mutex as its writes.
type Ledger interface {
	// Append writes rec and atomically updates the owning session's
	// aggregate. NewRecord should be used to fill in TotalCost/ID/CreatedAt.
	Append(ctx context.Context, rec Record) error
	// Session returns the current aggregate for sessionID.
	Session(ctx context.Context, sessionID string) (Session, error)
	// EnsureSession creates a session row if one does not already exist.
	EnsureSession(ctx context.Context, sessionID, conversationID, userID string) error
	// SetSessionStatus transitions a session's status (and EndedAt when terminal).
	SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error
	// ConversationTotal sums TotalCost for all records in conversationID.
	ConversationTotal(ctx context.Context, conversationID string) (float64, error)
	// DailyTotal sums TotalCost for all records created on day (UTC, truncated to date).
	DailyTotal(ctx context.Context, day time.Time) (float64, error)
	// ProviderTotal sums TotalCost for provider on day.
	ProviderTotal(ctx context.Context, provider string, day time.Time) (float64, error)
	// RecentDailyTotals returns the last n days of DailyTotal, oldest first,
	// for the Budget Monitor's spending prediction.
	RecentDailyTotals(ctx context.Context, n int) ([]DailyTotal, error)
	// OpenSessions returns every session with status == active.
	OpenSessions(ctx context.Context) ([]Session, error)
}

// NewRecord fills in ID/CreatedAt/TotalCost for a Record about to be appended.
func NewRecord(sessionID, conversationID, turnID, agentID, provider, model string, inputTokens, outputTokens int, inputCost, outputCost, requestFee float64) Record {
	return Record{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		ConversationID: conversationID,
		TurnID:         turnID,
		AgentID:        agentID,
		Provider:       provider,
		Model:          model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		InputCost:      inputCost,
		OutputCost:     outputCost,
		RequestFee:     requestFee,
		TotalCost:      inputCost + outputCost + requestFee,
		CreatedAt:      time.Now().UTC(),
	}
}

// MemLedger is an in-process Ledger used in tests; cmd/conclaved always
// uses the Postgres ledger.
type MemLedger struct {
	mu       sync.Mutex
	records  []Record
	sessions map[string]*Session
}

// NewMemLedger constructs an empty MemLedger.
func NewMemLedger() *MemLedger {
	return &MemLedger{sessions: make(map[string]*Session)}
}

func (l *MemLedger) EnsureSession(_ context.Context, sessionID, conversationID, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[sessionID]; ok {
		return nil
	}
	l.sessions[sessionID] = &Session{
		SessionID:      sessionID,
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      time.Now().UTC(),
		Status:         SessionActive,
	}
	return nil
}

func (l *MemLedger) Append(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[rec.SessionID]
	if !ok {
		return errs.New(errs.KindInternal, "append_to_unknown_session", nil)
	}
	l.records = append(l.records, rec)
	sess.TotalCost += rec.TotalCost
	sess.TotalInteractions++
	return nil
}

func (l *MemLedger) Session(_ context.Context, sessionID string) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return Session{}, errs.New(errs.KindInternal, "session_not_found", nil)
	}
	return *sess, nil
}

func (l *MemLedger) SetSessionStatus(_ context.Context, sessionID string, status SessionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return errs.New(errs.KindInternal, "session_not_found", nil)
	}
	sess.Status = status
	if status != SessionActive {
		now := time.Now().UTC()
		sess.EndedAt = &now
	}
	return nil
}

func (l *MemLedger) ConversationTotal(_ context.Context, conversationID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, r := range l.records {
		if r.ConversationID == conversationID {
			total += r.TotalCost
		}
	}
	return total, nil
}

func (l *MemLedger) DailyTotal(_ context.Context, day time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := day.UTC().Truncate(24 * time.Hour)
	var total float64
	for _, r := range l.records {
		if r.CreatedAt.UTC().Truncate(24 * time.Hour).Equal(d) {
			total += r.TotalCost
		}
	}
	return total, nil
}

func (l *MemLedger) ProviderTotal(_ context.Context, provider string, day time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := day.UTC().Truncate(24 * time.Hour)
	var total float64
	for _, r := range l.records {
		if r.Provider == provider && r.CreatedAt.UTC().Truncate(24*time.Hour).Equal(d) {
			total += r.TotalCost
		}
	}
	return total, nil
}

func (l *MemLedger) RecentDailyTotals(_ context.Context, n int) ([]DailyTotal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byDay := make(map[time.Time]float64)
	for _, r := range l.records {
		d := r.CreatedAt.UTC().Truncate(24 * time.Hour)
		byDay[d] += r.TotalCost
	}
	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sortTimes(days)
	if len(days) > n {
		days = days[len(days)-n:]
	}
	out := make([]DailyTotal, len(days))
	for i, d := range days {
		out[i] = DailyTotal{Day: d, Total: byDay[d]}
	}
	return out, nil
}

func (l *MemLedger) OpenSessions(_ context.Context) ([]Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Session
	for _, s := range l.sessions {
		if s.Status == SessionActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func sortTimes(t []time.Time) {
	for i := 1; i < len(t); i++ {
		for j := i; j > 0 && t[j-1].After(t[j]); j-- {
			t[j-1], t[j] = t[j], t[j-1]
		}
	}
}
