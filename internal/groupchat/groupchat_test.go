package groupchat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/ledger"
	"github.com/conclave-ai/conclave/internal/llmprovider"
	"github.com/conclave-ai/conclave/internal/pricing"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/selector"
)

type fakeProvider struct {
	name       string
	responses  []string
	calls      int
	failFirstN int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (llmprovider.Result, error) {
	p.calls++
	if p.calls <= p.failFirstN {
		return llmprovider.Result{}, errs.New(errs.KindProviderTransient, "rate_limited", nil)
	}
	idx := p.calls - p.failFirstN - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	content := p.responses[idx]
	return llmprovider.Result{Content: content, TokensIn: 10, TokensOut: 10, FinishReason: "stop"}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (<-chan llmprovider.Chunk, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, writeYAML(dir, "agents.yaml", `
agents:
  - agent_id: coord
    name: Coordinator
    role: lead
    tier: coordinator
    category: ops
    expertise_keywords: [billing]
    system_prompt: you coordinate
  - agent_id: specialist
    name: Specialist
    role: helper
    tier: specialist
    category: billing
    expertise_keywords: [billing, invoices]
    system_prompt: you help with billing
`))
	reg, err := registry.Load(dir)
	require.NoError(t, err)
	return reg
}

func writeYAML(dir, name, content string) error {
	return os.WriteFile(dir+"/"+name, []byte(content), 0o644)
}

func TestOrchestrate_CompletesOnCompletionMarker(t *testing.T) {
	reg := newTestRegistry(t)
	provider := &fakeProvider{name: "openai", responses: []string{"working on it", "task is done now"}}
	providers := llmprovider.NewRegistry(provider)
	table := pricing.NewMemTable()
	require.NoError(t, table.Set(context.Background(), pricing.Record{Provider: "openai", Model: "", InputPricePer1K: 0.001, OutputPricePer1K: 0.002, EffectiveFrom: time.Now().Add(-time.Hour), IsActive: true}))

	o := New(Deps{
		Registry:  reg,
		Selector:  selector.NewStore(),
		Ledger:    ledger.NewMemLedger(),
		Pricing:   table,
		Providers: providers,
	}, Config{MaxTurns: 5})

	res, err := o.Orchestrate(context.Background(), Request{Message: "help me with billing", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "completion_marker", res.TerminationReason)
	assert.GreaterOrEqual(t, res.TurnCount, 1)
	assert.NotEmpty(t, res.AgentsUsed)
}

func TestOrchestrate_MaxTurnsReachedWhenNeverComplete(t *testing.T) {
	reg := newTestRegistry(t)
	provider := &fakeProvider{name: "openai", responses: []string{"still working"}}
	providers := llmprovider.NewRegistry(provider)
	table := pricing.NewMemTable()
	require.NoError(t, table.Set(context.Background(), pricing.Record{Provider: "openai", InputPricePer1K: 0.001, OutputPricePer1K: 0.002, EffectiveFrom: time.Now().Add(-time.Hour), IsActive: true}))

	o := New(Deps{
		Registry:  reg,
		Selector:  selector.NewStore(),
		Ledger:    ledger.NewMemLedger(),
		Pricing:   table,
		Providers: providers,
	}, Config{MaxTurns: 2})

	res, err := o.Orchestrate(context.Background(), Request{Message: "help me with billing", UserID: "u1", ConversationID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "max_turns", res.TerminationReason)
	assert.Equal(t, 2, res.TurnCount)
}

func TestOrchestrate_ProviderTransientRetriesOnceThenFails(t *testing.T) {
	reg := newTestRegistry(t)
	provider := &fakeProvider{name: "openai", failFirstN: 2, responses: []string{"unreachable"}}
	providers := llmprovider.NewRegistry(provider)
	table := pricing.NewMemTable()
	require.NoError(t, table.Set(context.Background(), pricing.Record{Provider: "openai", InputPricePer1K: 0.001, OutputPricePer1K: 0.002, EffectiveFrom: time.Now().Add(-time.Hour), IsActive: true}))

	o := New(Deps{
		Registry:  reg,
		Selector:  selector.NewStore(),
		Ledger:    ledger.NewMemLedger(),
		Pricing:   table,
		Providers: providers,
	}, Config{MaxTurns: 5, RetryBase: time.Millisecond})

	res, err := o.Orchestrate(context.Background(), Request{Message: "help me with billing", UserID: "u1", ConversationID: "c3"})
	require.NoError(t, err)
	assert.Equal(t, "provider_error", res.TerminationReason)
	assert.Equal(t, 0, res.TurnCount)
}

func TestOrchestrate_BreakerRejectionBlocksCost(t *testing.T) {
	reg := newTestRegistry(t)
	provider := &fakeProvider{name: "openai", responses: []string{"response"}}
	providers := llmprovider.NewRegistry(provider)
	table := pricing.NewMemTable()
	require.NoError(t, table.Set(context.Background(), pricing.Record{Provider: "openai", InputPricePer1K: 1000, OutputPricePer1K: 1000, EffectiveFrom: time.Now().Add(-time.Hour), IsActive: true}))

	led := ledger.NewMemLedger()
	br, err := breaker.New(context.Background(), breaker.Limits{
		BudgetLimitDaily:  0.01,
		ConversationLimit: 0.01,
		TurnLimit:         0.01,
		WarningThreshold:  0.7,
		CriticalThreshold: 0.9,
		RecoveryTimeout:   time.Minute,
	}, led, nil, nil, nil)
	require.NoError(t, err)

	o := New(Deps{
		Registry:  reg,
		Selector:  selector.NewStore(),
		Ledger:    led,
		Pricing:   table,
		Providers: providers,
		Breaker:   br,
	}, Config{MaxTurns: 5})

	res, err := o.Orchestrate(context.Background(), Request{Message: "help me with billing", UserID: "u1", ConversationID: "c4"})
	require.NoError(t, err)
	assert.Equal(t, "cost_blocked:turn_limit_exceeded", res.TerminationReason)
	assert.Equal(t, 0, res.TurnCount)
}

func TestOrchestrate_MissingPricingBlocksAdmissionWithoutInvokingProvider(t *testing.T) {
	reg := newTestRegistry(t)
	provider := &fakeProvider{name: "openai", responses: []string{"response"}}
	providers := llmprovider.NewRegistry(provider)
	table := pricing.NewMemTable() // no active record for "openai" set

	o := New(Deps{
		Registry:  reg,
		Selector:  selector.NewStore(),
		Pricing:   table,
		Providers: providers,
	}, Config{MaxTurns: 5})

	res, err := o.Orchestrate(context.Background(), Request{Message: "help me with billing", UserID: "u1", ConversationID: "c5"})
	require.NoError(t, err)
	assert.Equal(t, "cost_blocked:pricing_unknown", res.TerminationReason)
	assert.Equal(t, 0, res.TurnCount)
	assert.Equal(t, 0, provider.calls)
}
