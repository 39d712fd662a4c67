package workflowrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/llmprovider"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/workflow"
)

type fakeProvider struct {
	name    string
	content string
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Generate(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (llmprovider.Result, error) {
	return llmprovider.Result{Content: f.content, TokensIn: 10, TokensOut: 20}, nil
}
func (f *fakeProvider) Stream(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (<-chan llmprovider.Chunk, error) {
	ch := make(chan llmprovider.Chunk)
	close(ch)
	return ch, nil
}

func loadTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(`
agents:
  - agent_id: "lead"
    name: "Lead"
    role: "lead"
    tier: "coordinator"
    category: "general"
    model_hint: "gpt-4o"
  - agent_id: "writer"
    name: "Writer"
    role: "writer"
    tier: "specialist"
    category: "general"
    model_hint: "claude-3-opus"
`), 0o644))
	reg, err := registry.Load(dir)
	require.NoError(t, err)
	return reg
}

func TestRun_DispatchesToAgentsModelHintProvider(t *testing.T) {
	reg := loadTestRegistry(t)
	providers := llmprovider.NewRegistry(&fakeProvider{name: "anthropic", content: "done"})
	r := New(reg, providers)

	out, in, outTok, err := r.Run(context.Background(), workflow.Step{
		StepID: "s1", AgentID: "writer", StepType: workflow.StepAction,
	}, map[string]string{})

	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 10, in)
	assert.Equal(t, 20, outTok)
}

func TestRun_UnknownAgentReturnsError(t *testing.T) {
	reg := loadTestRegistry(t)
	providers := llmprovider.NewRegistry()
	r := New(reg, providers)

	_, _, _, err := r.Run(context.Background(), workflow.Step{StepID: "s1", AgentID: "ghost"}, nil)
	assert.Error(t, err)
}

func TestRun_UnknownProviderReturnsError(t *testing.T) {
	reg := loadTestRegistry(t)
	providers := llmprovider.NewRegistry()
	r := New(reg, providers)

	_, _, _, err := r.Run(context.Background(), workflow.Step{StepID: "s1", AgentID: "lead"}, nil)
	assert.Error(t, err)
}
