package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/errs"
)

type fakeRunner struct {
	mu        sync.Mutex
	callOrder []string
	failSteps map[string]int // step_id -> number of times to fail before succeeding
	attempts  map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{failSteps: make(map[string]int), attempts: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, step Step, inputs map[string]string) (string, int, int, error) {
	f.mu.Lock()
	f.callOrder = append(f.callOrder, step.StepID)
	f.attempts[step.StepID]++
	attempt := f.attempts[step.StepID]
	f.mu.Unlock()

	if n, ok := f.failSteps[step.StepID]; ok && attempt <= n {
		return "", 0, 0, errs.New(errs.KindProviderTransient, "transient", nil)
	}
	return "ok:" + step.StepID, 5, 5, nil
}

func TestValidate_RejectsCycle(t *testing.T) {
	def := Definition{
		WorkflowID: "wf1",
		Steps: []Step{
			{StepID: "a", Inputs: []string{"b"}},
			{StepID: "b", Inputs: []string{"a"}},
		},
	}
	err := Validate(def)
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownReference(t *testing.T) {
	def := Definition{
		WorkflowID:  "wf1",
		Steps:       []Step{{StepID: "a"}},
		EntryPoints: []string{"missing"},
	}
	err := Validate(def)
	assert.Error(t, err)
}

func TestExecute_SequentialChainRunsInOrder(t *testing.T) {
	def := Definition{
		WorkflowID: "wf-seq",
		Steps: []Step{
			{StepID: "step1"},
			{StepID: "step2", Inputs: []string{"step1"}},
			{StepID: "step3", Inputs: []string{"step2"}},
		},
		EntryPoints:    []string{"step1"},
		ExitConditions: []string{"step3"},
	}
	runner := newFakeRunner()
	store := NewMemStore()
	exec := New(store, nil, nil, runner, RetryPolicy{})

	result, err := exec.Execute(context.Background(), def, "u1", "exec1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"step1", "step2", "step3"}, runner.callOrder)
}

func TestExecute_ParallelLevelRunsConcurrentlyInStepIDOrder(t *testing.T) {
	def := Definition{
		WorkflowID: "wf-par",
		Steps: []Step{
			{StepID: "a"},
			{StepID: "b"},
			{StepID: "join", Inputs: []string{"a", "b"}},
		},
		EntryPoints:    []string{"a", "b"},
		ExitConditions: []string{"join"},
	}
	runner := newFakeRunner()
	store := NewMemStore()
	exec := New(store, nil, nil, runner, RetryPolicy{})

	result, err := exec.Execute(context.Background(), def, "u1", "exec2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, result.StepResults, 3)
	assert.Equal(t, "join", runner.callOrder[len(runner.callOrder)-1])
}

func TestExecute_RetriesTransientFailureThenSucceeds(t *testing.T) {
	def := Definition{
		WorkflowID: "wf-retry",
		Steps:      []Step{{StepID: "flaky", RetryCount: 2}},
	}
	runner := newFakeRunner()
	runner.failSteps["flaky"] = 1
	store := NewMemStore()
	exec := New(store, nil, nil, runner, RetryPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond})

	result, err := exec.Execute(context.Background(), def, "u1", "exec3")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "", result.StepResults["flaky"].Error)
}

func TestExecute_PermanentFailureFailsExecution(t *testing.T) {
	def := Definition{
		WorkflowID: "wf-fail",
		Steps:      []Step{{StepID: "bad"}},
	}
	runner := &fakeRunnerAlwaysFails{}
	store := NewMemStore()
	exec := New(store, nil, nil, runner, RetryPolicy{})

	result, err := exec.Execute(context.Background(), def, "u1", "exec4")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

type fakeRunnerAlwaysFails struct{}

func (fakeRunnerAlwaysFails) Run(ctx context.Context, step Step, inputs map[string]string) (string, int, int, error) {
	return "", 0, 0, errs.New(errs.KindProviderPermanent, "bad_request", nil)
}

func TestExecute_CancelStopsSubsequentLevels(t *testing.T) {
	def := Definition{
		WorkflowID: "wf-cancel",
		Steps: []Step{
			{StepID: "step1"},
			{StepID: "step2", Inputs: []string{"step1"}},
		},
	}
	runner := newFakeRunner()
	store := NewMemStore()
	exec := New(store, nil, nil, runner, RetryPolicy{})
	exec.Cancel("exec5")

	result, err := exec.Execute(context.Background(), def, "u1", "exec5")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
}
