// Package workflow implements the Graph Workflow Executor (C11): validating
// and running a DAG-shaped WorkflowDefinition against the agent pool with
// sequential, parallel, and hierarchical coordination, persisting a
// WorkflowExecution at every state transition.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/pricing"
)

// StepType is one of WorkflowStep.step_type's fixed values.
type StepType string

const (
	StepAnalysis   StepType = "analysis"
	StepDecision   StepType = "decision"
	StepAction     StepType = "action"
	StepValidation StepType = "validation"
)

// Step is one node of the DAG.
type Step struct {
	StepID           string
	AgentID          string
	StepType         StepType
	Inputs           []string // step_ids whose outputs feed this step
	Outputs          map[string]string
	Conditions       string
	Timeout          time.Duration
	ApprovalRequired bool
	RetryCount       int
}

// Definition is a named DAG of steps.
type Definition struct {
	WorkflowID     string
	Name           string
	Steps          []Step
	EntryPoints    []string
	ExitConditions []string
	Metadata       map[string]string
}

// Validate checks the §3 WorkflowDefinition invariants: the input graph is
// acyclic, and every entry_points/exit_conditions/inputs id references an
// existing step.
func Validate(def Definition) error {
	byID := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		if _, dup := byID[s.StepID]; dup {
			return errs.New(errs.KindInternal, fmt.Sprintf("duplicate_step_id:%s", s.StepID), nil)
		}
		byID[s.StepID] = s
	}
	for _, s := range def.Steps {
		for _, in := range s.Inputs {
			if _, ok := byID[in]; !ok {
				return errs.New(errs.KindInternal, fmt.Sprintf("unknown_input_step:%s", in), nil)
			}
		}
	}
	for _, id := range def.EntryPoints {
		if _, ok := byID[id]; !ok {
			return errs.New(errs.KindInternal, fmt.Sprintf("unknown_entry_point:%s", id), nil)
		}
	}
	for _, id := range def.ExitConditions {
		if _, ok := byID[id]; !ok {
			return errs.New(errs.KindInternal, fmt.Sprintf("unknown_exit_condition:%s", id), nil)
		}
	}
	if hasCycle(def.Steps) {
		return errs.New(errs.KindInternal, "workflow_graph_has_cycle", nil)
	}
	if !exitsReachableFromEntries(def) {
		return errs.New(errs.KindInternal, "exit_condition_unreachable_from_entry_points", nil)
	}
	return nil
}

func hasCycle(steps []Step) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		color[s.StepID] = white
		for _, in := range s.Inputs {
			adj[in] = append(adj[in], s.StepID) // edge in -> s (s depends on in)
		}
	}
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, s := range steps {
		if color[s.StepID] == white {
			if visit(s.StepID) {
				return true
			}
		}
	}
	return false
}

func exitsReachableFromEntries(def Definition) bool {
	if len(def.ExitConditions) == 0 {
		return true
	}
	children := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		for _, in := range s.Inputs {
			children[in] = append(children[in], s.StepID)
		}
	}
	reachable := make(map[string]bool)
	var queue []string
	queue = append(queue, def.EntryPoints...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, children[id]...)
	}
	for _, id := range def.ExitConditions {
		if !reachable[id] {
			return false
		}
	}
	return true
}

// levels groups steps into DAG layers: level 0 has no unresolved
// dependencies, level N depends only on steps in levels < N. Within a
// level, steps launch in ascending step_id order.
func levels(def Definition) [][]Step {
	byID := make(map[string]Step, len(def.Steps))
	remaining := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		byID[s.StepID] = s
		remaining[s.StepID] = append([]string(nil), s.Inputs...)
	}
	done := make(map[string]bool, len(def.Steps))
	var out [][]Step
	for len(done) < len(def.Steps) {
		var ready []string
		for id, deps := range remaining {
			if done[id] {
				continue
			}
			allDone := true
			for _, d := range deps {
				if !done[d] {
					allDone = false
					break
				}
			}
			if allDone {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			break // cycle; Validate should have already rejected this
		}
		sort.Strings(ready)
		level := make([]Step, len(ready))
		for i, id := range ready {
			level[i] = byID[id]
			done[id] = true
		}
		out = append(out, level)
	}
	return out
}

// Status is one of WorkflowExecution.status's fixed values.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepResult is one step's recorded output.
type StepResult struct {
	StepID     string
	Output     string
	TokensIn   int
	TokensOut  int
	Cost       float64
	Error      string
	DurationMs int64
}

// Execution is one run of a Definition.
type Execution struct {
	ExecutionID  string
	WorkflowID   string
	Status       Status
	CurrentStep  string
	StepResults  map[string]StepResult
	StartTime    time.Time
	EndTime      *time.Time
	ErrorMessage string
	UserID       string
}

// Store persists Execution at every state transition.
type Store interface {
	Save(ctx context.Context, exec Execution) error
	Load(ctx context.Context, executionID string) (Execution, bool, error)
}

// MemStore is an in-process Store, the reference implementation used in
// tests and as a cold-start fallback.
type MemStore struct {
	mu    sync.Mutex
	execs map[string]Execution
}

func NewMemStore() *MemStore {
	return &MemStore{execs: make(map[string]Execution)}
}

func (m *MemStore) Save(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ExecutionID] = exec
	return nil
}

func (m *MemStore) Load(_ context.Context, executionID string) (Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	return e, ok, nil
}

// StepRunner executes one step given its materialized inputs (the named
// outputs of the steps it depends on) and returns the step's raw output and
// token counts for cost accounting.
type StepRunner interface {
	Run(ctx context.Context, step Step, inputs map[string]string) (output string, tokensIn, tokensOut int, err error)
}

// RetryPolicy is the exponential backoff applied to a failing step before
// it is retried, up to the step's RetryCount.
type RetryPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 250 * time.Millisecond
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	if p.Cap <= 0 {
		p.Cap = 4 * time.Second
	}
	return p
}

// Executor runs Definitions against a StepRunner, gating every step's
// provider call through the same circuit breaker conversation turns use.
type Executor struct {
	store   Store
	breaker *breaker.Breaker
	pricing pricing.Table
	runner  StepRunner
	retry   RetryPolicy

	mu        sync.Mutex
	cancelled map[string]bool
}

// New constructs an Executor. breaker/pricing may be nil to skip admission
// gating (e.g. in tests exercising only DAG shape).
func New(store Store, br *breaker.Breaker, table pricing.Table, runner StepRunner, retry RetryPolicy) *Executor {
	return &Executor{
		store:     store,
		breaker:   br,
		pricing:   table,
		runner:    runner,
		retry:     retry.withDefaults(),
		cancelled: make(map[string]bool),
	}
}

// Store returns the Executor's backing execution store, for read-only
// lookups by the HTTP surface.
func (e *Executor) Store() Store {
	return e.store
}

// Cancel stops admission of new steps for executionID; steps already
// in-flight are allowed to complete and their results are recorded.
func (e *Executor) Cancel(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[executionID] = true
}

func (e *Executor) isCancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}

// persist saves exec's current state. Once the stored status is terminal,
// every further save is refused by the monotone-terminal invariant; callers
// here only ever advance status forward, so this is a defensive no-op guard
// rather than a reachable path.
func (e *Executor) persist(ctx context.Context, exec Execution) {
	if e.store == nil {
		return
	}
	if prev, ok, err := e.store.Load(ctx, exec.ExecutionID); err == nil && ok && terminal(prev.Status) {
		return
	}
	_ = e.store.Save(ctx, exec)
}

// Execute validates def, then runs its steps level by level: steps whose
// inputs are all ready within a level run concurrently (ascending step_id
// launch order), and the executor joins on the level before advancing.
func (e *Executor) Execute(ctx context.Context, def Definition, userID, executionID string) (Execution, error) {
	if err := Validate(def); err != nil {
		return Execution{}, err
	}

	exec := Execution{
		ExecutionID: executionID,
		WorkflowID:  def.WorkflowID,
		Status:      StatusPending,
		StepResults: make(map[string]StepResult),
		StartTime:   time.Now().UTC(),
		UserID:      userID,
	}
	e.persist(ctx, exec)

	exec.Status = StatusRunning
	e.persist(ctx, exec)

	outputs := make(map[string]map[string]string) // step_id -> output name -> value
	var outputsMu sync.Mutex
	failed := false

	for _, level := range levels(def) {
		if e.isCancelled(executionID) {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		results := make([]StepResult, len(level))

		for i, step := range level {
			i, step := i, step
			g.Go(func() error {
				inputs := materializeInputs(step, outputs, &outputsMu)
				res := e.runStep(gctx, step, inputs)
				results[i] = res

				outputsMu.Lock()
				outputs[step.StepID] = map[string]string{"result": res.Output}
				outputsMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			exec.StepResults[res.StepID] = res
			exec.CurrentStep = res.StepID
			if res.Error != "" {
				failed = true
			}
		}
		e.persist(ctx, exec)

		if failed {
			break
		}
	}

	now := time.Now().UTC()
	exec.EndTime = &now
	switch {
	case failed:
		exec.Status = StatusFailed
		exec.ErrorMessage = "one or more steps failed"
	case e.isCancelled(executionID):
		exec.Status = StatusCancelled
	default:
		exec.Status = StatusCompleted
	}
	e.persist(ctx, exec)

	return exec, nil
}

func materializeInputs(step Step, outputs map[string]map[string]string, mu *sync.Mutex) map[string]string {
	mu.Lock()
	defer mu.Unlock()
	in := make(map[string]string, len(step.Inputs))
	for _, depID := range step.Inputs {
		if vals, ok := outputs[depID]; ok {
			in[depID] = vals["result"]
		}
	}
	return in
}

// runStep executes one step with admission gating and retry-with-backoff up
// to step.RetryCount, enforcing step.Timeout per attempt.
func (e *Executor) runStep(ctx context.Context, step Step, inputs map[string]string) StepResult {
	start := time.Now()
	maxAttempts := step.RetryCount + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(e.retry, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return StepResult{StepID: step.StepID, Error: ctx.Err().Error(), DurationMs: time.Since(start).Milliseconds()}
			}
		}

		if e.breaker != nil {
			decision, err := e.breaker.Admit(ctx, breaker.AdmitRequest{ConversationID: step.StepID, EstimatedCost: 0})
			if err != nil || !decision.Admitted {
				lastErr = errs.New(errs.KindPolicy, "step_admission_rejected", err)
				continue
			}
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		output, tokensIn, tokensOut, err := e.runner.Run(stepCtx, step, inputs)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			cost := e.cost(ctx, tokensIn, tokensOut)
			if e.breaker != nil {
				e.breaker.RecordOutcome(ctx, cost, true)
			}
			return StepResult{
				StepID: step.StepID, Output: output, TokensIn: tokensIn, TokensOut: tokensOut,
				Cost: cost, DurationMs: time.Since(start).Milliseconds(),
			}
		}
		lastErr = err
		if e.breaker != nil {
			e.breaker.RecordOutcome(ctx, 0, false)
		}
		if !errs.Is(err, errs.KindProviderTransient) {
			break
		}
	}

	return StepResult{StepID: step.StepID, Error: lastErr.Error(), DurationMs: time.Since(start).Milliseconds()}
}

func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Cap {
			return p.Cap
		}
	}
	return d
}

func (e *Executor) cost(ctx context.Context, tokensIn, tokensOut int) float64 {
	if e.pricing == nil {
		return 0
	}
	rec, err := e.pricing.Active(ctx, "openai", "", time.Now().UTC())
	if err != nil {
		return 0
	}
	_, _, total := pricing.Cost(rec, tokensIn, tokensOut)
	return total
}
