// Package workflowrunner implements workflow.StepRunner by dispatching each
// step to the agent its Step.AgentID names, invoking that agent's provider
// the same way the Group-Chat Orchestrator invokes a speaker.
package workflowrunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/llmprovider"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/workflow"
)

// Runner resolves a step's agent definition from the catalogue and invokes
// its model hint's provider with the step's materialized inputs folded into
// the agent's system prompt.
type Runner struct {
	registry  *registry.Registry
	providers *llmprovider.Registry
}

// New constructs a Runner.
func New(reg *registry.Registry, providers *llmprovider.Registry) *Runner {
	return &Runner{registry: reg, providers: providers}
}

func (r *Runner) Run(ctx context.Context, step workflow.Step, inputs map[string]string) (string, int, int, error) {
	agent, ok := r.registry.Get(step.AgentID)
	if !ok {
		return "", 0, 0, errs.New(errs.KindInternal, "unknown_step_agent:"+step.AgentID, nil)
	}
	provider, ok := r.providers.Get(providerNameFor(agent.ModelHint))
	if !ok {
		return "", 0, 0, errs.New(errs.KindInternal, "unknown_provider_for_step:"+step.StepID, nil)
	}

	prompt := buildStepPrompt(agent.SystemPrompt, step, inputs)
	msgs := []llmprovider.Message{{Role: "user", Content: prompt}}

	result, err := provider.Generate(ctx, agent.ModelHint, msgs, llmprovider.Params{})
	if err != nil {
		return "", 0, 0, err
	}
	return result.Content, result.TokensIn, result.TokensOut, nil
}

func buildStepPrompt(systemPrompt string, step workflow.Step, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nstep: ")
	b.WriteString(string(step.StepType))
	if step.Conditions != "" {
		b.WriteString("\nconditions: ")
		b.WriteString(step.Conditions)
	}
	for _, depID := range step.Inputs {
		fmt.Fprintf(&b, "\ninput[%s]: %s", depID, inputs[depID])
	}
	return b.String()
}

func providerNameFor(modelHint string) string {
	switch {
	case strings.HasPrefix(modelHint, "claude"):
		return "anthropic"
	case strings.HasPrefix(modelHint, "gemini"):
		return "google"
	default:
		return "openai"
	}
}
