package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/agenthost/internal/providers"
)

var tracer = otel.Tracer("agenthost/agent")

const subAgentSystem = "You are a background worker agent. Complete the task " +
	"described by the prompt and reply with the final result only. Files you " +
	"write under the working directory are delivered to the user automatically."

// TaskRunner executes sub-agent prompts against the model backend.
// It satisfies the task manager's Runner contract.
type TaskRunner struct {
	backend providers.Backend
}

// NewTaskRunner wraps a backend for sub-agent execution.
func NewTaskRunner(backend providers.Backend) *TaskRunner {
	return &TaskRunner{backend: backend}
}

// RunTask runs one task attempt. Each attempt is a stateless backend
// call; retry history arrives folded into the prompt.
func (r *TaskRunner) RunTask(ctx context.Context, userID int64, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "subagent.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int("prompt.chars", len(prompt)),
	)

	res, err := r.backend.Invoke(ctx, providers.Invocation{
		System:   subAgentSystem,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("task execution: %w", err)
	}
	span.SetAttributes(
		attribute.Int("usage.input_tokens", res.Usage.InputTokens),
		attribute.Int("usage.output_tokens", res.Usage.OutputTokens),
	)
	return strings.TrimSpace(res.Text), nil
}
