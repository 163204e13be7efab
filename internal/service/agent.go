package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cfotel "github.com/Strob0t/crewflow/internal/adapter/otel"
	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/resilience"
)

// clarification is sent with the single retry after a failed invocation.
const clarification = "The previous attempt failed: %v. Respond again and follow the output format exactly."

// AgentRunner invokes the agent backend with one clarifying retry. Calls are
// guarded by a circuit breaker per model, so a model that keeps failing is
// not hammered by every task.
type AgentRunner struct {
	agent    agentbackend.Agent
	breakers *resilience.Set
	metrics  *cfotel.Metrics
}

// NewAgentRunner creates an AgentRunner. breakers may be nil.
func NewAgentRunner(agent agentbackend.Agent, breakers *resilience.Set, metrics *cfotel.Metrics) *AgentRunner {
	return &AgentRunner{agent: agent, breakers: breakers, metrics: metrics}
}

// Invoke runs b, retrying once with a clarification on failure. The second
// failure is returned as *domain.AgentInvocationError. ctx cancellation is not
// propagated into a call already in flight.
func (r *AgentRunner) Invoke(ctx context.Context, b agentbackend.Bundle) (*agentbackend.Output, error) {
	out, err := r.call(ctx, b, 1)
	if err == nil {
		return out, nil
	}
	slog.WarnContext(ctx, "agent invocation failed, retrying with clarification",
		"phase", b.Phase, "model", b.Model, "error", err)

	b.Clarification = fmt.Sprintf(clarification, err)
	out, err = r.call(ctx, b, 2)
	if err == nil {
		return out, nil
	}
	var aie *domain.AgentInvocationError
	if !errors.As(err, &aie) {
		err = &domain.AgentInvocationError{Phase: string(b.Phase), Attempt: 2, Err: err}
	}
	return nil, err
}

func (r *AgentRunner) call(ctx context.Context, b agentbackend.Bundle, attempt int) (*agentbackend.Output, error) {
	spanCtx, span := cfotel.StartAgentSpan(ctx, string(b.Phase), b.Model)
	start := time.Now()

	var out *agentbackend.Output
	invoke := func() error {
		var err error
		out, err = r.agent.Invoke(context.WithoutCancel(spanCtx), b)
		if err == nil && out == nil {
			err = errors.New("agent returned no output")
		}
		return err
	}

	var err error
	if r.breakers != nil {
		err = r.breakers.Execute(b.Model, invoke)
	} else {
		err = invoke()
	}
	if err != nil {
		var aie *domain.AgentInvocationError
		if !errors.As(err, &aie) {
			err = &domain.AgentInvocationError{Phase: string(b.Phase), Attempt: attempt, Err: err}
		}
	}

	r.metrics.AgentInvoked(ctx, string(b.Phase), b.Model, time.Since(start).Seconds(), err != nil)
	cfotel.EndSpan(span, err)
	return out, err
}
