package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/notify"
	"github.com/lexiqai/voice-bridge/internal/observability"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 10 * time.Second

// Orchestrator validates and executes tool calls. Execute always produces a
// result: unknown tools, invalid arguments, errors, panics and timeouts all
// become failures.
type Orchestrator struct {
	registry  *Registry
	timeout   time.Duration
	publisher notify.Publisher
	logger    zerolog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPublisher reports executed tools to p.
func WithPublisher(p notify.Publisher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *Registry, logger zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   logger.With().Str("component", "tool_orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the tools the orchestrator executes.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Timeout returns the per-call execution bound.
func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// Execute runs one call.
func (o *Orchestrator) Execute(ctx context.Context, call Call, sc SessionContext) Result {
	start := time.Now()
	logger := o.logger.With().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("session_id", sc.SessionID).
		Str("tenant_id", sc.TenantID).
		Logger()

	result := o.execute(ctx, call, sc, logger)

	latency := time.Since(start)
	observability.RecordToolCall(call.Name, result.Success, latency)
	logger.Info().
		Bool("success", result.Success).
		Dur("latency", latency).
		Str("reference_id", result.ReferenceID).
		Msg("Tool executed")

	if o.publisher != nil {
		o.publisher.Publish(sc.TenantID, notify.EventToolExecuted, map[string]any{
			"sessionId":   sc.SessionID,
			"tool":        call.Name,
			"success":     result.Success,
			"referenceId": result.ReferenceID,
		})
	}
	return result
}

func (o *Orchestrator) execute(ctx context.Context, call Call, sc SessionContext, logger zerolog.Logger) Result {
	tool, ok := o.registry.Get(call.Name)
	if !ok {
		logger.Warn().Msg("Unknown tool requested")
		return Failure(fmt.Sprintf("Tool %q is not available.", call.Name))
	}
	if !sc.Allows(call.Name) {
		logger.Warn().Msg("Tool not enabled for tenant")
		return Failure(fmt.Sprintf("Tool %q is not available.", call.Name))
	}

	if err := o.registry.Validate(call.Name, call.Arguments); err != nil {
		logger.Warn().Err(err).Msg("Tool arguments rejected")
		return Failure(err.Error())
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("Tool panicked")
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := tool.Execute(ctx, args, sc)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if !errors.Is(out.err, ErrInvalidArguments) {
				logger.Error().Err(out.err).Msg("Tool failed")
			}
			return Failure(out.err.Error())
		}
		return out.result
	case <-ctx.Done():
		logger.Warn().Dur("timeout", o.timeout).Msg("Tool timed out")
		return Failure(fmt.Sprintf("%s timed out", call.Name))
	}
}
