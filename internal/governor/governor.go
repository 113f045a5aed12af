// Package governor wraps side-effecting tool calls with an admin kill
// switch, schema contracts, a circuit breaker, a hard timeout and bounded retry.
package governor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/telemetry"
)

var tracer = otel.Tracer("tool-governor")

// Invoke performs the tool's side effect.
type Invoke func(ctx context.Context, input map[string]any) (map[string]any, error)

// Options are the process-wide governor settings.
type Options struct {
	Timeout            time.Duration
	RetryMax           int
	DisabledNames      []string
	DisabledRiskLevels []string
}

// Governor executes tools registered in a Registry against a shared State.
type Governor struct {
	registry *Registry
	state    *State
	opts     Options

	disabledNames map[string]struct{}
	disabledRisk  map[string]struct{}
}

func New(registry *Registry, state *State, opts Options) *Governor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	g := &Governor{
		registry:      registry,
		state:         state,
		opts:          opts,
		disabledNames: make(map[string]struct{}),
		disabledRisk:  make(map[string]struct{}),
	}
	for _, n := range opts.DisabledNames {
		g.disabledNames[n] = struct{}{}
	}
	for _, r := range opts.DisabledRiskLevels {
		g.disabledRisk[r] = struct{}{}
	}
	return g
}

func (g *Governor) Registry() *Registry { return g.registry }

func (g *Governor) State() *State { return g.state }

// Execute runs invoke under the named tool's contract.
func (g *Governor) Execute(ctx context.Context, tool string, input map[string]any, invoke Invoke) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "governor.execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool", tool))

	out, err := g.execute(ctx, tool, input, invoke)
	outcome := "success"
	if ae, ok := apperr.As(err); ok {
		outcome = ae.Code
	} else if err != nil {
		outcome = "error"
	}
	telemetry.ToolCalls.WithLabelValues(tool, outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	return out, err
}

func (g *Governor) execute(ctx context.Context, tool string, input map[string]any, invoke Invoke) (map[string]any, error) {
	c, ok := g.registry.get(tool)
	if !ok {
		return nil, apperr.NotFound(apperr.CodeToolNotFound, "unknown tool: "+tool)
	}
	if _, off := g.disabledNames[tool]; off {
		return nil, apperr.Security(apperr.CodeToolDisabled, http.StatusForbidden, "tool is disabled: "+tool)
	}
	if _, off := g.disabledRisk[c.spec.RiskLevel]; off {
		return nil, apperr.Security(apperr.CodeToolDisabled, http.StatusForbidden, "tool risk level is disabled: "+c.spec.RiskLevel)
	}
	if err := validate(c.input, input); err != nil {
		return nil, apperr.Validation(apperr.CodeToolInputInvalid, "tool input invalid: "+err.Error())
	}

	timeout := g.opts.Timeout
	if c.spec.TimeoutMS > 0 {
		timeout = time.Duration(c.spec.TimeoutMS) * time.Millisecond
	}
	retryMax := g.opts.RetryMax
	if c.spec.TimeoutRetryPolicy == PolicyNoRetry {
		retryMax = 0
	}

	cb := g.state.breaker(tool)
	var lastErr error
	for attempt := 0; attempt <= retryMax; attempt++ {
		res, err := cb.Execute(func() (interface{}, error) {
			out, err := runWithTimeout(ctx, timeout, input, invoke)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, apperr.New(apperr.CodeToolOutputInvalid, apperr.KindInternal, http.StatusInternalServerError, false, "tool returned no result")
			}
			if verr := validate(c.output, out); verr != nil {
				return nil, apperr.New(apperr.CodeToolOutputInvalid, apperr.KindInternal, http.StatusInternalServerError, false, "tool output invalid: "+verr.Error())
			}
			return out, nil
		})
		if err == nil {
			return res.(map[string]any), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Availability(apperr.CodeToolCircuitOpen, http.StatusServiceUnavailable, "circuit open for tool: "+tool)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		ae, tagged := apperr.As(err)
		if !tagged {
			return nil, apperr.Wrap(err, apperr.CodeToolExecutionFailed, apperr.KindAvailability, http.StatusInternalServerError, true, "tool execution failed")
		}
		if !ae.Retryable {
			return nil, err
		}
		lastErr = err
	}
	if apperr.HasCode(lastErr, apperr.CodeToolTimeout) {
		return nil, lastErr
	}
	return nil, apperr.Wrap(lastErr, apperr.CodeToolExecutionFailed, apperr.KindAvailability, http.StatusInternalServerError, true,
		fmt.Sprintf("tool execution failed after %d attempts", retryMax+1))
}

// runWithTimeout stops waiting when the deadline passes. invoke sees the
// cancelled context but may still finish its side effect afterwards. A
// cancelled caller gets context.Canceled back, not a timeout.
func runWithTimeout(parent context.Context, timeout time.Duration, input map[string]any, invoke Invoke) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: apperr.New(apperr.CodeToolExecutionFailed, apperr.KindInternal, http.StatusInternalServerError, false,
					fmt.Sprintf("tool panicked: %v", p))}
			}
		}()
		out, err := invoke(ctx, input)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(parent.Err(), context.Canceled) {
			return nil, parent.Err()
		}
		return nil, apperr.Availability(apperr.CodeToolTimeout, http.StatusGatewayTimeout,
			fmt.Sprintf("tool call exceeded %s", timeout))
	}
}

// countsAsSuccess keeps caller mistakes from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	ae, ok := apperr.As(err)
	if !ok {
		return false
	}
	return !ae.Retryable && (ae.Kind == apperr.KindValidation || ae.Kind == apperr.KindBusinessRule)
}
