package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/pkg/schema"
)

// Attempt is one try of an outbound call, kept in the step's output.attempts.
type Attempt struct {
	Attempt    int    `json:"attempt"`
	StatusCode int    `json:"statusCode,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Envelope bounds outbound handlers: attempts = 1 + retryCount, a timeout per
// attempt, exponential backoff between attempts, and a per-host circuit breaker.
type Envelope struct {
	breakers   *CircuitBreakerRegistry
	maxBackoff time.Duration
	wait       func(ctx context.Context, d time.Duration) error
}

// NewEnvelope creates an envelope. breakers may be nil to disable circuit breaking;
// maxBackoff <= 0 leaves backoff uncapped.
func NewEnvelope(breakers *CircuitBreakerRegistry, maxBackoff time.Duration) *Envelope {
	return &Envelope{breakers: breakers, maxBackoff: maxBackoff, wait: WaitForBackoff}
}

// Do runs h until it succeeds, fails with a non-retryable error, or runs out of
// attempts. The returned Result is never nil and its Output always holds
// "attempts", so a failed step still shows every try. observe, if set, sees
// each attempt as it finishes.
//
// The circuit breaker admits or refuses the step as a whole and is charged
// once with its outcome, so retries within a step never trip it.
func (e *Envelope) Do(ctx context.Context, h handlers.Outbound, in handlers.Input, observe func(Attempt)) (*handlers.Result, error) {
	var attempts []Attempt
	record := func(a Attempt) {
		attempts = append(attempts, a)
		if observe != nil {
			observe(a)
		}
	}
	finish := func(res *handlers.Result, err error) (*handlers.Result, error) {
		if res == nil {
			res = &handlers.Result{}
		}
		res.Output = withAttempts(res.Output, attempts)
		return res, err
	}

	req, err := h.Request(in.Config)
	if err != nil {
		return finish(nil, err)
	}
	host := hostOf(req.URL)

	if e.breakers != nil {
		if err := e.breakers.Allow(host); err != nil {
			record(Attempt{Attempt: 1, Code: schema.ErrCodeCircuitOpen, Error: err.Error()})
			return finish(nil, err)
		}
	}
	res, err := e.attempt(ctx, h, in, req, record)
	e.settle(host, err)
	return finish(res, err)
}

func (e *Envelope) attempt(ctx context.Context, h handlers.Outbound, in handlers.Input, req schema.RequestConfig, record func(Attempt)) (*handlers.Result, error) {
	total := req.Attempts()

	var lastErr error
	for i := 0; i < total; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, req.AttemptTimeout())
		start := time.Now()
		res, err := h.Execute(attemptCtx, in)
		cancel()

		a := Attempt{Attempt: i + 1, LatencyMs: time.Since(start).Milliseconds()}
		if err == nil {
			a.StatusCode = res.StatusCode
			record(a)
			return res, nil
		}

		a.Code, a.Error, a.StatusCode = schema.ErrorCode(err), err.Error(), statusCodeOf(err)
		record(a)
		lastErr = err

		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during outbound call").WithCause(ctx.Err())
		}
		if !IsRetryable(err) {
			return nil, err
		}
		if i == total-1 {
			break
		}
		if err := e.wait(ctx, ComputeBackoff(req.Backoff(), i, e.maxBackoff)); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").WithCause(err)
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"%d attempts failed, last error: %s", total, lastErr.Error()).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": total, "lastCode": schema.ErrorCode(lastErr)})
}

// settle charges the breaker with a step's outcome. An upstream that answered
// with a non-retryable status is healthy; cancellation and local errors only
// return the probe slot.
func (e *Envelope) settle(host string, err error) {
	if e.breakers == nil {
		return
	}
	switch {
	case err == nil:
		e.breakers.RecordSuccess(host)
	case schema.ErrorCode(err) == schema.ErrCodeRetryExhausted:
		e.breakers.RecordFailure(host)
	case statusCodeOf(err) > 0:
		e.breakers.RecordSuccess(host)
	default:
		e.breakers.Release(host)
	}
}

// withAttempts merges the attempt list into an output object. Non-object
// outputs are kept under "result".
func withAttempts(raw json.RawMessage, attempts []Attempt) json.RawMessage {
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			var v any
			_ = json.Unmarshal(raw, &v)
			out = map[string]any{"result": v}
		}
	}
	if attempts == nil {
		attempts = []Attempt{}
	}
	out["attempts"] = attempts
	b, err := json.Marshal(out)
	if err != nil {
		return raw
	}
	return b
}

func statusCodeOf(err error) int {
	fe, ok := schema.AsFlowError(err)
	if !ok || fe.Details == nil {
		return 0
	}
	code, _ := fe.Details["statusCode"].(int)
	return code
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// IsRetryable classifies whether an outbound error is worth another attempt.
// Only transient failures are retried: FlowErrors decide by code, deadline and
// network errors are retried, cancellation and everything else is not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ComputeBackoff returns base * 2^attempt, capped at maxDelay when positive.
// attempt is zero-based: the wait after the first failure is base.
func ComputeBackoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			break
		}
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
