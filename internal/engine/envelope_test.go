package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/pkg/schema"
)

// scriptedOutbound returns errs[i] on call i, then succeeds.
type scriptedOutbound struct {
	req   schema.RequestConfig
	errs  []error
	calls atomic.Int32
}

func (s *scriptedOutbound) Type() schema.NodeType { return schema.NodeWebhook }

func (s *scriptedOutbound) Request(json.RawMessage) (schema.RequestConfig, error) { return s.req, nil }

func (s *scriptedOutbound) Execute(ctx context.Context, in handlers.Input) (*handlers.Result, error) {
	i := int(s.calls.Add(1)) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &handlers.Result{Output: json.RawMessage(`{"ok":true}`), StatusCode: 200}, nil
}

func transient() error {
	return schema.NewError(schema.ErrCodeTransientNetwork, "502 from upstream").
		WithDetails(map[string]any{"statusCode": 502})
}

func noWait(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func attemptsOf(t *testing.T, res *handlers.Result) []Attempt {
	t.Helper()
	var out struct {
		Attempts []Attempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	return out.Attempts
}

func TestEnvelope_RetriesTransientThenSucceeds(t *testing.T) {
	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://hooks.example.com/x", RetryBackoffMs: 100}, errs: []error{transient(), transient()}}
	var delays []time.Duration
	env := NewEnvelope(nil, 0)
	env.wait = noWait(&delays)

	var observed []int
	res, err := env.Do(context.Background(), h, handlers.Input{NodeID: "hook"}, func(a Attempt) { observed = append(observed, a.Attempt) })
	require.NoError(t, err)

	assert.EqualValues(t, 3, h.calls.Load())
	assert.Equal(t, []int{1, 2, 3}, observed)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)

	attempts := attemptsOf(t, res)
	require.Len(t, attempts, 3)
	assert.Equal(t, 502, attempts[0].StatusCode)
	assert.Equal(t, schema.ErrCodeTransientNetwork, attempts[0].Code)
	assert.Equal(t, 200, attempts[2].StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, true, out["ok"], "handler output is kept beside attempts")
}

func TestEnvelope_ExhaustsRetries(t *testing.T) {
	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://hooks.example.com/x", RetryCount: intPtr(2)},
		errs: []error{transient(), transient(), transient(), transient()}}
	env := NewEnvelope(nil, 0)
	var delays []time.Duration
	env.wait = noWait(&delays)

	res, err := env.Do(context.Background(), h, handlers.Input{}, nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeRetryExhausted, fe.Code)
	assert.Equal(t, 3, fe.Details["attempts"])
	assert.Equal(t, schema.ErrCodeTransientNetwork, fe.Details["lastCode"])
	assert.EqualValues(t, 3, h.calls.Load())
	assert.Len(t, attemptsOf(t, res), 3, "a failed call still reports every attempt")
	assert.Len(t, delays, 2)
}

func TestEnvelope_NonRetryableStopsImmediately(t *testing.T) {
	for _, err := range []error{
		schema.NewError(schema.ErrCodeExecution, "404"),
		schema.NewError(schema.ErrCodeConfiguration, "bad url"),
		errors.New("something odd"),
	} {
		h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://x.example.com"}, errs: []error{err}}
		_, got := NewEnvelope(nil, 0).Do(context.Background(), h, handlers.Input{}, nil)
		assert.Same(t, err, got)
		assert.EqualValues(t, 1, h.calls.Load())
	}
}

func TestEnvelope_ZeroRetries(t *testing.T) {
	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://x.example.com", RetryCount: intPtr(0)}, errs: []error{transient()}}
	_, err := NewEnvelope(nil, 0).Do(context.Background(), h, handlers.Input{}, nil)
	assert.Equal(t, schema.ErrCodeRetryExhausted, schema.ErrorCode(err))
	assert.EqualValues(t, 1, h.calls.Load())
}

func failingTimes(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = transient()
	}
	return errs
}

func TestEnvelope_BreakerChargedPerStep(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	env := NewEnvelope(breakers, 0)
	var delays []time.Duration
	env.wait = noWait(&delays)

	for i := range 2 {
		failing := &scriptedOutbound{req: schema.RequestConfig{URL: "https://down.example.com/a", RetryCount: intPtr(5)},
			errs: failingTimes(6)}
		_, err := env.Do(context.Background(), failing, handlers.Input{}, nil)
		assert.Equal(t, schema.ErrCodeRetryExhausted, schema.ErrorCode(err), "step %d", i)
		assert.EqualValues(t, 6, failing.calls.Load(), "every attempt of step %d runs", i)
	}
	assert.Equal(t, CircuitOpen, breakers.State("down.example.com"))

	other := &scriptedOutbound{req: schema.RequestConfig{URL: "https://down.example.com/b"}}
	res, err := env.Do(context.Background(), other, handlers.Input{}, nil)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))
	assert.Zero(t, other.calls.Load())
	assert.Equal(t, schema.ErrCodeCircuitOpen, attemptsOf(t, res)[0].Code)
}

func TestEnvelope_HighRetryCountRunsEveryAttempt(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	env := NewEnvelope(breakers, 0)
	var delays []time.Duration
	env.wait = noWait(&delays)

	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://flaky.example.com", RetryCount: intPtr(6)}, errs: failingTimes(10)}
	res, err := env.Do(context.Background(), h, handlers.Input{}, nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeRetryExhausted, fe.Code)
	assert.Equal(t, 7, fe.Details["attempts"])
	assert.EqualValues(t, 7, h.calls.Load())
	assert.Len(t, attemptsOf(t, res), 7)
	assert.Len(t, delays, 6)
}

func TestEnvelope_SequentialStepsAgainstFailingHost(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	env := NewEnvelope(breakers, 0)
	var delays []time.Duration
	env.wait = noWait(&delays)

	for i := range 2 {
		h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://flaky.example.com/book"}, errs: failingTimes(3)}
		_, err := env.Do(context.Background(), h, handlers.Input{}, nil)
		assert.Equal(t, schema.ErrCodeRetryExhausted, schema.ErrorCode(err), "step %d", i)
		assert.EqualValues(t, 3, h.calls.Load(), "step %d", i)
	}
	assert.Equal(t, CircuitClosed, breakers.State("flaky.example.com"))
}

func TestEnvelope_HalfOpenProbeReleasedOnCancel(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond})
	breakers.RecordFailure("x.example.com")
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://x.example.com"}, errs: []error{context.Canceled}}
	_, err := NewEnvelope(breakers, 0).Do(ctx, h, handlers.Input{}, nil)
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))

	assert.NoError(t, breakers.Allow("x.example.com"), "probe slot is free again")
}

func TestEnvelope_NonRetryableDoesNotTripBreaker(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://x.example.com"}, errs: []error{schema.NewError(schema.ErrCodeExecution, "400")}}
	_, _ = NewEnvelope(breakers, 0).Do(context.Background(), h, handlers.Input{}, nil)
	assert.Equal(t, CircuitClosed, breakers.State("x.example.com"))
}

func TestEnvelope_CancelledDuringBackoff(t *testing.T) {
	h := &scriptedOutbound{req: schema.RequestConfig{URL: "https://x.example.com", RetryBackoffMs: 10_000}, errs: []error{transient()}}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewEnvelope(nil, 0).Do(ctx, h, handlers.Input{}, nil)
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))
}

func TestEnvelope_TimeoutEveryAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(map[string]any{"url": srv.URL, "timeout": 50, "retryCount": 2, "retryBackoffMs": 1})
	h := handlers.NewWebhookHandler(handlers.NewHTTPCaller(handlers.HTTPConfig{}))

	start := time.Now()
	res, err := NewEnvelope(nil, 0).Do(context.Background(), h, handlers.Input{NodeID: "hook", Config: cfg}, nil)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeRetryExhausted, fe.Code)
	assert.Equal(t, schema.ErrCodeTimeout, fe.Details["lastCode"])

	attempts := attemptsOf(t, res)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, schema.ErrCodeTimeout, a.Code)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(transient()))
	assert.True(t, IsRetryable(schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(schema.NewError(schema.ErrCodeExecution, "400")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestComputeBackoff(t *testing.T) {
	base := 200 * time.Millisecond
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(base, 0, 0))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(base, 1, 0))
	assert.Equal(t, 1600*time.Millisecond, ComputeBackoff(base, 3, 0))
	assert.Equal(t, time.Second, ComputeBackoff(base, 10, time.Second))
	assert.Zero(t, ComputeBackoff(0, 3, 0))
}
