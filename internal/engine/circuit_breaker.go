package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-host breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a probe through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(host string, from, to CircuitState)

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per outbound host so a failing
// endpoint stops absorbing retries from every run that calls it.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	onChange StateChangeFunc
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnStateChange sets the transition observer. Call before use.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.onChange = fn
}

// Allow returns nil if a call to host may proceed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) Allow(host string) error {
	cb := r.get(host)
	cb.mu.Lock()

	switch cb.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(cb.openedAt)
		if remaining > 0 {
			failures := cb.consecutiveFailures
			cb.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %s after %d consecutive failures", host, failures).
				WithDetails(map[string]any{
					"host":                 host,
					"consecutive_failures": failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 1
		cb.mu.Unlock()
		r.notify(host, CircuitOpen, CircuitHalfOpen)
		return nil

	case CircuitHalfOpen:
		defer cb.mu.Unlock()
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %s: probe in flight", host).
				WithDetails(map[string]any{"host": host})
		}
		cb.halfOpenAttempts++
		return nil
	}

	cb.mu.Unlock()
	return nil
}

// RecordSuccess closes the circuit for host.
func (r *CircuitBreakerRegistry) RecordSuccess(host string) {
	cb := r.get(host)
	cb.mu.Lock()
	prev := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()

	if prev != CircuitClosed {
		r.notify(host, prev, CircuitClosed)
	}
}

// RecordFailure counts a failed call and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(host string) CircuitState {
	cb := r.get(host)
	cb.mu.Lock()
	prev := cb.state
	cb.consecutiveFailures++

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
	}
	state := cb.state
	cb.mu.Unlock()

	if state != prev {
		r.notify(host, prev, state)
	}
	return state
}

// Release returns a half-open probe slot for host without judging the call.
func (r *CircuitBreakerRegistry) Release(host string) {
	cb := r.get(host)
	cb.mu.Lock()
	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
	cb.mu.Unlock()
}

// State returns the current state of the circuit for host.
func (r *CircuitBreakerRegistry) State(host string) CircuitState {
	cb := r.get(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// BreakerStats is a diagnostic view of one breaker.
type BreakerStats struct {
	Host                string `json:"host"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Stats returns every known breaker, sorted by host.
func (r *CircuitBreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	hosts := make([]string, 0, len(r.breakers))
	for h := range r.breakers {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()
	slices.Sort(hosts)

	out := make([]BreakerStats, 0, len(hosts))
	for _, h := range hosts {
		cb := r.get(h)
		cb.mu.Lock()
		failures := cb.consecutiveFailures
		cb.mu.Unlock()
		out = append(out, BreakerStats{Host: h, State: r.State(h).String(), ConsecutiveFailures: failures})
	}
	return out
}

func (r *CircuitBreakerRegistry) notify(host string, from, to CircuitState) {
	if r.onChange != nil {
		r.onChange(host, from, to)
	}
}

func (r *CircuitBreakerRegistry) get(host string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[host] = cb
	}
	return cb
}
