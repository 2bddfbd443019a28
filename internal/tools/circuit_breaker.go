package tools

import (
	"sync"
	"time"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// CircuitState is the state of one tool's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half_open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig tunes every breaker of a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failed invocations open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration
	// HalfOpenMax trial calls are let through after the cooldown.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker is one tool's state. The registry mutex guards it.
type breaker struct {
	state    CircuitState
	failures int
	failedAt time.Time
	trials   int
}

// cooled moves an open breaker to half-open once the cooldown has passed.
func (b *breaker) cooled(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.failedAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
}

// CircuitBreakerRegistry keeps one breaker per external tool. The invoker
// records one outcome per invocation, after retries: a TRANSPORT_ERROR or a
// final 5xx response is a failure, any other response a success. Calls
// rejected by an open circuit or abandoned while waiting on the rate limiter
// record nothing.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil if a call to tool may proceed, or CIRCUIT_OPEN.
// In half-open state at most HalfOpenMax calls pass until one reports.
func (r *CircuitBreakerRegistry) AllowRequest(tool string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(tool)
	now := r.now()
	b.cooled(now, r.config.Cooldown)

	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for tool %q after %d consecutive failures", tool, b.failures).
			WithDetails(map[string]any{
				"tool":                 tool,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.config.Cooldown - now.Sub(b.failedAt)).String(),
			})
	case CircuitHalfOpen:
		if b.trials >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for tool %q: trial call already in flight", tool).
				WithDetails(map[string]any{"tool": tool})
		}
		b.trials++
	}
	return nil
}

// RecordSuccess closes the circuit for tool.
func (r *CircuitBreakerRegistry) RecordSuccess(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.get(tool) = breaker{state: CircuitClosed}
}

// RecordFailure counts a failed invocation and returns the new state. A
// failed trial call reopens the circuit at once.
func (r *CircuitBreakerRegistry) RecordFailure(tool string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(tool)
	b.failures++
	b.failedAt = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.trials = 0
	}
	return b.state
}

// State reports the circuit of tool, moving it to half-open if the
// cooldown has passed.
func (r *CircuitBreakerRegistry) State(tool string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(tool)
	b.cooled(r.now(), r.config.Cooldown)
	return b.state
}

// get must be called with r.mu held.
func (r *CircuitBreakerRegistry) get(tool string) *breaker {
	b, ok := r.breakers[tool]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[tool] = b
	}
	return b
}
