package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed node executions before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a trial call through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
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

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per collaborator, keyed by the
// node type whose executor reaches it.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, now func() time.Time) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      now,
	}
}

// Allow returns nil when a call to key may proceed, or CIRCUIT_OPEN.
func (r *CircuitBreakerRegistry) Allow(key string) error {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if r.now().Sub(cb.openedAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit open for %q after %d consecutive failures",
				key, cb.consecutiveFailures).
				WithDetails(map[string]any{
					"collaborator":         key,
					"consecutive_failures": cb.consecutiveFailures,
					"cooldown_remaining":   (r.config.Cooldown - r.now().Sub(cb.openedAt)).String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 1
		return nil
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: trial call in flight", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure for key and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		if cb.state != CircuitOpen {
			cb.openedAt = r.now()
		}
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for key.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) get(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[key] = cb
	}
	return cb
}
