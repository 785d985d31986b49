package exchange

import (
	"sync"
	"time"

	"github.com/dca-engine/controlplane/internal/apperr"
	"github.com/rs/zerolog/log"
)

// CircuitState is one of the three states of the per-venue breaker (§4.1.1).
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig tunes a single breaker instance.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker is a three-state machine per venue (closed/open/half_open).
// open -> half_open happens lazily on the next call once ResetTimeout has
// elapsed since the last recorded failure; state is process-local and is not
// synchronized across replicas (§5 "shared mutable state").
type CircuitBreaker struct {
	mu sync.Mutex

	name   string
	config CircuitBreakerConfig

	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
	onTrip          func(venue string)
}

func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// checkStateTransition lazily moves open -> half_open once the reset timeout
// has elapsed. Must be called with mu held.
func (cb *CircuitBreaker) checkStateTransition() {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
		log.Info().Str("breaker", cb.name).Msg("circuit breaker entering half_open")
	}
}

// CanExecute reports whether a call is currently admitted, and if not,
// returns apperr.ErrCircuitOpen.
func (cb *CircuitBreaker) CanExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkStateTransition()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return apperr.New(apperr.ErrCircuitOpen, cb.name+" half_open call budget exhausted", nil)
		}
		cb.halfOpenCalls++
		return nil
	default: // StateOpen
		retryAfter := cb.config.ResetTimeout - time.Since(cb.lastFailureTime)
		return apperr.New(apperr.ErrCircuitOpen, cb.name+" open, retry in "+retryAfter.Round(time.Second).String(), nil)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionToClosed()
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transitionToOpen()
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionToOpen()
		}
	}
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.state = StateOpen
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	log.Warn().Str("breaker", cb.name).Msg("circuit breaker open")
	if cb.onTrip != nil {
		cb.onTrip(cb.name)
	}
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	log.Info().Str("breaker", cb.name).Msg("circuit breaker closed")
}

// Metrics is a snapshot for the /health/comprehensive rollup.
type Metrics struct {
	Name         string       `json:"name"`
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
}

func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Metrics{Name: cb.name, State: cb.state, FailureCount: cb.failureCount, SuccessCount: cb.successCount}
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionToClosed()
}

// Registry is the process-local singleton of per-venue breakers (§9 "global
// mutable state" — documented lifecycle, injected everywhere else).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	onTrip   func(venue string)
}

func NewRegistry(config CircuitBreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), config: config}
}

// OnTrip registers a callback fired whenever any breaker in this registry
// transitions to open, used to feed an operator notification channel.
// Applies to breakers created after this call; call it right after
// NewRegistry, before any Gateway.Get traffic.
func (r *Registry) OnTrip(fn func(venue string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = fn
}

func (r *Registry) GetOrCreate(venue string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[venue]; ok {
		return cb
	}
	cb := NewCircuitBreaker(venue, r.config)
	cb.onTrip = r.onTrip
	r.breakers[venue] = cb
	return cb
}

func (r *Registry) GetAllMetrics() []Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metrics, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.GetMetrics())
	}
	return out
}

func (r *Registry) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		if cb.GetMetrics().State == StateOpen {
			return false
		}
	}
	return true
}

func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
