package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"semaphore/internal/config"
	"semaphore/pkg/logging"
)

// BreakerState is the current mode of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// OpenError is returned while a breaker rejects calls outright.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

// Breaker wraps calls to a flaky dependency in a failsafe-go circuit
// breaker. It opens after enough failures inside the window, rejects while
// open, and probes again after the reset timeout.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      circuitbreaker.CircuitBreaker[any]
}

func NewBreaker(name string, cfg config.BreakerConfig, logger logging.Logger) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 1
	}

	builder := circuitbreaker.NewBuilder[any]()
	if cfg.FailureWindow > 0 {
		builder = builder.WithFailureThresholdPeriod(uint(failureThreshold), cfg.FailureWindow)
	} else {
		builder = builder.WithFailureThreshold(uint(failureThreshold))
	}
	cb := builder.
		WithDelay(cfg.ResetTimeout).
		WithSuccessThreshold(uint(successThreshold)).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"breaker":    name,
				"from_state": convertState(event.OldState).String(),
				"to_state":   convertState(event.NewState).String(),
			}).Warn("Circuit breaker state change")
		}).
		Build()

	return &Breaker{name: name, timeout: cfg.Timeout, cb: cb}
}

// Execute runs fn under the breaker's per-call timeout. While the breaker
// is open it fails immediately with *OpenError.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	_, err := failsafe.With(b.cb).WithContext(ctx).Get(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &OpenError{Name: b.name}
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return convertState(b.cb.State())
}

// Reset forces the breaker closed and forgets recorded failures.
func (b *Breaker) Reset() {
	b.cb.Close()
}

func convertState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.OpenState:
		return BreakerOpen
	case circuitbreaker.HalfOpenState:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerManager hands out named breakers sharing one configuration.
type BreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      config.BreakerConfig
	logger   logging.Logger
}

func NewBreakerManager(cfg config.BreakerConfig, logger logging.Logger) *BreakerManager {
	return &BreakerManager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for a name, creating it on first use.
func (m *BreakerManager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	breaker, exists := m.breakers[name]
	if !exists {
		breaker = NewBreaker(name, m.cfg, m.logger)
		m.breakers[name] = breaker
	}
	return breaker
}

// Reset closes the named breaker if it exists.
func (m *BreakerManager) Reset(name string) {
	m.mu.Lock()
	breaker := m.breakers[name]
	m.mu.Unlock()
	if breaker != nil {
		breaker.Reset()
	}
}

// States snapshots every breaker's state for the stats surface.
func (m *BreakerManager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]string, len(m.breakers))
	for name, breaker := range m.breakers {
		states[name] = breaker.State().String()
	}
	return states
}
