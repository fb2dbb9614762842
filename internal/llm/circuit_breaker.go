package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejects
// requests to prevent cascading failures against a struggling collaborator.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker tuning for an external collaborator.
type BreakerConfig struct {
	// Name identifies the protected collaborator in state-change logs.
	Name string

	// MaxFailures is the number of consecutive failures that trip the
	// circuit (default: 3).
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing test
	// requests (default: 30s).
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes required in half-open
	// state to close the circuit again (default: 2).
	HalfOpenMaxSuccesses uint32
}

// Breaker wraps gobreaker for the engine's external collaborators (reasoner,
// embedding provider, authoritative store). Closed passes requests through;
// after MaxFailures consecutive failures the circuit opens and rejects
// everything until Timeout elapses and test requests succeed.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker with the given configuration,
// applying defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "external"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.HalfOpenMaxSuccesses,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
		}),
	}
}

// Execute runs fn through the circuit breaker, honoring context cancellation
// before dispatch. An open circuit returns ErrCircuitOpen immediately.
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := b.cb.Execute(func() (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State returns "closed", "open", or "half-open" for operational inspection.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
