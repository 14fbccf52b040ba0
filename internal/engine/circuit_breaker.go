package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a breaker.
	FailureThreshold uint32
	// Cooldown is how long a breaker stays open before probing again.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe requests allowed while half-open.
	HalfOpenMax uint32
}

// DefaultBreakerConfig returns the engine defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerRegistry keeps one gobreaker per service name so a failing
// integration stops receiving calls from every run at once.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   BreakerConfig
	logger   *slog.Logger
}

// NewBreakerRegistry creates a registry; zero config fields take defaults.
func NewBreakerRegistry(config BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown == 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax == 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Execute runs fn under the named service's breaker. Cancellation does not
// count as a failure.
func (r *BreakerRegistry) Execute(service string, fn func() (any, error)) (any, error) {
	return r.get(service).Execute(fn)
}

// State returns the breaker state of a service ("closed" when never used).
func (r *BreakerRegistry) State(service string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[service]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (r *BreakerRegistry) get(service string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[service]; ok {
		return cb
	}

	threshold := r.config.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: r.config.HalfOpenMax,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("service circuit breaker changed state",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	r.breakers[service] = cb
	return cb
}
