package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relief-hub/backend/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures Breaker.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a trial request.
	OpenTimeout time.Duration
}

// Breaker wraps a Client with a circuit breaker so a dead provider is not
// hammered on every poll. While open, calls fail fast with ErrUnavailable.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

var _ Client = (*Breaker)(nil)

func NewBreaker(next Client, s BreakerSettings, log zerolog.Logger, m *metrics.Metrics) *Breaker {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "alert-feed",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// Our own cancellation says nothing about the provider.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if m != nil {
				m.FeedBreakerState.Set(stateToFloat(to))
			}
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) FetchAlerts(ctx context.Context, limit int) ([]Alert, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FetchAlerts(ctx, limit)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return v.([]Alert), nil
}

func (b *Breaker) FetchReports(ctx context.Context, limit int) ([]Report, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FetchReports(ctx, limit)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return v.([]Report), nil
}

func (b *Breaker) FetchStats(ctx context.Context) (Stats, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FetchStats(ctx)
	})
	if err != nil {
		return Stats{}, mapBreakerErr(err)
	}
	return v.(Stats), nil
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
