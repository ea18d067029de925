// Package breaker wraps sony/gobreaker with zerolog state logging, a
// Prometheus state gauge and OpenTelemetry spans for upstream calls.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("upstream unavailable: circuit open")

// StateRecorder receives numeric state changes (0 closed, 1 half-open, 2 open).
type StateRecorder interface {
	SetBreakerState(name string, state int)
}

// Config holds circuit breaker configuration.
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state.
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold uint32
	// IsSuccessful classifies call errors; nil counts only a nil error as success.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns defaults suitable for FHIR and terminology servers.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker guards calls to one upstream.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	tracer trace.Tracer
}

// New creates a breaker. recorder may be nil.
func New(cfg Config, logger zerolog.Logger, recorder StateRecorder) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if recorder != nil {
				recorder.SetBreakerState(name, stateValue(to))
			}
		},
		IsSuccessful: cfg.IsSuccessful,
	}
	return &Breaker{
		cb:     gobreaker.NewCircuitBreaker(settings),
		name:   cfg.Name,
		tracer: otel.Tracer("breaker"),
	}
}

// Do runs fn through the breaker inside a span named op.
func (b *Breaker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("breaker.name", b.name),
		attribute.String("breaker.state", b.cb.State().String()),
	))
	defer span.End()

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("breaker.open", true))
			err = ErrOpen
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// State returns the current gobreaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
