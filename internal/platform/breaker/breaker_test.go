package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type stateLog struct{ states []int }

func (s *stateLog) SetBreakerState(_ string, state int) { s.states = append(s.states, state) }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	rec := &stateLog{}
	cfg := DefaultConfig("terminology")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	b := New(cfg, zerolog.Nop(), rec)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := b.Do(context.Background(), "expand", func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}

	called := false
	err := b.Do(context.Background(), "expand", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("expected call to be rejected while open")
	}
	if len(rec.states) != 1 || rec.states[0] != 2 {
		t.Errorf("expected one open transition, got %v", rec.states)
	}
}

func TestBreaker_IsSuccessfulIgnoresClientErrors(t *testing.T) {
	notFound := errors.New("not found")
	cfg := DefaultConfig("fhir")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, notFound) }
	b := New(cfg, zerolog.Nop(), nil)

	for i := 0; i < 3; i++ {
		if err := b.Do(context.Background(), "read", func(context.Context) error { return notFound }); !errors.Is(err, notFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", b.State())
	}
}
