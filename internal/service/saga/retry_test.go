package saga

import (
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

type flakyOrchestrator struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyOrchestrator) Initiate(rewardID, userID string, qty int32) (domain.Redeem, error) {
	return domain.Redeem{}, nil
}

func (f *flakyOrchestrator) HandleTransactionOutcome(redeemID string, completed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryableOrchestratorSucceedsAfterRetry(t *testing.T) {
	inner := &flakyOrchestrator{failures: 2, err: errors.New("storage unavailable")}
	ro := NewRetryableOrchestrator(inner, testRetryConfig(), log.New().WithField("test", "retry"))

	if err := ro.HandleTransactionOutcome("redeem-1", true); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}

func TestRetryableOrchestratorGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyOrchestrator{failures: 10, err: errors.New("storage unavailable")}
	ro := NewRetryableOrchestrator(inner, testRetryConfig(), log.New().WithField("test", "retry"))

	if err := ro.HandleTransactionOutcome("redeem-1", true); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}

func TestRetryableOrchestratorSkipsNonRetryableErrors(t *testing.T) {
	inner := &flakyOrchestrator{failures: 10, err: domain.ErrStockInconsistent}
	ro := NewRetryableOrchestrator(inner, testRetryConfig(), log.New().WithField("test", "retry"))

	if err := ro.HandleTransactionOutcome("redeem-1", true); !errors.Is(err, domain.ErrStockInconsistent) {
		t.Fatalf("expected ErrStockInconsistent, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected single call for non-retryable error, got %d", inner.calls)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour, log.New().WithField("test", "breaker"))

	failing := func() error { return errors.New("boom") }

	if err := cb.Execute("op", failing); err == nil {
		t.Fatal("expected error")
	}
	if err := cb.Execute("op", failing); err == nil {
		t.Fatal("expected error")
	}

	// Третья попытка блокируется открытым breaker'ом, функция не вызывается.
	called := false
	err := cb.Execute("op", func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected circuit breaker to block the call")
	}
	if called {
		t.Fatal("function must not be called while circuit is open")
	}
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond, log.New().WithField("test", "breaker"))

	if err := cb.Execute("op", func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected error")
	}

	time.Sleep(5 * time.Millisecond)

	if err := cb.Execute("op", func() error { return nil }); err != nil {
		t.Fatalf("expected half-open call to succeed, got %v", err)
	}
	if err := cb.Execute("op", func() error { return nil }); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
}
