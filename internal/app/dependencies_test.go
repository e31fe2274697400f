package app

import (
	"context"
	"testing"
)

func TestNewDependencies_Memory(t *testing.T) {
	cfg := DefaultConfig()

	deps, err := NewDependencies(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new dependencies: %v", err)
	}
	defer deps.Close()

	if deps.Rewards == nil || deps.Redeems == nil || deps.Outbox == nil ||
		deps.Timeline == nil || deps.Idempotency == nil {
		t.Fatal("all repositories must be initialized")
	}
	if deps.Store() != nil {
		t.Fatal("memory backend must not open postgres")
	}
}

func TestNewDependencies_UnsupportedStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageBackend = "cassandra"

	if _, err := NewDependencies(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unsupported storage backend")
	}
}

func TestCreateOrchestrator(t *testing.T) {
	deps, err := NewDependencies(context.Background(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new dependencies: %v", err)
	}
	defer deps.Close()

	orch := createOrchestrator(deps, nil)
	if orch == nil {
		t.Fatal("orchestrator must not be nil")
	}

	retryable := createOutcomeOrchestrator(deps, orch)
	if retryable == nil {
		t.Fatal("retryable orchestrator must not be nil")
	}
}
