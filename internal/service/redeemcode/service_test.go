package redeemcode

import (
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/storage/memory"
)

func newService(t *testing.T) (*Service, domain.RedeemRepository) {
	t.Helper()

	redeems := memory.NewRedeemRepository()
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	svc := NewServiceWithoutMetrics(redeems, outbox, timeline, log.New().WithField("test", "redeemcode"))
	return svc, redeems
}

func seedFulfilled(t *testing.T, repo domain.RedeemRepository, id, userID, code string) {
	t.Helper()

	if err := repo.Create(domain.Redeem{
		ID:          id,
		RewardID:    "reward-1",
		UserID:      userID,
		Quantity:    1,
		Status:      domain.RedeemStatusFulfilled,
		Code:        code,
		RequestedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed redeem: %v", err)
	}
}

func TestConsumeHappyPath(t *testing.T) {
	svc, repo := newService(t)
	seedFulfilled(t, repo, "redeem-1", "user@example.com", "CODE-1")

	redeem, err := svc.Consume("CODE-1", "user@example.com")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if redeem.Status != domain.RedeemStatusConsumed {
		t.Fatalf("expected consumed, got %s", redeem.Status)
	}
	if redeem.UsedAt.IsZero() {
		t.Fatal("expected used_at to be set")
	}
}

func TestConsumeRejectsForeignAndUnknownCodesAlike(t *testing.T) {
	svc, repo := newService(t)
	seedFulfilled(t, repo, "redeem-1", "owner@example.com", "CODE-1")

	if _, err := svc.Consume("CODE-1", "stranger@example.com"); !errors.Is(err, domain.ErrRedeemNotFound) {
		t.Fatalf("expected ErrRedeemNotFound for foreign code, got %v", err)
	}
	if _, err := svc.Consume("unknown", "owner@example.com"); !errors.Is(err, domain.ErrRedeemNotFound) {
		t.Fatalf("expected ErrRedeemNotFound for unknown code, got %v", err)
	}
}

func TestConsumeRejectsPendingAndUsedCodes(t *testing.T) {
	svc, repo := newService(t)
	if err := repo.Create(domain.Redeem{
		ID:       "redeem-pending",
		RewardID: "reward-1",
		UserID:   "user@example.com",
		Quantity: 1,
		Status:   domain.RedeemStatusPending,
	}); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	seedFulfilled(t, repo, "redeem-ok", "user@example.com", "CODE-OK")

	if _, err := svc.Consume("CODE-OK", "user@example.com"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := svc.Consume("CODE-OK", "user@example.com"); !errors.Is(err, domain.ErrRedeemAlreadyUsed) {
		t.Fatalf("expected ErrRedeemAlreadyUsed, got %v", err)
	}
}

func TestConsumeConcurrentSingleWinner(t *testing.T) {
	svc, repo := newService(t)
	seedFulfilled(t, repo, "redeem-1", "user@example.com", "CODE-1")

	const attempts = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Consume("CODE-1", "user@example.com"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	svc, repo := newService(t)
	seedFulfilled(t, repo, "redeem-1", "owner@example.com", "CODE-1")

	if _, err := svc.Get("redeem-1", "owner@example.com", false); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.Get("redeem-1", "stranger@example.com", true); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	if _, err := svc.Get("redeem-1", "stranger@example.com", false); !errors.Is(err, domain.ErrUserNotAuthorized) {
		t.Fatalf("expected ErrUserNotAuthorized, got %v", err)
	}
}
