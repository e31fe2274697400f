package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

func testRedeem(id, userID string, status domain.RedeemStatus, code string) domain.Redeem {
	return domain.Redeem{
		ID:          id,
		RewardID:    "reward-1",
		UserID:      userID,
		Quantity:    1,
		Status:      status,
		Code:        code,
		RequestedAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestRedeemRepositoryLookup(t *testing.T) {
	repo := NewRedeemRepository()

	redeem := testRedeem("redeem-1", "user@example.com", domain.RedeemStatusFulfilled, "CODE-1")
	if err := repo.Create(redeem); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get("redeem-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Code != "CODE-1" {
		t.Fatalf("unexpected redeem: %+v", got)
	}

	byCode, err := repo.GetByCode("CODE-1")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if byCode.ID != "redeem-1" {
		t.Fatalf("unexpected redeem by code: %+v", byCode)
	}

	if _, err := repo.GetByCode("missing"); !errors.Is(err, domain.ErrRedeemNotFound) {
		t.Fatalf("expected ErrRedeemNotFound, got %v", err)
	}
}

func TestRedeemRepositorySaveMaintainsCodeIndex(t *testing.T) {
	repo := NewRedeemRepository()

	redeem := testRedeem("redeem-1", "user@example.com", domain.RedeemStatusPending, "")
	if err := repo.Create(redeem); err != nil {
		t.Fatalf("create: %v", err)
	}

	redeem.Status = domain.RedeemStatusFulfilled
	redeem.Code = "CODE-1"
	if err := repo.Save(redeem); err != nil {
		t.Fatalf("save: %v", err)
	}

	byCode, err := repo.GetByCode("CODE-1")
	if err != nil {
		t.Fatalf("get by code after save: %v", err)
	}
	if byCode.Version != redeem.Version+1 {
		t.Fatalf("expected version bump, got %+v", byCode)
	}

	// Устаревшая версия — конфликт.
	if err := repo.Save(redeem); !errors.Is(err, domain.ErrRedeemVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestRedeemRepositoryListByUser(t *testing.T) {
	repo := NewRedeemRepository()

	for _, redeem := range []domain.Redeem{
		testRedeem("redeem-1", "alice@example.com", domain.RedeemStatusPending, ""),
		testRedeem("redeem-2", "bob@example.com", domain.RedeemStatusPending, ""),
		testRedeem("redeem-3", "alice@example.com", domain.RedeemStatusFailed, ""),
	} {
		if err := repo.Create(redeem); err != nil {
			t.Fatalf("create %s: %v", redeem.ID, err)
		}
	}

	redeems, err := repo.ListByUser("alice@example.com", 0)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(redeems) != 2 {
		t.Fatalf("expected 2 redeems, got %d", len(redeems))
	}
	for _, redeem := range redeems {
		if redeem.UserID != "alice@example.com" {
			t.Fatalf("foreign redeem in listing: %+v", redeem)
		}
	}
}

func TestConsumeStateChecks(t *testing.T) {
	repo := NewRedeemRepository()

	pending := testRedeem("redeem-pending", "user@example.com", domain.RedeemStatusPending, "")
	fulfilled := testRedeem("redeem-ok", "user@example.com", domain.RedeemStatusFulfilled, "CODE-OK")
	if err := repo.Create(pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if err := repo.Create(fulfilled); err != nil {
		t.Fatalf("create fulfilled: %v", err)
	}

	now := time.Now().UTC()

	if _, err := repo.Consume("no-such-code", "user@example.com", now); !errors.Is(err, domain.ErrRedeemNotFound) {
		t.Fatalf("expected ErrRedeemNotFound for unknown code, got %v", err)
	}

	// Чужой код выглядит как несуществующий.
	if _, err := repo.Consume("CODE-OK", "other@example.com", now); !errors.Is(err, domain.ErrRedeemNotFound) {
		t.Fatalf("expected ErrRedeemNotFound for foreign code, got %v", err)
	}

	got, err := repo.Consume("CODE-OK", "user@example.com", now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Status != domain.RedeemStatusConsumed || !got.UsedAt.Equal(now) {
		t.Fatalf("unexpected redeem after consume: %+v", got)
	}

	if _, err := repo.Consume("CODE-OK", "user@example.com", now); !errors.Is(err, domain.ErrRedeemAlreadyUsed) {
		t.Fatalf("expected ErrRedeemAlreadyUsed, got %v", err)
	}
}

// Из конкурентных попыток погасить один код выигрывает ровно одна.
func TestConsumeSingleWinner(t *testing.T) {
	repo := NewRedeemRepository()

	redeem := testRedeem("redeem-1", "user@example.com", domain.RedeemStatusFulfilled, "CODE-1")
	if err := repo.Create(redeem); err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume("CODE-1", "user@example.com", time.Now().UTC()); err == nil {
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
