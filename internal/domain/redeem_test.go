package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRedeemStatusValid(t *testing.T) {
	valid := []RedeemStatus{RedeemStatusPending, RedeemStatusFulfilled, RedeemStatusFailed, RedeemStatusConsumed}
	for _, s := range valid {
		if !s.Valid() {
			t.Fatalf("status %q must be valid", s)
		}
	}
	if RedeemStatus("shipped").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}

func TestRedeemStatusTerminal(t *testing.T) {
	if RedeemStatusPending.Terminal() || RedeemStatusFulfilled.Terminal() {
		t.Fatal("pending and fulfilled are not terminal")
	}
	if !RedeemStatusFailed.Terminal() || !RedeemStatusConsumed.Terminal() {
		t.Fatal("failed and consumed are terminal")
	}
}

func TestRedeemTransitions(t *testing.T) {
	redeem := Redeem{
		ID:          "redeem-1",
		RewardID:    "reward-1",
		UserID:      "user@example.com",
		Quantity:    1,
		Status:      RedeemStatusPending,
		RequestedAt: time.Now().UTC(),
	}

	if !redeem.CanFulfill() {
		t.Fatal("pending redeem must accept an outcome")
	}
	if redeem.Redeemed() || redeem.Used() {
		t.Fatal("pending redeem is neither redeemed nor used")
	}

	redeem.Status = RedeemStatusFulfilled
	redeem.Code = "code-1"
	if redeem.CanFulfill() {
		t.Fatal("fulfilled redeem must ignore replayed outcomes")
	}
	if !redeem.CanConsume() {
		t.Fatal("fulfilled redeem with a code must be consumable")
	}
	if !redeem.Redeemed() || redeem.Used() {
		t.Fatal("fulfilled redeem is redeemed but not used")
	}

	redeem.Status = RedeemStatusConsumed
	if redeem.CanConsume() {
		t.Fatal("consumed redeem must not be consumable again")
	}
	if !redeem.Used() || !redeem.Redeemed() {
		t.Fatal("consumed implies redeemed and used")
	}
}

func TestRedeemValidate(t *testing.T) {
	redeem := Redeem{}
	errs := redeem.Validate()
	for _, want := range []error{ErrRewardIDRequired, ErrUserRequired, ErrRedeemQtyInvalid} {
		found := false
		for _, err := range errs {
			if errors.Is(err, want) {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %v in %v", want, errs)
		}
	}

	redeem = Redeem{RewardID: "reward-1", UserID: "user@example.com", Quantity: 2}
	if errs := redeem.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}
