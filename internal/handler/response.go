package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

// rewardResponse — представление награды в HTTP-ответах.
type rewardResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Image       string    `json:"image,omitempty"`
	Category    string    `json:"category,omitempty"`
	Subcategory string    `json:"subcategory,omitempty"`
	CostMinor   int64     `json:"cost_minor"`
	Quantity    int32     `json:"quantity"`
	Available   int32     `json:"available"`
	Sold        int32     `json:"sold"`
	Active      bool      `json:"active"`
	AddedAt     time.Time `json:"added_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// redeemResponse — представление выкупа в HTTP-ответах. Код возвращается
// только владельцу и только после подтверждения транзакции.
type redeemResponse struct {
	ID          string     `json:"id"`
	RewardID    string     `json:"reward_id"`
	UserID      string     `json:"user_id"`
	Quantity    int32      `json:"quantity"`
	Status      string     `json:"status"`
	Code        string     `json:"code,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

func toRewardResponse(reward domain.Reward) rewardResponse {
	return rewardResponse{
		ID:          reward.ID,
		Name:        reward.Name,
		Description: reward.Description,
		Image:       reward.Image,
		Category:    reward.Category,
		Subcategory: reward.Subcategory,
		CostMinor:   reward.CostMinor,
		Quantity:    reward.Quantity,
		Available:   reward.AvailableQuantity(),
		Sold:        reward.Sold,
		Active:      reward.Active,
		AddedAt:     reward.AddedAt,
		UpdatedAt:   reward.UpdatedAt,
	}
}

func toRewardResponses(rewards []domain.Reward) []rewardResponse {
	out := make([]rewardResponse, 0, len(rewards))
	for _, reward := range rewards {
		out = append(out, toRewardResponse(reward))
	}
	return out
}

func toRedeemResponse(redeem domain.Redeem, includeCode bool) redeemResponse {
	resp := redeemResponse{
		ID:          redeem.ID,
		RewardID:    redeem.RewardID,
		UserID:      redeem.UserID,
		Quantity:    redeem.Quantity,
		Status:      string(redeem.Status),
		RequestedAt: redeem.RequestedAt,
	}
	if includeCode {
		resp.Code = redeem.Code
	}
	if !redeem.UsedAt.IsZero() {
		usedAt := redeem.UsedAt
		resp.UsedAt = &usedAt
	}
	return resp
}

func toRedeemResponses(redeems []domain.Redeem, includeCode bool) []redeemResponse {
	out := make([]redeemResponse, 0, len(redeems))
	for _, redeem := range redeems {
		out = append(out, toRedeemResponse(redeem, includeCode))
	}
	return out
}

func toTimelineResponses(events []domain.TimelineEvent) []timelineEventResponse {
	out := make([]timelineEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, timelineEventResponse{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	return out
}

// writeError переводит доменную ошибку в HTTP-ответ. Not-found для чужих
// кодов и несуществующих записей выглядит одинаково.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError

	switch {
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrRedeemAlreadyUsed),
		domain.IsVersionConflict(err):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRedeemNotCompleted),
		errors.Is(err, domain.ErrRedeemQtyInvalid),
		errors.Is(err, domain.ErrRewardIDRequired),
		errors.Is(err, domain.ErrUserRequired),
		errors.Is(err, domain.ErrRewardNameRequired),
		errors.Is(err, domain.ErrRewardCostNegative),
		errors.Is(err, domain.ErrRewardQuantityNegative),
		errors.Is(err, domain.ErrRewardSoldNegative),
		errors.Is(err, domain.ErrRewardReservedInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUserNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		return c.JSON(status, echo.Map{"error": "internal error"})
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}
