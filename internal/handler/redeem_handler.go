package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/middleware"
	"github.com/vladislavdragonenkov/rewards/internal/service/redeemcode"
	"github.com/vladislavdragonenkov/rewards/internal/service/saga"
)

// HeaderIdempotencyKey — заголовок, которым клиент делает POST-запрос
// на выкуп повторяемым без двойного резервирования.
const HeaderIdempotencyKey = "Idempotency-Key"

// RedeemHandler обслуживает запуск саги выкупа и работу с кодами.
type RedeemHandler struct {
	saga           saga.Orchestrator
	codes          *redeemcode.Service
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	logger         *log.Entry
}

// NewRedeemHandler создаёт handler выкупов. idempotency может быть nil —
// тогда Idempotency-Key игнорируется.
func NewRedeemHandler(
	orchestrator saga.Orchestrator,
	codes *redeemcode.Service,
	idempotency domain.IdempotencyRepository,
	idempotencyTTL time.Duration,
	logger *log.Entry,
) *RedeemHandler {
	if logger == nil {
		logger = log.New().WithField("component", "redeem_handler")
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	return &RedeemHandler{
		saga:           orchestrator,
		codes:          codes,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		logger:         logger,
	}
}

type redeemRequest struct {
	RewardID string `json:"reward_id"`
	Quantity int32  `json:"quantity"`
}

type useCodeRequest struct {
	Code string `json:"code"`
}

// Redeem обрабатывает POST /api/rewards/redeem: резервирует остаток и
// запускает сагу. Ответ 202 — исход транзакции придёт асинхронно.
func (h *RedeemHandler) Redeem(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req redeemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if key != "" && h.idempotency != nil {
		requestHash := redeemRequestHash(userID, req)
		record, err := h.idempotency.CreateProcessing(key, requestHash, time.Now().UTC().Add(h.idempotencyTTL))
		switch {
		case err == nil:
			// Ключ наш; результат сохраним после обработки.
		case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			if record.Status == domain.IdempotencyStatusProcessing {
				return c.JSON(http.StatusConflict, echo.Map{"error": "request is still being processed"})
			}
			return c.JSONBlob(record.HTTPStatus, record.ResponseBody)
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			return writeError(c, err)
		default:
			return writeError(c, err)
		}

		return h.initiate(c, userID, req, key)
	}

	return h.initiate(c, userID, req, "")
}

func (h *RedeemHandler) initiate(c echo.Context, userID string, req redeemRequest, idempotencyKey string) error {
	redeem, err := h.saga.Initiate(req.RewardID, userID, req.Quantity)
	if err != nil {
		if idempotencyKey != "" {
			payload, _ := json.Marshal(echo.Map{"error": err.Error()})
			h.storeResult(idempotencyKey, errorStatus(err), payload, false)
		}
		return writeError(c, err)
	}

	body, marshalErr := json.Marshal(toRedeemResponse(redeem, false))
	if marshalErr != nil {
		return writeError(c, marshalErr)
	}
	if idempotencyKey != "" {
		h.storeResult(idempotencyKey, http.StatusAccepted, body, true)
	}

	return c.JSONBlob(http.StatusAccepted, body)
}

func (h *RedeemHandler) storeResult(key string, status int, payload []byte, done bool) {
	var err error
	if done {
		err = h.idempotency.MarkDone(key, payload, status)
	} else {
		err = h.idempotency.MarkFailed(key, payload, status)
	}
	if err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Warn("store idempotency result failed")
	}
}

// errorStatus повторяет маппинг writeError, чтобы replay отдавал тот же код.
func errorStatus(err error) int {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOutOfStock), domain.IsVersionConflict(err):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRedeemQtyInvalid),
		errors.Is(err, domain.ErrRewardIDRequired),
		errors.Is(err, domain.ErrUserRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func redeemRequestHash(userID string, req redeemRequest) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", userID, req.RewardID, req.Quantity)))
	return hex.EncodeToString(sum[:])
}

// Use обрабатывает PATCH /api/redeems/use: гасит одноразовый код.
func (h *RedeemHandler) Use(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req useCodeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	redeem, err := h.codes.Consume(req.Code, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRedeemResponse(redeem, true))
}

// Get обрабатывает GET /api/redeems/:id; доступ есть у владельца и админа.
func (h *RedeemHandler) Get(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	redeem, err := h.codes.Get(c.Param("id"), userID, middleware.IsAdmin(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRedeemResponse(redeem, redeem.UserID == userID))
}

// ListMine обрабатывает GET /api/redeems: выкупы текущего пользователя.
func (h *RedeemHandler) ListMine(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	limit, err := queryLimit(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit parameter"})
	}

	redeems, err := h.codes.ListByUser(userID, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRedeemResponses(redeems, true))
}

// ListByReward обрабатывает GET /api/rewards/:id/redeems (админский запрос).
func (h *RedeemHandler) ListByReward(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit parameter"})
	}

	redeems, err := h.codes.ListByReward(c.Param("id"), limit)
	if err != nil {
		return writeError(c, err)
	}
	// Админский список не раскрывает чужие коды.
	return c.JSON(http.StatusOK, toRedeemResponses(redeems, false))
}

// Timeline обрабатывает GET /api/redeems/:id/timeline.
func (h *RedeemHandler) Timeline(c echo.Context) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	// Проверка доступа повторяет Get: владелец или админ.
	if _, err := h.codes.Get(c.Param("id"), userID, middleware.IsAdmin(c)); err != nil {
		return writeError(c, err)
	}

	events, err := h.codes.Timeline(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toTimelineResponses(events))
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit: %q", raw)
	}
	return limit, nil
}
