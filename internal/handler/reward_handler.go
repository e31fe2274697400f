package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
	"github.com/vladislavdragonenkov/rewards/internal/service/catalog"
)

// RewardHandler обслуживает административный CRUD каталога и публичный поиск.
type RewardHandler struct {
	catalog *catalog.Service
	logger  *log.Entry
}

// NewRewardHandler создаёт handler каталога наград.
func NewRewardHandler(catalogSvc *catalog.Service, logger *log.Entry) *RewardHandler {
	if logger == nil {
		logger = log.New().WithField("component", "reward_handler")
	}
	return &RewardHandler{catalog: catalogSvc, logger: logger}
}

type createRewardRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	CostMinor   int64  `json:"cost_minor"`
	Quantity    int32  `json:"quantity"`
}

type updateRewardRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Image       *string `json:"image"`
	Category    *string `json:"category"`
	Subcategory *string `json:"subcategory"`
	CostMinor   *int64  `json:"cost_minor"`
	Quantity    *int32  `json:"quantity"`
}

// Create обрабатывает POST /api/rewards.
func (h *RewardHandler) Create(c echo.Context) error {
	var req createRewardRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	reward, err := h.catalog.Create(catalog.CreateRewardInput{
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		CostMinor:   req.CostMinor,
		Quantity:    req.Quantity,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, toRewardResponse(reward))
}

// Update обрабатывает PATCH /api/rewards/:id; nil-поля не меняются.
func (h *RewardHandler) Update(c echo.Context) error {
	var req updateRewardRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	reward, err := h.catalog.Update(c.Param("id"), catalog.UpdateRewardInput{
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		CostMinor:   req.CostMinor,
		Quantity:    req.Quantity,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, toRewardResponse(reward))
}

// Activate обрабатывает PATCH /api/rewards/:id/activate.
func (h *RewardHandler) Activate(c echo.Context) error {
	reward, err := h.catalog.Activate(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRewardResponse(reward))
}

// Deactivate обрабатывает PATCH /api/rewards/:id/deactivate.
func (h *RewardHandler) Deactivate(c echo.Context) error {
	reward, err := h.catalog.Deactivate(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRewardResponse(reward))
}

// Get обрабатывает GET /api/rewards/:id.
func (h *RewardHandler) Get(c echo.Context) error {
	reward, err := h.catalog.Get(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRewardResponse(reward))
}

// List обрабатывает GET /api/rewards/all (админский список без фильтра).
func (h *RewardHandler) List(c echo.Context) error {
	rewards, err := h.catalog.List()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRewardResponses(rewards))
}

// Find обрабатывает GET /api/rewards/find. Без параметра active публичный
// каталог показывает только активные награды.
func (h *RewardHandler) Find(c echo.Context) error {
	filter := domain.RewardFilter{
		Name:        c.QueryParam("name"),
		Category:    c.QueryParam("category"),
		Subcategory: c.QueryParam("subcategory"),
		MinQuantity: -1,
		MaxQuantity: -1,
		MinSold:     -1,
		MaxSold:     -1,
	}

	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid active parameter"})
		}
		filter.Active = &active
	}

	bounds := []struct {
		param string
		dst   *int32
	}{
		{"min_quantity", &filter.MinQuantity},
		{"max_quantity", &filter.MaxQuantity},
		{"min_sold", &filter.MinSold},
		{"max_sold", &filter.MaxSold},
	}
	for _, b := range bounds {
		raw := c.QueryParam(b.param)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || value < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid " + b.param + " parameter"})
		}
		*b.dst = int32(value)
	}

	rewards, err := h.catalog.Find(filter)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toRewardResponses(rewards))
}
