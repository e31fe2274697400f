package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/rewards/internal/middleware"
)

// RegisterRoutes подключает HTTP-маршруты сервиса. Все маршруты под /api
// требуют валидный Bearer-токен; административные — роль admin.
func RegisterRoutes(e *echo.Echo, rewards *RewardHandler, redeems *RedeemHandler, jwtSecret string) {
	api := e.Group("/api", middleware.JWTAuth(jwtSecret))
	admin := middleware.RequireRole(middleware.RoleAdmin)
	member := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleMember)

	// Каталог наград.
	api.POST("/rewards", rewards.Create, admin)
	api.GET("/rewards/all", rewards.List, admin)
	api.GET("/rewards/find", rewards.Find, member)
	api.GET("/rewards/:id", rewards.Get, member)
	api.PATCH("/rewards/:id", rewards.Update, admin)
	api.PATCH("/rewards/:id/activate", rewards.Activate, admin)
	api.PATCH("/rewards/:id/deactivate", rewards.Deactivate, admin)
	api.GET("/rewards/:id/redeems", redeems.ListByReward, admin)

	// Сага выкупа и одноразовые коды.
	api.POST("/rewards/redeem", redeems.Redeem, member)
	api.PATCH("/redeems/use", redeems.Use, member)
	api.GET("/redeems", redeems.ListMine, member)
	api.GET("/redeems/:id", redeems.Get, member)
	api.GET("/redeems/:id/timeline", redeems.Timeline, member)
}
