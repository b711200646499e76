package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/handlers"
	"github.com/charlesng35/bucketcast/internal/middleware"
)

func registerAccessTokenRoutes(api *gin.RouterGroup, handler *handlers.AccessTokenHandler) {
	group := api.Group("/access-tokens")
	group.Use(middleware.RequireAdmin())
	{
		group.POST("", handler.Mint)
		group.GET("", handler.List)
		group.DELETE("/:id", handler.Disable)
	}
}
