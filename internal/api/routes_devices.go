package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/handlers"
)

func registerDeviceRoutes(api *gin.RouterGroup, handler *handlers.DeviceHandler) {
	group := api.Group("/devices")
	{
		group.POST("", handler.Register)
		group.GET("", handler.List)
		group.DELETE("/:id", handler.Delete)
	}
}
