package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/handlers"
)

func registerStreamRoutes(api *gin.RouterGroup, handler *handlers.StreamHandler) {
	api.GET("/stream", handler.Events)
	api.GET("/poll", handler.Poll)
}
