package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/handlers"
)

func registerBucketRoutes(api *gin.RouterGroup, handler *handlers.BucketHandler) {
	group := api.Group("/buckets")
	{
		group.POST("", handler.Create)
		group.GET("", handler.List)
		group.GET("/:id", handler.Get)
		group.PATCH("/:id", handler.Update)
		group.DELETE("/:id", handler.Delete)
		group.GET("/:id/notifications", handler.Notifications)

		group.GET("/:id/shares", handler.Shares)
		group.POST("/:id/shares", handler.Share)
		group.DELETE("/:id/shares/:userID", handler.Unshare)
	}
}
