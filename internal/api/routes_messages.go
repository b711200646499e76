package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/handlers"
	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/ratelimit"
)

func registerMessageRoutes(api *gin.RouterGroup, handler *handlers.MessageHandler, stream *handlers.StreamHandler, limiter *ratelimit.Limiter) {
	group := api.Group("/messages")
	{
		group.POST("", middleware.RateLimit(limiter, EndpointMessagesCreate), handler.Create)
		group.GET("", handler.List)
		group.DELETE("/:id", handler.Delete)

		group.GET("/stream", stream.MessageEvents)
		group.GET("/poll", stream.MessagePoll)
	}
}
