package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/bucketcast/internal/middleware"
	"github.com/charlesng35/bucketcast/internal/monitoring"
	"github.com/charlesng35/bucketcast/pkg/response"
)

func registerMonitoringRoutes(api *gin.RouterGroup, jobs *monitoring.JobTracker) {
	if api == nil || jobs == nil {
		return
	}

	group := api.Group("/monitoring")
	group.GET("/jobs", middleware.RequireAdmin(), func(c *gin.Context) {
		response.Success(c, http.StatusOK, jobs.Jobs())
	})
}
