package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LivenessHandler answers whether the process is running.
func (c *Checker) LivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, c.Health())
	}
}

// ReadinessHandler answers whether the gateway should receive traffic.
// Degraded still counts as ready.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		resp := c.Readiness(ctx.Request.Context())

		statusCode := http.StatusOK
		if resp.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		ctx.JSON(statusCode, resp)
	}
}

// RegisterRoutes registers the probe routes.
func (c *Checker) RegisterRoutes(r gin.IRoutes) {
	r.GET("/live", c.LivenessHandler())
	r.GET("/livez", c.LivenessHandler())
	r.GET("/ready", c.ReadinessHandler())
	r.GET("/readyz", c.ReadinessHandler())
}
