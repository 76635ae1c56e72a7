package middleware

import (
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Instrument counts handled requests by route template, so ids in the path
// do not blow up label cardinality. Unmatched routes are counted as "unmatched".
func Instrument(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, c.Writer.Status())
	}
}
