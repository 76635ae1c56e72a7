package middleware

import (
	"net/http"

	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/gin-gonic/gin"
)

// RequireValidSourceID rejects a malformed ":id" path param with 400 before
// it reaches the service.
func RequireValidSourceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); !source.ValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid source id '" + id + "'"})
			return
		}
		c.Next()
	}
}
