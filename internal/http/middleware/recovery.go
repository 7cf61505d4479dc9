// README: Recovery middleware; turns handler panics into a logged 500.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"cartrack/internal/log"
)

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(fmt.Errorf("panic: %v", r), "handler panicked",
					"requestId", RequestID(c), "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
