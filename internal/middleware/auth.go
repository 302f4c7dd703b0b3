package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kevinms/leakybucket-go"

	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
	"agent-royale-backend/internal/services"
)

// OracleAuth guards the relay endpoints with an HS256 bearer token.
func OracleAuth(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(parts[1])
		if err != nil {
			logging.Security.Warn("rejected oracle token", "ip", c.ClientIP(), "err", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("oracle_provider", claims.Provider)

		c.Next()
	}
}

// RateLimit drains a per-IP leaky bucket that refills perMinute tokens
// a minute and bursts up to perMinute.
func RateLimit(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := leakybucket.NewCollector(float64(perMinute)/60, int64(perMinute), true)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if limiter.Add(ip, 1) == 0 {
			code := models.CodeRateLimited
			c.AbortWithStatusJSON(code.HTTPStatus(), gin.H{
				"error":       true,
				"code":        code,
				"message":     "Rate limit exceeded",
				"retry_after": 60 / float64(perMinute),
			})
			return
		}

		c.Next()
	}
}
