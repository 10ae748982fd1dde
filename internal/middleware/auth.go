package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireActor 要求请求带 X-Actor-ID，并放进 gin context。
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetHeader(ActorHeader)
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":  http.StatusBadRequest,
				"error": "invalid",
				"msg":   ActorHeader + " header is required",
			})
			return
		}
		c.Set("actor_id", actor)
		c.Next()
	}
}

// AdminToken 校验库存管理接口的简单令牌。
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  http.StatusUnauthorized,
				"error": "unauthorized",
				"msg":   "invalid admin token",
			})
			return
		}
		c.Next()
	}
}
