package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS 返回跨域中间件。协作会话用 cookie 鉴权,所以必须带
// Allow-Credentials,同时 Origin 不能回 *。dev 环境放行任意来源,
// 生产环境只放行同源请求;WebSocket 升级请求由 upgrader 自己校验
// Origin,这里直接放过。
func CORS(env string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || c.IsWebsocket() {
			c.Next()
			return
		}

		allowed := env == "dev"
		if !allowed {
			host := c.Request.Host
			allowed = strings.HasSuffix(origin, "://"+host) ||
				strings.HasSuffix(origin, "."+host)
		}
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
