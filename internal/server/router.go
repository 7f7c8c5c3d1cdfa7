package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/yangnaru/oeee-cafe-sub000/internal/auth"
	"github.com/yangnaru/oeee-cafe-sub000/internal/config"
	"github.com/yangnaru/oeee-cafe-sub000/internal/metrics"
	"github.com/yangnaru/oeee-cafe-sub000/internal/mw"
	"github.com/yangnaru/oeee-cafe-sub000/internal/ws"
)

// NewRouter 组装完整的 HTTP 路由:认证接口、协作会话控制面、
// WebSocket 入口以及运维端点。
func NewRouter(cfg config.Config, db *gorm.DB, h *Handler, gw *ws.Gateway) *gin.Engine {
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CORS(cfg.Env))
	r.Use(metrics.GinMiddleware())

	general := mw.NewLimiter(rate.Limit(25), 50, 2*time.Minute)
	authLimit := mw.NewLimiter(rate.Limit(5), 20, 5*time.Minute)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "replica": cfg.ReplicaID})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(general.PerRoute())
	{
		ar := api.Group("/auth")
		ar.Use(authLimit.PerIP())
		ar.POST("/register", h.Register)
		ar.POST("/login", h.Login)
		ar.POST("/refresh", h.RefreshToken)
	}

	collab := r.Group("/collaborate")
	collab.Use(general.PerRoute())
	{
		authed := collab.Group("")
		authed.Use(auth.AuthMiddleware(cfg, db))
		authed.POST("/sessions", h.CreateSession)
		authed.GET("/sessions", h.ListSessions)
		authed.GET("/:uuid/meta", h.SessionMeta)
		authed.POST("/:uuid/save", h.SaveSession)

		// WebSocket 升级在 handler 里自行鉴权,失败时要能回 HTTP 状态码
		collab.GET("/:uuid", gw.Serve())
	}

	return r
}
