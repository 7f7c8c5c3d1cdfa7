package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paint_ws_connections",
		Help: "Current number of active painter websocket connections",
	})
	WsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paint_ws_frames_total",
		Help: "Total number of inbound frames by type",
	}, []string{"type"})
	SnapshotRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paint_snapshot_requests_total",
		Help: "Total number of snapshot requests issued",
	})
	SessionsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paint_sessions_expired_total",
		Help: "Total number of sessions expired by the janitor",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsFramesTotal, SnapshotRequestsTotal, SessionsExpiredTotal, HttpRequestsTotal, HttpRequestDuration)
}

// FrameType 把帧类型字节转成指标标签。
func FrameType(t byte) string { return "0x" + strconv.FormatUint(uint64(t), 16) }

// GinMiddleware 统计基础请求指标,供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
