package httpapi

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/pkg/zlog"
)

const (
	// InternalKeyHeader 内部生产者共享密钥
	InternalKeyHeader = "X-Internal-Key"

	maxEventBody  = 1 << 20
	maxBatchQuery = 500
)

// StatsProvider /stats 数据来源
type StatsProvider interface {
	Stats() application.Stats
}

// Deps 路由依赖
type Deps struct {
	WS          http.HandlerFunc
	Publisher   in.PublishUseCase
	Presence    in.PresenceUseCase
	Stats       StatsProvider
	Gatherer    prometheus.Gatherer
	InternalKey string
	Limiter     *RateLimiter
	// Ready 为 false 时 /health 返回 503
	Ready func() bool
}

type handler struct {
	deps Deps
}

// NewRouter 注册所有 HTTP 路由
func NewRouter(deps Deps) *gin.Engine {
	h := &handler{deps: deps}

	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger())

	limit := func(c *gin.Context) { c.Next() }
	if deps.Limiter != nil {
		limit = deps.Limiter.Middleware()
	}

	if deps.WS != nil {
		r.GET("/ws", limit, gin.WrapF(deps.WS))
	}
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/log/level", zlog.LevelHandler())
	r.PUT("/log/level", zlog.LevelHandler())

	api := r.Group("/api/presence")
	{
		api.GET("/:identity", h.getPresence)
		api.POST("/batch", h.batchPresence)
	}

	internal := r.Group("/internal", limit, h.internalAuth)
	{
		internal.POST("/events", h.publishEvent)
	}
	return r
}

func (h *handler) health(c *gin.Context) {
	if h.deps.Ready != nil && !h.deps.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) stats(c *gin.Context) {
	if h.deps.Stats == nil {
		c.JSON(http.StatusOK, application.Stats{})
		return
	}
	c.JSON(http.StatusOK, h.deps.Stats.Stats())
}

func (h *handler) getPresence(c *gin.Context) {
	identity := entity.Identity(c.Param("identity"))
	c.JSON(http.StatusOK, h.deps.Presence.GetPresence(c.Request.Context(), identity))
}

type batchPresenceRequest struct {
	Identities []string `json:"identities" binding:"required"`
}

func (h *handler) batchPresence(c *gin.Context) {
	var req batchPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if len(req.Identities) > maxBatchQuery {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many identities"})
		return
	}

	ids := make([]entity.Identity, 0, len(req.Identities))
	for _, id := range req.Identities {
		ids = append(ids, entity.Identity(id))
	}
	c.JSON(http.StatusOK, gin.H{"presences": h.deps.Presence.GetPresences(c.Request.Context(), ids)})
}

func (h *handler) internalAuth(c *gin.Context) {
	if h.deps.InternalKey == "" {
		c.Next()
		return
	}
	key := c.GetHeader(InternalKeyHeader)
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.deps.InternalKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal key"})
		return
	}
	c.Next()
}

// publishEvent 生产者在持久化成功后调用
func (h *handler) publishEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	event, err := entity.DecodeEvent(body, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 投递不依赖请求的生命周期
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
	defer cancel()
	report := h.deps.Publisher.Publish(ctx, event)

	zlog.C(c.Request.Context()).Debug("event published",
		zap.String("eventID", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.Int("delivered", report.Delivered))
	c.JSON(http.StatusAccepted, gin.H{"id": event.ID, "report": report})
}
