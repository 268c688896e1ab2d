package web

import (
	"errors"
	"net/http"
	"net/http/pprof"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantbench/backtest"
	"quantbench/database"
	"quantbench/event"
	"quantbench/storage"
)

// Dependencies Web 层依赖；Cache 和 DB 可为 nil
type Dependencies struct {
	Manager   *backtest.Manager
	Cache     storage.CandleCache
	DB        database.Database
	Bus       *event.EventBus
	ReportDir string
}

type api struct {
	deps Dependencies
}

// NewRouter 创建 gin 路由；logAll 为 false 时只记录错误请求
func NewRouter(deps Dependencies, logAll bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(logAll))
	SetupRoutes(r, deps)
	return r
}

// SetupRoutes 设置路由
func SetupRoutes(r *gin.Engine, deps Dependencies) {
	h := &api{deps: deps}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	pprofGroup := r.Group("/debug/pprof")
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
	}

	apiGroup := r.Group("/api")
	{
		backtestAPI := apiGroup.Group("/backtest")
		{
			backtestAPI.POST("/run", h.runBacktest)
			backtestAPI.GET("/runs", h.listRuns)
			backtestAPI.GET("/runs/:id", h.getRun)
			backtestAPI.POST("/runs/:id/cancel", h.cancelRun)
			backtestAPI.GET("/runs/:id/ws", h.streamRun)

			backtestAPI.GET("/cache", h.listCache)
			backtestAPI.GET("/cache/stats", h.getCacheStats)
			backtestAPI.DELETE("/cache/:key", h.deleteCache)
			backtestAPI.DELETE("/cache", h.clearCache)
		}

		strategies := apiGroup.Group("/strategies")
		{
			strategies.GET("", h.listStrategies)
			strategies.POST("", h.saveStrategy)
			strategies.GET("/:id", h.getStrategy)
			strategies.DELETE("/:id", h.deleteStrategy)
		}

		apiGroup.GET("/events", h.listEvents)
	}
}

func (h *api) health(c *gin.Context) {
	status := gin.H{
		"status":     "ok",
		"activeRuns": h.deps.Manager.Active(),
		"stats":      h.deps.Manager.Stats(),
	}
	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, status)
}

// statusClientClosed 客户端主动断开（nginx 约定）
const statusClientClosed = 499

// statusForError 错误类型到 HTTP 状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, backtest.ErrRunNotFound),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, storage.ErrCacheMiss):
		return http.StatusNotFound
	case errors.Is(err, backtest.ErrDuplicateRun):
		return http.StatusConflict
	case errors.Is(err, backtest.ErrInvalidParameters):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backtest.ErrCancelled):
		return statusClientClosed
	case errors.Is(err, backtest.ErrDataUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"message": message,
	})
}

func respondErr(c *gin.Context, err error) {
	respondError(c, statusForError(err), err.Error())
}
