package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quantbench/config"
	"quantbench/logger"
)

// WebServer Web服务器
type WebServer struct {
	server *http.Server
	addr   string
}

// NewWebServer 创建Web服务器，未启用时返回 nil
func NewWebServer(cfg *config.Config, deps Dependencies) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	debug := strings.EqualFold(cfg.System.LogLevel, "debug")
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := cfg.Web.Addr()
	return &WebServer{
		addr: addr,
		server: &http.Server{
			Addr:        addr,
			Handler:     NewRouter(deps, debug),
			ReadTimeout: 15 * time.Second,
			// 同步回测和 websocket 可能持续较久，不设置写超时
			IdleTimeout: 60 * time.Second,
		},
	}
}

// Start 启动Web服务器，ctx 取消后优雅关闭
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s", ws.addr)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("❌ Web服务器关闭失败: %v", err)
		} else {
			logger.Info("✅ Web服务器已关闭")
		}
	}()

	return nil
}
