// Package inspect 提供本地只读检查服务。
//
// 桌面应用的观察窗口: 排查会话状态、消息台账、事件时间线时
// 不必连调试器, curl 即可。只读, 只绑回环地址, 默认不启动
// (NAVI_INSPECT_ADDR 为空)。
package inspect

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/navihq/navi-desk/internal/bus"
	"github.com/navihq/navi-desk/internal/engine"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
)

// Server 检查服务。
type Server struct {
	router *gin.Engine
	eng    *engine.Engine
	notes  *bus.Bus
	srv    *http.Server
}

// NewServer 创建检查服务。
func NewServer(eng *engine.Engine, notes *bus.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{router: r, eng: eng, notes: notes}
	s.registerRoutes()
	return s
}

// Router 返回 Gin 引擎 (测试用)。
func (s *Server) Router() *gin.Engine { return s.router }

// Start 在 addr 上启动服务, ctx 取消后自动关闭。
// addr 未带主机时强制绑定回环地址。
func (s *Server) Start(ctx context.Context, addr string) {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	util.SafeGo(func() {
		logger.Info("inspect: server listening",
			logger.FieldAddr, addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("inspect: server exited abnormally",
				logger.FieldError, err)
		}
	})

	util.SafeGo(func() {
		<-ctx.Done()
		_ = s.srv.Close()
	})
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
