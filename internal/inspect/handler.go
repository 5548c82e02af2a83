// handler.go — 检查服务 REST handlers。
package inspect

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/navihq/navi-desk/pkg/util"
)

// registerRoutes 注册只读路由。
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api")
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id/messages", s.sessionMessages)
	api.GET("/sessions/:id/timeline", s.sessionTimeline)
	api.GET("/sessions/:id/status", s.sessionStatus)
	api.GET("/events", s.sseHandler)
}

// 统一响应辅助 (遵循 gin_handler 规范, 所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"goroutine_panics": util.PanicCount(),
	})
}

func (s *Server) listSessions(c *gin.Context) {
	success(c, gin.H{
		"sessions": s.eng.Sessions(),
		"focused":  s.eng.Focused(),
		"auth":     s.eng.Auth(),
	})
}

func (s *Server) sessionMessages(c *gin.Context) {
	id := c.Param("id")
	success(c, gin.H{
		"messages":   s.eng.Messages(id),
		"pagination": s.eng.Pagination(id),
	})
}

func (s *Server) sessionTimeline(c *gin.Context) {
	success(c, s.eng.Timeline(c.Param("id")))
}

func (s *Server) sessionStatus(c *gin.Context) {
	id := c.Param("id")
	status, ok := s.eng.Status(id)
	if !ok {
		notFound(c, "unknown session "+id)
		return
	}
	body := gin.H{
		"status": status,
		"queue":  s.eng.Queue(id),
	}
	if pending, ok := s.eng.PendingPermission(id); ok {
		body["pendingPermission"] = pending
	}
	if turn, ok := s.eng.OpenTurn(id); ok {
		body["openTurn"] = turn
	}
	success(c, body)
}
