// sse.go — 总线通知的 SSE 流式输出。
package inspect

import (
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navihq/navi-desk/internal/bus"
	"github.com/navihq/navi-desk/pkg/logger"
)

const sseKeepalive = 30 * time.Second

// sseHandler 把总线上的所有通知推给检查客户端。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := fmt.Sprintf("inspect-sse-%d", time.Now().UnixNano())
	sub := s.notes.Subscribe(clientID, bus.TopicAll)
	defer func() {
		s.notes.Unsubscribe(clientID)
		logger.Info("inspect: SSE client disconnected",
			logger.FieldSubscriber, clientID)
	}()

	logger.Info("inspect: SSE client connected",
		logger.FieldSubscriber, clientID)

	c.Stream(func(w io.Writer) bool {
		// 复用 timer 避免每次循环创建新定时器 (GC 压力)
		keepalive := time.NewTimer(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case note, ok := <-sub.Ch:
				if !ok {
					return false
				}
				c.SSEvent(note.Kind, note)
				if !keepalive.Stop() {
					select {
					case <-keepalive.C:
					default:
					}
				}
				keepalive.Reset(sseKeepalive)
				return true
			case <-keepalive.C:
				c.SSEvent("ping", "keepalive")
				keepalive.Reset(sseKeepalive)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		}
	})
}
