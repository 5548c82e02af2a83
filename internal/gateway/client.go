// Package gateway 维护到本地 agent gateway 进程的 WebSocket 连接。
//
// 入站: 事件帧原样交给 engine.HandleRaw (引擎负责解析与容错)。
// 出站: attach / send / abort / permission_response 命令帧。
// 连接断开后按指数退避自动重连 (250ms 起, 上限可配), 生命周期事件
// 发布到总线供 UI 显示连接状态。
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/navihq/navi-desk/internal/bus"
	"github.com/navihq/navi-desk/internal/engine"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
)

const (
	handshakeTimeout   = 5 * time.Second
	reconnectBaseDelay = 250 * time.Millisecond

	// DefaultReconnectMaxDelay 重连退避上限。
	DefaultReconnectMaxDelay = 5 * time.Second
	// DefaultWriteWait 单次写超时。
	DefaultWriteWait = 10 * time.Second
	// DefaultPingInterval keepalive ping 间隔。
	DefaultPingInterval = 30 * time.Second

	// readIdleTimeout 连续收不到任何帧 (含 pong) 视为连接死亡。
	// 取 ping 间隔的三倍, 容忍两次丢失。
	readIdleTimeout = 3 * DefaultPingInterval
)

// Options 配置网关客户端。零值字段取默认。
type Options struct {
	URL               string
	PingInterval      time.Duration
	WriteWait         time.Duration
	ReconnectMaxDelay time.Duration

	// OnFrame 每收到一帧调用 (引擎入口)。在读循环 goroutine 上执行。
	OnFrame func(raw []byte)
	// Notes 可选: 连接生命周期发布到总线。
	Notes *bus.Bus
}

// Client 网关 WebSocket 客户端。实现 engine.Transport。
type Client struct {
	url          string
	pingInterval time.Duration
	writeWait    time.Duration
	reconnectMax time.Duration
	onFrame      func([]byte)
	notes        *bus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	stopped   atomic.Bool
	connected atomic.Bool

	// wsMu 保护 ws 指针与写操作 (gorilla 连接不允许并发写)。
	wsMu sync.Mutex
	ws   *websocket.Conn
}

// New 创建网关客户端。调用 Run 前不建立连接。
func New(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:          opts.URL,
		pingInterval: opts.PingInterval,
		writeWait:    opts.WriteWait,
		reconnectMax: opts.ReconnectMaxDelay,
		onFrame:      opts.OnFrame,
		notes:        opts.Notes,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connected 返回当前是否有活跃连接。
func (c *Client) Connected() bool { return c.connected.Load() }

// Run 阻塞运行连接循环: 建连 → 读循环 → 断开 → 退避重连。
// Close 或 ctx 取消后返回。调用方用 util.SafeGo 包裹。
func (c *Client) Run() {
	attempt := 0
	for !c.stopped.Load() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt, c.reconnectMax)
			c.publishState(bus.KindReconnecting, map[string]any{
				"attempt": attempt,
				"delayMs": delay.Milliseconds(),
			})
			logger.Warn("gateway: connect failed, backing off",
				logger.FieldURL, c.url,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				logger.FieldError, err)
			if !c.sleepCtx(delay) {
				return
			}
			continue
		}

		attempt = 0
		c.replaceConn(conn)
		c.connected.Store(true)
		c.publishState(bus.KindConnected, nil)
		logger.Info("gateway: connected", logger.FieldURL, c.url)

		pingStop := make(chan struct{})
		util.SafeGo(func() { c.pingLoop(conn, pingStop) })
		readErr := c.readLoop(conn)
		close(pingStop)
		c.connected.Store(false)
		c.detachConn(conn)

		if c.stopped.Load() || c.ctx.Err() != nil {
			return
		}
		detail := map[string]any{}
		if readErr != nil {
			detail["error"] = readErr.Error()
		}
		c.publishState(bus.KindDisconnected, detail)
		logger.Warn("gateway: connection lost, reconnecting",
			logger.FieldURL, c.url,
			logger.FieldError, errText(readErr))
	}
}

// Close 停止连接循环并关闭当前连接。幂等。
func (c *Client) Close() {
	if c.stopped.Swap(true) {
		return
	}
	c.cancel()
	c.wsMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
}

// ========================================
// 连接管理
// ========================================

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, pkgerr.Wrap(err, "Gateway.dial", "ws connect")
	}
	if conn == nil {
		return nil, pkgerr.New("Gateway.dial", "dial returned nil websocket connection")
	}
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	return conn, nil
}

func (c *Client) replaceConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

// detachConn 读循环退出后摘除死连接, 让写入立即失败而不是撞超时。
func (c *Client) detachConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	if c.ws == conn {
		c.ws = nil
	}
	c.wsMu.Unlock()
	_ = conn.Close()
}

// readLoop 持续读取事件帧直到出错。返回触发断开的错误。
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// 收到有效消息 = 连接活跃, 重置 idle deadline。
		// 必须用循环内的 conn 局部变量, 不能经 c.ws,
		// 因为重连后 c.ws 已指向新连接。
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		if c.onFrame != nil {
			c.onFrame(raw)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				logger.Debug("gateway: ping failed",
					logger.FieldError, err)
				return
			}
		}
	}
}

// backoffDelay 计算第 attempt 次重试前的等待时间。
// attempt 1 → 250ms, 之后翻倍, 封顶 max。
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) sleepCtx(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) publishState(kind string, detail map[string]any) {
	if c.notes == nil {
		return
	}
	var payload json.RawMessage
	if len(detail) > 0 {
		if data, err := json.Marshal(detail); err == nil {
			payload = data
		}
	}
	c.notes.Publish(bus.Note{
		Topic:   bus.TopicGatewayState,
		Kind:    kind,
		Payload: payload,
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ========================================
// 出站命令 (engine.Transport)
// ========================================

// command 出站命令帧。字段随命令类型取舍。
type command struct {
	Type        string              `json:"type"`
	SessionID   string              `json:"sessionId,omitempty"`
	Text        string              `json:"text,omitempty"`
	Attachments []engine.Attachment `json:"attachments,omitempty"`
	RequestID   string              `json:"requestId,omitempty"`
	Allow       bool                `json:"allow"`
}

const (
	cmdAttach             = "attach"
	cmdSend               = "send"
	cmdAbort              = "abort"
	cmdPermissionResponse = "permission_response"
)

// Attach 订阅一个会话的事件流。服务端多路复用, 无需 detach。
func (c *Client) Attach(sessionID string) error {
	return c.writeJSON(command{Type: cmdAttach, SessionID: sessionID})
}

// Send 发送用户消息。
func (c *Client) Send(req engine.SendRequest) error {
	return c.writeJSON(command{
		Type:        cmdSend,
		SessionID:   req.SessionID,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
}

// Abort 中止会话当前运行。
func (c *Client) Abort(sessionID string) error {
	return c.writeJSON(command{Type: cmdAbort, SessionID: sessionID})
}

// RespondPermission 回复工具权限请求。
func (c *Client) RespondPermission(sessionID, requestID string, allow bool) error {
	return c.writeJSON(command{
		Type:      cmdPermissionResponse,
		SessionID: sessionID,
		RequestID: requestID,
		Allow:     allow,
	})
}

// writeJSON 线程安全写一帧 JSON。未连接时立即报错, 不排队。
func (c *Client) writeJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return pkgerr.Wrap(pkgerr.ErrConnClosed, "Gateway.write", "gateway not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		return pkgerr.Wrap(err, "Gateway.write", "ws write")
	}
	return nil
}
