// Package bus 提供进程内通知总线。
//
// 引擎的状态变更、网关连接生命周期、sidecar 进程事件都经由总线
// fan-out 到多个消费者:
//   - cmd/navi-desk 的桥接层 — 转发到 wails 前端事件
//   - inspect/sse.go — 本地调试页面的实时事件流
//   - 日志桥 — 连接级事件落结构化日志
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// ========================================
// 消息类型
// ========================================

// Note 总线上的一条通知。
type Note struct {
	Topic     string          `json:"topic"`             // session.s1.messages / gateway.state / auth
	Kind      string          `json:"kind"`              // 变更种类 (messages / status / connected / ...)
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"` // 可选附加数据
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 通知种类常量。
const (
	// --- 会话状态变更 (来自引擎) ---

	// KindMessages 会话消息账本变更。
	KindMessages = "messages"
	// KindStatus 会话派生状态变更。
	KindStatus = "status"
	// KindQueue 发送队列变更。
	KindQueue = "queue"
	// KindTimeline 诊断时间线追加。
	KindTimeline = "timeline"
	// KindSessions 会话清单变更 (新建/删除/逐出)。
	KindSessions = "sessions"
	// KindAuth 网关认证状态变更。
	KindAuth = "auth"

	// --- 网关连接生命周期 ---

	// KindConnected 网关 WebSocket 已连接。
	KindConnected = "connected"
	// KindDisconnected 网关连接断开, 准备重连。
	KindDisconnected = "disconnected"
	// KindReconnecting 正在按退避间隔重连。
	KindReconnecting = "reconnecting"

	// --- sidecar 进程 ---

	// KindSpawned sidecar 进程已启动。
	KindSpawned = "spawned"
	// KindExited sidecar 进程退出。
	KindExited = "exited"
)

// Topic 模式常量。
const (
	// TopicSessionPrefix 会话消息前缀: session.{id}.{kind}。
	TopicSessionPrefix = "session."
	// TopicGatewayState 连接生命周期。
	TopicGatewayState = "gateway.state"
	// TopicGatewayProcess sidecar 进程事件。
	TopicGatewayProcess = "gateway.process"
	// TopicSessions 会话清单。
	TopicSessions = "sessions"
	// TopicAuth 认证状态。
	TopicAuth = "auth"

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// SessionTopic 组装一个会话级 topic: session.{id}.{kind}。
func SessionTopic(sessionID, kind string) string {
	return TopicSessionPrefix + sessionID + "." + kind
}

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string    // 唯一标识
	Filter string    // topic 前缀过滤 ("session.s1" / "gateway" / "*")
	Ch     chan Note // 通知通道
}

// ========================================
// Bus — topic pub/sub
// ========================================

// Bus 进程内通知总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "session.s1" → 收到 session.s1.messages, session.s1.status 等
//   - 订阅 "gateway" → 收到 gateway.state, gateway.process
//   - 订阅 "*" → 收到所有通知
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Note) // 可选: 每条通知的全局回调 (用于桥接日志)
}

// New 创建通知总线。
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调。
func (b *Bus) SetOnPublish(fn func(Note)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布通知到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证通知到达顺序与 seq 一致。
func (b *Bus) Publish(note Note) {
	b.mu.Lock()
	b.seq++
	note.Seq = b.seq
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now()
	}
	onPub := b.onPublish

	// 在同一把锁下完成 fan-out, 保证 seq 顺序
	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, note.Topic) {
			select {
			case sub.Ch <- note:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(note)
	}
}

// Subscribe 订阅通知。filter 为 topic 前缀 ("session.s1" / "gateway" / "*")。
func (b *Bus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Note, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *Bus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "session.s1" 匹配 "session.s1", "session.s1.messages"
//   - filter "gateway" 匹配 "gateway.state", "gateway.process"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	// 前缀匹配: filter="session.s1" 匹配 topic="session.s1.messages"
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
