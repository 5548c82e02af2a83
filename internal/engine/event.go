// event.go — 网关入站事件信封与类型化载荷。
//
// 外层信封为 camelCase (uiSessionId); stream_event 内嵌的子事件沿用
// 模型流式协议的 snake_case 字段 (content_block / partial_json)。
package engine

import (
	"encoding/json"
	"strings"

	pkgerr "github.com/navihq/navi-desk/pkg/errors"
)

// EventType 入站事件类型。
type EventType string

const (
	EventSystem            EventType = "system"
	EventAssistant         EventType = "assistant"
	EventUser              EventType = "user"
	EventResult            EventType = "result"
	EventError             EventType = "error"
	EventToolProgress      EventType = "tool_progress"
	EventPermissionRequest EventType = "permission_request"
	EventStream            EventType = "stream_event"
	EventAuthStatus        EventType = "auth_status"
)

// Stream 子事件类型 (stream_event.event.type)。
const (
	StreamMessageStart      = "message_start"
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
	StreamMessageDelta      = "message_delta"
	StreamMessageStop       = "message_stop"
)

// Delta 载荷类型 (content_block_delta.delta.type)。
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// Event 入站事件信封。Data 保留完整原始 JSON，由各处理器按需解码。
type Event struct {
	Type        EventType
	UISessionID string
	Data        json.RawMessage
}

// ParseEvent 解析一帧入站事件。只校验信封，载荷留给处理器。
func ParseEvent(raw []byte) (Event, error) {
	var probe struct {
		Type        EventType `json:"type"`
		UISessionID string    `json:"uiSessionId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, pkgerr.Wrap(err, "Engine.ParseEvent", "malformed event frame")
	}
	if probe.Type == "" {
		return Event{}, pkgerr.New("Engine.ParseEvent", "event missing type")
	}
	return Event{
		Type:        probe.Type,
		UISessionID: probe.UISessionID,
		Data:        json.RawMessage(append([]byte(nil), raw...)),
	}, nil
}

// ========================================
// 类型化载荷 (按事件类型解码)
// ========================================

// StreamPayload stream_event 信封载荷。
type StreamPayload struct {
	Event           StreamEvent `json:"event"`
	ParentToolUseID string      `json:"parentToolUseId,omitempty"`
}

// StreamEvent 模型流式子事件。
type StreamEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index,omitempty"`
	Message      *WireMessage `json:"message,omitempty"`       // message_start
	ContentBlock *WireBlock   `json:"content_block,omitempty"` // content_block_start
	Delta        *WireDelta   `json:"delta,omitempty"`         // content_block_delta / message_delta
	Usage        *WireUsage   `json:"usage,omitempty"`         // message_delta
}

// WireUsage 流式协议的 token 计数 (snake_case)。
type WireUsage struct {
	InputTokens     int64 `json:"input_tokens,omitempty"`
	OutputTokens    int64 `json:"output_tokens,omitempty"`
	CacheReadTokens int64 `json:"cache_read_input_tokens,omitempty"`
}

// WireMessage message_start 携带的消息元信息。
type WireMessage struct {
	ID    string `json:"id,omitempty"`
	Role  string `json:"role,omitempty"`
	Model string `json:"model,omitempty"`
}

// WireBlock 声明或携带一个内容块。content_block_start 只带元信息;
// assistant 信封里的块携带完整内容 (Text/Thinking/Input)。
type WireBlock struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`   // tool_use id
	Name     string          `json:"name,omitempty"` // tool name
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"` // tool_use 完整参数
}

// WireDelta 增量片段。Text / Thinking / PartialJSON 互斥。
type WireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"` // message_delta
}

// AssistantPayload assistant 事件: 服务端确认的完整助手消息。
type AssistantPayload struct {
	Message         AssistantWire `json:"message"`
	ParentToolUseID string        `json:"parentToolUseId,omitempty"`
}

// AssistantWire 完整助手消息 (内容为块数组)。
type AssistantWire struct {
	ID      string      `json:"id,omitempty"`
	Role    string      `json:"role,omitempty"`
	Content []WireBlock `json:"content,omitempty"`
}

// UserPayload user 事件: 服务端确认的用户消息或工具结果容器。
type UserPayload struct {
	Message         UserWire `json:"message"`
	ParentToolUseID string   `json:"parentToolUseId,omitempty"`
}

// UserWire 用户消息。Content 为文本或 tool_result 块数组，
// 由 decodeUserContent 二段解码。
type UserWire struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// decodeUserContent 将 user 消息内容拆成纯文本与 tool_result 块。
// 内容可能是一个字符串, 也可能是 text/tool_result 块数组。
func decodeUserContent(raw json.RawMessage) (text string, results []UserContentWire) {
	if len(raw) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []UserContentWire
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			results = append(results, b)
		case "text":
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), results
}

// UserContentWire 用户消息里的一个内容块 (text 或 tool_result)。
type UserContentWire struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// resultText 将 tool_result 内容拍平为纯文本。内容可能是字符串或
// [{type:"text",text:"..."}] 数组; 其他形状降级为 JSON 原文。
func (w UserContentWire) resultText() string {
	switch v := w.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := m["text"].(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// ResultPayload result 事件: 一次运行结束。信封字段经网关归一化为
// camelCase, usage 同理。
type ResultPayload struct {
	Subtype    string `json:"subtype,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// ErrorPayload error 事件。
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// SystemPayload system 事件 (init / awaiting_input / 其他)。
type SystemPayload struct {
	Subtype   string `json:"subtype,omitempty"`
	Model     string `json:"model,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// PermissionPayload permission_request 事件。
type PermissionPayload struct {
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolProgressPayload tool_progress 事件。
type ToolProgressPayload struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Note      string `json:"note,omitempty"`
	Elapsed   int64  `json:"elapsedMs,omitempty"`
}

// AuthStatusPayload auth_status 事件 (网关级, 不挂在会话上)。
type AuthStatusPayload struct {
	Authenticated bool   `json:"authenticated"`
	Method        string `json:"method,omitempty"`
	Error         string `json:"error,omitempty"`
}

// decodePayload 将事件原始 JSON 解码到目标载荷。失败时返回包装错误。
func decodePayload(ev Event, dst any) error {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		return pkgerr.Wrapf(err, "Engine.decodePayload", "decode %s payload", ev.Type)
	}
	return nil
}

// System subtypes.
const (
	SystemInit           = "init"
	SystemAwaitingInput  = "awaiting_input"
	SystemRequestStopped = "request_stopped"
)
