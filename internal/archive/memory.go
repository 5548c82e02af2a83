// memory.go — 内存版归档, 供测试与脱库环境使用。
package archive

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/navihq/navi-desk/internal/engine"
	"github.com/navihq/navi-desk/pkg/util"
)

// Memory 在内存中模拟 Postgres 归档的行为。
// 行 id 单调递增, 分页语义与 Postgres 实现一致。
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	messages map[string][]messageRow // sessionID → 按插入序 (id 升序)
	timeline map[string][]engine.TimelineEntry
}

// NewMemory 创建内存归档。
func NewMemory() *Memory {
	return &Memory{
		nextID:   1,
		messages: make(map[string][]messageRow),
		timeline: make(map[string][]engine.TimelineEntry),
	}
}

// SaveMessage 实现 Store。同一 message_id 覆盖旧行内容 (保留行 id)。
func (m *Memory) SaveMessage(ctx context.Context, sessionID string, msg engine.Message) error {
	content, err := marshalContent(msg.Content)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.messages[sessionID]
	for i := range rows {
		if rows[i].MessageID == msg.ID {
			rows[i].Content = json.RawMessage(content)
			rows[i].RawText = msg.RawText
			rows[i].IsFailure = msg.IsFailure
			return nil
		}
	}
	m.messages[sessionID] = append(rows, messageRow{
		ID:              m.nextID,
		SessionID:       sessionID,
		MessageID:       msg.ID,
		Role:            string(msg.Role),
		Content:         json.RawMessage(content),
		RawText:         msg.RawText,
		ParentToolUseID: msg.ParentToolUseID,
		IsFailure:       msg.IsFailure,
		CreatedAt:       msg.Timestamp,
	})
	m.nextID++
	return nil
}

// LoadMessages 实现 Store。
func (m *Memory) LoadMessages(ctx context.Context, sessionID string, limit int, beforeID int64) (Page, error) {
	limit = util.ClampInt(limit, 1, 500)
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[sessionID]
	total := int64(len(all))

	// 模拟 ORDER BY id DESC LIMIT: 从尾往前取。
	var picked []messageRow
	for i := len(all) - 1; i >= 0 && len(picked) < limit; i-- {
		if beforeID > 0 && all[i].ID >= beforeID {
			continue
		}
		picked = append(picked, all[i])
	}
	return buildPage(picked, limit, total), nil
}

// SaveTimelineEvent 实现 Store。
func (m *Memory) SaveTimelineEvent(ctx context.Context, sessionID string, entry engine.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeline[sessionID] = append(m.timeline[sessionID], entry)
	return nil
}

// DeleteSession 实现 Store。
func (m *Memory) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, sessionID)
	delete(m.timeline, sessionID)
	return nil
}

// Close 实现 Store。无资源可释放。
func (m *Memory) Close() {}

// TimelineLen 返回某会话已归档的时间线条数 (测试用)。
func (m *Memory) TimelineLen(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timeline[sessionID])
}
