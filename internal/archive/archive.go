// Package archive 提供可选的 PostgreSQL 历史归档。
//
// 使用 pgxpool 直接管理连接，裸写 SQL (不使用 ORM)。
// 归档与引擎完全解耦: 引擎不感知归档, 由外壳在会话聚焦时
// 读归档喂给引擎 (SetMessages / PrependMessages), 在消息定稿时写入。
// 未配置连接串时归档整体禁用, 应用其余部分不受影响。
package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/navihq/navi-desk/internal/engine"
)

// Store 历史归档接口。Postgres 为生产实现, Memory 供测试与脱库运行。
type Store interface {
	// SaveMessage 写入或更新一条消息 (按 session_id + message_id 去重,
	// 同一条流式消息的多次定稿覆盖旧内容)。
	SaveMessage(ctx context.Context, sessionID string, msg engine.Message) error
	// LoadMessages 按会话加载一页历史。beforeID = 0 取最新一页,
	// 否则取 row id 小于 beforeID 的更旧消息。
	LoadMessages(ctx context.Context, sessionID string, limit int, beforeID int64) (Page, error)
	// SaveTimelineEvent 追加一条时间线事件。
	SaveTimelineEvent(ctx context.Context, sessionID string, entry engine.TimelineEntry) error
	// DeleteSession 删除会话的全部归档数据。
	DeleteSession(ctx context.Context, sessionID string) error
	Close()
}

// Page 一页历史消息 (升序), 带分页游标。
type Page struct {
	Messages []engine.Message `json:"messages"`
	Total    int64            `json:"total"`
	HasMore  bool             `json:"hasMore"`
	// NextBefore 取更旧一页时传入 LoadMessages 的 beforeID。
	NextBefore int64 `json:"nextBefore"`
}

// messageRow navi_messages 表行。
type messageRow struct {
	ID              int64           `db:"id"`
	SessionID       string          `db:"session_id"`
	MessageID       string          `db:"message_id"`
	Role            string          `db:"role"`
	Content         json.RawMessage `db:"content"`
	RawText         string          `db:"raw_text"`
	ParentToolUseID string          `db:"parent_tool_use_id"`
	IsFailure       bool            `db:"is_failure"`
	CreatedAt       time.Time       `db:"created_at"`
}

// rowToMessage 将表行还原为引擎消息。归档只存定稿消息, IsFinal 恒真。
func rowToMessage(row messageRow) engine.Message {
	msg := engine.Message{
		ID:              row.MessageID,
		Role:            engine.Role(row.Role),
		RawText:         row.RawText,
		Timestamp:       row.CreatedAt,
		ParentToolUseID: row.ParentToolUseID,
		IsFinal:         true,
		IsFailure:       row.IsFailure,
	}
	if len(row.Content) > 0 {
		// 内容块损坏时保留 RawText, 不让一行坏数据毁掉整页。
		_ = json.Unmarshal(row.Content, &msg.Content)
	}
	return msg
}

func marshalContent(blocks []engine.ContentBlock) ([]byte, error) {
	if len(blocks) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(blocks)
}

// buildPage 把按 id 降序取出的行装配为升序页。
// 行数填满 limit 视为还有更旧的历史。
func buildPage(rows []messageRow, limit int, total int64) Page {
	page := Page{Total: total}
	if len(rows) == 0 {
		return page
	}
	page.Messages = make([]engine.Message, len(rows))
	for i, row := range rows {
		page.Messages[len(rows)-1-i] = rowToMessage(row)
	}
	page.NextBefore = rows[len(rows)-1].ID
	page.HasMore = len(rows) == limit
	return page
}
