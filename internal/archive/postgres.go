// postgres.go — Postgres 归档实现与连接池管理。
package archive

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/navihq/navi-desk/internal/config"
	"github.com/navihq/navi-desk/internal/engine"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
)

// Postgres 基于 pgxpool 的归档存储。
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 创建连接池、校验连通性并确保表结构存在。
// 连接串为空时返回 ErrArchiveDisabled, 调用方据此跳过归档。
func NewPostgres(ctx context.Context, cfg *config.Config) (*Postgres, error) {
	if cfg.PostgresConnStr == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrArchiveDisabled, "Archive.NewPostgres", "POSTGRES_CONNECTION_STRING not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MinConns = safeInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = safeInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")

	// AfterConnect: 设置 search_path (使用 quote_ident 防止 SQL 注入)
	schema := cfg.PostgresSchema
	if schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeoutFromSec(cfg.PostgresPoolTimeoutSec))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Infow("postgres archive ready",
		"min_conns", cfg.PostgresPoolMinSize,
		"max_conns", cfg.PostgresPoolMaxSize,
		"schema", schema,
	)
	return p, nil
}

// ensureSchema 建表与索引。幂等, 每次启动执行。
func (p *Postgres) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS navi_messages (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content JSONB NOT NULL DEFAULT '[]',
			raw_text TEXT NOT NULL DEFAULT '',
			parent_tool_use_id TEXT NOT NULL DEFAULT '',
			is_failure BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (session_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_navi_messages_session
			ON navi_messages (session_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS navi_timeline (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			subtype TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_navi_timeline_session
			ON navi_timeline (session_id, id DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return pkgerr.Wrap(err, "Archive.ensureSchema", "exec ddl")
		}
	}
	return nil
}

const msgCols = "id, session_id, message_id, role, content, raw_text, parent_tool_use_id, is_failure, created_at"

// SaveMessage 写入或更新一条消息。同一逻辑消息多次定稿时覆盖内容。
func (p *Postgres) SaveMessage(ctx context.Context, sessionID string, msg engine.Message) error {
	content, err := marshalContent(msg.Content)
	if err != nil {
		return pkgerr.Wrap(err, "Archive.SaveMessage", "marshal content")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO navi_messages (session_id, message_id, role, content, raw_text, parent_tool_use_id, is_failure, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, message_id) DO UPDATE
		 SET content = EXCLUDED.content,
		     raw_text = EXCLUDED.raw_text,
		     is_failure = EXCLUDED.is_failure`,
		sessionID, msg.ID, string(msg.Role), content, msg.RawText, msg.ParentToolUseID, msg.IsFailure, msg.Timestamp)
	if err != nil {
		return pkgerr.Wrap(err, "Archive.SaveMessage", "insert message")
	}
	return nil
}

// LoadMessages 按会话加载一页历史 (最新在前翻页, 返回升序)。
//
//	beforeID=0 → 从最新开始; beforeID>0 → id < beforeID
func (p *Postgres) LoadMessages(ctx context.Context, sessionID string, limit int, beforeID int64) (Page, error) {
	limit = util.ClampInt(limit, 1, 500)

	var sql string
	var args []any
	if beforeID > 0 {
		sql = "SELECT " + msgCols + " FROM navi_messages WHERE session_id=$1 AND id < $2 ORDER BY id DESC LIMIT $3"
		args = []any{sessionID, beforeID, limit}
	} else {
		sql = "SELECT " + msgCols + " FROM navi_messages WHERE session_id=$1 ORDER BY id DESC LIMIT $2"
		args = []any{sessionID, limit}
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return Page{}, pkgerr.Wrap(err, "Archive.LoadMessages", "query messages")
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRow])
	if err != nil {
		return Page{}, pkgerr.Wrap(err, "Archive.LoadMessages", "scan messages")
	}

	var total int64
	if err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM navi_messages WHERE session_id=$1", sessionID).Scan(&total); err != nil {
		return Page{}, pkgerr.Wrap(err, "Archive.LoadMessages", "count messages")
	}
	return buildPage(collected, limit, total), nil
}

// SaveTimelineEvent 追加一条时间线事件。
func (p *Postgres) SaveTimelineEvent(ctx context.Context, sessionID string, entry engine.TimelineEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO navi_timeline (session_id, event_type, subtype, summary, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, entry.Type, entry.Subtype, entry.Summary, entry.ReceivedAt)
	if err != nil {
		return pkgerr.Wrap(err, "Archive.SaveTimelineEvent", "insert timeline event")
	}
	return nil
}

// DeleteSession 删除会话的全部归档数据。
func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM navi_messages WHERE session_id=$1", sessionID); err != nil {
		return pkgerr.Wrap(err, "Archive.DeleteSession", "delete messages")
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM navi_timeline WHERE session_id=$1", sessionID); err != nil {
		return pkgerr.Wrap(err, "Archive.DeleteSession", "delete timeline")
	}
	return nil
}

// Close 关闭连接池。
func (p *Postgres) Close() {
	p.pool.Close()
}

func timeoutFromSec(sec int) time.Duration {
	if sec <= 0 {
		sec = 10
	}
	return time.Duration(sec) * time.Second
}

// safeInt32 将 int 安全转为 int32，超出范围时 clamp 并记录警告。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("pool config overflow, clamped to MaxInt32", "field", name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("pool config negative, clamped to 0", "field", name, "value", v)
		return 0
	}
	return int32(v)
}
