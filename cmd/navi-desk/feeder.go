// feeder.go — 引擎内存视图与历史归档之间的喂送桥。
//
// 两个方向:
//   - 出: 引擎提交的最终消息与时间线条目异步落库, 按会话合并写请求
//   - 入: 聚焦/翻页时从归档取历史页, 经 SetMessages / PrependMessages 灌回引擎
//
// 引擎本身不感知归档; 本文件是两者之间唯一的耦合点。
package main

import (
	"context"
	"sync"
	"time"

	"github.com/navihq/navi-desk/internal/archive"
	"github.com/navihq/navi-desk/internal/engine"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
)

const (
	persistTimeout = 5 * time.Second
	hydrateTimeout = 5 * time.Second
	// drainSettle 关停时给最后一轮落库的限时。
	drainSettle = 3 * time.Second
)

// archiveFeeder 把引擎变更异步持久化, 并在需要时从归档水合历史。
type archiveFeeder struct {
	store    archive.Store
	eng      *engine.Engine
	pageSize int

	mu       sync.Mutex
	dirty    map[string]bool   // 会话 → 有未落库变更
	savedMsg map[string]string // 会话 → 最后落库的消息 id
	savedSeq map[string]uint64 // 会话 → 最后落库的时间线 seq
	cursor   map[string]int64  // 会话 → 下一页 before 游标

	wake     chan struct{} // cap 1; dirty 集非空的信号
	done     chan struct{}
	finished chan struct{}
	closing  sync.Once
}

func newArchiveFeeder(store archive.Store, eng *engine.Engine, pageSize int) *archiveFeeder {
	return &archiveFeeder{
		store:    store,
		eng:      eng,
		pageSize: pageSize,
		dirty:    map[string]bool{},
		savedMsg: map[string]string{},
		savedSeq: map[string]uint64{},
		cursor:   map[string]int64{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (f *archiveFeeder) start() {
	util.SafeGo(f.run)
}

// observe 记下一个会话有待落库的变更。脏集合并重复通知, 写放大由落库
// 循环的批量扫描吸收, 不会丢失。
func (f *archiveFeeder) observe(c engine.Change) {
	switch c.Kind {
	case engine.ChangeMessages, engine.ChangeTimeline:
	default:
		return
	}
	f.mu.Lock()
	f.dirty[c.SessionID] = true
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// close 停止落库循环并等待最后一轮冲刷, 然后关闭底层存储。
func (f *archiveFeeder) close() {
	f.closing.Do(func() { close(f.done) })
	select {
	case <-f.finished:
	case <-time.After(drainSettle):
		logger.Warn("archive: final drain timed out")
	}
}

func (f *archiveFeeder) run() {
	defer close(f.finished)
	for {
		select {
		case <-f.wake:
			f.drain()
		case <-f.done:
			f.drain()
			f.store.Close()
			return
		}
	}
}

// drain 取走整个脏集, 逐会话落库。落库失败的会话重新标脏, 等下一次
// 变更或唤醒时重试。
func (f *archiveFeeder) drain() {
	f.mu.Lock()
	taken := f.dirty
	f.dirty = map[string]bool{}
	f.mu.Unlock()

	for sessionID := range taken {
		if err := f.persistSession(sessionID); err != nil {
			logger.Warn("archive: persist failed, will retry",
				logger.FieldSessionID, sessionID,
				logger.FieldError, err)
			f.mu.Lock()
			f.dirty[sessionID] = true
			f.mu.Unlock()
		}
	}
}

// persistSession 落库一个会话: 账本尾部尚未保存的最终消息 + 时间线
// 高水位之后的新条目。两者都幂等, 重复执行不产生重复行。
func (f *archiveFeeder) persistSession(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msgs := f.eng.Messages(sessionID)
	f.mu.Lock()
	lastID := f.savedMsg[sessionID]
	lastSeq := f.savedSeq[sessionID]
	f.mu.Unlock()

	for _, m := range collectUnsaved(msgs, lastID) {
		if err := f.store.SaveMessage(ctx, sessionID, m); err != nil {
			return err
		}
		f.mu.Lock()
		f.savedMsg[sessionID] = m.ID
		f.mu.Unlock()
	}

	for _, entry := range f.eng.Timeline(sessionID) {
		if entry.Seq <= lastSeq {
			continue
		}
		if err := f.store.SaveTimelineEvent(ctx, sessionID, entry); err != nil {
			return err
		}
		lastSeq = entry.Seq
		f.mu.Lock()
		f.savedSeq[sessionID] = lastSeq
		f.mu.Unlock()
	}
	return nil
}

// collectUnsaved 从账本尾部向前收集 lastID 之后的最终消息, 按原始顺序
// 返回。流式中的非最终消息跳过, 等它定稿后的下一次变更再存。
func collectUnsaved(msgs []engine.Message, lastID string) []engine.Message {
	var reversed []engine.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == lastID {
			break
		}
		if !msgs[i].IsFinal {
			continue
		}
		reversed = append(reversed, msgs[i])
	}
	if len(reversed) == 0 {
		return nil
	}
	batch := make([]engine.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		batch = append(batch, reversed[i])
	}
	return batch
}

// ========================================
// 水合与翻页
// ========================================

// hydrate 聚焦时从归档取最新一页灌入引擎。已有内存视图的会话不覆盖。
// 先推进落库水位再 SetMessages, 避免把刚灌入的历史原样回存。
func (f *archiveFeeder) hydrate(sessionID string) {
	if len(f.eng.Messages(sessionID)) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()

	page, err := f.store.LoadMessages(ctx, sessionID, f.pageSize, 0)
	if err != nil {
		logger.Warn("archive: hydrate failed",
			logger.FieldSessionID, sessionID,
			logger.FieldError, err)
		return
	}
	if len(page.Messages) == 0 {
		return
	}

	f.mu.Lock()
	f.savedMsg[sessionID] = page.Messages[len(page.Messages)-1].ID
	f.cursor[sessionID] = page.NextBefore
	f.mu.Unlock()

	f.eng.SetMessages(sessionID, page.Messages, int(page.Total), page.HasMore)
	logger.Info("archive: session hydrated",
		logger.FieldSessionID, sessionID,
		logger.FieldCount, len(page.Messages),
		"total", page.Total,
		"has_more", page.HasMore)
}

// loadOlder 向后翻一页。没有更多、正在翻页或没有游标时为空操作。
func (f *archiveFeeder) loadOlder(sessionID string) error {
	pg := f.eng.Pagination(sessionID)
	if !pg.HasMore || pg.IsLoadingMore {
		return nil
	}
	f.mu.Lock()
	before := f.cursor[sessionID]
	f.mu.Unlock()
	if before <= 0 {
		// 会话从未经归档水合 (如纯内存会话), 无从翻页。
		return nil
	}

	f.eng.SetLoadingMore(sessionID, true)
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()

	page, err := f.store.LoadMessages(ctx, sessionID, f.pageSize, before)
	if err != nil {
		f.eng.SetLoadingMore(sessionID, false)
		return pkgerr.Wrapf(err, "App.LoadOlder", "load page before id %d", before)
	}

	f.mu.Lock()
	f.cursor[sessionID] = page.NextBefore
	f.mu.Unlock()

	f.eng.PrependMessages(sessionID, page.Messages, page.HasMore)
	return nil
}

// deleteSession 清掉会话的归档行与喂送水位。
func (f *archiveFeeder) deleteSession(sessionID string) error {
	f.mu.Lock()
	delete(f.savedMsg, sessionID)
	delete(f.savedSeq, sessionID)
	delete(f.cursor, sessionID)
	delete(f.dirty, sessionID)
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return f.store.DeleteSession(ctx, sessionID)
}
