// app.go — Wails 绑定: 会话操作 + 引擎变更桥。
//
// 前端通过 window.go.main.App.XXX() 调用。
//
// 核心链路:
//   - 操作: 前端 → App.SendMessage/AbortSession/... → engine → gateway
//   - 变更: engine.Subscribe → 总线 Note + Wails 事件 → 前端按需拉 Snapshot
package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/navihq/navi-desk/internal/archive"
	"github.com/navihq/navi-desk/internal/bus"
	"github.com/navihq/navi-desk/internal/config"
	"github.com/navihq/navi-desk/internal/engine"
	"github.com/navihq/navi-desk/internal/gateway"
	"github.com/navihq/navi-desk/internal/inspect"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
	"github.com/navihq/navi-desk/pkg/util"
	"github.com/wailsapp/wails/v3/pkg/application"
)

// App Wails 绑定 — 前端通过 window.go.main.App.XXX() 调用。
type App struct {
	cfg       *config.Config
	eng       *engine.Engine
	gw        *gateway.Client
	side      *gateway.Sidecar // nil 表示网关由外部管理
	notes     *bus.Bus
	insp      *inspect.Server // nil 表示观察 API 未启用
	feeder    *archiveFeeder  // nil 表示归档禁用
	autoFocus string

	wailsApp    *application.App
	unsubscribe func()
}

const bridgeSampleEvery int64 = 100

var bridgeSeq atomic.Int64

// shouldLogChange 消息与时间线变更在流式输出期间高频触发, 只按采样输出;
// 其余种类逐条记录。
func shouldLogChange(kind engine.ChangeKind, seq int64) bool {
	switch kind {
	case engine.ChangeMessages, engine.ChangeTimeline:
		return seq%bridgeSampleEvery == 0
	default:
		return true
	}
}

// changeEventName 引擎变更种类 → 前端事件名。时间线变更不推前端,
// 只进总线供 inspect SSE 消费, 返回空串。
func changeEventName(kind engine.ChangeKind) string {
	switch kind {
	case engine.ChangeMessages:
		return "message-updated"
	case engine.ChangeStatus:
		return "status-changed"
	case engine.ChangeQueue:
		return "queue-changed"
	case engine.ChangeAuth:
		return "auth-changed"
	case engine.ChangeSessions:
		return "session-changed"
	default:
		return ""
	}
}

// changeTopic 引擎变更种类 → 总线主题。会话级变更走 session.{id}.{kind},
// 全局变更走各自的顶层主题。
func changeTopic(c engine.Change) string {
	switch c.Kind {
	case engine.ChangeAuth:
		return bus.TopicAuth
	case engine.ChangeSessions:
		return bus.TopicSessions
	default:
		return bus.SessionTopic(c.SessionID, string(c.Kind))
	}
}

// NewApp 创建 App 实例。store 为 nil 时历史归档整体禁用。
func NewApp(cfg *config.Config, autoFocus string, eng *engine.Engine, gw *gateway.Client,
	side *gateway.Sidecar, store archive.Store, notes *bus.Bus, insp *inspect.Server) *App {
	a := &App{
		cfg:       cfg,
		eng:       eng,
		gw:        gw,
		side:      side,
		notes:     notes,
		insp:      insp,
		autoFocus: autoFocus,
	}
	if store != nil {
		a.feeder = newArchiveFeeder(store, eng, cfg.HistoryPageSize)
	}
	return a
}

// startBridge 订阅引擎变更并启动归档喂送循环。
func (a *App) startBridge() {
	a.unsubscribe = a.eng.Subscribe(a.handleEngineChange)
	if a.feeder != nil {
		a.feeder.start()
	}
}

// handleEngineChange 把一条引擎变更扇出到三个消费方: 总线 (inspect SSE),
// 归档喂送, Wails 前端事件。观察者在引擎锁外同步执行, 这里只做轻活。
func (a *App) handleEngineChange(c engine.Change) {
	seq := bridgeSeq.Add(1)

	a.notes.Publish(bus.Note{
		Topic:     changeTopic(c),
		Kind:      string(c.Kind),
		SessionID: c.SessionID,
	})
	if a.feeder != nil {
		a.feeder.observe(c)
	}

	name := changeEventName(c.Kind)
	if name == "" || a.wailsApp == nil {
		return
	}
	a.wailsApp.Event.Emit(name, a.changePayload(c))
	if shouldLogChange(c.Kind, seq) {
		logger.Debug("bridge: change emitted",
			"kind", string(c.Kind),
			logger.FieldSessionID, c.SessionID,
			logger.FieldSeq, int64(c.Seq))
	}
}

// changePayload 组装事件附带数据。消息变更只带会话 id (正文由前端按需拉
// Snapshot), 状态/队列/认证变更直接内联新值, 省一次往返。
func (a *App) changePayload(c engine.Change) map[string]any {
	payload := map[string]any{"sessionId": c.SessionID, "seq": c.Seq}
	switch c.Kind {
	case engine.ChangeStatus:
		if st, ok := a.eng.Status(c.SessionID); ok {
			payload["status"] = st
		}
	case engine.ChangeQueue:
		payload["queueLength"] = len(a.eng.Queue(c.SessionID))
	case engine.ChangeAuth:
		payload["auth"] = a.eng.Auth()
	case engine.ChangeSessions:
		payload["focused"] = a.eng.Focused()
		payload["sessions"] = a.eng.Sessions()
	}
	return payload
}

// ServiceStartup Wails v3 Service 生命周期: 应用启动时调用。
func (a *App) ServiceStartup(_ context.Context, _ application.ServiceOptions) error {
	if a.autoFocus != "" {
		a.FocusSession(a.autoFocus)
	}
	if a.wailsApp != nil {
		a.wailsApp.Event.Emit("app-ready", map[string]any{
			"gatewayUrl": a.cfg.GatewayURL,
			"connected":  a.gw.Connected(),
			"build":      currentBuildInfo(),
		})
	}
	return nil
}

// shutdown 按依赖顺序收尾: 先摘观察者, 再断网关与 sidecar, 然后停服务面,
// 最后冲刷并关闭归档。整体限时, 收不完就放弃。
func (a *App) shutdown() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	done := make(chan struct{})
	util.SafeGo(func() {
		a.gw.Close()
		if a.side != nil {
			if err := a.side.Stop(); err != nil {
				logger.Warn("shutdown: sidecar stop failed", logger.FieldError, err)
			}
		}
		if a.insp != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := a.insp.Shutdown(ctx); err != nil {
				logger.Warn("shutdown: inspect server close failed", logger.FieldError, err)
			}
			cancel()
		}
		if a.feeder != nil {
			a.feeder.close()
		}
		close(done)
	})
	select {
	case <-done:
		logger.Info("shutdown: all subsystems stopped")
	case <-time.After(8 * time.Second):
		logger.Warn("shutdown: teardown timed out, abandoning")
	}
}

// ========================================
// 会话操作
// ========================================

// SendMessage 发送用户消息。会话忙时自动入队并返回 queued=true。
func (a *App) SendMessage(sessionID, text string, attachmentPaths []string) (bool, error) {
	logger.Info("ui: send message", logger.FieldSource, "ui",
		logger.FieldSessionID, sessionID,
		"text_len", len(text),
		logger.FieldCount, len(attachmentPaths))
	return a.eng.SendMessage(sessionID, text, attachmentsFromPaths(attachmentPaths))
}

// AbortSession 停止会话的在途运行。没有运行时为空操作。
func (a *App) AbortSession(sessionID string) error {
	logger.Info("ui: abort session", logger.FieldSource, "ui",
		logger.FieldSessionID, sessionID)
	return a.eng.AbortSession(sessionID)
}

// FocusSession 切换前台会话: 引擎聚焦 (钉住防逐出) + 网关附加 + 无内存
// 视图时从归档水合首页。
func (a *App) FocusSession(sessionID string) {
	logger.Info("ui: focus session", logger.FieldSource, "ui",
		logger.FieldSessionID, sessionID)
	a.eng.Focus(sessionID)
	if a.feeder != nil && sessionID != "" {
		util.SafeGo(func() { a.feeder.hydrate(sessionID) })
	}
}

// MarkSeen 清除未读标记。只对当前聚焦的会话生效。
func (a *App) MarkSeen(sessionID string) {
	a.eng.MarkSeen(sessionID)
}

// RespondPermission 应答挂起的工具权限请求。
func (a *App) RespondPermission(sessionID, requestID string, allow bool) error {
	logger.Info("ui: respond permission", logger.FieldSource, "ui",
		logger.FieldSessionID, sessionID,
		logger.FieldReqID, requestID,
		logger.FieldDecision, allow)
	return a.eng.RespondPermission(sessionID, requestID, allow)
}

// QueueLength 返回会话待发队列长度。
func (a *App) QueueLength(sessionID string) int {
	return len(a.eng.Queue(sessionID))
}

// CancelQueued 撤回一条尚未发出的排队消息。
func (a *App) CancelQueued(sessionID, queuedID string) bool {
	return a.eng.CancelQueued(sessionID, queuedID)
}

// LoadOlder 向后翻一页历史, 经 PrependMessages 灌回引擎。归档未启用时
// 返回 ErrArchiveDisabled。
func (a *App) LoadOlder(sessionID string) error {
	if a.feeder == nil {
		return pkgerr.Wrap(pkgerr.ErrArchiveDisabled, "App.LoadOlder", "history archive disabled")
	}
	return a.feeder.loadOlder(sessionID)
}

// DeleteSession 删除会话: 引擎侧清掉消息/队列/状态/时间线, 归档同步删除。
func (a *App) DeleteSession(sessionID string) error {
	logger.Info("ui: delete session", logger.FieldSource, "ui",
		logger.FieldSessionID, sessionID)
	a.eng.DeleteSession(sessionID)
	if a.feeder != nil {
		return a.feeder.deleteSession(sessionID)
	}
	return nil
}

// ========================================
// 快照查询
// ========================================

// SessionSnapshot 单个会话的一次性完整视图, 聚焦切换时前端整页拉取。
type SessionSnapshot struct {
	SessionID  string                    `json:"sessionId"`
	Messages   []engine.Message          `json:"messages"`
	Status     *engine.SessionStatus     `json:"status,omitempty"`
	Queue      []engine.QueuedMessage    `json:"queue,omitempty"`
	Pagination engine.PaginationState    `json:"pagination"`
	Permission *engine.PermissionRequest `json:"permission,omitempty"`
	OpenTurn   *engine.Turn              `json:"openTurn,omitempty"`
}

// SessionsView 会话列表页的数据: 概要清单 + 聚焦 + 认证 + 网关连接态。
type SessionsView struct {
	Sessions  []engine.SessionSummary `json:"sessions"`
	Focused   string                  `json:"focused"`
	Auth      engine.AuthStatus       `json:"auth"`
	Connected bool                    `json:"connected"`
}

// Snapshot 返回一个会话的完整视图。
func (a *App) Snapshot(sessionID string) SessionSnapshot {
	return buildSnapshot(a.eng, sessionID)
}

// Sessions 返回会话列表视图。
func (a *App) Sessions() SessionsView {
	return SessionsView{
		Sessions:  a.eng.Sessions(),
		Focused:   a.eng.Focused(),
		Auth:      a.eng.Auth(),
		Connected: a.gw.Connected(),
	}
}

// GatewayState 返回网关连接与 sidecar 进程状态, 前端状态栏用。
func (a *App) GatewayState() map[string]any {
	state := map[string]any{
		"connected": a.gw.Connected(),
		"url":       a.cfg.GatewayURL,
		"sidecar":   false,
	}
	if a.side != nil {
		state["sidecar"] = a.side.Running()
		state["pid"] = a.side.Pid()
	}
	return state
}

// GetBuildInfo 返回当前桌面应用构建信息。
func (a *App) GetBuildInfo() BuildInfo {
	return currentBuildInfo()
}

// buildSnapshot 从引擎聚合一个会话的全部查询面。未知会话返回空视图,
// Status 为 nil。
func buildSnapshot(eng *engine.Engine, sessionID string) SessionSnapshot {
	snap := SessionSnapshot{
		SessionID:  sessionID,
		Messages:   eng.Messages(sessionID),
		Queue:      eng.Queue(sessionID),
		Pagination: eng.Pagination(sessionID),
	}
	if st, ok := eng.Status(sessionID); ok {
		snap.Status = &st
	}
	if pr, ok := eng.PendingPermission(sessionID); ok {
		snap.Permission = &pr
	}
	if turn, ok := eng.OpenTurn(sessionID); ok {
		snap.OpenTurn = &turn
	}
	return snap
}

// attachmentsFromPaths 把本地文件路径转成附件引用。图片扩展名标记为
// image, 其余标记为 file。
func attachmentsFromPaths(paths []string) []engine.Attachment {
	if len(paths) == 0 {
		return nil
	}
	atts := make([]engine.Attachment, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		atts = append(atts, engine.Attachment{
			Kind: attachmentKind(p),
			Name: filepath.Base(p),
			Path: p,
		})
	}
	if len(atts) == 0 {
		return nil
	}
	return atts
}

func attachmentKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return "image"
	default:
		return "file"
	}
}

// ========================================
// 项目注册表
// ========================================

// Projects 返回项目注册表快照 (含内容哈希, 供前端变更检测)。
func (a *App) Projects() (*config.ProjectsSnapshot, error) {
	return config.LoadProjectsSnapshot(a.cfg.ProjectsPath)
}

// AddProject 注册或更新一个项目目录。
func (a *App) AddProject(name, path string) error {
	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)
	if path == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "App.AddProject", "project path is empty")
	}
	if name == "" {
		name = filepath.Base(path)
	}
	p := config.ProjectConfig{
		ID:       projectIDFor(path),
		Name:     name,
		Path:     path,
		LastOpen: time.Now().UTC().Format(time.RFC3339),
	}
	logger.Info("ui: add project", logger.FieldSource, "ui",
		logger.FieldName, name, logger.FieldPath, path)
	return config.UpsertProject(a.cfg.ProjectsPath, p)
}

// projectIDFor 从路径派生稳定的项目 id: 目录名 + 路径哈希短前缀。
func projectIDFor(path string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(path)))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, base)
	return base + "-" + util.ShortHash(path)
}

// ========================================
// 原生对话框
// ========================================

// SelectProjectDir 弹出原生目录选择对话框, 返回所选路径。
// 用户取消返回空字符串。目录选择统一走此 Wails/Go 原生桥接入口。
func (a *App) SelectProjectDir() string {
	if a.wailsApp == nil {
		logger.Warn("SelectProjectDir: wails app not ready")
		return ""
	}

	cwd, _ := os.Getwd()
	dialog := a.wailsApp.Dialog.OpenFile().
		SetTitle("选择项目目录").
		SetButtonText("选择").
		SetDirectory(cwd).
		CanChooseDirectories(true).
		CanChooseFiles(false).
		CanCreateDirectories(true)
	if current := a.wailsApp.Window.Current(); current != nil {
		dialog.AttachToWindow(current)
	}

	path, err := dialog.PromptForSingleSelection()
	if err != nil {
		if isDialogCancelError(err) {
			return ""
		}
		logger.Warn("SelectProjectDir: dialog failed", logger.FieldError, err)
		return ""
	}
	if path != "" {
		logger.Info("SelectProjectDir: selected", logger.FieldPath, path)
	}
	return path
}

// SelectFiles 弹出原生文件选择对话框 (支持多选), 返回绝对路径数组。
// 用户取消返回空数组。附件选择统一走此 Wails/Go 原生桥接入口。
func (a *App) SelectFiles() []string {
	if a.wailsApp == nil {
		logger.Warn("SelectFiles: wails app not ready")
		return []string{}
	}

	cwd, _ := os.Getwd()
	dialog := a.wailsApp.Dialog.OpenFile().
		SetTitle("选择附件文件").
		SetButtonText("选择").
		SetDirectory(cwd).
		CanChooseDirectories(false).
		CanChooseFiles(true)
	if current := a.wailsApp.Window.Current(); current != nil {
		dialog.AttachToWindow(current)
	}

	paths, err := dialog.PromptForMultipleSelection()
	if err != nil {
		if isDialogCancelError(err) {
			return []string{}
		}
		logger.Warn("SelectFiles: dialog failed", logger.FieldError, err)
		return []string{}
	}
	if len(paths) > 0 {
		logger.Info("SelectFiles: selected", logger.FieldCount, len(paths))
	}
	return paths
}

func isDialogCancelError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "cancel")
}
