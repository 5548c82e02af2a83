// engine.go — 会话状态引擎: 事件入口、互斥聚合、变更通知。
//
// 网关事件按到达顺序在一把锁下施加到各会话运行时; 传输调用与观察者
// 回调全部推迟到解锁之后, 锁内绝不外呼。对外暴露的一律是深拷贝快照。
package engine

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/navihq/navi-desk/pkg/errors"
	"github.com/navihq/navi-desk/pkg/logger"
)

// DefaultSessionCacheSize bounds how many sessions keep their message
// ledger in memory at once.
const DefaultSessionCacheSize = 8

// Transport is the outbound side wired to the gateway connection. Calls
// are made off the engine lock; implementations own their deadlines.
type Transport interface {
	Attach(sessionID string) error
	Send(req SendRequest) error
	Abort(sessionID string) error
	RespondPermission(sessionID, requestID string, allow bool) error
}

// Options configures a new engine. Zero values pick defaults.
type Options struct {
	Clock            Clock
	ThrottleInterval time.Duration
	SessionCacheSize int
	TimelineLimit    int
}

// Engine owns all per-session UI state. One mutex serializes event
// application, matching the strictly ordered event stream it consumes.
type Engine struct {
	mu       sync.Mutex
	clock    Clock
	agg      *aggregator
	store    *messageStore
	queue    *queueManager
	timeline *timelineLog

	sessions  map[string]*sessionRuntime
	focusedID string
	auth      AuthStatus

	transport    Transport
	handlers     map[EventType]func(Event, *sessionRuntime, *applyCtx)
	stream       map[string]func(*sessionRuntime, StreamPayload, *applyCtx)
	localCounter uint64

	seq       atomic.Uint64
	obsMu     sync.RWMutex
	observers map[int]func(Change)
	obsNext   int
}

// New builds an engine with the given options.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	capSessions := opts.SessionCacheSize
	if capSessions < 1 {
		capSessions = DefaultSessionCacheSize
	}
	e := &Engine{
		clock:     clock,
		store:     newMessageStore(capSessions),
		queue:     newQueueManager(),
		timeline:  newTimelineLog(opts.TimelineLimit),
		sessions:  map[string]*sessionRuntime{},
		observers: map[int]func(Change){},
	}
	e.agg = newAggregator(opts.ThrottleInterval, clock)
	e.agg.onTimer = e.onThrottleTimer
	e.handlers = e.eventHandlers()
	e.stream = e.streamHandlers()
	return e
}

// SetTransport installs the outbound gateway connection.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()
}

// Subscribe registers a change observer. The returned function removes
// it. Observers run synchronously after each applied batch, off the
// engine lock.
func (e *Engine) Subscribe(fn func(Change)) func() {
	e.obsMu.Lock()
	id := e.obsNext
	e.obsNext++
	e.observers[id] = fn
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// ========================================
// 变更批次 (锁内累积, 锁外派发)
// ========================================

// applyCtx accumulates one batch of change notifications and deferred
// side effects while the engine lock is held.
type applyCtx struct {
	changes  []Change
	deferred []func()
}

func newApplyCtx() *applyCtx { return &applyCtx{} }

func (ac *applyCtx) emit(kind ChangeKind, sessionID string) {
	ac.changes = append(ac.changes, Change{Kind: kind, SessionID: sessionID})
}

// after defers a side effect (transport call) until the lock is released.
func (ac *applyCtx) after(fn func()) {
	ac.deferred = append(ac.deferred, fn)
}

// dedupe collapses repeated (kind, session) pairs, keeping first-seen
// order.
func (ac *applyCtx) dedupe() []Change {
	seen := make(map[string]struct{}, len(ac.changes))
	out := ac.changes[:0]
	for _, c := range ac.changes {
		key := string(c.Kind) + "|" + c.SessionID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// finish dispatches a completed batch: observers first, then deferred
// transport work. Must be called after the engine lock is released.
func (e *Engine) finish(ac *applyCtx) {
	if ac == nil {
		return
	}
	changes := ac.dedupe()
	if len(changes) > 0 {
		for i := range changes {
			changes[i].Seq = e.seq.Add(1)
		}
		e.obsMu.RLock()
		obs := make([]func(Change), 0, len(e.observers))
		for _, fn := range e.observers {
			obs = append(obs, fn)
		}
		e.obsMu.RUnlock()
		for _, fn := range obs {
			for _, c := range changes {
				notifyOne(fn, c)
			}
		}
	}
	for _, fn := range ac.deferred {
		fn()
	}
}

func notifyOne(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("engine: observer callback panic",
				logger.FieldError, r,
				logger.FieldEventType, string(c.Kind))
		}
	}()
	fn(c)
}

// ========================================
// 事件入口
// ========================================

// HandleRaw parses and applies one raw gateway frame. Malformed frames
// are logged and dropped; they never disturb session state.
func (e *Engine) HandleRaw(raw []byte) {
	ev, err := ParseEvent(raw)
	if err != nil {
		logger.Warn("engine: dropped malformed event frame",
			logger.FieldError, err,
			logger.FieldDataLen, len(raw))
		return
	}
	e.HandleEvent(ev)
}

// HandleEvent applies one parsed event.
func (e *Engine) HandleEvent(ev Event) {
	ac := newApplyCtx()
	e.mu.Lock()
	e.applyEventLocked(ev, ac)
	e.mu.Unlock()
	e.finish(ac)
}

func (e *Engine) applyEventLocked(ev Event, ac *applyCtx) {
	now := e.clock.Now()

	if ev.Type == EventAuthStatus {
		var p AuthStatusPayload
		if err := decodePayload(ev, &p); err != nil {
			logger.Warn("engine: unparseable auth_status event",
				logger.FieldError, err)
			return
		}
		e.auth = AuthStatus{
			Authenticated: p.Authenticated,
			Method:        p.Method,
			Error:         p.Error,
			UpdatedAt:     now,
		}
		ac.emit(ChangeAuth, "")
		return
	}

	if ev.UISessionID == "" {
		logger.Warn("engine: dropped event without uiSessionId",
			logger.FieldEventType, string(ev.Type))
		return
	}

	rt := e.ensureSessionLocked(ev.UISessionID, ac)
	subtype, summary := summarizeEvent(ev)
	e.timeline.Append(ev.UISessionID, now, string(ev.Type), subtype, summary)
	ac.emit(ChangeTimeline, ev.UISessionID)

	h, ok := e.handlers[ev.Type]
	if !ok {
		// Unknown event types stay visible in the timeline but change
		// nothing else.
		logger.Debug("engine: ignoring unknown event type",
			logger.FieldSessionID, ev.UISessionID,
			logger.FieldEventType, string(ev.Type))
		return
	}
	h(ev, rt, ac)
}

// onThrottleTimer is the aggregator's deferred-flush entry; it fires on
// a timer goroutine and re-enters through the lock.
func (e *Engine) onThrottleTimer(sessionID string) {
	ac := newApplyCtx()
	e.mu.Lock()
	if rt, ok := e.sessions[sessionID]; ok {
		e.publishPendingLocked(rt, ac)
	} else {
		e.agg.drop(sessionID)
	}
	e.mu.Unlock()
	e.finish(ac)
}

// ensureSessionLocked returns the session runtime, creating and
// registering it on first contact.
func (e *Engine) ensureSessionLocked(sessionID string, ac *applyCtx) *sessionRuntime {
	rt, ok := e.sessions[sessionID]
	if ok {
		return rt
	}
	rt = newSessionRuntime(sessionID)
	rt.lastActivity = e.clock.Now()
	e.sessions[sessionID] = rt
	e.store.touch(sessionID)
	if evicted := e.store.evict(); len(evicted) > 0 {
		e.dropEvictedLocked(evicted, ac)
	}
	ac.emit(ChangeSessions, "")
	return rt
}

// dropEvictedLocked cleans up after the store evicted cold sessions.
// The runtime and timeline survive eviction; only the ledger is gone
// until the session is rehydrated from the archive.
func (e *Engine) dropEvictedLocked(evicted []string, ac *applyCtx) {
	for _, id := range evicted {
		e.agg.drop(id)
		logger.Info("engine: session message cache evicted",
			logger.FieldSessionID, id,
			logger.FieldCount, e.store.Len())
		ac.emit(ChangeMessages, id)
	}
	ac.emit(ChangeSessions, "")
}

// ========================================
// 用户操作
// ========================================

// SendMessage dispatches a prompt, or queues it when the session is
// mid-run. Returns whether the message was queued. Transport failures
// surface asynchronously as system messages, not as the return error.
func (e *Engine) SendMessage(sessionID, text string, attachments []Attachment) (queued bool, err error) {
	const op = "Engine.SendMessage"
	if sessionID == "" {
		return false, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "session id is empty")
	}
	if strings.TrimSpace(text) == "" {
		return false, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "message text is empty")
	}

	ac := newApplyCtx()
	e.mu.Lock()
	rt := e.ensureSessionLocked(sessionID, ac)
	if rt.runActive || rt.openTurn != nil {
		e.localCounter++
		qm := QueuedMessage{
			ID:          fmt.Sprintf("queued-%d", e.localCounter),
			SessionID:   sessionID,
			Text:        text,
			Attachments: attachments,
			QueuedAt:    e.clock.Now(),
		}
		depth := e.queue.Enqueue(qm)
		ac.emit(ChangeQueue, sessionID)
		e.mu.Unlock()
		logger.Info("engine: session busy, message queued",
			logger.FieldSessionID, sessionID,
			logger.FieldQueueLen, depth)
		e.finish(ac)
		return true, nil
	}
	e.beginSendLocked(rt, SendRequest{
		SessionID:   sessionID,
		Text:        text,
		Attachments: attachments,
	}, ac)
	e.mu.Unlock()
	e.finish(ac)
	return false, nil
}

// AbortSession stops the in-flight run: streamed partial content is
// abandoned, a synthetic "Request stopped" note lands in the ledger, and
// the session settles idle. Calling with nothing running is a no-op.
func (e *Engine) AbortSession(sessionID string) error {
	ac := newApplyCtx()
	e.mu.Lock()
	rt, ok := e.sessions[sessionID]
	if !ok || (rt.openTurn == nil && !rt.runActive) {
		e.mu.Unlock()
		return nil
	}
	e.closeTurnLocked(rt, false, ac)
	rt.runActive = false
	rt.awaitingInput = false
	rt.pendingPermission = nil
	e.store.setBusy(sessionID, false)
	e.appendSystemLocked(rt, "Request stopped", false, ac)
	if e.store.FinalizeAll(sessionID) > 0 {
		ac.emit(ChangeMessages, sessionID)
	}
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeStatus, sessionID)
	e.drainQueueLocked(rt, ac)
	t := e.transport
	e.mu.Unlock()

	// The backend abort goes out before any queued follow-up, so it can
	// only hit the run being stopped.
	if t != nil {
		if err := t.Abort(sessionID); err != nil {
			logger.Warn("engine: abort request failed",
				logger.FieldSessionID, sessionID,
				logger.FieldError, err)
		}
	}
	e.finish(ac)
	return nil
}

// Focus switches the foreground session. The focused session is pinned
// against cache eviction; the transport attaches to it for live events.
func (e *Engine) Focus(sessionID string) {
	ac := newApplyCtx()
	e.mu.Lock()
	if e.focusedID == sessionID {
		e.mu.Unlock()
		return
	}
	if e.focusedID != "" {
		e.store.setPinned(e.focusedID, false)
	}
	e.focusedID = sessionID
	if sessionID != "" {
		e.ensureSessionLocked(sessionID, ac)
		e.store.setPinned(sessionID, true)
	}
	ac.emit(ChangeSessions, "")
	t := e.transport
	e.mu.Unlock()
	e.finish(ac)

	if t != nil && sessionID != "" {
		if err := t.Attach(sessionID); err != nil {
			logger.Warn("engine: session attach failed",
				logger.FieldSessionID, sessionID,
				logger.FieldError, err)
		}
	}
}

// MarkSeen clears the unread flag, and only for the focused session; a
// backgrounded session keeps its badge no matter how the call races a
// focus switch.
func (e *Engine) MarkSeen(sessionID string) {
	ac := newApplyCtx()
	e.mu.Lock()
	if sessionID != "" && sessionID == e.focusedID {
		if rt, ok := e.sessions[sessionID]; ok && rt.hasUnread {
			rt.hasUnread = false
			ac.emit(ChangeStatus, sessionID)
		}
	}
	e.mu.Unlock()
	e.finish(ac)
}

// RespondPermission answers a pending tool-permission prompt.
func (e *Engine) RespondPermission(sessionID, requestID string, allow bool) error {
	const op = "Engine.RespondPermission"
	ac := newApplyCtx()
	e.mu.Lock()
	rt, ok := e.sessions[sessionID]
	if !ok || rt.pendingPermission == nil || rt.pendingPermission.RequestID != requestID {
		e.mu.Unlock()
		return pkgerr.Wrapf(pkgerr.ErrNotFound, op, "no pending permission %s", requestID)
	}
	rt.pendingPermission = nil
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeStatus, sessionID)
	t := e.transport
	e.mu.Unlock()
	e.finish(ac)

	if t == nil {
		return pkgerr.Wrap(pkgerr.ErrConnClosed, op, "no gateway connection")
	}
	if err := t.RespondPermission(sessionID, requestID, allow); err != nil {
		return pkgerr.Wrap(err, op, "deliver permission response")
	}
	return nil
}

// CancelQueued removes one not-yet-sent queued message.
func (e *Engine) CancelQueued(sessionID, queuedID string) bool {
	ac := newApplyCtx()
	e.mu.Lock()
	ok := e.queue.Cancel(sessionID, queuedID)
	if ok {
		ac.emit(ChangeQueue, sessionID)
	}
	e.mu.Unlock()
	e.finish(ac)
	return ok
}

// Reconcile aligns engine state with the backend's active-session poll.
func (e *Engine) Reconcile(active []ActiveSession) {
	ac := newApplyCtx()
	e.mu.Lock()
	e.reconcileActiveLocked(active, ac)
	e.mu.Unlock()
	e.finish(ac)
}

// DeleteSession forgets a session entirely. A pending permission prompt
// is denied on the way out so the backend is never left hanging.
func (e *Engine) DeleteSession(sessionID string) {
	ac := newApplyCtx()
	e.mu.Lock()
	rt, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	pending := rt.pendingPermission
	delete(e.sessions, sessionID)
	e.store.Delete(sessionID)
	e.queue.Drop(sessionID)
	e.timeline.Drop(sessionID)
	e.agg.drop(sessionID)
	if e.focusedID == sessionID {
		e.focusedID = ""
	}
	ac.emit(ChangeSessions, "")
	t := e.transport
	e.mu.Unlock()
	e.finish(ac)

	if pending != nil && t != nil {
		if err := t.RespondPermission(sessionID, pending.RequestID, false); err != nil {
			logger.Warn("engine: denying pending permission on delete failed",
				logger.FieldSessionID, sessionID,
				logger.FieldError, err)
		}
	}
}

// ========================================
// 历史水合 (归档 → 内存账本)
// ========================================

// SetMessages replaces a session's ledger with persisted history.
func (e *Engine) SetMessages(sessionID string, msgs []Message, total int, hasMore bool) {
	ac := newApplyCtx()
	e.mu.Lock()
	e.ensureSessionLocked(sessionID, ac)
	stamped := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Timestamp = nowStamp(m.Timestamp, e.clock)
		stamped[i] = m
	}
	if evicted := e.store.SetAll(sessionID, stamped, total, hasMore); len(evicted) > 0 {
		e.dropEvictedLocked(evicted, ac)
	}
	ac.emit(ChangeMessages, sessionID)
	e.mu.Unlock()
	e.finish(ac)
}

// PrependMessages inserts an older history page at the front,
// de-duplicated against what is already loaded.
func (e *Engine) PrependMessages(sessionID string, older []Message, hasMore bool) {
	ac := newApplyCtx()
	e.mu.Lock()
	if e.store.Has(sessionID) {
		stamped := make([]Message, len(older))
		for i, m := range older {
			m.Timestamp = nowStamp(m.Timestamp, e.clock)
			stamped[i] = m
		}
		e.store.PrependOlder(sessionID, stamped, hasMore)
		ac.emit(ChangeMessages, sessionID)
	}
	e.mu.Unlock()
	e.finish(ac)
}

// SetLoadingMore toggles the pagination in-flight flag.
func (e *Engine) SetLoadingMore(sessionID string, loading bool) {
	ac := newApplyCtx()
	e.mu.Lock()
	if e.store.Has(sessionID) {
		e.store.SetLoadingMore(sessionID, loading)
		ac.emit(ChangeMessages, sessionID)
	}
	e.mu.Unlock()
	e.finish(ac)
}

// ========================================
// 快照读取 (深拷贝, 解锁后可自由持有)
// ========================================

// Messages returns a deep copy of a session's ledger.
func (e *Engine) Messages(sessionID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.store.Messages(sessionID))
}

// Status reports one session's derived status.
func (e *Engine) Status(sessionID string) (SessionStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.sessions[sessionID]
	if !ok {
		return SessionStatus{}, false
	}
	return statusSnapshot(rt), true
}

// Sessions lists all tracked sessions, most recently active first.
func (e *Engine) Sessions() []SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SessionSummary, 0, len(e.sessions))
	for id, rt := range e.sessions {
		out = append(out, SessionSummary{
			SessionID:    id,
			ProjectID:    rt.projectID,
			Model:        rt.model,
			Status:       deriveStatus(rt),
			LastActivity: rt.lastActivity,
			Unread:       rt.hasUnread,
			MessageCount: len(e.store.Messages(id)),
			QueueLength:  e.queue.Len(id),
			Usage:        rt.usage,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// PendingPermission returns the session's pending prompt, if any.
func (e *Engine) PendingPermission(sessionID string) (PermissionRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.sessions[sessionID]
	if !ok || rt.pendingPermission == nil {
		return PermissionRequest{}, false
	}
	p := *rt.pendingPermission
	p.Input = maps.Clone(p.Input)
	return p, true
}

// Queue returns a copy of the session's pending outbound messages.
func (e *Engine) Queue(sessionID string) []QueuedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Snapshot(sessionID)
}

// Timeline returns a copy of the session's diagnostic event log.
func (e *Engine) Timeline(sessionID string) []TimelineEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeline.Snapshot(sessionID)
}

// Pagination reports the session's history-loading state.
func (e *Engine) Pagination(sessionID string) PaginationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Pagination(sessionID)
}

// Auth reports the gateway-level authentication snapshot.
func (e *Engine) Auth() AuthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auth
}

// Focused reports the foreground session id, empty when none.
func (e *Engine) Focused() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focusedID
}

// OpenTurn returns a copy of the session's streaming turn, if one is
// open. Builders stay behind the lock; the copy carries only published
// state.
func (e *Engine) OpenTurn(sessionID string) (Turn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.sessions[sessionID]
	if !ok || rt.openTurn == nil {
		return Turn{}, false
	}
	t := *rt.openTurn
	steps := make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		s.builder = nil
		s.Block = cloneBlock(s.Block)
		steps[i] = s
	}
	t.Steps = steps
	return t, true
}

// ========================================
// 深拷贝助手
// ========================================

func cloneBlock(b ContentBlock) ContentBlock {
	b.ParsedArgs = maps.Clone(b.ParsedArgs)
	return b
}

func cloneMessages(list []Message) []Message {
	if len(list) == 0 {
		return nil
	}
	out := make([]Message, len(list))
	for i, m := range list {
		if len(m.Content) > 0 {
			blocks := make([]ContentBlock, len(m.Content))
			for j, b := range m.Content {
				blocks[j] = cloneBlock(b)
			}
			m.Content = blocks
		}
		out[i] = m
	}
	return out
}
