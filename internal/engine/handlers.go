// handlers.go — 信封级事件处理 (system/assistant/user/result/error/...)。
package engine

import (
	"fmt"

	"github.com/navihq/navi-desk/pkg/logger"
)

func (e *Engine) eventHandlers() map[EventType]func(Event, *sessionRuntime, *applyCtx) {
	return map[EventType]func(Event, *sessionRuntime, *applyCtx){
		EventSystem:            e.handleSystem,
		EventAssistant:         e.handleAssistant,
		EventUser:              e.handleUser,
		EventResult:            e.handleResult,
		EventError:             e.handleError,
		EventStream:            e.handleStream,
		EventToolProgress:      e.handleToolProgress,
		EventPermissionRequest: e.handlePermission,
	}
}

func (e *Engine) handleStream(ev Event, rt *sessionRuntime, ac *applyCtx) {
	e.handleStreamEvent(ev, rt, ac)
}

// handleSystem reacts to agent lifecycle notices. init marks the run as
// live and records the model; awaiting_input flips the session into the
// "agent asked a question" state.
func (e *Engine) handleSystem(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p SystemPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: unparseable system event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
		return
	}
	switch p.Subtype {
	case SystemInit:
		rt.runActive = true
		if p.ProjectID != "" {
			rt.projectID = p.ProjectID
		}
		if p.Model != "" {
			rt.model = p.Model
		}
	case SystemAwaitingInput:
		rt.awaitingInput = true
		if p.Message != "" {
			e.appendSystemLocked(rt, p.Message, false, ac)
		}
	default:
		if p.Message != "" {
			e.appendSystemLocked(rt, p.Message, false, ac)
		}
	}
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeStatus, rt.sessionID)
}

// handleAssistant applies a complete assistant envelope. It lands through
// ReplaceTail so the authoritative copy supersedes the streamed tail
// instead of duplicating it, and consecutive envelopes sharing one
// parentToolUseId merge into a single message.
func (e *Engine) handleAssistant(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p AssistantPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: unparseable assistant event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
		return
	}
	blocks := make([]ContentBlock, 0, len(p.Message.Content))
	for _, wire := range p.Message.Content {
		blocks = append(blocks, wireToBlock(wire))
	}
	msg := Message{
		ID:              p.Message.ID,
		Role:            RoleAssistant,
		Content:         blocks,
		Timestamp:       e.clock.Now(),
		ParentToolUseID: p.ParentToolUseID,
	}
	if evicted := e.store.ReplaceTail(rt.sessionID, msg); len(evicted) > 0 {
		e.dropEvictedLocked(evicted, ac)
	}
	rt.runActive = true
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeMessages, rt.sessionID)
	ac.emit(ChangeStatus, rt.sessionID)
}

// handleUser covers two shapes: tool_result echoes produced by the agent
// loop, and plain-text echoes of what the user sent. A text echo matching
// the optimistic local message confirms it instead of appending a twin.
func (e *Engine) handleUser(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p UserPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: unparseable user event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
		return
	}
	text, results := decodeUserContent(p.Message.Content)

	if len(results) > 0 {
		blocks := make([]ContentBlock, 0, len(results))
		for _, r := range results {
			blocks = append(blocks, ContentBlock{
				Kind:      BlockToolResult,
				ToolUseID: r.ToolUseID,
				Text:      r.resultText(),
				IsError:   r.IsError,
			})
		}
		msg := Message{
			ID:              p.Message.ID,
			Role:            RoleUser,
			Content:         blocks,
			Timestamp:       e.clock.Now(),
			ParentToolUseID: p.ParentToolUseID,
		}
		if evicted := e.store.ReplaceTail(rt.sessionID, msg); len(evicted) > 0 {
			e.dropEvictedLocked(evicted, ac)
		}
		ac.emit(ChangeMessages, rt.sessionID)
		rt.lastActivity = e.clock.Now()
		return
	}

	if text != "" {
		if e.store.ConfirmUserEcho(rt.sessionID, text, p.Message.ID) {
			ac.emit(ChangeMessages, rt.sessionID)
			rt.lastActivity = e.clock.Now()
			return
		}
		msg := Message{
			ID:        p.Message.ID,
			Role:      RoleUser,
			RawText:   text,
			Timestamp: e.clock.Now(),
			IsFinal:   true,
		}
		if evicted := e.store.Append(rt.sessionID, msg); len(evicted) > 0 {
			e.dropEvictedLocked(evicted, ac)
		}
		ac.emit(ChangeMessages, rt.sessionID)
		rt.lastActivity = e.clock.Now()
	}
}

// handleResult settles the run. Token usage accumulates per session, an
// error result surfaces as a system message, and the idle transition may
// release one queued message.
func (e *Engine) handleResult(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p ResultPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: unparseable result event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
	}
	if p.Usage != nil {
		rt.usage.InputTokens += p.Usage.InputTokens
		rt.usage.OutputTokens += p.Usage.OutputTokens
		rt.usage.CacheReadTokens += p.Usage.CacheReadTokens
	}
	if p.IsError {
		text := p.Result
		if text == "" {
			text = fmt.Sprintf("Run failed (%s)", p.Subtype)
		}
		e.appendSystemLocked(rt, text, true, ac)
	}
	e.settleRunLocked(rt, true, ac)
}

// handleError is a hard failure from the gateway or agent process.
func (e *Engine) handleError(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p ErrorPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: unparseable error event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
	}
	text := p.Message
	if text == "" {
		text = "Agent reported an error"
	}
	e.appendSystemLocked(rt, text, true, ac)
	e.settleRunLocked(rt, true, ac)
}

// handleToolProgress annotates the matching tool_use block in place. The
// tool may still be streaming (open step) or already committed to the
// store tail; both locations are patched.
func (e *Engine) handleToolProgress(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p ToolProgressPayload
	if err := decodePayload(ev, &p); err != nil || p.ToolUseID == "" {
		return
	}
	note := p.Note
	if note == "" && p.Elapsed > 0 {
		note = fmt.Sprintf("running %ds", p.Elapsed/1000)
	}
	changed := false
	if turn := rt.openTurn; turn != nil {
		for i := range turn.Steps {
			step := &turn.Steps[i]
			if step.Kind == BlockToolUse && step.toolUseID() == p.ToolUseID {
				step.Block.Progress = note
				changed = true
			}
		}
		if changed {
			e.commitStreamingLocked(rt, ac)
		}
	}
	if e.store.PatchToolProgress(rt.sessionID, p.ToolUseID, note) {
		changed = true
		ac.emit(ChangeMessages, rt.sessionID)
	}
	if changed {
		rt.lastActivity = e.clock.Now()
	}
}

// handlePermission parks the request on the session; status derivation
// puts permission above everything else.
func (e *Engine) handlePermission(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p PermissionPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: unparseable permission_request event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
		return
	}
	rt.pendingPermission = &PermissionRequest{
		RequestID:  p.RequestID,
		ToolName:   p.ToolName,
		Input:      p.Input,
		ReceivedAt: e.clock.Now(),
	}
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeStatus, rt.sessionID)
}

// ========================================
// shared helpers
// ========================================

// settleRunLocked is the single idle transition. Every path that ends a
// run funnels through here: close the turn, freeze the ledger tail, mark
// unread for backgrounded sessions, and release at most one queued
// message.
func (e *Engine) settleRunLocked(rt *sessionRuntime, markUnread bool, ac *applyCtx) {
	e.closeTurnLocked(rt, true, ac)
	rt.runActive = false
	rt.awaitingInput = false
	rt.pendingPermission = nil
	e.store.setBusy(rt.sessionID, false)
	if e.store.FinalizeAll(rt.sessionID) > 0 {
		ac.emit(ChangeMessages, rt.sessionID)
	}
	if markUnread && e.focusedID != rt.sessionID {
		rt.hasUnread = true
	}
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeStatus, rt.sessionID)
	e.drainQueueLocked(rt, ac)
}

// drainQueueLocked releases exactly one queued message on an idle
// transition. The session turns busy again immediately, so a burst of
// queued messages leaves in strict FIFO order, one per settle.
func (e *Engine) drainQueueLocked(rt *sessionRuntime, ac *applyCtx) {
	qm, ok := e.queue.DequeueOne(rt.sessionID)
	if !ok {
		return
	}
	ac.emit(ChangeQueue, rt.sessionID)
	e.beginSendLocked(rt, SendRequest{
		SessionID:   qm.SessionID,
		Text:        qm.Text,
		Attachments: qm.Attachments,
	}, ac)
}

// beginSendLocked applies the optimistic local state for an outbound
// message and defers the transport write until after unlock.
func (e *Engine) beginSendLocked(rt *sessionRuntime, req SendRequest, ac *applyCtx) {
	e.localCounter++
	msg := Message{
		ID:        fmt.Sprintf("local-%d", e.localCounter),
		Role:      RoleUser,
		RawText:   req.Text,
		Timestamp: e.clock.Now(),
	}
	if evicted := e.store.Append(rt.sessionID, msg); len(evicted) > 0 {
		e.dropEvictedLocked(evicted, ac)
	}
	rt.runActive = true
	rt.awaitingInput = false
	rt.lastActivity = e.clock.Now()
	ac.emit(ChangeMessages, rt.sessionID)
	ac.emit(ChangeStatus, rt.sessionID)

	transport := e.transport
	sessionID := rt.sessionID
	ac.after(func() {
		if transport == nil {
			e.failSend(sessionID, "no gateway connection")
			return
		}
		if err := transport.Send(req); err != nil {
			logger.Error("engine: send message failed",
				logger.FieldSessionID, sessionID,
				logger.FieldError, err)
			e.failSend(sessionID, err.Error())
		}
	})
}

// failSend surfaces a transport failure. The message is NOT re-queued; the
// failure note tells the user what to resend.
func (e *Engine) failSend(sessionID, reason string) {
	ac := newApplyCtx()
	e.mu.Lock()
	if rt, ok := e.sessions[sessionID]; ok {
		e.appendSystemLocked(rt, fmt.Sprintf("Failed to send message: %s", reason), true, ac)
		rt.runActive = false
		ac.emit(ChangeStatus, sessionID)
	}
	e.mu.Unlock()
	e.finish(ac)
}

// appendSystemLocked adds a synthetic system-role message to the ledger.
func (e *Engine) appendSystemLocked(rt *sessionRuntime, text string, failure bool, ac *applyCtx) {
	e.localCounter++
	msg := Message{
		ID:        fmt.Sprintf("sys-%d", e.localCounter),
		Role:      RoleSystem,
		RawText:   text,
		Timestamp: e.clock.Now(),
		IsFinal:   true,
		IsFailure: failure,
	}
	if evicted := e.store.Append(rt.sessionID, msg); len(evicted) > 0 {
		e.dropEvictedLocked(evicted, ac)
	}
	ac.emit(ChangeMessages, rt.sessionID)
}

// wireToBlock converts an envelope content block to the ledger form.
// Tool input arrives as structured JSON here, not as a partial string, so
// it goes through the same parse-or-degrade gate as streamed blocks.
func wireToBlock(wire WireBlock) ContentBlock {
	switch BlockKind(wire.Type) {
	case BlockToolUse:
		parsed, degraded := parseToolArgs(string(wire.Input))
		return ContentBlock{
			Kind:       BlockToolUse,
			ToolName:   wire.Name,
			ToolUseID:  wire.ID,
			ArgsJSON:   string(wire.Input),
			ParsedArgs: parsed,
			Degraded:   degraded,
		}
	case BlockThinking:
		return ContentBlock{Kind: BlockThinking, Text: wire.Thinking}
	default:
		return ContentBlock{Kind: BlockText, Text: wire.Text}
	}
}
