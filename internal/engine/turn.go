// turn.go — stream_event 子事件处理: turn/step 状态机。
package engine

import (
	"fmt"

	"github.com/navihq/navi-desk/pkg/logger"
)

// ========================================
// Stream sub-event dispatch
// ========================================

func (e *Engine) streamHandlers() map[string]func(*sessionRuntime, StreamPayload, *applyCtx) {
	return map[string]func(*sessionRuntime, StreamPayload, *applyCtx){
		StreamMessageStart:      e.onMessageStart,
		StreamContentBlockStart: e.onBlockStart,
		StreamContentBlockDelta: e.onBlockDelta,
		StreamContentBlockStop:  e.onBlockStop,
		StreamMessageDelta:      e.onMessageDelta,
		StreamMessageStop:       e.onMessageStop,
	}
}

func (e *Engine) handleStreamEvent(ev Event, rt *sessionRuntime, ac *applyCtx) {
	var p StreamPayload
	if err := decodePayload(ev, &p); err != nil {
		logger.Warn("engine: dropped unparseable stream_event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldError, err)
		return
	}
	h, ok := e.stream[p.Event.Type]
	if !ok {
		// Unknown sub-events are recorded in the timeline but change no state.
		logger.Debug("engine: ignoring unknown stream sub-event",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldEventType, p.Event.Type)
		return
	}
	h(rt, p, ac)
	rt.lastActivity = e.clock.Now()
}

// ========================================
// message lifecycle
// ========================================

// onMessageStart opens a fresh turn. A message_start arriving while a turn
// is already streaming is a protocol violation from the agent process; the
// stale turn is force-closed with whatever content it holds so the ledger
// never carries two open turns.
func (e *Engine) onMessageStart(rt *sessionRuntime, p StreamPayload, ac *applyCtx) {
	if rt.openTurn != nil {
		logger.Warn("engine: duplicate message_start, force-closing previous turn",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldTurnID, rt.openTurn.ID)
		e.closeTurnLocked(rt, true, ac)
	}

	rt.turnCounter++
	id := ""
	if p.Event.Message != nil {
		id = p.Event.Message.ID
	}
	if id == "" {
		id = fmt.Sprintf("turn-%s-%d", rt.sessionID, rt.turnCounter)
	}
	rt.openTurn = &Turn{
		ID:              id,
		SessionID:       rt.sessionID,
		State:           TurnStreaming,
		ParentToolUseID: p.ParentToolUseID,
		StartedAt:       e.clock.Now(),
		openStepIndex:   -1,
	}
	rt.runActive = true
	e.store.setBusy(rt.sessionID, true)

	// Seed the in-flight assistant message so the UI has a row to render
	// into before the first block arrives.
	e.commitStreamingLocked(rt, ac)
	ac.emit(ChangeStatus, rt.sessionID)
}

// onMessageStop completes the open turn: remaining throttled text is
// published, a still-open step is closed, and the turn's blocks become the
// session's tail assistant message. The run itself stays active until a
// result event settles it, since tool execution follows message_stop.
func (e *Engine) onMessageStop(rt *sessionRuntime, _ StreamPayload, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil {
		logger.Warn("engine: message_stop without an open turn",
			logger.FieldSessionID, rt.sessionID)
		return
	}
	e.closeTurnLocked(rt, true, ac)
	ac.emit(ChangeStatus, rt.sessionID)
}

// onMessageDelta carries top-level metadata (stop_reason, usage). Pending
// text is flushed so the published view is current when the turn winds down.
func (e *Engine) onMessageDelta(rt *sessionRuntime, p StreamPayload, ac *applyCtx) {
	e.publishPendingLocked(rt, ac)
	if p.Event.Usage != nil {
		rt.usage.InputTokens += p.Event.Usage.InputTokens
		rt.usage.OutputTokens += p.Event.Usage.OutputTokens
		rt.usage.CacheReadTokens += p.Event.Usage.CacheReadTokens
	}
}

// ========================================
// content block lifecycle
// ========================================

func (e *Engine) onBlockStart(rt *sessionRuntime, p StreamPayload, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil {
		logger.Warn("engine: dropped orphan content_block_start",
			logger.FieldSessionID, rt.sessionID)
		return
	}
	if turn.openStepIndex >= 0 {
		// The agent never interleaves blocks; an unclosed predecessor means
		// we missed its stop. Close it with what we have.
		logger.Warn("engine: content_block_start with previous step still open",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldStepIndex, turn.openStepIndex)
		e.closeStepLocked(rt, ac)
	}

	var wire WireBlock
	if p.Event.ContentBlock != nil {
		wire = *p.Event.ContentBlock
	}
	builder := newBlockBuilder(wire)
	step := Step{
		Index:         len(turn.Steps),
		State:         StepOpen,
		Kind:          builder.kind,
		PublishedText: wire.Text,
		builder:       builder,
	}
	turn.Steps = append(turn.Steps, step)
	turn.openStepIndex = step.Index
	e.commitStreamingLocked(rt, ac)
}

// onBlockDelta feeds the open step. The full text always lands in the
// builder; the published view only advances when the aggregator decides
// the interval has elapsed.
func (e *Engine) onBlockDelta(rt *sessionRuntime, p StreamPayload, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil || turn.openStepIndex < 0 {
		logger.Warn("engine: dropped content_block_delta with no open step",
			logger.FieldSessionID, rt.sessionID)
		return
	}
	if p.Event.Delta == nil {
		return
	}
	delta := *p.Event.Delta
	turn.Steps[turn.openStepIndex].builder.appendDelta(delta)
	if e.agg.add(rt.sessionID, delta) {
		e.publishPendingLocked(rt, ac)
	}
}

// onBlockStop publishes whatever is pending, then seals the step.
func (e *Engine) onBlockStop(rt *sessionRuntime, _ StreamPayload, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil || turn.openStepIndex < 0 {
		logger.Warn("engine: dropped content_block_stop with no open step",
			logger.FieldSessionID, rt.sessionID)
		return
	}
	e.publishPendingLocked(rt, ac)
	e.closeStepLocked(rt, ac)
}

// closeStepLocked finalizes the open step. Tool argument JSON is parsed
// here exactly once; a parse failure degrades the block instead of failing
// the session.
func (e *Engine) closeStepLocked(rt *sessionRuntime, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil || turn.openStepIndex < 0 {
		return
	}
	step := &turn.Steps[turn.openStepIndex]
	block := step.builder.finalize()
	block.Progress = step.Block.Progress
	step.Block = block
	step.State = StepClosed
	step.PublishedText = step.builder.accumulated()
	if block.Degraded {
		logger.Warn("engine: tool args JSON parse failed, block degraded",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldToolName, block.ToolName,
			logger.FieldStepIndex, step.Index)
	}
	turn.openStepIndex = -1
	e.commitStreamingLocked(rt, ac)
}

// ========================================
// turn close / publish
// ========================================

// closeTurnLocked ends the open turn. With commit=true the accumulated
// steps stay in the store as the turn's assistant message; with
// commit=false (abort) the in-flight message is removed outright.
func (e *Engine) closeTurnLocked(rt *sessionRuntime, commit bool, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil {
		return
	}
	if commit {
		e.publishPendingLocked(rt, ac)
		e.closeStepLocked(rt, ac)
		turn.State = TurnCompleted
		e.commitStreamingLocked(rt, ac)
	} else {
		e.agg.drop(rt.sessionID)
		if e.store.AbandonLive(rt.sessionID, RoleAssistant, turn.ParentToolUseID) {
			ac.emit(ChangeMessages, rt.sessionID)
		}
	}
	rt.openTurn = nil
	if !rt.runActive {
		e.store.setBusy(rt.sessionID, false)
	}
}

// publishPendingLocked drains the aggregator into the open step's
// published view. Flushing with nothing pending is a no-op, so callers
// never have to check first.
func (e *Engine) publishPendingLocked(rt *sessionRuntime, ac *applyCtx) {
	text, thinking, argsJSON, ok := e.agg.flush(rt.sessionID)
	if !ok {
		return
	}
	turn := rt.openTurn
	if turn == nil || turn.openStepIndex < 0 {
		// Pending text with no live step means the producer died between
		// delta and stop. The full builder copy is already gone with it;
		// nothing to attach the fragment to.
		logger.Warn("engine: dropped pending deltas with nowhere to land",
			logger.FieldSessionID, rt.sessionID,
			logger.FieldLen, len(text)+len(thinking)+len(argsJSON))
		return
	}
	step := &turn.Steps[turn.openStepIndex]
	switch step.Kind {
	case BlockThinking:
		step.PublishedText += thinking
	case BlockToolUse:
		step.PublishedText += argsJSON
	default:
		step.PublishedText += text
	}
	e.commitStreamingLocked(rt, ac)
}

// commitStreamingLocked projects the open turn into the session's tail
// assistant message. Closed steps contribute their final blocks; the open
// step contributes only what has been published so far.
func (e *Engine) commitStreamingLocked(rt *sessionRuntime, ac *applyCtx) {
	turn := rt.openTurn
	if turn == nil {
		return
	}
	blocks := make([]ContentBlock, 0, len(turn.Steps))
	for i := range turn.Steps {
		step := &turn.Steps[i]
		if step.State == StepClosed {
			blocks = append(blocks, step.Block)
			continue
		}
		partial := ContentBlock{Kind: step.Kind, Progress: step.Block.Progress}
		switch step.Kind {
		case BlockToolUse:
			partial.ToolName = step.builder.toolName
			partial.ToolUseID = step.builder.toolUseID
			partial.ArgsJSON = step.PublishedText
		default:
			partial.Text = step.PublishedText
		}
		blocks = append(blocks, partial)
	}
	msg := Message{
		ID:              turn.ID,
		Role:            RoleAssistant,
		Content:         blocks,
		Timestamp:       turn.StartedAt,
		ParentToolUseID: turn.ParentToolUseID,
	}
	if evicted := e.store.ReplaceTail(rt.sessionID, msg); len(evicted) > 0 {
		e.dropEvictedLocked(evicted, ac)
	}
	ac.emit(ChangeMessages, rt.sessionID)
}
