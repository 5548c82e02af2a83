// throttle.go — 增量节流聚合器。
//
// 每会话维护三段待发布缓冲 (text / thinking / tool-json)。距上次发布
// 已满一个间隔则立即发布，否则挂一个补发定时器。保证: 字符零丢失，
// 最坏发布延迟为一个间隔, 空闲足够久时即时发布。
package engine

import (
	"strings"
	"time"
)

// DefaultThrottleInterval bounds how often streamed partials publish.
const DefaultThrottleInterval = 500 * time.Millisecond

// aggState is one session's pending-but-unpublished delta buffers.
type aggState struct {
	pendingText     strings.Builder
	pendingThinking strings.Builder
	pendingJSON     strings.Builder
	lastPublish     time.Time
	timer           Timer
}

func (st *aggState) empty() bool {
	return st.pendingText.Len() == 0 &&
		st.pendingThinking.Len() == 0 &&
		st.pendingJSON.Len() == 0
}

// aggregator coalesces high-frequency deltas into periodic publishes.
// All methods run under the engine lock; onTimer re-enters through the
// engine so a fired timer also flushes under the lock.
type aggregator struct {
	interval time.Duration
	clock    Clock
	sessions map[string]*aggState

	// onTimer is invoked off-lock when a scheduled flush fires; the
	// engine points it at a lock-then-flush entry.
	onTimer func(sessionID string)
}

func newAggregator(interval time.Duration, clock Clock) *aggregator {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &aggregator{
		interval: interval,
		clock:    clock,
		sessions: map[string]*aggState{},
	}
}

func (a *aggregator) state(sessionID string) *aggState {
	st, ok := a.sessions[sessionID]
	if !ok {
		st = &aggState{}
		a.sessions[sessionID] = st
	}
	return st
}

// add buffers one fragment and reports whether the caller should
// publish immediately (interval already elapsed). Otherwise a timer is
// scheduled for the remainder if none is pending.
func (a *aggregator) add(sessionID string, d WireDelta) (publishNow bool) {
	st := a.state(sessionID)
	switch d.Type {
	case DeltaText:
		st.pendingText.WriteString(d.Text)
	case DeltaThinking:
		st.pendingThinking.WriteString(d.Thinking)
	case DeltaInputJSON:
		st.pendingJSON.WriteString(d.PartialJSON)
	default:
		return false
	}

	now := a.clock.Now()
	elapsed := now.Sub(st.lastPublish)
	if elapsed >= a.interval {
		return true
	}
	if st.timer == nil {
		id := sessionID
		st.timer = a.clock.AfterFunc(a.interval-elapsed, func() {
			if a.onTimer != nil {
				a.onTimer(id)
			}
		})
	}
	return false
}

// flush consumes pending buffers and stamps the publish time. Empty
// pending state is a no-op, which makes redundant flushes (turn stop
// racing a fired timer) idempotent by construction.
func (a *aggregator) flush(sessionID string) (text, thinking, argsJSON string, ok bool) {
	st, exists := a.sessions[sessionID]
	if !exists {
		return "", "", "", false
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.empty() {
		return "", "", "", false
	}
	text = st.pendingText.String()
	thinking = st.pendingThinking.String()
	argsJSON = st.pendingJSON.String()
	st.pendingText.Reset()
	st.pendingThinking.Reset()
	st.pendingJSON.Reset()
	st.lastPublish = a.clock.Now()
	return text, thinking, argsJSON, true
}

// drop discards a session's buffers and cancels its timer.
func (a *aggregator) drop(sessionID string) {
	st, exists := a.sessions[sessionID]
	if !exists {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(a.sessions, sessionID)
}
