package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerr "github.com/navihq/navi-desk/pkg/errors"
)

// ========================================
// 测试脚手架
// ========================================

type permCall struct {
	sessionID string
	requestID string
	allow     bool
}

type fakeTransport struct {
	mu       sync.Mutex
	attached []string
	sends    []SendRequest
	aborts   []string
	perms    []permCall
	sendErr  error
}

func (f *fakeTransport) Attach(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, sessionID)
	return nil
}

func (f *fakeTransport) Send(req SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, req)
	return nil
}

func (f *fakeTransport) Abort(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
	return nil
}

func (f *fakeTransport) RespondPermission(sessionID, requestID string, allow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms = append(f.perms, permCall{sessionID, requestID, allow})
	return nil
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.Text
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *fakeTransport) {
	t.Helper()
	clock := newFakeClock()
	e := New(Options{Clock: clock, ThrottleInterval: 500 * time.Millisecond, SessionCacheSize: 8})
	tr := &fakeTransport{}
	e.SetTransport(tr)
	return e, clock, tr
}

func feed(t *testing.T, e *Engine, raw string) {
	t.Helper()
	e.HandleRaw([]byte(raw))
}

func startTurn(t *testing.T, e *Engine, sid, msgID string) {
	feed(t, e, fmt.Sprintf(`{"type":"stream_event","uiSessionId":%q,"event":{"type":"message_start","message":{"id":%q}}}`, sid, msgID))
}

func startTextBlock(t *testing.T, e *Engine, sid string) {
	feed(t, e, fmt.Sprintf(`{"type":"stream_event","uiSessionId":%q,"event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`, sid))
}

func feedText(t *testing.T, e *Engine, sid, text string) {
	feed(t, e, fmt.Sprintf(`{"type":"stream_event","uiSessionId":%q,"event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}}`, sid, text))
}

func stopBlock(t *testing.T, e *Engine, sid string) {
	feed(t, e, fmt.Sprintf(`{"type":"stream_event","uiSessionId":%q,"event":{"type":"content_block_stop","index":0}}`, sid))
}

func stopMessage(t *testing.T, e *Engine, sid string) {
	feed(t, e, fmt.Sprintf(`{"type":"stream_event","uiSessionId":%q,"event":{"type":"message_stop"}}`, sid))
}

func feedResult(t *testing.T, e *Engine, sid string) {
	feed(t, e, fmt.Sprintf(`{"type":"result","uiSessionId":%q,"subtype":"success"}`, sid))
}

func wantStatus(t *testing.T, e *Engine, sid string, want Status) {
	t.Helper()
	st, ok := e.Status(sid)
	if !ok {
		t.Fatalf("Status(%s): session not tracked", sid)
	}
	if st.Status != want {
		t.Fatalf("status(%s) = %q, want %q", sid, st.Status, want)
	}
}

// ========================================
// 流式回合端到端
// ========================================

func TestEngine_StreamsHelloIntoLedger(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Focus("s1")

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "Hel")
	feedText(t, e, "s1", "lo")
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Role != RoleAssistant || len(m.Content) != 1 {
		t.Fatalf("message = role %q with %d blocks, want assistant with 1", m.Role, len(m.Content))
	}
	if m.Content[0].Text != "Hello" {
		t.Fatalf("text = %q, want %q", m.Content[0].Text, "Hello")
	}
	if _, open := e.OpenTurn("s1"); open {
		t.Fatalf("turn still open after message_stop")
	}
	// Tool execution may follow message_stop; the run is live until the
	// result event.
	wantStatus(t, e, "s1", StatusRunning)

	feedResult(t, e, "s1")
	wantStatus(t, e, "s1", StatusIdle)
	if !e.Messages("s1")[0].IsFinal {
		t.Fatalf("message not finalized after result")
	}
}

func TestEngine_ThrottledStreamLosesNothing(t *testing.T) {
	e, clock, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")

	var want strings.Builder
	for i := 0; i < 40; i++ {
		frag := fmt.Sprintf("<%d>", i)
		want.WriteString(frag)
		feedText(t, e, "s1", frag)
		clock.Advance(13 * time.Millisecond)
	}
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	got := e.Messages("s1")[0].Content[0].Text
	if got != want.String() {
		t.Fatalf("committed text = %q, want exact concatenation %q", got, want.String())
	}
}

func TestEngine_ThrottleTimerPublishesPartial(t *testing.T) {
	e, clock, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "first ") // immediate publish after idle
	clock.Advance(100 * time.Millisecond)
	feedText(t, e, "s1", "second") // buffered; timer due in 400ms

	if got := e.Messages("s1")[0].Content[0].Text; got != "first " {
		t.Fatalf("published before timer = %q, want %q", got, "first ")
	}
	clock.Advance(400 * time.Millisecond)
	if got := e.Messages("s1")[0].Content[0].Text; got != "first second" {
		t.Fatalf("published after timer = %q, want %q", got, "first second")
	}
}

func TestEngine_DuplicateMessageStartForcesClose(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "abc")
	// Protocol violation: a new message_start with msg_1 still open.
	startTurn(t, e, "s1", "msg_2")

	turn, open := e.OpenTurn("s1")
	if !open || turn.ID != "msg_2" {
		t.Fatalf("open turn = (%q, %v), want msg_2", turn.ID, open)
	}

	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "def")
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 merged assistant message", len(msgs))
	}
	blocks := msgs[0].Content
	if len(blocks) != 2 || blocks[0].Text != "abc" || blocks[1].Text != "def" {
		t.Fatalf("blocks = %+v, want forced-closed [abc] then [def]", blocks)
	}
}

func TestEngine_OrphanDeltasDropped(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// No turn open at all.
	feedText(t, e, "s1", "lost")
	if got := len(e.Messages("s1")); got != 0 {
		t.Fatalf("orphan delta created %d messages", got)
	}

	// Turn open but block already stopped.
	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "ok")
	stopBlock(t, e, "s1")
	feedText(t, e, "s1", "straggler")
	stopMessage(t, e, "s1")

	if got := e.Messages("s1")[0].Content[0].Text; got != "ok" {
		t.Fatalf("text = %q, straggler delta leaked in", got)
	}
}

func TestEngine_ToolArgsParsedAtStop(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"read_file"}}}`)
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}}`)
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"1}"}}}`)
	stopBlock(t, e, "s1")

	block := e.Messages("s1")[0].Content[0]
	if block.Kind != BlockToolUse || block.ToolName != "read_file" {
		t.Fatalf("block = %+v, want tool_use read_file", block)
	}
	if got, ok := block.ParsedArgs["a"].(float64); !ok || got != 1 {
		t.Fatalf("ParsedArgs = %v, want {a: 1}", block.ParsedArgs)
	}
	if block.Degraded {
		t.Fatalf("valid args marked degraded")
	}
}

func TestEngine_MalformedToolArgsDegradeQuietly(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"search"}}}`)
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}}`)
	stopBlock(t, e, "s1")

	block := e.Messages("s1")[0].Content[0]
	if block.ParsedArgs != nil {
		t.Fatalf("ParsedArgs = %v, want nil for malformed JSON", block.ParsedArgs)
	}
	if !block.Degraded {
		t.Fatalf("malformed args not flagged degraded")
	}
	// The session keeps streaming as if nothing happened.
	wantStatus(t, e, "s1", StatusRunning)
}

// ========================================
// 信封事件与消息合并
// ========================================

func TestEngine_AssistantEnvelopeSupersedesStream(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "Hello")
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	// The authoritative envelope for the same message id replaces the
	// streamed projection instead of duplicating it.
	feed(t, e, `{"type":"assistant","uiSessionId":"s1","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hello, world"}]}}`)

	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if got := msgs[0].Content[0].Text; got != "Hello, world" {
		t.Fatalf("text = %q, want authoritative %q", got, "Hello, world")
	}
}

func TestEngine_ConsecutiveEnvelopesMergeByParent(t *testing.T) {
	e, _, _ := newTestEngine(t)

	feed(t, e, `{"type":"assistant","uiSessionId":"s1","message":{"id":"msg_1","content":[{"type":"text","text":"part one"}]}}`)
	feed(t, e, `{"type":"assistant","uiSessionId":"s1","message":{"id":"msg_2","content":[{"type":"text","text":"part two"}]}}`)

	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want one logical message", len(msgs))
	}
	blocks := msgs[0].Content
	if len(blocks) != 2 || blocks[0].Text != "part one" || blocks[1].Text != "part two" {
		t.Fatalf("blocks = %+v, want both parts in order", blocks)
	}
}

func TestEngine_ToolCycleMergesAcrossTurns(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"bash"}}}`)
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}}`)
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	feed(t, e, `{"type":"user","uiSessionId":"s1","message":{"id":"u-1","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"exit 0"}]}}`)

	startTurn(t, e, "s1", "msg_2")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "done")
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	msgs := e.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want assistant + tool_result", len(msgs))
	}
	assistant := msgs[0]
	if len(assistant.Content) != 2 {
		t.Fatalf("assistant blocks = %d, want tool_use + continuation text", len(assistant.Content))
	}
	if assistant.Content[0].Kind != BlockToolUse || assistant.Content[1].Text != "done" {
		t.Fatalf("assistant blocks = %+v", assistant.Content)
	}
	result := msgs[1]
	if result.Role != RoleUser || result.Content[0].Kind != BlockToolResult || result.Content[0].Text != "exit 0" {
		t.Fatalf("tool result message = %+v", result)
	}
}

func TestEngine_UserEchoConfirmsOptimisticMessage(t *testing.T) {
	e, _, tr := newTestEngine(t)

	queuedFlag, err := e.SendMessage("s1", "run the tests", nil)
	if err != nil || queuedFlag {
		t.Fatalf("SendMessage = (%v, %v), want immediate send", queuedFlag, err)
	}
	if got := len(tr.sentTexts()); got != 1 {
		t.Fatalf("transport sends = %d, want 1", got)
	}

	feed(t, e, `{"type":"user","uiSessionId":"s1","message":{"id":"srv-1","content":"run the tests"}}`)

	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, echo duplicated the optimistic message", len(msgs))
	}
	if msgs[0].ID != "srv-1" || !msgs[0].IsFinal {
		t.Fatalf("confirmed message = {ID:%q IsFinal:%v}, want srv-1/final", msgs[0].ID, msgs[0].IsFinal)
	}
}

// ========================================
// 队列与空闲转换
// ========================================

func TestEngine_QueueDrainsFIFOAcrossSettles(t *testing.T) {
	e, _, tr := newTestEngine(t)

	if q, _ := e.SendMessage("s1", "first", nil); q {
		t.Fatalf("idle session queued instead of sending")
	}
	for _, text := range []string{"A", "B", "C"} {
		q, err := e.SendMessage("s1", text, nil)
		if err != nil || !q {
			t.Fatalf("SendMessage(%s) = (%v, %v), want queued", text, q, err)
		}
	}
	if got := len(e.Queue("s1")); got != 3 {
		t.Fatalf("queue depth = %d, want 3", got)
	}

	// Each settle releases exactly one queued message and re-arms busy.
	wantAfterSettle := [][]string{
		{"first", "A"},
		{"first", "A", "B"},
		{"first", "A", "B", "C"},
	}
	for i, want := range wantAfterSettle {
		feedResult(t, e, "s1")
		got := tr.sentTexts()
		if len(got) != len(want) {
			t.Fatalf("settle %d: sends = %v, want %v", i, got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("settle %d: sends = %v, want %v", i, got, want)
			}
		}
		if i < len(wantAfterSettle)-1 {
			wantStatus(t, e, "s1", StatusRunning)
		}
	}
	if got := len(e.Queue("s1")); got != 0 {
		t.Fatalf("queue depth after drains = %d, want 0", got)
	}
}

func TestEngine_SendFailureSurfacesWithoutRequeue(t *testing.T) {
	e, _, tr := newTestEngine(t)
	tr.sendErr = errors.New("gateway down")

	if q, err := e.SendMessage("s1", "doomed", nil); q || err != nil {
		t.Fatalf("SendMessage = (%v, %v)", q, err)
	}

	msgs := e.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want user + failure note", len(msgs))
	}
	failure := msgs[1]
	if failure.Role != RoleSystem || !failure.IsFailure {
		t.Fatalf("failure message = %+v", failure)
	}
	if !strings.Contains(failure.RawText, "gateway down") {
		t.Fatalf("failure text = %q, want cause included", failure.RawText)
	}
	if got := len(e.Queue("s1")); got != 0 {
		t.Fatalf("failed send was re-queued: depth %d", got)
	}
	wantStatus(t, e, "s1", StatusIdle)
}

func TestEngine_CancelQueuedMessage(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.SendMessage("s1", "running", nil)
	e.SendMessage("s1", "keep", nil)
	e.SendMessage("s1", "drop", nil)

	q := e.Queue("s1")
	if len(q) != 2 {
		t.Fatalf("queue depth = %d, want 2", len(q))
	}
	var dropID string
	for _, m := range q {
		if m.Text == "drop" {
			dropID = m.ID
		}
	}
	if !e.CancelQueued("s1", dropID) {
		t.Fatalf("CancelQueued = false")
	}
	q = e.Queue("s1")
	if len(q) != 1 || q[0].Text != "keep" {
		t.Fatalf("queue after cancel = %+v, want [keep]", q)
	}
}

// ========================================
// 中止
// ========================================

func TestEngine_AbortAbandonsLiveTurn(t *testing.T) {
	e, _, tr := newTestEngine(t)
	e.Focus("s1")

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "half-finished thou")

	if err := e.AbortSession("s1"); err != nil {
		t.Fatalf("AbortSession: %v", err)
	}

	if len(tr.aborts) != 1 || tr.aborts[0] != "s1" {
		t.Fatalf("transport aborts = %v, want [s1]", tr.aborts)
	}
	if _, open := e.OpenTurn("s1"); open {
		t.Fatalf("turn still open after abort")
	}
	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("msgs = %+v, want only the stop note", msgs)
	}
	if msgs[0].Role != RoleSystem || msgs[0].RawText != "Request stopped" {
		t.Fatalf("stop note = %+v", msgs[0])
	}
	if msgs[0].IsFailure {
		t.Fatalf("user-initiated stop marked as failure")
	}
	wantStatus(t, e, "s1", StatusIdle)
}

func TestEngine_AbortWithNothingRunningIsNoop(t *testing.T) {
	e, _, tr := newTestEngine(t)
	e.Focus("s1")

	if err := e.AbortSession("s1"); err != nil {
		t.Fatalf("AbortSession: %v", err)
	}
	if len(tr.aborts) != 0 {
		t.Fatalf("no-op abort reached transport: %v", tr.aborts)
	}
	if got := len(e.Messages("s1")); got != 0 {
		t.Fatalf("no-op abort appended %d messages", got)
	}
}

func TestEngine_AbortKeepsCommittedSegments(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "finished part")
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	startTurn(t, e, "s1", "msg_2")
	startTextBlock(t, e, "s1")
	feedText(t, e, "s1", "doomed part")
	e.AbortSession("s1")

	msgs := e.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want assistant + stop note", len(msgs))
	}
	blocks := msgs[0].Content
	if len(blocks) != 1 || blocks[0].Text != "finished part" {
		t.Fatalf("blocks = %+v, committed segment lost or doomed part leaked", blocks)
	}
}

// ========================================
// 权限 / 状态 / 对账
// ========================================

func TestEngine_PermissionFlow(t *testing.T) {
	e, _, tr := newTestEngine(t)

	e.SendMessage("s1", "delete everything", nil)
	feed(t, e, `{"type":"permission_request","uiSessionId":"s1","requestId":"perm-1","toolName":"bash","input":{"command":"rm -rf"}}`)

	wantStatus(t, e, "s1", StatusPermission)
	req, ok := e.PendingPermission("s1")
	if !ok || req.ToolName != "bash" {
		t.Fatalf("PendingPermission = (%+v, %v)", req, ok)
	}

	if err := e.RespondPermission("s1", "perm-1", true); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	if len(tr.perms) != 1 || !tr.perms[0].allow || tr.perms[0].requestID != "perm-1" {
		t.Fatalf("transport perms = %+v", tr.perms)
	}
	wantStatus(t, e, "s1", StatusRunning)

	// Responding again to the consumed request is an error.
	err := e.RespondPermission("s1", "perm-1", false)
	if !errors.Is(err, pkgerr.ErrNotFound) {
		t.Fatalf("stale respond error = %v, want ErrNotFound", err)
	}
}

func TestEngine_MarkSeenOnlyClearsFocused(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Focus("other")

	feed(t, e, `{"type":"system","uiSessionId":"s1","subtype":"init","model":"sonnet"}`)
	feedResult(t, e, "s1")
	wantStatus(t, e, "s1", StatusUnread)

	// s1 is backgrounded; markSeen must not clear it.
	e.MarkSeen("s1")
	wantStatus(t, e, "s1", StatusUnread)

	e.Focus("s1")
	e.MarkSeen("s1")
	wantStatus(t, e, "s1", StatusIdle)
}

func TestEngine_CompletionWhileFocusedStaysRead(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Focus("s1")

	feed(t, e, `{"type":"system","uiSessionId":"s1","subtype":"init"}`)
	feedResult(t, e, "s1")
	wantStatus(t, e, "s1", StatusIdle)
}

func TestEngine_ReconcileSettlesVanishedRuns(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Focus("s1")

	feed(t, e, `{"type":"system","uiSessionId":"s1","subtype":"init"}`)
	feed(t, e, `{"type":"system","uiSessionId":"s2","subtype":"init"}`)
	wantStatus(t, e, "s1", StatusRunning)
	wantStatus(t, e, "s2", StatusRunning)

	// Backend reports neither session active anymore.
	e.Reconcile(nil)

	wantStatus(t, e, "s1", StatusIdle)   // focused: seen, no badge
	wantStatus(t, e, "s2", StatusUnread) // backgrounded: badge
}

func TestEngine_ReconcileAdoptsNewSessions(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.Reconcile([]ActiveSession{{SessionID: "s9", ProjectID: "proj-42"}})

	sessions := e.Sessions()
	if len(sessions) != 1 || sessions[0].SessionID != "s9" {
		t.Fatalf("sessions = %+v, want adopted s9", sessions)
	}
	if sessions[0].ProjectID != "proj-42" {
		t.Fatalf("projectID = %q, want proj-42", sessions[0].ProjectID)
	}
}

func TestEngine_AwaitingInputStatus(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Focus("s1")

	feed(t, e, `{"type":"system","uiSessionId":"s1","subtype":"init"}`)
	feedResult(t, e, "s1")
	feed(t, e, `{"type":"system","uiSessionId":"s1","subtype":"awaiting_input","message":"Which file?"}`)
	wantStatus(t, e, "s1", StatusAwaitingInput)

	// Answering clears the waiting state.
	e.SendMessage("s1", "that one", nil)
	wantStatus(t, e, "s1", StatusRunning)
}

// ========================================
// 逐出 / 其余事件
// ========================================

func TestEngine_EvictionSparesFocusedAndStreaming(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{Clock: clock, SessionCacheSize: 2})
	e.SetTransport(&fakeTransport{})

	e.Focus("hot")
	startTurn(t, e, "busy", "msg_1")
	startTextBlock(t, e, "busy")
	feedText(t, e, "busy", "streaming")

	e.SetMessages("cold1", []Message{{ID: "c1", Role: RoleUser, RawText: "x", IsFinal: true}}, 1, false)
	e.SetMessages("cold2", []Message{{ID: "c2", Role: RoleUser, RawText: "y", IsFinal: true}}, 1, false)

	if !e.store.Has("hot") {
		t.Fatalf("focused session evicted")
	}
	if !e.store.Has("busy") {
		t.Fatalf("mid-turn session evicted")
	}
	if got := e.Messages("busy")[0].Content[0].Text; got != "streaming" {
		t.Fatalf("busy ledger = %q, want streaming text intact", got)
	}
	if e.store.Has("cold1") {
		t.Fatalf("cold1 survived; expected it evicted in favor of cold2")
	}
}

func TestEngine_AuthStatusTracked(t *testing.T) {
	e, clock, _ := newTestEngine(t)

	feed(t, e, `{"type":"auth_status","authenticated":true,"method":"oauth"}`)
	auth := e.Auth()
	if !auth.Authenticated || auth.Method != "oauth" {
		t.Fatalf("auth = %+v", auth)
	}
	if !auth.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("UpdatedAt = %v, want clock now %v", auth.UpdatedAt, clock.Now())
	}
}

func TestEngine_ToolProgressAnnotatesBlock(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"bash"}}}`)
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}}`)
	stopBlock(t, e, "s1")
	stopMessage(t, e, "s1")

	feed(t, e, `{"type":"tool_progress","uiSessionId":"s1","toolUseId":"tu-1","note":"compiling"}`)

	if got := e.Messages("s1")[0].Content[0].Progress; got != "compiling" {
		t.Fatalf("Progress = %q, want compiling", got)
	}
}

func TestEngine_ResultErrorSurfacesFailureNote(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Focus("s1")

	feed(t, e, `{"type":"system","uiSessionId":"s1","subtype":"init"}`)
	feed(t, e, `{"type":"result","uiSessionId":"s1","subtype":"error_during_execution","isError":true,"result":"usage limit reached"}`)

	msgs := e.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 failure note", len(msgs))
	}
	if !msgs[0].IsFailure || !strings.Contains(msgs[0].RawText, "usage limit reached") {
		t.Fatalf("failure note = %+v", msgs[0])
	}
	wantStatus(t, e, "s1", StatusIdle)
}

func TestEngine_UsageAccumulatesAcrossRuns(t *testing.T) {
	e, _, _ := newTestEngine(t)

	feed(t, e, `{"type":"result","uiSessionId":"s1","subtype":"success","usage":{"inputTokens":10,"outputTokens":4}}`)
	feed(t, e, `{"type":"result","uiSessionId":"s1","subtype":"success","usage":{"inputTokens":7,"outputTokens":3}}`)

	sessions := e.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
	u := sessions[0].Usage
	if u.InputTokens != 17 || u.OutputTokens != 7 {
		t.Fatalf("usage = %+v, want {17 7}", u)
	}
}

func TestEngine_DeleteSessionDeniesPendingPermission(t *testing.T) {
	e, _, tr := newTestEngine(t)

	e.SendMessage("s1", "dangerous", nil)
	feed(t, e, `{"type":"permission_request","uiSessionId":"s1","requestId":"perm-9","toolName":"bash"}`)

	e.DeleteSession("s1")

	if len(tr.perms) != 1 || tr.perms[0].allow || tr.perms[0].requestID != "perm-9" {
		t.Fatalf("perms = %+v, want implicit deny of perm-9", tr.perms)
	}
	if got := len(e.Sessions()); got != 0 {
		t.Fatalf("sessions after delete = %d, want 0", got)
	}
	if got := len(e.Messages("s1")); got != 0 {
		t.Fatalf("ledger survived delete: %d messages", got)
	}
}

func TestEngine_MalformedFramesIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.HandleRaw([]byte(`{not json`))
	e.HandleRaw([]byte(`{"uiSessionId":"s1"}`))                    // missing type
	e.HandleRaw([]byte(`{"type":"assistant"}`))                    // missing session
	e.HandleRaw([]byte(`{"type":"warp_drive","uiSessionId":"s1"}`)) // unknown type

	if got := len(e.Messages("s1")); got != 0 {
		t.Fatalf("malformed frames created %d messages", got)
	}
	// The unknown-but-well-formed frame still lands in the timeline.
	if got := len(e.Timeline("s1")); got != 1 {
		t.Fatalf("timeline entries = %d, want 1", got)
	}
}

func TestEngine_ChangeNotifications(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var mu sync.Mutex
	var got []Change
	cancel := e.Subscribe(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	startTurn(t, e, "s1", "msg_1")

	mu.Lock()
	kinds := map[ChangeKind]bool{}
	var lastSeq uint64
	for _, c := range got {
		kinds[c.Kind] = true
		if c.Seq <= lastSeq {
			t.Fatalf("seq not strictly increasing: %d after %d", c.Seq, lastSeq)
		}
		lastSeq = c.Seq
	}
	count := len(got)
	mu.Unlock()

	for _, want := range []ChangeKind{ChangeSessions, ChangeTimeline, ChangeMessages, ChangeStatus} {
		if !kinds[want] {
			t.Fatalf("missing change kind %q in %v", want, got)
		}
	}

	cancel()
	stopMessage(t, e, "s1")
	mu.Lock()
	defer mu.Unlock()
	if len(got) != count {
		t.Fatalf("observer received %d changes after cancel, want none", len(got)-count)
	}
}

func TestEngine_SessionsSortedByRecency(t *testing.T) {
	e, clock, _ := newTestEngine(t)

	feed(t, e, `{"type":"system","uiSessionId":"old","subtype":"init"}`)
	clock.Advance(time.Minute)
	feed(t, e, `{"type":"system","uiSessionId":"new","subtype":"init"}`)

	sessions := e.Sessions()
	if len(sessions) != 2 || sessions[0].SessionID != "new" || sessions[1].SessionID != "old" {
		t.Fatalf("order = %+v, want [new old]", sessions)
	}
}

func TestEngine_HydrationAndPagination(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.SetMessages("s1", []Message{
		{ID: "m3", Role: RoleUser, RawText: "c", IsFinal: true},
		{ID: "m4", Role: RoleAssistant, RawText: "d", IsFinal: true},
	}, 4, true)

	if got := len(e.Messages("s1")); got != 2 {
		t.Fatalf("hydrated messages = %d, want 2", got)
	}
	e.SetLoadingMore("s1", true)
	if !e.Pagination("s1").IsLoadingMore {
		t.Fatalf("IsLoadingMore not set")
	}

	e.PrependMessages("s1", []Message{
		{ID: "m1", Role: RoleUser, RawText: "a", IsFinal: true},
		{ID: "m3", Role: RoleUser, RawText: "dup", IsFinal: true},
	}, false)

	msgs := e.Messages("s1")
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[1].ID != "m3" || msgs[2].ID != "m4" {
		t.Fatalf("after prepend = %+v, want [m1 m3 m4]", msgs)
	}
	p := e.Pagination("s1")
	if p.HasMore || p.IsLoadingMore || p.LoadedCount != 3 {
		t.Fatalf("pagination = %+v", p)
	}
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	startTurn(t, e, "s1", "msg_1")
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":"bash"}}}`)
	feed(t, e, `{"type":"stream_event","uiSessionId":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":\"ls\"}"}}}`)
	stopBlock(t, e, "s1")

	snap := e.Messages("s1")
	snap[0].Content[0].ParsedArgs["cmd"] = "rm -rf /"
	snap[0].Content[0].Text = "tampered"

	fresh := e.Messages("s1")
	if fresh[0].Content[0].ParsedArgs["cmd"] != "ls" {
		t.Fatalf("snapshot mutation reached engine state: %v", fresh[0].Content[0].ParsedArgs)
	}
}
