// store.go — 会话消息账本: 有界 LRU + 焦点钉扎。
//
// 每次 append/setAll 触达会话即移到访问序尾部; 超出容量从头部逐出,
// 跳过焦点会话与回合进行中的会话。逐出 O(1) (双向链表 + 索引 map),
// 读写同步可见 (写后读无异步间隙)。
package engine

import (
	"time"
)

// lruNode is one session's slot in the access-order list.
type lruNode struct {
	sessionID string
	pinned    bool // focused session, never evicted
	busy      bool // open turn, never evicted mid-turn
	prev      *lruNode
	next      *lruNode
}

// messageStore owns the per-session message arrays and pagination
// metadata. Callers hold the engine lock; the store itself is not
// concurrency safe.
type messageStore struct {
	cap        int
	messages   map[string][]Message
	pagination map[string]*PaginationState

	nodes map[string]*lruNode
	head  *lruNode // oldest
	tail  *lruNode // most recent
}

func newMessageStore(capSessions int) *messageStore {
	if capSessions < 1 {
		capSessions = 1
	}
	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head
	return &messageStore{
		cap:        capSessions,
		messages:   map[string][]Message{},
		pagination: map[string]*PaginationState{},
		nodes:      map[string]*lruNode{},
		head:       head,
		tail:       tail,
	}
}

// ========================================
// LRU 链表操作 (全部 O(1))
// ========================================

func (s *messageStore) unlink(n *lruNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (s *messageStore) pushBack(n *lruNode) {
	last := s.tail.prev
	last.next = n
	n.prev = last
	n.next = s.tail
	s.tail.prev = n
}

// touch marks the session most recently used, creating its node on
// first contact.
func (s *messageStore) touch(sessionID string) *lruNode {
	n, ok := s.nodes[sessionID]
	if ok {
		s.unlink(n)
		s.pushBack(n)
		return n
	}
	n = &lruNode{sessionID: sessionID}
	s.nodes[sessionID] = n
	s.pushBack(n)
	if _, exists := s.messages[sessionID]; !exists {
		s.messages[sessionID] = nil
	}
	return n
}

// setPinned marks/unmarks the focused session. The previous pin must
// be cleared by the caller via the returned helper semantics.
func (s *messageStore) setPinned(sessionID string, pinned bool) {
	if n, ok := s.nodes[sessionID]; ok {
		n.pinned = pinned
	} else if pinned {
		n := s.touch(sessionID)
		n.pinned = true
	}
}

// setBusy flags a session whose turn is streaming; eviction skips it.
func (s *messageStore) setBusy(sessionID string, busy bool) {
	if n, ok := s.nodes[sessionID]; ok {
		n.busy = busy
	}
}

// evict walks from the oldest end until the tracked-session count is
// back under cap, skipping pinned and busy nodes. The most recently
// touched node is also exempt, otherwise a full cache of protected
// sessions would evict the very session being written. Staying over
// cap when nothing is evictable is fine. Returns evicted session ids.
func (s *messageStore) evict() []string {
	var evicted []string
	mru := s.tail.prev
	n := s.head.next
	for len(s.nodes) > s.cap && n != s.tail && n != mru {
		next := n.next
		if !n.pinned && !n.busy {
			s.unlink(n)
			delete(s.nodes, n.sessionID)
			delete(s.messages, n.sessionID)
			delete(s.pagination, n.sessionID)
			evicted = append(evicted, n.sessionID)
		}
		n = next
	}
	return evicted
}

// ========================================
// 账本操作
// ========================================

// Append adds one message at the tail and refreshes recency.
func (s *messageStore) Append(sessionID string, msg Message) []string {
	s.touch(sessionID)
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return s.evict()
}

// ReplaceTail upserts by logical identity: scanning from the tail, the
// first non-final message with the same role and parent tool id absorbs
// the update; otherwise the message is appended. Finalized messages are
// immutable and never match.
//
// Within the matched message, updates carrying the id the message
// already has rewrite its live segment wholesale (a streaming
// projection superseding the previous one). An update with a new id
// starts a fresh segment after the committed blocks, which is how
// consecutive same-parent messages of one run merge into a single
// ledger entry without ever losing earlier content.
func (s *messageStore) ReplaceTail(sessionID string, msg Message) []string {
	s.touch(sessionID)
	list := s.messages[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		m := &list[i]
		if m.IsFinal {
			continue
		}
		if m.Role != msg.Role || m.ParentToolUseID != msg.ParentToolUseID {
			continue
		}
		if msg.ID != "" && m.ID != "" && m.ID != msg.ID {
			m.liveFrom = len(m.Content)
			m.ID = msg.ID
		}
		m.Content = append(m.Content[:m.liveFrom], msg.Content...)
		if msg.RawText != "" {
			m.RawText = msg.RawText
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = msg.Timestamp
		}
		return nil
	}
	msg.liveFrom = 0
	s.messages[sessionID] = append(list, msg)
	return s.evict()
}

// SetAll bulk-loads a session's ledger from persisted history and
// resets pagination.
func (s *messageStore) SetAll(sessionID string, msgs []Message, total int, hasMore bool) []string {
	s.touch(sessionID)
	s.messages[sessionID] = append([]Message(nil), msgs...)
	s.pagination[sessionID] = &PaginationState{
		Total:       total,
		LoadedCount: len(msgs),
		HasMore:     hasMore,
	}
	return s.evict()
}

// PrependOlder inserts an older history page before the current list,
// de-duplicated by message id, and settles the loading flag.
func (s *messageStore) PrependOlder(sessionID string, older []Message, hasMore bool) {
	list := s.messages[sessionID]
	seen := make(map[string]struct{}, len(list))
	for _, m := range list {
		seen[m.ID] = struct{}{}
	}
	fresh := make([]Message, 0, len(older))
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) > 0 {
		s.messages[sessionID] = append(fresh, list...)
	}

	p := s.pagination[sessionID]
	if p == nil {
		p = &PaginationState{}
		s.pagination[sessionID] = p
	}
	p.LoadedCount += len(fresh)
	p.HasMore = hasMore
	p.IsLoadingMore = false
}

// AbandonLive discards the live segment of the most recent matching
// non-final message. Content committed by earlier segments survives; a
// message left with nothing is removed outright. Used when an aborted
// turn abandons its in-flight blocks.
func (s *messageStore) AbandonLive(sessionID string, role Role, parentToolUseID string) bool {
	list := s.messages[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		m := &list[i]
		if m.IsFinal {
			continue
		}
		if m.Role != role || m.ParentToolUseID != parentToolUseID {
			continue
		}
		m.Content = m.Content[:m.liveFrom]
		if len(m.Content) == 0 && m.RawText == "" {
			s.messages[sessionID] = append(list[:i], list[i+1:]...)
		}
		return true
	}
	return false
}

// ConfirmUserEcho finalizes the optimistic local copy of a prompt once
// the agent loop echoes it back, adopting the server-issued id. Returns
// false when no matching local message exists.
func (s *messageStore) ConfirmUserEcho(sessionID, text, serverID string) bool {
	list := s.messages[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		m := &list[i]
		if m.IsFinal || m.Role != RoleUser || m.ParentToolUseID != "" {
			continue
		}
		if m.RawText != text {
			continue
		}
		if serverID != "" {
			m.ID = serverID
		}
		m.IsFinal = true
		return true
	}
	return false
}

// PatchToolProgress updates the progress note on a committed tool_use
// block. Finalized messages are immutable; progress only targets live
// ones.
func (s *messageStore) PatchToolProgress(sessionID, toolUseID, note string) bool {
	list := s.messages[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		m := &list[i]
		if m.IsFinal || m.Role != RoleAssistant {
			continue
		}
		for j := range m.Content {
			b := &m.Content[j]
			if b.Kind == BlockToolUse && b.ToolUseID == toolUseID {
				b.Progress = note
				return true
			}
		}
	}
	return false
}

// FinalizeAll stamps every non-final message final. Runs when a run
// completes and the ledger settles.
func (s *messageStore) FinalizeAll(sessionID string) int {
	list := s.messages[sessionID]
	n := 0
	for i := range list {
		if !list[i].IsFinal {
			list[i].IsFinal = true
			n++
		}
	}
	return n
}

// Delete removes a session entirely.
func (s *messageStore) Delete(sessionID string) {
	if n, ok := s.nodes[sessionID]; ok {
		s.unlink(n)
		delete(s.nodes, sessionID)
	}
	delete(s.messages, sessionID)
	delete(s.pagination, sessionID)
}

// Messages returns the live slice; callers must copy before releasing
// the engine lock.
func (s *messageStore) Messages(sessionID string) []Message {
	return s.messages[sessionID]
}

// Has reports whether a session is tracked.
func (s *messageStore) Has(sessionID string) bool {
	_, ok := s.nodes[sessionID]
	return ok
}

// Len reports tracked session count.
func (s *messageStore) Len() int { return len(s.nodes) }

// Pagination returns a copy of a session's pagination state.
func (s *messageStore) Pagination(sessionID string) PaginationState {
	if p := s.pagination[sessionID]; p != nil {
		return *p
	}
	return PaginationState{}
}

// SetLoadingMore toggles the in-flight pagination flag.
func (s *messageStore) SetLoadingMore(sessionID string, loading bool) {
	p := s.pagination[sessionID]
	if p == nil {
		p = &PaginationState{}
		s.pagination[sessionID] = p
	}
	p.IsLoadingMore = loading
}

// nowStamp fills zero timestamps on ingest.
func nowStamp(t time.Time, clock Clock) time.Time {
	if !t.IsZero() {
		return t
	}
	return clock.Now()
}
