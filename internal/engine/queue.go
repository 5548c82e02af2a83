// queue.go — 忙时用户输入的每会话 FIFO。
//
// 会话忙则入队, 空闲则走正常发送路径。每次空闲转换只放行一条;
// 发送失败不自动重排 — 失败以系统消息浮出, 由用户重发。
package engine

// queueManager holds per-session FIFOs of deferred prompts. Callers
// hold the engine lock.
type queueManager struct {
	queues map[string][]QueuedMessage
}

func newQueueManager() *queueManager {
	return &queueManager{queues: map[string][]QueuedMessage{}}
}

// Enqueue appends to the session's FIFO, preserving arrival order.
func (q *queueManager) Enqueue(msg QueuedMessage) int {
	q.queues[msg.SessionID] = append(q.queues[msg.SessionID], msg)
	return len(q.queues[msg.SessionID])
}

// DequeueOne removes and returns the oldest entry, if any. Exactly one
// entry drains per idle transition; the next waits for the next one.
func (q *queueManager) DequeueOne(sessionID string) (QueuedMessage, bool) {
	list := q.queues[sessionID]
	if len(list) == 0 {
		return QueuedMessage{}, false
	}
	head := list[0]
	rest := list[1:]
	if len(rest) == 0 {
		delete(q.queues, sessionID)
	} else {
		q.queues[sessionID] = append([]QueuedMessage(nil), rest...)
	}
	return head, true
}

// Cancel removes one queued entry by id.
func (q *queueManager) Cancel(sessionID, queuedID string) bool {
	list := q.queues[sessionID]
	for i, m := range list {
		if m.ID == queuedID {
			q.queues[sessionID] = append(list[:i:i], list[i+1:]...)
			if len(q.queues[sessionID]) == 0 {
				delete(q.queues, sessionID)
			}
			return true
		}
	}
	return false
}

// Len reports the session's queue depth.
func (q *queueManager) Len(sessionID string) int {
	return len(q.queues[sessionID])
}

// Snapshot copies the session's queue for external readers.
func (q *queueManager) Snapshot(sessionID string) []QueuedMessage {
	list := q.queues[sessionID]
	if len(list) == 0 {
		return nil
	}
	out := make([]QueuedMessage, len(list))
	copy(out, list)
	return out
}

// Drop discards a session's queue entirely.
func (q *queueManager) Drop(sessionID string) {
	delete(q.queues, sessionID)
}
