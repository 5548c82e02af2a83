package engine

import "testing"

func queued(id, sid, text string) QueuedMessage {
	return QueuedMessage{ID: id, SessionID: sid, Text: text}
}

func TestQueue_FIFOOnePerDrain(t *testing.T) {
	q := newQueueManager()
	q.Enqueue(queued("q1", "s1", "A"))
	q.Enqueue(queued("q2", "s1", "B"))
	q.Enqueue(queued("q3", "s1", "C"))

	var drained []string
	for i := 0; i < 3; i++ {
		m, ok := q.DequeueOne("s1")
		if !ok {
			t.Fatalf("drain %d found empty queue", i)
		}
		drained = append(drained, m.Text)
	}
	if drained[0] != "A" || drained[1] != "B" || drained[2] != "C" {
		t.Fatalf("drain order = %v, want [A B C]", drained)
	}
	if _, ok := q.DequeueOne("s1"); ok {
		t.Fatalf("fourth drain returned a message")
	}
}

func TestQueue_SessionsIndependent(t *testing.T) {
	q := newQueueManager()
	q.Enqueue(queued("q1", "s1", "one"))
	q.Enqueue(queued("q2", "s2", "two"))

	if got := q.Len("s1"); got != 1 {
		t.Fatalf("Len(s1) = %d, want 1", got)
	}
	m, _ := q.DequeueOne("s2")
	if m.Text != "two" {
		t.Fatalf("DequeueOne(s2) = %q, want two", m.Text)
	}
	if got := q.Len("s1"); got != 1 {
		t.Fatalf("draining s2 disturbed s1: Len = %d", got)
	}
}

func TestQueue_CancelRemovesSingleEntry(t *testing.T) {
	q := newQueueManager()
	q.Enqueue(queued("q1", "s1", "A"))
	q.Enqueue(queued("q2", "s1", "B"))
	q.Enqueue(queued("q3", "s1", "C"))

	if !q.Cancel("s1", "q2") {
		t.Fatalf("Cancel(q2) = false")
	}
	if q.Cancel("s1", "q2") {
		t.Fatalf("second Cancel(q2) = true")
	}
	m1, _ := q.DequeueOne("s1")
	m2, _ := q.DequeueOne("s1")
	if m1.Text != "A" || m2.Text != "C" {
		t.Fatalf("after cancel order = [%s %s], want [A C]", m1.Text, m2.Text)
	}
}

func TestQueue_SnapshotIsACopy(t *testing.T) {
	q := newQueueManager()
	q.Enqueue(queued("q1", "s1", "A"))

	snap := q.Snapshot("s1")
	snap[0].Text = "mutated"
	if m, _ := q.DequeueOne("s1"); m.Text != "A" {
		t.Fatalf("snapshot mutation leaked into queue: %q", m.Text)
	}
}
