package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestTimeline_BoundedPerSession(t *testing.T) {
	tl := newTimelineLog(3)
	at := time.Unix(1700000000, 0)
	for i := 1; i <= 5; i++ {
		tl.Append("s1", at, "stream_event", "content_block_delta", fmt.Sprintf("d%d", i))
	}

	entries := tl.Snapshot("s1")
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Summary != "d3" || entries[2].Summary != "d5" {
		t.Fatalf("window = [%s..%s], want [d3..d5]", entries[0].Summary, entries[2].Summary)
	}
	if entries[0].Seq >= entries[2].Seq {
		t.Fatalf("seq not monotonic: %d >= %d", entries[0].Seq, entries[2].Seq)
	}
}

func TestTimeline_SessionsIsolated(t *testing.T) {
	tl := newTimelineLog(10)
	at := time.Unix(1700000000, 0)
	tl.Append("s1", at, "system", "init", "")
	tl.Append("s2", at, "result", "success", "")

	if got := len(tl.Snapshot("s1")); got != 1 {
		t.Fatalf("s1 entries = %d, want 1", got)
	}
	tl.Drop("s1")
	if got := len(tl.Snapshot("s1")); got != 0 {
		t.Fatalf("s1 entries after drop = %d, want 0", got)
	}
	if got := len(tl.Snapshot("s2")); got != 1 {
		t.Fatalf("drop of s1 disturbed s2: %d entries", got)
	}
}

func TestTimeline_SnapshotIsACopy(t *testing.T) {
	tl := newTimelineLog(10)
	tl.Append("s1", time.Unix(1700000000, 0), "error", "", "boom")
	snap := tl.Snapshot("s1")
	snap[0].Summary = "mutated"
	if got := tl.Snapshot("s1")[0].Summary; got != "boom" {
		t.Fatalf("snapshot mutation leaked: %q", got)
	}
}
