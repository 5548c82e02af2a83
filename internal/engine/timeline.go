// timeline.go — 每会话有界事件时间线 (诊断用)。
package engine

import (
	"fmt"
	"time"

	"github.com/navihq/navi-desk/pkg/util"
)

// DefaultTimelineLimit caps retained entries per session.
const DefaultTimelineLimit = 500

// timelineLog keeps a bounded per-session log of inbound events.
// Oldest entries fall off the front once the cap is hit.
type timelineLog struct {
	limit   int
	seq     uint64
	entries map[string][]TimelineEntry
}

func newTimelineLog(limit int) *timelineLog {
	if limit < 1 {
		limit = DefaultTimelineLimit
	}
	return &timelineLog{
		limit:   limit,
		entries: map[string][]TimelineEntry{},
	}
}

// Append records one event occurrence and returns its sequence number.
func (t *timelineLog) Append(sessionID string, at time.Time, evType, subtype, summary string) uint64 {
	t.seq++
	entry := TimelineEntry{
		Seq:        t.seq,
		ReceivedAt: at,
		Type:       evType,
		Subtype:    subtype,
		Summary:    util.TruncateString(summary, 200),
	}
	list := append(t.entries[sessionID], entry)
	if overflow := len(list) - t.limit; overflow > 0 {
		list = append(list[:0], list[overflow:]...)
	}
	t.entries[sessionID] = list
	return t.seq
}

// Snapshot copies a session's timeline for external readers.
func (t *timelineLog) Snapshot(sessionID string) []TimelineEntry {
	list := t.entries[sessionID]
	if len(list) == 0 {
		return nil
	}
	out := make([]TimelineEntry, len(list))
	copy(out, list)
	return out
}

// Drop discards a session's timeline.
func (t *timelineLog) Drop(sessionID string) {
	delete(t.entries, sessionID)
}

// summarizeEvent builds the one-line summary stored per entry.
func summarizeEvent(ev Event) (subtype, summary string) {
	switch ev.Type {
	case EventStream:
		var p StreamPayload
		if decodePayload(ev, &p) == nil {
			sub := p.Event.Type
			switch sub {
			case StreamContentBlockStart:
				if p.Event.ContentBlock != nil {
					return sub, fmt.Sprintf("block %s", p.Event.ContentBlock.Type)
				}
			case StreamContentBlockDelta:
				if p.Event.Delta != nil {
					return sub, util.FirstNonEmpty(p.Event.Delta.Text, p.Event.Delta.Thinking, p.Event.Delta.PartialJSON)
				}
			}
			return sub, ""
		}
	case EventSystem:
		var p SystemPayload
		if decodePayload(ev, &p) == nil {
			return p.Subtype, util.FirstNonEmpty(p.Message, p.Model)
		}
	case EventResult:
		var p ResultPayload
		if decodePayload(ev, &p) == nil {
			return p.Subtype, util.TruncateString(p.Result, 120)
		}
	case EventError:
		var p ErrorPayload
		if decodePayload(ev, &p) == nil {
			return "", util.FirstNonEmpty(p.Message, p.Detail)
		}
	case EventPermissionRequest:
		var p PermissionPayload
		if decodePayload(ev, &p) == nil {
			return "", p.ToolName
		}
	case EventToolProgress:
		var p ToolProgressPayload
		if decodePayload(ev, &p) == nil {
			return "", p.Note
		}
	}
	return "", ""
}
