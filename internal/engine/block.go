// block.go — 内容块装配器: start/delta/stop 将增量流折叠为最终块。
package engine

import (
	"encoding/json"
	"strings"
)

// blockBuilder accumulates one block's deltas from arrival order.
// The accumulator holds everything received; the externally visible
// step state only catches up on throttle publishes.
type blockBuilder struct {
	kind      BlockKind
	toolName  string
	toolUseID string

	text strings.Builder // text or thinking, depending on kind
	args strings.Builder // tool_use partial JSON
}

// newBlockBuilder opens an empty accumulator for the declared block.
func newBlockBuilder(wire WireBlock) *blockBuilder {
	b := &blockBuilder{
		kind:      BlockKind(wire.Type),
		toolName:  wire.Name,
		toolUseID: wire.ID,
	}
	switch b.kind {
	case BlockText, BlockThinking, BlockToolUse, BlockToolResult:
	default:
		// Unknown kinds degrade to text so nothing is dropped.
		b.kind = BlockText
	}
	if wire.Text != "" {
		b.text.WriteString(wire.Text)
	}
	if wire.Thinking != "" {
		b.text.WriteString(wire.Thinking)
	}
	return b
}

// appendDelta applies one fragment in arrival order. The fragment's
// text / thinking / partial_json fields are mutually exclusive; the
// matching accumulator receives it, the rest are untouched.
func (b *blockBuilder) appendDelta(d WireDelta) {
	switch d.Type {
	case DeltaText:
		b.text.WriteString(d.Text)
	case DeltaThinking:
		b.text.WriteString(d.Thinking)
	case DeltaInputJSON:
		b.args.WriteString(d.PartialJSON)
	}
}

// finalize commits the accumulator as the block's final content.
// Tool args are parsed here; parse failure commits with nil ParsedArgs
// and Degraded set — a recoverable degradation, never an error.
func (b *blockBuilder) finalize() ContentBlock {
	block := ContentBlock{
		Kind:      b.kind,
		ToolName:  b.toolName,
		ToolUseID: b.toolUseID,
	}
	switch b.kind {
	case BlockToolUse:
		block.ArgsJSON = b.args.String()
		block.ParsedArgs, block.Degraded = parseToolArgs(block.ArgsJSON)
	default:
		block.Text = b.text.String()
	}
	return block
}

// accumulated reports the full received text so far (text/thinking) or
// args JSON (tool_use). Used when a step must close without a stop.
func (b *blockBuilder) accumulated() string {
	if b.kind == BlockToolUse {
		return b.args.String()
	}
	return b.text.String()
}

// parseToolArgs parses accumulated tool-args JSON. Empty input means
// the tool takes no arguments and is not degraded.
func parseToolArgs(raw string) (args map[string]any, degraded bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, true
	}
	return parsed, false
}
