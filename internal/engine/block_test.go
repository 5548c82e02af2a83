package engine

import (
	"testing"
)

// ========================================
// 块装配: start/delta/stop 基本序列
// ========================================

func TestBlockBuilder_TextConcat(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "text"})
	b.appendDelta(WireDelta{Type: DeltaText, Text: "Hel"})
	b.appendDelta(WireDelta{Type: DeltaText, Text: "lo"})

	block := b.finalize()
	if block.Kind != BlockText {
		t.Fatalf("Kind = %q, want %q", block.Kind, BlockText)
	}
	if block.Text != "Hello" {
		t.Fatalf("Text = %q, want %q", block.Text, "Hello")
	}
}

func TestBlockBuilder_ThinkingUsesThinkingField(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "thinking"})
	b.appendDelta(WireDelta{Type: DeltaThinking, Thinking: "pondering"})
	b.appendDelta(WireDelta{Type: DeltaThinking, Thinking: " deeply"})

	block := b.finalize()
	if block.Kind != BlockThinking {
		t.Fatalf("Kind = %q, want %q", block.Kind, BlockThinking)
	}
	if block.Text != "pondering deeply" {
		t.Fatalf("Text = %q, want %q", block.Text, "pondering deeply")
	}
}

func TestBlockBuilder_ToolArgsParsed(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "tool_use", ID: "tu-1", Name: "read_file"})
	b.appendDelta(WireDelta{Type: DeltaInputJSON, PartialJSON: `{"a":`})
	b.appendDelta(WireDelta{Type: DeltaInputJSON, PartialJSON: `1}`})

	block := b.finalize()
	if block.Kind != BlockToolUse {
		t.Fatalf("Kind = %q, want %q", block.Kind, BlockToolUse)
	}
	if block.ToolName != "read_file" || block.ToolUseID != "tu-1" {
		t.Fatalf("tool identity = (%q, %q), want (read_file, tu-1)", block.ToolName, block.ToolUseID)
	}
	if block.Degraded {
		t.Fatalf("Degraded = true for valid JSON")
	}
	if got, ok := block.ParsedArgs["a"].(float64); !ok || got != 1 {
		t.Fatalf("ParsedArgs[a] = %v, want 1", block.ParsedArgs["a"])
	}
}

func TestBlockBuilder_MalformedArgsDegradeWithoutPanic(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "tool_use", ID: "tu-2", Name: "search"})
	b.appendDelta(WireDelta{Type: DeltaInputJSON, PartialJSON: `{"a":`})

	block := b.finalize()
	if !block.Degraded {
		t.Fatalf("Degraded = false for unterminated JSON")
	}
	if block.ParsedArgs != nil {
		t.Fatalf("ParsedArgs = %v, want nil", block.ParsedArgs)
	}
	if block.ArgsJSON != `{"a":` {
		t.Fatalf("ArgsJSON = %q, want raw fragment preserved", block.ArgsJSON)
	}
}

func TestBlockBuilder_EmptyArgsNotDegraded(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "tool_use", ID: "tu-3", Name: "list_projects"})
	block := b.finalize()
	if block.Degraded {
		t.Fatalf("Degraded = true for argless tool")
	}
	if block.ParsedArgs != nil {
		t.Fatalf("ParsedArgs = %v, want nil", block.ParsedArgs)
	}
}

func TestBlockBuilder_UnknownKindFallsBackToText(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "server_tool_use_v9"})
	b.appendDelta(WireDelta{Type: DeltaText, Text: "payload"})
	block := b.finalize()
	if block.Kind != BlockText {
		t.Fatalf("Kind = %q, want fallback %q", block.Kind, BlockText)
	}
	if block.Text != "payload" {
		t.Fatalf("Text = %q, want %q", block.Text, "payload")
	}
}

func TestBlockBuilder_SeedTextFromStart(t *testing.T) {
	b := newBlockBuilder(WireBlock{Type: "text", Text: "pre"})
	b.appendDelta(WireDelta{Type: DeltaText, Text: "fix"})
	if got := b.finalize().Text; got != "prefix" {
		t.Fatalf("Text = %q, want %q", got, "prefix")
	}
}

func TestParseToolArgs(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantDegraded bool
		wantNil      bool
	}{
		{"empty", "", false, true},
		{"whitespace", "  \n ", false, true},
		{"valid object", `{"path":"/tmp"}`, false, false},
		{"truncated", `{"path":"/tm`, true, true},
		{"non-object", `[1,2,3]`, true, true},
		{"bare word", `null`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, degraded := parseToolArgs(tt.raw)
			if degraded != tt.wantDegraded {
				t.Fatalf("degraded = %v, want %v", degraded, tt.wantDegraded)
			}
			if (args == nil) != tt.wantNil {
				t.Fatalf("args = %v, wantNil = %v", args, tt.wantNil)
			}
		})
	}
}
