package engine

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockKind is the closed set of content block kinds.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockThinking   BlockKind = "thinking"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is one finalized or streaming piece of message content.
// Kind discriminates which fields are meaningful:
//
//	text / thinking  → Text
//	tool_use         → ToolName, ToolUseID, ArgsJSON, ParsedArgs, Degraded
//	tool_result      → ToolUseID, Text, IsError
type ContentBlock struct {
	Kind       BlockKind      `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolUseID  string         `json:"toolUseId,omitempty"`
	ArgsJSON   string         `json:"argsJson,omitempty"`
	ParsedArgs map[string]any `json:"parsedArgs,omitempty"`
	// Degraded is set when tool args never parsed as JSON at block stop.
	Degraded bool `json:"degraded,omitempty"`
	// Progress carries the latest tool_progress note for an in-flight tool.
	Progress string `json:"progress,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

// Message is one entry in a session's conversation ledger.
// Immutable once IsFinal is true. Identity is ID; logical identity for
// live upserts is (Role, ParentToolUseID) within the list tail, so a
// run's consecutive same-parent updates land in one message.
type Message struct {
	ID              string         `json:"id"`
	Role            Role           `json:"role"`
	Content         []ContentBlock `json:"content,omitempty"`
	RawText         string         `json:"rawText,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentToolUseID string         `json:"parentToolUseId,omitempty"`
	IsFinal         bool           `json:"isFinal"`
	IsFailure       bool           `json:"isFailure,omitempty"`

	// liveFrom marks where the current streaming segment begins in
	// Content. Blocks before it were committed by earlier segments of
	// the same logical message and are never rewritten by live updates.
	liveFrom int
}

// TurnState is the lifecycle state of one assistant turn.
type TurnState string

const (
	TurnStreaming TurnState = "streaming"
	TurnCompleted TurnState = "completed"
)

// StepState is the lifecycle state of one step inside a turn.
type StepState string

const (
	StepOpen   StepState = "open"
	StepClosed StepState = "closed"
)

// Step is one content block under construction inside a turn.
// PublishedText is the externally visible streamed prefix; the builder
// keeps the full accumulator until the step closes.
type Step struct {
	Index         int       `json:"index"`
	State         StepState `json:"state"`
	Kind          BlockKind `json:"kind"`
	PublishedText string    `json:"publishedText,omitempty"`
	Block         ContentBlock
	builder       *blockBuilder
}

// toolUseID resolves the tool invocation id whether the step is still
// accumulating or already closed.
func (s *Step) toolUseID() string {
	if s.State == StepClosed {
		return s.Block.ToolUseID
	}
	if s.builder != nil {
		return s.builder.toolUseID
	}
	return ""
}

// Turn is one assistant response cycle. At most one per session is open.
type Turn struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	State           TurnState `json:"state"`
	ParentToolUseID string    `json:"parentToolUseId,omitempty"`
	Steps           []Step    `json:"steps"`
	StartedAt       time.Time `json:"startedAt"`
	openStepIndex   int
}

// Status is the derived per-session state shown on session cards.
// Priority: permission > running > awaiting_input > unread > idle.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusRunning       Status = "running"
	StatusPermission    Status = "permission"
	StatusAwaitingInput Status = "awaiting_input"
	StatusUnread        Status = "unread"
)

// SessionStatus is the UI-ready status snapshot for one session.
type SessionStatus struct {
	SessionID        string    `json:"sessionId"`
	ProjectID        string    `json:"projectId,omitempty"`
	Status           Status    `json:"status"`
	LastActivity     time.Time `json:"lastActivity"`
	HasUnreadResults bool      `json:"hasUnreadResults"`
}

// PermissionRequest is a pending tool-permission prompt for a session.
type PermissionRequest struct {
	RequestID  string         `json:"requestId"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// QueuedMessage is user input held back while its session is busy.
type QueuedMessage struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	QueuedAt    time.Time    `json:"queuedAt"`
}

// Attachment is a lightweight file reference carried with a prompt.
type Attachment struct {
	Kind string `json:"kind,omitempty"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// PaginationState tracks lazily loaded older history for one session.
type PaginationState struct {
	Total         int  `json:"total"`
	LoadedCount   int  `json:"loadedCount"`
	HasMore       bool `json:"hasMore"`
	IsLoadingMore bool `json:"isLoadingMore"`
}

// Usage accumulates token counts reported by result events.
type Usage struct {
	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CacheReadTokens int64 `json:"cacheReadTokens,omitempty"`
}

// AuthStatus is the gateway-level authentication snapshot.
type AuthStatus struct {
	Authenticated bool      `json:"authenticated"`
	Method        string    `json:"method,omitempty"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TimelineEntry is one diagnostic record in a session's event log.
type TimelineEntry struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"receivedAt"`
	Type       string    `json:"type"`
	Subtype    string    `json:"subtype,omitempty"`
	Summary    string    `json:"summary,omitempty"`
}

// SessionSummary is the list-view snapshot for one session.
type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	ProjectID    string    `json:"projectId,omitempty"`
	Model        string    `json:"model,omitempty"`
	Status       Status    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
	Unread       bool      `json:"unread"`
	MessageCount int       `json:"messageCount"`
	QueueLength  int       `json:"queueLength"`
	Usage        Usage     `json:"usage"`
}

// ChangeKind discriminates engine change notifications.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeStatus   ChangeKind = "status"
	ChangeQueue    ChangeKind = "queue"
	ChangeTimeline ChangeKind = "timeline"
	ChangeAuth     ChangeKind = "auth"
	ChangeSessions ChangeKind = "sessions"
)

// Change is one discrete notification emitted after engine state moves.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	SessionID string     `json:"sessionId,omitempty"`
	Seq       uint64     `json:"seq"`
}

// SendRequest is what the engine hands the transport for one prompt.
type SendRequest struct {
	SessionID   string       `json:"sessionId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// sessionRuntime is the per-session mutable state behind the engine
// lock. Snapshot types above are derived copies; this is never exposed.
type sessionRuntime struct {
	sessionID string
	projectID string
	model     string

	openTurn          *Turn
	turnCounter       int
	runActive         bool // send issued or run in progress; cleared on result/error/abort
	awaitingInput     bool
	pendingPermission *PermissionRequest

	hasUnread    bool
	lastActivity time.Time
	usage        Usage
}

func newSessionRuntime(sessionID string) *sessionRuntime {
	return &sessionRuntime{sessionID: sessionID}
}
