// status.go — 会话状态派生与外部活跃表对账。
package engine

import (
	"github.com/navihq/navi-desk/pkg/logger"
)

// deriveStatus folds a session's runtime flags into one card status.
// Priority, highest first: permission > running > awaiting_input >
// unread > idle.
func deriveStatus(rt *sessionRuntime) Status {
	switch {
	case rt.pendingPermission != nil:
		return StatusPermission
	case rt.runActive || rt.openTurn != nil:
		return StatusRunning
	case rt.awaitingInput:
		return StatusAwaitingInput
	case rt.hasUnread:
		return StatusUnread
	default:
		return StatusIdle
	}
}

// statusSnapshot builds the UI-ready view for one session.
func statusSnapshot(rt *sessionRuntime) SessionStatus {
	return SessionStatus{
		SessionID:        rt.sessionID,
		ProjectID:        rt.projectID,
		Status:           deriveStatus(rt),
		LastActivity:     rt.lastActivity,
		HasUnreadResults: rt.hasUnread,
	}
}

// ActiveSession is one row of the external active-session poll.
type ActiveSession struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// reconcileActiveLocked aligns runtime state with the authoritative
// active list. A session we believe is running but the backend no longer
// reports active lost its run without a result event; it settles the same
// way a result would, so the status goes idle when focused and unread
// when backgrounded instead of sticking at running forever.
func (e *Engine) reconcileActiveLocked(active []ActiveSession, ac *applyCtx) {
	activeSet := make(map[string]struct{}, len(active))
	for _, a := range active {
		activeSet[a.SessionID] = struct{}{}
		rt := e.ensureSessionLocked(a.SessionID, ac)
		if a.ProjectID != "" && rt.projectID == "" {
			rt.projectID = a.ProjectID
		}
	}

	for id, rt := range e.sessions {
		if _, stillActive := activeSet[id]; stillActive {
			continue
		}
		if !rt.runActive && rt.openTurn == nil {
			continue
		}
		logger.Warn("engine: session gone from active list, settling as finished",
			logger.FieldSessionID, id,
			logger.FieldStatus, string(deriveStatus(rt)))
		e.settleRunLocked(rt, true, ac)
	}
}
