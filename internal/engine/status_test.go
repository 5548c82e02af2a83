package engine

import "testing"

// 状态优先级: permission > running > awaiting_input > unread > idle。
func TestDeriveStatus_Priority(t *testing.T) {
	perm := &PermissionRequest{RequestID: "p1", ToolName: "bash"}
	tests := []struct {
		name string
		rt   sessionRuntime
		want Status
	}{
		{"idle by default", sessionRuntime{}, StatusIdle},
		{"unread", sessionRuntime{hasUnread: true}, StatusUnread},
		{"awaiting beats unread", sessionRuntime{hasUnread: true, awaitingInput: true}, StatusAwaitingInput},
		{"running beats awaiting", sessionRuntime{awaitingInput: true, runActive: true}, StatusRunning},
		{"open turn counts as running", sessionRuntime{openTurn: &Turn{}}, StatusRunning},
		{"permission beats running", sessionRuntime{runActive: true, pendingPermission: perm}, StatusPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveStatus(&tt.rt); got != tt.want {
				t.Fatalf("deriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}
