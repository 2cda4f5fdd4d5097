package db

import "testing"

func TestJobStateTerminal(t *testing.T) {
	terminal := []string{JobStateCompleted, JobStateFailed, JobStateCancelled}
	for _, state := range terminal {
		if !JobStateTerminal(state) {
			t.Errorf("%s should be terminal", state)
		}
	}

	open := []string{JobStatePending, JobStateProcessing, ""}
	for _, state := range open {
		if JobStateTerminal(state) {
			t.Errorf("%q should not be terminal", state)
		}
	}
}

func TestTerminalJobState(t *testing.T) {
	if got := TerminalJobState(0); got != JobStateCompleted {
		t.Errorf("no failed tickets = %q, want completed", got)
	}
	if got := TerminalJobState(1); got != JobStateFailed {
		t.Errorf("one failed ticket = %q, want failed", got)
	}
}

func TestResolveNotificationState(t *testing.T) {
	cases := []struct {
		sent, failed int
		want         string
	}{
		{10, 0, NotificationStateSent},
		{0, 0, NotificationStateSent},
		{7, 3, NotificationStatePartial},
		{0, 10, NotificationStateFailed},
	}
	for _, tc := range cases {
		if got := ResolveNotificationState(tc.sent, tc.failed); got != tc.want {
			t.Errorf("ResolveNotificationState(%d, %d) = %q, want %q",
				tc.sent, tc.failed, got, tc.want)
		}
	}
}

func TestNotificationTerminal(t *testing.T) {
	for _, state := range []string{NotificationStateSent, NotificationStatePartial, NotificationStateFailed} {
		n := Notification{State: state}
		if !n.Terminal() {
			t.Errorf("%s should be terminal", state)
		}
	}
	n := Notification{State: NotificationStatePending}
	if n.Terminal() {
		t.Error("pending should not be terminal")
	}
}

func TestNewTicketCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewTicketCode()
		if len(code) != 22 {
			t.Fatalf("code %q length = %d, want 22", code, len(code))
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}
