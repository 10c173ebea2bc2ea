package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	all := []Status{
		StatusCreated, StatusPending, StatusApproved,
		StatusRejected, StatusTimedOut, StatusExecuted, StatusCancelled,
	}
	allowed := map[Status]map[Status]bool{
		StatusCreated:  {StatusPending: true},
		StatusPending:  {StatusApproved: true, StatusRejected: true, StatusTimedOut: true, StatusCancelled: true},
		StatusApproved: {StatusExecuted: true},
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusCreated, false},
		{StatusPending, false},
		{StatusApproved, false},
		{StatusRejected, true},
		{StatusTimedOut, true},
		{StatusExecuted, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []Status{
		StatusCreated, StatusPending, StatusApproved,
		StatusRejected, StatusTimedOut, StatusExecuted, StatusCancelled,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}
