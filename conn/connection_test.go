package conn

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewConnectionInitialState(t *testing.T) {
	req := Request{Retries: 2}
	c := NewConnection(uuid.New(), req)

	if c.State != Initialized {
		t.Fatalf("State = %v, want Initialized", c.State)
	}
	if c.AttemptsLeft != 3 {
		t.Fatalf("AttemptsLeft = %d, want 3", c.AttemptsLeft)
	}
	if c.Attempt() != 0 {
		t.Fatalf("Attempt() = %d, want 0", c.Attempt())
	}
}

func TestSetStateAppendsTimeline(t *testing.T) {
	c := NewConnection(uuid.New(), Request{})

	now := time.Now()
	c.SetState(ResolveDNS, now)
	c.SetState(Connecting, now.Add(time.Millisecond))

	if len(c.Timeline) != 2 {
		t.Fatalf("len(Timeline) = %d, want 2", len(c.Timeline))
	}
	if c.Timeline[0].State != ResolveDNS || c.Timeline[1].State != Connecting {
		t.Fatalf("unexpected timeline: %+v", c.Timeline)
	}
	if c.State != Connecting {
		t.Fatalf("State = %v, want Connecting", c.State)
	}
}

func TestAppendErrorNeverCleared(t *testing.T) {
	c := NewConnection(uuid.New(), Request{Retries: 1})

	c.AppendError(&Error{Kind: KindConnect, Target: Target{Host: "a"}, At: time.Now()})
	c.BeginAttempt()
	c.AppendError(&Error{Kind: KindRead, Target: Target{Host: "a"}, At: time.Now()})

	if len(c.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2 (errors must survive across attempts)", len(c.Errors))
	}
	last, ok := c.LastError()
	if !ok || last.Kind != KindRead {
		t.Fatalf("LastError = %+v, %v; want KindRead, true", last, ok)
	}
}

func TestBeginAttemptResetsScratchState(t *testing.T) {
	c := NewConnection(uuid.New(), Request{})
	c.SetWriteBuffer([]byte("GET / HTTP/1.1\r\n\r\n"))
	c.AdvanceWriteOffset(5)

	c.BeginAttempt()

	buf, off := c.WriteBuffer()
	if buf != nil || off != 0 {
		t.Fatalf("WriteBuffer after BeginAttempt = %v, %d; want nil, 0", buf, off)
	}
	if c.Attempt() != 1 {
		t.Fatalf("Attempt() = %d, want 1", c.Attempt())
	}
}

func TestRetryConnNoopAtZeroBudget(t *testing.T) {
	c := NewConnection(uuid.New(), Request{Retries: 0})
	c.AttemptsLeft = 0

	c.RetryConn()

	action, _ := c.PendingAction()
	if action != ActionNone {
		t.Fatalf("PendingAction = %v, want ActionNone when AttemptsLeft is 0", action)
	}
}

func TestApplyPendingActionRetry(t *testing.T) {
	c := NewConnection(uuid.New(), Request{Retries: 2})
	c.RetryConn()

	applied := c.ApplyPendingAction()
	if applied != ActionRetry {
		t.Fatalf("applied = %v, want ActionRetry", applied)
	}
	if c.AttemptsLeft != 2 {
		t.Fatalf("AttemptsLeft = %d, want 2 after one retry", c.AttemptsLeft)
	}
	action, _ := c.PendingAction()
	if action != ActionNone {
		t.Fatalf("PendingAction after apply = %v, want ActionNone", action)
	}
}

func TestApplyPendingActionReinitResetsBudgetAndOverridesHead(t *testing.T) {
	c := NewConnection(uuid.New(), Request{Retries: 1})
	c.AttemptsLeft = 0

	c.ReinitConn(Overrides{
		HasHead: true,
		Head:    []HeaderOverride{{Name: "X-Test", Value: "1"}},
	})
	applied := c.ApplyPendingAction()

	if applied != ActionReinit {
		t.Fatalf("applied = %v, want ActionReinit", applied)
	}
	if c.AttemptsLeft != 2 {
		t.Fatalf("AttemptsLeft = %d, want reset to 2", c.AttemptsLeft)
	}
	if len(c.Req.Head) != 1 || c.Req.Head[0].Name != "X-Test" {
		t.Fatalf("Req.Head = %+v, want overridden X-Test", c.Req.Head)
	}
}

func TestApplyPendingActionDrop(t *testing.T) {
	c := NewConnection(uuid.New(), Request{})
	c.Drop()

	if applied := c.ApplyPendingAction(); applied != ActionDrop {
		t.Fatalf("applied = %v, want ActionDrop", applied)
	}
}

func TestIsValidTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Initialized, ResolveDNS, true},
		{Initialized, Connecting, true},
		{Initialized, Reading, false},
		{Reading, UserAction, true},
		{UserAction, Completed, true},
		{Completed, Initialized, false},
	}
	for _, tc := range cases {
		if got := IsValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("IsValidTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
