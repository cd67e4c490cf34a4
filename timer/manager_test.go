package timer

import (
	"testing"
	"time"

	"github.com/go-yahc/yahc/reactor"
)

func TestManagerStartFiresAfterDeadline(t *testing.T) {
	loop := reactor.NewFakeLoop()
	m := New(loop)

	var fired Kind
	var count int
	m.Start(KindConnect, 10*time.Millisecond, func(k Kind) {
		fired = k
		count++
	})

	loop.Advance(20 * time.Millisecond)

	if count != 1 || fired != KindConnect {
		t.Fatalf("count=%d fired=%v, want 1, KindConnect", count, fired)
	}
}

func TestManagerStartCancelsPriorDeadline(t *testing.T) {
	loop := reactor.NewFakeLoop()
	m := New(loop)

	count := 0
	m.Start(KindConnect, 10*time.Millisecond, func(Kind) { count++ })
	m.Start(KindDrain, 10*time.Millisecond, func(Kind) { count++ })

	loop.Advance(50 * time.Millisecond)

	if count != 1 {
		t.Fatalf("count = %d, want 1 (only the second Start's deadline should fire)", count)
	}
}

func TestManagerCancelPreventsFire(t *testing.T) {
	loop := reactor.NewFakeLoop()
	m := New(loop)

	fired := false
	m.Start(KindRequest, 10*time.Millisecond, func(Kind) { fired = true })
	m.Cancel()

	loop.Advance(20 * time.Millisecond)

	if fired {
		t.Fatal("Cancel did not prevent the deadline from firing")
	}
	if m.Armed() {
		t.Fatal("Armed() = true after Cancel")
	}
}

func TestManagerZeroDurationArmsNothing(t *testing.T) {
	loop := reactor.NewFakeLoop()
	m := New(loop)

	fired := false
	m.Start(KindRequest, 0, func(Kind) { fired = true })

	loop.Advance(time.Hour)

	if fired {
		t.Fatal("zero duration should not arm a deadline")
	}
	if m.Armed() {
		t.Fatal("Armed() = true after a zero-duration Start")
	}
}
