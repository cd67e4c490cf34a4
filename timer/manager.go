// Package timer schedules the three per-attempt deadlines — connect,
// drain, and request — on top of a reactor.Loop's one-shot AfterFunc, so
// package driver never calls AfterFunc directly and never has to reason
// about canceling a timer that already fired.
package timer

import (
	"time"

	"github.com/go-yahc/yahc/reactor"
)

// Kind identifies which of the three deadlines a Manager's callback fired
// for.
type Kind int

const (
	KindConnect Kind = iota
	KindDrain
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDrain:
		return "drain"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Manager owns at most one in-flight timer per connection at a time: at
// most one deadline timer is armed per connection at any moment. Starting
// a new deadline implicitly cancels whichever one was previously armed.
type Manager struct {
	loop reactor.Loop

	active reactor.Timer
	gen    uint64
}

// New constructs a Manager bound to loop.
func New(loop reactor.Loop) *Manager {
	return &Manager{loop: loop}
}

// Start arms a deadline of kind d, replacing any previously armed deadline.
// cb is invoked with kind when d elapses, unless Cancel or a later Start
// runs first. A zero or negative d means no deadline is armed, e.g. a
// disabled request timeout.
func (m *Manager) Start(kind Kind, d time.Duration, cb func(Kind)) {
	m.Cancel()
	if d <= 0 {
		return
	}

	m.gen++
	gen := m.gen
	m.active = m.loop.AfterFunc(d, func() {
		// A timer that fires after a newer Start/Cancel is a stale
		// callback already queued on the loop; drop it rather than
		// invoke a deadline for a phase the connection has since left.
		if gen != m.gen {
			return
		}
		m.active = nil
		cb(kind)
	})
}

// Cancel stops whichever deadline is currently armed, if any. Safe to call
// when nothing is armed.
func (m *Manager) Cancel() {
	m.gen++
	if m.active != nil {
		m.active.Stop()
		m.active = nil
	}
}

// Armed reports whether a deadline is currently in flight.
func (m *Manager) Armed() bool {
	return m.active != nil
}
