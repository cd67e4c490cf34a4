package conn

import (
	"time"

	"github.com/google/uuid"

	"github.com/go-yahc/yahc/wire"
)

// Connection is the per-attempt record the driver drives through State's
// graph: identity, request, resolved target, the append-only error and
// state timelines, and the low-level wire scratch space the driver's
// dispatch loop needs between callback invocations. Only the owning
// driver's single goroutine may touch a Connection; hook and terminal
// callbacks receive it only for the duration of their own call.
type Connection struct {
	ID uuid.UUID

	State  State
	Req    Request
	Target Target

	// AttemptsLeft starts at Req.Retries+1. The driver decrements it on
	// every failed attempt and starts another attempt only while it stays
	// positive; RetryConn also decrements it, and ReinitConn resets it to
	// Req.Retries+1.
	AttemptsLeft int
	attempt      int

	Response wire.Response

	// Errors is append-only: a retry never clears it, even across retries.
	Errors []ErrorEntry

	// Timeline is append-only across the lifetime of the Connection value,
	// spanning every attempt, unless KeepTimeline is false in which case
	// only the current attempt's entries are retained.
	Timeline     []StateEntry
	KeepTimeline bool

	// Socket-facing scratch state, valid only while State.HasSocket() is
	// true. The driver clears these on every return to Initialized.
	writeBuf []byte
	writeOff int

	parser *wire.ResponseParser

	pendingAction    Action
	pendingOverrides Overrides
}

// NewConnection constructs a Connection ready for its first INITIALIZED
// dispatch.
func NewConnection(id uuid.UUID, req Request) *Connection {
	c := &Connection{
		ID:           id,
		State:        Initialized,
		Req:          req,
		AttemptsLeft: req.Retries + 1,
		KeepTimeline: true,
	}
	return c
}

// Attempt returns how many attempts have begun: 0 before the first
// dispatch, 1 during the first attempt, and so on. It keeps counting
// across RetryConn and ReinitConn.
func (c *Connection) Attempt() int {
	return c.attempt
}

// BeginAttempt increments the attempt counter and resets per-attempt
// socket/parser scratch state. Called by the driver each time it enters
// Initialized to start an attempt, before the attempt's target is chosen.
func (c *Connection) BeginAttempt() {
	c.attempt++
	c.writeBuf = nil
	c.writeOff = 0
	c.parser = wire.NewResponseParser()
	c.Response = wire.Response{}
}

// SetState records the transition in the Timeline and updates State.
// Neither SetState nor the driver checks the edge with IsValidTransition,
// since a small number of internal transitions (e.g. forced Drop)
// intentionally bypass the graph.
func (c *Connection) SetState(s State, at time.Time) {
	c.State = s
	c.Timeline = append(c.Timeline, StateEntry{State: s, At: at})
}

// ResetTimeline discards all recorded entries, used when KeepTimeline is
// false and a new attempt begins.
func (c *Connection) ResetTimeline() {
	c.Timeline = c.Timeline[:0]
}

// AppendError records a failure to the error timeline. It never replaces or
// removes a prior entry.
func (c *Connection) AppendError(err *Error) {
	c.Errors = append(c.Errors, newErrorEntry(err))
}

// LastError returns the most recently appended error entry, if any.
func (c *Connection) LastError() (ErrorEntry, bool) {
	if len(c.Errors) == 0 {
		return ErrorEntry{}, false
	}
	return c.Errors[len(c.Errors)-1], true
}

// WriteBuffer returns the pending write buffer and how much of it has
// already been flushed to the socket.
func (c *Connection) WriteBuffer() ([]byte, int) {
	return c.writeBuf, c.writeOff
}

// SetWriteBuffer installs a freshly encoded request as the pending write
// buffer, resetting the flushed offset to zero.
func (c *Connection) SetWriteBuffer(buf []byte) {
	c.writeBuf = buf
	c.writeOff = 0
}

// AdvanceWriteOffset records n additional flushed bytes and reports whether
// the whole buffer has now been written.
func (c *Connection) AdvanceWriteOffset(n int) bool {
	c.writeOff += n
	return c.writeOff >= len(c.writeBuf)
}

// Parser returns the incremental response parser for the current attempt,
// lazily constructing one if BeginAttempt has not yet run (defensive: every
// real dispatch path calls BeginAttempt first).
func (c *Connection) Parser() *wire.ResponseParser {
	if c.parser == nil {
		c.parser = wire.NewResponseParser()
	}
	return c.parser
}

// applyOverrides mutates Req in place per a Overrides value supplied to
// ReinitConn, converting the package-local HeaderOverride list to
// wire.HeaderField.
func (c *Connection) applyOverrides(o Overrides) {
	if o.HasHost {
		c.Req.HostSel = o.Host
	}
	if o.HasMethod {
		c.Req.Method = o.Method
	}
	if o.HasPath {
		c.Req.Path = o.Path
	}
	if o.HasQuery {
		c.Req.Query = o.Query
	}
	if o.HasHead {
		head := make([]wire.HeaderField, len(o.Head))
		for i, h := range o.Head {
			head[i] = wire.HeaderField{Name: h.Name, Value: h.Value}
		}
		c.Req.Head = head
	}
	if o.HasBody {
		c.Req.Body = o.Body
	}
}

// ApplyPendingAction is called by the driver once a terminal callback has
// returned. It applies whatever RetryConn/ReinitConn/Drop requested during
// the callback and clears the pending action. It reports the action that
// was applied so the driver can decide the next dispatch step.
func (c *Connection) ApplyPendingAction() Action {
	action := c.pendingAction

	switch action {
	case ActionRetry:
		c.AttemptsLeft--
	case ActionReinit:
		c.applyOverrides(c.pendingOverrides)
		c.AttemptsLeft = c.Req.Retries + 1
	case ActionDrop:
		// Nothing to apply; the driver moves straight to Completed.
	}

	c.ClearPendingAction()
	return action
}
