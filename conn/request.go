package conn

import (
	"time"

	"github.com/go-yahc/yahc/wire"
)

// HookFunc is invoked on entry to one of the intermediate states. Returning
// an error immediately transitions the connection to USER_ACTION with
// KindInternal.
type HookFunc func(c *Connection) error

// TerminalFunc is the terminal callback, invoked exactly once on entry to
// USER_ACTION. When kind == KindNone, c.Response is populated; otherwise
// its fields are the zero value and must not be read.
type TerminalFunc func(c *Connection, kind Kind, err error)

// Request is the immutable-per-attempt record: protocol, scheme, method,
// path, query, an ordered header list, body, per-attempt callbacks, three
// timeouts, and a retry budget.
type Request struct {
	Protocol any
	Scheme   string
	Method   any
	Path     any
	Query    any
	Head     []wire.HeaderField
	Body     any

	HostSel Host

	OnInit       HookFunc
	OnConnecting HookFunc
	OnConnected  HookFunc
	OnWriting    HookFunc
	OnReading    HookFunc
	Callback     TerminalFunc

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	DrainTimeout   time.Duration

	Retries int

	// Warn is invoked when EncodeRequest encounters a field passed as a
	// bare (non-wire.Binary) string.
	Warn wire.WarnFunc
}

// StateEntry is one append-only timeline record: a state and the time the
// connection entered it.
type StateEntry struct {
	State State
	At    time.Time
}
