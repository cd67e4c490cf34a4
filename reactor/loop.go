// Package reactor adapts an external, readiness-based event loop to the
// narrow contract package driver needs: non-blocking connect/read/write
// with completion callbacks, one-shot timers, an idle/check hook, and
// run/run_once/run_nowait/break semantics. The driver never owns the loop
// directly — it only ever sees a Loop and the Conn handles it hands back —
// and never assumes the loop is thread-safe: every Loop and Conn method is
// called from a single goroutine.
//
// The contract is expressed one level above raw fd readiness registration
// (AsyncRead/AsyncWrite completion callbacks rather than Register(fd,
// readable, writable)) because that is the shape the concrete production
// adapter's backing library, github.com/talostrading/sonic, exposes: a
// non-blocking, readiness-driven sonic.Conn already folds fd registration
// into AsyncRead/AsyncWrite.
package reactor

import (
	"crypto/tls"
	"net"
	"time"
)

// Watcher is an opaque handle to a registered idle watcher or in-flight
// async operation that can be canceled before it completes.
type Watcher interface {
	Cancel() error
}

// Timer is an opaque handle to a scheduled one-shot callback.
type Timer interface {
	// Stop cancels the timer if it has not already fired. It is safe to
	// call Stop on an already-fired or already-stopped timer.
	Stop()
}

// Conn is a non-blocking connection handle driven entirely by completion
// callbacks. Concrete implementations wrap a sonic.Conn (production) or an
// in-memory pipe (tests).
type Conn interface {
	// AsyncRead reads into buf, invoking cb with the number of bytes read
	// (which may be 0) and any error once data is available or the
	// connection fails.
	AsyncRead(buf []byte, cb func(n int, err error))

	// AsyncWrite writes buf, invoking cb once the write completes or
	// fails. A partial write is reported via n; the driver re-issues the
	// remainder.
	AsyncWrite(buf []byte, cb func(n int, err error))

	// UpgradeTLS wraps the connection in a TLS client, driving the
	// handshake asynchronously and invoking cb on completion. The
	// returned Conn replaces this one for subsequent reads/writes.
	UpgradeTLS(cfg *tls.Config, serverName string, cb func(Conn, error))

	// NetConn exposes the underlying net.Conn, needed for liveness probes
	// (sockcache) and for handing a socket back to the cache.
	NetConn() net.Conn

	Close() error
	Closed() bool
}

// Loop is the event-loop integration contract.
type Loop interface {
	// AsyncDial resolves and connects to address over network ("tcp",
	// "tcp4", or "tcp6"), invoking cb with the resulting Conn or an error.
	// If conn is already non-nil (socket cache reuse), the driver skips
	// AsyncDial entirely.
	AsyncDial(network, address string, timeout time.Duration, cb func(Conn, error))

	// AfterFunc schedules cb to run once after d elapses.
	AfterFunc(d time.Duration, cb func()) Timer

	// OnIdle registers cb to run once per loop iteration regardless of
	// readiness, used for the signal-accounting opt-in.
	OnIdle(cb func()) (Watcher, error)

	// Run blocks until Break is called or the loop has no more work.
	Run() error

	// RunOnce performs a single iteration, blocking until at least one
	// event is ready.
	RunOnce() error

	// RunNowait performs a single non-blocking iteration.
	RunNowait() error

	// Break stops the current or next Run at the next safe point, without
	// altering any registered watcher or connection state.
	Break()

	// IsRunning reports whether Run is currently blocked in its loop.
	IsRunning() bool
}
