package driver

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/go-yahc/yahc/conn"
)

// retryOrFail appends the error to the connection's timeline, then either
// resets to Initialized for the next attempt (if AttemptsLeft remains) or
// advances to UserAction with the failure.
func (d *Driver) retryOrFail(id uuid.UUID, kind conn.Kind, cause error) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	d.appendError(c, kind, cause)
	d.closeSocket(c, false)

	c.AttemptsLeft--
	if c.AttemptsLeft > 0 {
		slog.LogAttrs(context.Background(), slog.LevelDebug,
			"retrying connection",
			slog.String("id", id.String()),
			slog.String("kind", kind.String()),
			slog.Int("attempts_left", c.AttemptsLeft),
			slog.Any("error", cause),
		)
		c.SetState(conn.Initialized, d.now())
		d.loop.AfterFunc(0, func() {
			d.dispatch(id, func() { d.enterInitialized(id) })
		})
		return
	}

	d.enterUserAction(id, kind, cause)
}

// fail skips the retry branch entirely, used for errors that are
// unconditionally terminal (a bad Host configuration, an unsupported
// response).
func (d *Driver) fail(id uuid.UUID, kind conn.Kind, cause error) {
	c, ok := d.conns[id]
	if !ok {
		return
	}
	d.appendError(c, kind, cause)
	d.closeSocket(c, false)
	d.enterUserAction(id, kind, cause)
}

// hookFailed handles a HookFunc returning a non-nil error: an immediate
// transition to UserAction with KindInternal.
func (d *Driver) hookFailed(id uuid.UUID, cause error) {
	d.fail(id, conn.KindInternal, cause)
}

// timeout synthesizes a *conn.Error for a firing deadline. RequestTimeout
// spans every attempt and is never retried: it is armed once and never
// rearmed; the per-attempt ConnectTimeout/DrainTimeout deadlines go
// through the normal retry branch like any other I/O failure.
func (d *Driver) timeout(id uuid.UUID, kind conn.Kind) {
	if _, ok := d.conns[id]; !ok {
		return
	}
	if kind == conn.KindTimeoutRequest {
		d.fail(id, kind, errTimeout)
		return
	}
	d.retryOrFail(id, kind, errTimeout)
}

var errTimeout = driverError("driver: deadline exceeded")

func (d *Driver) appendError(c *conn.Connection, kind conn.Kind, cause error) {
	c.AppendError(&conn.Error{
		Kind:   kind,
		Cause:  cause,
		Target: c.Target,
		At:     d.now(),
	})
}
