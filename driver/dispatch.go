package driver

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/go-yahc/yahc/conn"
	"github.com/go-yahc/yahc/reactor"
	"github.com/go-yahc/yahc/sockcache"
	"github.com/go-yahc/yahc/timer"
	"github.com/go-yahc/yahc/wire"
)

// logState emits a Debug record for a connection's entry into its current
// state.
func (d *Driver) logState(id uuid.UUID, c *conn.Connection) {
	slog.LogAttrs(context.Background(), slog.LevelDebug,
		"state transition",
		slog.String("id", id.String()),
		slog.String("state", c.State.String()),
		slog.String("target", c.Target.String()),
	)
}

// dispatch is the single entry point every state transition runs through,
// recovering a panicking hook or callback so one misbehaving connection
// never takes down the loop.
func (d *Driver) dispatch(id uuid.UUID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c, ok := d.conns[id]
			if !ok {
				return
			}
			if tm, ok := d.timers[id]; ok {
				tm.Cancel()
			}
			d.closeSocket(c, false)
			c.SetState(conn.Completed, d.now())
		}
	}()
	if c, ok := d.conns[id]; ok && c.State == conn.Completed {
		// A timer or I/O callback still pending when the connection
		// completed (e.g. after Drop) must not revive it.
		return
	}
	fn()
}

func (d *Driver) enterInitialized(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	if !c.KeepTimeline && c.Attempt() > 0 {
		c.ResetTimeline()
	}
	// A retry or reinit has already recorded its return to Initialized, so
	// only a fresh timeline needs the entry here.
	if len(c.Timeline) == 0 {
		c.SetState(conn.Initialized, d.now())
	}
	c.BeginAttempt()

	target, err := conn.NextTarget(c.Req.HostSel, c.Attempt()-1, c.Req.Scheme)
	if err != nil {
		d.fail(id, conn.KindInternal, err)
		return
	}
	c.Target = target
	d.logState(id, c)

	if c.Req.RequestTimeout > 0 && c.Attempt() == 1 {
		d.timers[id].Start(timer.KindRequest, c.Req.RequestTimeout, func(timer.Kind) {
			d.dispatch(id, func() { d.timeout(id, conn.KindTimeoutRequest) })
		})
	}

	if c.Req.OnInit != nil {
		if err := c.Req.OnInit(c); err != nil {
			d.hookFailed(id, err)
			return
		}
	}

	d.enterResolveDNS(id)
}

func (d *Driver) enterResolveDNS(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	c.SetState(conn.ResolveDNS, d.now())
	d.logState(id, c)

	ip, err := d.resolveIP(c.Target.Host)
	if err != nil {
		d.retryOrFail(id, conn.KindConnect, err)
		return
	}
	c.Target.IP = ip

	d.enterConnecting(id)
}

func (d *Driver) enterConnecting(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	c.SetState(conn.Connecting, d.now())
	d.logState(id, c)

	if c.Req.OnConnecting != nil {
		if err := c.Req.OnConnecting(c); err != nil {
			d.hookFailed(id, err)
			return
		}
	}

	if d.sockCache != nil {
		key := sockcache.KeyFor(d.pid, c.Target)
		entry, ok := d.sockCache.Get(key)
		if ok {
			slog.LogAttrs(context.Background(), slog.LevelDebug,
				"socket cache hit",
				slog.String("id", id.String()),
				slog.String("target", c.Target.String()),
			)
			d.connOf(c).set(entry.Conn)
			d.connOf(c).tls = entry.TLS
			d.enterConnected(id)
			return
		}
		slog.LogAttrs(context.Background(), slog.LevelDebug,
			"socket cache miss",
			slog.String("id", id.String()),
			slog.String("target", c.Target.String()),
		)
	}

	d.timers[id].Start(timer.KindConnect, c.Req.ConnectTimeout, func(timer.Kind) {
		d.dispatch(id, func() { d.timeout(id, conn.KindTimeoutConnect) })
	})

	sem := d.semaphoreFor(c.Target.CacheKeyHost())
	if sem != nil && !sem.TryAcquire(1) {
		// No slot free this tick; retry shortly without consuming an
		// attempt rather than treating contention as a failure.
		d.loop.AfterFunc(time.Millisecond, func() {
			d.dispatch(id, func() { d.enterConnecting(id) })
		})
		return
	}

	addr := addrFor(c.Target)
	d.loop.AsyncDial("tcp", addr, c.Req.ConnectTimeout, func(rc reactor.Conn, err error) {
		if sem != nil {
			sem.Release(1)
		}
		d.dispatch(id, func() {
			if err != nil {
				d.retryOrFail(id, conn.KindConnect, err)
				return
			}
			d.connOf(c).set(rc)
			d.enterConnected(id)
		})
	})
}

func (d *Driver) enterConnected(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	cs := d.connOf(c)
	// For https the connect deadline also covers the TLS handshake, so it
	// stays armed until enterWriting replaces it.
	if c.Target.Scheme != "https" || cs.tls {
		d.timers[id].Cancel()
	}
	c.SetState(conn.Connected, d.now())
	d.logState(id, c)

	if c.Req.OnConnected != nil {
		if err := c.Req.OnConnected(c); err != nil {
			d.hookFailed(id, err)
			return
		}
	}

	if c.Target.Scheme == "https" && !cs.tls {
		d.enterSSLHandshake(id)
		return
	}

	d.enterWriting(id)
}

func (d *Driver) enterSSLHandshake(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	c.SetState(conn.SSLHandshake, d.now())
	d.logState(id, c)

	cs := d.connOf(c)
	cs.conn.UpgradeTLS(&tls.Config{}, c.Target.Host, func(upgraded reactor.Conn, err error) {
		d.dispatch(id, func() {
			if err != nil {
				d.retryOrFail(id, conn.KindTLS, err)
				return
			}
			cs.set(upgraded)
			cs.tls = true
			d.enterWriting(id)
		})
	})
}

func (d *Driver) enterWriting(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	c.SetState(conn.Writing, d.now())
	d.logState(id, c)

	if c.Req.OnWriting != nil {
		if err := c.Req.OnWriting(c); err != nil {
			d.hookFailed(id, err)
			return
		}
	}

	if buf, _ := c.WriteBuffer(); buf == nil {
		buf = wire.EncodeRequest(wire.RequestFields{
			Protocol: c.Req.Protocol,
			Method:   c.Req.Method,
			Path:     c.Req.Path,
			Query:    c.Req.Query,
			Head:     c.Req.Head,
			Body:     c.Req.Body,
			Warn:     c.Req.Warn,
		})
		c.SetWriteBuffer(buf)
	}

	d.timers[id].Start(timer.KindDrain, c.Req.DrainTimeout, func(timer.Kind) {
		d.dispatch(id, func() { d.timeout(id, conn.KindTimeoutDrain) })
	})

	d.writeMore(id)
}

func (d *Driver) writeMore(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	buf, off := c.WriteBuffer()
	cs := d.connOf(c)
	cs.conn.AsyncWrite(buf[off:], func(n int, err error) {
		d.dispatch(id, func() {
			if err != nil {
				d.retryOrFail(id, conn.KindWrite, err)
				return
			}
			if c.AdvanceWriteOffset(n) {
				d.enterReading(id)
				return
			}
			d.writeMore(id)
		})
	})
}

func (d *Driver) enterReading(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	d.timers[id].Cancel()
	c.SetState(conn.Reading, d.now())
	d.logState(id, c)

	if c.Req.OnReading != nil {
		if err := c.Req.OnReading(c); err != nil {
			d.hookFailed(id, err)
			return
		}
	}

	d.readMore(id)
}

func (d *Driver) readMore(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	cs := d.connOf(c)
	buf := make([]byte, 64*1024)
	cs.conn.AsyncRead(buf, func(n int, err error) {
		d.dispatch(id, func() {
			if n > 0 {
				_, done, perr := c.Parser().Feed(buf[:n])
				if perr != nil {
					d.fail(id, conn.KindResponse, perr)
					return
				}
				if done {
					c.Response = c.Parser().Result()
					d.enterUserAction(id, conn.KindNone, nil)
					return
				}
			}
			if err != nil {
				d.retryOrFail(id, conn.KindRead, err)
				return
			}
			d.readMore(id)
		})
	})
}

func (d *Driver) enterUserAction(id uuid.UUID, kind conn.Kind, cause error) {
	c, ok := d.conns[id]
	if !ok {
		return
	}

	d.timers[id].Cancel()

	d.settleSocket(c, kind == conn.KindNone && len(c.Errors) == 0 && isKeepAlive(c.Response))

	c.SetState(conn.UserAction, d.now())
	d.logState(id, c)

	if kind != conn.KindNone {
		slog.LogAttrs(context.Background(), slog.LevelError,
			"terminal failure",
			slog.String("id", id.String()),
			slog.String("target", c.Target.String()),
			slog.String("kind", kind.String()),
			slog.Any("error", cause),
		)
	}

	if c.Req.Callback != nil {
		c.Req.Callback(c, kind, cause)
	}

	action := c.ApplyPendingAction()
	switch action {
	case conn.ActionRetry, conn.ActionReinit:
		c.SetState(conn.Initialized, d.now())
		d.loop.AfterFunc(0, func() {
			d.dispatch(id, func() { d.enterInitialized(id) })
		})
	default:
		c.SetState(conn.Completed, d.now())
		d.logState(id, c)
	}
}

// isKeepAlive decides whether a completed response leaves the connection
// reusable: only an HTTP/1.1 response without Connection: close qualifies.
// HTTP/1.0 responses are never treated as reusable, even with an explicit
// Connection: keep-alive.
func isKeepAlive(resp wire.Response) bool {
	if resp.Proto != "HTTP/1.1" {
		return false
	}
	return !resp.Head.Connection().Close
}
