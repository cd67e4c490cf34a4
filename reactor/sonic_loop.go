package reactor

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/talostrading/sonic"
)

// sonicLoop is the production Loop implementation, backed by
// github.com/talostrading/sonic's non-blocking I/O context. sonic.IO is
// itself a readiness-driven reactor, so this adapter is intentionally
// thin: it exists so package driver never imports sonic directly, keeping
// the dependency confined to this one file.
type sonicLoop struct {
	ioc     *sonic.IO
	running atomic.Bool
	broken  atomic.Bool
}

// NewSonicLoop constructs the production event loop adapter.
func NewSonicLoop() (Loop, error) {
	ioc := sonic.NewIO()
	return &sonicLoop{ioc: ioc}, nil
}

func (l *sonicLoop) AsyncDial(network, address string, timeout time.Duration, cb func(Conn, error)) {
	timer := sonic.NewTimer(l.ioc)
	timer.ScheduleOnce(timeout, func() {
		// No-op: the dial is not aborted when timeout elapses. The timer is
		// closed once the dial callback runs; the driver's own connect
		// deadline handles a dial that stalls.
	})

	sonic.AsyncDial(l.ioc, network, address, func(err error, conn sonic.Conn) {
		timer.Close()
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&sonicConn{conn: conn}, nil)
	})
}

func (l *sonicLoop) AfterFunc(d time.Duration, cb func()) Timer {
	t := sonic.NewTimer(l.ioc)
	t.ScheduleOnce(d, cb)
	return &sonicTimer{t: t}
}

func (l *sonicLoop) OnIdle(cb func()) (Watcher, error) {
	w := l.ioc.OnIdle(cb)
	return &sonicWatcher{cancel: w}, nil
}

func (l *sonicLoop) Run() error {
	l.running.Store(true)
	defer l.running.Store(false)

	for !l.broken.Load() {
		if err := l.ioc.PollOne(); err != nil {
			if err == sonic.ErrNoOp {
				return nil
			}
			return err
		}
	}
	l.broken.Store(false)
	return nil
}

func (l *sonicLoop) RunOnce() error {
	return l.ioc.PollOne()
}

func (l *sonicLoop) RunNowait() error {
	return l.ioc.Poll()
}

func (l *sonicLoop) Break() {
	l.broken.Store(true)
}

func (l *sonicLoop) IsRunning() bool {
	return l.running.Load()
}

type sonicTimer struct {
	t *sonic.Timer
}

func (t *sonicTimer) Stop() {
	_ = t.t.Close()
}

type sonicWatcher struct {
	cancel func()
}

func (w *sonicWatcher) Cancel() error {
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

type sonicConn struct {
	conn sonic.Conn
}

func (c *sonicConn) AsyncRead(buf []byte, cb func(n int, err error)) {
	c.conn.AsyncRead(buf, func(err error, n int) {
		cb(n, err)
	})
}

func (c *sonicConn) AsyncWrite(buf []byte, cb func(n int, err error)) {
	c.conn.AsyncWrite(buf, func(err error, n int) {
		cb(n, err)
	})
}

func (c *sonicConn) UpgradeTLS(cfg *tls.Config, serverName string, cb func(Conn, error)) {
	tlsCfg := cfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = serverName
	}

	tc := tls.Client(c.conn.NetConn(), tlsCfg)
	go func() {
		err := tc.Handshake()
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&netConnAdapter{netConn: tc, sonicUnderlying: c.conn}, nil)
	}()
}

func (c *sonicConn) NetConn() net.Conn {
	return c.conn.NetConn()
}

func (c *sonicConn) Close() error {
	return c.conn.Close()
}

func (c *sonicConn) Closed() bool {
	return c.conn.Closed()
}

// netConnAdapter wraps a *tls.Conn (a blocking net.Conn) behind the async
// Conn interface once the handshake completes, running reads/writes on
// goroutines since sonic's reactor does not natively drive crypto/tls.
type netConnAdapter struct {
	netConn         net.Conn
	sonicUnderlying sonic.Conn
}

func (a *netConnAdapter) AsyncRead(buf []byte, cb func(n int, err error)) {
	go func() {
		n, err := a.netConn.Read(buf)
		cb(n, err)
	}()
}

func (a *netConnAdapter) AsyncWrite(buf []byte, cb func(n int, err error)) {
	go func() {
		n, err := a.netConn.Write(buf)
		cb(n, err)
	}()
}

func (a *netConnAdapter) UpgradeTLS(_ *tls.Config, _ string, cb func(Conn, error)) {
	cb(nil, errAlreadyTLS)
}

func (a *netConnAdapter) NetConn() net.Conn {
	return a.netConn
}

func (a *netConnAdapter) Close() error {
	return a.netConn.Close()
}

func (a *netConnAdapter) Closed() bool {
	return a.sonicUnderlying.Closed()
}

var errAlreadyTLS = tlsAlreadyUpgradedError{}

type tlsAlreadyUpgradedError struct{}

func (tlsAlreadyUpgradedError) Error() string { return "reactor: connection is already TLS-upgraded" }
