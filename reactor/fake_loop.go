package reactor

import (
	"container/heap"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

// FakeLoop is a deterministic, single-goroutine Loop implementation for
// tests: it has no wall-clock dependency, advancing its own virtual clock
// only when RunOnce/RunNowait/Run asks it to, and its AsyncDial succeeds
// against a FakeConn unless a test calls FailNextDial (the dial fails) or
// HangNextDial (the dial callback never runs) first. It is the in-memory
// double package driver's tests use in place of sonicLoop.
type FakeLoop struct {
	now     time.Time
	timers  timerHeap
	idle    []func()
	broken  bool
	running bool

	nextDialErr error
	dialConn    *FakeConn
	hangDials   int
}

// NewFakeLoop constructs a FakeLoop with its virtual clock at the Unix
// epoch plus one nanosecond (kept non-zero so zero-value Timer
// comparisons in tests are unambiguous).
func NewFakeLoop() *FakeLoop {
	return &FakeLoop{now: time.Unix(0, 1)}
}

// Now returns the loop's current virtual time.
func (l *FakeLoop) Now() time.Time { return l.now }

// Advance moves the virtual clock forward by d, firing any timers whose
// deadline has passed, in deadline order.
func (l *FakeLoop) Advance(d time.Duration) {
	target := l.now.Add(d)
	for l.timers.Len() > 0 && !l.timers[0].at.After(target) {
		t := heap.Pop(&l.timers).(*fakeTimer)
		l.now = t.at
		if !t.stopped {
			t.cb()
		}
	}
	l.now = target
}

// FailNextDial arranges for the next AsyncDial call to invoke its callback
// with err instead of succeeding.
func (l *FakeLoop) FailNextDial(err error) {
	l.nextDialErr = err
}

// SetNextDialConn installs conn as the FakeConn returned by the next
// successful AsyncDial, letting a test pre-seed read buffers.
func (l *FakeLoop) SetNextDialConn(conn *FakeConn) {
	l.dialConn = conn
}

// HangNextDial arranges for the next n AsyncDial calls to never invoke their
// callback at all, the way a real non-blocking dial leaves its callback
// pending until the connect completes or ConnectTimeout fires. Used to
// exercise timeout handling deterministically via Advance/Run.
func (l *FakeLoop) HangNextDial(n int) {
	l.hangDials += n
}

func (l *FakeLoop) AsyncDial(network, address string, timeout time.Duration, cb func(Conn, error)) {
	if l.hangDials > 0 {
		l.hangDials--
		return
	}
	if l.nextDialErr != nil {
		err := l.nextDialErr
		l.nextDialErr = nil
		cb(nil, err)
		return
	}
	c := l.dialConn
	l.dialConn = nil
	if c == nil {
		c = NewFakeConn()
	}
	cb(c, nil)
}

func (l *FakeLoop) AfterFunc(d time.Duration, cb func()) Timer {
	t := &fakeTimer{at: l.now.Add(d), cb: cb}
	heap.Push(&l.timers, t)
	return t
}

func (l *FakeLoop) OnIdle(cb func()) (Watcher, error) {
	idx := len(l.idle)
	l.idle = append(l.idle, cb)
	return &fakeWatcher{l: l, idx: idx}, nil
}

func (l *FakeLoop) Run() error {
	l.running = true
	defer func() { l.running = false }()

	for !l.broken {
		if l.timers.Len() == 0 {
			break
		}
		l.runIdle()
		t := heap.Pop(&l.timers).(*fakeTimer)
		l.now = t.at
		if !t.stopped {
			t.cb()
		}
	}
	l.broken = false
	return nil
}

func (l *FakeLoop) RunOnce() error {
	l.runIdle()
	if l.timers.Len() == 0 {
		return errNoWork
	}
	t := heap.Pop(&l.timers).(*fakeTimer)
	l.now = t.at
	if !t.stopped {
		t.cb()
	}
	return nil
}

func (l *FakeLoop) RunNowait() error {
	l.runIdle()
	return nil
}

func (l *FakeLoop) Break() {
	l.broken = true
}

func (l *FakeLoop) IsRunning() bool {
	return l.running
}

func (l *FakeLoop) runIdle() {
	for _, cb := range l.idle {
		cb()
	}
}

var errNoWork = errors.New("reactor: fake loop has no pending timers")

type fakeTimer struct {
	at      time.Time
	cb      func()
	stopped bool
	index   int
}

func (t *fakeTimer) Stop() {
	t.stopped = true
}

type timerHeap []*fakeTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*fakeTimer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type fakeWatcher struct {
	l   *FakeLoop
	idx int
}

func (w *fakeWatcher) Cancel() error {
	if w.idx < len(w.l.idle) {
		w.l.idle[w.idx] = func() {}
	}
	return nil
}

// FakeConn is an in-memory Conn backed by two byte queues: one fed by
// FeedRead for the driver to consume, one accumulated by AsyncWrite for a
// test to assert against.
type FakeConn struct {
	toRead  []byte
	written []byte
	closed  bool

	nextReadErr  error
	nextWriteErr error
}

func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

// FeedRead appends p to the buffer AsyncRead will drain from.
func (c *FakeConn) FeedRead(p []byte) {
	c.toRead = append(c.toRead, p...)
}

// FailNextRead arranges for the next AsyncRead to return err.
func (c *FakeConn) FailNextRead(err error) {
	c.nextReadErr = err
}

// FailNextWrite arranges for the next AsyncWrite to return err.
func (c *FakeConn) FailNextWrite(err error) {
	c.nextWriteErr = err
}

// Written returns everything AsyncWrite has accumulated so far.
func (c *FakeConn) Written() []byte {
	return c.written
}

func (c *FakeConn) AsyncRead(buf []byte, cb func(n int, err error)) {
	if c.nextReadErr != nil {
		err := c.nextReadErr
		c.nextReadErr = nil
		cb(0, err)
		return
	}
	if len(c.toRead) == 0 {
		cb(0, errNoWork)
		return
	}
	n := copy(buf, c.toRead)
	c.toRead = c.toRead[n:]
	cb(n, nil)
}

func (c *FakeConn) AsyncWrite(buf []byte, cb func(n int, err error)) {
	if c.nextWriteErr != nil {
		err := c.nextWriteErr
		c.nextWriteErr = nil
		cb(0, err)
		return
	}
	c.written = append(c.written, buf...)
	cb(len(buf), nil)
}

func (c *FakeConn) UpgradeTLS(_ *tls.Config, _ string, cb func(Conn, error)) {
	cb(c, nil)
}

func (c *FakeConn) NetConn() net.Conn {
	return nil
}

func (c *FakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *FakeConn) Closed() bool {
	return c.closed
}
