package driver

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/go-yahc/yahc/conn"
	"github.com/go-yahc/yahc/reactor"
	"github.com/go-yahc/yahc/sockcache"
	"github.com/go-yahc/yahc/wire"
)

func newTestDriver(loop *reactor.FakeLoop, callback conn.TerminalFunc) *Driver {
	return New(loop, Defaults{
		Host:           conn.HostSingle("93.184.216.34:80"),
		Scheme:         "http",
		Protocol:       wire.Binary("HTTP/1.1"),
		Method:         wire.Binary("GET"),
		Path:           wire.Binary("/"),
		ConnectTimeout: time.Second,
		RequestTimeout: 5 * time.Second,
		DrainTimeout:   time.Second,
		Callback:       callback,
		KeepTimeline:   true,
	})
}

func TestRequestHappyPath(t *testing.T) {
	loop := reactor.NewFakeLoop()
	fc := reactor.NewFakeConn()
	fc.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	loop.SetNextDialConn(fc)

	var gotKind conn.Kind
	var gotStatus int
	done := false
	d := newTestDriver(loop, func(c *conn.Connection, kind conn.Kind, err error) {
		gotKind = kind
		gotStatus = c.Response.Status
		done = true
	})

	if _, err := d.Request(RequestOptions{}); err != nil {
		t.Fatalf("Request() err = %v", err)
	}

	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	if !done {
		t.Fatal("terminal callback never ran")
	}
	if gotKind != conn.KindNone {
		t.Fatalf("kind = %v, want KindNone", gotKind)
	}
	if gotStatus != 200 {
		t.Fatalf("status = %d, want 200", gotStatus)
	}

	if len(fc.Written()) == 0 {
		t.Fatal("nothing was written to the connection")
	}
}

func TestRequestNoHostErrors(t *testing.T) {
	loop := reactor.NewFakeLoop()
	d := New(loop, Defaults{})

	if _, err := d.Request(RequestOptions{}); err == nil {
		t.Fatal("Request() with no Host anywhere should return an error")
	}
}

func TestRequestRetriesOnConnectFailure(t *testing.T) {
	loop := reactor.NewFakeLoop()
	loop.FailNextDial(errDialRefused)

	fc := reactor.NewFakeConn()
	fc.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	loop.SetNextDialConn(fc)

	var calls int
	one := 1
	d := newTestDriver(loop, func(c *conn.Connection, kind conn.Kind, err error) {
		calls++
	})

	if _, err := d.Request(RequestOptions{Retries: &one}); err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	if calls != 1 {
		t.Fatalf("terminal callback ran %d times, want 1 (only after exhausting the retry)", calls)
	}
}

func TestDropSkipsCallback(t *testing.T) {
	loop := reactor.NewFakeLoop()
	// Keep the dial pending so the connection is still in flight when
	// Drop runs; every other FakeLoop step completes synchronously.
	loop.HangNextDial(1)

	called := false
	d := newTestDriver(loop, func(*conn.Connection, conn.Kind, error) { called = true })

	id, err := d.Request(RequestOptions{})
	if err != nil {
		t.Fatalf("Request() err = %v", err)
	}

	// Let the connection get underway, then drop it before it completes.
	_ = loop.RunOnce()
	d.Drop(id)

	state, ok := d.ConnState(id)
	if !ok || state != conn.Completed {
		t.Fatalf("ConnState = %v, %v; want Completed, true", state, ok)
	}
	if called {
		t.Fatal("Drop must not invoke the terminal callback")
	}
}

var errDialRefused = dialError("connection refused")

type dialError string

func (e dialError) Error() string { return string(e) }

// TestTimelineIsValidStateGraphPath walks a completed connection's Timeline
// against the state graph, confirming every consecutive pair is a
// reachable edge.
func TestTimelineIsValidStateGraphPath(t *testing.T) {
	loop := reactor.NewFakeLoop()
	fc := reactor.NewFakeConn()
	fc.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	loop.SetNextDialConn(fc)

	d := newTestDriver(loop, func(*conn.Connection, conn.Kind, error) {})

	id, err := d.Request(RequestOptions{})
	if err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	timeline, ok := d.ConnTimeline(id)
	if !ok || len(timeline) < 2 {
		t.Fatalf("ConnTimeline() = %v, %v; want a populated timeline", timeline, ok)
	}
	for i := 1; i < len(timeline); i++ {
		from, to := timeline[i-1].State, timeline[i].State
		if !conn.IsValidTransition(from, to) {
			t.Fatalf("timeline[%d]: %v -> %v is not a valid state-graph edge", i, from, to)
		}
	}
	if got := timeline[len(timeline)-1].State; got != conn.Completed {
		t.Fatalf("last state = %v, want Completed", got)
	}
}

// TestRequestTimesOutAfterRetriesExhausted exercises ConnectTimeout firing
// for real, via FakeLoop.HangNextDial leaving the dial callback pending
// until the deadline timer pops it, through to a terminal KindTimeoutConnect
// once the retry budget is spent.
func TestRequestTimesOutAfterRetriesExhausted(t *testing.T) {
	loop := reactor.NewFakeLoop()
	loop.HangNextDial(2) // the original attempt and its one retry both stall

	var gotKind conn.Kind
	var errCount int
	one := 1
	d := newTestDriver(loop, func(c *conn.Connection, kind conn.Kind, err error) {
		gotKind = kind
		errCount = len(c.Errors)
	})

	if _, err := d.Request(RequestOptions{Retries: &one}); err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	if gotKind != conn.KindTimeoutConnect {
		t.Fatalf("kind = %v, want KindTimeoutConnect", gotKind)
	}
	if errCount != 2 {
		t.Fatalf("len(Errors) = %d, want 2 (one per exhausted attempt)", errCount)
	}
}

// TestCallbackReinitConnRestartsWithOverrides exercises a terminal callback
// calling ReinitConn: the next attempt must carry the overridden path and
// get a freshly reset retry budget.
func TestCallbackReinitConnRestartsWithOverrides(t *testing.T) {
	loop := reactor.NewFakeLoop()

	fc1 := reactor.NewFakeConn()
	fc1.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	loop.SetNextDialConn(fc1)

	fc2 := reactor.NewFakeConn()
	fc2.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	var calls int
	d := newTestDriver(loop, func(c *conn.Connection, kind conn.Kind, err error) {
		calls++
		if calls == 1 {
			loop.SetNextDialConn(fc2)
			c.ReinitConn(conn.Overrides{HasPath: true, Path: "/second"})
		}
	})

	if _, err := d.Request(RequestOptions{}); err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	if calls != 2 {
		t.Fatalf("terminal callback ran %d times, want 2 (original attempt + ReinitConn restart)", calls)
	}
	if !bytes.Contains(fc2.Written(), []byte("/second")) {
		t.Fatalf("restarted attempt's write did not carry the overridden path: %q", fc2.Written())
	}
	if bytes.Contains(fc1.Written(), []byte("/second")) {
		t.Fatal("original attempt's write should not carry the overridden path")
	}
}

// TestSockCacheReusesSocketOnSecondRequest covers the keep-alive pooling
// path end to end: a clean HTTP/1.1 completion stashes its socket, and a
// later request to the same target pulls it back out instead of dialing.
func TestSockCacheReusesSocketOnSecondRequest(t *testing.T) {
	loop := reactor.NewFakeLoop()
	cache := sockcache.New(4)

	fc := reactor.NewFakeConn()
	fc.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	loop.SetNextDialConn(fc)

	var kinds []conn.Kind
	d := New(loop, Defaults{
		Host:           conn.HostSingle("93.184.216.34:80"),
		Scheme:         "http",
		Protocol:       wire.Binary("HTTP/1.1"),
		Method:         wire.Binary("GET"),
		Path:           wire.Binary("/"),
		ConnectTimeout: time.Second,
		RequestTimeout: 5 * time.Second,
		DrainTimeout:   time.Second,
		KeepTimeline:   true,
		Callback: func(c *conn.Connection, kind conn.Kind, err error) {
			kinds = append(kinds, kind)
		},
	}, WithSockCache(cache))

	if _, err := d.Request(RequestOptions{}); err != nil {
		t.Fatalf("Request() err = %v", err)
	}
	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	key := sockcache.Key{PID: os.Getpid(), Host: "93.184.216.34", Port: 80, Scheme: "http"}
	if n := cache.Len(key); n != 1 {
		t.Fatalf("cache.Len() = %d, want 1 after a keep-alive completion", n)
	}

	// No second dial conn is installed: if the driver dialed instead of
	// reusing the cached socket, it would get a bare FakeConn with nothing
	// fed to read, and the second attempt would fail on an empty read
	// rather than complete with KindNone.
	fc.FeedRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	if _, err := d.Request(RequestOptions{}); err != nil {
		t.Fatalf("second Request() err = %v", err)
	}
	if err := d.Run(); err != nil {
		t.Fatalf("second Run() err = %v", err)
	}

	if len(kinds) != 2 || kinds[0] != conn.KindNone || kinds[1] != conn.KindNone {
		t.Fatalf("kinds = %v, want two KindNone completions", kinds)
	}
	if n := cache.Len(key); n != 1 {
		t.Fatalf("cache.Len() = %d after reuse, want 1 (the reused socket restashed)", n)
	}
}

// TestBreakStopsRunBeforeCompletion confirms that a Break issued between
// loop iterations makes the next Run return without draining the pending
// retry timers.
func TestBreakStopsRunBeforeCompletion(t *testing.T) {
	loop := reactor.NewFakeLoop()
	// No dial conn installed: every attempt dials a bare FakeConn whose
	// immediate empty read fails, driving the retry loop for as long as
	// Break lets it run.

	called := false
	two := 2
	d := newTestDriver(loop, func(*conn.Connection, conn.Kind, error) { called = true })

	id, err := d.Request(RequestOptions{Retries: &two})
	if err != nil {
		t.Fatalf("Request() err = %v", err)
	}

	if err := d.RunOnce(); err != nil {
		t.Fatalf("RunOnce() err = %v", err)
	}
	if called {
		t.Fatal("terminal callback ran before Break had a chance to stop the loop")
	}

	d.Break()
	if err := d.Run(); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	if called {
		t.Fatal("terminal callback ran despite Break")
	}
	if d.IsRunning() {
		t.Fatal("IsRunning() true after Run() returned")
	}
	if state, ok := d.ConnState(id); !ok || state == conn.Completed {
		t.Fatalf("ConnState = %v, %v; want not yet Completed", state, ok)
	}
}
