// Package driver is the state-machine heart of the client: it owns every
// in-flight conn.Connection, the reactor.Loop that drives them, and the
// optional sockcache.Cache and per-target semaphores that bound
// concurrency, implemented as a direct, non-blocking HTTP/1.x client
// rather than a net/http.RoundTripper.
package driver

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/go-yahc/yahc/conn"
	"github.com/go-yahc/yahc/reactor"
	"github.com/go-yahc/yahc/sockcache"
	"github.com/go-yahc/yahc/timer"
	"github.com/go-yahc/yahc/wire"
	"github.com/go-yahc/yahc/xnet"
)

// Defaults carries every per-request field a Driver falls back to when a
// RequestOptions value leaves it unset.
type Defaults struct {
	Host     conn.Host
	Scheme   string
	Protocol any
	Method   any
	Path     any
	Query    any
	Head     []wire.HeaderField
	Body     any

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	DrainTimeout   time.Duration
	Retries        int

	OnInit       conn.HookFunc
	OnConnecting conn.HookFunc
	OnConnected  conn.HookFunc
	OnWriting    conn.HookFunc
	OnReading    conn.HookFunc
	Callback     conn.TerminalFunc

	Warn wire.WarnFunc

	SockCache         sockcache.Cache
	AccountForSignals bool
	KeepTimeline      bool
	MaxConnsPerTarget int64
}

// RequestOptions overrides Defaults for a single Request call. A nil/zero
// field means "inherit the Driver's Defaults."
type RequestOptions struct {
	Host   conn.Host
	Scheme string
	Method any
	Path   any
	Query  any
	Head   []wire.HeaderField
	Body   any

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	DrainTimeout   time.Duration
	Retries        *int

	OnInit       conn.HookFunc
	OnConnecting conn.HookFunc
	OnConnected  conn.HookFunc
	OnWriting    conn.HookFunc
	OnReading    conn.HookFunc
	Callback     conn.TerminalFunc
}

// Option configures a Driver at construction time, the same functional-
// option shape as xqueue.LIFOOption.
type Option func(*Driver)

func WithSockCache(c sockcache.Cache) Option {
	return func(d *Driver) { d.sockCache = c }
}

func WithAccountForSignals() Option {
	return func(d *Driver) { d.accountForSignals = true }
}

func WithMaxConnsPerTarget(n int64) Option {
	return func(d *Driver) { d.maxConnsPerTarget = n }
}

func WithDNSCache(staleTimeout, errStaleTimeout time.Duration) Option {
	return func(d *Driver) {
		d.dnsStaleTimeout = staleTimeout
		d.dnsErrStaleTimeout = errStaleTimeout
	}
}

// Driver owns every in-flight Connection and the single reactor.Loop
// multiplexing them. Nothing outside the loop's own goroutine may call a
// Driver method; the type has no internal locking beyond what the
// concurrently-safe sockcache.Cache and per-target semaphores need.
type Driver struct {
	loop     reactor.Loop
	defaults Defaults

	conns   map[uuid.UUID]*conn.Connection
	timers  map[uuid.UUID]*timer.Manager
	sockets map[uuid.UUID]*connSocket

	sockCache         sockcache.Cache
	accountForSignals bool
	idleWatcher       reactor.Watcher
	maxConnsPerTarget int64

	dnsStaleTimeout    time.Duration
	dnsErrStaleTimeout time.Duration
	dnsCaches          map[string]*xnet.DNSCache

	semaMu sync.Mutex
	sema   map[string]*semaphore.Weighted

	pid int
}

// New constructs a Driver bound to loop, ready to accept Request calls.
func New(loop reactor.Loop, defaults Defaults, opts ...Option) *Driver {
	d := &Driver{
		loop:     loop,
		defaults: defaults,
		conns:    make(map[uuid.UUID]*conn.Connection),
		timers:   make(map[uuid.UUID]*timer.Manager),
		sockets:  make(map[uuid.UUID]*connSocket),
		sema:     make(map[string]*semaphore.Weighted),
		pid:      os.Getpid(),

		sockCache:         defaults.SockCache,
		accountForSignals: defaults.AccountForSignals,
		maxConnsPerTarget: defaults.MaxConnsPerTarget,
	}

	for _, o := range opts {
		o(d)
	}

	if d.dnsStaleTimeout <= 0 {
		d.dnsStaleTimeout = 30 * time.Second
	}
	if d.dnsErrStaleTimeout <= 0 {
		d.dnsErrStaleTimeout = 5 * time.Second
	}
	d.dnsCaches = make(map[string]*xnet.DNSCache)

	if d.accountForSignals {
		w, err := loop.OnIdle(func() {})
		if err == nil {
			d.idleWatcher = w
		}
	}

	return d
}

// Loop returns the reactor.Loop this Driver drives connections over.
func (d *Driver) Loop() reactor.Loop {
	return d.loop
}

// Request enqueues a new connection and returns immediately; dispatch
// begins on the next loop iteration, via a zero-delay timer.
func (d *Driver) Request(opts RequestOptions) (uuid.UUID, error) {
	req, err := d.mergeRequest(opts)
	if err != nil {
		return uuid.UUID{}, err
	}

	id := uuid.New()
	c := conn.NewConnection(id, req)
	c.KeepTimeline = d.defaults.KeepTimeline

	d.conns[id] = c
	d.timers[id] = timer.New(d.loop)

	d.loop.AfterFunc(0, func() {
		d.dispatch(id, func() { d.enterInitialized(id) })
	})

	return id, nil
}

func (d *Driver) mergeRequest(opts RequestOptions) (conn.Request, error) {
	def := d.defaults

	req := conn.Request{
		Protocol: def.Protocol,
		Scheme:   def.Scheme,
		Method:   def.Method,
		Path:     def.Path,
		Query:    def.Query,
		Head:     def.Head,
		Body:     def.Body,
		HostSel:  def.Host,

		OnInit:       def.OnInit,
		OnConnecting: def.OnConnecting,
		OnConnected:  def.OnConnected,
		OnWriting:    def.OnWriting,
		OnReading:    def.OnReading,
		Callback:     def.Callback,

		ConnectTimeout: def.ConnectTimeout,
		RequestTimeout: def.RequestTimeout,
		DrainTimeout:   def.DrainTimeout,
		Retries:        def.Retries,

		Warn: def.Warn,
	}

	if opts.Host != nil {
		req.HostSel = opts.Host
	}
	if opts.Scheme != "" {
		req.Scheme = opts.Scheme
	}
	if opts.Method != nil {
		req.Method = opts.Method
	}
	if opts.Path != nil {
		req.Path = opts.Path
	}
	if opts.Query != nil {
		req.Query = opts.Query
	}
	if opts.Head != nil {
		req.Head = opts.Head
	}
	if opts.Body != nil {
		req.Body = opts.Body
	}
	if opts.ConnectTimeout > 0 {
		req.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.RequestTimeout > 0 {
		req.RequestTimeout = opts.RequestTimeout
	}
	if opts.DrainTimeout > 0 {
		req.DrainTimeout = opts.DrainTimeout
	}
	if opts.Retries != nil {
		req.Retries = *opts.Retries
	}
	if opts.OnInit != nil {
		req.OnInit = opts.OnInit
	}
	if opts.OnConnecting != nil {
		req.OnConnecting = opts.OnConnecting
	}
	if opts.OnConnected != nil {
		req.OnConnected = opts.OnConnected
	}
	if opts.OnWriting != nil {
		req.OnWriting = opts.OnWriting
	}
	if opts.OnReading != nil {
		req.OnReading = opts.OnReading
	}
	if opts.Callback != nil {
		req.Callback = opts.Callback
	}

	if req.HostSel == nil {
		return conn.Request{}, errNoHost
	}
	if req.Scheme == "" {
		req.Scheme = "http"
	}

	return req, nil
}

var errNoHost = driverError("driver: request has no Host and Defaults.Host is nil")

type driverError string

func (e driverError) Error() string { return string(e) }

// Drop forces id straight to Completed without invoking its terminal
// callback, canceling any armed deadline and closing (never caching) any
// owned socket. It is a no-op for an unknown or already-completed id.
func (d *Driver) Drop(id uuid.UUID) {
	c, ok := d.conns[id]
	if !ok || c.State == conn.Completed {
		return
	}

	if tm, ok := d.timers[id]; ok {
		tm.Cancel()
	}
	d.closeSocket(c, false)
	c.SetState(conn.Completed, d.now())
	d.logState(id, c)
}

func (d *Driver) now() time.Time {
	return time.Now()
}

// Run blocks until Break is called or the loop runs out of work.
func (d *Driver) Run() error {
	return d.loop.Run()
}

func (d *Driver) RunOnce() error {
	return d.loop.RunOnce()
}

func (d *Driver) RunNowait() error {
	return d.loop.RunNowait()
}

func (d *Driver) Break() {
	d.loop.Break()
}

func (d *Driver) IsRunning() bool {
	return d.loop.IsRunning()
}

// Purge evicts and closes every socket pooled under key in this Driver's
// socket cache, if one is configured.
func (d *Driver) Purge(key sockcache.Key) int {
	if d.sockCache == nil {
		return 0
	}
	return d.sockCache.Purge(key)
}

// Stats summarizes the Driver's connection set by current State.
type Stats struct {
	Total   int
	ByState map[conn.State]int
}

func (d *Driver) Stats() Stats {
	s := Stats{ByState: make(map[conn.State]int, 9)}
	for _, c := range d.conns {
		s.Total++
		s.ByState[c.State]++
	}
	return s
}

// --- Inspection -----------------------------------------------------------

// ConnID reports whether id names a connection this Driver currently
// tracks, returning id itself unchanged for symmetry with the other
// inspection methods.
func (d *Driver) ConnID(id uuid.UUID) (uuid.UUID, bool) {
	c, ok := d.conns[id]
	if !ok {
		return uuid.UUID{}, false
	}
	return c.ID, true
}

// ConnURL renders the URL a connection's current attempt is (or will be)
// addressed to, built from its resolved Target plus Path/Query. Host/port
// reflect the attempt's resolved Target, which is the zero value until the
// connection has left Initialized.
func (d *Driver) ConnURL(id uuid.UUID) (string, bool) {
	c, ok := d.conns[id]
	if !ok {
		return "", false
	}

	path := string(wire.Bytes(c.Req.Path, nil))
	query := string(wire.Bytes(c.Req.Query, nil))

	u := fmt.Sprintf("%s://%s", c.Target.Scheme, net.JoinHostPort(c.Target.Host, strconv.FormatUint(uint64(c.Target.Port), 10)))
	u += path
	if query != "" {
		u += "?" + query
	}
	return u, true
}

// ConnRequest returns the merged, immutable-per-attempt Request driving
// id.
func (d *Driver) ConnRequest(id uuid.UUID) (conn.Request, bool) {
	c, ok := d.conns[id]
	if !ok {
		return conn.Request{}, false
	}
	return c.Req, true
}

func (d *Driver) ConnState(id uuid.UUID) (conn.State, bool) {
	c, ok := d.conns[id]
	if !ok {
		return conn.Initialized, false
	}
	return c.State, true
}

func (d *Driver) ConnTarget(id uuid.UUID) (conn.Target, bool) {
	c, ok := d.conns[id]
	if !ok {
		return conn.Target{}, false
	}
	return c.Target, true
}

func (d *Driver) ConnErrors(id uuid.UUID) ([]conn.ErrorEntry, bool) {
	c, ok := d.conns[id]
	if !ok {
		return nil, false
	}
	return c.Errors, true
}

func (d *Driver) ConnLastError(id uuid.UUID) (conn.ErrorEntry, bool) {
	c, ok := d.conns[id]
	if !ok {
		return conn.ErrorEntry{}, false
	}
	return c.LastError()
}

func (d *Driver) ConnTimeline(id uuid.UUID) ([]conn.StateEntry, bool) {
	c, ok := d.conns[id]
	if !ok {
		return nil, false
	}
	return c.Timeline, true
}

func (d *Driver) ConnResponse(id uuid.UUID) (wire.Response, bool) {
	c, ok := d.conns[id]
	if !ok {
		return wire.Response{}, false
	}
	return c.Response, true
}

func (d *Driver) ConnAttemptsLeft(id uuid.UUID) (int, bool) {
	c, ok := d.conns[id]
	if !ok {
		return 0, false
	}
	return c.AttemptsLeft, true
}

// --- internals shared with dispatch.go / retry.go --------------------------

func (d *Driver) semaphoreFor(key string) *semaphore.Weighted {
	if d.maxConnsPerTarget <= 0 {
		return nil
	}

	d.semaMu.Lock()
	defer d.semaMu.Unlock()

	s, ok := d.sema[key]
	if !ok {
		s = semaphore.NewWeighted(d.maxConnsPerTarget)
		d.sema[key] = s
	}
	return s
}

func (d *Driver) dnsCacheFor(host string) *xnet.DNSCache {
	c, ok := d.dnsCaches[host]
	if !ok {
		c = xnet.NewDNSCache(host, d.dnsStaleTimeout, d.dnsErrStaleTimeout, xnet.IPNetworkUnified)
		d.dnsCaches[host] = c
	}
	return c
}

// resolveIP resolves host to an IP synchronously against the DNS cache.
// Literal IP addresses short-circuit without touching the cache at all.
// A real lookup only blocks the loop goroutine on a cold cache entry.
func (d *Driver) resolveIP(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	cache := d.dnsCacheFor(host)
	records, _, _, err := cache.Read(context.Background(), net.DefaultResolver)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", xnet.ErrHostNotFound
	}
	return records[0].IP, nil
}

func addrFor(t conn.Target) string {
	return net.JoinHostPort(t.CacheKeyHost(), strconv.FormatUint(uint64(t.Port), 10))
}
