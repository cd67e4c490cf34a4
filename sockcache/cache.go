// Package sockcache pools idle connections keyed by (pid, host, port,
// scheme), handing sockets back out over the async reactor.Conn boundary
// only after a non-blocking liveness probe — never blindly reused.
package sockcache

import (
	"time"

	"github.com/go-yahc/yahc/conn"
	"github.com/go-yahc/yahc/reactor"
	"github.com/go-yahc/yahc/xqueue"
)

// Key identifies one pool of interchangeable idle sockets. PID distinguishes
// sockets opened before a fork from sockets opened after — a forked child
// must never hand an inherited socket back to the cache for reuse.
type Key struct {
	PID    int
	Host   string
	Port   uint16
	Scheme string
}

func KeyFor(pid int, t conn.Target) Key {
	return Key{PID: pid, Host: t.CacheKeyHost(), Port: t.Port, Scheme: t.Scheme}
}

// Entry is one pooled socket: the live reactor.Conn and whether it has
// already completed a TLS handshake (so driver does not re-handshake on
// reuse).
type Entry struct {
	Conn      reactor.Conn
	TLS       bool
	StashedAt time.Time
}

// Cache pools idle reactor.Conn values per Key.
type Cache interface {
	// Get pops the most recently stashed Entry for key, if any, or reports
	// ok=false if the pool is empty.
	Get(key Key) (Entry, bool)

	// Put pushes e onto key's pool. It returns false (discarding e) if the
	// pool is already at its configured per-key capacity.
	Put(key Key, e Entry) bool

	// Purge closes and discards every pooled entry for key, reporting how
	// many were discarded.
	Purge(key Key) int

	// Len reports how many entries are currently pooled for key.
	Len(key Key) int
}

// defaultCache is a sync.Map of per-key xqueue.LIFO stacks.
type defaultCache struct {
	perKeyCapacity int
	pools          *poolMap
}

// New constructs a Cache that retains at most perKeyCapacity idle
// connections per Key. A non-positive perKeyCapacity means unbounded,
// matching xqueue.LIFO's own default.
func New(perKeyCapacity int) Cache {
	return &defaultCache{
		perKeyCapacity: perKeyCapacity,
		pools:          newPoolMap(),
	}
}

// Get pops entries until it finds one that survives a non-blocking
// liveness probe, discarding (and closing) any it finds already dead —
// never handing back a socket the peer has silently closed.
func (c *defaultCache) Get(key Key) (Entry, bool) {
	q, ok := c.pools.load(key)
	if !ok {
		return Entry{}, false
	}

	for {
		e, ok := q.Get()
		if !ok {
			return Entry{}, false
		}
		if isAlive(e.Conn.NetConn()) {
			return e, true
		}
		_ = e.Conn.Close()
	}
}

func (c *defaultCache) Put(key Key, e Entry) bool {
	q := c.pools.loadOrCreate(key, c.perKeyCapacity)
	return q.Put(e)
}

func (c *defaultCache) Purge(key Key) int {
	q, ok := c.pools.load(key)
	if !ok {
		return 0
	}

	n := 0
	for {
		e, ok := q.Get()
		if !ok {
			break
		}
		_ = e.Conn.Close()
		n++
	}
	return n
}

func (c *defaultCache) Len(key Key) int {
	q, ok := c.pools.load(key)
	if !ok {
		return 0
	}

	n := 0
	for range q.IntoIter() {
		n++
	}
	return n
}
