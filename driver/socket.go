package driver

import (
	"context"
	"log/slog"

	"github.com/go-yahc/yahc/conn"
	"github.com/go-yahc/yahc/reactor"
	"github.com/go-yahc/yahc/sockcache"
)

// connSocket is the live-socket half of a Connection's state, kept out of
// package conn so conn never imports reactor.
type connSocket struct {
	conn reactor.Conn
	tls  bool
}

func (cs *connSocket) set(c reactor.Conn) {
	cs.conn = c
}

// connOf returns c's socket-side state, lazily creating an empty one. The
// entry is removed once the socket is closed or handed to the cache.
func (d *Driver) connOf(c *conn.Connection) *connSocket {
	cs, ok := d.sockets[c.ID]
	if !ok {
		cs = &connSocket{}
		d.sockets[c.ID] = cs
	}
	return cs
}

// closeSocket closes c's socket unconditionally (or is a no-op if none is
// held) and drops it from the socket table. Used on error, Drop, and any
// non-keep-alive completion.
func (d *Driver) closeSocket(c *conn.Connection, _ bool) {
	cs, ok := d.sockets[c.ID]
	if !ok || cs.conn == nil {
		delete(d.sockets, c.ID)
		return
	}
	_ = cs.conn.Close()
	delete(d.sockets, c.ID)
}

// settleSocket is called on entry to UserAction: it either stashes the
// socket in the configured cache (clean HTTP/1.1 keep-alive completion) or
// closes it. Never cached on error, HTTP/1.0, or Connection: close.
func (d *Driver) settleSocket(c *conn.Connection, keepAlive bool) {
	cs, ok := d.sockets[c.ID]
	if !ok || cs.conn == nil {
		delete(d.sockets, c.ID)
		return
	}

	if !keepAlive || d.sockCache == nil || cs.conn.Closed() {
		_ = cs.conn.Close()
		delete(d.sockets, c.ID)
		return
	}

	key := sockcache.KeyFor(d.pid, c.Target)
	if !d.sockCache.Put(key, sockcache.Entry{Conn: cs.conn, TLS: cs.tls}) {
		slog.LogAttrs(context.Background(), slog.LevelDebug,
			"socket cache full, closing instead of pooling",
			slog.String("id", c.ID.String()),
			slog.String("target", c.Target.String()),
		)
		_ = cs.conn.Close()
	} else {
		slog.LogAttrs(context.Background(), slog.LevelDebug,
			"socket stashed in cache",
			slog.String("id", c.ID.String()),
			slog.String("target", c.Target.String()),
		)
	}
	delete(d.sockets, c.ID)
}
