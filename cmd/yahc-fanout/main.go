// Command yahc-fanout issues the same GET request against every host
// supplied on the command line concurrently (from the event loop's
// perspective — one reactor.Loop drives every connection), printing each
// response's status code as it completes. It exists to exercise
// package driver end to end against a realistic fan-out workload.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-yahc/yahc/conn"
	"github.com/go-yahc/yahc/driver"
	"github.com/go-yahc/yahc/reactor"
	"github.com/go-yahc/yahc/sockcache"
	"github.com/go-yahc/yahc/wire"
)

func main() {
	var (
		path           = flag.String("path", "/", "request path")
		connectTimeout = flag.Duration("connect-timeout", 3*time.Second, "per-attempt connect deadline")
		requestTimeout = flag.Duration("request-timeout", 10*time.Second, "whole-request deadline")
		retries        = flag.Int("retries", 1, "additional attempts after the first failure")
	)
	flag.Parse()

	hosts := flag.Args()
	if len(hosts) == 0 {
		fmt.Fprintln(os.Stderr, "usage: yahc-fanout [flags] host[:port] [host[:port] ...]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	loop, err := reactor.NewSonicLoop()
	if err != nil {
		logger.Error("failed to start event loop", "error", err)
		os.Exit(1)
	}

	d := driver.New(loop, driver.Defaults{
		Scheme:         "http",
		Protocol:       wire.Binary("HTTP/1.1"),
		Method:         wire.Binary("GET"),
		ConnectTimeout: *connectTimeout,
		RequestTimeout: *requestTimeout,
		DrainTimeout:   *connectTimeout,
		Retries:        *retries,
		KeepTimeline:   true,
		Warn: func(field string) {
			logger.Warn("non-binary field passed to request encoder", "field", field)
		},
	}, driver.WithSockCache(sockcache.New(4)), driver.WithMaxConnsPerTarget(8))

	pending := len(hosts)
	for _, hostport := range hosts {
		hostport := hostport
		_, err := d.Request(driver.RequestOptions{
			Host: conn.HostSingle(hostport),
			Path: wire.Binary(*path),
			Head: []wire.HeaderField{
				{Name: "Host", Value: strings.SplitN(hostport, ":", 2)[0]},
				{Name: "Connection", Value: "close"},
			},
			Callback: func(c *conn.Connection, kind conn.Kind, err error) {
				pending--
				if kind != conn.KindNone {
					logger.Error("request failed", "host", hostport, "kind", kind, "error", err)
				} else {
					fmt.Printf("%s -> %d %s\n", hostport, c.Response.Status, c.Response.Reason)
				}
				if pending == 0 {
					d.Break()
				}
			},
		})
		if err != nil {
			logger.Error("could not enqueue request", "host", hostport, "error", err)
			pending--
		}
	}

	if pending == 0 {
		return
	}
	if err := d.Run(); err != nil {
		logger.Error("event loop exited with error", "error", err)
		os.Exit(1)
	}
}
