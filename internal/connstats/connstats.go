// Package connstats instruments redistap's own Prometheus scrape
// connections with TCP_INFO diagnostics, so operators can tell a slow
// scrape apart from a slow redistap.
package connstats

import (
	"net"
	"net/http"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/simeonmiteff/redistap/internal/connstats/tcpinfo"
)

// Collector is a pull-model prometheus.Collector: on every scrape it reads
// TCP_INFO for each connection presently tracked, rather than sampling on a
// timer, so the exposed values are always as fresh as the scrape itself.
type Collector struct {
	mu     sync.Mutex
	conns  map[string]entry
	logger func(error)

	rttDesc         *prometheus.Desc
	retransmitsDesc *prometheus.Desc
}

type entry struct {
	fd   int
	conn net.Conn
}

// New constructs a Collector. errorLog receives TCP_INFO read failures,
// which are expected for connections that close mid-scrape.
func New(errorLog func(error)) *Collector {
	if errorLog == nil {
		errorLog = func(error) {}
	}
	return &Collector{
		conns:  make(map[string]entry),
		logger: errorLog,
		rttDesc: prometheus.NewDesc(
			"redistap_scrape_conn_rtt_seconds",
			"Smoothed round-trip time of a live telemetry scrape connection.",
			[]string{"remote_addr"}, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			"redistap_scrape_conn_retransmits_total",
			"Total segments retransmitted on a live telemetry scrape connection.",
			[]string{"remote_addr"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rttDesc
	descs <- c.retransmitsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	snapshot := make([]entry, 0, len(c.conns))
	for _, e := range c.conns {
		snapshot = append(snapshot, e)
	}
	c.mu.Unlock()

	for _, e := range snapshot {
		info, err := tcpinfo.GetTCPInfo(uintptr(e.fd))
		if err != nil {
			c.logger(err)
			continue
		}
		remote := e.conn.RemoteAddr().String()
		metrics <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, info.RTT.Seconds(), remote)
		metrics <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(info.TotalRetrans), remote)
	}
}

// Track registers conn for diagnostics collection under a synthesized
// identifier, so a reused connection FD never collides with a tracked one
// that hasn't been removed yet.
func (c *Collector) Track(conn net.Conn) {
	if _, ok := conn.(*net.TCPConn); !ok {
		return
	}
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[xid.New().String()+"-"+conn.RemoteAddr().String()] = entry{fd: fd, conn: conn}
}

// Untrack removes conn from diagnostics collection.
func (c *Collector) Untrack(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.conns {
		if e.conn == conn {
			delete(c.conns, k)
		}
	}
}

// ConnState returns an http.Server.ConnState hook that tracks connections
// while active and stops tracking them once they're closed or hijacked.
func (c *Collector) ConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		c.Track(conn)
	case http.StateClosed, http.StateHijacked:
		c.Untrack(conn)
	}
}
