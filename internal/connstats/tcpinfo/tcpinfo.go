// Package tcpinfo reads TCP_INFO socket diagnostics for a connection file
// descriptor. It backs the scrape-connection telemetry in
// internal/connstats: the counters and latency figures attached to redistap's
// own Prometheus scrape connections, as distinct from the RESP traffic being
// observed.
package tcpinfo
