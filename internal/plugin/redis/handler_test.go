package redis

import (
	"testing"
	"time"

	"github.com/simeonmiteff/redistap/internal/plugin"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h, err := NewHandler(6379, nil)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h
}

func TestHandlerRequestThenResponse(t *testing.T) {
	h := newTestHandler(t)

	req := []byte("*3\r\n$3\r\nGET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	if r, err := h.Process(req, &plugin.Metrics{Identifier: 1}); err != nil || r != nil {
		t.Fatalf("request Process() = (%v, %v), want (nil, nil)", r, err)
	}
	if h.MemoryLen() != 1 {
		t.Fatalf("MemoryLen() = %d, want 1", h.MemoryLen())
	}

	latency := 5 * time.Millisecond
	resp := []byte("+OK\r\n")
	result, err := h.Process(resp, &plugin.Metrics{Identifier: 1, Latency: &latency})
	if err != nil {
		t.Fatalf("response Process() error = %v", err)
	}
	if result == nil || result.Prometheus == nil {
		t.Fatalf("expected a Prometheus result, got %+v", result)
	}
	if result.Prometheus.Label != "foo" {
		t.Errorf("Label = %q, want %q", result.Prometheus.Label, "foo")
	}
	if result.Prometheus.IsError {
		t.Errorf("IsError = true, want false")
	}
	if result.Prometheus.LatencyMillis != 5 {
		t.Errorf("LatencyMillis = %v, want 5", result.Prometheus.LatencyMillis)
	}
	if h.MemoryLen() != 0 {
		t.Errorf("MemoryLen() after response = %d, want 0", h.MemoryLen())
	}
}

func TestHandlerRetransmittedRequestDoesNotClobber(t *testing.T) {
	h := newTestHandler(t)

	first := []byte("*3\r\n$3\r\nGET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	retransmit := []byte("*3\r\n$3\r\nGET\r\n$3\r\nbaz\r\n$3\r\nqux\r\n")

	if _, err := h.Process(first, &plugin.Metrics{Identifier: 42}); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if _, err := h.Process(retransmit, &plugin.Metrics{Identifier: 42}); err != nil {
		t.Fatalf("retransmit Process() error = %v", err)
	}
	if h.MemoryLen() != 1 {
		t.Fatalf("MemoryLen() = %d, want 1", h.MemoryLen())
	}

	latency := time.Millisecond
	result, err := h.Process([]byte("+OK\r\n"), &plugin.Metrics{Identifier: 42, Latency: &latency})
	if err != nil {
		t.Fatalf("response Process() error = %v", err)
	}
	if result.Prometheus.Label != "foo" {
		t.Errorf("Label = %q, want %q (first-seen request should win)", result.Prometheus.Label, "foo")
	}
}

func TestHandlerOrphanResponseIsIgnored(t *testing.T) {
	h := newTestHandler(t)

	latency := time.Millisecond
	result, err := h.Process([]byte("+OK\r\n"), &plugin.Metrics{Identifier: 7, Latency: &latency})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result != nil {
		t.Errorf("orphan response should yield nil result, got %+v", result)
	}
}

func TestHandlerErrorResponseIsFlagged(t *testing.T) {
	h := newTestHandler(t)

	req := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	if _, err := h.Process(req, &plugin.Metrics{Identifier: 9}); err != nil {
		t.Fatalf("request Process() error = %v", err)
	}

	latency := time.Millisecond
	result, err := h.Process([]byte("-ERR wrong number of arguments\r\n"), &plugin.Metrics{Identifier: 9, Latency: &latency})
	if err != nil {
		t.Fatalf("response Process() error = %v", err)
	}
	if result == nil || !result.Prometheus.IsError {
		t.Fatalf("expected IsError = true, got %+v", result)
	}
}

func TestHandlerNilMetricsIsNoop(t *testing.T) {
	h := newTestHandler(t)
	if r, err := h.Process([]byte("+OK\r\n"), nil); r != nil || err != nil {
		t.Errorf("Process() with nil metrics = (%v, %v), want (nil, nil)", r, err)
	}
}
