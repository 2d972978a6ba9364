package redis

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/redistap/internal/plugin"
)

// orphanResponseWarning is logged at debug level, not returned, when a
// response direction frame arrives with no matching pending request - this
// is not a failure.
const orphanResponseWarning = "redis: orphan response, no matching request"

// defaultMemoryCap bounds the plugin's per-identifier payload memory with the
// same capacity as the observer's pending table, rather than the reference's
// unbounded map. The bound is by count only: the LRU evicts the least
// recently used entry when full, and entries are not expired by age.
const defaultMemoryCap = 100_000

type pendingRequest struct {
	value Value
}

// Handler is the reference RESP plugin: it parses payloads, retains only the
// first request seen per identifier (tolerating retransmissions), and emits
// a PrometheusResult once the matching response arrives.
type Handler struct {
	port int

	mu     sync.Mutex
	memory *lru.Cache

	log *logrus.Entry
}

// NewHandler constructs a Handler monitoring port, logging through log.
func NewHandler(port uint16, log *logrus.Entry) (*Handler, error) {
	memory, err := lru.New(defaultMemoryCap)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		port:   int(port),
		memory: memory,
		log:    log.WithField("component", "redis_plugin"),
	}, nil
}

// Port implements plugin.Plugin.
func (h *Handler) Port() uint16 { return uint16(h.port) }

// Process implements plugin.Plugin.
func (h *Handler) Process(payload []byte, metrics *plugin.Metrics) (*plugin.Result, error) {
	if metrics == nil {
		return nil, nil
	}

	value, _, err := ParseResp(payload)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if metrics.Latency == nil {
		// Request direction: commit-on-first-write so retransmissions of
		// the same request don't clobber the stored value.
		if _, ok := h.memory.Get(metrics.Identifier); !ok {
			h.memory.Add(metrics.Identifier, pendingRequest{value: value})
		}
		return nil, nil
	}

	// Response direction.
	stored, ok := h.memory.Get(metrics.Identifier)
	if !ok {
		h.log.WithField("identifier", metrics.Identifier).Debug(orphanResponseWarning)
		return nil, nil
	}
	h.memory.Remove(metrics.Identifier)

	req := stored.(pendingRequest)
	key := ""
	if req.value.Key != nil {
		key = *req.value.Key
	}

	isError := strings.Contains(value.Text(), "ERR")

	return &plugin.Result{
		Prometheus: &plugin.PrometheusResult{
			Label:         key,
			IsError:       isError,
			LatencyMillis: float64(metrics.Latency.Milliseconds()),
		},
	}, nil
}

// MemoryLen reports the number of identifiers presently retained, for tests.
func (h *Handler) MemoryLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.memory.Len()
}
