// Package observer implements the flow-correlation engine: it dissects
// frames, derives per-request latency from unordered TCP segment
// observations, drives a Protocol Plugin, and fans results out to
// post-processors.
package observer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/redistap/internal/frame"
	"github.com/simeonmiteff/redistap/internal/plugin"
	"github.com/simeonmiteff/redistap/internal/postprocessor"
)

// ErrTCPParse is raised, and the frame dropped, when a frame that dissected
// as IPv4/TCP-addressed could not be parsed as a well-formed TCP segment.
var ErrTCPParse = errors.New("observer: malformed TCP segment")

// state is the capture loop's lifecycle, modeled as an explicit enum rather
// than a plain boolean, so a second Stop is a no-op instead of undefined
// behaviour.
type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Config parameterizes the pending-request TTL discipline.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	// MaxPending bounds the pending table; the TTL sweep
	// is necessary but not sufficient against a burst, so a hard cap with
	// oldest-first eviction is added.
	MaxPending int
}

// DefaultConfig returns the stock TTL/cleanup/capacity defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Second,
		CleanupInterval: 1 * time.Second,
		MaxPending:      100_000,
	}
}

// Observer dissects Ethernet/IPv4/TCP frames, filters by the plugin's
// monitored port, computes latency, drives the plugin, and fans results to
// post-processors.
type Observer struct {
	cfg Config
	log *logrus.Entry

	pendingMu sync.Mutex
	pending   map[uint32]*list.Element // flow key -> element in order
	order     *list.List               // oldest-first; value is pendingEntry

	postProcessors []postprocessor.PostProcessor

	state  int32
	cancel context.CancelFunc
}

// pendingEntry's key is the ack/seq flow key.
type pendingEntry struct {
	key uint32
	at  time.Time
}

// New constructs an Observer. TTL and CleanupInterval default to 5s/1s when
// zero.
func New(cfg Config, log *logrus.Entry) *Observer {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 1 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100_000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Observer{
		cfg:     cfg,
		log:     log.WithField("component", "observer"),
		pending: make(map[uint32]*list.Element),
		order:   list.New(),
		state:   int32(stateIdle),
	}
}

// AddPostProcessor appends p; delivery order follows registration order.
// Callers must register post-processors before calling CapturePackets.
func (o *Observer) AddPostProcessor(p postprocessor.PostProcessor) {
	o.postProcessors = append(o.postProcessors, p)
}

// StartCleanup launches the TTL sweeper. Caller must invoke it once; it runs
// until ctx is cancelled or, at its next tick, until Stop has been called.
func (o *Observer) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if state(atomic.LoadInt32(&o.state)) == stateStopped {
					return
				}
				o.sweep()
			}
		}
	}()
}

func (o *Observer) sweep() {
	now := time.Now()
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	for e := o.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(pendingEntry)
		if now.Sub(entry.at) < o.cfg.TTL {
			break
		}
		delete(o.pending, entry.key)
		o.order.Remove(e)
		e = next
	}
}

// insertPending records a request-direction observation, evicting the
// oldest entry first if the table is at capacity.
func (o *Observer) insertPending(key uint32, at time.Time) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	if existing, ok := o.pending[key]; ok {
		o.order.Remove(existing)
	} else if o.order.Len() >= o.cfg.MaxPending {
		oldest := o.order.Front()
		if oldest != nil {
			delete(o.pending, oldest.Value.(pendingEntry).key)
			o.order.Remove(oldest)
		}
	}

	elem := o.order.PushBack(pendingEntry{key: key, at: at})
	o.pending[key] = elem
}

// takePending removes and returns the timestamp stored under key, if any.
func (o *Observer) takePending(key uint32) (time.Time, bool) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()

	elem, ok := o.pending[key]
	if !ok {
		return time.Time{}, false
	}
	delete(o.pending, key)
	o.order.Remove(elem)
	return elem.Value.(pendingEntry).at, true
}

// PendingLen reports the number of live pending entries, for tests.
func (o *Observer) PendingLen() int {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	return o.order.Len()
}

// Stop signals all capture loops and the sweeper to terminate at their next
// suspension point (for the sweeper, its next tick). Idempotent: a second
// call is a no-op.
func (o *Observer) Stop() {
	if !atomic.CompareAndSwapInt32(&o.state, int32(stateRunning), int32(stateStopped)) {
		atomic.CompareAndSwapInt32(&o.state, int32(stateIdle), int32(stateStopped))
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// plaintextSource is implemented by frame.Source implementations that
// deliver payload bytes with no link-layer framing (e.g. tlstap.Source's
// raw SSL_write buffers). Detected via type assertion rather than a field
// on frame.Source, so plugging in a new capture mode never requires
// touching the Source interface itself.
type plaintextSource interface {
	NextIdentifier() uint32
}

// CapturePackets consumes frames from source until Stop is called or the
// source ends, dissecting each one and driving plugin synchronously. If
// source also implements plaintextSource, frames bypass Ethernet/TCP
// dissection entirely: they carry no transport metadata, so a flow key is
// synthesized and latency is not recovered.
func (o *Observer) CapturePackets(ctx context.Context, source frame.Source, p plugin.Plugin) error {
	if !atomic.CompareAndSwapInt32(&o.state, int32(stateIdle), int32(stateRunning)) {
		return fmt.Errorf("observer: capture already started or stopped")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	ids, isPlaintext := source.(plaintextSource)

	for {
		data, err := source.Next(ctx)
		if err != nil {
			if frame.IsTransient(err) {
				continue
			}
			if errors.Is(err, context.Canceled) || frame.IsEOF(err) {
				return nil
			}
			return err
		}

		if isPlaintext {
			if err := o.dissectPlaintext(data, ids, p); err != nil {
				return err
			}
			continue
		}

		receivedAt := time.Now()

		if err := o.dissect(data, receivedAt, p); err != nil {
			if errors.Is(err, ErrTCPParse) {
				o.log.WithError(err).Warn("dropping frame")
				continue
			}
			return err
		}
	}
}

// dissectPlaintext hands a transport-metadata-free buffer (TLS-tap plaintext)
// straight to the plugin, using a synthesized identifier in place of the
// ack/seq flow key dissect derives from TCP. No latency is attached: without
// transport metadata there is no request observation to pair it against.
func (o *Observer) dissectPlaintext(data []byte, ids plaintextSource, p plugin.Plugin) error {
	if len(data) == 0 {
		return nil
	}

	metrics := &plugin.Metrics{Identifier: ids.NextIdentifier()}

	result, err := p.Process(data, metrics)
	if err != nil {
		o.log.WithError(err).Warn("plugin failed to parse payload")
		return nil
	}
	if result == nil {
		return nil
	}

	for _, pp := range o.postProcessors {
		if err := pp.PostProcess(*result); err != nil {
			return fmt.Errorf("postprocessor: %w", err)
		}
	}

	return nil
}

func (o *Observer) dissect(data []byte, receivedAt time.Time, p plugin.Plugin) error {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil
	}
	eth, _ := ethLayer.(*layers.Ethernet)
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		return nil
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil
	}
	ip, _ := ipLayer.(*layers.IPv4)
	if ip.Protocol != layers.IPProtocolTCP {
		return nil
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return fmt.Errorf("%w: no TCP layer", ErrTCPParse)
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return fmt.Errorf("%w: unexpected TCP layer type", ErrTCPParse)
	}

	port := p.Port()
	if uint16(tcp.SrcPort) != port && uint16(tcp.DstPort) != port {
		return nil
	}

	metrics := o.computeMetrics(tcp, port, receivedAt)
	if metrics == nil {
		return nil
	}

	payload := tcp.LayerPayload()
	if len(payload) == 0 {
		return nil
	}

	result, err := p.Process(payload, metrics)
	if err != nil {
		o.log.WithError(err).Warn("plugin failed to parse payload")
		return nil
	}
	if result == nil {
		return nil
	}

	for _, pp := range o.postProcessors {
		if err := pp.PostProcess(*result); err != nil {
			return fmt.Errorf("postprocessor: %w", err)
		}
	}

	return nil
}

// computeMetrics is the correlation algorithm: an ACK segment
// towards the monitored port records a pending request keyed by its ack
// number; an ACK segment from the monitored port resolves (and removes) the
// pending entry keyed by its sequence number, since the service's next byte
// carries the sequence number equal to the ack the client last sent.
func (o *Observer) computeMetrics(tcp *layers.TCP, port uint16, now time.Time) *plugin.Metrics {
	if !tcp.ACK {
		return nil
	}

	if uint16(tcp.DstPort) == port {
		o.insertPending(tcp.Ack, now)
		return &plugin.Metrics{Identifier: tcp.Ack}
	}

	if uint16(tcp.SrcPort) == port {
		sent, ok := o.takePending(tcp.Seq)
		if !ok {
			return nil
		}
		latency := now.Sub(sent)
		return &plugin.Metrics{Identifier: tcp.Seq, Latency: &latency}
	}

	return nil
}
