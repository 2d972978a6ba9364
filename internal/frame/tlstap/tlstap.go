// Package tlstap implements a frame.Source backed by a kernel-side uprobe on
// SSL_write, delivering plaintext buffers through a ring buffer map.
package tlstap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/redistap/internal/frame"
)

var (
	// ErrProbeLoad is returned when the compiled probe object cannot be loaded.
	ErrProbeLoad = errors.New("tlstap: failed to load probe object")
	// ErrProbeAttach is returned when the uprobe attach is refused by the kernel.
	ErrProbeAttach = errors.New("tlstap: failed to attach uprobe")
	// ErrLibsslNotFound is returned when no candidate libssl.so exists.
	ErrLibsslNotFound = errors.New("tlstap: no libssl candidate found")

	// bufferDepth is the shared channel depth backpressure guards against.
	bufferDepth = 100
	// perCPUBuffers is the per-CPU buffer pool size.
	perCPUBuffers = 10
	// bufferCapacity is each buffer's initial capacity.
	bufferCapacity = 1024
)

func candidateLibssl() (string, bool) {
	arch := archTriplet(runtime.GOARCH)
	candidates := []string{
		fmt.Sprintf("/usr/lib/%s-linux-gnu/libssl.so", arch),
		"/usr/local/lib/libssl.so",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
	}
	return "", false
}

func archTriplet(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return goarch
	}
}

// Source reads SSL_write plaintext buffers, synthesizing flow identifiers
// since the probe's transport carries no TCP sequence numbers to correlate on.
type Source struct {
	objs  probeObjects
	link  link.Link
	ring  *ringbuf.Reader
	out   chan result
	errCh chan error

	sessionTag uint32
	counter    uint64
	mu         sync.Mutex

	cancel    context.CancelFunc
	closeOnce sync.Once
	log       *logrus.Entry
}

type result struct {
	data []byte
	err  error
}

// probeObjects mirrors the maps/programs loaded from $OUT_DIR/ssl_write.o.
type probeObjects struct {
	Program *ebpf.Program `ebpf:"uprobe__SSL_write"`
	Events  *ebpf.Map     `ebpf:"events"`
}

func (o *probeObjects) Close() error {
	var err error
	if o.Program != nil {
		err = errors.Join(err, o.Program.Close())
	}
	if o.Events != nil {
		err = errors.Join(err, o.Events.Close())
	}
	return err
}

// Open loads the compiled probe object from $OUT_DIR, attaches the uprobe to
// the first candidate libssl, and starts draining its ring buffer.
func Open(ctx context.Context, log *logrus.Entry) (*Source, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	outDir := os.Getenv("OUT_DIR")
	objPath := filepath.Join(outDir, "ssl_write.o")

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("tlstap: adjust memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeLoad, err)
	}

	var objs probeObjects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeLoad, err)
	}

	libssl, ok := candidateLibssl()
	if !ok {
		objs.Close()
		return nil, ErrLibsslNotFound
	}

	exe, err := link.OpenExecutable(libssl)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("%w: open %s: %v", ErrProbeAttach, libssl, err)
	}

	lk, err := exe.Uprobe("SSL_write", objs.Program, nil)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("%w: %v", ErrProbeAttach, err)
	}

	reader, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		lk.Close()
		objs.Close()
		return nil, fmt.Errorf("tlstap: create ring buffer reader: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s := &Source{
		objs:       objs,
		link:       lk,
		ring:       reader,
		out:        make(chan result, bufferDepth),
		errCh:      make(chan error, bufferDepth),
		sessionTag: uint32(xid.New().Counter()),
		cancel:     cancel,
		log:        log.WithField("component", "tlstap_source"),
	}

	numCPU := runtime.NumCPU()
	for i := 0; i < numCPU; i++ {
		go s.drain(runCtx)
	}

	return s, nil
}

// drain pulls fixed-capacity buffers off the shared ring buffer reader and
// forwards them to the multi-producer channel, blocking rather than dropping
// when the channel is full so stalls are visible instead of silent gaps.
func (s *Source) drain(ctx context.Context) {
	pool := make([][]byte, 0, perCPUBuffers)
	for i := 0; i < perCPUBuffers; i++ {
		pool = append(pool, make([]byte, 0, bufferCapacity))
	}
	next := 0

	for {
		record, err := s.ring.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			select {
			case s.out <- result{err: err}:
			case <-ctx.Done():
				return
			}
			continue
		}

		buf := pool[next%len(pool)][:0]
		next++
		buf = append(buf, record.RawSample...)

		select {
		case s.out <- result{data: buf}:
		case <-ctx.Done():
			return
		}
	}
}

// Next implements frame.Source. Identifiers for TLS-tap frames carry no TCP
// metadata; the observer synthesizes a flow key from this source's session
// tag plus a monotonic counter rather than ack/seq numbers.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-s.out:
		if r.err != nil {
			s.log.WithError(r.err).Warn("skipping tls tap frame after ring buffer error")
			return nil, &frame.TransientError{Err: r.err}
		}
		return r.data, nil
	}
}

// NextIdentifier returns a synthesized flow key for a TLS-tap frame: the
// session tag XORed with a monotonically increasing counter.
func (s *Source) NextIdentifier() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.sessionTag ^ uint32(s.counter)
}

// Close detaches the uprobe and releases the ring buffer and maps.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = errors.Join(err, s.ring.Close())
		err = errors.Join(err, s.link.Close())
		err = errors.Join(err, s.objs.Close())
	})
	return err
}
