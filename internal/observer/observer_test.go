package observer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/redistap/internal/plugin"
)

// buildSegment serializes a single Ethernet/IPv4/TCP frame carrying payload,
// for feeding directly into dissect.
func buildSegment(t *testing.T, srcPort, dstPort uint16, seq, ack uint32, ackFlag bool, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(127, 0, 0, 1),
		DstIP:    net.IPv4(127, 0, 0, 1),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		ACK:     ackFlag,
		Window:  1024,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	layersList := []gopacket.SerializableLayer{eth, ip, tcp}
	if len(payload) > 0 {
		layersList = append(layersList, gopacket.Payload(payload))
	}
	if err := gopacket.SerializeLayers(buf, opts, layersList...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

type fakePlugin struct {
	port uint16
	// Process records every call and returns canned responses in order.
	resp []*plugin.Result
	errs []error
	i    int
}

func (p *fakePlugin) Port() uint16 { return p.port }

func (p *fakePlugin) Process(payload []byte, metrics *plugin.Metrics) (*plugin.Result, error) {
	idx := p.i
	p.i++
	var err error
	if idx < len(p.errs) {
		err = p.errs[idx]
	}
	var r *plugin.Result
	if idx < len(p.resp) {
		r = p.resp[idx]
	}
	return r, err
}

type fakePostProcessor struct {
	mu      sync.Mutex
	results []plugin.Result
	failOn  int // -1 disables
}

func (f *fakePostProcessor) PostProcess(result plugin.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn >= 0 && len(f.results) == f.failOn {
		f.results = append(f.results, result)
		return errors.New("postprocess failed")
	}
	f.results = append(f.results, result)
	return nil
}

func (f *fakePostProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func testObserver() *Observer {
	return New(Config{TTL: time.Minute, CleanupInterval: time.Hour, MaxPending: 16}, logrus.NewEntry(logrus.New()))
}

func TestComputeMetricsRequestThenResponse(t *testing.T) {
	o := testObserver()
	now := time.Now()

	reqTCP := &layers.TCP{SrcPort: 40000, DstPort: 6379, Ack: 500, ACK: true}
	reqMetrics := o.computeMetrics(reqTCP, 6379, now)
	if reqMetrics == nil || reqMetrics.Latency != nil {
		t.Fatalf("request direction should record a pending entry with nil latency, got %+v", reqMetrics)
	}
	if o.PendingLen() != 1 {
		t.Fatalf("PendingLen() = %d, want 1", o.PendingLen())
	}

	respTCP := &layers.TCP{SrcPort: 6379, DstPort: 40000, Seq: 500, ACK: true}
	respMetrics := o.computeMetrics(respTCP, 6379, now.Add(10*time.Millisecond))
	if respMetrics == nil || respMetrics.Latency == nil {
		t.Fatalf("response direction should resolve latency, got %+v", respMetrics)
	}
	if *respMetrics.Latency < 10*time.Millisecond {
		t.Errorf("latency = %v, want >= 10ms", *respMetrics.Latency)
	}
	if o.PendingLen() != 0 {
		t.Errorf("PendingLen() after resolution = %d, want 0", o.PendingLen())
	}
}

func TestComputeMetricsOrphanResponseIsIgnored(t *testing.T) {
	o := testObserver()
	respTCP := &layers.TCP{SrcPort: 6379, DstPort: 40000, Seq: 999, ACK: true}
	if m := o.computeMetrics(respTCP, 6379, time.Now()); m != nil {
		t.Errorf("orphan response should yield nil metrics, got %+v", m)
	}
}

func TestComputeMetricsNonACKIgnored(t *testing.T) {
	o := testObserver()
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 6379, Seq: 1, Ack: 1, ACK: false}
	if m := o.computeMetrics(tcp, 6379, time.Now()); m != nil {
		t.Errorf("non-ACK segment should yield nil metrics, got %+v", m)
	}
}

func TestInsertPendingEvictsOldestAtCapacity(t *testing.T) {
	o := New(Config{TTL: time.Minute, CleanupInterval: time.Hour, MaxPending: 2}, logrus.NewEntry(logrus.New()))
	now := time.Now()
	o.insertPending(1, now)
	o.insertPending(2, now)
	o.insertPending(3, now)

	if o.PendingLen() != 2 {
		t.Fatalf("PendingLen() = %d, want 2", o.PendingLen())
	}
	if _, ok := o.takePending(1); ok {
		t.Errorf("key 1 should have been evicted")
	}
	if _, ok := o.takePending(2); !ok {
		t.Errorf("key 2 should still be present")
	}
	if _, ok := o.takePending(3); !ok {
		t.Errorf("key 3 should still be present")
	}
}

func TestSweepRemovesExpiredEntriesOldestFirst(t *testing.T) {
	o := New(Config{TTL: 10 * time.Millisecond, CleanupInterval: time.Hour, MaxPending: 16}, logrus.NewEntry(logrus.New()))
	o.insertPending(1, time.Now().Add(-time.Second))
	o.insertPending(2, time.Now())

	o.sweep()

	if _, ok := o.takePending(1); ok {
		t.Errorf("expired key 1 should have been swept")
	}
	if _, ok := o.takePending(2); !ok {
		t.Errorf("fresh key 2 should survive the sweep")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	o := testObserver()
	o.cancel = func() {}
	o.state = int32(stateRunning)

	o.Stop()
	o.Stop()

	if state(o.state) != stateStopped {
		t.Errorf("state = %v, want stopped", o.state)
	}
}

type singleFrameSource struct {
	frames [][]byte
	i      int
}

func (s *singleFrameSource) Next(ctx context.Context) ([]byte, error) {
	if s.i >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return f, nil
}

func TestCapturePacketsDeliversToPostProcessor(t *testing.T) {
	o := testObserver()
	pp := &fakePostProcessor{failOn: -1}
	o.AddPostProcessor(pp)

	label := "GET"
	result := &plugin.Result{Prometheus: &plugin.PrometheusResult{Label: label}}
	p := &fakePlugin{port: 6379, resp: []*plugin.Result{nil, result}}

	request := buildSegment(t, 40000, 6379, 100, 500, true, []byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	response := buildSegment(t, 6379, 40000, 500, 0, true, []byte("+OK\r\n"))
	src := &singleFrameSource{frames: [][]byte{request, response}}

	if err := o.CapturePackets(context.Background(), src, p); err != nil {
		t.Fatalf("CapturePackets() error = %v", err)
	}
	if pp.count() != 1 {
		t.Errorf("post-processor received %d results, want 1", pp.count())
	}
}

type plaintextFrameSource struct {
	frames []string
	i      int
	next   uint32
}

func (s *plaintextFrameSource) Next(ctx context.Context) ([]byte, error) {
	if s.i >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return []byte(f), nil
}

func (s *plaintextFrameSource) NextIdentifier() uint32 {
	s.next++
	return s.next
}

func TestCapturePacketsDispatchesPlaintextSourceWithoutDissection(t *testing.T) {
	o := testObserver()
	pp := &fakePostProcessor{failOn: -1}
	o.AddPostProcessor(pp)

	label := "GET"
	result := &plugin.Result{Prometheus: &plugin.PrometheusResult{Label: label}}
	p := &fakePlugin{port: 6379, resp: []*plugin.Result{result}}

	src := &plaintextFrameSource{frames: []string{"*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"}}

	if err := o.CapturePackets(context.Background(), src, p); err != nil {
		t.Fatalf("CapturePackets() error = %v", err)
	}
	if pp.count() != 1 {
		t.Errorf("post-processor received %d results, want 1", pp.count())
	}
}

func TestCapturePacketsRejectsDoubleStart(t *testing.T) {
	o := testObserver()
	o.state = int32(stateRunning)

	src := &singleFrameSource{}
	p := &fakePlugin{port: 6379}
	if err := o.CapturePackets(context.Background(), src, p); err == nil {
		t.Errorf("expected an error starting a second capture loop")
	}
}
