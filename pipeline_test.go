package nfcrelay

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"
)

// fakePort is a deterministic in-memory Port double: a minimal fake
// satisfying the narrow interface the pipeline actually depends on,
// with no real I/O.
type fakePort struct {
	mu       sync.Mutex
	inbound  []byte // bytes waiting to be Read() by the pipeline
	outbound []byte // bytes the pipeline has Write()'n out
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	if len(p.inbound) == 0 {
		return 0, nil // no data currently available, not a timeout error
	}
	n := copy(b, p.inbound)
	p.inbound = p.inbound[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	p.outbound = append(p.outbound, b...)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) Drain() error                       { return nil }

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = append(p.inbound, b...)
}

func (p *fakePort) takeOutbound() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbound
	p.outbound = nil
	return out
}

func newTestPipeline(t *testing.T, ringCapacity int) (*SerialPipeline, *fakePort) {
	t.Helper()
	port := &fakePort{}
	cfg := RelayConfig{RingCapacity: ringCapacity}
	pl, err := NewSerialPipeline("test", "fake0", 115200, &cfg)
	if err != nil {
		t.Fatalf("NewSerialPipeline: %v", err)
	}
	pl.open = func(string, int) (Port, error) { return port, nil }
	return pl, port
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSerialPipelineStartStopLifecycle(t *testing.T) {
	pl, _ := newTestPipeline(t, 64)

	if pl.State() != StateStopped {
		t.Fatalf("initial state = %v, want Stopped", pl.State())
	}
	if err := pl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pl.State() != StateRunning {
		t.Fatalf("state after Start = %v, want Running", pl.State())
	}

	pl.Stop()
	if pl.State() != StateStopped {
		t.Fatalf("state after Stop = %v, want Stopped", pl.State())
	}

	// start/stop twice is safe and idempotent.
	if err := pl.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	pl.Stop()
	if pl.State() != StateStopped {
		t.Fatalf("state after second Stop = %v, want Stopped", pl.State())
	}
}

func TestSerialPipelineStartTwiceFails(t *testing.T) {
	pl, _ := newTestPipeline(t, 64)
	if err := pl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pl.Stop()

	if err := pl.Start(); err == nil {
		t.Fatal("expected second concurrent Start to fail")
	}
}

func TestSerialPipelineRxFillsRing(t *testing.T) {
	pl, port := newTestPipeline(t, 64)
	if err := pl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pl.Stop()

	want := []byte("hello relay")
	port.feed(want)

	waitFor(t, time.Second, func() bool {
		return pl.Stats().BytesReceived >= uint64(len(want))
	})

	got, ok := pl.Read(len(want))
	if !ok {
		t.Fatal("expected data in rx ring")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}
}

func TestSerialPipelineTxDrainsToPort(t *testing.T) {
	pl, port := newTestPipeline(t, 64)
	if err := pl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pl.Stop()

	want := []byte("to the wire")
	if n := pl.Write(want); n != len(want) {
		t.Fatalf("Write queued %d bytes, want %d", n, len(want))
	}

	waitFor(t, time.Second, func() bool {
		return pl.Stats().BytesSent >= uint64(len(want))
	})

	if got := port.takeOutbound(); !bytes.Equal(got, want) {
		t.Fatalf("port received %q, want %q", got, want)
	}
}

func TestSerialPipelineRxOverflowDropsOldest(t *testing.T) {
	pl, port := newTestPipeline(t, 16)
	if err := pl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pl.Stop()

	burst := bytes.Repeat([]byte{0}, 32)
	for i := range burst {
		burst[i] = byte(i)
	}
	port.feed(burst)

	waitFor(t, time.Second, func() bool {
		return pl.Stats().BytesReceived >= 32
	})

	if stats := pl.Stats(); stats.BytesReceived != 32 {
		t.Fatalf("BytesReceived = %d, want 32", stats.BytesReceived)
	}
	if pl.Stats().RxOverflows == 0 {
		t.Fatal("expected at least one rx overflow to be recorded")
	}

	got, ok := pl.Read(32)
	if !ok {
		t.Fatal("expected data still available after overflow")
	}
	if len(got) != 16 {
		t.Fatalf("available after overflow = %d bytes, want 16", len(got))
	}
	want := burst[16:]
	if !bytes.Equal(got, want) {
		t.Fatalf("surviving bytes = % x, want % x (most recent 16)", got, want)
	}
}

func TestSerialPipelineFlushTxRequiresOpenPort(t *testing.T) {
	pl, _ := newTestPipeline(t, 16)
	if err := pl.FlushTx(); err == nil {
		t.Fatal("expected FlushTx on a stopped pipeline to fail")
	}
	if err := pl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pl.Stop()
	if err := pl.FlushTx(); err != nil {
		t.Fatalf("FlushTx: %v", err)
	}
}
