// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package nfcrelay

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of a SerialPipeline or a Relay; both move
// through the same five states independently of each other.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	rxChunkSize = 1024
	txChunkSize = 1024
	idleWait    = 100 * time.Microsecond
	portTimeout = time.Millisecond
	joinTimeout = time.Second
)

// PipelineStats are the cumulative counters a SerialPipeline exposes
// alongside its ring buffers.
type PipelineStats struct {
	BytesReceived uint64
	BytesSent     uint64
	RxErrors      uint64
	TxErrors      uint64
	RxOverflows   uint64 // drop-oldest events
}

// SerialPipeline owns one duplex serial endpoint plus the two ring
// buffers and two workers that move bytes between it and the ring
// buffers for the pipeline's lifetime.
type SerialPipeline struct {
	name     string
	portName string
	baudRate int

	open PortOpener
	cfg  *RelayConfig // for logf; never mutated here

	rxRing *RingBuffer
	txRing *RingBuffer

	state atomic.Int32

	mu   sync.Mutex
	port Port

	stopCh chan struct{}
	rxDone chan struct{}
	txDone chan struct{}

	stats PipelineStats

	// OnDataReceived/OnDataSent/OnError are optional observability
	// hooks. Invoked synchronously from worker goroutines;
	// implementations must keep them fast.
	OnDataReceived func(n int)
	OnDataSent     func(n int)
	OnError        func(err error)
}

// NewSerialPipeline constructs a pipeline for one named endpoint
// ("client" or "host", used only in log lines) against the given port
// name/baud rate. cfg supplies the ring capacity, the logger, and the
// PortOpener override used by tests.
func NewSerialPipeline(name, portName string, baudRate int, cfg *RelayConfig) (*SerialPipeline, error) {
	rxRing, err := NewRingBuffer(cfg.RingCapacity)
	if err != nil {
		return nil, err
	}
	txRing, err := NewRingBuffer(cfg.RingCapacity)
	if err != nil {
		return nil, err
	}
	open := cfg.openPort
	if open == nil {
		open = OpenSerialPort
	}
	p := &SerialPipeline{
		name:     name,
		portName: portName,
		baudRate: baudRate,
		open:     open,
		cfg:      cfg,
		rxRing:   rxRing,
		txRing:   txRing,
	}
	p.state.Store(int32(StateStopped))
	return p, nil
}

// State returns the pipeline's current lifecycle state.
func (p *SerialPipeline) State() State {
	return State(p.state.Load())
}

func (p *SerialPipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Start opens the port, clears both rings, and launches the rx/tx
// workers. Returns an error (never partial state) on failure to open the
// port.
func (p *SerialPipeline) Start() error {
	if p.State() != StateStopped {
		return ErrAlreadyRunning
	}
	p.setState(StateStarting)

	port, err := p.open(p.portName, p.baudRate)
	if err != nil {
		p.setState(StateStopped)
		return err
	}

	p.mu.Lock()
	p.port = port
	p.mu.Unlock()

	p.rxRing.Clear()
	p.txRing.Clear()
	p.stats = PipelineStats{}

	p.stopCh = make(chan struct{})
	p.rxDone = make(chan struct{})
	p.txDone = make(chan struct{})

	go p.rxLoop()
	go p.txLoop()

	p.setState(StateRunning)
	p.cfg.logf("nfcrelay: %s pipeline started on %s @ %d baud", p.name, p.portName, p.baudRate)
	return nil
}

// Stop signals both workers to exit, joins them with a bounded timeout,
// closes the port, and transitions back to Stopped. Safe to call on an
// already-stopped pipeline.
func (p *SerialPipeline) Stop() {
	if p.State() == StateStopped {
		return
	}
	p.setState(StateStopping)
	close(p.stopCh)

	p.joinWithTimeout(p.rxDone)
	p.joinWithTimeout(p.txDone)

	p.mu.Lock()
	if p.port != nil {
		p.port.Close()
		p.port = nil
	}
	p.mu.Unlock()

	p.setState(StateStopped)
	p.cfg.logf("nfcrelay: %s pipeline stopped", p.name)
}

func (p *SerialPipeline) joinWithTimeout(done chan struct{}) {
	select {
	case <-done:
	case <-time.After(joinTimeout):
		p.cfg.logf("nfcrelay: %s pipeline worker join timed out", p.name)
	}
}

// Write enqueues bytes into the tx-ring and returns how many were
// accepted; 0 means the ring had no space and the caller decides whether
// to retry.
func (p *SerialPipeline) Write(b []byte) int {
	n, err := p.txRing.Write(b)
	if err != nil {
		return 0
	}
	return n
}

// Read dequeues up to max bytes from the rx-ring.
func (p *SerialPipeline) Read(max int) ([]byte, bool) {
	return p.rxRing.Read(max)
}

// Peek behaves like Read without advancing the rx-ring's tail.
func (p *SerialPipeline) Peek(max int) ([]byte, bool) {
	return p.rxRing.Peek(max)
}

// FlushTx instructs the OS to flush the serial port's output buffer.
func (p *SerialPipeline) FlushTx() error {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return ErrPortClosed
	}
	return port.Drain()
}

// Stats returns a snapshot of the pipeline's cumulative counters.
func (p *SerialPipeline) Stats() PipelineStats {
	return PipelineStats{
		BytesReceived: atomic.LoadUint64(&p.stats.BytesReceived),
		BytesSent:     atomic.LoadUint64(&p.stats.BytesSent),
		RxErrors:      atomic.LoadUint64(&p.stats.RxErrors),
		TxErrors:      atomic.LoadUint64(&p.stats.TxErrors),
		RxOverflows:   atomic.LoadUint64(&p.stats.RxOverflows),
	}
}

// RxFillRatio and TxFillRatio report each ring's current occupancy,
// feeding MetricSnapshot.BufferUsage.
func (p *SerialPipeline) RxFillRatio() float64 { return fillRatio(p.rxRing) }
func (p *SerialPipeline) TxFillRatio() float64 { return fillRatio(p.txRing) }

func fillRatio(r *RingBuffer) float64 {
	cap := r.Capacity()
	if cap == 0 {
		return 0
	}
	return float64(r.Size()) / float64(cap)
}

// rxLoop reads from the port and fills rx_ring, applying the drop-oldest
// policy on overflow (freshness over completeness).
func (p *SerialPipeline) rxLoop() {
	defer close(p.rxDone)
	var chunk [rxChunkSize]byte

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.mu.Lock()
		port := p.port
		p.mu.Unlock()
		if port == nil {
			return
		}

		port.SetReadTimeout(portTimeout)
		n, err := port.Read(chunk[:])
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if isFatalPortError(err) {
				atomic.AddUint64(&p.stats.RxErrors, 1)
				p.setState(StateError)
				p.fireError(err)
				return
			}
			atomic.AddUint64(&p.stats.RxErrors, 1)
			continue
		}
		if n == 0 {
			time.Sleep(idleWait)
			continue
		}

		if _, werr := p.rxRing.Write(chunk[:n]); werr != nil {
			// Freshness over completeness: drop the oldest data rather
			// than stall the port. If this single read is itself larger
			// than the ring, only its most recent bytes can possibly
			// fit once the ring is cleared.
			atomic.AddUint64(&p.stats.RxOverflows, 1)
			p.rxRing.Clear()
			keep := chunk[:n]
			if capacity := p.rxRing.Capacity(); n > capacity {
				keep = chunk[n-capacity : n]
			}
			p.rxRing.Write(keep)
		}
		atomic.AddUint64(&p.stats.BytesReceived, uint64(n))
		if p.OnDataReceived != nil {
			p.OnDataReceived(n)
		}
	}
}

// txLoop drains tx_ring to the port.
func (p *SerialPipeline) txLoop() {
	defer close(p.txDone)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		view, ok := p.txRing.Read(txChunkSize)
		if !ok {
			time.Sleep(idleWait)
			continue
		}

		p.mu.Lock()
		port := p.port
		p.mu.Unlock()
		if port == nil {
			return
		}

		port.SetReadTimeout(portTimeout)
		n, err := port.Write(view)
		if err != nil {
			if isFatalPortError(err) {
				atomic.AddUint64(&p.stats.TxErrors, 1)
				p.setState(StateError)
				p.fireError(err)
				return
			}
			atomic.AddUint64(&p.stats.TxErrors, 1)
			continue
		}
		atomic.AddUint64(&p.stats.BytesSent, uint64(n))
		if p.OnDataSent != nil {
			p.OnDataSent(n)
		}
	}
}

func (p *SerialPipeline) fireError(err error) {
	p.cfg.logf("nfcrelay: %s pipeline fatal error: %v", p.name, err)
	if p.OnError != nil {
		p.OnError(err)
	}
}
