// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package nfcrelay

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Direction tags used in snapshot maps and callbacks.
const (
	DirectionClientToHost = "client_to_host"
	DirectionHostToClient = "host_to_client"
)

const (
	dirStagingReadChunk = 1024
	dirRetryBackoff     = time.Millisecond
	dirIdleWait         = 100 * time.Microsecond
	dirJoinTimeout      = 2 * time.Second
	maxDiscardedPrefix  = 10
)

// RelayStats are cumulative counters spanning the whole relay, updated
// only by the two direction workers, each writing disjoint fields.
// Readers may observe slight skew across fields.
type RelayStats struct {
	ClientToHostBytes uint64
	HostToClientBytes uint64
	ClientToHostAPDUs uint64
	HostToClientAPDUs uint64
	ValidationErrors  uint64
	Retries           uint64
	DroppedAPDUs      uint64
	UptimeSeconds     float64
}

// Relay wires a client-facing and a host-facing SerialPipeline together
// and relays framed APDUs between them in both directions.
type Relay struct {
	cfg RelayConfig

	client *SerialPipeline
	host   *SerialPipeline

	meterC2H *LatencyMeter
	meterH2C *LatencyMeter

	state atomic.Int32

	mu        sync.Mutex
	startTime time.Time

	stopCh  chan struct{}
	c2hDone chan struct{}
	h2cDone chan struct{}

	stats struct {
		clientToHostBytes uint64
		hostToClientBytes uint64
		clientToHostAPDUs uint64
		hostToClientAPDUs uint64
		validationErrors  uint64
		retries           uint64
		droppedAPDUs      uint64
	}

	onAPDURelayed    func(direction string, apdu APDU)
	onValidationErr  func(direction string, prefix []byte, reason error)
	onError          func(err error)
}

// NewRelay validates config and constructs a Relay in the Stopped state.
// It does not open any ports; that happens in Start.
func NewRelay(config RelayConfig) (*Relay, error) {
	config.applyNumericDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	client, err := NewSerialPipeline("client", config.ClientPort, config.BaudRate, &config)
	if err != nil {
		return nil, err
	}
	host, err := NewSerialPipeline("host", config.HostPort, config.BaudRate, &config)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:      config,
		client:   client,
		host:     host,
		meterC2H: NewLatencyMeter(DefaultLatencySampleCapacity),
		meterH2C: NewLatencyMeter(DefaultLatencySampleCapacity),
	}
	r.meterC2H.SetLatencyThreshold(config.LatencyThresholdMs, r.thresholdExceeded(DirectionClientToHost))
	r.meterH2C.SetLatencyThreshold(config.LatencyThresholdMs, r.thresholdExceeded(DirectionHostToClient))
	r.state.Store(int32(StateStopped))
	return r, nil
}

// handlePipelineError forwards a fatal pipeline error to the relay's
// registered OnError callback, if any. The pipeline itself has already
// moved to StateError; State() surfaces that on the relay.
func (r *Relay) handlePipelineError(err error) {
	r.mu.Lock()
	cb := r.onError
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (r *Relay) thresholdExceeded(direction string) func(time.Duration) {
	return func(elapsed time.Duration) {
		r.cfg.logf("nfcrelay: %s latency %s exceeded threshold %.2fms", direction, elapsed, r.cfg.LatencyThresholdMs)
	}
}

// OnAPDURelayed registers a callback invoked after every successfully
// relayed APDU.
func (r *Relay) OnAPDURelayed(fn func(direction string, apdu APDU)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAPDURelayed = fn
}

// OnValidationError registers a callback invoked whenever the framer
// rejects a candidate frame and a byte is discarded to resynchronize.
func (r *Relay) OnValidationError(fn func(direction string, prefix []byte, reason error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onValidationErr = fn
}

// OnError registers a callback invoked when a pipeline fails fatally.
func (r *Relay) OnError(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// State returns the relay's current lifecycle state. A pipeline that has
// gone fatally wrong since the last observation surfaces here as
// StateError; there is no separate background watcher.
func (r *Relay) State() State {
	s := State(r.state.Load())
	if s == StateRunning && (r.client.State() == StateError || r.host.State() == StateError) {
		return StateError
	}
	return s
}

// IsRunning reports whether the relay is in the Running state.
func (r *Relay) IsRunning() bool {
	return r.State() == StateRunning
}

// Uptime returns the time elapsed since Start, or 0 when not running.
func (r *Relay) Uptime() time.Duration {
	if !r.IsRunning() {
		return 0
	}
	r.mu.Lock()
	start := r.startTime
	r.mu.Unlock()
	return time.Since(start)
}

// Start opens both pipelines and launches the two direction workers. On
// any failure it tears down whatever was opened and returns an error
// without leaving partial state.
func (r *Relay) Start() error {
	if r.State() != StateStopped {
		return ErrAlreadyRunning
	}
	r.state.Store(int32(StateStarting))

	r.client.OnError = r.handlePipelineError
	r.host.OnError = r.handlePipelineError

	if err := r.client.Start(); err != nil {
		r.state.Store(int32(StateStopped))
		return err
	}
	if err := r.host.Start(); err != nil {
		r.client.Stop()
		r.state.Store(int32(StateStopped))
		return err
	}

	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()

	r.stopCh = make(chan struct{})
	r.c2hDone = make(chan struct{})
	r.h2cDone = make(chan struct{})

	atomic.StoreUint64(&r.stats.clientToHostBytes, 0)
	atomic.StoreUint64(&r.stats.hostToClientBytes, 0)
	atomic.StoreUint64(&r.stats.clientToHostAPDUs, 0)
	atomic.StoreUint64(&r.stats.hostToClientAPDUs, 0)
	atomic.StoreUint64(&r.stats.validationErrors, 0)
	atomic.StoreUint64(&r.stats.retries, 0)
	atomic.StoreUint64(&r.stats.droppedAPDUs, 0)

	go r.directionWorker(DirectionClientToHost, r.client, r.host, r.meterC2H, r.c2hDone)
	go r.directionWorker(DirectionHostToClient, r.host, r.client, r.meterH2C, r.h2cDone)

	r.state.Store(int32(StateRunning))
	r.cfg.logf("nfcrelay: relay started (client=%s host=%s)", r.cfg.ClientPort, r.cfg.HostPort)
	return nil
}

// Stop cancels both direction workers cooperatively, joins them with a
// bounded timeout, and stops both pipelines. Idempotent: calling Stop on
// an already-stopped relay is a no-op.
func (r *Relay) Stop() {
	if r.State() == StateStopped {
		return
	}
	r.state.Store(int32(StateStopping))
	close(r.stopCh)

	r.joinWithTimeout(r.c2hDone)
	r.joinWithTimeout(r.h2cDone)

	r.client.Stop()
	r.host.Stop()

	r.state.Store(int32(StateStopped))
	r.cfg.logf("nfcrelay: relay stopped")
}

func (r *Relay) joinWithTimeout(done chan struct{}) {
	select {
	case <-done:
	case <-time.After(dirJoinTimeout):
		r.cfg.logf("nfcrelay: direction worker join timed out; releasing resources anyway")
	}
}

// Metrics returns the per-direction metric snapshots, with buffer-fill
// ratios for the relevant ring buffers attached.
func (r *Relay) Metrics() map[string]MetricSnapshot {
	c2h := r.meterC2H.GetSnapshot()
	c2h.BufferUsage = BufferUsage{RxBuffer: r.client.RxFillRatio(), TxBuffer: r.host.TxFillRatio()}

	h2c := r.meterH2C.GetSnapshot()
	h2c.BufferUsage = BufferUsage{RxBuffer: r.host.RxFillRatio(), TxBuffer: r.client.TxFillRatio()}

	return map[string]MetricSnapshot{
		DirectionClientToHost: c2h,
		DirectionHostToClient: h2c,
	}
}

// Stats returns the relay's cumulative counters and current uptime.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		ClientToHostBytes: atomic.LoadUint64(&r.stats.clientToHostBytes),
		HostToClientBytes: atomic.LoadUint64(&r.stats.hostToClientBytes),
		ClientToHostAPDUs: atomic.LoadUint64(&r.stats.clientToHostAPDUs),
		HostToClientAPDUs: atomic.LoadUint64(&r.stats.hostToClientAPDUs),
		ValidationErrors:  atomic.LoadUint64(&r.stats.validationErrors),
		Retries:           atomic.LoadUint64(&r.stats.retries),
		DroppedAPDUs:      atomic.LoadUint64(&r.stats.droppedAPDUs),
		UptimeSeconds:     r.Uptime().Seconds(),
	}
}

// directionWorker moves framed APDUs from src's rx-ring to dst's tx-ring,
// measuring each relayed APDU on meter. One instance runs per direction;
// the two never share mutable state beyond read-only config and their
// own pipeline handles.
func (r *Relay) directionWorker(direction string, src, dst *SerialPipeline, meter *LatencyMeter, done chan struct{}) {
	defer close(done)

	var staging []byte
	var seq uint64

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if chunk, ok := src.Read(dirStagingReadChunk); ok {
			staging = append(staging, chunk...)
		}

		for len(staging) > 0 {
			select {
			case <-r.stopCh:
				return
			default:
			}

			if !IsComplete(staging) {
				break
			}

			apdu, consumed, err := ParseErr(staging, r.cfg.EnableAPDUValidation)
			if err != nil {
				r.recordValidationError(direction, staging, err)
				staging = staging[1:]
				continue
			}
			frame := staging[:consumed]

			seq++
			handle := r.measurementID(direction, seq)
			meter.StartMeasurement(handle)

			queued := dst.Write(frame)
			attempt := 0
			for queued < len(frame) && attempt < r.cfg.RetryAttempts {
				atomic.AddUint64(&r.stats.retries, 1)
				select {
				case <-r.stopCh:
					meter.EndMeasurement(handle)
					return
				case <-time.After(dirRetryBackoff):
				}
				attempt++
				queued = dst.Write(frame)
			}

			meter.EndMeasurement(handle)

			if queued < len(frame) {
				meter.RecordError()
				atomic.AddUint64(&r.stats.droppedAPDUs, 1)
				r.cfg.logf("nfcrelay: %s dropped %d-byte APDU after exhausting retries", direction, consumed)
			} else {
				r.recordRelayed(direction, apdu, consumed, meter)
			}

			staging = staging[consumed:]
		}

		select {
		case <-r.stopCh:
			return
		case <-time.After(dirIdleWait):
		}
	}
}

// measurementID gives each in-flight APDU a distinct latency-measurement
// id, since a single direction worker is the sole writer for its meter
// and can safely hand out a monotonically increasing sequence.
func (r *Relay) measurementID(direction string, seq uint64) string {
	return direction + ":" + strconv.FormatUint(seq, 10)
}

func (r *Relay) recordValidationError(direction string, staging []byte, reason error) {
	atomic.AddUint64(&r.stats.validationErrors, 1)

	r.mu.Lock()
	cb := r.onValidationErr
	r.mu.Unlock()
	if cb != nil {
		n := len(staging)
		if n > maxDiscardedPrefix {
			n = maxDiscardedPrefix
		}
		prefix := append([]byte(nil), staging[:n]...)
		cb(direction, prefix, reason)
	}
}

func (r *Relay) recordRelayed(direction string, apdu APDU, wireLen int, meter *LatencyMeter) {
	if direction == DirectionClientToHost {
		atomic.AddUint64(&r.stats.clientToHostBytes, uint64(wireLen))
		atomic.AddUint64(&r.stats.clientToHostAPDUs, 1)
	} else {
		atomic.AddUint64(&r.stats.hostToClientBytes, uint64(wireLen))
		atomic.AddUint64(&r.stats.hostToClientAPDUs, 1)
	}
	meter.RecordThroughput(uint64(wireLen), 1)

	r.mu.Lock()
	cb := r.onAPDURelayed
	r.mu.Unlock()
	if cb != nil {
		cb(direction, apdu)
	}
}
