package nfcrelay

import (
	"sync"
	"testing"
	"time"
)

func TestLatencyMeterEndMeasurementUnknownID(t *testing.T) {
	m := NewLatencyMeter(10)
	if _, ok := m.EndMeasurement("never-started"); ok {
		t.Fatal("EndMeasurement on unknown id should return ok=false")
	}
}

func TestLatencyMeterMeasurementIncreasesCount(t *testing.T) {
	m := NewLatencyMeter(10)

	before := m.GetLatencyStats().Count
	h := m.StartMeasurement("a")
	if h.id != "a" {
		t.Fatalf("handle id = %q, want %q", h.id, "a")
	}
	time.Sleep(time.Millisecond)
	elapsed, ok := m.EndMeasurement("a")
	if !ok {
		t.Fatal("expected EndMeasurement to succeed")
	}
	if elapsed <= 0 {
		t.Fatalf("elapsed = %v, want > 0", elapsed)
	}

	after := m.GetLatencyStats().Count
	if after != before+1 {
		t.Fatalf("Count after EndMeasurement = %d, want %d", after, before+1)
	}
}

func TestLatencyMeterStatsOverWindow(t *testing.T) {
	m := NewLatencyMeter(100)
	samples := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
	}
	for i, d := range samples {
		id := string(rune('a' + i))
		m.active[id] = time.Now().Add(-d)
		if _, ok := m.EndMeasurement(id); !ok {
			t.Fatalf("EndMeasurement(%s) failed", id)
		}
	}

	stats := m.GetLatencyStats()
	if stats.Count != len(samples) {
		t.Fatalf("Count = %d, want %d", stats.Count, len(samples))
	}
	if stats.MinNs > int64(11*time.Millisecond) || stats.MinNs < int64(9*time.Millisecond) {
		t.Fatalf("MinNs = %v, want ~10ms", time.Duration(stats.MinNs))
	}
	if stats.MaxNs < int64(49*time.Millisecond) {
		t.Fatalf("MaxNs = %v, want ~50ms", time.Duration(stats.MaxNs))
	}
	if stats.MeanNs < float64(29*time.Millisecond) || stats.MeanNs > float64(31*time.Millisecond) {
		t.Fatalf("MeanNs = %v, want ~30ms", time.Duration(stats.MeanNs))
	}
}

func TestLatencyMeterThresholdCallback(t *testing.T) {
	m := NewLatencyMeter(10)

	var mu sync.Mutex
	var fired time.Duration
	m.SetLatencyThreshold(1, func(elapsed time.Duration) {
		mu.Lock()
		fired = elapsed
		mu.Unlock()
	})

	m.StartMeasurement("slow")
	time.Sleep(5 * time.Millisecond)
	if _, ok := m.EndMeasurement("slow"); !ok {
		t.Fatal("expected EndMeasurement to succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if fired == 0 {
		t.Fatal("expected threshold callback to fire for a measurement well over 1ms")
	}
}

func TestLatencyMeterThroughputAndErrorRate(t *testing.T) {
	m := NewLatencyMeter(10)
	m.RecordThroughput(100, 2)
	m.RecordThroughput(50, 1)
	m.RecordError()

	ts := m.GetThroughputStats()
	if ts.TotalBytes != 150 || ts.TotalMessages != 3 {
		t.Fatalf("throughput = %+v, want TotalBytes=150 TotalMessages=3", ts)
	}
	if ts.DurationSeconds <= 0 {
		t.Fatalf("DurationSeconds = %v, want > 0", ts.DurationSeconds)
	}

	rate := m.GetErrorRate()
	want := 1.0 / 3.0
	if rate < want-0.001 || rate > want+0.001 {
		t.Fatalf("GetErrorRate() = %v, want ~%v", rate, want)
	}
}

func TestLatencyMeterErrorRateWithNoMessages(t *testing.T) {
	m := NewLatencyMeter(10)
	if rate := m.GetErrorRate(); rate != 0 {
		t.Fatalf("GetErrorRate() with no messages = %v, want 0", rate)
	}
}

func TestLatencyMeterSnapshotShape(t *testing.T) {
	m := NewLatencyMeter(10)
	m.StartMeasurement("x")
	m.EndMeasurement("x")
	m.RecordThroughput(10, 1)

	snap := m.GetSnapshot()
	if snap.Timestamp <= 0 {
		t.Fatalf("Timestamp = %v, want > 0", snap.Timestamp)
	}
	if snap.Latency.Count != 1 {
		t.Fatalf("Latency.Count = %d, want 1", snap.Latency.Count)
	}
	if snap.Throughput.TotalBytes != 10 {
		t.Fatalf("Throughput.TotalBytes = %d, want 10", snap.Throughput.TotalBytes)
	}
}
