package mamu

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordRead(1024, 1000000, true)  // 1KB read, 1ms latency, success
	m.RecordWrite(2048, 2000000, true) // 2KB write, 2ms latency, success
	m.RecordRead(512, 500000, false)   // 512B read, 0.5ms latency, error

	snap = m.Snapshot()

	if snap.ReadOps != 2 {
		t.Errorf("Expected 2 read ops, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("Expected 1 write op, got %d", snap.WriteOps)
	}

	if snap.ReadBytes != 1024 {
		t.Errorf("Expected 1024 read bytes, got %d", snap.ReadBytes)
	}
	if snap.WriteBytes != 2048 {
		t.Errorf("Expected 2048 write bytes, got %d", snap.WriteBytes)
	}

	if snap.ReadErrors != 1 {
		t.Errorf("Expected 1 read error, got %d", snap.ReadErrors)
	}
	if snap.WriteErrors != 0 {
		t.Errorf("Expected 0 write errors, got %d", snap.WriteErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsPointerScanCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordPointerScan(1000, 42)
	m.RecordPointerScan(500, 10)

	snap := m.Snapshot()
	if snap.PointersScanned != 1500 {
		t.Errorf("PointersScanned = %d, want 1500", snap.PointersScanned)
	}
	if snap.PointersEmitted != 52 {
		t.Errorf("PointersEmitted = %d, want 52", snap.PointersEmitted)
	}

	m.RecordChainLayer(3)
	m.RecordChainLayer(7)
	snap = m.Snapshot()
	if snap.LayersProcessed != 2 {
		t.Errorf("LayersProcessed = %d, want 2", snap.LayersProcessed)
	}
	if snap.ChainsFound != 7 {
		t.Errorf("ChainsFound = %d, want 7 (last observed count)", snap.ChainsFound)
	}
}

func TestMetricsFuzzyCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordFuzzyPass(10000, 250)
	snap := m.Snapshot()
	if snap.FuzzyCandidatesScanned != 10000 {
		t.Errorf("FuzzyCandidatesScanned = %d, want 10000", snap.FuzzyCandidatesScanned)
	}
	if snap.FuzzyCandidatesMatched != 250 {
		t.Errorf("FuzzyCandidatesMatched = %d, want 250", snap.FuzzyCandidatesMatched)
	}

	m.RecordFuzzyPass(250, 40)
	snap = m.Snapshot()
	if snap.FuzzyCandidatesScanned != 10250 {
		t.Errorf("FuzzyCandidatesScanned = %d, want 10250", snap.FuzzyCandidatesScanned)
	}
	if snap.FuzzyCandidatesMatched != 40 {
		t.Errorf("FuzzyCandidatesMatched = %d, want 40 (most recent pass)", snap.FuzzyCandidatesMatched)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1000000, true)  // 1ms
	m.RecordWrite(1024, 2000000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000) // 1.5ms
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1000000, true)
	m.RecordWrite(2048, 2000000, true)
	m.RecordPointerScan(100, 10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.PointersScanned != 0 {
		t.Errorf("Expected 0 pointers scanned after reset, got %d", snap.PointersScanned)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveScanChunk(100, 10)
	observer.ObserveChainLayer(1, 5)
	observer.ObserveFuzzyPass(100, 10)
	observer.ObserveRead(1024, 1000000, true)
	observer.ObserveWrite(1024, 1000000, true)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveRead(1024, 1000000, true)
	metricsObserver.ObserveWrite(2048, 2000000, true)
	metricsObserver.ObserveScanChunk(1000, 42)
	metricsObserver.ObserveFuzzyPass(500, 20)

	snap := m.Snapshot()
	if snap.ReadOps != 1 {
		t.Errorf("Expected 1 read op from observer, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("Expected 1 write op from observer, got %d", snap.WriteOps)
	}
	if snap.ReadBytes != 1024 {
		t.Errorf("Expected 1024 read bytes from observer, got %d", snap.ReadBytes)
	}
	if snap.WriteBytes != 2048 {
		t.Errorf("Expected 2048 write bytes from observer, got %d", snap.WriteBytes)
	}
	if snap.PointersScanned != 1000 {
		t.Errorf("Expected 1000 pointers scanned from observer, got %d", snap.PointersScanned)
	}
	if snap.FuzzyCandidatesMatched != 20 {
		t.Errorf("Expected 20 fuzzy matches from observer, got %d", snap.FuzzyCandidatesMatched)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordRead(1024, 1000000, true)
	m.RecordWrite(2048, 2000000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.ReadIOPS < 0.9 || snap.ReadIOPS > 1.1 {
		t.Errorf("Expected ReadIOPS ~1.0, got %.2f", snap.ReadIOPS)
	}
	if snap.WriteIOPS < 0.9 || snap.WriteIOPS > 1.1 {
		t.Errorf("Expected WriteIOPS ~1.0, got %.2f", snap.WriteIOPS)
	}

	if snap.ReadBandwidth < 1000 || snap.ReadBandwidth > 1050 {
		t.Errorf("Expected ReadBandwidth ~1024, got %.2f", snap.ReadBandwidth)
	}
	if snap.WriteBandwidth < 2000 || snap.WriteBandwidth > 2100 {
		t.Errorf("Expected WriteBandwidth ~2048, got %.2f", snap.WriteBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordRead(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordWrite(1024, 5_000_000, true) // 5ms
	}
	m.RecordWrite(1024, 50_000_000, true) // 50ms (P99)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
