package mamu

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the driver round-trip latency histogram buckets
// in nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a scan or
// fuzzy-search session.
type Metrics struct {
	// Driver round-trip counters
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Error counters
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	// Pointer-scan counters
	PointersScanned atomic.Uint64 // candidate pointer values read from memory
	PointersEmitted atomic.Uint64 // candidates surviving 48-bit address validation
	ChainsFound     atomic.Uint64 // chains discovered by the chain builder
	LayersProcessed atomic.Uint64 // BFS layers completed

	// Fuzzy-search counters
	FuzzyCandidatesScanned atomic.Uint64 // addresses read during an initial scan or refine pass
	FuzzyCandidatesMatched atomic.Uint64 // matched count from the most recent fuzzy report (for an initial scan, its most recent chunk)

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // cumulative driver round-trip latency
	OpCount        atomic.Uint64 // total driver round-trips (for average latency)

	// Latency histogram buckets (cumulative counts): bucket[i] holds the
	// count of round-trips with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64 // session start timestamp (UnixNano)
	StopTime  atomic.Int64 // session stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a driver memory-read round-trip.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a driver memory-write round-trip.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPointerScan records candidates scanned and emitted during one
// scanner chunk pass.
func (m *Metrics) RecordPointerScan(scanned, emitted uint64) {
	m.PointersScanned.Add(scanned)
	m.PointersEmitted.Add(emitted)
}

// RecordChainLayer records completion of one chain-builder BFS layer.
func (m *Metrics) RecordChainLayer(chainsFound int64) {
	m.LayersProcessed.Add(1)
	if chainsFound > 0 {
		m.ChainsFound.Store(uint64(chainsFound))
	}
}

// RecordFuzzyPass records one fuzzy initial-scan or refine pass.
func (m *Metrics) RecordFuzzyPass(scanned, matched uint64) {
	m.FuzzyCandidatesScanned.Add(scanned)
	m.FuzzyCandidatesMatched.Store(matched)
}

// recordLatency records driver round-trip latency and updates the
// histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64

	PointersScanned uint64
	PointersEmitted uint64
	ChainsFound     uint64
	LayersProcessed uint64

	FuzzyCandidatesScanned uint64
	FuzzyCandidatesMatched uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:                m.ReadOps.Load(),
		WriteOps:               m.WriteOps.Load(),
		ReadBytes:              m.ReadBytes.Load(),
		WriteBytes:             m.WriteBytes.Load(),
		ReadErrors:             m.ReadErrors.Load(),
		WriteErrors:            m.WriteErrors.Load(),
		PointersScanned:        m.PointersScanned.Load(),
		PointersEmitted:        m.PointersEmitted.Load(),
		ChainsFound:            m.ChainsFound.Load(),
		LayersProcessed:        m.LayersProcessed.Load(),
		FuzzyCandidatesScanned: m.FuzzyCandidatesScanned.Load(),
		FuzzyCandidatesMatched: m.FuzzyCandidatesMatched.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful between test cases.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.PointersScanned.Store(0)
	m.PointersEmitted.Store(0)
	m.ChainsFound.Store(0)
	m.LayersProcessed.Store(0)
	m.FuzzyCandidatesScanned.Store(0)
	m.FuzzyCandidatesMatched.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection across a scan or
// fuzzy-search session.
type Observer interface {
	ObserveScanChunk(pointersScanned, pointersEmitted uint64)
	ObserveChainLayer(depth uint32, chainsFound int64)
	ObserveFuzzyPass(scanned, matched uint64)
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveScanChunk(uint64, uint64)   {}
func (NoOpObserver) ObserveChainLayer(uint32, int64)   {}
func (NoOpObserver) ObserveFuzzyPass(uint64, uint64)   {}
func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveScanChunk(pointersScanned, pointersEmitted uint64) {
	o.metrics.RecordPointerScan(pointersScanned, pointersEmitted)
}

func (o *MetricsObserver) ObserveChainLayer(_ uint32, chainsFound int64) {
	o.metrics.RecordChainLayer(chainsFound)
}

func (o *MetricsObserver) ObserveFuzzyPass(scanned, matched uint64) {
	o.metrics.RecordFuzzyPass(scanned, matched)
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
