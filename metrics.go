package binderd

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the transaction-latency histogram buckets in
// nanoseconds, covering from 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks transaction and object-graph statistics for one driver
// instance.
type Metrics struct {
	Transactions  atomic.Uint64 // non-one-way Transact calls, replies and failed calls included
	Replies       atomic.Uint64
	OneWayCalls   atomic.Uint64

	TransactionBytes atomic.Uint64 // cumulative buffer payload admitted

	TransactionErrors atomic.Uint64
	DeadTargetErrors  atomic.Uint64
	ResourceErrors    atomic.Uint64

	DeathNotifications atomic.Uint64
	NodesCreated       atomic.Uint64
	NodesDestroyed     atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with its start time stamped.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTransaction records one synchronous or async call, whether or not
// it succeeded, and its end-to-end admission latency.
func (m *Metrics) RecordTransaction(bytes uint64, latencyNs uint64, oneWay bool, err error) {
	if oneWay {
		m.OneWayCalls.Add(1)
	} else {
		m.Transactions.Add(1)
	}
	m.TransactionBytes.Add(bytes)
	if err != nil {
		m.TransactionErrors.Add(1)
		if IsDeadTarget(err) {
			m.DeadTargetErrors.Add(1)
		}
		if IsCode(err, ErrCodeResourceExhausted) {
			m.ResourceErrors.Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordReply records a reply dispatch.
func (m *Metrics) RecordReply() { m.Replies.Add(1) }

// RecordDeathNotification records one acknowledged death notification
// (BC_DEAD_BINDER_DONE).
func (m *Metrics) RecordDeathNotification() { m.DeathNotifications.Add(1) }

// RecordNodeCreated / RecordNodeDestroyed track the live node population.
func (m *Metrics) RecordNodeCreated()   { m.NodesCreated.Add(1) }
func (m *Metrics) RecordNodeDestroyed() { m.NodesDestroyed.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks this driver instance as stopped, freezing uptime-derived rates.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	Transactions uint64
	Replies      uint64
	OneWayCalls  uint64

	TransactionBytes uint64

	TransactionErrors uint64
	DeadTargetErrors  uint64
	ResourceErrors    uint64

	DeathNotifications uint64
	LiveNodes          int64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns uint64
	LatencyP99Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TransactionRate float64 // transactions/sec including replies and one-way
	ErrorRate       float64 // percentage of transactions that errored
}

// Snapshot computes a consistent point-in-time view of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Transactions:       m.Transactions.Load(),
		Replies:            m.Replies.Load(),
		OneWayCalls:        m.OneWayCalls.Load(),
		TransactionBytes:   m.TransactionBytes.Load(),
		TransactionErrors:  m.TransactionErrors.Load(),
		DeadTargetErrors:   m.DeadTargetErrors.Load(),
		ResourceErrors:     m.ResourceErrors.Load(),
		DeathNotifications: m.DeathNotifications.Load(),
		LiveNodes:          int64(m.NodesCreated.Load()) - int64(m.NodesDestroyed.Load()),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	total := snap.Transactions + snap.OneWayCalls
	if snap.UptimeNs > 0 {
		snap.TransactionRate = float64(total) / (float64(snap.UptimeNs) / 1e9)
	}
	if total > 0 {
		snap.ErrorRate = float64(snap.TransactionErrors) / float64(total) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

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

// Observer allows pluggable metrics collection by driver callers.
type Observer interface {
	ObserveTransaction(bytes uint64, latencyNs uint64, oneWay bool, err error)
	ObserveReply()
	ObserveDeathNotification()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTransaction(uint64, uint64, bool, error) {}
func (NoOpObserver) ObserveReply()                                 {}
func (NoOpObserver) ObserveDeathNotification()                     {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTransaction(bytes uint64, latencyNs uint64, oneWay bool, err error) {
	o.metrics.RecordTransaction(bytes, latencyNs, oneWay, err)
}

func (o *MetricsObserver) ObserveReply() { o.metrics.RecordReply() }

func (o *MetricsObserver) ObserveDeathNotification() { o.metrics.RecordDeathNotification() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
