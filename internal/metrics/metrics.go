// Package metrics implements the Observer attached to the cache and
// table layers: atomic operation counters, byte counters and a latency
// histogram, matching the teacher's metrics.go. An Observer is always
// optional -- every recording method is a nil-safe no-op on a nil
// receiver, per the teacher's "Observer interface... may be nil"
// contract.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the histogram boundaries in nanoseconds, covering
// 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Observer tracks operational statistics for one database instance:
// tree reads/writes, cache hits/misses/evictions, and table
// writebacks/checkpoints. A nil *Observer is valid and every method on
// it is a no-op.
type Observer struct {
	GetOps atomic.Uint64
	PutOps atomic.Uint64
	DelOps atomic.Uint64

	GetMisses atomic.Uint64

	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	CacheEvictions atomic.Uint64

	NodeSplits    atomic.Uint64
	NodeFlushes   atomic.Uint64
	FlushErrors   atomic.Uint64

	TableWrites      atomic.Uint64
	TableWriteBytes  atomic.Uint64
	TableCheckpoints atomic.Uint64

	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64

	startTime atomic.Int64
}

// New returns a freshly started Observer.
func New() *Observer {
	o := &Observer{}
	o.startTime.Store(time.Now().UnixNano())
	return o
}

func (o *Observer) RecordGet(hit bool, latency time.Duration) {
	if o == nil {
		return
	}
	o.GetOps.Add(1)
	if !hit {
		o.GetMisses.Add(1)
	}
	o.recordLatency(latency)
}

func (o *Observer) RecordPut(latency time.Duration) {
	if o == nil {
		return
	}
	o.PutOps.Add(1)
	o.recordLatency(latency)
}

func (o *Observer) RecordDel(latency time.Duration) {
	if o == nil {
		return
	}
	o.DelOps.Add(1)
	o.recordLatency(latency)
}

func (o *Observer) RecordCacheHit() {
	if o == nil {
		return
	}
	o.CacheHits.Add(1)
}

func (o *Observer) RecordCacheMiss() {
	if o == nil {
		return
	}
	o.CacheMisses.Add(1)
}

func (o *Observer) RecordCacheEviction(n int) {
	if o == nil {
		return
	}
	o.CacheEvictions.Add(uint64(n))
}

func (o *Observer) RecordNodeSplit() {
	if o == nil {
		return
	}
	o.NodeSplits.Add(1)
}

func (o *Observer) RecordNodeFlush(success bool) {
	if o == nil {
		return
	}
	o.NodeFlushes.Add(1)
	if !success {
		o.FlushErrors.Add(1)
	}
}

func (o *Observer) RecordTableWrite(bytes int) {
	if o == nil {
		return
	}
	o.TableWrites.Add(1)
	o.TableWriteBytes.Add(uint64(bytes))
}

func (o *Observer) RecordCheckpoint() {
	if o == nil {
		return
	}
	o.TableCheckpoints.Add(1)
}

func (o *Observer) recordLatency(d time.Duration) {
	ns := uint64(d.Nanoseconds())
	o.totalLatencyNs.Add(ns)
	o.opCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			o.latencyBuckets[i].Add(1)
		}
	}
}

// Snapshot is a point-in-time, plain-value copy of an Observer's
// counters, suitable for DB.Stats() or periodic logging.
type Snapshot struct {
	GetOps, PutOps, DelOps       uint64
	GetMisses                    uint64
	CacheHits, CacheMisses       uint64
	CacheEvictions               uint64
	NodeSplits, NodeFlushes      uint64
	FlushErrors                  uint64
	TableWrites, TableWriteBytes uint64
	TableCheckpoints             uint64
	AvgLatencyNs                 uint64
	LatencyHistogram             [numLatencyBuckets]uint64
	CacheHitRate                 float64
	UptimeNs                     uint64
}

// Snapshot returns a consistent-enough snapshot of o's counters. Calling
// it on a nil Observer returns the zero Snapshot.
func (o *Observer) Snapshot() Snapshot {
	if o == nil {
		return Snapshot{}
	}
	s := Snapshot{
		GetOps:           o.GetOps.Load(),
		PutOps:           o.PutOps.Load(),
		DelOps:           o.DelOps.Load(),
		GetMisses:        o.GetMisses.Load(),
		CacheHits:        o.CacheHits.Load(),
		CacheMisses:      o.CacheMisses.Load(),
		CacheEvictions:   o.CacheEvictions.Load(),
		NodeSplits:       o.NodeSplits.Load(),
		NodeFlushes:      o.NodeFlushes.Load(),
		FlushErrors:      o.FlushErrors.Load(),
		TableWrites:      o.TableWrites.Load(),
		TableWriteBytes:  o.TableWriteBytes.Load(),
		TableCheckpoints: o.TableCheckpoints.Load(),
		UptimeNs:         uint64(time.Now().UnixNano() - o.startTime.Load()),
	}

	opCount := o.opCount.Load()
	if opCount > 0 {
		s.AvgLatencyNs = o.totalLatencyNs.Load() / opCount
	}
	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = o.latencyBuckets[i].Load()
	}

	if hitAttempts := s.CacheHits + s.CacheMisses; hitAttempts > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(hitAttempts) * 100.0
	}
	return s
}
