// Package metrics defines Prometheus collectors of database checkpoints,
// snapshot capture and restore.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for sqlsnap metrics.
const (
	Fail = "fail"
	Ok   = "ok"
	Busy = "busy"

	Full = "full"
	WAL  = "wal"

	Shared    = "shared"
	Exclusive = "exclusive"
)

// Collectors of sqlite.Database and its snapshot engine.
var (
	CheckpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlsnap_checkpoints_total",
		Help: "Cumulative number of database checkpoints, by outcome.",
	}, []string{"status"})
	CheckpointBusyRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlsnap_checkpoint_busy_retries_total",
		Help: "Cumulative number of WAL checkpoint attempts retried due to a busy database.",
	})
	CheckpointDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sqlsnap_checkpoint_duration_seconds",
		Help:    "Duration of snapshot checkpoints, including drain, resync and rotation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	LockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlsnap_lock_wait_seconds",
		Help:    "Time spent acquiring the database lock, by lock mode.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"mode"})
	SnapshotResyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlsnap_snapshot_resyncs_total",
		Help: "Cumulative number of full snapshot resyncs (new generations).",
	})
	SnapshotFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlsnap_snapshot_frames_total",
		Help: "Cumulative number of snapshot frames appended to index files.",
	})
	SnapshotBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlsnap_snapshot_bytes_total",
		Help: "Cumulative number of uncompressed bytes captured into snapshot chunks, by kind.",
	}, []string{"kind"})
	TailFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlsnap_tail_failures_total",
		Help: "Cumulative number of failed background WAL drains.",
	})
)

// Collectors of snapshot restores.
var (
	RestoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlsnap_restores_total",
		Help: "Cumulative number of snapshot restores, by outcome.",
	}, []string{"status"})
	RestoredChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlsnap_restored_chunks_total",
		Help: "Cumulative number of snapshot chunks verified and applied by restores.",
	})
)

// DatabaseCollectors returns collectors of database and snapshot engine metrics.
func DatabaseCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		CheckpointsTotal,
		CheckpointBusyRetriesTotal,
		CheckpointDurationSeconds,
		LockWaitSeconds,
		SnapshotResyncsTotal,
		SnapshotFramesTotal,
		SnapshotBytesTotal,
		TailFailuresTotal,
	}
}

// RestoreCollectors returns collectors of snapshot restore metrics.
func RestoreCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		RestoresTotal,
		RestoredChunksTotal,
	}
}
