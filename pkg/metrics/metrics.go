// Package metrics provides Prometheus metrics export for trail.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Registry holds all trail metrics. A nil *Registry is valid and records
// nothing, so components can take one optionally.
type Registry struct {
	reg *prometheus.Registry

	Appends          *prometheus.CounterVec
	AppendConflicts  prometheus.Counter
	AppendDuration   prometheus.Histogram
	SinkFailures     prometheus.Counter
	Verifications    *prometheus.CounterVec
	Captures         *prometheus.CounterVec
	DedupHits        prometheus.Counter
	CaptureDuration  prometheus.Histogram
	CaptureBytes     prometheus.Histogram
	Restores         *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	Sweeps           *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	SweptSnapshots   prometheus.Counter
	ReclaimedBlobs   prometheus.Counter
	ReclaimedBytes   prometheus.Counter
	ArchivedEntries  prometheus.Counter
	PendingAutoCaps  prometheus.Gauge
}

// NewRegistry creates a registry with all trail metrics registered on a
// private prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		Appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_ledger_appends_total",
			Help: "Ledger appends by chain scope kind and result",
		}, []string{"scope_kind", "result"}),
		AppendConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_ledger_append_conflicts_total",
			Help: "Chain tip compare-and-swap conflicts retried",
		}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trail_ledger_append_duration_seconds",
			Help:    "Duration of ledger appends including retries",
			Buckets: durationBuckets,
		}),
		SinkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_ledger_sink_failures_total",
			Help: "Committed entries a sink failed to receive",
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_ledger_verifications_total",
			Help: "Chain verifications by result",
		}, []string{"result"}),
		Captures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_snapshot_captures_total",
			Help: "Snapshot captures by source and result",
		}, []string{"source", "result"}),
		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_snapshot_dedup_hits_total",
			Help: "Captures that reused existing content",
		}),
		CaptureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trail_snapshot_capture_duration_seconds",
			Help:    "Duration of snapshot captures",
			Buckets: durationBuckets,
		}),
		CaptureBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trail_snapshot_capture_bytes",
			Help:    "Encoded size of captured snapshot payloads",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
		Restores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_snapshot_restores_total",
			Help: "Snapshot restores by result",
		}, []string{"result"}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_rollbacks_total",
			Help: "Rollbacks by outcome",
		}, []string{"outcome"}),
		Sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_retention_sweeps_total",
			Help: "Retention sweeps by result",
		}, []string{"result"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trail_retention_sweep_duration_seconds",
			Help:    "Duration of retention sweeps",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		SweptSnapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_retention_snapshots_deleted_total",
			Help: "Expired snapshots deleted",
		}),
		ReclaimedBlobs: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_retention_blobs_reclaimed_total",
			Help: "Unreferenced content blobs reclaimed",
		}),
		ReclaimedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_retention_bytes_reclaimed_total",
			Help: "Bytes of content reclaimed",
		}),
		ArchivedEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "trail_retention_ledger_archived_total",
			Help: "Ledger entries marked archived",
		}),
		PendingAutoCaps: f.NewGauge(prometheus.GaugeOpts{
			Name: "trail_snapshot_auto_pending",
			Help: "Entities with a debounced auto capture pending",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAppend records a ledger append.
func (r *Registry) RecordAppend(scopeKind string, conflicts int, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.Appends.WithLabelValues(scopeKind, result(err)).Inc()
	r.AppendConflicts.Add(float64(conflicts))
	r.AppendDuration.Observe(duration.Seconds())
}

// RecordSinkFailure records a sink that failed to receive an entry.
func (r *Registry) RecordSinkFailure() {
	if r == nil {
		return
	}
	r.SinkFailures.Inc()
}

// RecordVerify records a chain verification outcome: ok, broken or error.
func (r *Registry) RecordVerify(outcome string) {
	if r == nil {
		return
	}
	r.Verifications.WithLabelValues(outcome).Inc()
}

// RecordCapture records a snapshot capture.
func (r *Registry) RecordCapture(source string, deduped bool, sizeBytes int64, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.Captures.WithLabelValues(source, result(err)).Inc()
	if err != nil {
		return
	}
	if deduped {
		r.DedupHits.Inc()
	}
	r.CaptureDuration.Observe(duration.Seconds())
	r.CaptureBytes.Observe(float64(sizeBytes))
}

// RecordRestore records a restore operation.
func (r *Registry) RecordRestore(err error) {
	if r == nil {
		return
	}
	r.Restores.WithLabelValues(result(err)).Inc()
}

// RecordRollback records a rollback by outcome.
func (r *Registry) RecordRollback(outcome string) {
	if r == nil {
		return
	}
	r.Rollbacks.WithLabelValues(outcome).Inc()
}

// RecordSweep records a retention sweep.
func (r *Registry) RecordSweep(deleted, blobs int, bytesReclaimed int64, archived int, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.Sweeps.WithLabelValues(result(err)).Inc()
	r.SweptSnapshots.Add(float64(deleted))
	r.ReclaimedBlobs.Add(float64(blobs))
	r.ReclaimedBytes.Add(float64(bytesReclaimed))
	r.ArchivedEntries.Add(float64(archived))
	r.SweepDuration.Observe(duration.Seconds())
}

// SetPendingAuto sets the number of pending auto captures.
func (r *Registry) SetPendingAuto(n int) {
	if r == nil {
		return
	}
	r.PendingAutoCaps.Set(float64(n))
}
