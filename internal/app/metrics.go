package app

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gcphost/pagehub.dev-sub001/internal/store"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

var (
	// syncDrift counts sync passes that found a master's shape had changed.
	syncDrift = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagehub",
		Subsystem: "sync",
		Name:      "drift_total",
		Help:      "Sync passes that detected structural drift in a master",
	})

	// instanceRebuilds counts instances replaced after drift.
	// Labels: relation (full, style)
	instanceRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagehub",
		Subsystem: "sync",
		Name:      "instance_rebuilds_total",
		Help:      "Instances rebuilt from their master",
	}, []string{"relation"})

	syncFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pagehub",
		Subsystem: "sync",
		Name:      "flush_duration_seconds",
		Help:      "Time spent running pending sync passes on demand",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// cloneWarnings counts dangling references skipped while cloning.
	// Labels: kind
	cloneWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagehub",
		Subsystem: "tree",
		Name:      "clone_warnings_total",
		Help:      "Non-fatal problems found while cloning subtrees",
	}, []string{"kind"})

	openDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagehub",
		Subsystem: "editor",
		Name:      "open_documents",
		Help:      "Pages currently held open in memory",
	})

	// pageSaves counts save attempts.
	// Labels: result (ok, conflict, error)
	pageSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagehub",
		Subsystem: "pages",
		Name:      "saves_total",
		Help:      "Page save attempts by result",
	}, []string{"result"})

	// cacheLookups counts snapshot cache reads.
	// Labels: result (hit, miss, error)
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagehub",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Snapshot cache lookups by result",
	}, []string{"result"})
)

func recordSync(res tree.SyncResult) {
	if res.Drift {
		syncDrift.Inc()
	}
	for _, rebuilt := range res.Rebuilt {
		instanceRebuilds.WithLabelValues(string(rebuilt.Relation)).Inc()
	}
	recordWarnings(res.Warnings)
}

func recordWarnings(warnings []tree.Warning) {
	for _, w := range warnings {
		cloneWarnings.WithLabelValues(string(w.Kind)).Inc()
	}
}

func saveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}
