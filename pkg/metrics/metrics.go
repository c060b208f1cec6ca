package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks store, load, account and self-heal activity
type Metrics struct {
	Registry *prometheus.Registry

	// Store metrics
	StoreAttempts   *prometheus.CounterVec
	StoreFailures   *prometheus.CounterVec
	StoreLatency    prometheus.Histogram
	IOUCollections  *prometheus.CounterVec
	PoisonedPeers   prometheus.Counter
	DuplicateStores prometheus.Counter

	// Load metrics
	LoadAttempts  prometheus.Counter
	LoadFailures  *prometheus.CounterVec
	CorruptCopies prometheus.Counter

	// Vault metrics
	ChunksHeld       *prometheus.GaugeVec
	BytesUsed        prometheus.Gauge
	RejectedRequests *prometheus.CounterVec

	// Account metrics
	AccountAmendments *prometheus.CounterVec

	// Self-heal metrics
	ValidityChecks *prometheus.CounterVec
	Replications   *prometheus.CounterVec
	SyncRepairs    prometheus.Counter
	Republished    prometheus.Counter

	// RPC metrics
	RPCLatency *prometheus.HistogramVec
	RPCErrors  *prometheus.CounterVec
}

// New creates and registers the metrics on registry. A nil registry gets a
// private one so several vaults can live in one process.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		StoreAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_store_attempts_total",
			Help: "Store phases attempted against a candidate vault",
		}, []string{"phase"}),
		StoreFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_store_failures_total",
			Help: "Store operations that ended in a terminal error",
		}, []string{"kind"}),
		StoreLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultnet_store_duration_seconds",
			Help:    "Time to store a chunk with all required copies",
			Buckets: prometheus.DefBuckets,
		}),
		IOUCollections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_iou_collections_total",
			Help: "IOU countersignature rounds by outcome",
		}, []string{"outcome"}),
		PoisonedPeers: f.NewCounter(prometheus.CounterOpts{
			Name: "vaultnet_poisoned_peers_total",
			Help: "Candidates excluded after an integrity or signature failure",
		}),
		DuplicateStores: f.NewCounter(prometheus.CounterOpts{
			Name: "vaultnet_duplicate_stores_total",
			Help: "Stores that took the append path for an existing key",
		}),

		LoadAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "vaultnet_load_attempts_total",
			Help: "Chunk load requests",
		}),
		LoadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_load_failures_total",
			Help: "Chunk loads that failed by error kind",
		}, []string{"kind"}),
		CorruptCopies: f.NewCounter(prometheus.CounterOpts{
			Name: "vaultnet_corrupt_copies_total",
			Help: "Chunk copies discarded for failing the hash check",
		}),

		ChunksHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultnet_chunks_held",
			Help: "Chunks in the local store by state",
		}, []string{"state"}),
		BytesUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "vaultnet_bytes_used",
			Help: "Bytes of durable chunks in the local store",
		}),
		RejectedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_rejected_requests_total",
			Help: "Incoming requests rejected before touching state",
		}, []string{"method"}),

		AccountAmendments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_account_amendments_total",
			Help: "Account amendments by outcome",
		}, []string{"outcome"}),

		ValidityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_validity_checks_total",
			Help: "Validity challenges by outcome",
		}, []string{"outcome"}),
		Replications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_replications_total",
			Help: "Re-replication attempts by outcome",
		}, []string{"outcome"}),
		SyncRepairs: f.NewCounter(prometheus.CounterOpts{
			Name: "vaultnet_sync_repairs_total",
			Help: "Local chunk copies repaired from a peer",
		}),
		Republished: f.NewCounter(prometheus.CounterOpts{
			Name: "vaultnet_republished_refs_total",
			Help: "Chunk references re-announced into the DHT",
		}),

		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultnet_rpc_duration_seconds",
			Help:    "Outgoing RPC latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RPCErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultnet_rpc_errors_total",
			Help: "Outgoing RPC errors by method",
		}, []string{"method"}),
	}
}

// RegisterHandlers exposes /metrics and a liveness endpoint on mux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Debug("Failed to write liveness response", zap.Error(err))
		}
	})
}
