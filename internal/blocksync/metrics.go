package blocksync

import "github.com/prometheus/client_golang/prometheus"

// MetricsNamespace prefixes every sync metric.
const MetricsNamespace = "klingsync"

// Metrics holds the sync engine collectors.
type Metrics struct {
	ChunksDownloaded *prometheus.CounterVec
	ChunkFailures    prometheus.Counter
	InvalidChunks    prometheus.Counter
	ExcludedPeers    prometheus.Counter
	BlocksApplied    prometheus.Counter
	ForkSwitches     prometheus.Counter
	DownloadSlots    prometheus.Gauge
	LocalHeight      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "chunks_downloaded_total",
			Help:      "Chunks received, by source (network or cache).",
		}, []string{"source"}),
		ChunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "chunk_failures_total",
			Help:      "Chunk download attempts that failed or timed out.",
		}),
		InvalidChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "invalid_chunks_total",
			Help:      "Chunks rejected by the chain link validator.",
		}),
		ExcludedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "excluded_peers_total",
			Help:      "Peers excluded from a sync session after repeated failures.",
		}),
		BlocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "blocks_applied_total",
			Help:      "Blocks handed to the ledger.",
		}),
		ForkSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "fork_switches_total",
			Help:      "Branch switches performed.",
		}),
		DownloadSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "download_slots",
			Help:      "Current number of parallel chunk downloads allowed.",
		}),
		LocalHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "sync",
			Name:      "local_height",
			Help:      "Number of the local HEAD block.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChunksDownloaded,
			m.ChunkFailures,
			m.InvalidChunks,
			m.ExcludedPeers,
			m.BlocksApplied,
			m.ForkSwitches,
			m.DownloadSlots,
			m.LocalHeight,
		)
	}
	return m
}
