package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faucet_build_info",
			Help: "Build information of the faucet",
		},
		[]string{"version", "commit", "date"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_claims_total",
			Help: "Total number of claim submissions by outcome",
		},
		[]string{"source", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faucet_queue_depth",
			Help: "Number of tickets currently awaiting disbursement",
		},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_transfers_total",
			Help: "Total number of token transfers by token and status",
		},
		[]string{"token", "status"},
	)

	DisbursementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_disbursements_total",
			Help: "Total number of completed per-ticket disbursement cycles",
		},
		[]string{"status"},
	)

	DisbursementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faucet_disbursement_duration_seconds",
			Help:    "Duration of per-ticket disbursement cycles",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	SupervisorRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_supervisor_restarts_total",
			Help: "Total number of supervised loop restarts",
		},
		[]string{"loop"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_snapshots_total",
			Help: "Total number of state snapshots by status",
		},
		[]string{"status"},
	)

	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faucet_snapshot_duration_seconds",
			Help:    "Duration of state snapshots",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
	)

	DiscoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_discovery_events_total",
			Help: "Total number of claim events seen by the discovery poller",
		},
		[]string{"status"},
	)
)
