package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VG metadata metrics
	LVsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenvm_lvs_total",
			Help: "Total number of logical volumes in the volume group",
		},
	)

	FreeExtentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenvm_free_extents_total",
			Help: "Total number of unallocated extents across all physical volumes",
		},
	)

	VGWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xenvm_vgstore_write_duration_seconds",
			Help:    "Time taken to apply and persist a VG metadata mutation",
			Buckets: prometheus.DefBuckets,
		},
	)

	VGSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xenvm_vgstore_sync_duration_seconds",
			Help:    "Time taken for a VG store durability checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Journal metrics
	JournalApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xenvm_journal_apply_duration_seconds",
			Help:    "Time taken for the journal to commit and apply one op",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenvm_journal_ops_total",
			Help: "Total number of redo-log ops pushed, by kind",
		},
		[]string{"kind"},
	)

	JournalIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenvm_journal_is_leader",
			Help: "Whether this node's single-voter Raft journal holds leadership (1 = leader, 0 = not)",
		},
	)

	// Ring metrics
	RingSuspendedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenvm_ring_suspended_total",
			Help: "Number of connected hosts whose fromLVM ring is currently suspended",
		},
	)

	RingPushRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenvm_ring_push_retries_total",
			Help: "Total number of ring pushes that hit a retry or suspended condition, by ring",
		},
		[]string{"ring"},
	)

	// Host registry metrics
	HostsConnectedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xenvm_hosts_connected_total",
			Help: "Total number of hosts currently registered and connected",
		},
	)

	HostFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xenvm_host_flush_duration_seconds",
			Help:    "Time taken to flush a host's toLVM queue into the VG",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Free-pool controller metrics
	ControllerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xenvm_allocator_tick_duration_seconds",
			Help:    "Time taken for one resend/top-up/flush cycle of the free-pool controller",
			Buckets: prometheus.DefBuckets,
		},
	)

	ControllerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xenvm_allocator_ticks_total",
			Help: "Total number of free-pool controller ticks completed",
		},
	)

	TopUpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenvm_allocator_topups_total",
			Help: "Total number of host free-pool top-ups, by outcome",
		},
		[]string{"outcome"}, // "allocated", "skipped_insufficient"
	)

	ResendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xenvm_allocator_resends_total",
			Help: "Total number of free-pool allocations resent to a suspended fromLVM ring",
		},
	)

	// Dispatch / RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenvm_rpc_requests_total",
			Help: "Total number of JSON-RPC requests served, by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xenvm_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(LVsTotal)
	prometheus.MustRegister(FreeExtentsTotal)
	prometheus.MustRegister(VGWriteDuration)
	prometheus.MustRegister(VGSyncDuration)

	prometheus.MustRegister(JournalApplyDuration)
	prometheus.MustRegister(JournalOpsTotal)
	prometheus.MustRegister(JournalIsLeader)

	prometheus.MustRegister(RingSuspendedTotal)
	prometheus.MustRegister(RingPushRetriesTotal)

	prometheus.MustRegister(HostsConnectedTotal)
	prometheus.MustRegister(HostFlushDuration)

	prometheus.MustRegister(ControllerTickDuration)
	prometheus.MustRegister(ControllerTicksTotal)
	prometheus.MustRegister(TopUpsTotal)
	prometheus.MustRegister(ResendsTotal)

	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
