/*
Package metrics provides Prometheus metrics collection and exposition for xenvmd.

The metrics package defines and registers all xenvmd metrics using the
Prometheus client library, providing observability into VG metadata size,
journal health, ring suspension, host-registry connections, and the
free-pool controller's tick cadence. Metrics are exposed via HTTP endpoint
for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (free extents)       │          │
	│  │  Counter: Monotonic increases (journal ops) │          │
	│  │  Histogram: Distributions (apply latency)   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  VG:        LV count, free extents          │          │
	│  │  Journal:   apply duration, ops, leadership │          │
	│  │  Ring:      suspended count, push retries   │          │
	│  │  Hosts:     connected count, flush duration │          │
	│  │  Allocator: tick duration, top-ups, resends │          │
	│  │  RPC:       request count, duration         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition        │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: free extents, connected hosts, journal leadership
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: journal ops total, allocator ticks, top-up outcomes
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: VG write duration, journal apply duration, RPC duration

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

VG Store Metrics:

xenvm_lvs_total:
  - Type: Gauge
  - Description: Total number of logical volumes in the VG

xenvm_free_extents_total:
  - Type: Gauge
  - Description: Total unallocated extents across all PVs

xenvm_vgstore_write_duration_seconds:
  - Type: Histogram
  - Description: Time to apply and persist a VG metadata mutation

xenvm_vgstore_sync_duration_seconds:
  - Type: Histogram
  - Description: Time for a VG store durability checkpoint

Journal Metrics:

xenvm_journal_apply_duration_seconds:
  - Type: Histogram
  - Description: Time for the journal to commit and apply one op

xenvm_journal_ops_total{kind}:
  - Type: Counter
  - Description: Total redo-log ops pushed, by kind
  - Labels: kind

xenvm_journal_is_leader:
  - Type: Gauge
  - Description: Whether this node's Raft journal holds leadership

Ring Metrics:

xenvm_ring_suspended_total:
  - Type: Gauge
  - Description: Number of host rings currently suspended

xenvm_ring_push_retries_total{ring}:
  - Type: Counter
  - Description: Total pushes that hit retry/suspended, by ring
  - Labels: ring

Host Registry Metrics:

xenvm_hosts_connected_total:
  - Type: Gauge
  - Description: Total hosts currently registered and connected

xenvm_host_flush_duration_seconds:
  - Type: Histogram
  - Description: Time to flush a host's toLVM queue into the VG

Free-Pool Controller Metrics:

xenvm_allocator_tick_duration_seconds:
  - Type: Histogram
  - Description: Time for one resend/top-up/flush cycle

xenvm_allocator_ticks_total:
  - Type: Counter
  - Description: Total controller ticks completed

xenvm_allocator_topups_total{outcome}:
  - Type: Counter
  - Description: Total host top-ups, by outcome (allocated/skipped_insufficient)
  - Labels: outcome

xenvm_allocator_resends_total:
  - Type: Counter
  - Description: Total free-pool allocations resent to a suspended ring

RPC Metrics:

xenvm_rpc_requests_total{method, status}:
  - Type: Counter
  - Description: Total JSON-RPC requests served, by method and status
  - Labels: method, status

xenvm_rpc_request_duration_seconds{method}:
  - Type: Histogram
  - Description: JSON-RPC request duration in seconds, by method
  - Labels: method

# Usage

Updating Gauge Metrics:

	import "github.com/cheng-z/xenvm/pkg/metrics"

	metrics.FreeExtentsTotal.Set(4096)
	metrics.HostsConnectedTotal.Set(3)

Updating Counter Metrics:

	metrics.JournalOpsTotal.WithLabelValues("create_lv").Inc()
	metrics.ResendsTotal.Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.JournalApplyDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.RPCRequestDuration, "Xenvm.CreateLV")

# Integration Points

This package integrates with:

  - pkg/dispatch: VG write duration and applied-op counts by kind
  - Collector: LV and free-extent counts, connected-host gauge, and
    suspended-fromLVM gauge, sampled from pkg/vgstore and pkg/hostregistry
  - pkg/allocator: tick duration, top-up and resend counters, flush duration
  - pkg/rpcserver: request count and duration by method
  - Prometheus: scrapes /metrics endpoint

pkg/journal, pkg/ring and pkg/vgstore record no metrics themselves.
VGSyncDuration, JournalApplyDuration, JournalIsLeader and
RingPushRetriesTotal are registered but nothing in this repository
updates them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (op kind, ring name,
    RPC method), never host names or LV IDs, which are unbounded.

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration

# Troubleshooting

Missing Metrics:
  - Check: metric registered in init() and variable exported.

High Cardinality:
  - Cause: using host names or LV/extent IDs as label values.
  - Solution: aggregate by op kind or method name instead.

# Monitoring

Prometheus Queries (PromQL):

VG Health:
  - Free extents: xenvm_free_extents_total
  - LV count: xenvm_lvs_total

Journal Health:
  - Has leader: max(xenvm_journal_is_leader) > 0
  - Apply latency p95: histogram_quantile(0.95, xenvm_journal_apply_duration_seconds_bucket)

Allocator Health:
  - Tick rate: rate(xenvm_allocator_ticks_total[5m])
  - Skipped top-ups: rate(xenvm_allocator_topups_total{outcome="skipped_insufficient"}[5m])

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
