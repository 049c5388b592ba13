package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "meshsync"
)

// Metrics contains metrics exposed by the engine.
type Metrics struct {
	// Number of messages emitted to the application.
	Delivered metrics.Counter
	// Number of messages received again after being stored.
	Duplicates metrics.Counter
	// Number of received messages withheld, by "outcome".
	Rejected metrics.Counter
	// Number of chunk sets given up, by "reason".
	ChunkFailures metrics.Counter
	// Number of range requests by "result": issued, fulfilled, partial, not_available, expired,
	// transport_unavailable, unrecoverable.
	BackfillRequests metrics.Counter
	// Number of ranges currently marked unrecoverable.
	UnrecoverableRanges metrics.Gauge
	// Number of missing sequences seen by the last scan, by "conversation".
	MissingSequences metrics.Gauge
	// Number of chunk sets waiting for more chunks.
	PendingAssemblies metrics.Gauge
	// Number of range requests answered for peers, by "result": served, not_available, limited.
	ServedRequests metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Delivered: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "delivered",
			Help:      "Number of messages emitted to the application.",
		}, labels).With(labelsAndValues...),
		Duplicates: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "duplicates",
			Help:      "Number of messages received again after being stored.",
		}, labels).With(labelsAndValues...),
		Rejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected",
			Help:      "Number of received messages withheld from the application.",
		}, withLabel(labels, "outcome")).With(labelsAndValues...),
		ChunkFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunk_failures",
			Help:      "Number of chunk sets given up.",
		}, withLabel(labels, "reason")).With(labelsAndValues...),
		BackfillRequests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "backfill_requests",
			Help:      "Number of range requests by result.",
		}, withLabel(labels, "result")).With(labelsAndValues...),
		UnrecoverableRanges: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unrecoverable_ranges",
			Help:      "Number of missing ranges no reachable peer could supply.",
		}, labels).With(labelsAndValues...),
		MissingSequences: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "missing_sequences",
			Help:      "Number of missing sequences per conversation at the last scan.",
		}, withLabel(labels, "conversation")).With(labelsAndValues...),
		PendingAssemblies: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_assemblies",
			Help:      "Number of chunk sets waiting for more chunks.",
		}, labels).With(labelsAndValues...),
		ServedRequests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "served_requests",
			Help:      "Number of range requests answered for peers.",
		}, withLabel(labels, "result")).With(labelsAndValues...),
	}
}

func withLabel(labels []string, label string) []string {
	out := make([]string, len(labels), len(labels)+1)
	copy(out, labels)
	return append(out, label)
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Delivered:           discard.NewCounter(),
		Duplicates:          discard.NewCounter(),
		Rejected:            discard.NewCounter(),
		ChunkFailures:       discard.NewCounter(),
		BackfillRequests:    discard.NewCounter(),
		UnrecoverableRanges: discard.NewGauge(),
		MissingSequences:    discard.NewGauge(),
		PendingAssemblies:   discard.NewGauge(),
		ServedRequests:      discard.NewCounter(),
	}
}
