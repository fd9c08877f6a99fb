package scan

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the scan pipeline.
type Metrics struct {
	ScansTotal      *prometheus.CounterVec
	ScanDuration    prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	FindingsCreated prometheus.Counter
	FindingsUpdated prometheus.Counter
	ToolFailures    *prometheus.CounterVec
	QuotaRejections prometheus.Counter
	StorageBytes    *prometheus.GaugeVec
}

// NewMetrics registers and returns scan metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_scans_total",
			Help: "Total scans finished by terminal status.",
		}, []string{"status"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_scan_duration_seconds",
			Help:    "End-to-end duration of completed scans in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_scan_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s .. ~13m
		}, []string{"stage"}),
		FindingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_scan_findings_created_total",
			Help: "Total new findings created by normalization.",
		}),
		FindingsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_scan_findings_updated_total",
			Help: "Total existing findings merged by normalization.",
		}),
		ToolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_scan_tool_failures_total",
			Help: "Total tool executions that contributed no results.",
		}, []string{"tool"}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_scan_quota_rejections_total",
			Help: "Total scan submissions rejected by the monthly quota.",
		}),
		StorageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sift_org_storage_bytes",
			Help: "SARIF storage bytes recorded per organization this month.",
		}, []string{"org_id"}),
	}

	reg.MustRegister(
		m.ScansTotal,
		m.ScanDuration,
		m.StageDuration,
		m.FindingsCreated,
		m.FindingsUpdated,
		m.ToolFailures,
		m.QuotaRejections,
		m.StorageBytes,
	)

	return m
}
