package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"perftrack/internal/hierarchy"
)

// Metrics exposes Prometheus collectors for recompute passes.
type Metrics struct {
	passes     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	issues     *prometheus.CounterVec
	indicators *prometheus.GaugeVec
}

// MustNewMetrics registers the engine collectors with reg. Collectors that are
// already registered are reused so several engines can share one registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	passes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perftrack",
			Subsystem: "engine",
			Name:      "recompute_passes_total",
			Help:      "Recompute passes by scope kind and outcome.",
		},
		[]string{"scope", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perftrack",
			Subsystem: "engine",
			Name:      "recompute_duration_seconds",
			Help:      "Duration of recompute passes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scope"},
	)
	issues := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perftrack",
			Subsystem: "engine",
			Name:      "hierarchy_issues_total",
			Help:      "Data-quality issues found during recompute passes.",
		},
		[]string{"kind"},
	)
	indicators := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perftrack",
			Subsystem: "engine",
			Name:      "indicators",
			Help:      "Indicators by status after the last full recompute.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{passes, duration, issues, indicators}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					duration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.GaugeVec:
					indicators = already.ExistingCollector.(*prometheus.GaugeVec)
				case *prometheus.CounterVec:
					switch target {
					case passes:
						passes = already.ExistingCollector.(*prometheus.CounterVec)
					case issues:
						issues = already.ExistingCollector.(*prometheus.CounterVec)
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		passes:     passes,
		duration:   duration,
		issues:     issues,
		indicators: indicators,
	}
}

// ObservePass records one finished pass.
func (m *Metrics) ObservePass(scope ScopeKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(string(scope), outcome).Inc()
	m.duration.WithLabelValues(string(scope)).Observe(elapsed.Seconds())
}

// AddIssues counts issues by kind.
func (m *Metrics) AddIssues(issues []Issue) {
	if m == nil {
		return
	}
	for _, issue := range issues {
		m.issues.WithLabelValues(string(issue.Kind)).Inc()
	}
}

// SetIndicatorStatuses replaces the per-status indicator gauge.
func (m *Metrics) SetIndicatorStatuses(results []IndicatorResult) {
	if m == nil {
		return
	}
	counts := map[hierarchy.Status]int{
		hierarchy.StatusDraft:       0,
		hierarchy.StatusUnderReview: 0,
		hierarchy.StatusOnTarget:    0,
		hierarchy.StatusAtRisk:      0,
		hierarchy.StatusBelowTarget: 0,
	}
	for _, r := range results {
		counts[r.Status]++
	}
	for status, n := range counts {
		m.indicators.WithLabelValues(string(status)).Set(float64(n))
	}
}
