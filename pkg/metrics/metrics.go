// Package metrics exposes the core's Prometheus collectors: capability
// check outcomes, analyzer findings by severity, and sandbox execution
// duration/violations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the core's Prometheus collectors, kept separate from the
// global default registry so an embedder can mount it under its own path.
var Registry = prometheus.NewRegistry()

var (
	capabilityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlzt",
			Subsystem: "capability",
			Name:      "checks_total",
			Help:      "Capability checks grouped by type and outcome (allowed|denied).",
		},
		[]string{"capability_type", "outcome"},
	)

	capabilityDenialReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlzt",
			Subsystem: "capability",
			Name:      "denials_total",
			Help:      "Capability denials grouped by type and reason.",
		},
		[]string{"capability_type", "reason"},
	)

	analyzerIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlzt",
			Subsystem: "analyzer",
			Name:      "issues_total",
			Help:      "Static analysis findings grouped by severity.",
		},
		[]string{"severity"},
	)

	sandboxExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlzt",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox executions grouped by terminal status.",
		},
		[]string{"status"},
	)

	sandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mlzt",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of sandbox executions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"status"},
	)

	sandboxViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlzt",
			Subsystem: "sandbox",
			Name:      "violations_total",
			Help:      "Sandbox resource-limit violations grouped by resource.",
		},
		[]string{"resource"},
	)
)

func init() {
	Registry.MustRegister(
		capabilityChecks,
		capabilityDenialReasons,
		analyzerIssues,
		sandboxExecutions,
		sandboxDuration,
		sandboxViolations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors over HTTP for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCapabilityCheck records a capability check's outcome.
func RecordCapabilityCheck(capType string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	capabilityChecks.WithLabelValues(capType, outcome).Inc()
}

// RecordCapabilityDenial records the specific reason behind a denial.
func RecordCapabilityDenial(capType, reason string) {
	capabilityDenialReasons.WithLabelValues(capType, reason).Inc()
}

// RecordAnalyzerIssue records one static-analysis finding by severity.
func RecordAnalyzerIssue(severity string) {
	analyzerIssues.WithLabelValues(severity).Inc()
}

// RecordSandboxExecution records one sandbox execution's terminal status
// and wall-clock duration.
func RecordSandboxExecution(status string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	sandboxExecutions.WithLabelValues(status).Inc()
	sandboxDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSandboxViolation records a resource-limit breach by resource kind.
func RecordSandboxViolation(resource string) {
	sandboxViolations.WithLabelValues(resource).Inc()
}
