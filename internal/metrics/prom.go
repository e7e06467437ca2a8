package metrics

import (
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcpprobe_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "harness"},
		},
		[]string{"date", "sha", "version"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpprobe_requests_total",
			Help: "Calls sent to the target by outcome",
		},
		[]string{"method", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpprobe_request_duration_seconds",
			Help:    "Time from send to matching response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpprobe_requests_inflight",
			Help: "Calls awaiting a response",
		},
	)

	assertions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpprobe_assertions_total",
			Help: "Assertions recorded by outcome",
		},
		[]string{"outcome"},
	)

	unmatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpprobe_unmatched_responses_total",
			Help: "Responses that answered no outstanding call",
		},
		[]string{"kind"},
	)

	targetRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpprobe_target_rss_bytes",
			Help: "Resident set size of the target process",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requests, requestDuration, inflight, assertions, unmatched, targetRSS)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetTargetRSS records the latest RSS sample.
func SetTargetRSS(bytes uint64) {
	targetRSS.Set(float64(bytes))
}

// SessionObserver feeds call accounting from a session into the collectors.
type SessionObserver struct{}

func (SessionObserver) CallStarted(string) { inflight.Inc() }

func (SessionObserver) CallFinished(method, outcome string, d time.Duration) {
	inflight.Dec()
	requests.WithLabelValues(method, outcome).Inc()
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (SessionObserver) Unmatched(kind string) { unmatched.WithLabelValues(kind).Inc() }

// TrackerSink counts assertions as they are recorded.
type TrackerSink struct{}

func (TrackerSink) Section(string) {}

func (TrackerSink) Record(r tracker.Record) {
	outcome := "passed"
	if !r.Passed {
		outcome = "failed"
	}
	assertions.WithLabelValues(outcome).Inc()
}
