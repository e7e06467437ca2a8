package metrics

import (
	"testing"
	"time"

	"github.com/gaspardpetit/mcpprobe/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2026-01-01")
	SetTargetRSS(64 << 20)

	var obs SessionObserver
	obs.CallStarted("tools/call")
	obs.CallStarted("tools/call")
	if v := testutil.ToFloat64(inflight); v != 2 {
		t.Fatalf("inflight: %v", v)
	}
	obs.CallFinished("tools/call", "result", 100*time.Millisecond)
	obs.CallFinished("tools/call", "timeout", 5*time.Second)
	obs.Unmatched("late")

	if v := testutil.ToFloat64(inflight); v != 0 {
		t.Fatalf("inflight after finish: %v", v)
	}
	if v := testutil.ToFloat64(requests.WithLabelValues("tools/call", "result")); v != 1 {
		t.Fatalf("requests: %v", v)
	}
	if v := testutil.ToFloat64(requests.WithLabelValues("tools/call", "timeout")); v != 1 {
		t.Fatalf("timeouts: %v", v)
	}
	if v := testutil.ToFloat64(unmatched.WithLabelValues("late")); v != 1 {
		t.Fatalf("unmatched: %v", v)
	}
	if v := testutil.ToFloat64(targetRSS); v != 64<<20 {
		t.Fatalf("rss: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2026-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if n := testutil.CollectAndCount(requestDuration); n != 1 {
		t.Fatalf("duration series: %d", n)
	}
}

func TestTrackerSinkCountsAssertions(t *testing.T) {
	before := testutil.ToFloat64(assertions.WithLabelValues("failed"))
	tr := tracker.New(TrackerSink{})
	tr.Assert("ok", true, "")
	tr.Assert("bad", false, "boom")
	if v := testutil.ToFloat64(assertions.WithLabelValues("failed")) - before; v != 1 {
		t.Fatalf("failed assertions: %v", v)
	}
}
