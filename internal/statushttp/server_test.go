package statushttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gaspardpetit/mcpprobe/internal/metrics"
	"github.com/gaspardpetit/mcpprobe/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestStatus() (*Status, *tracker.Tracker) {
	tr := tracker.New()
	return NewStatus("run-1", "nightly", tr), tr
}

func TestStatusEndpoint(t *testing.T) {
	st, tr := newTestStatus()
	tr.Assert("initialize returns serverInfo", true, "")
	tr.Assert("tools/list has search_context", false, "missing")
	st.Section("basic")
	st.SetState("running")
	st.SetTarget(4242)

	srv := httptest.NewServer(New(st, Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.RunID != "run-1" || snap.State != "running" || snap.Group != "basic" || snap.TargetPID != 4242 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Summary.Total != 2 || snap.Summary.Failed != 1 || len(snap.Failures) != 1 {
		t.Fatalf("unexpected summary %+v", snap)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	st, _ := newTestStatus()
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metrics.SetBuildInfo("test", "sha", "today")

	srv := httptest.NewServer(New(st, Options{Gatherer: reg}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "mcpprobe_build_info") {
		t.Fatalf("metrics output missing build info:\n%s", body)
	}
}

func TestCORS(t *testing.T) {
	st, _ := newTestStatus()
	srv := httptest.NewServer(New(st, Options{AllowedOrigins: []string{"https://dash.example"}}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	st, _ := newTestStatus()
	ctx, cancel := context.WithCancel(context.Background())
	addr, err := Start(ctx, "127.0.0.1:0", New(st, Options{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	cancel()
}
