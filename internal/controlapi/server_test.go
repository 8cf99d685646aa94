package controlapi_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rist-bonding/dispatcherd/internal/controlapi"
	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
	"github.com/rist-bonding/dispatcherd/internal/metrics"
)

// fakeDispatcher is a minimal controlapi.Dispatcher used to exercise the
// control API handlers without constructing real output links.
type fakeDispatcher struct {
	links       []dispatcher.LinkSnapshot
	weights     []float64
	weightsErr  error
	autoBalance bool
	tuning      dispatcher.Tuning
}

func (f *fakeDispatcher) Links() []dispatcher.LinkSnapshot { return f.links }

func (f *fakeDispatcher) SetWeights(weights []float64) error {
	if f.weightsErr != nil {
		return f.weightsErr
	}
	f.weights = weights
	return nil
}

func (f *fakeDispatcher) SetAutoBalance(v bool) { f.autoBalance = v }
func (f *fakeDispatcher) Tuning() dispatcher.Tuning { return f.tuning }
func (f *fakeDispatcher) SetTuning(t dispatcher.Tuning) { f.tuning = t }

// fakeExporter records every interval it was asked to restart at, so tests
// can assert the control API wires POST /v1/config/metrics-export-interval-ms
// through to the metrics-export timer instead of only updating Tuning.
type fakeExporter struct {
	intervals []time.Duration
}

func (f *fakeExporter) SetInterval(d time.Duration) { f.intervals = append(f.intervals, d) }

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func setupTestServer(t *testing.T, d *fakeDispatcher, snaps *metrics.SnapshotCache) (string, func()) {
	t.Helper()
	return setupTestServerWithExporter(t, d, snaps, nil)
}

func setupTestServerWithExporter(t *testing.T, d *fakeDispatcher, snaps *metrics.SnapshotCache, exporter controlapi.MetricsIntervalSetter) (string, func()) {
	t.Helper()

	srv := httptest.NewServer(controlapi.New(testLogger(), d, snaps, exporter))
	t.Cleanup(srv.Close)
	return srv.URL, srv.Close
}

func TestHandleListLinks(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{links: []dispatcher.LinkSnapshot{
		{Index: 0, ID: "link-a", Linked: true, Weight: 0.6},
		{Index: 1, ID: "link-b", Linked: false, Weight: 0.4},
	}}
	url, _ := setupTestServer(t, d, nil)

	resp, err := http.Get(url + "/v1/links")
	if err != nil {
		t.Fatalf("GET /v1/links: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(out))
	}
	if out[0]["id"] != "link-a" {
		t.Errorf("links[0].id = %v, want link-a", out[0]["id"])
	}
}

func TestHandleSetWeights(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{weights: []float64{1, 1}, autoBalance: true}
	url, _ := setupTestServer(t, d, nil)

	body, _ := json.Marshal(map[string]any{"weights": []float64{0.7, 0.3}})
	resp, err := http.Post(url+"/v1/links/weights", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/links/weights: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(d.weights) != 2 || d.weights[0] != 0.7 {
		t.Errorf("weights = %v, want [0.7 0.3]", d.weights)
	}
	if d.autoBalance {
		t.Error("autoBalance still true after explicit weight set")
	}
}

func TestHandleSetWeightsError(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{weightsErr: dispatcher.ErrWeightCountMismatch}
	url, _ := setupTestServer(t, d, nil)

	body, _ := json.Marshal(map[string]any{"weights": []float64{0.5}})
	resp, err := http.Post(url+"/v1/links/weights", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/links/weights: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleSetConfig(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{tuning: dispatcher.DefaultTuning()}
	url, _ := setupTestServer(t, d, nil)

	body, _ := json.Marshal(map[string]any{"value": "aimd"})
	resp, err := http.Post(url+"/v1/config/strategy", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/config/strategy: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if d.tuning.Strategy != dispatcher.StrategyAIMD {
		t.Errorf("Strategy = %v, want AIMD", d.tuning.Strategy)
	}
}

func TestHandleSetConfigRestartsMetricsExporter(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{tuning: dispatcher.DefaultTuning()}
	exp := &fakeExporter{}
	url, _ := setupTestServerWithExporter(t, d, nil, exp)

	body, _ := json.Marshal(map[string]any{"value": 2000})
	resp, err := http.Post(url+"/v1/config/metrics-export-interval-ms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/config/metrics-export-interval-ms: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if d.tuning.MetricsInterval != 2*time.Second {
		t.Errorf("Tuning.MetricsInterval = %v, want 2s", d.tuning.MetricsInterval)
	}
	if len(exp.intervals) != 1 || exp.intervals[0] != 2*time.Second {
		t.Errorf("exporter.SetInterval calls = %v, want [2s]", exp.intervals)
	}

	body, _ = json.Marshal(map[string]any{"value": 0})
	resp, err = http.Post(url+"/v1/config/metrics-export-interval-ms", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/config/metrics-export-interval-ms: %v", err)
	}
	defer resp.Body.Close()

	if len(exp.intervals) != 2 || exp.intervals[1] != 0 {
		t.Errorf("exporter.SetInterval calls = %v, want second call 0 (stop)", exp.intervals)
	}
}

func TestHandleSetConfigUnknownProperty(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{tuning: dispatcher.DefaultTuning()}
	url, _ := setupTestServer(t, d, nil)

	body, _ := json.Marshal(map[string]any{"value": 1})
	resp, err := http.Post(url+"/v1/config/not-a-real-property", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleSnapshotNoneYet(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	cache := metrics.NewSnapshotCache()
	url, _ := setupTestServer(t, d, cache)

	resp, err := http.Get(url + "/v1/metrics/snapshot")
	if err != nil {
		t.Fatalf("GET /v1/metrics/snapshot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	cache := metrics.NewSnapshotCache()
	cache.Observe(dispatcher.Snapshot{TimestampMS: 42, CurrentWeights: `[0.5,0.5]`})
	url, _ := setupTestServer(t, d, cache)

	resp, err := http.Get(url + "/v1/metrics/snapshot")
	if err != nil {
		t.Fatalf("GET /v1/metrics/snapshot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap dispatcher.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TimestampMS != 42 {
		t.Errorf("TimestampMS = %d, want 42", snap.TimestampMS)
	}
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	url, _ := setupTestServer(t, d, nil)

	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	url, _ := setupTestServer(t, d, nil)

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
