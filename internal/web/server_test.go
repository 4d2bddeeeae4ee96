package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"vadase-monitor/internal/ingest"
	"vadase-monitor/internal/metrics"
	"vadase-monitor/internal/source"
	"vadase-monitor/internal/station"
)

type fakeStations []station.Status

func (f fakeStations) Snapshots() []station.Status { return f }

func testStations() fakeStations {
	active := station.Status{ID: "GENO", Running: true, Source: source.Snapshot{Kind: "ntrip", State: source.StateStreaming}, QueueCapacity: 100}
	active.Core.Event.Active = true
	active.Core.Event.PeakVelocity = 22
	idle := station.Status{ID: "AQUI", Running: true, Source: source.Snapshot{Kind: "dir", State: source.StateReplaying}}
	idle.Core = ingest.Snapshot{Station: "AQUI"}
	return fakeStations{active, idle}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("/etc/vadase/stations.yaml", []string{"sql", "live"})

	ts := httptest.NewServer(Handler(Options{Status: st, Stations: testStations()}))
	defer ts.Close()

	resp := get(t, ts.URL+"/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "vadase-monitor" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.ConfigPath != "/etc/vadase/stations.yaml" {
		t.Fatalf("config_path=%q", snap.ConfigPath)
	}
	if len(snap.Stations) != 2 || snap.Stations[0].ID != "GENO" {
		t.Fatalf("stations=%+v", snap.Stations)
	}
	if snap.ActiveEvents != 1 {
		t.Fatalf("active_events=%d want 1", snap.ActiveEvents)
	}
	if snap.Stations[0].Core.Event.PeakVelocity != 22 {
		t.Fatalf("peak=%v", snap.Stations[0].Core.Event.PeakVelocity)
	}
}

func TestAPIStatus_NoStations(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	var snap StatusSnapshot
	if err := json.NewDecoder(get(t, ts.URL+"/api/status").Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Stations == nil || len(snap.Stations) != 0 {
		t.Fatalf("stations=%v want empty list", snap.Stations)
	}
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodGet {
		t.Fatalf("allow=%q", resp.Header.Get("Allow"))
	}
}

func TestAPIStation(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Stations: testStations()}))
	defer ts.Close()

	resp := get(t, ts.URL+"/api/stations/AQUI")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var st station.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if st.ID != "AQUI" || st.Source.Kind != "dir" {
		t.Fatalf("station=%+v", st)
	}

	if resp := get(t, ts.URL+"/api/stations/NOPE"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown station code=%d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Station("GENO").ChecksumError()

	ts := httptest.NewServer(Handler(Options{Gatherer: reg}))
	defer ts.Close()

	resp := get(t, ts.URL+"/metrics")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `station="GENO"`) {
		t.Fatalf("metrics body missing station label:\n%s", body)
	}
}

func TestOptionalRoutesAbsent(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	for _, p := range []string{"/metrics", "/ws", "/api/logs", "/nope"} {
		if resp := get(t, ts.URL+p); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s code=%d want 404", p, resp.StatusCode)
		}
	}
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Stations: testStations()}))
	defer ts.Close()

	resp := get(t, ts.URL+"/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "GENO") {
		t.Fatalf("root page missing station:\n%s", body)
	}
}

func TestAPIAbout(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	var a AboutResponse
	if err := json.NewDecoder(get(t, ts.URL+"/api/about").Body).Decode(&a); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if a.Service != "vadase-monitor" || a.GoVersion == "" {
		t.Fatalf("about=%+v", a)
	}
}

func TestLogBuffer_SplitsWritesAndFiltersByStation(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("level=INFO msg=connected station=GENO\nlevel=WARN msg=check"))
	_, _ = b.Write([]byte("sum_error station=AQUI\n"))
	_, _ = b.Write([]byte(`{"msg":"event_detected","station":"GENO"}` + "\n"))

	lines, dropped := b.Snapshot(10, "")
	if len(lines) != 3 || dropped != 0 {
		t.Fatalf("lines=%q dropped=%d", lines, dropped)
	}
	if lines[1] != "level=WARN msg=checksum_error station=AQUI" {
		t.Fatalf("partial write not joined: %q", lines[1])
	}

	geno, _ := b.Snapshot(10, "GENO")
	if len(geno) != 2 {
		t.Fatalf("GENO lines=%q", geno)
	}

	_, _ = b.Write([]byte("one more\n"))
	lines, dropped = b.Snapshot(10, "")
	if len(lines) != 3 || dropped != 1 || lines[0] != "level=WARN msg=checksum_error station=AQUI" {
		t.Fatalf("lines=%q dropped=%d", lines, dropped)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("a station=X\nb station=Y\n"))
	ts := httptest.NewServer(Handler(Options{Logs: logs}))
	defer ts.Close()

	var out LogsResponse
	if err := json.NewDecoder(get(t, ts.URL+"/api/logs?station=Y").Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(out.Lines) != 1 || out.Lines[0] != "b station=Y" {
		t.Fatalf("lines=%q", out.Lines)
	}

	if resp := get(t, ts.URL+"/api/logs?tail=0"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("tail=0 code=%d", resp.StatusCode)
	}
	resp := get(t, ts.URL+"/api/logs?format=text")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "a station=X\nb station=Y\n" {
		t.Fatalf("text body=%q", body)
	}
}
