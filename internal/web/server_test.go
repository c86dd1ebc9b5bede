package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/irrigation-controller/internal/controller"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/sensor"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/store"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

type testEnv struct {
	ts      *httptest.Server
	tracker *status.Tracker
	valve   *valve.FakeActuator
	feed    *sensor.FakeFeed
	store   *store.Store
}

// newTestServer runs a real engine with fake hardware. The tick is long
// enough that only explicit commands change state.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	start := time.Now().UTC()
	cfg := status.Config{
		TickMs:       int64(time.Hour / time.Millisecond),
		Broker:       "tcp://192.168.1.200:1883",
		HTTPPort:     ":8000",
		SensorSource: "sim",
		ValveDriver:  "sim",
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		tracker: status.NewTracker(start, cfg),
		valve:   valve.NewFakeActuator(),
		feed:    sensor.NewFakeFeed(),
		store:   db,
	}
	m := controller.NewMachine(controller.Deps{
		Valve:    env.valve,
		Feed:     env.feed,
		Store:    db,
		Location: time.UTC,
	}, store.State{}, start)
	engine := controller.NewEngine(m, env.tracker, nil, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// The first command is served only after startup has published a snapshot.
	if _, err := engine.Thresholds(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv := New(":0", env.tracker, engine, db, time.UTC)
	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp, data := do(t, "GET", env.ts.URL+"/status/metrics", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	for _, key := range []string{"air", "soil", "valve_open", "mode", "state"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if string(raw["air"]) != "null" || string(raw["soil"]) != "null" {
		t.Errorf("absent readings should be null: air=%s soil=%s", raw["air"], raw["soil"])
	}

	var m status.MetricsJSON
	json.Unmarshal(data, &m)
	if m.Mode != "auto" || m.State != "idle" || m.ValveOpen {
		t.Errorf("got %+v", m)
	}
	if m.Budget.LimitSeconds != 1200 {
		t.Errorf("budget limit: got %d", m.Budget.LimitSeconds)
	}
}

func TestModeAndValveCommands(t *testing.T) {
	env := newTestServer(t)
	url := env.ts.URL

	resp, data := do(t, "POST", url+"/control/valve", `{"action":"open"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("open in auto: got %d %s, want 409", resp.StatusCode, data)
	}

	resp, data = do(t, "POST", url+"/control/mode", `{"mode":"manual"}`)
	if resp.StatusCode != 200 || !strings.Contains(string(data), `"mode":"manual"`) {
		t.Fatalf("set mode: %d %s", resp.StatusCode, data)
	}

	resp, data = do(t, "POST", url+"/control/valve", `{"action":"open","seconds":60}`)
	if resp.StatusCode != 200 || !strings.Contains(string(data), `"ok":true`) {
		t.Fatalf("open: %d %s", resp.StatusCode, data)
	}
	if !env.valve.IsOpen() {
		t.Error("valve should be open")
	}

	_, data = do(t, "GET", url+"/status/metrics", "")
	var m status.MetricsJSON
	json.Unmarshal(data, &m)
	if !m.ValveOpen || m.State != "watering" || m.Run == nil || m.Run.Origin != "manual" {
		t.Errorf("metrics after open: %s", data)
	}

	resp, _ = do(t, "POST", url+"/control/valve", `{"action":"close","seconds":null}`)
	if resp.StatusCode != 200 || env.valve.IsOpen() {
		t.Errorf("close: %d open=%v", resp.StatusCode, env.valve.IsOpen())
	}
}

func TestBadCommandsAre400(t *testing.T) {
	env := newTestServer(t)
	url := env.ts.URL

	tests := []struct {
		path, body string
	}{
		{"/control/mode", `{"mode":"eco"}`},
		{"/control/mode", `not json`},
		{"/control/valve", `{"action":"spin"}`},
		{"/schedule/create", `{"name":"x","schedule_date":"2026-06-02","schedule_time":"05:00","duration_seconds":0}`},
		{"/schedule/create", `{"name":"x","schedule_date":"June 2","schedule_time":"05:00","duration_seconds":60}`},
		{"/config/thresholds", `{"soil_moisture_low":0.9}`},
		{"/config/thresholds", `{"watering_seconds":null}`},
		{"/config/thresholds", `{"bogus":1}`},
	}
	for _, tt := range tests {
		resp, data := do(t, "POST", url+tt.path, tt.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s %s: got %d %s, want 400", tt.path, tt.body, resp.StatusCode, data)
		}
		var e errorResponse
		if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
			t.Errorf("POST %s: error body %s", tt.path, data)
		}
	}
}

func TestThresholdsRoundTrip(t *testing.T) {
	env := newTestServer(t)
	url := env.ts.URL

	resp, data := do(t, "GET", url+"/config/thresholds", "")
	if resp.StatusCode != 200 {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	var got ThresholdsJSON
	json.Unmarshal(data, &got)
	if got.ID != 1 || got.SoilMoistureLow != 0.38 || got.AirTempMin != nil {
		t.Errorf("defaults: %+v", got)
	}
	if !strings.Contains(string(data), `"air_temp_min":null`) {
		t.Errorf("unset bounds must be null: %s", data)
	}

	resp, data = do(t, "POST", url+"/config/thresholds", `{"id":1,"soil_moisture_low":0.3,"air_temp_min":2.5}`)
	if resp.StatusCode != 200 {
		t.Fatalf("update: %d %s", resp.StatusCode, data)
	}
	json.Unmarshal(data, &got)
	if got.SoilMoistureLow != 0.3 || got.AirTempMin == nil || *got.AirTempMin != 2.5 || got.SoilMoistureHigh != 0.45 {
		t.Errorf("after update: %+v", got)
	}
	if got.AirTempMax != nil {
		t.Error("untouched bound must stay null")
	}

	// Explicit null clears a bound.
	_, data = do(t, "POST", url+"/config/thresholds", `{"air_temp_min":null}`)
	got = ThresholdsJSON{}
	json.Unmarshal(data, &got)
	if got.AirTempMin != nil || got.SoilMoistureLow != 0.3 {
		t.Errorf("after clearing: %+v", got)
	}

	st, err := env.store.Load(context.Background(), time.UTC)
	if err != nil || st.Thresholds == nil || st.Thresholds.SoilMoistureLow != 0.3 {
		t.Errorf("thresholds should be persisted: %+v %v", st.Thresholds, err)
	}
}

func TestScheduleCRUD(t *testing.T) {
	env := newTestServer(t)
	url := env.ts.URL

	resp, data := do(t, "POST", url+"/schedule/create",
		`{"name":"Morning","schedule_date":"2026-06-02","schedule_time":"05:30","duration_seconds":120,"enabled":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var created ScheduleJSON
	json.Unmarshal(data, &created)
	if created.ID == 0 || created.ScheduleTime != "05:30:00" || created.ScheduleDate != "2026-06-02" || !created.Enabled {
		t.Fatalf("created: %+v", created)
	}
	entryURL := fmt.Sprintf("%s/schedule/%d", url, created.ID)

	resp, data = do(t, "PUT", entryURL, `{"duration_seconds":90}`)
	var updated ScheduleJSON
	json.Unmarshal(data, &updated)
	if resp.StatusCode != 200 || updated.DurationSeconds != 90 || updated.Name != "Morning" {
		t.Errorf("update: %d %s", resp.StatusCode, data)
	}

	resp, data = do(t, "POST", entryURL+"/toggle", "")
	var toggled ScheduleJSON
	json.Unmarshal(data, &toggled)
	if resp.StatusCode != 200 || toggled.Enabled {
		t.Errorf("toggle: %d %s", resp.StatusCode, data)
	}

	_, data = do(t, "GET", url+"/schedule/list", "")
	var list []ScheduleJSON
	if err := json.Unmarshal(data, &list); err != nil || len(list) != 1 || list[0].Enabled {
		t.Errorf("list: %s", data)
	}

	resp, data = do(t, "DELETE", entryURL, "")
	if resp.StatusCode != 200 || !strings.Contains(string(data), fmt.Sprintf(`"id":%d`, created.ID)) {
		t.Errorf("delete: %d %s", resp.StatusCode, data)
	}

	for _, tt := range []struct{ method, path string }{
		{"DELETE", entryURL},
		{"POST", entryURL + "/toggle"},
	} {
		if resp, _ := do(t, tt.method, tt.path, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s after delete: got %d, want 404", tt.method, tt.path, resp.StatusCode)
		}
	}
	if resp, _ := do(t, "PUT", entryURL, `{"name":"x"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("PUT after delete: got %d, want 404", resp.StatusCode)
	}
	if resp, _ := do(t, "DELETE", url+"/schedule/abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric id: got %d, want 400", resp.StatusCode)
	}

	_, data = do(t, "GET", url+"/schedule/list", "")
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("empty list should be [], got %s", data)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 4, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		env.store.SaveReading(ctx, &store.Reading{Kind: store.KindSoil, TemperatureC: 15, Value: 0.3, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	resp, data := do(t, "GET", env.ts.URL+"/status/history?type=soil&limit=2", "")
	if resp.StatusCode != 200 {
		t.Fatalf("history: %d %s", resp.StatusCode, data)
	}
	var h struct {
		Type     string            `json:"type"`
		Readings []status.SoilJSON `json:"readings"`
	}
	json.Unmarshal(data, &h)
	if h.Type != "soil" || len(h.Readings) != 2 || h.Readings[0].Timestamp != "2026-06-01T04:02:00Z" {
		t.Errorf("got %s", data)
	}

	if resp, _ := do(t, "GET", env.ts.URL+"/status/history?type=water", ""); resp.StatusCode != 400 {
		t.Errorf("bad type: got %d", resp.StatusCode)
	}
	if resp, _ := do(t, "GET", env.ts.URL+"/status/history?limit=0", ""); resp.StatusCode != 400 {
		t.Errorf("bad limit: got %d", resp.StatusCode)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	env := newTestServer(t)
	env.tracker.SetMQTTConnected(true)

	for _, path := range []string{"/", "/index.html"} {
		resp, data := do(t, "GET", env.ts.URL+path, "")
		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Content-Type: got %q, want text/html", ct)
		}
		if !strings.Contains(string(data), "Irrigation Controller") || !strings.Contains(string(data), "connected") {
			t.Errorf("%s body missing content", path)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	env := newTestServer(t)
	env.tracker.SetMQTTConnected(true)

	_, data := do(t, "GET", env.ts.URL+"/index.json", "")
	var sj status.StatusJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		t.Fatal(err)
	}
	if !sj.Status.MQTT.Connected || sj.Status.Config.Broker != "tcp://192.168.1.200:1883" || sj.Status.Metrics.Mode != "auto" {
		t.Errorf("got %s", data)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	env := newTestServer(t)
	if resp, _ := do(t, "GET", env.ts.URL+"/nonexistent", ""); resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t)
	if resp, _ := do(t, "GET", env.ts.URL+"/control/mode", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestServer(t)
	resp, _ := do(t, "OPTIONS", env.ts.URL+"/control/mode", "")
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %v", resp.StatusCode, resp.Header)
	}
}

func TestPrometheusAndHealth(t *testing.T) {
	env := newTestServer(t)
	do(t, "GET", env.ts.URL+"/status/metrics", "")

	resp, data := do(t, "GET", env.ts.URL+"/metrics", "")
	if resp.StatusCode != 200 || !bytes.Contains(data, []byte("irrigation_http_request_latency_seconds")) {
		t.Errorf("metrics: %d", resp.StatusCode)
	}
	resp, data = do(t, "GET", env.ts.URL+"/healthz", "")
	if resp.StatusCode != 200 || string(data) != "ok" {
		t.Errorf("healthz: %d %s", resp.StatusCode, data)
	}
}

// stubController returns a fixed error from every command.
type stubController struct{ err error }

func (s stubController) SetMode(context.Context, logic.Mode) error         { return s.err }
func (s stubController) ControlValve(context.Context, string, int) error   { return s.err }
func (s stubController) ResetError(context.Context) error                  { return s.err }
func (s stubController) DeleteEntry(context.Context, int64) error          { return s.err }
func (s stubController) Entries(context.Context) ([]controller.EntryView, error) {
	return nil, s.err
}
func (s stubController) Thresholds(context.Context) (logic.ThresholdConfig, error) {
	return logic.ThresholdConfig{}, s.err
}
func (s stubController) UpdateThresholds(context.Context, logic.ThresholdPatch) (logic.ThresholdConfig, error) {
	return logic.ThresholdConfig{}, s.err
}
func (s stubController) CreateEntry(context.Context, logic.EntryPatch) (controller.EntryView, error) {
	return controller.EntryView{}, s.err
}
func (s stubController) UpdateEntry(context.Context, int64, logic.EntryPatch) (controller.EntryView, error) {
	return controller.EntryView{}, s.err
}
func (s stubController) ToggleEntry(context.Context, int64) (controller.EntryView, error) {
	return controller.EntryView{}, s.err
}

func TestErrorStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: relay", controller.ErrActuatorFailure), http.StatusBadGateway},
		{fmt.Errorf("%w: %w", controller.ErrActuatorFailure, controller.ErrActuatorTimeout), http.StatusGatewayTimeout},
		{controller.ErrEngineStopped, http.StatusServiceUnavailable},
		{controller.ErrModeConflict, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tr := status.NewTracker(time.Now(), status.Config{})
		ts := httptest.NewServer(New(":0", tr, stubController{err: tt.err}, nil, time.UTC).Handler())
		resp, data := do(t, "POST", ts.URL+"/control/reset", "")
		ts.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%v: got %d %s, want %d", tt.err, resp.StatusCode, data, tt.want)
		}
	}
}

func TestHistoryDisabled(t *testing.T) {
	tr := status.NewTracker(time.Now(), status.Config{})
	ts := httptest.NewServer(New(":0", tr, stubController{}, nil, time.UTC).Handler())
	defer ts.Close()
	if resp, _ := do(t, "GET", ts.URL+"/status/history", ""); resp.StatusCode != 404 {
		t.Errorf("got %d, want 404", resp.StatusCode)
	}
}
