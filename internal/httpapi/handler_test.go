package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"soilmap/core-go/internal/locations"
	"soilmap/core-go/internal/mapsurface"
	"soilmap/core-go/internal/mapview"
	"soilmap/core-go/internal/metrics"
	"soilmap/core-go/internal/readingcache"
	"soilmap/core-go/internal/readings"
)

var testNow = time.Date(2025, 6, 1, 9, 10, 0, 0, time.UTC)

type fakeSource struct {
	listFn func(ctx context.Context) ([]readings.Device, error)
	logsFn func(ctx context.Context, serial string) ([]readings.Snapshot, error)
}

func (f *fakeSource) ListDevices(ctx context.Context) ([]readings.Device, error) {
	return f.listFn(ctx)
}

func (f *fakeSource) ListDeviceReadings(ctx context.Context, serial string) ([]readings.Snapshot, error) {
	return f.logsFn(ctx, serial)
}

func (f *fakeSource) LatestDeviceReading(ctx context.Context, serial string) (readings.Snapshot, error) {
	rs, err := f.logsFn(ctx, serial)
	if err != nil {
		return readings.Snapshot{}, err
	}
	newest, ok := readings.Newest(rs)
	if !ok {
		return readings.Snapshot{}, readings.ErrNoReadings
	}
	return newest, nil
}

type fakePinger struct {
	pingFn func(ctx context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.pingFn(ctx) }

func soilSource() *fakeSource {
	name := "North field"
	return &fakeSource{
		listFn: func(ctx context.Context) ([]readings.Device, error) {
			return []readings.Device{{SerialNumber: "SN-1", Name: &name}, {SerialNumber: "SN-2"}, {SerialNumber: "SN-3"}}, nil
		},
		logsFn: func(ctx context.Context, serial string) ([]readings.Snapshot, error) {
			lat, lng, ph := 44.8, 20.4, 6.2
			switch serial {
			case "SN-1":
				return []readings.Snapshot{{SerialNumber: serial, Timestamp: testNow.Add(-5 * time.Minute), Latitude: &lat, Longitude: &lng, PH: &ph}}, nil
			case "SN-2":
				lat2 := 45.3
				return []readings.Snapshot{{SerialNumber: serial, Timestamp: testNow.Add(-2 * time.Hour), Latitude: &lat2, Longitude: &lng}}, nil
			default:
				return nil, errors.New("backend timeout")
			}
		},
	}
}

type testEnv struct {
	ctrl   *mapview.Controller
	cache  *readingcache.Cache
	hub    *Hub
	router http.Handler
}

func newTestEnv(t *testing.T, ready Pinger) *testEnv {
	t.Helper()
	log := zerolog.New(io.Discard)
	src := soilSource()
	m := metrics.New()

	cache := readingcache.New(log, src, readingcache.Options{Now: func() time.Time { return testNow }}, m)
	store := locations.New(log, cache, locations.Options{})
	ctrl := mapview.New(log, src, cache, store, mapview.Options{}, m)
	surface := mapsurface.New()
	ctrl.Mount(surface)
	hub := NewHub(log)
	ctrl.AddListener(hub)
	t.Cleanup(func() {
		ctrl.Unmount()
		cache.Wait()
	})

	if err := ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}

	h := NewHandler(log, Options{
		View:     ctrl,
		Readings: cache,
		Bounds:   surface,
		Ready:    ready,
		Hub:      hub,
		Metrics:  m,
		Now:      func() time.Time { return testNow },
	})
	return &testEnv{ctrl: ctrl, cache: cache, hub: hub, router: h.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env.Error.Code
}

func TestGetMap_NoViewIsUnavailable(t *testing.T) {
	h := NewHandler(zerolog.New(io.Discard), Options{})
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/map", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "map_unavailable" {
		t.Fatalf("expected map_unavailable, got %q", code)
	}
}

func TestGetMap_ReturnsMarkersWithHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/map", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[mapResponse](t, rr)

	if resp.Loading {
		t.Fatalf("expected loading=false after refresh")
	}
	if len(resp.Markers) != 2 {
		t.Fatalf("expected 2 markers, got %+v", resp.Markers)
	}
	if m := resp.Markers[0]; m.SerialNumber != "SN-1" || m.Name != "North field" || m.Health != readings.HealthOnline {
		t.Fatalf("unexpected first marker %+v", m)
	}
	if m := resp.Markers[1]; m.Health != readings.HealthOffline || m.Name != "SN-2" {
		t.Fatalf("unexpected second marker %+v", m)
	}
	if resp.Bounds == nil || resp.Bounds.South != 44.8 || resp.Bounds.North != 45.3 {
		t.Fatalf("unexpected bounds %+v", resp.Bounds)
	}
	if resp.Active.State != "idle" {
		t.Fatalf("expected idle, got %+v", resp.Active)
	}
}

func TestMarkerEvent_HoverLocksAndReportsActive(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/map/markers/SN-1/events", `{"type":"mouseover"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if a := decode[activeView](t, rr); a.State != "hovering" || a.Serial != "SN-1" {
		t.Fatalf("expected hovering SN-1, got %+v", a)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/map/markers/SN-1/events", `{"type":"mouseout"}`)
	if a := decode[activeView](t, rr); a.State != "locked" {
		t.Fatalf("expected locked after mouseout, got %+v", a)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/map/active", "")
	a := decode[activeView](t, rr)
	if a.Device == nil || a.Device.Name != "North field" {
		t.Fatalf("expected active device details, got %+v", a)
	}
	if len(a.Readings) != 1 || a.Readings[0].PH == nil || *a.Readings[0].PH != 6.2 {
		t.Fatalf("expected cached readings for side panel, got %+v", a.Readings)
	}
}

func TestMarkerEvent_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown type", "/api/v1/map/markers/SN-1/events", `{"type":"dblclick"}`, http.StatusBadRequest, "validation_error"},
		{"unknown field", "/api/v1/map/markers/SN-1/events", `{"type":"click","x":1}`, http.StatusBadRequest, "validation_error"},
		{"bad json", "/api/v1/map/markers/SN-1/events", `{`, http.StatusBadRequest, "validation_error"},
		{"no marker", "/api/v1/map/markers/SN-3/events", `{"type":"click"}`, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		rr := env.do(t, http.MethodPost, tc.path, tc.body)
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.status, rr.Code, rr.Body.String())
		}
		if code := errorCode(t, rr); code != tc.code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, code)
		}
	}
}

func TestDeviceReadings(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/devices/SN-1/readings", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[readingsResponse](t, rr)
	if len(resp.Readings) != 1 || resp.Health != readings.HealthOnline || resp.FetchedAt == nil {
		t.Fatalf("unexpected readings response %+v", resp)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/devices/SN-3/readings", "")
	resp = decode[readingsResponse](t, rr)
	if resp.Readings == nil || len(resp.Readings) != 0 || resp.Health != readings.HealthNoData {
		t.Fatalf("expected empty readings for failing device, got %+v", resp)
	}
}

func TestDeviceReadings_UnknownSerialDoesNotGrowCache(t *testing.T) {
	env := newTestEnv(t, nil)
	before := env.cache.Len()

	for i := 0; i < 200; i++ {
		rr := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/devices/BOGUS-%d/readings", i), "")
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for unlisted serial, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "not_found" {
			t.Fatalf("expected not_found, got %q", code)
		}
	}
	if got := env.cache.Len(); got != before {
		t.Fatalf("expected cache to stay at %d entries, got %d", before, got)
	}
	if _, ok := env.cache.Peek("BOGUS-0"); ok {
		t.Fatalf("expected no cache entry for unlisted serial")
	}
}

func TestLatestReading(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/devices/SN-1/readings/latest", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[struct {
		SerialNumber string            `json:"serial_number"`
		Health       string            `json:"health"`
		Reading      readings.Snapshot `json:"reading"`
	}](t, rr)
	if resp.SerialNumber != "SN-1" || resp.Health != readings.HealthOnline || resp.Reading.PH == nil {
		t.Fatalf("unexpected latest reading %+v", resp)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/devices/NOPE/readings/latest", "")
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "not_found" {
		t.Fatalf("expected 404 for unlisted device, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/devices/SN-3/readings/latest", "")
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "upstream_error" {
		t.Fatalf("expected 502 when the backend fails, got %d", rr.Code)
	}
}

func TestRefresh_ReportsMarkerCount(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/map/refresh", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[map[string]int](t, rr); got["markers"] != 2 {
		t.Fatalf("expected 2 markers, got %v", got)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, fakePinger{pingFn: func(ctx context.Context) error { return errors.New("connection refused") }})
	rr := env.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "backend_unavailable" {
		t.Fatalf("expected backend_unavailable, got %d", rr.Code)
	}

	env = newTestEnv(t, fakePinger{pingFn: func(ctx context.Context) error { return nil }})
	if rr := env.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", "")

	rr := env.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"soilmap_http_requests_total", "soilmap_map_markers 2"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestStream_PushesHoverEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/map/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/api/v1/map/markers/SN-2/events", "application/json", strings.NewReader(`{"type":"mouseover"}`))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	_ = resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read stream message: %v", err)
	}
	if msg.Type != "activated" || msg.Serial != "SN-2" || msg.Latest == nil {
		t.Fatalf("unexpected stream message %+v", msg)
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		t.Fatalf("expected a uuid message id, got %q", msg.ID)
	}
}
