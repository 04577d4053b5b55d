package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"soilmap/core-go/internal/hover"
	"soilmap/core-go/internal/locations"
	"soilmap/core-go/internal/mapsurface"
	"soilmap/core-go/internal/mapview"
	"soilmap/core-go/internal/markers"
	"soilmap/core-go/internal/metrics"
	"soilmap/core-go/internal/readingcache"
	"soilmap/core-go/internal/readings"
)

// MapView is the map controller surface the API drives. *mapview.Controller satisfies this.
type MapView interface {
	Mounted() bool
	Loading() bool
	Markers() []markers.Entry
	Active() (hover.State, *locations.DeviceLocation)
	Pointer(serialNumber string, ev markers.EventType) error
	Refresh(ctx context.Context) error
	HasDevice(serialNumber string) bool
	LatestReading(ctx context.Context, serialNumber string) (readings.Snapshot, error)
}

// Readings is the reading cache as seen by the API.
type Readings interface {
	Get(ctx context.Context, serialNumber string) []readings.Snapshot
	Peek(serialNumber string) (readingcache.Entry, bool)
}

// Bounder reports the bounds the map was last fitted to. *mapsurface.Surface satisfies this.
type Bounder interface {
	Bounds() (mapsurface.Bounds, bool)
}

// Pinger checks a backend dependency for readiness. *db.Pool satisfies this.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	View           MapView
	Readings       Readings
	Bounds         Bounder
	Ready          Pinger
	Hub            *Hub
	Metrics        *metrics.Metrics
	OfflineAfter   time.Duration
	AllowedOrigins []string
	RequestTimeout time.Duration
	Now            func() time.Time
}

type Handler struct {
	log            zerolog.Logger
	view           MapView
	readings       Readings
	bounds         Bounder
	ready          Pinger
	hub            *Hub
	metrics        *metrics.Metrics
	offlineAfter   time.Duration
	allowedOrigins []string
	requestTimeout time.Duration
	now            func() time.Time
}

func NewHandler(log zerolog.Logger, opts Options) *Handler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Handler{
		log:            log,
		view:           opts.View,
		readings:       opts.Readings,
		bounds:         opts.Bounds,
		ready:          opts.Ready,
		hub:            opts.Hub,
		metrics:        opts.Metrics,
		offlineAfter:   opts.OfflineAfter,
		allowedOrigins: opts.AllowedOrigins,
		requestTimeout: timeout,
		now:            now,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// The stream outlives the request timeout.
	r.Get("/api/v1/map/stream", h.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(h.requestTimeout))

		// Health
		r.Get("/healthz", h.handleHealthz)
		r.Get("/readyz", h.handleReadyZ)
		if h.metrics != nil {
			r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
		}

		// API
		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/map", func(r chi.Router) {
				r.Get("/", h.handleGetMap)
				r.Get("/active", h.handleGetActive)
				r.Post("/refresh", h.handleRefresh)
				r.Post("/markers/{serial}/events", h.handleMarkerEvent)
			})
			r.Get("/devices/{serial}/readings", h.handleDeviceReadings)
			r.Get("/devices/{serial}/readings/latest", h.handleLatestReading)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		h.metrics.ObserveHTTPRequest(r.Method, route, status, duration)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) ensureView(w http.ResponseWriter) bool {
	if h.view == nil || !h.view.Mounted() {
		h.writeError(w, http.StatusServiceUnavailable, "map_unavailable", "map view not mounted", nil)
		return false
	}
	return true
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.view == nil || !h.view.Mounted() {
		h.writeError(w, http.StatusServiceUnavailable, "map_unavailable", "map view not mounted", nil)
		return
	}
	if h.ready != nil {
		if err := h.ready.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "backend not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "loading": h.view.Loading()})
}

type deviceView struct {
	SerialNumber string  `json:"serial_number"`
	Name         string  `json:"name"`
	Owner        *string `json:"owner,omitempty"`
}

func toDeviceView(d readings.Device) deviceView {
	return deviceView{SerialNumber: d.SerialNumber, Name: d.DisplayName(), Owner: d.Owner}
}

type markerView struct {
	SerialNumber  string     `json:"serial_number"`
	Name          string     `json:"name"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	Tooltip       string     `json:"tooltip"`
	Health        string     `json:"health"`
	LastReadingAt *time.Time `json:"last_reading_at,omitempty"`
}

type activeView struct {
	State    string              `json:"state"`
	Serial   string              `json:"serial_number,omitempty"`
	Device   *deviceView         `json:"device,omitempty"`
	Latest   *readings.Snapshot  `json:"latest,omitempty"`
	Readings []readings.Snapshot `json:"readings,omitempty"`
}

type mapResponse struct {
	Loading bool               `json:"loading"`
	Markers []markerView       `json:"markers"`
	Bounds  *mapsurface.Bounds `json:"bounds,omitempty"`
	Active  activeView         `json:"active"`
}

func (h *Handler) toMarkerView(e markers.Entry, now time.Time) markerView {
	last := e.Location.LastReading.Timestamp
	v := markerView{
		SerialNumber: e.Serial,
		Name:         e.Location.Device.DisplayName(),
		Lat:          e.Location.Lat,
		Lng:          e.Location.Lng,
		Tooltip:      e.Tooltip,
		Health:       readings.Health(now, last, h.offlineAfter),
	}
	if !last.IsZero() {
		v.LastReadingAt = &last
	}
	return v
}

func (h *Handler) activeView(withReadings bool) activeView {
	s, loc := h.view.Active()
	v := activeView{State: s.Kind.String(), Serial: s.Serial}
	if loc == nil {
		return v
	}
	dv := toDeviceView(loc.Device)
	v.Device = &dv
	latest := loc.LastReading
	v.Latest = &latest
	if withReadings && h.readings != nil {
		if e, ok := h.readings.Peek(s.Serial); ok {
			v.Readings = e.Data
		}
	}
	return v
}

func (h *Handler) handleGetMap(w http.ResponseWriter, r *http.Request) {
	if !h.ensureView(w) {
		return
	}

	now := h.now()
	entries := h.view.Markers()
	resp := mapResponse{
		Loading: h.view.Loading(),
		Markers: make([]markerView, 0, len(entries)),
		Active:  h.activeView(false),
	}
	for _, e := range entries {
		resp.Markers = append(resp.Markers, h.toMarkerView(e, now))
	}
	if h.bounds != nil {
		if b, ok := h.bounds.Bounds(); ok {
			resp.Bounds = &b
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetActive(w http.ResponseWriter, r *http.Request) {
	if !h.ensureView(w) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.activeView(true))
}

type markerEventRequest struct {
	Type string `json:"type"`
}

func (h *Handler) handleMarkerEvent(w http.ResponseWriter, r *http.Request) {
	if !h.ensureView(w) {
		return
	}

	serial := strings.TrimSpace(chi.URLParam(r, "serial"))
	var req markerEventRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body", map[string]any{"error": err.Error()})
		return
	}
	ev, ok := markers.ParseEventType(req.Type)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "validation_error", "unknown event type", map[string]any{
			"type":    req.Type,
			"allowed": []string{string(markers.MouseOver), string(markers.MouseOut), string(markers.Click)},
		})
		return
	}

	if err := h.view.Pointer(serial, ev); err != nil {
		switch {
		case errors.Is(err, mapview.ErrUnknownDevice):
			h.writeError(w, http.StatusNotFound, "not_found", "device has no marker", map[string]any{"serial_number": serial})
		case errors.Is(err, mapview.ErrNotMounted), errors.Is(err, markers.ErrDetached):
			h.writeError(w, http.StatusServiceUnavailable, "map_unavailable", "map view not mounted", nil)
		default:
			h.log.Error().Err(err).Str("serial_number", serial).Msg("pointer event failed")
			h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to deliver pointer event", nil)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, h.activeView(false))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.ensureView(w) {
		return
	}

	if err := h.view.Refresh(r.Context()); err != nil {
		if errors.Is(err, mapview.ErrNotMounted) {
			h.writeError(w, http.StatusServiceUnavailable, "map_unavailable", "map view not mounted", nil)
			return
		}
		h.log.Warn().Err(err).Msg("manual map refresh degraded")
		h.writeError(w, http.StatusBadGateway, "upstream_error", "map refresh incomplete", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"markers": len(h.view.Markers())})
}

type readingsResponse struct {
	SerialNumber string              `json:"serial_number"`
	Health       string              `json:"health"`
	FetchedAt    *time.Time          `json:"fetched_at,omitempty"`
	Readings     []readings.Snapshot `json:"readings"`
}

func (h *Handler) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	if h.readings == nil {
		h.writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "readings not configured", nil)
		return
	}

	serial := strings.TrimSpace(chi.URLParam(r, "serial"))
	if serial == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "serial number is required", nil)
		return
	}

	// Only listed devices may populate the cache; anything else is served from what is already there.
	var rs []readings.Snapshot
	if h.view != nil && h.view.HasDevice(serial) {
		rs = h.readings.Get(r.Context(), serial)
	} else {
		e, ok := h.readings.Peek(serial)
		if !ok {
			h.writeError(w, http.StatusNotFound, "not_found", "unknown device", map[string]any{"serial_number": serial})
			return
		}
		rs = e.Data
	}
	if rs == nil {
		rs = []readings.Snapshot{}
	}
	resp := readingsResponse{SerialNumber: serial, Readings: rs}

	var last time.Time
	if newest, ok := readings.Newest(rs); ok {
		last = newest.Timestamp
	}
	resp.Health = readings.Health(h.now(), last, h.offlineAfter)
	if e, ok := h.readings.Peek(serial); ok && !e.FetchedAt.IsZero() {
		fetched := e.FetchedAt
		resp.FetchedAt = &fetched
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	if h.view == nil {
		h.writeError(w, http.StatusServiceUnavailable, "map_unavailable", "map view not configured", nil)
		return
	}

	serial := strings.TrimSpace(chi.URLParam(r, "serial"))
	if serial == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "serial number is required", nil)
		return
	}

	latest, err := h.view.LatestReading(r.Context(), serial)
	switch {
	case errors.Is(err, mapview.ErrUnknownDevice):
		h.writeError(w, http.StatusNotFound, "not_found", "unknown device", map[string]any{"serial_number": serial})
		return
	case errors.Is(err, readings.ErrNoReadings):
		h.writeError(w, http.StatusNotFound, "not_found", "device has no readings", map[string]any{"serial_number": serial})
		return
	case err != nil:
		h.log.Warn().Err(err).Str("serial_number", serial).Msg("latest reading lookup failed")
		h.writeError(w, http.StatusBadGateway, "upstream_error", "latest reading unavailable", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"serial_number": serial,
		"health":        readings.Health(h.now(), latest.Timestamp, h.offlineAfter),
		"reading":       latest,
	})
}
