// Package soilapi is an HTTP client for the soil backend REST API.
package soilapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"soilmap/core-go/internal/readings"
)

const defaultHTTPTimeout = 15 * time.Second

// ErrNotFound is returned when the backend has no such device or reading.
var ErrNotFound = errors.New("not found")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
	Logger  zerolog.Logger
}

type Client struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	log     zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("soil api base url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid soil api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid soil api base url %q: scheme must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: parsed,
		token:   strings.TrimSpace(cfg.Token),
		client:  httpClient,
		log:     cfg.Logger,
	}, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]readings.Device, error) {
	rows, err := c.getList(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	out := make([]readings.Device, 0, len(rows))
	for _, row := range rows {
		d, ok := deviceFromRaw(row)
		if !ok {
			c.log.Debug().Interface("row", row).Msg("skipping device without serial number")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ListDeviceReadings returns the device's reading log, most recent first.
func (c *Client) ListDeviceReadings(ctx context.Context, serialNumber string) ([]readings.Snapshot, error) {
	rows, err := c.getList(ctx, "devices", serialNumber, "logs")
	if err != nil {
		return nil, fmt.Errorf("list readings for %s: %w", serialNumber, err)
	}

	out := make([]readings.Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, readings.FromRaw(row, serialNumber))
	}
	readings.SortNewestFirst(out)
	return out, nil
}

func (c *Client) LatestDeviceReading(ctx context.Context, serialNumber string) (readings.Snapshot, error) {
	var raw any
	if err := c.get(ctx, &raw, "devices", serialNumber, "logs", "latest"); err != nil {
		if errors.Is(err, ErrNotFound) {
			return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w: %w", serialNumber, err, readings.ErrNoReadings)
		}
		return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w", serialNumber, err)
	}
	row, ok := unwrapObject(raw)
	if !ok {
		return readings.Snapshot{}, fmt.Errorf("latest reading for %s: %w: %w", serialNumber, ErrNotFound, readings.ErrNoReadings)
	}
	return readings.FromRaw(row, serialNumber), nil
}

func (c *Client) getList(ctx context.Context, segments ...string) ([]map[string]any, error) {
	var raw any
	if err := c.get(ctx, &raw, segments...); err != nil {
		return nil, err
	}
	return unwrapList(raw)
}

func (c *Client) get(ctx context.Context, into any, segments ...string) error {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	endpoint := *c.baseURL
	raw := strings.TrimSuffix(endpoint.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	endpoint.RawPath = raw
	endpoint.Path, _ = url.PathUnescape(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("response status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// unwrapList accepts a bare array or an object wrapping one under "data", "items" or "results".
func unwrapList(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	case map[string]any:
		for _, key := range []string{"data", "items", "results"} {
			if inner, ok := v[key]; ok {
				return unwrapList(inner)
			}
		}
	}
	return nil, fmt.Errorf("unexpected response shape %T", raw)
}

func unwrapObject(raw any) (map[string]any, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	if inner, ok := m["data"].(map[string]any); ok {
		return inner, true
	}
	return m, len(m) > 0
}

func deviceFromRaw(raw map[string]any) (readings.Device, bool) {
	serial := readings.Text(raw, readings.FieldSerialNumber)
	if serial == "" {
		return readings.Device{}, false
	}
	d := readings.Device{SerialNumber: serial}
	if name := readings.Text(raw, readings.FieldName); name != "" {
		d.Name = &name
	}
	if owner := readings.Text(raw, readings.FieldOwner); owner != "" {
		d.Owner = &owner
	}
	return d, true
}
