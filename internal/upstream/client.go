package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"t3shield/internal/config"
	"t3shield/internal/model"
	"t3shield/internal/normalize"
)

const maxBodyBytes = 64 << 20

type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

type Action string

const (
	ActionConfirm Action = "confirm"
	ActionDeny    Action = "deny"
)

func ParseAction(value string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "confirm", "verify", "verified":
		return ActionConfirm, true
	case "deny", "denied", "reject":
		return ActionDeny, true
	}
	return "", false
}

// Client talks to the statistics API. Transport failures and 5xx answers
// are retried; timeouts count as transport failures.
type Client struct {
	http   *retryablehttp.Client
	base   string
	paths  config.PathsConfig
	loc    *time.Location
	logger *slog.Logger
}

func New(cfg config.UpstreamConfig, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("upstream base url: %w", err)
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("upstream timezone: %w", err)
		}
		loc = l
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	if logger != nil {
		rc.Logger = logger
	} else {
		rc.Logger = nil
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	paths := cfg.Paths
	if paths == (config.PathsConfig{}) {
		paths = config.DefaultPaths()
	}
	return &Client{http: rc, base: base, paths: paths, loc: loc, logger: logger}, nil
}

func (c *Client) Location() *time.Location {
	return c.loc
}

func (c *Client) geoPath(kind model.Kind) (string, error) {
	switch kind {
	case model.KindRegion:
		return c.paths.Regions, nil
	case model.KindProvince:
		return c.paths.Provinces, nil
	case model.KindCity:
		return c.paths.Cities, nil
	case model.KindCenter:
		return c.paths.Centers, nil
	}
	return "", fmt.Errorf("unknown geography kind %q", kind)
}

func (c *Client) feedPath(feed normalize.Feed) (string, error) {
	switch feed {
	case normalize.FeedGeneral:
		return c.paths.Analyses, nil
	case normalize.FeedMobility:
		return c.paths.MobilityAnalyses, nil
	case normalize.FeedVerified:
		return c.paths.VerifiedAnalyses, nil
	}
	return "", fmt.Errorf("unknown incident feed %q", feed)
}

func (c *Client) FetchGeography(ctx context.Context, kind model.Kind) ([]model.GeoRecord, error) {
	path, err := c.geoPath(kind)
	if err != nil {
		return nil, err
	}
	rows, err := c.getList(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	out := make([]model.GeoRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, normalize.GeoRecord(row, kind))
	}
	return out, nil
}

// FetchIncidents loads one incident feed, bounded by window when it is set.
func (c *Client) FetchIncidents(ctx context.Context, feed normalize.Feed, window model.TimeRange) ([]model.Incident, error) {
	path, err := c.feedPath(feed)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if !window.Start.IsZero() {
		q.Set("start_time", normalize.FormatQueryTime(window.Start, c.loc))
	}
	if !window.End.IsZero() {
		q.Set("end_time", normalize.FormatQueryTime(window.End, c.loc))
	}
	rows, err := c.getList(ctx, path, q)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feed, err)
	}
	out := make([]model.Incident, 0, len(rows))
	for _, row := range rows {
		out = append(out, normalize.Incident(normalize.FieldsFromMap(row), feed, c.loc))
	}
	return out, nil
}

// Verify records an operator decision on a mobility incident.
func (c *Client) Verify(ctx context.Context, mobilityID string, action Action) error {
	mobilityID = strings.TrimSpace(mobilityID)
	if mobilityID == "" {
		return errors.New("mobility id required")
	}
	var id any = mobilityID
	if n, err := strconv.ParseInt(mobilityID, 10, 64); err == nil {
		id = n
	}
	body, err := json.Marshal(map[string]any{"id_analyse_mobilite": id, "action": string(action)})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+c.paths.Verify, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getList(ctx context.Context, path string, q url.Values) ([]map[string]any, error) {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	rows, err := decodeList(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if c.logger != nil {
		c.logger.Debug("upstream fetch", "path", path, "rows", len(rows), "duration_ms", time.Since(start).Milliseconds())
	}
	return rows, nil
}

func checkStatus(req *retryablehttp.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: req.Method,
		URL:    req.URL.String(),
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(snippet)),
	}
}

// decodeList accepts a bare array or an object wrapping it under a common
// envelope key. Non-object array items are dropped.
func decodeList(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"data", "results", "items", "analyses"} {
			if list, ok := v[key].([]any); ok {
				items = list
				break
			}
		}
		if items == nil {
			return nil, errors.New("response object has no list field")
		}
	default:
		return nil, fmt.Errorf("unexpected response type %T", raw)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
