package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"t3shield/internal/model"
)

const (
	PolicyPermissive = "permissive"
	PolicyStrict     = "strict"
)

type Config struct {
	LogLevel  string             `json:"log_level" yaml:"log_level"`
	LogFormat string             `json:"log_format" yaml:"log_format"`
	Upstream  UpstreamConfig     `json:"upstream" yaml:"upstream"`
	Cache     CacheConfig        `json:"cache" yaml:"cache"`
	Live      LiveConfig         `json:"live" yaml:"live"`
	Geography GeographyConfig    `json:"geography" yaml:"geography"`
	Store     StoreConfig        `json:"store" yaml:"store"`
	Filters   model.FilterConfig `json:"filters" yaml:"filters"`
	API       APIConfig          `json:"api" yaml:"api"`
	Storage   StorageConfig      `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig      `json:"metrics" yaml:"metrics"`
	Access    AccessConfig       `json:"access" yaml:"access"`
}

type UpstreamConfig struct {
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	RetryMax     int           `json:"retry_max" yaml:"retry_max"`
	RetryWaitMin time.Duration `json:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `json:"retry_wait_max" yaml:"retry_wait_max"`
	Timezone     string        `json:"timezone" yaml:"timezone"`
	Paths        PathsConfig   `json:"paths" yaml:"paths"`
}

type PathsConfig struct {
	Regions          string `json:"regions" yaml:"regions"`
	Provinces        string `json:"provinces" yaml:"provinces"`
	Cities           string `json:"cities" yaml:"cities"`
	Centers          string `json:"centers" yaml:"centers"`
	Analyses         string `json:"analyses" yaml:"analyses"`
	MobilityAnalyses string `json:"mobility_analyses" yaml:"mobility_analyses"`
	VerifiedAnalyses string `json:"verified_analyses" yaml:"verified_analyses"`
	Verify           string `json:"verify" yaml:"verify"`
}

type CacheConfig struct {
	Expiry          time.Duration `json:"expiry" yaml:"expiry"`
	RefreshSchedule string        `json:"refresh_schedule" yaml:"refresh_schedule"`
}

type LiveConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	URL            string        `json:"url" yaml:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	Kafka          KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type GeographyConfig struct {
	Policy string `json:"policy" yaml:"policy"`
}

type StoreConfig struct {
	RecentLimit int `json:"recent_limit" yaml:"recent_limit"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
}

// AccessConfig lists capabilities withheld from every caller. Empty means
// every caller acts as super-admin.
type AccessConfig struct {
	Deny []string `json:"deny" yaml:"deny"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Upstream: UpstreamConfig{
			BaseURL:      "http://localhost:8000/t3shield/api",
			Timeout:      15 * time.Second,
			RetryMax:     2,
			RetryWaitMin: 500 * time.Millisecond,
			RetryWaitMax: 5 * time.Second,
			Timezone:     "Africa/Casablanca",
			Paths:        DefaultPaths(),
		},
		Cache: CacheConfig{Expiry: 5 * time.Minute, RefreshSchedule: ""},
		Live: LiveConfig{
			Enabled:        true,
			ReconnectDelay: 5 * time.Second,
			Kafka:          KafkaConfig{Enabled: false},
		},
		Geography: GeographyConfig{Policy: PolicyPermissive},
		Store:     StoreConfig{RecentLimit: 1000},
		Filters:   model.DefaultFilterConfig(),
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:t3shield.db?_pragma=busy_timeout(5000)"},
		Metrics:   MetricsConfig{HistoryLimit: 500},
	}
}

func DefaultPaths() PathsConfig {
	return PathsConfig{
		Regions:          "/geo/regions",
		Provinces:        "/geo/provinces",
		Cities:           "/geo/cities",
		Centers:          "/geo/centers",
		Analyses:         "/analyses",
		MobilityAnalyses: "/mobility_analyses",
		VerifiedAnalyses: "/verified_analyses",
		Verify:           "/verify",
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Prepare fills defaults and validates a config built in memory, such as one
// assembled from flags when no file is given.
func Prepare(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	applyDefaults(cfg)
	return Validate(cfg)
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.Upstream.Timeout <= 0 {
		cfg.Upstream.Timeout = def.Upstream.Timeout
	}
	if cfg.Upstream.RetryMax < 0 {
		cfg.Upstream.RetryMax = 0
	}
	if cfg.Upstream.RetryWaitMin <= 0 {
		cfg.Upstream.RetryWaitMin = def.Upstream.RetryWaitMin
	}
	if cfg.Upstream.RetryWaitMax < cfg.Upstream.RetryWaitMin {
		cfg.Upstream.RetryWaitMax = cfg.Upstream.RetryWaitMin
	}
	if cfg.Upstream.Timezone == "" {
		cfg.Upstream.Timezone = "UTC"
	}
	fillPaths(&cfg.Upstream.Paths, def.Upstream.Paths)
	if cfg.Cache.Expiry <= 0 {
		cfg.Cache.Expiry = def.Cache.Expiry
	}
	if cfg.Live.ReconnectDelay <= 0 {
		cfg.Live.ReconnectDelay = def.Live.ReconnectDelay
	}
	if cfg.Live.URL == "" {
		cfg.Live.URL = DeriveWebSocketURL(cfg.Upstream.BaseURL)
	}
	cfg.Geography.Policy = strings.ToLower(strings.TrimSpace(cfg.Geography.Policy))
	if cfg.Geography.Policy == "" {
		cfg.Geography.Policy = PolicyPermissive
	}
	if cfg.Store.RecentLimit <= 0 {
		cfg.Store.RecentLimit = def.Store.RecentLimit
	}
	if cfg.Metrics.HistoryLimit <= 0 {
		cfg.Metrics.HistoryLimit = def.Metrics.HistoryLimit
	}
}

func fillPaths(p *PathsConfig, def PathsConfig) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	set(&p.Regions, def.Regions)
	set(&p.Provinces, def.Provinces)
	set(&p.Cities, def.Cities)
	set(&p.Centers, def.Centers)
	set(&p.Analyses, def.Analyses)
	set(&p.MobilityAnalyses, def.MobilityAnalyses)
	set(&p.VerifiedAnalyses, def.VerifiedAnalyses)
	set(&p.Verify, def.Verify)
}

// DeriveWebSocketURL maps an http(s) base URL to the ws(s) /ws endpoint on
// the same host.
func DeriveWebSocketURL(base string) string {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		return errors.New("upstream.base_url required")
	}
	if _, err := url.ParseRequestURI(cfg.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream.base_url invalid: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Upstream.Timezone); err != nil {
		return fmt.Errorf("upstream.timezone invalid: %w", err)
	}
	if cfg.Live.Enabled && cfg.Live.URL == "" {
		return errors.New("live.url required when live.enabled is true")
	}
	if cfg.Live.Kafka.Enabled {
		if len(cfg.Live.Kafka.Brokers) == 0 || cfg.Live.Kafka.Topic == "" || cfg.Live.Kafka.GroupID == "" {
			return errors.New("live.kafka requires brokers, topic, group_id")
		}
	}
	switch cfg.Geography.Policy {
	case PolicyPermissive, PolicyStrict:
	default:
		return fmt.Errorf("geography.policy must be %q or %q, got %q", PolicyPermissive, PolicyStrict, cfg.Geography.Policy)
	}
	for _, c := range cfg.Filters.Categories {
		if _, ok := model.ParseCategory(string(c)); !ok {
			return fmt.Errorf("filters.categories contains unknown category: %q", c)
		}
	}
	if tr := cfg.Filters.TimeRange; !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return errors.New("filters.time_range end is before start")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config that is never reloaded.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
