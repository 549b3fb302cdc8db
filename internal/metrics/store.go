package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"t3shield/internal/cache"
	"t3shield/internal/incident"
	"t3shield/internal/model"
)

// Store keeps the refresh history and ingest outcome counts, and mirrors
// both into a Prometheus registry.
type Store struct {
	mu      sync.RWMutex
	history []cache.Refresh
	ingest  map[string]int
	limit   int

	registry        *prometheus.Registry
	ingestTotal     *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	records         prometheus.Gauge
	lastRefresh     prometheus.Gauge
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	s := &Store{
		ingest:   make(map[string]int),
		limit:    limit,
		registry: prometheus.NewRegistry(),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "t3shield",
			Name:      "incidents_ingested_total",
			Help:      "Incident records offered to the store, by category and outcome.",
		}, []string{"category", "outcome"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "t3shield",
			Name:      "refreshes_total",
			Help:      "Cache loads and refreshes, by kind and result.",
		}, []string{"kind", "result"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "t3shield",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent fetching and rebuilding the cache.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "t3shield",
			Name:      "store_records",
			Help:      "Incident records in the active store.",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "t3shield",
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last applied refresh.",
		}),
	}
	s.registry.MustRegister(
		s.ingestTotal,
		s.refreshTotal,
		s.refreshDuration,
		s.records,
		s.lastRefresh,
		collectors.NewGoCollector(),
	)
	return s
}

// ObserveIngest matches incident.Observer.
func (s *Store) ObserveIngest(inc model.Incident, res incident.Result) {
	outcome := "accepted"
	if !res.Accepted {
		outcome = string(res.Reason)
	}
	category := string(inc.Type)
	if category == "" {
		category = "unknown"
	}
	s.ingestTotal.WithLabelValues(category, outcome).Inc()
	s.mu.Lock()
	s.ingest[category+"/"+outcome]++
	s.mu.Unlock()
}

// ObserveRefresh matches cache.Hooks.OnRefresh.
func (s *Store) ObserveRefresh(r cache.Refresh) {
	result := "applied"
	switch {
	case r.Error != "":
		result = "error"
	case !r.Applied:
		result = "discarded"
	}
	s.refreshTotal.WithLabelValues(r.Kind, result).Inc()
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		s.refreshDuration.WithLabelValues(r.Kind).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	}
	if r.Applied && r.Store != nil {
		s.records.Set(float64(r.Store.Len()))
		s.lastRefresh.Set(float64(r.FinishedAt.Unix()))
	}

	r.Store = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r)
	if len(s.history) > s.limit {
		s.history = append([]cache.Refresh(nil), s.history[len(s.history)-s.limit:]...)
	}
}

// History returns up to limit refreshes, newest first. A limit of zero or
// less returns all of them.
func (s *Store) History(limit int) []cache.Refresh {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]cache.Refresh, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// LastApplied returns the newest refresh that replaced the store.
func (s *Store) LastApplied() (cache.Refresh, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Applied {
			return s.history[i], true
		}
	}
	return cache.Refresh{}, false
}

// IngestCounts returns outcome counts keyed "category/outcome".
func (s *Store) IngestCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.ingest))
	for k, v := range s.ingest {
		out[k] = v
	}
	return out
}

func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.ingest = make(map[string]int)
}
