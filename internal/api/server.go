package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"t3shield/internal/access"
	"t3shield/internal/cache"
	"t3shield/internal/config"
	"t3shield/internal/filter"
	"t3shield/internal/metrics"
	"t3shield/internal/model"
	"t3shield/internal/stats"
	"t3shield/internal/upstream"
)

const defaultIncidentLimit = 100

type Verifier interface {
	Verify(ctx context.Context, mobilityID string, action upstream.Action) error
}

// RefreshHistory reads persisted refresh records.
type RefreshHistory interface {
	ListRefreshes(ctx context.Context, limit int) ([]cache.Refresh, error)
}

type LiveStatus interface {
	Connected() bool
	SessionID() string
}

type Deps struct {
	Config   *config.Manager
	Cache    *cache.Orchestrator
	Verifier Verifier
	Live     LiveStatus
	Metrics  *metrics.Store
	History  RefreshHistory
	Policy   access.Policy
	Location *time.Location
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	Cache      cacheStatus    `json:"cache"`
	Live       liveStatus     `json:"live"`
	Ingest     map[string]int `json:"ingest,omitempty"`
	Refresh    *cache.Refresh `json:"last_refresh,omitempty"`
}

type cacheStatus struct {
	State     cache.State `json:"state"`
	LastFetch string      `json:"last_fetch,omitempty"`
	Records   int         `json:"records"`
	Entities  int         `json:"entities"`
	Error     string      `json:"error,omitempty"`
}

type liveStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
}

func NewRouter(d Deps) http.Handler {
	if d.Policy == nil {
		d.Policy = access.SuperAdmin{}
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	s := &Server{Deps: d}
	view := access.Require(d.Policy, access.CapView)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.With(view).Get("/status", s.handleStatus)
	r.With(view).Get("/entities", s.handleEntities)
	r.With(view).Get("/entities/{id}", s.handleEntity)
	r.With(view).Get("/entities/{id}/children", s.handleChildren)
	r.With(view).Get("/incidents", s.handleIncidents)
	r.With(view).Get("/statistics", s.handleStatistics)
	r.With(view).Get("/filters", s.handleGetFilters)
	r.With(access.Require(d.Policy, access.CapFilter)).Put("/filters", s.handlePutFilters)
	r.With(access.Require(d.Policy, access.CapRefresh)).Post("/refresh", s.handleRefresh)
	r.With(view).Get("/refreshes", s.handleRefreshes)
	r.With(access.Require(d.Policy, access.CapVerify)).Post("/incidents/{mobilityID}/verify", s.handleVerify)
	if d.Metrics != nil {
		r.With(view).Get("/metrics", d.Metrics.Handler().ServeHTTP)
	}
	return r
}

// Start serves handler on addr until ctx is done.
func Start(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	if logger != nil {
		logger.Info("api enabled", "addr", addr)
	}
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Cache.Snapshot()
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.Version,
		Cache: cacheStatus{
			State:    snap.State,
			Records:  snap.Store.Len(),
			Entities: snap.Registry().Len(),
		},
	}
	if s.Config != nil {
		resp.ConfigPath = s.Config.Path()
		resp.Live.Enabled = s.Config.Get().Live.Enabled
	}
	if !snap.LastFetch.IsZero() {
		resp.Cache.LastFetch = snap.LastFetch.UTC().Format(time.RFC3339Nano)
	}
	if err := s.Cache.LastError(); err != nil {
		resp.Cache.Error = err.Error()
		resp.Status = "degraded"
	}
	if s.Live != nil {
		resp.Live.Connected = s.Live.Connected()
		resp.Live.SessionID = s.Live.SessionID()
	}
	if s.Metrics != nil {
		resp.Ingest = s.Metrics.IngestCounts()
		if last, ok := s.Metrics.LastApplied(); ok {
			resp.Refresh = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ready returns the snapshot, or answers 503 while nothing is loaded.
func (s *Server) ready(w http.ResponseWriter) (cache.Snapshot, bool) {
	snap := s.Cache.Snapshot()
	if snap.State == cache.StateUninitialized {
		writeError(w, http.StatusServiceUnavailable, cache.ErrNotReady)
		return snap, false
	}
	return snap, true
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	var kind model.Kind
	if v := r.URL.Query().Get("kind"); v != "" {
		k, ok := model.ParseKind(v)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown kind"))
			return
		}
		kind = k
	}
	snap, ok := s.ready(w)
	if !ok {
		return
	}
	list := filter.ApplyToEntities(snap.Registry().Entities(kind), snap.Store.All(), snap.Filters)
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": list,
		"count":    len(list),
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ready(w)
	if !ok {
		return
	}
	entity, found := snap.Registry().Get(chi.URLParam(r, "id"))
	if !found {
		writeError(w, http.StatusNotFound, errors.New("entity not found"))
		return
	}
	all := snap.Store.All()
	counts := filter.ApplyToEntities([]model.GeoEntity{entity}, all, snap.Filters)
	incidents := filter.ForEntity(entity, all, snap.Filters)
	resp := map[string]any{
		"entity":    counts[0],
		"incidents": nonNil(incidents),
	}
	if parent, ok := snap.Registry().Parent(entity.ID); ok {
		resp["parent"] = parent
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ready(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, found := snap.Registry().Get(id); !found {
		writeError(w, http.StatusNotFound, errors.New("entity not found"))
		return
	}
	list := filter.ApplyToEntities(snap.Registry().Children(id), snap.Store.All(), snap.Filters)
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": list,
		"count":    len(list),
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := defaultIncidentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}
	snap, ok := s.ready(w)
	if !ok {
		return
	}
	list := filter.ApplyToIncidents(snap.Store.Recent(0), snap.Filters)
	total := len(list)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": nonNil(list),
		"count":     len(list),
		"total":     total,
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ready(w)
	if !ok {
		return
	}
	reg := snap.Registry()
	filtered := filter.ApplyToIncidents(snap.Store.All(), snap.Filters)
	writeJSON(w, http.StatusOK, stats.Compute(filtered, reg.Entities(model.KindRegion), s.Location))
}

func (s *Server) handleGetFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"filters": s.Cache.Filters()})
}

func (s *Server) handlePutFilters(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var cfg model.FilterConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, c := range cfg.Categories {
		if _, ok := model.ParseCategory(string(c)); !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown category: "+string(c)))
			return
		}
	}
	if tr := cfg.TimeRange; !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		writeError(w, http.StatusBadRequest, errors.New("time_range end is before start"))
		return
	}
	refreshed, err := s.Cache.SetFilters(r.Context(), cfg)
	resp := map[string]any{
		"filters":   s.Cache.Filters(),
		"refreshed": refreshed,
	}
	if err != nil {
		resp["refresh_error"] = err.Error()
		if s.Logger != nil {
			s.Logger.Warn("refresh after filter change failed", "err", err)
		}
	}
	if r.URL.Query().Get("persist") == "true" && s.Config != nil {
		next := *s.Config.Get()
		next.Filters = s.Cache.Filters()
		if err := s.Config.Update(&next); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("persist filters: %w", err))
			return
		}
		resp["persisted"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh runs the manual refresh. scope=incidents re-fetches incidents
// without moving the expiry clock, scope=all reloads geography too.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var err error
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "dynamic":
		err = s.Cache.RefreshDynamicData(r.Context())
	case "incidents":
		err = s.Cache.RefreshIncidentsOnly(r.Context())
	case "all":
		err = s.Cache.RefreshAll(r.Context())
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown refresh scope %q", scope))
		return
	}
	var partial *cache.PartialError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case errors.As(err, &partial):
		writeJSON(w, http.StatusOK, map[string]any{"status": "partial", "error": err.Error()})
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// handleRefreshes lists recent refreshes from memory, or from the database
// with source=storage.
func (s *Server) handleRefreshes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := []cache.Refresh{}
	switch r.URL.Query().Get("source") {
	case "storage":
		if s.History == nil {
			writeError(w, http.StatusNotImplemented, errors.New("storage not enabled"))
			return
		}
		stored, err := s.History.ListRefreshes(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		list = nonNil(stored)
	default:
		if s.Metrics != nil {
			list = s.Metrics.History(limit)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshes": list, "count": len(list)})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.Verifier == nil {
		writeError(w, http.StatusNotImplemented, errors.New("verification not configured"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	action, ok := upstream.ParseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("action must be confirm or deny"))
		return
	}
	mobilityID := chi.URLParam(r, "mobilityID")
	if err := s.Verifier.Verify(r.Context(), mobilityID, action); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if s.Logger != nil {
		s.Logger.Info("verification recorded", "mobility_id", mobilityID, "action", action)
	}
	resp := map[string]any{"status": "ok", "mobility_id": mobilityID, "action": action}
	if err := s.Cache.RefreshWithFilters(r.Context()); err != nil {
		resp["refresh_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
