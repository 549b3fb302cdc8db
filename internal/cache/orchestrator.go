package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"t3shield/internal/geo"
	"t3shield/internal/incident"
	"t3shield/internal/model"
	"t3shield/internal/normalize"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
)

var ErrNotReady = errors.New("cache not ready")

// PartialError means geography loaded but incident data did not. The cache
// is usable, with no incidents.
type PartialError struct {
	Err error
}

func (e *PartialError) Error() string {
	return "incident data unavailable: " + e.Err.Error()
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Source is the upstream statistics API.
type Source interface {
	FetchGeography(ctx context.Context, kind model.Kind) ([]model.GeoRecord, error)
	FetchIncidents(ctx context.Context, feed normalize.Feed, window model.TimeRange) ([]model.Incident, error)
}

type Refresh struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Token      uint64          `json:"token"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Window     model.TimeRange `json:"window"`
	Fetched    int             `json:"fetched"`
	Accepted   int             `json:"accepted"`
	Rejected   int             `json:"rejected"`
	Applied    bool            `json:"applied"`
	Error      string          `json:"error,omitempty"`
	// Store is the rebuilt store when Applied is true.
	Store *incident.Store `json:"-"`
}

type Hooks struct {
	OnIngest  incident.Observer
	OnRefresh func(Refresh)
	OnUnknown geo.UnknownHandler
}

type Options struct {
	Expiry      time.Duration
	Policy      geo.Policy
	RecentLimit int
	Location    *time.Location
	Filters     model.FilterConfig
	Now         func() time.Time
}

type Snapshot struct {
	State     State              `json:"state"`
	LastFetch time.Time          `json:"last_fetch"`
	Filters   model.FilterConfig `json:"filters"`
	Store     *incident.Store    `json:"-"`
}

func (s Snapshot) Registry() *geo.Registry {
	if s.Store == nil {
		return geo.NewRegistry()
	}
	return s.Store.Registry()
}

// Orchestrator owns the fetch and refresh lifecycle. Every refresh builds a
// new store from cached geography and swaps it in whole.
type Orchestrator struct {
	source   Source
	logger   *slog.Logger
	opts     Options
	hooks    Hooks
	reporter *unknownReporter

	mu        sync.RWMutex
	state     State
	lastFetch time.Time
	geography model.Geography
	store     *incident.Store
	filters   model.FilterConfig
	lastErr   error

	loads singleflight.Group
	token atomic.Uint64
}

func New(source Source, opts Options, hooks Hooks, logger *slog.Logger) *Orchestrator {
	if opts.Expiry <= 0 {
		opts.Expiry = 5 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Filters.Categories == nil && opts.Filters.Operators == nil && opts.Filters.CommunicationTypes == nil {
		opts.Filters = model.DefaultFilterConfig()
	}
	o := &Orchestrator{
		source:   source,
		logger:   logger,
		opts:     opts,
		hooks:    hooks,
		reporter: newUnknownReporter(time.Hour, logger, opts.Now),
		state:    StateUninitialized,
		filters:  opts.Filters.Clone(),
	}
	o.reporter.next = hooks.OnUnknown
	o.store = o.build(model.Geography{}, nil, nil)
	return o
}

// Initialize loads geography and incidents unless a fresh load is already
// cached. Concurrent callers share one in-flight load.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.fresh() {
		return nil
	}
	return o.fullLoad(ctx, "initialize", false)
}

// RefreshAll reloads geography and incidents regardless of expiry.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	return o.fullLoad(ctx, "refresh_all", true)
}

func (o *Orchestrator) fullLoad(ctx context.Context, kind string, force bool) error {
	ch := o.loads.DoChan("full", func() (any, error) {
		if !force && o.fresh() {
			return nil, nil
		}
		// Joined callers must not fail because the first caller went away.
		return nil, o.load(context.WithoutCancel(ctx), kind)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) fresh() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == StateReady && o.opts.Now().Sub(o.lastFetch) < o.opts.Expiry
}

func (o *Orchestrator) load(ctx context.Context, kind string) error {
	token := o.token.Add(1)
	rec := Refresh{ID: uuid.NewString(), Kind: kind, Token: token, StartedAt: o.opts.Now()}

	o.mu.Lock()
	prev := o.state
	o.state = StateLoading
	o.mu.Unlock()

	geography, err := o.fetchGeography(ctx)
	if err != nil {
		o.mu.Lock()
		o.state = prev
		o.lastErr = err
		o.mu.Unlock()
		rec.Error = err.Error()
		o.finish(rec)
		if o.logger != nil {
			o.logger.Error("geography fetch failed", "err", err, "state", prev)
		}
		return fmt.Errorf("load geography: %w", err)
	}

	// The window is read after geography so a filter change made meanwhile
	// is fetched by this load.
	window := o.Filters().TimeRange
	rec.Window = window
	incidents, incErr := o.fetchIncidents(ctx, window)
	rec.Fetched = len(incidents)
	store := o.build(geography, incidents, &rec)

	o.mu.Lock()
	moved := !o.filters.TimeRange.Start.Equal(window.Start) || !o.filters.TimeRange.End.Equal(window.End)
	o.geography = geography
	if token == o.token.Load() {
		o.store = store
		rec.Applied = true
		rec.Store = store
	}
	o.state = StateReady
	o.lastFetch = o.opts.Now()
	o.lastErr = incErr
	o.mu.Unlock()

	if incErr != nil {
		rec.Error = incErr.Error()
		o.finish(rec)
		if o.logger != nil {
			o.logger.Warn("incident fetch failed, serving geography only", "err", incErr)
		}
		if !moved {
			return &PartialError{Err: incErr}
		}
	} else {
		o.finish(rec)
	}
	if moved {
		// SetFilters skipped its refresh while the load was running.
		if o.logger != nil {
			o.logger.Info("time range changed during load, refreshing", "kind", kind)
		}
		return o.refresh(ctx, "refresh_filters", false)
	}
	if o.logger != nil {
		o.logger.Info("cache loaded",
			"kind", kind,
			"entities", geography.Len(),
			"fetched", rec.Fetched,
			"accepted", rec.Accepted,
			"rejected", rec.Rejected,
		)
	}
	return nil
}

// RefreshWithFilters re-fetches incident data for the current time range and
// rebuilds the store on cached geography. Results of a refresh overtaken by
// a newer one are discarded.
func (o *Orchestrator) RefreshWithFilters(ctx context.Context) error {
	return o.refresh(ctx, "refresh_filters", false)
}

// RefreshIncidentsOnly is RefreshWithFilters.
func (o *Orchestrator) RefreshIncidentsOnly(ctx context.Context) error {
	return o.RefreshWithFilters(ctx)
}

// RefreshDynamicData is the manual refresh; it also moves the expiry clock.
func (o *Orchestrator) RefreshDynamicData(ctx context.Context) error {
	return o.refresh(ctx, "refresh_dynamic", true)
}

func (o *Orchestrator) refresh(ctx context.Context, kind string, touch bool) error {
	o.mu.RLock()
	state := o.state
	hasGeography := o.geography.Len() > 0 || state == StateReady
	window := o.filters.TimeRange
	geography := o.geography
	o.mu.RUnlock()
	if !hasGeography {
		return o.Initialize(ctx)
	}

	token := o.token.Add(1)
	rec := Refresh{ID: uuid.NewString(), Kind: kind, Token: token, StartedAt: o.opts.Now(), Window: window}
	incidents, err := o.fetchIncidents(ctx, window)
	if err != nil {
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		rec.Error = err.Error()
		o.finish(rec)
		if o.logger != nil {
			o.logger.Warn("incident refresh failed, keeping previous data", "kind", kind, "err", err)
		}
		return fmt.Errorf("refresh incidents: %w", err)
	}
	rec.Fetched = len(incidents)
	store := o.build(geography, incidents, &rec)

	o.mu.Lock()
	if token == o.token.Load() {
		o.store = store
		o.lastErr = nil
		if touch {
			o.lastFetch = o.opts.Now()
		}
		rec.Applied = true
		rec.Store = store
	}
	o.mu.Unlock()
	if !rec.Applied && o.logger != nil {
		o.logger.Debug("stale refresh discarded", "kind", kind, "token", token)
	}
	o.finish(rec)
	return nil
}

func (o *Orchestrator) fetchGeography(ctx context.Context) (model.Geography, error) {
	var g model.Geography
	targets := []struct {
		kind model.Kind
		dst  *[]model.GeoRecord
	}{
		{model.KindRegion, &g.Regions},
		{model.KindProvince, &g.Provinces},
		{model.KindCity, &g.Cities},
		{model.KindCenter, &g.Centers},
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		eg.Go(func() error {
			rows, err := o.source.FetchGeography(ctx, t.kind)
			if err != nil {
				return err
			}
			*t.dst = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return model.Geography{}, err
	}
	return g, nil
}

// fetchIncidents returns the three feeds concatenated in feed order, or
// nothing when any feed fails.
func (o *Orchestrator) fetchIncidents(ctx context.Context, window model.TimeRange) ([]model.Incident, error) {
	results := make([][]model.Incident, len(normalize.Feeds))
	eg, ctx := errgroup.WithContext(ctx)
	for i, feed := range normalize.Feeds {
		eg.Go(func() error {
			list, err := o.source.FetchIncidents(ctx, feed, window)
			if err != nil {
				return err
			}
			results[i] = list
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var out []model.Incident
	for _, list := range results {
		out = append(out, list...)
	}
	return out, nil
}

func (o *Orchestrator) build(geography model.Geography, incidents []model.Incident, rec *Refresh) *incident.Store {
	reg := geo.NewRegistry(
		geo.WithPolicy(o.opts.Policy),
		geo.WithUnknownHandler(o.reporter.Report),
		geo.WithLogger(o.logger),
	)
	reg.Load(geography)
	store := incident.NewStore(reg,
		incident.WithLocation(o.opts.Location),
		incident.WithRecentLimit(o.opts.RecentLimit),
		incident.WithLogger(o.logger),
		incident.WithObserver(o.hooks.OnIngest),
	)
	for _, inc := range incidents {
		res := store.Ingest(inc)
		if rec == nil {
			continue
		}
		if res.Accepted {
			rec.Accepted++
		} else {
			rec.Rejected++
		}
	}
	return store
}

func (o *Orchestrator) finish(rec Refresh) {
	rec.FinishedAt = o.opts.Now()
	if o.hooks.OnRefresh != nil {
		o.hooks.OnRefresh(rec)
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		State:     o.state,
		LastFetch: o.lastFetch,
		Filters:   o.filters.Clone(),
		Store:     o.store,
	}
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

func (o *Orchestrator) Filters() model.FilterConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.filters.Clone()
}

// SetFilters replaces the filter configuration. A changed time range
// triggers RefreshWithFilters once the cache is ready; it reports whether a
// refresh ran.
func (o *Orchestrator) SetFilters(ctx context.Context, cfg model.FilterConfig) (bool, error) {
	o.mu.Lock()
	changed := !o.filters.TimeRange.Start.Equal(cfg.TimeRange.Start) || !o.filters.TimeRange.End.Equal(cfg.TimeRange.End)
	o.filters = cfg.Clone()
	ready := o.state == StateReady
	o.mu.Unlock()
	if !changed || !ready {
		return false, nil
	}
	return true, o.RefreshWithFilters(ctx)
}
