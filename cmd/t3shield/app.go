package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"t3shield/internal/access"
	"t3shield/internal/api"
	"t3shield/internal/cache"
	"t3shield/internal/config"
	"t3shield/internal/filter"
	"t3shield/internal/geo"
	"t3shield/internal/live"
	"t3shield/internal/logging"
	"t3shield/internal/metrics"
	"t3shield/internal/model"
	"t3shield/internal/schedule"
	"t3shield/internal/stats"
	"t3shield/internal/storage"
	"t3shield/internal/upstream"
)

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	levelVar *slog.LevelVar
	client   *upstream.Client
	metrics  *metrics.Store
	storage  storage.Store
	cache    *cache.Orchestrator
}

func newApp(ctx context.Context, mgr *config.Manager, logOut io.Writer) (*app, error) {
	cfg := mgr.Get()
	logger, levelVar := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	client, err := upstream.New(cfg.Upstream, logger.With("component", "upstream"))
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("storage init: %w", err)
		}
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		levelVar: levelVar,
		client:   client,
		metrics:  metrics.NewStore(cfg.Metrics.HistoryLimit),
		storage:  store,
	}
	a.cache = cache.New(client, cache.Options{
		Expiry:      cfg.Cache.Expiry,
		Policy:      geo.Policy(cfg.Geography.Policy),
		RecentLimit: cfg.Store.RecentLimit,
		Location:    client.Location(),
		Filters:     cfg.Filters,
	}, cache.Hooks{
		OnIngest:  a.metrics.ObserveIngest,
		OnRefresh: a.onRefresh,
	}, logger.With("component", "cache"))
	return a, nil
}

func (a *app) onRefresh(r cache.Refresh) {
	a.metrics.ObserveRefresh(r)
	if a.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.storage.SaveRefresh(ctx, r); err != nil {
		a.logger.Warn("save refresh failed", "id", r.ID, "err", err)
		return
	}
	if r.Applied && r.Store != nil {
		if err := a.storage.SaveSnapshot(ctx, r.ID, r.Store.Registry().Entities("")); err != nil {
			a.logger.Warn("save snapshot failed", "id", r.ID, "err", err)
		}
	}
}

func (a *app) close() {
	if a.storage != nil {
		_ = a.storage.Close()
	}
}

func (a *app) initialize(ctx context.Context) {
	err := a.cache.Initialize(ctx)
	var partial *cache.PartialError
	switch {
	case err == nil:
	case errors.As(err, &partial):
		a.logger.Warn("initial load incomplete", "err", err)
	default:
		a.logger.Error("initial load failed", "err", err)
	}
}

func runServe(ctx context.Context, mgr *config.Manager, addrOverride string) error {
	a, err := newApp(ctx, mgr, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg
	a.logger.Info("t3shield starting", "version", version, "upstream", cfg.Upstream.BaseURL, "config", mgr.Path())

	policy, err := access.FromConfig(cfg.Access)
	if err != nil {
		return err
	}

	a.initialize(ctx)

	handler := live.NewHandler(a.cache, a.logger.With("component", "live"))
	go handler.Run(ctx)
	var liveStatus api.LiveStatus
	if cfg.Live.Enabled {
		ch := live.NewChannel(cfg.Live.URL, cfg.Live.ReconnectDelay, handler, a.logger.With("component", "live"))
		go ch.Run(ctx)
		liveStatus = ch
	}
	live.StartKafka(ctx, cfg.Live.Kafka, handler, a.logger.With("component", "kafka"))

	sched := schedule.New(a.client.Location(), a.logger.With("component", "schedule"))
	if err := sched.Add("@every "+cfg.Cache.Expiry.String(), "expiry_reload", 4*cfg.Upstream.Timeout, a.cache.Initialize); err != nil {
		return err
	}
	if cfg.Cache.RefreshSchedule != "" {
		if err := sched.Add(cfg.Cache.RefreshSchedule, "refresh_dynamic", 4*cfg.Upstream.Timeout, a.cache.RefreshDynamicData); err != nil {
			return err
		}
	}
	sched.Start(ctx)

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second, func(next *config.Config) {
			a.levelVar.Set(logging.ParseLevel(next.LogLevel))
			a.logger.Info("config reloaded", "log_level", next.LogLevel)
		}, func(err error) {
			a.logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addrOverride != "" {
			addr = addrOverride
		}
		router := api.NewRouter(api.Deps{
			Config:   mgr,
			Cache:    a.cache,
			Verifier: a.client,
			Live:     liveStatus,
			Metrics:  a.metrics,
			History:  a.storage,
			Policy:   policy,
			Location: a.client.Location(),
			Logger:   a.logger.With("component", "api"),
			Version:  version,
		})
		api.Start(ctx, addr, router, a.logger)
	} else {
		a.logger.Info("api disabled")
	}

	<-ctx.Done()
	a.logger.Info("t3shield stopping")
	return nil
}

type snapshotOutput struct {
	State    cache.State           `json:"state"`
	Fetched  time.Time             `json:"last_fetch"`
	Filters  model.FilterConfig    `json:"filters"`
	Entities []filter.EntityCounts `json:"entities"`
	Summary  stats.Summary         `json:"summary"`
	Previous string                `json:"previous_refresh,omitempty"`
	Changes  []countChange         `json:"changes,omitempty"`
	Error    string                `json:"error,omitempty"`
}

type countChange struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Before model.Counts `json:"before"`
	After  model.Counts `json:"after"`
}

// diffCounts lists entities whose raw counts differ from a stored snapshot.
// Entities missing from the snapshot count as starting from zero.
func diffCounts(entities []model.GeoEntity, prev map[string]model.Counts) []countChange {
	var out []countChange
	for _, e := range entities {
		before := prev[e.ID]
		if before == e.Counts {
			continue
		}
		out = append(out, countChange{ID: e.ID, Name: e.Name, Before: before, After: e.Counts})
	}
	return out
}

func runSnapshot(ctx context.Context, mgr *config.Manager, kindName string, save bool) error {
	kind, ok := model.ParseKind(kindName)
	if !ok {
		return fmt.Errorf("unknown kind %q", kindName)
	}
	// stdout carries the JSON result.
	a, err := newApp(ctx, mgr, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	out := snapshotOutput{}
	var prev map[string]model.Counts
	if a.storage != nil {
		id, counts, err := a.storage.LatestSnapshot(ctx)
		if err != nil {
			a.logger.Warn("read previous snapshot failed", "err", err)
		} else {
			out.Previous, prev = id, counts
		}
		if !save {
			_ = a.storage.Close()
			a.storage = nil
		}
	}
	if err := a.cache.Initialize(ctx); err != nil {
		var partial *cache.PartialError
		if !errors.As(err, &partial) {
			return err
		}
		out.Error = err.Error()
	}
	snap := a.cache.Snapshot()
	all := snap.Store.All()
	filtered := filter.ApplyToIncidents(all, snap.Filters)
	out.State = snap.State
	out.Fetched = snap.LastFetch
	out.Filters = snap.Filters
	entities := snap.Registry().Entities(kind)
	out.Entities = filter.ApplyToEntities(entities, all, snap.Filters)
	if out.Previous != "" {
		out.Changes = diffCounts(entities, prev)
	}
	out.Summary = stats.Compute(filtered, snap.Registry().Entities(model.KindRegion), a.client.Location())
	return printJSON(out)
}
