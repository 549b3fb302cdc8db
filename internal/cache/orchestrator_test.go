package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"t3shield/internal/geo"
	"t3shield/internal/model"
	"t3shield/internal/normalize"
)

var day = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

var loc = model.Location{Region: "RegionA", Province: "P1", City: "C1", Center: "L1", Room: "S1", Subject: "Math"}

type fakeSource struct {
	geoCalls atomic.Int32
	incCalls atomic.Int32

	mu       sync.Mutex
	geoErr   error
	incErr   error
	geoGate  chan struct{}
	held     model.TimeRange
	incGate  chan struct{}
	heldHits atomic.Int32
	byWindow map[time.Time][]model.Incident
}

func newFakeSource() *fakeSource {
	return &fakeSource{byWindow: map[time.Time][]model.Incident{
		{}: {{ID: "g1", Type: model.CategoryGeneral, Batch: 1, Location: loc, Date: day}},
	}}
}

func (f *fakeSource) FetchGeography(ctx context.Context, kind model.Kind) ([]model.GeoRecord, error) {
	f.geoCalls.Add(1)
	f.mu.Lock()
	gate, err := f.geoGate, f.geoErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	switch kind {
	case model.KindRegion:
		return []model.GeoRecord{{ID: "aref-1", Name: "RegionA", Kind: kind}}, nil
	case model.KindProvince:
		return []model.GeoRecord{{ID: "dp-1", Name: "P1", Kind: kind, ParentID: "aref-1"}}, nil
	}
	return nil, nil
}

func (f *fakeSource) FetchIncidents(ctx context.Context, feed normalize.Feed, window model.TimeRange) ([]model.Incident, error) {
	f.incCalls.Add(1)
	f.mu.Lock()
	err, gate, held := f.incErr, f.incGate, f.held
	list := f.byWindow[window.Start]
	f.mu.Unlock()
	if gate != nil && window.Start.Equal(held.Start) {
		f.heldHits.Add(1)
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if feed != normalize.FeedGeneral {
		return nil, nil
	}
	return list, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newOrchestrator(src Source, hooks Hooks) (*Orchestrator, *clock) {
	clk := &clock{now: day}
	o := New(src, Options{Location: time.UTC, Now: clk.Now}, hooks, nil)
	return o, clk
}

func TestInitializeLoadsEverything(t *testing.T) {
	src := newFakeSource()
	o, _ := newOrchestrator(src, Hooks{})
	assert.Equal(t, StateUninitialized, o.State())

	require.NoError(t, o.Initialize(context.Background()))
	snap := o.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, day, snap.LastFetch)
	assert.Equal(t, 1, snap.Store.Len())

	region, ok := snap.Registry().Get("aref-1")
	require.True(t, ok)
	assert.Equal(t, 1, region.Counts.General)
	assert.Equal(t, 1, region.Counts.Total)
	assert.Equal(t, int32(4), src.geoCalls.Load())
	assert.Equal(t, int32(3), src.incCalls.Load())
}

func TestOverlappingInitializeSharesOneLoad(t *testing.T) {
	src := newFakeSource()
	gate := make(chan struct{})
	src.geoGate = gate
	o, _ := newOrchestrator(src, Hooks{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = o.Initialize(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return src.geoCalls.Load() == 4 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(4), src.geoCalls.Load())
	assert.Equal(t, int32(3), src.incCalls.Load())
	assert.Equal(t, StateReady, o.State())
}

func TestInitializeIsNoOpUntilExpiry(t *testing.T) {
	src := newFakeSource()
	o, clk := newOrchestrator(src, Hooks{})
	ctx := context.Background()

	require.NoError(t, o.Initialize(ctx))
	require.NoError(t, o.Initialize(ctx))
	assert.Equal(t, int32(4), src.geoCalls.Load())

	clk.Advance(6 * time.Minute)
	require.NoError(t, o.Initialize(ctx))
	assert.Equal(t, int32(8), src.geoCalls.Load())
	assert.Equal(t, int32(6), src.incCalls.Load())
	assert.Equal(t, day.Add(6*time.Minute), o.Snapshot().LastFetch)
}

func TestIncidentFailureLeavesGeographyOnly(t *testing.T) {
	src := newFakeSource()
	src.incErr = errors.New("upstream down")
	o, _ := newOrchestrator(src, Hooks{})

	err := o.Initialize(context.Background())
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.EqualError(t, partial.Err, "upstream down")

	snap := o.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 0, snap.Store.Len())
	assert.Equal(t, 2, snap.Registry().Len())
	assert.Equal(t, partial.Err, o.LastError())
}

func TestGeographyFailureStaysUninitialized(t *testing.T) {
	src := newFakeSource()
	src.geoErr = errors.New("no regions")
	o, _ := newOrchestrator(src, Hooks{})

	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no regions")
	assert.Equal(t, StateUninitialized, o.State())
	assert.Equal(t, 0, o.Snapshot().Store.Len())
}

func TestRefreshBeforeInitializeLoads(t *testing.T) {
	src := newFakeSource()
	o, _ := newOrchestrator(src, Hooks{})

	require.NoError(t, o.RefreshDynamicData(context.Background()))
	assert.Equal(t, StateReady, o.State())
	assert.Equal(t, int32(4), src.geoCalls.Load())
}

func TestRefreshKeepsGeographyAndRebuildsCounts(t *testing.T) {
	src := newFakeSource()
	o, clk := newOrchestrator(src, Hooks{})
	ctx := context.Background()
	require.NoError(t, o.Initialize(ctx))
	first := o.Snapshot().Store

	src.mu.Lock()
	src.byWindow[time.Time{}] = append(src.byWindow[time.Time{}],
		model.Incident{ID: "g2", Type: model.CategoryGeneral, Batch: 1, Location: loc, Date: day.Add(time.Hour)})
	src.mu.Unlock()
	clk.Advance(time.Minute)

	require.NoError(t, o.RefreshDynamicData(ctx))
	snap := o.Snapshot()
	assert.NotSame(t, first, snap.Store)
	assert.Equal(t, 2, snap.Store.Len())
	region, _ := snap.Registry().Get("aref-1")
	assert.Equal(t, 2, region.Counts.Total)
	assert.Equal(t, day.Add(time.Minute), snap.LastFetch)
	assert.Equal(t, int32(4), src.geoCalls.Load())

	// The old store is untouched.
	old, _ := first.Registry().Get("aref-1")
	assert.Equal(t, 1, old.Counts.Total)

	clk.Advance(time.Minute)
	require.NoError(t, o.RefreshWithFilters(ctx))
	assert.Equal(t, day.Add(time.Minute), o.Snapshot().LastFetch)
}

func TestRefreshFailureKeepsPreviousStore(t *testing.T) {
	src := newFakeSource()
	o, _ := newOrchestrator(src, Hooks{})
	ctx := context.Background()
	require.NoError(t, o.Initialize(ctx))
	before := o.Snapshot().Store

	src.mu.Lock()
	src.incErr = errors.New("timeout")
	src.mu.Unlock()
	require.Error(t, o.RefreshWithFilters(ctx))
	assert.Same(t, before, o.Snapshot().Store)
	assert.Equal(t, StateReady, o.State())
}

func TestOvertakenRefreshIsDiscarded(t *testing.T) {
	src := newFakeSource()
	var mu sync.Mutex
	var records []Refresh
	o, _ := newOrchestrator(src, Hooks{OnRefresh: func(r Refresh) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	}})
	ctx := context.Background()
	require.NoError(t, o.Initialize(ctx))

	rangeA := model.TimeRange{Start: day.Add(-2 * time.Hour), End: day}
	rangeB := model.TimeRange{Start: day.Add(-time.Hour), End: day}
	gate := make(chan struct{})
	src.mu.Lock()
	src.byWindow[rangeA.Start] = []model.Incident{{ID: "a", Type: model.CategoryGeneral, Batch: 1, Location: loc, Date: day}}
	src.byWindow[rangeB.Start] = []model.Incident{{ID: "b", Type: model.CategoryGeneral, Batch: 1, Location: loc, Date: day}}
	src.held = rangeA
	src.incGate = gate
	src.mu.Unlock()

	filtersA := model.DefaultFilterConfig()
	filtersA.TimeRange = rangeA
	done := make(chan error, 1)
	go func() {
		_, err := o.SetFilters(ctx, filtersA)
		done <- err
	}()
	require.Eventually(t, func() bool { return src.heldHits.Load() == 3 }, time.Second, time.Millisecond)

	filtersB := model.DefaultFilterConfig()
	filtersB.TimeRange = rangeB
	refreshed, err := o.SetFilters(ctx, filtersB)
	require.NoError(t, err)
	assert.True(t, refreshed)

	close(gate)
	require.NoError(t, <-done)

	store := o.Snapshot().Store
	_, ok := store.Get("b")
	assert.True(t, ok)
	_, ok = store.Get("a")
	assert.False(t, ok)
	assert.Equal(t, rangeB, o.Filters().TimeRange)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 3)
	assert.Equal(t, rangeB, records[1].Window)
	assert.True(t, records[1].Applied)
	assert.Equal(t, rangeA, records[2].Window)
	assert.False(t, records[2].Applied)
	assert.Nil(t, records[2].Store)
}

func TestSetFiltersWithoutRangeChangeDoesNotFetch(t *testing.T) {
	src := newFakeSource()
	o, _ := newOrchestrator(src, Hooks{})
	ctx := context.Background()

	cfg := model.DefaultFilterConfig()
	cfg.TimeRange = model.TimeRange{Start: day.Add(-time.Hour), End: day}
	refreshed, err := o.SetFilters(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, refreshed, "not ready yet")
	assert.Equal(t, int32(0), src.incCalls.Load())

	require.NoError(t, o.Initialize(ctx))
	calls := src.incCalls.Load()
	cfg.Operators = []string{"Orange"}
	refreshed, err = o.SetFilters(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, calls, src.incCalls.Load())
	assert.Equal(t, []string{"Orange"}, o.Filters().Operators)
}

func TestStrictPolicyRejectsUnknownNames(t *testing.T) {
	src := newFakeSource()
	src.byWindow[time.Time{}] = []model.Incident{
		{ID: "g1", Type: model.CategoryGeneral, Batch: 1, Location: model.Location{Region: "Elsewhere"}, Date: day},
	}
	var unknown []string
	o := New(src, Options{Policy: geo.PolicyStrict, Now: func() time.Time { return day }}, Hooks{
		OnUnknown: func(kind model.Kind, name, parentID string, created bool) {
			assert.False(t, created)
			unknown = append(unknown, name)
		},
	}, nil)

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, 0, o.Snapshot().Store.Len())
	assert.Equal(t, []string{"Elsewhere"}, unknown)
}

func TestUnknownReporterLogsOncePerTTL(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	clk := &clock{now: day}
	r := newUnknownReporter(time.Hour, logger, clk.Now)
	var forwarded int
	r.next = func(model.Kind, string, string, bool) { forwarded++ }

	r.Report(model.KindCity, "Nowhere", "dp-1", true)
	r.Report(model.KindCity, "Nowhere", "dp-1", true)
	r.Report(model.KindCity, "Other", "dp-1", true)
	assert.Equal(t, 2, strings.Count(buf.String(), "unknown geography"))

	clk.Advance(2 * time.Hour)
	r.Report(model.KindCity, "Nowhere", "dp-1", true)
	assert.Equal(t, 3, strings.Count(buf.String(), "unknown geography"))
	assert.Equal(t, 4, forwarded)
}

func TestFilterChangeDuringGeographyFetchIsLoaded(t *testing.T) {
	src := newFakeSource()
	start := day.Add(-time.Hour)
	src.byWindow[start] = []model.Incident{{ID: "g9", Type: model.CategoryGeneral, Batch: 1, Location: loc, Date: day}}
	gate := make(chan struct{})
	src.geoGate = gate
	o, _ := newOrchestrator(src, Hooks{})

	done := make(chan error, 1)
	go func() { done <- o.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return src.geoCalls.Load() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, StateLoading, o.State())

	cfg := o.Filters()
	cfg.TimeRange = model.TimeRange{Start: start, End: day}
	refreshed, err := o.SetFilters(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, refreshed)

	close(gate)
	require.NoError(t, <-done)
	snap := o.Snapshot()
	_, ok := snap.Store.Get("g9")
	assert.True(t, ok)
	assert.Equal(t, int32(3), src.incCalls.Load())
}

func TestFilterChangeDuringIncidentFetchRefreshesAfterLoad(t *testing.T) {
	src := newFakeSource()
	start := day.Add(-time.Hour)
	src.byWindow[start] = []model.Incident{{ID: "g9", Type: model.CategoryGeneral, Batch: 1, Location: loc, Date: day}}
	gate := make(chan struct{})
	src.incGate = gate
	var mu sync.Mutex
	var kinds []string
	o, _ := newOrchestrator(src, Hooks{OnRefresh: func(r Refresh) {
		mu.Lock()
		kinds = append(kinds, r.Kind)
		mu.Unlock()
	}})

	done := make(chan error, 1)
	go func() { done <- o.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return src.heldHits.Load() == 3 }, time.Second, time.Millisecond)

	cfg := o.Filters()
	cfg.TimeRange = model.TimeRange{Start: start, End: day}
	refreshed, err := o.SetFilters(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, refreshed)

	close(gate)
	require.NoError(t, <-done)
	snap := o.Snapshot()
	_, ok := snap.Store.Get("g9")
	assert.True(t, ok)
	_, ok = snap.Store.Get("g1")
	assert.False(t, ok)
	assert.Equal(t, int32(6), src.incCalls.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"initialize", "refresh_filters"}, kinds)
}
