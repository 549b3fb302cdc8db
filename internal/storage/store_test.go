package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"t3shield/internal/cache"
	"t3shield/internal/config"
	"t3shield/internal/model"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "t3.db")})
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStoreDisabledOrUnknown(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	assert.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mysql"})
	assert.Error(t, err)
}

func TestRefreshRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRefresh(ctx, cache.Refresh{ID: "a", Kind: "initialize", Token: 1, StartedAt: start, FinishedAt: start.Add(time.Second), Fetched: 3, Accepted: 2, Rejected: 1, Applied: true}))
	require.NoError(t, s.SaveRefresh(ctx, cache.Refresh{ID: "b", Kind: "refresh_filters", Token: 2, StartedAt: start.Add(time.Minute),
		Window: model.TimeRange{Start: start.Add(-time.Hour), End: start}, Error: "timeout"}))

	list, err := s.ListRefreshes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "timeout", list[0].Error)
	assert.True(t, list[0].Window.Start.Equal(start.Add(-time.Hour)))
	assert.True(t, list[0].FinishedAt.IsZero())
	assert.False(t, list[0].Applied)

	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, uint64(1), list[1].Token)
	assert.True(t, list[1].Applied)
	assert.True(t, list[1].StartedAt.Equal(start))
	assert.Equal(t, 2, list[1].Accepted)
}

func TestLatestSnapshot(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	id, counts, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Nil(t, counts)

	entities := []model.GeoEntity{
		{ID: "aref-1", Kind: model.KindRegion, Name: "RegionA", Counts: model.Counts{General: 2, Total: 2}},
		{ID: "dp-1", Kind: model.KindProvince, Name: "P1", ParentID: "aref-1", Counts: model.Counts{General: 1, Total: 1}},
	}
	require.NoError(t, s.SaveRefresh(ctx, cache.Refresh{ID: "r1", Kind: "initialize", Applied: true}))
	require.NoError(t, s.SaveSnapshot(ctx, "r1", entities))
	require.NoError(t, s.SaveRefresh(ctx, cache.Refresh{ID: "r2", Kind: "refresh_filters"}))

	id, counts, err = s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
	assert.Equal(t, model.Counts{General: 2, Total: 2}, counts["aref-1"])
	assert.Len(t, counts, 2)
}
