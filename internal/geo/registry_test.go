package geo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"t3shield/internal/model"
)

func seeded(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	stats := r.Load(model.Geography{
		Regions:   []model.GeoRecord{{ID: "aref-1", Name: "Rabat-Salé-Kénitra", Coordinates: &model.Coordinates{Lat: 34.02, Lng: -6.83}}},
		Provinces: []model.GeoRecord{{ID: "dp-1-1", Name: "Rabat", ParentID: "aref-1"}},
		Cities:    []model.GeoRecord{{ID: "ville-1", Name: "Rabat", ParentID: "dp-1-1"}},
		Centers: []model.GeoRecord{
			{ID: "lycee-1", Name: "Lycée Hassan II", ParentID: "ville-1"},
			{ID: "lycee-x", Name: "Orphan", ParentID: "ville-404"},
		},
	})
	require.Equal(t, 4, stats.Added)
	require.Equal(t, 1, stats.Skipped)
	return r
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a, err := r.FindOrCreate(model.KindCity, "Kénitra", model.KindProvince, "Kénitra")
	require.NoError(t, err)
	b, err := r.FindOrCreate(model.KindCity, "Kénitra", model.KindProvince, "Kénitra")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	// city + province + placeholder region
	assert.Equal(t, 3, r.Len())
}

func TestFindOrCreateRejectsWrongParentKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.FindOrCreate(model.KindCenter, "X", model.KindRegion, "R")
	require.Error(t, err)
}

func TestResolvePathUsesSeededEntities(t *testing.T) {
	r := seeded(t)
	path, err := r.ResolvePath([4]string{"rabat-salé-kénitra", "Rabat", "Rabat", "Lycée Hassan II"})
	require.NoError(t, err)
	assert.Equal(t, [4]string{"aref-1", "dp-1-1", "ville-1", "lycee-1"}, path)
	assert.Equal(t, 4, r.Len())
}

func TestResolvePathVivifiesMissingLevels(t *testing.T) {
	var reported []model.Kind
	r := seeded(t, WithUnknownHandler(func(kind model.Kind, name, parentID string, created bool) {
		assert.True(t, created)
		reported = append(reported, kind)
	}))
	path, err := r.ResolvePath([4]string{"Rabat-Salé-Kénitra", "Salé", "", "Lycée Ibn Sina"})
	require.NoError(t, err)
	assert.Equal(t, "aref-1", path[0])
	assert.Equal(t, "aref-1/dp-2", path[1])
	assert.Equal(t, []model.Kind{model.KindProvince, model.KindCity, model.KindCenter}, reported)

	city, ok := r.Get(path[2])
	require.True(t, ok)
	assert.Equal(t, UnknownName, city.Name)
	assert.True(t, city.Placeholder)
	assert.Equal(t, model.Coordinates{Lat: 34.02, Lng: -6.83}, city.Coordinates)
}

func TestVivifiedRegionGetsDefaultCoordinates(t *testing.T) {
	r := NewRegistry()
	path, err := r.ResolvePath([4]string{"Oriental", "Oujda", "Oujda", "Lycée Omar"})
	require.NoError(t, err)
	region, ok := r.Get(path[0])
	require.True(t, ok)
	assert.Equal(t, model.DefaultCoordinates, region.Coordinates)
	center, _ := r.Get(path[3])
	assert.Equal(t, model.DefaultCoordinates, center.Coordinates)
}

func TestStrictPolicyRejectsWithoutCreating(t *testing.T) {
	var calls int
	r := seeded(t, WithPolicy(PolicyStrict), WithUnknownHandler(func(model.Kind, string, string, bool) { calls++ }))
	_, err := r.ResolvePath([4]string{"Rabat-Salé-Kénitra", "Rabat", "Rabat", "Unknown School"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownGeography))
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, 1, calls)
}

func TestIncrementDecrementFloorsAtZero(t *testing.T) {
	r := seeded(t)
	require.True(t, r.Increment("aref-1", model.CategoryGeneral))
	require.True(t, r.Increment("aref-1", model.CategoryDenied))
	r.Decrement("aref-1", model.CategoryGeneral)
	r.Decrement("aref-1", model.CategoryGeneral)
	r.Decrement("aref-1", model.CategoryVerified)
	e, _ := r.Get("aref-1")
	assert.Equal(t, model.Counts{Denied: 1}, e.Counts)
	assert.True(t, e.Counts.Consistent())
	assert.False(t, r.Increment("missing", model.CategoryGeneral))
}

func TestNavigationUsesEdges(t *testing.T) {
	r := seeded(t)
	children := r.Children("dp-1-1")
	require.Len(t, children, 1)
	assert.Equal(t, "ville-1", children[0].ID)
	parent, ok := r.Parent("ville-1")
	require.True(t, ok)
	assert.Equal(t, "dp-1-1", parent.ID)
	_, ok = r.Parent("aref-1")
	assert.False(t, ok)
	assert.Len(t, r.Edges(), 3)
}

func TestReadsReturnCopies(t *testing.T) {
	r := seeded(t)
	e, _ := r.Get("aref-1")
	e.Counts.General = 99
	again, _ := r.Get("aref-1")
	assert.Zero(t, again.Counts.General)
}

func TestGeneratedIDSkipsTakenOrdinal(t *testing.T) {
	r := NewRegistry()
	r.Load(model.Geography{Regions: []model.GeoRecord{{ID: "aref-2", Name: "Souss-Massa"}}})
	e, err := r.FindOrCreate(model.KindRegion, "Drâa-Tafilalet", "", "")
	require.NoError(t, err)
	assert.Equal(t, "aref-3", e.ID)
}

func TestLoadKeepsIDsPerKind(t *testing.T) {
	r := NewRegistry(WithPolicy(PolicyStrict))
	stats := r.Load(model.Geography{
		Regions:   []model.GeoRecord{{ID: "1", Name: "Oriental"}},
		Provinces: []model.GeoRecord{{ID: "1", Name: "Oujda-Angad", ParentID: "1"}},
		Cities:    []model.GeoRecord{{ID: "1", Name: "Oujda", ParentID: "1"}},
		Centers:   []model.GeoRecord{{ID: "2", Name: "Lycée Omar", ParentID: "1"}},
	})
	assert.Equal(t, LoadStats{Added: 4}, stats)

	province, ok := r.Get("province:1")
	require.True(t, ok)
	assert.Equal(t, "1", province.ParentID)
	city, ok := r.Get("city:1")
	require.True(t, ok)
	assert.Equal(t, "province:1", city.ParentID)
	center, ok := r.Get("2")
	require.True(t, ok)
	assert.Equal(t, "city:1", center.ParentID)

	path, err := r.ResolvePath([4]string{"Oriental", "Oujda-Angad", "Oujda", "Lycée Omar"})
	require.NoError(t, err)
	assert.Equal(t, [4]string{"1", "province:1", "city:1", "2"}, path)

	again := r.Load(model.Geography{
		Regions:   []model.GeoRecord{{ID: "1", Name: "Oriental"}},
		Provinces: []model.GeoRecord{{ID: "1", Name: "Oujda Angad", ParentID: "1"}},
	})
	assert.Equal(t, LoadStats{Updated: 2}, again)
	province, _ = r.Get("province:1")
	assert.Equal(t, "Oujda Angad", province.Name)
	assert.Equal(t, 4, r.Len())
}

func TestResolvePathSeparatesSameNamedCities(t *testing.T) {
	r := NewRegistry()
	a, err := r.ResolvePath([4]string{"Casablanca-Settat", "Settat", "Centre", "L1"})
	require.NoError(t, err)
	b, err := r.ResolvePath([4]string{"Casablanca-Settat", "Berrechid", "Centre", "L1"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])
	assert.NotEqual(t, a[2], b[2])

	// FindOrCreate matches the parent by name only, so it lands under the
	// first province named Settat.
	c, err := r.FindOrCreate(model.KindCity, "Centre", model.KindProvince, "Settat")
	require.NoError(t, err)
	assert.Equal(t, a[2], c.ID)
}
