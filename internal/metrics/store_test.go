package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"t3shield/internal/cache"
	"t3shield/internal/geo"
	"t3shield/internal/incident"
	"t3shield/internal/model"
)

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	s := NewStore(2)
	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	for i, kind := range []string{"initialize", "refresh_filters", "refresh_dynamic"} {
		s.ObserveRefresh(cache.Refresh{Kind: kind, Applied: true, StartedAt: start, FinishedAt: start.Add(time.Duration(i+1) * time.Second)})
	}
	s.ObserveRefresh(cache.Refresh{Kind: "refresh_filters", Applied: false})

	got := s.History(0)
	require.Len(t, got, 2)
	assert.Equal(t, "refresh_filters", got[0].Kind)
	assert.False(t, got[0].Applied)
	assert.Equal(t, "refresh_dynamic", got[1].Kind)
	assert.Len(t, s.History(1), 1)

	last, ok := s.LastApplied()
	require.True(t, ok)
	assert.Equal(t, "refresh_dynamic", last.Kind)
}

func TestRefreshDropsStoreReference(t *testing.T) {
	s := NewStore(10)
	store := incident.NewStore(geo.NewRegistry())
	s.ObserveRefresh(cache.Refresh{Kind: "initialize", Applied: true, Store: store})
	assert.Nil(t, s.History(0)[0].Store)
}

func TestIngestCountsAndExport(t *testing.T) {
	s := NewStore(10)
	s.ObserveIngest(model.Incident{Type: model.CategoryGeneral}, incident.Result{Accepted: true})
	s.ObserveIngest(model.Incident{Type: model.CategoryGeneral}, incident.Result{Reason: incident.ReasonDuplicate})
	s.ObserveIngest(model.Incident{Type: model.CategoryGeneral}, incident.Result{Reason: incident.ReasonDuplicate})
	s.ObserveRefresh(cache.Refresh{Kind: "initialize", Error: "boom"})

	assert.Equal(t, map[string]int{"general/accepted": 1, "general/duplicate": 2}, s.IngestCounts())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `t3shield_incidents_ingested_total{category="general",outcome="duplicate"} 2`)
	assert.Contains(t, string(body), `t3shield_refreshes_total{kind="initialize",result="error"} 1`)

	s.Clear()
	assert.Empty(t, s.IngestCounts())
	assert.Empty(t, s.History(0))
}
