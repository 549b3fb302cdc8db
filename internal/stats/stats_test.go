package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"t3shield/internal/model"
)

func TestComputeSummary(t *testing.T) {
	base := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC) // Tuesday
	regions := []model.GeoEntity{{ID: "r1", Name: "North"}, {ID: "r2", Name: "South"}}
	incidents := []model.Incident{
		{Type: model.CategoryGeneral, Path: [4]string{"r1"}, Date: base.Add(8 * time.Hour), Operator: "orange", CommunicationType: "GSM"},
		{Type: model.CategoryGeneral, Path: [4]string{"r2"}, Date: base.Add(13 * time.Hour), Operator: "Inwi", CommunicationType: "whatsapp"},
		{Type: model.CategoryMobility, Path: [4]string{"r2"}, Timestamp: base.Add(20 * time.Hour), OperatorAlt: "IAM"},
		{Type: model.CategoryDenied, Path: [4]string{"r2"}, Timestamp: base.Add(2 * time.Hour)},
		{Type: model.CategoryVerified, Path: [4]string{"r2"}},
	}

	s := Compute(incidents, regions, time.UTC)
	assert.Equal(t, model.Counts{General: 2, Mobility: 1, Verified: 1, Denied: 1, Total: 4}, s.Totals)
	require.Len(t, s.ByRegion, 2)
	assert.Equal(t, "r2", s.ByRegion[0].ID)
	assert.Equal(t, 3, s.ByRegion[0].Counts.Total)
	assert.Equal(t, 1, s.ByRegion[1].Counts.Total)
	assert.Equal(t, 1, s.Hourly[8])
	assert.Equal(t, 4, s.DayOfWeek[time.Tuesday])
	assert.Equal(t, TimeOfDay{Morning: 1, Afternoon: 1, Evening: 1, Night: 1}, s.TimeOfDay)
	assert.Equal(t, Channels{Vocal: 1, Data: 1}, s.Channels)
	assert.Equal(t, map[string]int{"Orange": 1, "Inwi": 1, "IAM": 1}, s.Operators)
	assert.Equal(t, 1, s.Undated)
}

func TestIsVocal(t *testing.T) {
	assert.True(t, IsVocal("Appel Vocal"))
	assert.True(t, IsVocal("gsm"))
	assert.False(t, IsVocal("whatsapp"))
}
