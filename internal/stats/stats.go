package stats

import (
	"sort"
	"strings"
	"time"

	"t3shield/internal/model"
)

type RegionTotal struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Counts model.Counts `json:"counts"`
}

type TimeOfDay struct {
	Morning   int `json:"morning"`
	Afternoon int `json:"afternoon"`
	Evening   int `json:"evening"`
	Night     int `json:"night"`
}

type Channels struct {
	Vocal int `json:"vocal"`
	Data  int `json:"data"`
}

type Summary struct {
	Totals    model.Counts   `json:"totals"`
	ByRegion  []RegionTotal  `json:"by_region"`
	Hourly    [24]int        `json:"hourly"`
	DayOfWeek [7]int         `json:"day_of_week"`
	TimeOfDay TimeOfDay      `json:"time_of_day"`
	Channels  Channels       `json:"channels"`
	Operators map[string]int `json:"operators"`
	Undated   int            `json:"undated"`
}

// Compute summarizes already-filtered incidents. Regions supply names for
// the per-region table; incidents are attributed through their path.
// DayOfWeek is indexed from Sunday.
func Compute(incidents []model.Incident, regions []model.GeoEntity, loc *time.Location) Summary {
	if loc == nil {
		loc = time.UTC
	}
	s := Summary{Operators: make(map[string]int)}
	byRegion := make(map[string]*RegionTotal, len(regions))
	for _, r := range regions {
		byRegion[r.ID] = &RegionTotal{ID: r.ID, Name: r.Name}
	}
	for _, inc := range incidents {
		s.Totals.Inc(inc.Type)
		if rt, ok := byRegion[inc.Path[0]]; ok {
			rt.Counts.Inc(inc.Type)
		}
		if op := operatorName(inc); op != "" {
			s.Operators[op]++
		}
		if inc.Type == model.CategoryGeneral && strings.TrimSpace(inc.CommunicationType) != "" {
			if IsVocal(inc.CommunicationType) {
				s.Channels.Vocal++
			} else {
				s.Channels.Data++
			}
		}
		ts := inc.EventTime()
		if ts.IsZero() {
			s.Undated++
			continue
		}
		local := ts.In(loc)
		s.Hourly[local.Hour()]++
		s.DayOfWeek[int(local.Weekday())]++
		switch h := local.Hour(); {
		case h >= 6 && h < 12:
			s.TimeOfDay.Morning++
		case h >= 12 && h < 18:
			s.TimeOfDay.Afternoon++
		case h >= 18:
			s.TimeOfDay.Evening++
		default:
			s.TimeOfDay.Night++
		}
	}
	s.ByRegion = make([]RegionTotal, 0, len(byRegion))
	for _, r := range regions {
		s.ByRegion = append(s.ByRegion, *byRegion[r.ID])
	}
	sort.SliceStable(s.ByRegion, func(i, j int) bool {
		return s.ByRegion[i].Counts.Total > s.ByRegion[j].Counts.Total
	})
	return s
}

// IsVocal reports whether a communication type is a voice channel.
func IsVocal(commType string) bool {
	switch strings.ToLower(strings.TrimSpace(commType)) {
	case "gsm", "vocal", "appel vocal":
		return true
	}
	return false
}

func operatorName(inc model.Incident) string {
	op := strings.TrimSpace(inc.Operator)
	if op == "" {
		op = strings.TrimSpace(inc.OperatorAlt)
	}
	if op == "" {
		return ""
	}
	switch strings.ToLower(op) {
	case "orange":
		return "Orange"
	case "inwi":
		return "Inwi"
	case "iam", "maroc telecom":
		return "IAM"
	}
	return op
}
