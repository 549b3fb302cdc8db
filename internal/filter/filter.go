package filter

import (
	"strings"

	"t3shield/internal/model"
)

// Matcher is a compiled FilterConfig. An empty enabled set matches nothing.
type Matcher struct {
	categories map[model.Category]struct{}
	operators  map[string]struct{}
	comms      map[string]struct{}
	timeRange  model.TimeRange
}

func Compile(cfg model.FilterConfig) Matcher {
	m := Matcher{
		categories: make(map[model.Category]struct{}, len(cfg.Categories)),
		operators:  make(map[string]struct{}, len(cfg.Operators)),
		comms:      make(map[string]struct{}, len(cfg.CommunicationTypes)),
		timeRange:  cfg.TimeRange,
	}
	for _, c := range cfg.Categories {
		if cat, ok := model.ParseCategory(string(c)); ok {
			m.categories[cat] = struct{}{}
		}
	}
	for _, op := range cfg.Operators {
		if op = fold(op); op != "" {
			m.operators[op] = struct{}{}
		}
	}
	for _, ct := range cfg.CommunicationTypes {
		if ct = CanonicalCommunicationType(ct); ct != "" {
			m.comms[ct] = struct{}{}
		}
	}
	return m
}

func (m Matcher) Match(inc model.Incident) bool {
	if _, ok := m.categories[inc.Type]; !ok {
		return false
	}
	if !m.matchOperator(inc) {
		return false
	}
	if inc.Type == model.CategoryGeneral {
		if _, ok := m.comms[CanonicalCommunicationType(inc.CommunicationType)]; !ok {
			return false
		}
	}
	// An incident without a usable time is never excluded by the range.
	if ts := inc.EventTime(); m.timeRange.Active() && !ts.IsZero() && !m.timeRange.Contains(ts) {
		return false
	}
	return true
}

func (m Matcher) matchOperator(inc model.Incident) bool {
	if op := fold(inc.Operator); op != "" {
		if _, ok := m.operators[op]; ok {
			return true
		}
	}
	if op := fold(inc.OperatorAlt); op != "" {
		if _, ok := m.operators[op]; ok {
			return true
		}
	}
	return false
}

// CanonicalCommunicationType maps the dashboard labels onto the values the
// upstream records carry.
func CanonicalCommunicationType(value string) string {
	switch v := fold(value); v {
	case "gsm":
		return "gsm"
	case "appel vocal", "vocal":
		return "vocal"
	case "appel whatsapp", "whatsapp":
		return "whatsapp"
	default:
		return v
	}
}

// ApplyToIncidents returns the incidents passing cfg. The input is not
// modified.
func ApplyToIncidents(incidents []model.Incident, cfg model.FilterConfig) []model.Incident {
	m := Compile(cfg)
	out := make([]model.Incident, 0, len(incidents))
	for _, inc := range incidents {
		if m.Match(inc) {
			out = append(out, inc)
		}
	}
	return out
}

type EntityCounts struct {
	model.GeoEntity
	FilteredCounts model.Counts `json:"filtered_counts"`
}

// ApplyToEntities derives filtered counts for each entity from the incidents
// routed through it at ingestion. Nothing is cached.
func ApplyToEntities(entities []model.GeoEntity, incidents []model.Incident, cfg model.FilterConfig) []EntityCounts {
	m := Compile(cfg)
	counts := make(map[string]*model.Counts, len(entities))
	for _, e := range entities {
		counts[e.ID] = &model.Counts{}
	}
	for _, inc := range incidents {
		if !m.Match(inc) {
			continue
		}
		for _, id := range inc.Path {
			if c, ok := counts[id]; ok {
				c.Inc(inc.Type)
			}
		}
	}
	out := make([]EntityCounts, 0, len(entities))
	for _, e := range entities {
		out = append(out, EntityCounts{GeoEntity: e, FilteredCounts: *counts[e.ID]})
	}
	return out
}

// ForEntity lists the filtered incidents attributed to one entity.
func ForEntity(entity model.GeoEntity, incidents []model.Incident, cfg model.FilterConfig) []model.Incident {
	level := entity.Kind.Level()
	if level < 0 {
		return nil
	}
	m := Compile(cfg)
	var out []model.Incident
	for _, inc := range incidents {
		if inc.Path[level] == entity.ID && m.Match(inc) {
			out = append(out, inc)
		}
	}
	return out
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
