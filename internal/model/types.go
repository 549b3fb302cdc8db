package model

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryGeneral  Category = "general"
	CategoryMobility Category = "mobility"
	CategoryVerified Category = "verified"
	CategoryDenied   Category = "denied"
)

var AllCategories = []Category{CategoryGeneral, CategoryMobility, CategoryVerified, CategoryDenied}

func ParseCategory(value string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(value))) {
	case CategoryGeneral:
		return CategoryGeneral, true
	case CategoryMobility:
		return CategoryMobility, true
	case CategoryVerified:
		return CategoryVerified, true
	case CategoryDenied:
		return CategoryDenied, true
	}
	return "", false
}

// IsVerification reports whether the category adjudicates a mobility incident.
func (c Category) IsVerification() bool {
	return c == CategoryVerified || c == CategoryDenied
}

type Kind string

const (
	KindRegion   Kind = "region"
	KindProvince Kind = "province"
	KindCity     Kind = "city"
	KindCenter   Kind = "center"
)

// Levels lists the hierarchy top-down.
var Levels = []Kind{KindRegion, KindProvince, KindCity, KindCenter}

func ParseKind(value string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "region", "regions", "aref":
		return KindRegion, true
	case "province", "provinces", "dp":
		return KindProvince, true
	case "city", "cities", "ville":
		return KindCity, true
	case "center", "centers", "centre", "lycee":
		return KindCenter, true
	}
	return "", false
}

func (k Kind) Level() int {
	for i, lvl := range Levels {
		if lvl == k {
			return i
		}
	}
	return -1
}

func (k Kind) Parent() (Kind, bool) {
	lvl := k.Level()
	if lvl <= 0 {
		return "", false
	}
	return Levels[lvl-1], true
}

// Counts holds per-category aggregates. Total excludes Denied.
type Counts struct {
	General  int `json:"general"`
	Mobility int `json:"mobility"`
	Verified int `json:"verified"`
	Denied   int `json:"denied"`
	Total    int `json:"total"`
}

func (c *Counts) Inc(cat Category) {
	switch cat {
	case CategoryGeneral:
		c.General++
	case CategoryMobility:
		c.Mobility++
	case CategoryVerified:
		c.Verified++
	case CategoryDenied:
		c.Denied++
		return
	default:
		return
	}
	c.Total++
}

// Dec never drops a counter below zero.
func (c *Counts) Dec(cat Category) {
	var field *int
	switch cat {
	case CategoryGeneral:
		field = &c.General
	case CategoryMobility:
		field = &c.Mobility
	case CategoryVerified:
		field = &c.Verified
	case CategoryDenied:
		if c.Denied > 0 {
			c.Denied--
		}
		return
	default:
		return
	}
	if *field > 0 {
		*field--
		if c.Total > 0 {
			c.Total--
		}
	}
}

func (c Counts) Get(cat Category) int {
	switch cat {
	case CategoryGeneral:
		return c.General
	case CategoryMobility:
		return c.Mobility
	case CategoryVerified:
		return c.Verified
	case CategoryDenied:
		return c.Denied
	}
	return 0
}

func (c Counts) Consistent() bool {
	return c.Total == c.General+c.Mobility+c.Verified
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var DefaultCoordinates = Coordinates{Lat: 34.0209, Lng: -6.8416}

type GeoEntity struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Name        string            `json:"name"`
	ParentID    string            `json:"parent_id,omitempty"`
	Coordinates Coordinates       `json:"coordinates"`
	Counts      Counts            `json:"counts"`
	Info        map[string]string `json:"info,omitempty"`
	Placeholder bool              `json:"placeholder,omitempty"`
}

// GeoRecord is one row of an upstream geography feed.
type GeoRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        Kind              `json:"kind"`
	ParentID    string            `json:"parent_id,omitempty"`
	Coordinates *Coordinates      `json:"coordinates,omitempty"`
	Info        map[string]string `json:"info,omitempty"`
}

type Geography struct {
	Regions   []GeoRecord `json:"regions"`
	Provinces []GeoRecord `json:"provinces"`
	Cities    []GeoRecord `json:"cities"`
	Centers   []GeoRecord `json:"centers"`
}

func (g Geography) Len() int {
	return len(g.Regions) + len(g.Provinces) + len(g.Cities) + len(g.Centers)
}

type Location struct {
	Region   string `json:"region"`
	Province string `json:"province"`
	City     string `json:"city"`
	Center   string `json:"center"`
	Room     string `json:"room,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

// Names returns the four hierarchy names top-down.
func (l Location) Names() [4]string {
	return [4]string{l.Region, l.Province, l.City, l.Center}
}

type Incident struct {
	ID                string    `json:"id"`
	Type              Category  `json:"type"`
	MobilityRefID     string    `json:"mobility_ref_id,omitempty"`
	Batch             int       `json:"batch"`
	Location          Location  `json:"location"`
	StudentRef        string    `json:"student_ref,omitempty"`
	Operator          string    `json:"operator,omitempty"`
	OperatorAlt       string    `json:"operator_alt,omitempty"`
	CommunicationType string    `json:"communication_type,omitempty"`
	Verifier          string    `json:"verifier,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Date              time.Time `json:"date"`
	VerifiedAt        time.Time `json:"verified_at,omitempty"`
	// Path holds the resolved entity ids, region first. Set on ingest.
	Path [4]string `json:"path"`
}

// EventTime is the time used for range filtering: Date for general
// incidents, Timestamp for the others, falling back to whichever is set.
func (i Incident) EventTime() time.Time {
	primary, fallback := i.Timestamp, i.Date
	if i.Type == CategoryGeneral {
		primary, fallback = i.Date, i.Timestamp
	}
	if primary.IsZero() {
		return fallback
	}
	return primary
}

type TimeRange struct {
	Start time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End   time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

func (r TimeRange) Active() bool {
	return !r.Start.IsZero() || !r.End.IsZero()
}

// Contains is inclusive on both bounds; an unset bound is open.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

type FilterConfig struct {
	Categories         []Category `json:"categories" yaml:"categories"`
	Operators          []string   `json:"operators" yaml:"operators"`
	CommunicationTypes []string   `json:"communication_types" yaml:"communication_types"`
	TimeRange          TimeRange  `json:"time_range" yaml:"time_range"`
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Categories:         append([]Category(nil), AllCategories...),
		Operators:          []string{"Orange", "Inwi", "IAM"},
		CommunicationTypes: []string{"GSM", "Appel Vocal", "Appel WhatsApp"},
	}
}

func (f FilterConfig) Clone() FilterConfig {
	return FilterConfig{
		Categories:         append([]Category(nil), f.Categories...),
		Operators:          append([]string(nil), f.Operators...),
		CommunicationTypes: append([]string(nil), f.CommunicationTypes...),
		TimeRange:          f.TimeRange,
	}
}
