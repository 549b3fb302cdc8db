package incident

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"t3shield/internal/geo"
	"t3shield/internal/model"
	"t3shield/internal/normalize"
)

type Reason string

const (
	ReasonDuplicate        Reason = "duplicate"
	ReasonStale            Reason = "stale"
	ReasonUnknownGeography Reason = "unknown_geography"
	ReasonInvalid          Reason = "invalid"
)

type Result struct {
	Accepted   bool     `json:"accepted"`
	Reason     Reason   `json:"reason,omitempty"`
	ID         string   `json:"id"`
	Superseded []string `json:"superseded,omitempty"`
}

// Observer sees the outcome of every ingest, after the store lock is released.
type Observer func(inc model.Incident, res Result)

// Store deduplicates incidents and is the only writer of registry counts.
type Store struct {
	mu       sync.Mutex
	registry *geo.Registry
	records  map[string]*model.Incident
	// batch bucket -> record keys, general and mobility only
	buckets map[string][]string
	// mobility reference -> record key, verified and denied only
	verifications map[string]string
	recent        *Recent
	loc           *time.Location
	logger        *slog.Logger
	observer      Observer
}

type Option func(*Store)

func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithRecentLimit(limit int) Option {
	return func(s *Store) { s.recent = NewRecent(limit) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func NewStore(registry *geo.Registry, opts ...Option) *Store {
	if registry == nil {
		registry = geo.NewRegistry()
	}
	s := &Store{
		registry:      registry,
		records:       make(map[string]*model.Incident),
		buckets:       make(map[string][]string),
		verifications: make(map[string]string),
		recent:        NewRecent(1000),
		loc:           time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Registry() *geo.Registry {
	return s.registry
}

// Ingest applies one record. A rejected record leaves every count as it was.
func (s *Store) Ingest(inc model.Incident) Result {
	res := s.ingest(&inc)
	if s.observer != nil {
		s.observer(inc, res)
	}
	return res
}

func (s *Store) ingest(inc *model.Incident) Result {
	if _, ok := model.ParseCategory(string(inc.Type)); !ok {
		return Result{Reason: ReasonInvalid, ID: inc.ID}
	}
	if inc.Batch < 1 {
		inc.Batch = 1
	}
	if inc.ID == "" {
		inc.ID = normalize.DeriveID(*inc, s.loc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(*inc)
	var superseded []string
	if inc.Type.IsVerification() {
		if existingKey, ok := s.verifications[verificationRef(*inc)]; ok {
			existing := s.records[existingKey]
			if existing.ID == inc.ID && existing.Type == inc.Type {
				return s.reject(*inc, ReasonDuplicate)
			}
			superseded = append(superseded, existingKey)
		}
	} else {
		bucket := s.bucketKey(*inc)
		highest := 0
		for _, k := range s.buckets[bucket] {
			if b := s.records[k].Batch; b > highest {
				highest = b
			}
		}
		if inc.Batch < highest {
			return s.reject(*inc, ReasonStale)
		}
		for _, k := range s.buckets[bucket] {
			existing := s.records[k]
			if existing.Batch == inc.Batch && existing.ID == inc.ID {
				return s.reject(*inc, ReasonDuplicate)
			}
			if existing.Batch < inc.Batch {
				superseded = append(superseded, k)
			}
		}
	}
	if _, exists := s.records[key]; exists && !containsKey(superseded, key) {
		// Same identity under another bucket or reference: the newer copy wins.
		superseded = append(superseded, key)
	}

	path, err := s.registry.ResolvePath(inc.Location.Names())
	if err != nil {
		if errors.Is(err, geo.ErrUnknownGeography) {
			return s.reject(*inc, ReasonUnknownGeography)
		}
		return s.reject(*inc, ReasonInvalid)
	}

	ids := s.removeLocked(superseded)
	inc.Path = path
	for _, id := range path {
		s.registry.Increment(id, inc.Type)
	}
	stored := *inc
	s.records[key] = &stored
	if inc.Type.IsVerification() {
		s.verifications[verificationRef(*inc)] = key
	} else {
		bucket := s.bucketKey(*inc)
		s.buckets[bucket] = append(s.buckets[bucket], key)
	}
	s.recent.Add(key)
	if s.logger != nil && len(ids) > 0 {
		s.logger.Debug("incident superseded records", "id", inc.ID, "type", inc.Type, "batch", inc.Batch, "superseded", ids)
	}
	return Result{Accepted: true, ID: inc.ID, Superseded: ids}
}

func (s *Store) reject(inc model.Incident, reason Reason) Result {
	if s.logger != nil {
		s.logger.Debug("incident rejected", "id", inc.ID, "type", inc.Type, "batch", inc.Batch, "reason", reason)
	}
	return Result{Reason: reason, ID: inc.ID}
}

// RemoveSuperseded drops every record with one of the given ids and
// decrements its counts. It returns how many records were removed.
func (s *Store) RemoveSuperseded(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, rec := range s.records {
		if _, ok := want[rec.ID]; ok {
			keys = append(keys, k)
		}
	}
	return len(s.removeLocked(keys))
}

// removeLocked decrements before deleting so counts never reference a
// missing record.
func (s *Store) removeLocked(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, 0, len(keys))
	dropped := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		rec, ok := s.records[k]
		if !ok {
			continue
		}
		for _, id := range rec.Path {
			if id != "" {
				s.registry.Decrement(id, rec.Type)
			}
		}
		if rec.Type.IsVerification() {
			ref := verificationRef(*rec)
			if s.verifications[ref] == k {
				delete(s.verifications, ref)
			}
		} else {
			bucket := s.bucketKey(*rec)
			s.buckets[bucket] = removeKey(s.buckets[bucket], k)
			if len(s.buckets[bucket]) == 0 {
				delete(s.buckets, bucket)
			}
		}
		delete(s.records, k)
		dropped[k] = struct{}{}
		ids = append(ids, rec.ID)
	}
	s.recent.Remove(dropped)
	return ids
}

func (s *Store) bucketKey(inc model.Incident) string {
	return normalize.LocationKey(inc) + "|" + normalize.DayBucket(inc, s.loc)
}

// Get returns the first record with the given id.
func (s *Store) Get(id string) (model.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return *rec, true
		}
	}
	return model.Incident{}, false
}

// Verification returns the verified or denied record for a mobility incident.
func (s *Store) Verification(mobilityRefID string) (model.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.verifications[mobilityRefID]
	if !ok {
		return model.Incident{}, false
	}
	return *s.records[key], true
}

// All returns every record, newest event first.
func (s *Store) All() []model.Incident {
	s.mu.Lock()
	out := make([]model.Incident, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EventTime(), out[j].EventTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Recent returns up to limit records in ingestion order, newest first.
func (s *Store) Recent(limit int) []model.Incident {
	keys := s.recent.List(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Incident, 0, len(keys))
	for _, k := range keys {
		if rec, ok := s.records[k]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// recordKey scopes ids by upstream table, since general, mobility and
// verification rows are numbered independently.
func recordKey(inc model.Incident) string {
	family := string(inc.Type)
	if inc.Type.IsVerification() {
		family = "verification"
	}
	return family + ":" + inc.ID
}

func verificationRef(inc model.Incident) string {
	if inc.MobilityRefID != "" {
		return inc.MobilityRefID
	}
	return "id:" + inc.ID
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
