package geo

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"t3shield/internal/model"
)

var ErrUnknownGeography = errors.New("unknown geography")

type Policy string

const (
	// PolicyPermissive creates placeholder entities for names not seen before.
	PolicyPermissive Policy = "permissive"
	// PolicyStrict rejects them with ErrUnknownGeography.
	PolicyStrict Policy = "strict"
)

// UnknownName stands in for an empty name in an incident's location.
const UnknownName = "(unknown)"

// UnknownHandler is told about every name that did not match a known entity,
// whether or not the policy let it be created.
type UnknownHandler func(kind model.Kind, name, parentID string, created bool)

type Edge struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

type entityKey struct {
	kind     model.Kind
	name     string
	parentID string
}

// sourceKey is an upstream id, unique only within its kind.
type sourceKey struct {
	kind model.Kind
	id   string
}

type Registry struct {
	mu        sync.RWMutex
	entities  map[string]*model.GeoEntity
	order     []string
	byKey     map[entityKey]string
	bySource  map[sourceKey]string
	edges     []Edge
	children  map[string][]string
	policy    Policy
	onUnknown UnknownHandler
	logger    *slog.Logger
}

type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) {
		if p == PolicyStrict {
			r.policy = PolicyStrict
		}
	}
}

func WithUnknownHandler(h UnknownHandler) Option {
	return func(r *Registry) { r.onUnknown = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entities: make(map[string]*model.GeoEntity),
		byKey:    make(map[entityKey]string),
		bySource: make(map[sourceKey]string),
		children: make(map[string][]string),
		policy:   PolicyPermissive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Policy() Policy {
	return r.policy
}

type LoadStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Load seeds the registry top-down from the upstream geography feeds. Rows
// whose parent is unknown are skipped. Loading the same rows again updates
// names and coordinates in place. Upstream ids are only unique within a kind;
// a row whose id is already held by another entity is stored as "kind:id".
func (r *Registry) Load(g model.Geography) LoadStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats LoadStats
	levels := [][]model.GeoRecord{g.Regions, g.Provinces, g.Cities, g.Centers}
	for level, rows := range levels {
		kind := model.Levels[level]
		for _, rec := range rows {
			if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Name) == "" {
				stats.Skipped++
				continue
			}
			parentID := ""
			if kind != model.KindRegion {
				id, ok := r.bySource[sourceKey{model.Levels[level-1], rec.ParentID}]
				if !ok {
					stats.Skipped++
					if r.logger != nil {
						r.logger.Debug("geography row skipped, parent unknown", "kind", kind, "id", rec.ID, "parent_id", rec.ParentID)
					}
					continue
				}
				parentID = id
			}
			src := sourceKey{kind, rec.ID}
			existing := r.sourceEntityLocked(src)
			if existing != nil {
				if existing.ParentID != parentID {
					stats.Skipped++
					continue
				}
				delete(r.byKey, entityKey{kind, fold(existing.Name), parentID})
				existing.Name = rec.Name
				if rec.Coordinates != nil {
					existing.Coordinates = *rec.Coordinates
				}
				existing.Info = copyInfo(rec.Info)
				existing.Placeholder = false
				r.byKey[entityKey{kind, fold(rec.Name), parentID}] = existing.ID
				r.bySource[src] = existing.ID
				stats.Updated++
				continue
			}
			id := rec.ID
			if _, taken := r.entities[id]; taken {
				id = string(kind) + ":" + rec.ID
				if _, taken := r.entities[id]; taken {
					stats.Skipped++
					continue
				}
			}
			r.addLocked(&model.GeoEntity{
				ID:          id,
				Kind:        kind,
				Name:        rec.Name,
				ParentID:    parentID,
				Coordinates: r.coordinatesLocked(rec.Coordinates, parentID),
				Info:        copyInfo(rec.Info),
			})
			r.bySource[src] = id
			stats.Added++
		}
	}
	return stats
}

// sourceEntityLocked finds the entity already stored for an upstream id: one
// loaded before, or a placeholder of the same kind that took the bare id.
func (r *Registry) sourceEntityLocked(src sourceKey) *model.GeoEntity {
	if id, ok := r.bySource[src]; ok {
		return r.entities[id]
	}
	if e, ok := r.entities[src.id]; ok && e.Kind == src.kind {
		return e
	}
	return nil
}

// FindOrCreate returns the entity named name under the first parentKind
// entity named parentName, creating the parent (and its ancestors) first when
// it is missing. parentKind is ignored for regions.
//
// Only the parent's name is matched: when two parents share a name in
// different branches, the one created first wins. Use ResolvePath, which
// scopes every level by its parent, when the full location is known.
func (r *Registry) FindOrCreate(kind model.Kind, name string, parentKind model.Kind, parentName string) (model.GeoEntity, error) {
	if kind.Level() < 0 {
		return model.GeoEntity{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.findOrCreateByParentNameLocked(kind, name, parentKind, parentName)
	if err != nil {
		return model.GeoEntity{}, err
	}
	return cloneEntity(e), nil
}

func (r *Registry) findOrCreateByParentNameLocked(kind model.Kind, name string, parentKind model.Kind, parentName string) (*model.GeoEntity, error) {
	if kind == model.KindRegion {
		return r.findOrCreateLocked(kind, name, "")
	}
	expected, _ := kind.Parent()
	if parentKind != expected {
		return nil, fmt.Errorf("%s cannot be a parent of %s", parentKind, kind)
	}
	var parent *model.GeoEntity
	for _, id := range r.order {
		e := r.entities[id]
		if e.Kind == parentKind && fold(e.Name) == fold(normalizeName(parentName)) {
			parent = e
			break
		}
	}
	if parent == nil {
		grandKind, _ := parentKind.Parent()
		var err error
		parent, err = r.findOrCreateByParentNameLocked(parentKind, parentName, grandKind, "")
		if err != nil {
			return nil, err
		}
	}
	return r.findOrCreateLocked(kind, name, parent.ID)
}

// ResolvePath maps the four location names, region first, to entity ids,
// creating missing entities when the policy allows it. Under the strict
// policy nothing is created when an error is returned.
func (r *Registry) ResolvePath(names [4]string) ([4]string, error) {
	var path [4]string
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy == PolicyStrict {
		parentID := ""
		for level, kind := range model.Levels {
			id, ok := r.byKey[entityKey{kind, fold(normalizeName(names[level])), parentID}]
			if !ok {
				r.reportUnknown(kind, normalizeName(names[level]), parentID, false)
				return [4]string{}, fmt.Errorf("%w: %s %q", ErrUnknownGeography, kind, names[level])
			}
			path[level] = id
			parentID = id
		}
		return path, nil
	}
	parentID := ""
	for level, kind := range model.Levels {
		e, err := r.findOrCreateLocked(kind, names[level], parentID)
		if err != nil {
			return [4]string{}, err
		}
		path[level] = e.ID
		parentID = e.ID
	}
	return path, nil
}

func (r *Registry) findOrCreateLocked(kind model.Kind, name, parentID string) (*model.GeoEntity, error) {
	name = normalizeName(name)
	key := entityKey{kind, fold(name), parentID}
	if id, ok := r.byKey[key]; ok {
		return r.entities[id], nil
	}
	if r.policy == PolicyStrict {
		r.reportUnknown(kind, name, parentID, false)
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownGeography, kind, name)
	}
	e := &model.GeoEntity{
		ID:          r.nextIDLocked(kind, parentID),
		Kind:        kind,
		Name:        name,
		ParentID:    parentID,
		Coordinates: r.coordinatesLocked(nil, parentID),
		Placeholder: true,
	}
	r.addLocked(e)
	r.reportUnknown(kind, name, parentID, true)
	return e, nil
}

func (r *Registry) addLocked(e *model.GeoEntity) {
	r.entities[e.ID] = e
	r.order = append(r.order, e.ID)
	r.byKey[entityKey{e.Kind, fold(e.Name), e.ParentID}] = e.ID
	if e.ParentID != "" {
		r.edges = append(r.edges, Edge{ParentID: e.ParentID, ChildID: e.ID})
		r.children[e.ParentID] = append(r.children[e.ParentID], e.ID)
	}
}

var idPrefix = map[model.Kind]string{
	model.KindRegion:   "aref",
	model.KindProvince: "dp",
	model.KindCity:     "ville",
	model.KindCenter:   "lycee",
}

// nextIDLocked derives an id from the parent id and the ordinal among
// siblings, bumping the ordinal past ids already taken.
func (r *Registry) nextIDLocked(kind model.Kind, parentID string) string {
	ordinal := 1
	if parentID == "" {
		for _, id := range r.order {
			if r.entities[id].Kind == kind {
				ordinal++
			}
		}
	} else {
		ordinal = len(r.children[parentID]) + 1
	}
	for {
		var id string
		if parentID == "" {
			id = fmt.Sprintf("%s-%d", idPrefix[kind], ordinal)
		} else {
			id = fmt.Sprintf("%s/%s-%d", parentID, idPrefix[kind], ordinal)
		}
		if _, taken := r.entities[id]; !taken {
			return id
		}
		ordinal++
	}
}

func (r *Registry) coordinatesLocked(c *model.Coordinates, parentID string) model.Coordinates {
	if c != nil {
		return *c
	}
	if parent, ok := r.entities[parentID]; ok {
		return parent.Coordinates
	}
	return model.DefaultCoordinates
}

func (r *Registry) reportUnknown(kind model.Kind, name, parentID string, created bool) {
	if r.logger != nil {
		r.logger.Debug("unknown geography", "kind", kind, "name", name, "parent_id", parentID, "created", created)
	}
	if r.onUnknown != nil {
		r.onUnknown(kind, name, parentID, created)
	}
}

func (r *Registry) Increment(id string, cat model.Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return false
	}
	e.Counts.Inc(cat)
	return true
}

// Decrement floors at zero.
func (r *Registry) Decrement(id string, cat model.Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return false
	}
	e.Counts.Dec(cat)
	return true
}

func (r *Registry) Get(id string) (model.GeoEntity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return model.GeoEntity{}, false
	}
	return cloneEntity(e), true
}

func (r *Registry) Parent(id string) (model.GeoEntity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok || e.ParentID == "" {
		return model.GeoEntity{}, false
	}
	p, ok := r.entities[e.ParentID]
	if !ok {
		return model.GeoEntity{}, false
	}
	return cloneEntity(p), true
}

func (r *Registry) Children(id string) []model.GeoEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.children[id]
	out := make([]model.GeoEntity, 0, len(ids))
	for _, cid := range ids {
		out = append(out, cloneEntity(r.entities[cid]))
	}
	return out
}

// Entities lists entities of kind in creation order; an empty kind lists all.
func (r *Registry) Entities(kind model.Kind) []model.GeoEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.GeoEntity, 0, len(r.order))
	for _, id := range r.order {
		e := r.entities[id]
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, cloneEntity(e))
	}
	return out
}

func (r *Registry) FindByName(kind model.Kind, name string) []model.GeoEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target := fold(name)
	var out []model.GeoEntity
	for _, id := range r.order {
		e := r.entities[id]
		if e.Kind == kind && fold(e.Name) == target {
			out = append(out, cloneEntity(e))
		}
	}
	return out
}

func (r *Registry) Edges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Edge(nil), r.edges...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return UnknownName
	}
	return name
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cloneEntity(e *model.GeoEntity) model.GeoEntity {
	out := *e
	out.Info = copyInfo(e.Info)
	return out
}

func copyInfo(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
