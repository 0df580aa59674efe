// Package memstore is an in-memory feature store with an H3 cell index
// accelerating bounding-box predicates.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
)

type Option func(*Store)

// WithDirectCounts controls whether Add returns assigned identifiers
// directly. Disabled, the store only reports mutations through listeners,
// exercising the observer counting path.
func WithDirectCounts(on bool) Option {
	return func(s *Store) { s.directCounts = on }
}

func WithH3Resolution(res int) Option {
	return func(s *Store) {
		if res >= 0 && res <= 15 {
			s.res = res
		}
	}
}

type collection struct {
	schema model.FeatureType
	feats  []model.Feature
	byID   map[string]int
	// cells maps an H3 cell to the feature ids whose geometry bbox covers it
	cells map[string]map[string]struct{}
}

type Store struct {
	name         string
	res          int
	directCounts bool

	mu          sync.RWMutex
	collections map[string]*collection

	lmu       sync.Mutex
	listeners map[int]store.Listener
	nextLID   int
}

func New(name string, opts ...Option) *Store {
	s := &Store{
		name:         name,
		res:          8,
		directCounts: true,
		collections:  map[string]*collection{},
		listeners:    map[int]store.Listener{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddCollection registers a typed collection and seeds it.
func (s *Store) AddCollection(schema model.FeatureType, feats ...model.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := schema.Name.String()
	if _, dup := s.collections[key]; dup {
		return fmt.Errorf("collection %s already registered", key)
	}
	c := &collection{
		schema: schema,
		byID:   map[string]int{},
		cells:  map[string]map[string]struct{}{},
	}
	s.collections[key] = c
	for _, f := range feats {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.Type = schema.Name
		c.byID[f.ID] = len(c.feats)
		c.feats = append(c.feats, f)
		s.index(c, f)
	}
	return nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Types() []model.QName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.QName, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c.schema.Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{ReportsWriteCount: s.directCounts}
}

func (s *Store) Schema(_ context.Context, typeName model.QName) (model.FeatureType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(typeName)
	if err != nil {
		return model.FeatureType{}, err
	}
	return c.schema, nil
}

func (s *Store) Envelope(_ context.Context, typeName model.QName) (model.BBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(typeName)
	if err != nil {
		return model.BBox{}, err
	}
	var out model.BBox
	first := true
	for _, f := range c.feats {
		g, ok := geometryOf(f, c.schema)
		if !ok {
			continue
		}
		bb := g.Bounds()
		if first {
			out = bb
			first = false
			continue
		}
		out.MinX = min(out.MinX, bb.MinX)
		out.MinY = min(out.MinY, bb.MinY)
		out.MaxX = max(out.MaxX, bb.MaxX)
		out.MaxY = max(out.MaxY, bb.MaxY)
	}
	if first {
		return model.BBox{}, fmt.Errorf("collection %s has no georeferenced features", typeName)
	}
	return out, nil
}

func (s *Store) Subset(_ context.Context, typeName model.QName, q store.Query) (store.FeatureSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(typeName)
	if err != nil {
		return store.FeatureSet{}, err
	}
	matched, err := s.matching(c, q.Filter)
	if err != nil {
		return store.FeatureSet{}, err
	}
	out := store.FeatureSet{Type: typeName, Matched: len(matched)}
	if q.CountOnly {
		return out, nil
	}
	if len(q.Sort) > 0 {
		sortFeatures(matched, q.Sort)
	}
	lo := q.Offset
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := len(matched)
	if q.Limit > 0 && lo+q.Limit < hi {
		hi = lo + q.Limit
	}
	for _, f := range matched[lo:hi] {
		out.Features = append(out.Features, project(f, q.Properties, c.schema))
	}
	return out, nil
}

func (s *Store) Add(_ context.Context, typeName model.QName, feats []model.Feature) ([]string, error) {
	s.mu.Lock()
	c, err := s.collection(typeName)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ids := make([]string, 0, len(feats))
	events := make([]store.WriteEvent, 0, len(feats))
	for _, f := range feats {
		f = f.Clone()
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.Type = c.schema.Name
		c.byID[f.ID] = len(c.feats)
		c.feats = append(c.feats, f)
		s.index(c, f)
		ids = append(ids, f.ID)
		events = append(events, store.WriteEvent{Op: "insert", Type: typeName, FeatureID: f.ID, TS: time.Now().UTC()})
	}
	s.mu.Unlock()
	s.emit(events)
	if !s.directCounts {
		return nil, nil
	}
	return ids, nil
}

func (s *Store) RemoveMatching(_ context.Context, typeName model.QName, f filter.Expr) error {
	s.mu.Lock()
	c, err := s.collection(typeName)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var kept []model.Feature
	var events []store.WriteEvent
	for _, feat := range c.feats {
		ok, err := filter.Matches(f, feat)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if ok {
			s.unindex(c, feat)
			events = append(events, store.WriteEvent{Op: "delete", Type: typeName, FeatureID: feat.ID, TS: time.Now().UTC()})
			continue
		}
		kept = append(kept, feat)
	}
	c.feats = kept
	c.byID = make(map[string]int, len(kept))
	for i, feat := range kept {
		c.byID[feat.ID] = i
	}
	s.mu.Unlock()
	s.emit(events)
	return nil
}

func (s *Store) UpdateMatching(_ context.Context, typeName model.QName, f filter.Expr, assignments map[string]any) error {
	s.mu.Lock()
	c, err := s.collection(typeName)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var events []store.WriteEvent
	for i, feat := range c.feats {
		ok, err := filter.Matches(f, feat)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if !ok {
			continue
		}
		s.unindex(c, feat)
		next := feat.Clone()
		for path, val := range assignments {
			setPath(next.Properties, path, val)
		}
		c.feats[i] = next
		s.index(c, next)
		events = append(events, store.WriteEvent{Op: "update", Type: typeName, FeatureID: feat.ID, TS: time.Now().UTC()})
	}
	s.mu.Unlock()
	s.emit(events)
	return nil
}

func (s *Store) Subscribe(l store.Listener) func() {
	s.lmu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) emit(events []store.WriteEvent) {
	if len(events) == 0 {
		return
	}
	s.lmu.Lock()
	ls := make([]store.Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()
	for _, ev := range events {
		for _, l := range ls {
			l(ev)
		}
	}
}

// collection must be called with s.mu held.
func (s *Store) collection(typeName model.QName) (*collection, error) {
	if c, ok := s.collections[typeName.String()]; ok {
		return c, nil
	}
	// tolerate lookups by bare local name
	for _, c := range s.collections {
		if c.schema.Name.Local == typeName.Local && typeName.Namespace == "" {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown collection %s", typeName)
}

// matching evaluates the filter, using the H3 index when the predicate
// carries a bounding literal.
func (s *Store) matching(c *collection, f filter.Expr) ([]model.Feature, error) {
	candidates := c.feats
	if bb, ok := boundingLiteral(f); ok {
		if ids, ok := s.candidateIDs(c, bb); ok {
			candidates = make([]model.Feature, 0, len(ids))
			for id := range ids {
				if i, found := c.byID[id]; found {
					candidates = append(candidates, c.feats[i])
				}
			}
			sort.Slice(candidates, func(i, j int) bool { return c.byID[candidates[i].ID] < c.byID[candidates[j].ID] })
		}
	}
	var out []model.Feature
	for _, feat := range candidates {
		ok, err := filter.Matches(f, feat)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, feat)
		}
	}
	return out, nil
}

func (s *Store) candidateIDs(c *collection, bb model.BBox) (map[string]struct{}, bool) {
	cells, err := coveringCells(bb, s.res)
	if err != nil || len(cells) == 0 {
		return nil, false
	}
	out := map[string]struct{}{}
	for _, cell := range cells {
		for id := range c.cells[cell] {
			out[id] = struct{}{}
		}
	}
	return out, true
}

// index must be called with s.mu held.
func (s *Store) index(c *collection, f model.Feature) {
	g, ok := geometryOf(f, c.schema)
	if !ok {
		return
	}
	cells, err := coveringCells(g.Bounds(), s.res)
	if err != nil {
		return
	}
	for _, cell := range cells {
		set := c.cells[cell]
		if set == nil {
			set = map[string]struct{}{}
			c.cells[cell] = set
		}
		set[f.ID] = struct{}{}
	}
}

func (s *Store) unindex(c *collection, f model.Feature) {
	for _, set := range c.cells {
		delete(set, f.ID)
	}
}

// coveringCells returns the H3 cells overlapping the bbox at res, padded
// by one ring so features larger than a cell are still reachable.
func coveringCells(bb model.BBox, res int) ([]string, error) {
	loop := h3.GeoLoop{
		{Lat: bb.MinY, Lng: bb.MinX},
		{Lat: bb.MinY, Lng: bb.MaxX},
		{Lat: bb.MaxY, Lng: bb.MaxX},
		{Lat: bb.MaxY, Lng: bb.MinX},
	}
	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}
	if len(cells) == 0 {
		center, err := h3.LatLngToCell(h3.LatLng{
			Lat: (bb.MinY + bb.MaxY) / 2,
			Lng: (bb.MinX + bb.MaxX) / 2,
		}, res)
		if err != nil {
			return nil, fmt.Errorf("h3 cell: %w", err)
		}
		cells = []h3.Cell{center}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, cell := range cells {
		ring, err := cell.GridDisk(1)
		if err != nil {
			ring = []h3.Cell{cell}
		}
		for _, c := range ring {
			s := c.String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func geometryOf(f model.Feature, schema model.FeatureType) (model.Geometry, bool) {
	name := schema.DefaultGeometry
	if name == "" {
		return model.Geometry{}, false
	}
	v, ok := f.Properties[name]
	if !ok {
		return model.Geometry{}, false
	}
	g, ok := v.(model.Geometry)
	return g, ok
}

// boundingLiteral extracts the first spatial literal bounds from the
// predicate, if any.
func boundingLiteral(f filter.Expr) (model.BBox, bool) {
	var bb model.BBox
	var found bool
	filter.Walk(f, func(e filter.Expr) bool {
		if found {
			return false
		}
		if sp, ok := e.(filter.Spatial); ok && sp.Value != nil {
			bb = sp.Value.Bounds()
			found = true
			return false
		}
		// a bounding literal under Or/Not does not constrain candidates
		if lg, ok := e.(filter.Logical); ok && lg.Op != filter.And {
			return false
		}
		return true
	})
	return bb, found
}

func sortFeatures(feats []model.Feature, clauses []model.SortClause) {
	sort.SliceStable(feats, func(i, j int) bool {
		for _, cl := range clauses {
			a, _ := filter.LookupValue(feats[i], cl.Property)
			b, _ := filter.LookupValue(feats[j], cl.Property)
			cmp := compareAny(a, b)
			if cmp == 0 {
				continue
			}
			if cl.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareAny(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}

// project restricts a feature to the requested properties; mandatory and
// geometry-default properties are always retained. Empty projection keeps
// everything.
func project(f model.Feature, props []string, schema model.FeatureType) model.Feature {
	if len(props) == 0 {
		return f
	}
	keep := map[string]struct{}{}
	for _, p := range props {
		keep[p] = struct{}{}
	}
	for _, p := range schema.Properties {
		if p.Mandatory {
			keep[p.Name] = struct{}{}
		}
	}
	out := model.Feature{ID: f.ID, Type: f.Type, Properties: map[string]any{}}
	for k, v := range f.Properties {
		if _, ok := keep[k]; ok {
			out.Properties[k] = v
		}
	}
	return out
}

func setPath(props map[string]any, path string, val any) {
	segs := strings.Split(path, "/")
	cur := props
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = val
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}
