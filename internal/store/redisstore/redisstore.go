// Package redisstore is a feature store adapter backed by redis. Each
// collection lives in one hash keyed by feature id; matched-count results
// are cached per filter digest and invalidated through a per-collection
// version counter.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
)

const countTTL = 30 * time.Second

type Store struct {
	name string
	rdb  *redis.Client

	mu      sync.RWMutex
	schemas map[string]model.FeatureType

	lmu       sync.Mutex
	listeners map[int]store.Listener
	nextLID   int
}

func New(ctx context.Context, name, addr string) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     32,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{
		name:      name,
		rdb:       rdb,
		schemas:   map[string]model.FeatureType{},
		listeners: map[int]store.Listener{},
	}, nil
}

// NewWithClient wires an existing client; used by tests.
func NewWithClient(name string, rdb *redis.Client) *Store {
	return &Store{
		name:      name,
		rdb:       rdb,
		schemas:   map[string]model.FeatureType{},
		listeners: map[int]store.Listener{},
	}
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping probes the backend; feeds the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// RegisterCollection declares a collection schema; feature data lives in
// redis, schemas stay in-process.
func (s *Store) RegisterCollection(schema model.FeatureType) {
	s.mu.Lock()
	s.schemas[schema.Name.String()] = schema
	s.mu.Unlock()
}

func (s *Store) Name() string { return s.name }

func (s *Store) Types() []model.QName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.QName, 0, len(s.schemas))
	for _, t := range s.schemas {
		out = append(out, t.Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{ReportsWriteCount: true}
}

func (s *Store) Schema(_ context.Context, typeName model.QName) (model.FeatureType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.schemas[typeName.String()]; ok {
		return t, nil
	}
	for _, t := range s.schemas {
		if typeName.Namespace == "" && t.Name.Local == typeName.Local {
			return t, nil
		}
	}
	return model.FeatureType{}, fmt.Errorf("unknown collection %s", typeName)
}

func (s *Store) Envelope(ctx context.Context, typeName model.QName) (model.BBox, error) {
	schema, err := s.Schema(ctx, typeName)
	if err != nil {
		return model.BBox{}, err
	}
	feats, err := s.loadAll(ctx, schema)
	if err != nil {
		return model.BBox{}, err
	}
	var out model.BBox
	first := true
	for _, f := range feats {
		g, ok := f.Properties[schema.DefaultGeometry].(model.Geometry)
		if !ok {
			continue
		}
		bb := g.Bounds()
		if first {
			out, first = bb, false
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

func (s *Store) Subset(ctx context.Context, typeName model.QName, q store.Query) (store.FeatureSet, error) {
	schema, err := s.Schema(ctx, typeName)
	if err != nil {
		return store.FeatureSet{}, err
	}
	if q.CountOnly {
		if n, ok := s.cachedCount(ctx, schema, q.Filter); ok {
			return store.FeatureSet{Type: schema.Name, Matched: n}, nil
		}
	}
	feats, err := s.loadAll(ctx, schema)
	if err != nil {
		return store.FeatureSet{}, err
	}
	var matched []model.Feature
	for _, f := range feats {
		ok, err := filter.Matches(q.Filter, f)
		if err != nil {
			return store.FeatureSet{}, err
		}
		if ok {
			matched = append(matched, f)
		}
	}
	s.storeCount(ctx, schema, q.Filter, len(matched))
	out := store.FeatureSet{Type: schema.Name, Matched: len(matched)}
	if q.CountOnly {
		return out, nil
	}
	if len(q.Sort) > 0 {
		sortFeatures(matched, q.Sort)
	}
	lo := min(q.Offset, len(matched))
	hi := len(matched)
	if q.Limit > 0 && lo+q.Limit < hi {
		hi = lo + q.Limit
	}
	for _, f := range matched[lo:hi] {
		out.Features = append(out.Features, project(f, q.Properties, schema))
	}
	return out, nil
}

func (s *Store) Add(ctx context.Context, typeName model.QName, feats []model.Feature) ([]string, error) {
	schema, err := s.Schema(ctx, typeName)
	if err != nil {
		return nil, err
	}
	key := featKey(schema.Name)
	ids := make([]string, 0, len(feats))
	events := make([]store.WriteEvent, 0, len(feats))
	for i, f := range feats {
		if f.ID == "" {
			f.ID = newID(schema.Name, i)
		}
		f.Type = schema.Name
		body, err := encodeFeature(f)
		if err != nil {
			return nil, fmt.Errorf("encode feature %q: %w", f.ID, err)
		}
		if err := s.rdb.HSet(ctx, key, f.ID, body).Err(); err != nil {
			return nil, fmt.Errorf("redis HSET %q: %w", key, err)
		}
		ids = append(ids, f.ID)
		events = append(events, store.WriteEvent{Op: "insert", Type: schema.Name, FeatureID: f.ID, TS: time.Now().UTC()})
	}
	s.bumpVersion(ctx, schema)
	s.emit(events)
	return ids, nil
}

func (s *Store) RemoveMatching(ctx context.Context, typeName model.QName, f filter.Expr) error {
	schema, err := s.Schema(ctx, typeName)
	if err != nil {
		return err
	}
	feats, err := s.loadAll(ctx, schema)
	if err != nil {
		return err
	}
	var fields []string
	var events []store.WriteEvent
	for _, feat := range feats {
		ok, err := filter.Matches(f, feat)
		if err != nil {
			return err
		}
		if ok {
			fields = append(fields, feat.ID)
			events = append(events, store.WriteEvent{Op: "delete", Type: schema.Name, FeatureID: feat.ID, TS: time.Now().UTC()})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, featKey(schema.Name), fields...).Err(); err != nil {
		return fmt.Errorf("redis HDEL %d fields: %w", len(fields), err)
	}
	s.bumpVersion(ctx, schema)
	s.emit(events)
	return nil
}

func (s *Store) UpdateMatching(ctx context.Context, typeName model.QName, f filter.Expr, assignments map[string]any) error {
	schema, err := s.Schema(ctx, typeName)
	if err != nil {
		return err
	}
	feats, err := s.loadAll(ctx, schema)
	if err != nil {
		return err
	}
	key := featKey(schema.Name)
	var events []store.WriteEvent
	for _, feat := range feats {
		ok, err := filter.Matches(f, feat)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		next := feat.Clone()
		for path, val := range assignments {
			setPath(next.Properties, path, val)
		}
		body, err := encodeFeature(next)
		if err != nil {
			return fmt.Errorf("encode feature %q: %w", next.ID, err)
		}
		if err := s.rdb.HSet(ctx, key, next.ID, body).Err(); err != nil {
			return fmt.Errorf("redis HSET %q: %w", key, err)
		}
		events = append(events, store.WriteEvent{Op: "update", Type: schema.Name, FeatureID: feat.ID, TS: time.Now().UTC()})
	}
	s.bumpVersion(ctx, schema)
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

func (s *Store) loadAll(ctx context.Context, schema model.FeatureType) ([]model.Feature, error) {
	raw, err := s.rdb.HGetAll(ctx, featKey(schema.Name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %q: %w", featKey(schema.Name), err)
	}
	out := make([]model.Feature, 0, len(raw))
	for id, body := range raw {
		f, err := decodeFeature([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("decode feature %q: %w", id, err)
		}
		f.ID = id
		f.Type = schema.Name
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) cachedCount(ctx context.Context, schema model.FeatureType, f filter.Expr) (int, bool) {
	v, err := s.rdb.Get(ctx, s.countKey(ctx, schema, f)).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (s *Store) storeCount(ctx context.Context, schema model.FeatureType, f filter.Expr, n int) {
	_ = s.rdb.Set(ctx, s.countKey(ctx, schema, f), strconv.Itoa(n), countTTL).Err()
}

// countKey digests the filter with xxhash and scopes it to the collection
// version, so any write invalidates prior counts.
func (s *Store) countKey(ctx context.Context, schema model.FeatureType, f filter.Expr) string {
	ver, _ := s.rdb.Get(ctx, verKey(schema.Name)).Result()
	if ver == "" {
		ver = "0"
	}
	digest := xxhash.Sum64String(filter.DigestString(f))
	return fmt.Sprintf("wfs:cnt:%s:v%s:f=%016x", layerKey(schema.Name), ver, digest)
}

func (s *Store) bumpVersion(ctx context.Context, schema model.FeatureType) {
	_ = s.rdb.Incr(ctx, verKey(schema.Name)).Err()
}

func featKey(name model.QName) string { return "wfs:feat:" + layerKey(name) }
func verKey(name model.QName) string  { return "wfs:ver:" + layerKey(name) }

func layerKey(name model.QName) string {
	s := name.String()
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('.')
		}
	}
	return b.String()
}

func newID(name model.QName, i int) string {
	return fmt.Sprintf("%s.%d.%d", name.Local, time.Now().UnixNano(), i)
}

// wire form of a feature; geometry property values get a wrapper object so
// they survive the JSON round trip.
type wireFeature struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

type wireGeometry struct {
	Geometry *model.Geometry `json:"@geometry"`
}

func encodeFeature(f model.Feature) ([]byte, error) {
	w := wireFeature{Properties: map[string]json.RawMessage{}}
	for k, v := range f.Properties {
		var (
			body []byte
			err  error
		)
		if g, ok := v.(model.Geometry); ok {
			body, err = json.Marshal(wireGeometry{Geometry: &g})
		} else {
			body, err = json.Marshal(v)
		}
		if err != nil {
			return nil, err
		}
		w.Properties[k] = body
	}
	return json.Marshal(w)
}

func decodeFeature(body []byte) (model.Feature, error) {
	var w wireFeature
	if err := json.Unmarshal(body, &w); err != nil {
		return model.Feature{}, err
	}
	f := model.Feature{Properties: map[string]any{}}
	for k, raw := range w.Properties {
		var wg wireGeometry
		if err := json.Unmarshal(raw, &wg); err == nil && wg.Geometry != nil {
			f.Properties[k] = *wg.Geometry
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.Feature{}, err
		}
		f.Properties[k] = v
	}
	return f, nil
}

func sortFeatures(feats []model.Feature, clauses []model.SortClause) {
	sort.SliceStable(feats, func(i, j int) bool {
		for _, cl := range clauses {
			a, _ := filter.LookupValue(feats[i], cl.Property)
			b, _ := filter.LookupValue(feats[j], cl.Property)
			cmp := strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
			if af, ok := numeric(a); ok {
				if bf, ok := numeric(b); ok {
					switch {
					case af < bf:
						cmp = -1
					case af > bf:
						cmp = 1
					default:
						cmp = 0
					}
				}
			}
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

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

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
