package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
)

var lakeName = model.QName{Namespace: "http://example.com/water", Local: "Lake"}

func lakeSchema() model.FeatureType {
	return model.FeatureType{
		Name: lakeName,
		Properties: []model.Property{
			{Name: "name", Kind: model.KindString, Mandatory: true},
			{Name: "depth", Kind: model.KindFloat},
			{Name: "geom", Kind: model.KindGeometry, CRS: "EPSG:4326"},
		},
		DefaultGeometry: "geom",
	}
}

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewWithClient("redis-test", rdb)
	s.RegisterCollection(lakeSchema())
	return s, mr
}

func lake(id, name string, depth float64) model.Feature {
	return model.Feature{ID: id, Properties: map[string]any{
		"name":  name,
		"depth": depth,
		"geom":  model.Geometry{Type: "Point", CRS: "EPSG:4326", Coords: [][]float64{{14.5, 58.0}}},
	}}
}

func TestAddAndSubset_RoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	ids, err := s.Add(ctx, lakeName, []model.Feature{
		lake("l1", "Vättern", 128),
		lake("l2", "Vänern", 106),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids=%v", ids)
	}

	fs, err := s.Subset(ctx, lakeName, store.Query{})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Matched != 2 || len(fs.Features) != 2 {
		t.Fatalf("matched=%d returned=%d", fs.Matched, len(fs.Features))
	}
	// order is by id
	if fs.Features[0].ID != "l1" || fs.Features[1].ID != "l2" {
		t.Fatalf("order: %s %s", fs.Features[0].ID, fs.Features[1].ID)
	}
	// geometry survives the wire round trip as a native value
	g, ok := fs.Features[0].Properties["geom"].(model.Geometry)
	if !ok || g.Type != "Point" || g.CRS != "EPSG:4326" {
		t.Fatalf("geom=%v (%T)", fs.Features[0].Properties["geom"], fs.Features[0].Properties["geom"])
	}
}

func TestAdd_AssignsIDs(t *testing.T) {
	s, _ := testStore(t)
	ids, err := s.Add(context.Background(), lakeName, []model.Feature{
		{Properties: map[string]any{"name": "Mälaren"}},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("ids=%v want one assigned id", ids)
	}
}

func TestCountCache_ServesStaleUntilInvalidated(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, lakeName, []model.Feature{lake("l1", "Vättern", 128)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	q := store.Query{CountOnly: true}
	fs, err := s.Subset(ctx, lakeName, q)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if fs.Matched != 1 {
		t.Fatalf("matched=%d want 1", fs.Matched)
	}

	// remove the row behind the store's back: no version bump, so the
	// cached count is still served
	side := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = side.Close() }()
	if err := side.HDel(ctx, featKey(lakeName), "l1").Err(); err != nil {
		t.Fatalf("hdel: %v", err)
	}
	fs, err = s.Subset(ctx, lakeName, q)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if fs.Matched != 1 {
		t.Fatalf("matched=%d want stale 1", fs.Matched)
	}

	// once the cache entry expires the count is recomputed
	mr.FastForward(countTTL + time.Second)
	fs, err = s.Subset(ctx, lakeName, q)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if fs.Matched != 0 {
		t.Fatalf("matched=%d want 0 after expiry", fs.Matched)
	}
}

func TestCountCache_WriteInvalidates(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, lakeName, []model.Feature{lake("l1", "Vättern", 128)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	q := store.Query{CountOnly: true}
	if fs, _ := s.Subset(ctx, lakeName, q); fs.Matched != 1 {
		t.Fatalf("matched=%d want 1", fs.Matched)
	}
	// a write through the store bumps the collection version; the next
	// count must not reuse the old cache entry
	if _, err := s.Add(ctx, lakeName, []model.Feature{lake("l2", "Vänern", 106)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if fs, _ := s.Subset(ctx, lakeName, q); fs.Matched != 2 {
		t.Fatalf("matched=%d want 2 after write", fs.Matched)
	}
}

func TestRemoveAndUpdateMatching(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, lakeName, []model.Feature{
		lake("l1", "Vättern", 128),
		lake("l2", "Vänern", 106),
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	deep := filter.Comparison{Op: filter.Greater, Property: filter.PropertyRef{Path: "depth"}, Value: &filter.Literal{Value: 120}}
	if err := s.RemoveMatching(ctx, lakeName, deep); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fs, err := s.Subset(ctx, lakeName, store.Query{})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Matched != 1 || fs.Features[0].ID != "l2" {
		t.Fatalf("after remove: %+v", fs.Features)
	}

	err = s.UpdateMatching(ctx, lakeName, filter.ResourceID{ID: "l2"}, map[string]any{"depth": 111.0})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	fs, err = s.Subset(ctx, lakeName, store.Query{Filter: filter.ResourceID{ID: "l2"}})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if got := fs.Features[0].Properties["depth"]; got != 111.0 {
		t.Fatalf("depth=%v", got)
	}
}

func TestSubscribe_EmitsWriteEvents(t *testing.T) {
	s, _ := testStore(t)
	var ops []string
	cancel := s.Subscribe(func(ev store.WriteEvent) { ops = append(ops, ev.Op) })
	defer cancel()

	ctx := context.Background()
	if _, err := s.Add(ctx, lakeName, []model.Feature{lake("l1", "Vättern", 128)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.RemoveMatching(ctx, lakeName, filter.ResourceID{ID: "l1"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(ops) != 2 || ops[0] != "insert" || ops[1] != "delete" {
		t.Fatalf("ops=%v", ops)
	}
}
