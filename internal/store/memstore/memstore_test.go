package memstore

import (
	"context"
	"testing"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
)

var roadName = model.QName{Namespace: "http://example.com/roads", Local: "Road"}

func roadSchema() model.FeatureType {
	return model.FeatureType{
		Name: roadName,
		Properties: []model.Property{
			{Name: "name", Kind: model.KindString, Mandatory: true},
			{Name: "lanes", Kind: model.KindInt},
			{Name: "geom", Kind: model.KindGeometry, CRS: "EPSG:4326"},
		},
		DefaultGeometry: "geom",
	}
}

func point(x, y float64) model.Geometry {
	return model.Geometry{Type: "Point", CRS: "EPSG:4326", Coords: [][]float64{{x, y}}}
}

func seeded(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New("test", opts...)
	err := s.AddCollection(roadSchema(),
		model.Feature{ID: "r1", Properties: map[string]any{"name": "E22", "lanes": 4, "geom": point(13.2, 55.7)}},
		model.Feature{ID: "r2", Properties: map[string]any{"name": "E4", "lanes": 6, "geom": point(18.0, 59.3)}},
		model.Feature{ID: "r3", Properties: map[string]any{"name": "Byvägen", "lanes": 2, "geom": point(13.3, 55.8)}},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestSubset_FilterAndCounts(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	f := filter.Comparison{Op: filter.Greater, Property: filter.PropertyRef{Path: "lanes"}, Value: &filter.Literal{Value: 3}}
	fs, err := s.Subset(ctx, roadName, store.Query{Filter: f})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Matched != 2 || len(fs.Features) != 2 {
		t.Fatalf("matched=%d returned=%d want 2/2", fs.Matched, len(fs.Features))
	}

	// count only materializes nothing
	fs, err = s.Subset(ctx, roadName, store.Query{Filter: f, CountOnly: true})
	if err != nil {
		t.Fatalf("count subset: %v", err)
	}
	if fs.Matched != 2 || fs.Features != nil {
		t.Fatalf("count-only: matched=%d features=%v", fs.Matched, fs.Features)
	}
}

func TestSubset_MatchedIgnoresPagination(t *testing.T) {
	s := seeded(t)
	fs, err := s.Subset(context.Background(), roadName, store.Query{
		Sort:   []model.SortClause{{Property: "lanes"}},
		Offset: 1,
		Limit:  1,
	})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Matched != 3 {
		t.Fatalf("matched=%d want 3 regardless of the page", fs.Matched)
	}
	if len(fs.Features) != 1 || fs.Features[0].ID != "r1" {
		t.Fatalf("page content wrong: %+v", fs.Features)
	}
}

func TestSubset_SortDescending(t *testing.T) {
	s := seeded(t)
	fs, err := s.Subset(context.Background(), roadName, store.Query{
		Sort: []model.SortClause{{Property: "lanes", Desc: true}},
	})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Features[0].ID != "r2" || fs.Features[2].ID != "r3" {
		t.Fatalf("sort order wrong: %v %v %v", fs.Features[0].ID, fs.Features[1].ID, fs.Features[2].ID)
	}
}

func TestSubset_ProjectionKeepsMandatory(t *testing.T) {
	s := seeded(t)
	fs, err := s.Subset(context.Background(), roadName, store.Query{Properties: []string{"lanes"}})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	f := fs.Features[0]
	if _, ok := f.Properties["lanes"]; !ok {
		t.Fatalf("requested property dropped")
	}
	if _, ok := f.Properties["name"]; !ok {
		t.Fatalf("mandatory property dropped")
	}
	if _, ok := f.Properties["geom"]; ok {
		t.Fatalf("unrequested optional property kept")
	}
}

func TestSubset_SpatialFilterUsesIndex(t *testing.T) {
	s := seeded(t)
	// box around Lund, should hit r1 and r3 only
	f := filter.Spatial{Op: filter.BBOX, Property: filter.PropertyRef{Path: "geom"}, Value: &filter.GeometryLiteral{
		BBox: &model.BBox{MinX: 13.0, MinY: 55.5, MaxX: 13.5, MaxY: 56.0, CRS: "EPSG:4326"},
	}}
	fs, err := s.Subset(context.Background(), roadName, store.Query{Filter: f})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Matched != 2 {
		t.Fatalf("matched=%d want 2", fs.Matched)
	}
	for _, feat := range fs.Features {
		if feat.ID == "r2" {
			t.Fatalf("stockholm feature leaked into the lund box")
		}
	}
}

func TestAdd_DirectIDsAndListener(t *testing.T) {
	s := seeded(t)
	var seen []store.WriteEvent
	cancel := s.Subscribe(func(ev store.WriteEvent) { seen = append(seen, ev) })
	defer cancel()

	ids, err := s.Add(context.Background(), roadName, []model.Feature{
		{Properties: map[string]any{"name": "Nygatan", "lanes": 1, "geom": point(13.1, 55.6)}},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("ids=%v want one assigned id", ids)
	}
	if len(seen) != 1 || seen[0].Op != "insert" || seen[0].FeatureID != ids[0] {
		t.Fatalf("events=%+v", seen)
	}
}

func TestAdd_NoDirectCounts(t *testing.T) {
	s := seeded(t, WithDirectCounts(false))
	if s.Capabilities().ReportsWriteCount {
		t.Fatalf("store must not report write counts")
	}
	ids, err := s.Add(context.Background(), roadName, []model.Feature{
		{Properties: map[string]any{"name": "Smalgatan"}},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if ids != nil {
		t.Fatalf("ids=%v want nil without direct counts", ids)
	}
}

func TestRemoveMatching(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	f := filter.Comparison{Op: filter.Equal, Property: filter.PropertyRef{Path: "name"}, Value: &filter.Literal{Value: "E4"}}

	if err := s.RemoveMatching(ctx, roadName, f); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fs, err := s.Subset(ctx, roadName, store.Query{CountOnly: true})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if fs.Matched != 2 {
		t.Fatalf("matched=%d want 2 after delete", fs.Matched)
	}
	// deleted feature leaves the spatial index too
	sp := filter.Spatial{Op: filter.BBOX, Property: filter.PropertyRef{Path: "geom"}, Value: &filter.GeometryLiteral{
		BBox: &model.BBox{MinX: 17.5, MinY: 59.0, MaxX: 18.5, MaxY: 59.5},
	}}
	fs, err = s.Subset(ctx, roadName, store.Query{Filter: sp, CountOnly: true})
	if err != nil {
		t.Fatalf("spatial subset: %v", err)
	}
	if fs.Matched != 0 {
		t.Fatalf("matched=%d want 0 after delete", fs.Matched)
	}
}

func TestUpdateMatching_NestedPath(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	f := filter.ResourceID{ID: "r1"}

	err := s.UpdateMatching(ctx, roadName, f, map[string]any{
		"lanes":      8,
		"owner/name": "Trafikverket",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	fs, err := s.Subset(ctx, roadName, store.Query{Filter: f})
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	got := fs.Features[0]
	if got.Properties["lanes"] != 8 {
		t.Fatalf("lanes=%v", got.Properties["lanes"])
	}
	owner, ok := got.Properties["owner"].(map[string]any)
	if !ok || owner["name"] != "Trafikverket" {
		t.Fatalf("owner=%v", got.Properties["owner"])
	}
}

func TestUnknownCollection(t *testing.T) {
	s := New("empty")
	if _, err := s.Subset(context.Background(), roadName, store.Query{}); err == nil {
		t.Fatalf("expected unknown collection error")
	}
}

func TestLookupByBareLocalName(t *testing.T) {
	s := seeded(t)
	fs, err := s.Subset(context.Background(), model.QName{Local: "Road"}, store.Query{CountOnly: true})
	if err != nil {
		t.Fatalf("bare local lookup: %v", err)
	}
	if fs.Matched != 3 {
		t.Fatalf("matched=%d want 3", fs.Matched)
	}
}
