package capabilities

import (
	"context"
	"testing"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/store/memstore"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/layers"
)

const parksNS = "http://example.com/parks"

func testSetup(t *testing.T, transactional bool) (*Builder, *layers.Registry, *memstore.Store) {
	t.Helper()
	st := memstore.New("main")
	schema := model.FeatureType{
		Name: model.QName{Namespace: parksNS, Local: "Park"},
		Properties: []model.Property{
			{Name: "name", Kind: model.KindString},
			{Name: "geom", Kind: model.KindGeometry, CRS: "EPSG:4326"},
		},
		DefaultGeometry: "geom",
	}
	err := st.AddCollection(schema, model.Feature{ID: "p1", Properties: map[string]any{
		"name": "Stadsparken",
		"geom": model.Geometry{Type: "Point", CRS: "EPSG:4326", Coords: [][]float64{{13.19, 55.70}}},
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	reg := layers.NewRegistry([]model.Layer{{
		Name:  model.QName{Namespace: parksNS, Local: "Park"},
		Store: "main",
		Kind:  "feature",
		Title: "Parks",
		CRS:   []string{"EPSG:4326"},
	}}, map[string]store.Adapter{"main": st})

	b := NewBuilder(reg, crs.NewRegistry(), ServiceMetadata{
		Title:    "Test WFS",
		Provider: ServiceProvider{Name: "testing"},
	}, []string{"1.1.0", "2.0.0"}, transactional, []string{"EPSG:3857"}, 4, nil)
	return b, reg, st
}

func TestGet_FullDocument(t *testing.T) {
	b, reg, _ := testSetup(t, true)
	doc := b.Get(context.Background(), "2.0.0")

	if doc.Version != "2.0.0" {
		t.Fatalf("version=%q", doc.Version)
	}
	if doc.UpdateSequence != reg.UpdateSequence() {
		t.Fatalf("updateSequence=%q want %q", doc.UpdateSequence, reg.UpdateSequence())
	}
	if doc.ServiceIdentification == nil || doc.ServiceIdentification.Title != "Test WFS" {
		t.Fatalf("serviceIdentification=%+v", doc.ServiceIdentification)
	}
	if len(doc.FeatureTypeList) != 1 {
		t.Fatalf("featureTypeList=%+v", doc.FeatureTypeList)
	}
	entry := doc.FeatureTypeList[0]
	if entry.DefaultCRS != "EPSG:4326" {
		t.Fatalf("defaultCRS=%q", entry.DefaultCRS)
	}
	if len(entry.OtherCRS) != 1 || entry.OtherCRS[0] != "EPSG:3857" {
		t.Fatalf("otherCRS=%v", entry.OtherCRS)
	}
	if entry.BBox == nil {
		t.Fatalf("expected a data envelope")
	}
}

func TestGet_TransactionAdvertisedOnlyWhenEnabled(t *testing.T) {
	hasTransaction := func(doc *Document) bool {
		for _, op := range doc.OperationsMetadata.Operations {
			if op.Name == "Transaction" {
				return true
			}
		}
		return false
	}

	b, _, _ := testSetup(t, true)
	if !hasTransaction(b.Get(context.Background(), "2.0.0")) {
		t.Fatalf("transactional instance must advertise Transaction")
	}
	b, _, _ = testSetup(t, false)
	if hasTransaction(b.Get(context.Background(), "2.0.0")) {
		t.Fatalf("read-only instance must not advertise Transaction")
	}
}

func TestGet_CacheInvalidatedByWrites(t *testing.T) {
	b, _, st := testSetup(t, true)
	ctx := context.Background()

	first := b.Get(ctx, "2.0.0")
	if again := b.Get(ctx, "2.0.0"); again != first {
		t.Fatalf("unchanged layer set must serve the cached document")
	}

	_, err := st.Add(ctx, model.QName{Namespace: parksNS, Local: "Park"}, []model.Feature{
		{Properties: map[string]any{
			"name": "Slottsparken",
			"geom": model.Geometry{Type: "Point", CRS: "EPSG:4326", Coords: [][]float64{{13.0, 55.6}}},
		}},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	rebuilt := b.Get(ctx, "2.0.0")
	if rebuilt == first {
		t.Fatalf("write must invalidate the cached document")
	}
	if rebuilt.UpdateSequence == first.UpdateSequence {
		t.Fatalf("update sequence did not move")
	}
}

func TestFilterSections(t *testing.T) {
	b, _, _ := testSetup(t, true)
	doc := b.Get(context.Background(), "2.0.0")

	out := FilterSections(doc, []string{"serviceProvider"})
	if out.ServiceProvider == nil || out.ServiceIdentification != nil || out.FeatureTypeList != nil {
		t.Fatalf("projection wrong: %+v", out)
	}
	// names are case-insensitive, unknown names are ignored
	out = FilterSections(doc, []string{"FEATURETYPELIST", "NoSuchSection"})
	if out.FeatureTypeList == nil || out.ServiceProvider != nil {
		t.Fatalf("projection wrong: %+v", out)
	}
	// empty request keeps the full document
	if FilterSections(doc, nil) != doc {
		t.Fatalf("empty projection must be the identity")
	}
	// the source document is never mutated
	if doc.ServiceIdentification == nil {
		t.Fatalf("projection mutated the cached document")
	}
}

func TestNotModified(t *testing.T) {
	doc := NotModified("2.0.0", "7")
	if doc.Version != "2.0.0" || doc.UpdateSequence != "7" {
		t.Fatalf("doc=%+v", doc)
	}
	if doc.ServiceIdentification != nil || doc.FeatureTypeList != nil {
		t.Fatalf("not-modified document must carry no sections")
	}
}
