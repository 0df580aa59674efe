package storedquery

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/planner"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	r, err := New(context.Background(), sink, "queries")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return r
}

func laneQuery() Description {
	return Description{
		ID:    "urn:example:wide-roads",
		Title: "Wide roads",
		Parameters: []Parameter{
			{Name: "minLanes", Type: "int", Default: "4"},
		},
		Expressions: []Expression{{
			Language: LanguageWFSQueryExpression,
			Query: planner.Query{
				TypeNames: []model.QName{{Local: "Road"}},
				Filter: filter.Comparison{
					Op:       filter.GreaterEqual,
					Property: filter.PropertyRef{Path: "lanes"},
					Value:    &filter.Literal{Value: "${minLanes}"},
				},
			},
		}},
	}
}

func TestNew_SeedsReservedQueries(t *testing.T) {
	r := newRegistry(t)
	ids := map[string]bool{}
	for _, d := range r.List() {
		ids[d.ID] = true
	}
	if !ids[GetFeatureByIDQuery] || !ids[GetFeatureByTypeQuery] {
		t.Fatalf("reserved queries missing: %v", ids)
	}
}

func TestCreate_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	ctx := context.Background()

	r, err := New(ctx, sink, "queries")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.Create(ctx, laneQuery()); err != nil {
		t.Fatalf("create: %v", err)
	}

	// a fresh registry over the same sink sees the created query
	again, err := New(ctx, sink, "queries")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	descs, err := again.Describe([]string{"urn:example:wide-roads"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if descs[0].Title != "Wide roads" || len(descs[0].Expressions) != 1 {
		t.Fatalf("reloaded description: %+v", descs[0])
	}
	if descs[0].Expressions[0].Query.Filter == nil {
		t.Fatalf("filter lost in persistence round trip")
	}
}

func TestCreate_Rejections(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.Create(ctx, laneQuery()); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := r.Create(ctx, laneQuery())
	var oe *ows.Error
	if !errors.As(err, &oe) || oe.Code != ows.DuplicateStoredQueryID || oe.Locator != "id" {
		t.Fatalf("duplicate: got %v", err)
	}

	bad := laneQuery()
	bad.ID = "urn:example:other"
	bad.Expressions = nil
	if err := r.Create(ctx, bad); !errors.As(err, &oe) || oe.Locator != "language" {
		t.Fatalf("empty expressions: got %v", err)
	}

	bad = laneQuery()
	bad.ID = "urn:example:other"
	bad.Expressions[0].Language = "urn:example:sql"
	if err := r.Create(ctx, bad); !errors.As(err, &oe) || oe.Locator != "language" {
		t.Fatalf("bad language: got %v", err)
	}
}

func TestDrop(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.Create(ctx, laneQuery()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Drop(ctx, "urn:example:wide-roads"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	err := r.Drop(ctx, "urn:example:wide-roads")
	var oe *ows.Error
	if !errors.As(err, &oe) || oe.Code != ows.InvalidParameterValue || oe.Locator != "id" {
		t.Fatalf("drop unknown: got %v", err)
	}
}

func TestDescribe_UnknownIDFailsWholeCall(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Describe([]string{GetFeatureByIDQuery, "urn:nope"})
	var oe *ows.Error
	if !errors.As(err, &oe) || oe.Locator != "id" {
		t.Fatalf("got %v", err)
	}
}

func TestInstantiate_FilterSubstitution(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	if err := r.Create(ctx, laneQuery()); err != nil {
		t.Fatalf("create: %v", err)
	}

	q, err := r.Instantiate("urn:example:wide-roads", map[string]string{"minLanes": "6"})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	cmp := q.Filter.(filter.Comparison)
	if cmp.Value.Value != 6.0 {
		t.Fatalf("literal=%v (%T) want 6", cmp.Value.Value, cmp.Value.Value)
	}

	// declared default applies when the parameter is absent
	q, err = r.Instantiate("urn:example:wide-roads", nil)
	if err != nil {
		t.Fatalf("instantiate with defaults: %v", err)
	}
	cmp = q.Filter.(filter.Comparison)
	if cmp.Value.Value != 4.0 {
		t.Fatalf("default literal=%v want 4", cmp.Value.Value)
	}
}

func TestInstantiate_ReservedQueries(t *testing.T) {
	r := newRegistry(t)

	q, err := r.Instantiate(GetFeatureByIDQuery, map[string]string{"id": "r42"})
	if err != nil {
		t.Fatalf("instantiate by id: %v", err)
	}
	rid, ok := q.Filter.(filter.ResourceID)
	if !ok || rid.ID != "r42" {
		t.Fatalf("filter=%+v", q.Filter)
	}

	q, err = r.Instantiate(GetFeatureByTypeQuery, map[string]string{"typeName": "{http://example.com/roads}Road"})
	if err != nil {
		t.Fatalf("instantiate by type: %v", err)
	}
	if len(q.TypeNames) != 1 || q.TypeNames[0].Local != "Road" || q.TypeNames[0].Namespace != "http://example.com/roads" {
		t.Fatalf("typeNames=%+v", q.TypeNames)
	}

	if _, err := r.Instantiate("urn:nope", nil); err == nil {
		t.Fatalf("unknown id must fail")
	}
}

func TestInstantiate_TemplateNotMutated(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Instantiate(GetFeatureByIDQuery, map[string]string{"id": "a"}); err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	q, err := r.Instantiate(GetFeatureByIDQuery, map[string]string{"id": "b"})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if q.Filter.(filter.ResourceID).ID != "b" {
		t.Fatalf("template polluted by earlier instantiation")
	}
}
