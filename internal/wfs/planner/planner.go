// Package planner resolves requested type names against the exposed layer
// set, compiles per-type sub-queries through the filter pipeline and
// executes them against the backing stores.
package planner

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/layers"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
)

// Query is one client sub-query, built per request and consumed once.
type Query struct {
	TypeNames  []model.QName
	Aliases    []string
	Filter     filter.Expr
	Projection []string
	Sort       []model.SortClause
	// CRS overrides the layer's exposed CRS for returned geometries.
	CRS    string
	Offset int
	Limit  int
	// OutputName advertises an overridden collection identity.
	OutputName *model.QName
}

// Clone copies the query; the filter tree is immutable and shared.
func (q Query) Clone() Query {
	cp := q
	cp.TypeNames = append([]model.QName(nil), q.TypeNames...)
	cp.Aliases = append([]string(nil), q.Aliases...)
	cp.Projection = append([]string(nil), q.Projection...)
	cp.Sort = append([]model.SortClause(nil), q.Sort...)
	if q.OutputName != nil {
		on := *q.OutputName
		cp.OutputName = &on
	}
	return cp
}

// TypeResult is the outcome of one resolved sub-query.
type TypeResult struct {
	Type       model.QName
	OutputName model.QName
	CRS        string
	Features   []model.Feature
	Matched    int
}

// Result accumulates sub-query outcomes in resolution order.
type Result struct {
	Results []TypeResult
	Matched int
	// SchemaLocations lists the namespaces encountered, deduplicated.
	SchemaLocations []string
}

// Binding pairs a resolved layer with the alias the client declared for
// it, feeding alias resolution in the filter pipeline.
type Binding struct {
	Layer model.Layer
	Alias string
}

type Planner struct {
	registry *layers.Registry
	catalog  crs.Catalog
	pipeline filter.Pipeline
	log      *slog.Logger
}

func New(reg *layers.Registry, catalog crs.Catalog, log *slog.Logger) *Planner {
	return &Planner{
		registry: reg,
		catalog:  catalog,
		pipeline: filter.NewPipeline(),
		log:      log,
	}
}

// allTypesSentinel recognizes the abstract-feature-type name that stands
// for "every exposed type".
func allTypesSentinel(names []model.QName) bool {
	if len(names) == 0 {
		return true
	}
	if len(names) != 1 {
		return false
	}
	return names[0].Local == "AbstractFeatureType"
}

// ResolveTypeNames maps the query's requested names onto exposed layers.
func (p *Planner) ResolveTypeNames(q Query) ([]Binding, error) {
	if allTypesSentinel(q.TypeNames) {
		var out []Binding
		for _, l := range p.registry.All() {
			out = append(out, Binding{Layer: l})
		}
		return out, nil
	}
	out := make([]Binding, 0, len(q.TypeNames))
	for i, name := range q.TypeNames {
		l, ok := p.registry.Lookup(name)
		if !ok {
			return nil, ows.Invalid("typenames", "unknown feature type %s", name)
		}
		b := Binding{Layer: l}
		if i < len(q.Aliases) {
			b.Alias = q.Aliases[i]
		}
		out = append(out, b)
	}
	return out, nil
}

// Execute runs the query. With hitsOnly set, only matched counts are
// computed and no feature data is materialized.
func (p *Planner) Execute(ctx context.Context, q Query, hitsOnly bool) (Result, error) {
	bindings, err := p.ResolveTypeNames(q)
	if err != nil {
		return Result{}, err
	}
	aliases := map[string]model.QName{}
	for _, b := range bindings {
		if b.Alias != "" {
			aliases[b.Alias] = b.Layer.Name
		}
	}
	var res Result
	nsSeen := map[string]struct{}{}
	for _, b := range bindings {
		if b.Layer.Kind != "" && b.Layer.Kind != "feature" {
			if p.log != nil {
				p.log.Debug("non-feature layer skipped", "layer", b.Layer.Name.String(), "kind", b.Layer.Kind)
			}
			continue
		}
		tr, err := p.executeOne(ctx, q, b, aliases, hitsOnly)
		if err != nil {
			return Result{}, err
		}
		res.Matched += tr.Matched
		if !hitsOnly {
			res.Results = append(res.Results, tr)
		}
		if b.Layer.Name.Namespace != "" {
			nsSeen[b.Layer.Name.Namespace] = struct{}{}
		}
	}
	for ns := range nsSeen {
		res.SchemaLocations = append(res.SchemaLocations, ns)
	}
	sort.Strings(res.SchemaLocations)
	return res, nil
}

func (p *Planner) executeOne(ctx context.Context, q Query, b Binding, aliases map[string]model.QName, hitsOnly bool) (TypeResult, error) {
	schema, err := p.registry.Schema(ctx, b.Layer)
	if err != nil {
		return TypeResult{}, ows.Internal("resolve schema of %s: %v", b.Layer.Name, err)
	}
	storageCRS := p.storageCRS(schema)
	exposedCRS := b.Layer.ExposedCRS()
	if exposedCRS == "" {
		exposedCRS = storageCRS
	}
	fctx := filter.Context{
		TypeName:   b.Layer.Name,
		Type:       schema,
		Aliases:    aliases,
		ExposedCRS: exposedCRS,
		StorageCRS: storageCRS,
		Catalog:    p.catalog,
		Log:        p.log,
	}
	f, err := p.pipeline.Run(q.Filter, fctx)
	if err != nil {
		return TypeResult{}, err
	}
	ad, err := p.registry.StoreFor(b.Layer)
	if err != nil {
		return TypeResult{}, ows.Internal("%v", err)
	}
	sq := store.Query{
		Filter:     f,
		Properties: q.Projection,
		Sort:       q.Sort,
		Offset:     q.Offset,
		Limit:      q.Limit,
		CountOnly:  hitsOnly,
	}
	fs, err := ad.Subset(ctx, b.Layer.Name, sq)
	if err != nil {
		return TypeResult{}, ows.Internal("subset of %s: %v", b.Layer.Name, err)
	}
	tr := TypeResult{
		Type:       b.Layer.Name,
		OutputName: b.Layer.Name,
		Matched:    fs.Matched,
	}
	if q.OutputName != nil {
		tr.OutputName = *q.OutputName
	}
	if hitsOnly {
		return tr, nil
	}
	target := q.CRS
	if target == "" {
		target = exposedCRS
	}
	tr.CRS = target
	tr.Features, err = p.reproject(fs.Features, schema, storageCRS, target)
	if err != nil {
		return TypeResult{}, err
	}
	return tr, nil
}

func (p *Planner) storageCRS(schema model.FeatureType) string {
	if schema.DefaultGeometry != "" {
		if prop, ok := schema.Property(schema.DefaultGeometry); ok && prop.CRS != "" {
			return prop.CRS
		}
	}
	return crs.DefaultGeographic
}

// reproject moves feature geometries from the storage CRS to the target.
// Requesting the CRS the data is already in must be a no-op.
func (p *Planner) reproject(feats []model.Feature, schema model.FeatureType, from, to string) ([]model.Feature, error) {
	if from == "" || to == "" || p.catalog.Equivalent(from, to) {
		return feats, nil
	}
	out := make([]model.Feature, 0, len(feats))
	for _, f := range feats {
		cp := f.Clone()
		for _, prop := range schema.Properties {
			if prop.Kind != model.KindGeometry {
				continue
			}
			g, ok := cp.Properties[prop.Name].(model.Geometry)
			if !ok {
				continue
			}
			tg, err := p.catalog.TransformGeometry(g, from, to)
			if err != nil {
				return nil, ows.Invalid("srsName", "cannot transform %s from %s to %s: %v", schema.Name, from, to, err)
			}
			cp.Properties[prop.Name] = tg
		}
		out = append(out, cp)
	}
	return out, nil
}

// Describe resolves the schema for each requested type name; the sentinel
// covers all exposed types.
func (p *Planner) Describe(ctx context.Context, names []model.QName) ([]model.FeatureType, error) {
	bindings, err := p.ResolveTypeNames(Query{TypeNames: names})
	if err != nil {
		// describe reports its own locator
		if oe := ows.As(err); oe.Code == ows.InvalidParameterValue {
			return nil, ows.Invalid("typenames", "%s", oe.Message)
		}
		return nil, err
	}
	out := make([]model.FeatureType, 0, len(bindings))
	for _, b := range bindings {
		schema, err := p.registry.Schema(ctx, b.Layer)
		if err != nil {
			return nil, ows.Internal("resolve schema of %s: %v", b.Layer.Name, err)
		}
		out = append(out, schema)
	}
	return out, nil
}
