// Package txn executes ordered transaction actions against resolved
// stores. Failure isolation is per transaction: a failing action aborts
// the remainder, and already-applied actions are not rolled back;
// atomicity across actions belongs to the underlying store, if any.
package txn

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/store"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/events"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/layers"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
)

// Action is one transaction step. The set of implementations is closed;
// the engine dispatches by type switch and an unrecognized kind fails the
// whole transaction.
type Action interface {
	isAction()
}

type Insert struct {
	Features    []model.Feature
	CRS         string
	Handle      string
	InputFormat string
}

type Assignment struct {
	Property string
	Value    any
}

type Update struct {
	TypeName    model.QName
	Filter      filter.Expr
	Assignments []Assignment
	CRS         string
}

type Delete struct {
	TypeName model.QName
	Filter   filter.Expr
}

type Replace struct {
	Feature     model.Feature
	Filter      filter.Expr
	CRS         string
	Handle      string
	InputFormat string
}

func (Insert) isAction()  {}
func (Update) isAction()  {}
func (Delete) isAction()  {}
func (Replace) isAction() {}

// HandleIDs maps a client handle to the identifiers a mutation produced,
// in production order.
type HandleIDs struct {
	Handle string   `json:"handle,omitempty"`
	IDs    []string `json:"ids"`
}

// Summary reports store-confirmed mutation counts. Counts for the
// destructive half of update/delete/replace are measured before mutating,
// preserving affected-count semantics on stores that cannot report them.
type Summary struct {
	Inserted    int         `json:"inserted"`
	Updated     int         `json:"updated"`
	Deleted     int         `json:"deleted"`
	Replaced    int         `json:"replaced"`
	InsertedIDs []HandleIDs `json:"insertedIDs,omitempty"`
	ReplacedIDs []HandleIDs `json:"replacedIDs,omitempty"`
}

var acceptedInputFormats = map[string]struct{}{
	"":                                    {},
	"application/json":                    {},
	"application/gml+xml; version=3.2":    {},
	"text/xml; subtype=gml/3.2":           {},
	"text/xml; subtype=\"gml/3.2\"":       {},
	"text/xml; subtype=gml/3.1.1":         {},
	"text/xml; subtype=\"gml/3.1.1\"":     {},
}

type Engine struct {
	registry      *layers.Registry
	catalog       crs.Catalog
	pipeline      filter.Pipeline
	publisher     events.Publisher
	log           *slog.Logger
	transactional bool
	secured       bool
}

func NewEngine(reg *layers.Registry, catalog crs.Catalog, pub events.Publisher, log *slog.Logger, transactional, secured bool) *Engine {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Engine{
		registry:      reg,
		catalog:       catalog,
		pipeline:      filter.NewPipeline(),
		publisher:     pub,
		log:           log,
		transactional: transactional,
		secured:       secured,
	}
}

// Execute runs the actions strictly in submitted order.
func (e *Engine) Execute(ctx context.Context, authenticated bool, actions []Action) (*Summary, error) {
	if !e.transactional {
		return nil, ows.NotSupported("this instance does not accept transactions")
	}
	if e.secured && !authenticated {
		return nil, ows.Unauthenticated("transaction requires authentication")
	}
	sum := &Summary{}
	for _, a := range actions {
		var err error
		switch act := a.(type) {
		case Insert:
			err = e.insert(ctx, act, sum)
		case Update:
			err = e.update(ctx, act, sum)
		case Delete:
			err = e.remove(ctx, act, sum)
		case Replace:
			err = e.replace(ctx, act, sum)
		default:
			err = ows.Invalid("transaction", "unrecognized action kind %T", a)
		}
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func (e *Engine) insert(ctx context.Context, act Insert, sum *Summary) error {
	if err := checkInputFormat(act.InputFormat); err != nil {
		return err
	}
	handleIDs := HandleIDs{Handle: act.Handle}
	// target types come from the payload, not the request
	for _, group := range groupByType(act.Features) {
		l, ok := e.registry.LookupByType(group.typeName)
		if !ok {
			return ows.Invalid("typename", "unknown feature type %s", group.typeName)
		}
		ad, schema, err := e.bind(ctx, l)
		if err != nil {
			return err
		}
		feats, err := e.reprojectIncoming(group.feats, schema, act.CRS)
		if err != nil {
			return err
		}
		ids, err := e.addCounted(ctx, ad, l.Name, feats)
		if err != nil {
			return ows.Internal("insert into %s: %v", l.Name, err)
		}
		sum.Inserted += len(ids)
		handleIDs.IDs = append(handleIDs.IDs, ids...)
		e.publish(ctx, "insert", l.Name, ids...)
	}
	sum.InsertedIDs = append(sum.InsertedIDs, handleIDs)
	return nil
}

func (e *Engine) remove(ctx context.Context, act Delete, sum *Summary) error {
	if act.Filter == nil {
		return ows.Missing("filter")
	}
	l, ok := e.registry.Lookup(act.TypeName)
	if !ok {
		return ows.Invalid("typename", "unknown feature type %s", act.TypeName)
	}
	ad, schema, err := e.bind(ctx, l)
	if err != nil {
		return err
	}
	f, err := e.normalize(act.Filter, l, schema)
	if err != nil {
		return err
	}
	n, err := e.countMatches(ctx, ad, l.Name, f)
	if err != nil {
		return err
	}
	if err := ad.RemoveMatching(ctx, l.Name, f); err != nil {
		return ows.Internal("delete from %s: %v", l.Name, err)
	}
	sum.Deleted += n
	if n > 0 {
		e.publish(ctx, "delete", l.Name)
	}
	return nil
}

func (e *Engine) update(ctx context.Context, act Update, sum *Summary) error {
	l, ok := e.registry.Lookup(act.TypeName)
	if !ok {
		return ows.Invalid("typename", "unknown feature type %s", act.TypeName)
	}
	ad, schema, err := e.bind(ctx, l)
	if err != nil {
		return err
	}
	assignments, err := e.resolveAssignments(act.Assignments, l, schema, act.CRS)
	if err != nil {
		return err
	}
	f, err := e.normalize(act.Filter, l, schema)
	if err != nil {
		return err
	}
	// counted before applying: an assignment touching a filtered property
	// can change which rows match afterwards; the pre-count is the
	// documented behavior
	n, err := e.countMatches(ctx, ad, l.Name, f)
	if err != nil {
		return err
	}
	if err := ad.UpdateMatching(ctx, l.Name, f, assignments); err != nil {
		return ows.Internal("update %s: %v", l.Name, err)
	}
	sum.Updated += n
	if n > 0 {
		e.publish(ctx, "update", l.Name)
	}
	return nil
}

func (e *Engine) replace(ctx context.Context, act Replace, sum *Summary) error {
	if err := checkInputFormat(act.InputFormat); err != nil {
		return err
	}
	if act.Filter == nil {
		return ows.Missing("filter")
	}
	typeName := act.Feature.Type
	if typeName.IsZero() {
		return ows.Invalid("transaction", "replacement feature carries no type name")
	}
	l, ok := e.registry.LookupByType(typeName)
	if !ok {
		return ows.Invalid("typename", "unknown feature type %s", typeName)
	}
	ad, schema, err := e.bind(ctx, l)
	if err != nil {
		return err
	}
	f, err := e.normalize(act.Filter, l, schema)
	if err != nil {
		return err
	}
	n, err := e.countMatches(ctx, ad, l.Name, f)
	if err != nil {
		return err
	}
	if err := ad.RemoveMatching(ctx, l.Name, f); err != nil {
		return ows.Internal("replace in %s: %v", l.Name, err)
	}
	feats, err := e.reprojectIncoming([]model.Feature{act.Feature}, schema, act.CRS)
	if err != nil {
		return err
	}
	ids, err := e.addCounted(ctx, ad, l.Name, feats)
	if err != nil {
		return ows.Internal("replace in %s: %v", l.Name, err)
	}
	sum.Replaced += n
	sum.ReplacedIDs = append(sum.ReplacedIDs, HandleIDs{Handle: act.Handle, IDs: ids})
	e.publish(ctx, "replace", l.Name, ids...)
	return nil
}

func (e *Engine) bind(ctx context.Context, l model.Layer) (store.Adapter, model.FeatureType, error) {
	ad, err := e.registry.StoreFor(l)
	if err != nil {
		return nil, model.FeatureType{}, ows.Internal("%v", err)
	}
	schema, err := e.registry.Schema(ctx, l)
	if err != nil {
		return nil, model.FeatureType{}, ows.Internal("resolve schema of %s: %v", l.Name, err)
	}
	return ad, schema, nil
}

func (e *Engine) normalize(f filter.Expr, l model.Layer, schema model.FeatureType) (filter.Expr, error) {
	storage := crs.DefaultGeographic
	if schema.DefaultGeometry != "" {
		if prop, ok := schema.Property(schema.DefaultGeometry); ok && prop.CRS != "" {
			storage = prop.CRS
		}
	}
	exposed := l.ExposedCRS()
	if exposed == "" {
		exposed = storage
	}
	return e.pipeline.Run(f, filter.Context{
		TypeName:   l.Name,
		Type:       schema,
		ExposedCRS: exposed,
		StorageCRS: storage,
		Catalog:    e.catalog,
		Log:        e.log,
	})
}

// countMatches measures affected rows before the destructive half of a
// mutation; stores are not required to report affected counts afterwards.
func (e *Engine) countMatches(ctx context.Context, ad store.Adapter, typeName model.QName, f filter.Expr) (int, error) {
	fs, err := ad.Subset(ctx, typeName, store.Query{Filter: f, CountOnly: true})
	if err != nil {
		return 0, ows.Internal("count matches of %s: %v", typeName, err)
	}
	return fs.Matched, nil
}

// addCounted inserts features, recovering assigned identifiers either
// from the store's direct return value or through a transient write
// listener attached only for the duration of the call.
func (e *Engine) addCounted(ctx context.Context, ad store.Adapter, typeName model.QName, feats []model.Feature) ([]string, error) {
	if ad.Capabilities().ReportsWriteCount {
		return ad.Add(ctx, typeName, feats)
	}
	var mu sync.Mutex
	var ids []string
	cancel := ad.Subscribe(func(ev store.WriteEvent) {
		if ev.Op != "insert" || ev.Type != typeName {
			return
		}
		mu.Lock()
		ids = append(ids, ev.FeatureID)
		mu.Unlock()
	})
	defer cancel()
	if _, err := ad.Add(ctx, typeName, feats); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return ids, nil
}

// reprojectIncoming moves incoming geometries into the storage CRS when
// the declared action CRS differs.
func (e *Engine) reprojectIncoming(feats []model.Feature, schema model.FeatureType, actionCRS string) ([]model.Feature, error) {
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
			from := g.CRS
			if from == "" {
				from = actionCRS
			}
			to := prop.CRS
			if from == "" || to == "" || e.catalog.Equivalent(from, to) {
				continue
			}
			tg, err := e.catalog.TransformGeometry(g, from, to)
			if err != nil {
				return nil, ows.Invalid("srsName", "cannot transform incoming geometry from %s to %s: %v", from, to, err)
			}
			cp.Properties[prop.Name] = tg
		}
		out = append(out, cp)
	}
	return out, nil
}

// resolveAssignments validates and coerces property assignments into
// store-native values.
func (e *Engine) resolveAssignments(assigns []Assignment, l model.Layer, schema model.FeatureType, actionCRS string) (map[string]any, error) {
	out := make(map[string]any, len(assigns))
	for _, a := range assigns {
		root, _, nested := strings.Cut(a.Property, "/")
		prop, ok := schema.Property(root)
		if !ok {
			return nil, &ows.Error{Code: ows.InvalidValue, Locator: a.Property, Message: "type " + l.Name.String() + " has no property " + root}
		}
		name := a.Property
		if !nested && prop.Kind == model.KindAssociation && prop.ValueProperty != "" {
			// to-one association exposing a scalar sub-property: redirect
			// the assignment into it
			name = prop.Name + "/" + prop.ValueProperty
		}
		val, err := e.coerceValue(a.Value, prop, l, actionCRS)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

func (e *Engine) coerceValue(v any, prop model.Property, l model.Layer, actionCRS string) (any, error) {
	switch prop.Kind {
	case model.KindGeometry:
		var g model.Geometry
		switch t := v.(type) {
		case model.Geometry:
			g = t
		case []float64:
			// bare position literal
			g = model.Geometry{Type: "Point", Coords: [][]float64{t}}
		default:
			return v, nil
		}
		from := g.CRS
		if from == "" {
			from = actionCRS
		}
		if from == "" {
			from = l.ExposedCRS()
		}
		if from == "" || prop.CRS == "" || e.catalog.Equivalent(from, prop.CRS) {
			return g, nil
		}
		tg, err := e.catalog.TransformGeometry(g, from, prop.CRS)
		if err != nil {
			return nil, ows.Invalid("srsName", "cannot transform assigned geometry: %v", err)
		}
		return tg, nil
	case model.KindString:
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(t), nil
		}
	case model.KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case float64:
			return t != 0, nil
		case int:
			return t != 0, nil
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b, nil
			}
		}
	case model.KindInt, model.KindFloat:
		switch t := v.(type) {
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, nil
			}
		}
	}
	return v, nil
}

func (e *Engine) publish(ctx context.Context, op string, typeName model.QName, ids ...string) {
	evs := []events.Event{}
	if len(ids) == 0 {
		evs = append(evs, events.Event{Version: 1, Op: op, Layer: typeName.String(), TS: time.Now().UTC(), Source: "wfs-transaction"})
	}
	for _, id := range ids {
		evs = append(evs, events.Event{Version: 1, Op: op, Layer: typeName.String(), TS: time.Now().UTC(), FeatureID: id, Source: "wfs-transaction"})
	}
	for _, ev := range evs {
		if err := e.publisher.Publish(ctx, ev); err != nil && e.log != nil {
			e.log.Warn("mutation event publish failed", "op", op, "layer", typeName.String(), "err", err)
		}
	}
}

type typedGroup struct {
	typeName model.QName
	feats    []model.Feature
}

// groupByType buckets insert features by their payload type, preserving
// first-seen order.
func groupByType(feats []model.Feature) []typedGroup {
	var out []typedGroup
	idx := map[string]int{}
	for _, f := range feats {
		key := f.Type.String()
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, typedGroup{typeName: f.Type})
		}
		out[i].feats = append(out[i].feats, f)
	}
	return out
}

func checkInputFormat(format string) error {
	if _, ok := acceptedInputFormats[strings.TrimSpace(format)]; !ok {
		return ows.Invalid("inputFormat", "unsupported input format %q", format)
	}
	return nil
}
