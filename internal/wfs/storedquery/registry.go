// Package storedquery holds named, parameterized query templates. The set
// is mutable, guarded by one mutex, and the full snapshot is persisted
// through a configuration sink on every structural change.
package storedquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/planner"
)

const (
	// System-reserved ids, re-seeded at startup when missing.
	GetFeatureByIDQuery   = "urn:ogc:def:query:OGC-WFS::GetFeatureById"
	GetFeatureByTypeQuery = "urn:ogc:def:query:OGC-WFS::GetFeatureByType"

	LanguageWFSQueryExpression = "urn:ogc:def:queryLanguage:OGC-WFS::WFS_QueryExpression"
	legacyLanguageTag          = "urn:ogc:def:queryLanguage:OGC-WFS::WFSQueryExpression"
)

type Parameter struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // string, int, float, bool, qname
	Default string `json:"default,omitempty"`
}

type Expression struct {
	Language string        `json:"language"`
	Query    planner.Query `json:"-"`
}

type Description struct {
	ID          string       `json:"id"`
	Title       string       `json:"title,omitempty"`
	Abstract    string       `json:"abstract,omitempty"`
	Parameters  []Parameter  `json:"parameters,omitempty"`
	Expressions []Expression `json:"expressions"`
}

// Sink is the external configuration document store. LoadExtra returns
// (nil, nil) when no document exists yet.
type Sink interface {
	LoadExtra(ctx context.Context, key string) ([]byte, error)
	SaveExtra(ctx context.Context, key string, doc []byte) error
}

type Registry struct {
	sink Sink
	key  string

	mu    sync.Mutex
	byID  map[string]Description
	order []string
}

// New loads the persisted set and seeds the reserved queries when absent.
func New(ctx context.Context, sink Sink, key string) (*Registry, error) {
	r := &Registry{
		sink: sink,
		key:  key,
		byID: map[string]Description{},
	}
	doc, err := sink.LoadExtra(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load stored queries: %w", err)
	}
	if len(doc) > 0 {
		descs, err := decodeSet(doc)
		if err != nil {
			return nil, fmt.Errorf("decode stored queries: %w", err)
		}
		for _, d := range descs {
			r.byID[d.ID] = d
			r.order = append(r.order, d.ID)
		}
	}
	seeded := false
	for _, seed := range []Description{seedByID(), seedByType()} {
		if _, ok := r.byID[seed.ID]; !ok {
			r.byID[seed.ID] = seed
			r.order = append(r.order, seed.ID)
			seeded = true
		}
	}
	if seeded {
		if err := r.persistLocked(ctx); err != nil {
			return nil, fmt.Errorf("persist seeded stored queries: %w", err)
		}
	}
	return r, nil
}

func seedByID() Description {
	return Description{
		ID:       GetFeatureByIDQuery,
		Title:    "Get feature by identifier",
		Abstract: "Returns the single feature whose resource identifier equals ${id}.",
		Parameters: []Parameter{
			{Name: "id", Type: "string"},
		},
		Expressions: []Expression{{
			Language: LanguageWFSQueryExpression,
			Query: planner.Query{
				Filter: filter.ResourceID{ID: "${id}"},
			},
		}},
	}
}

func seedByType() Description {
	return Description{
		ID:       GetFeatureByTypeQuery,
		Title:    "Get features by type",
		Abstract: "Returns every feature of the type named by ${typeName}.",
		Parameters: []Parameter{
			{Name: "typeName", Type: "qname"},
		},
		Expressions: []Expression{{
			Language: LanguageWFSQueryExpression,
			Query: planner.Query{
				TypeNames: []model.QName{{Local: "$typeName"}},
			},
		}},
	}
}

// List returns a snapshot of the registered descriptions in registration
// order.
func (r *Registry) List() []Description {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Description, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Describe returns the named descriptions, or every description when ids
// is empty. An unknown id fails the whole call.
func (r *Registry) Describe(ids []string) ([]Description, error) {
	if len(ids) == 0 {
		return r.List(), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Description, 0, len(ids))
	for _, id := range ids {
		d, ok := r.byID[id]
		if !ok {
			return nil, ows.Invalid("id", "unknown stored query %q", id)
		}
		out = append(out, d)
	}
	return out, nil
}

// Create registers new descriptions. The in-memory set only mutates after
// the full snapshot persisted successfully.
func (r *Registry) Create(ctx context.Context, descs ...Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		if strings.TrimSpace(d.ID) == "" {
			return ows.Invalid("id", "stored query id must not be empty")
		}
		if _, dup := r.byID[d.ID]; dup {
			return &ows.Error{Code: ows.DuplicateStoredQueryID, Locator: "id", Message: fmt.Sprintf("stored query %q already exists", d.ID)}
		}
		if len(d.Expressions) == 0 {
			return ows.Invalid("language", "stored query %q carries no query expression", d.ID)
		}
		for _, e := range d.Expressions {
			if !supportedLanguage(e.Language) {
				return ows.Invalid("language", "unsupported query language %q", e.Language)
			}
		}
	}
	next := make(map[string]Description, len(r.byID)+len(descs))
	for k, v := range r.byID {
		next[k] = v
	}
	order := append([]string(nil), r.order...)
	for _, d := range descs {
		next[d.ID] = d
		order = append(order, d.ID)
	}
	if err := r.persistSet(ctx, order, next); err != nil {
		return ows.Internal("persist stored queries: %v", err)
	}
	r.byID, r.order = next, order
	return nil
}

// Drop removes one description and persists the reduced set.
func (r *Registry) Drop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ows.Invalid("id", "unknown stored query %q", id)
	}
	next := make(map[string]Description, len(r.byID)-1)
	for k, v := range r.byID {
		if k != id {
			next[k] = v
		}
	}
	order := make([]string, 0, len(r.order)-1)
	for _, k := range r.order {
		if k != id {
			order = append(order, k)
		}
	}
	if err := r.persistSet(ctx, order, next); err != nil {
		return ows.Internal("persist stored queries: %v", err)
	}
	r.byID, r.order = next, order
	return nil
}

func supportedLanguage(tag string) bool {
	switch tag {
	case LanguageWFSQueryExpression, legacyLanguageTag:
		return true
	}
	return false
}

// Instantiate clones the template and substitutes ${param} placeholders in
// the filter and $param tokens in type names. Unresolved references are
// left as-is.
func (r *Registry) Instantiate(id string, params map[string]string) (planner.Query, error) {
	r.mu.Lock()
	d, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return planner.Query{}, ows.Invalid("storedquery_id", "unknown stored query %q", id)
	}
	if len(d.Expressions) == 0 {
		return planner.Query{}, ows.Internal("stored query %q carries no query expression", id)
	}
	kinds := map[string]string{}
	for _, p := range d.Parameters {
		kinds[p.Name] = p.Type
		if p.Default != "" {
			if _, supplied := params[p.Name]; !supplied {
				if params == nil {
					params = map[string]string{}
				}
				params[p.Name] = p.Default
			}
		}
	}
	q := d.Expressions[0].Query.Clone()
	for i, tn := range q.TypeNames {
		for name, val := range params {
			if strings.Contains(tn.Local, "$"+name) || strings.Contains(tn.Namespace, "$"+name) {
				q.TypeNames[i] = model.ParseQName(val)
			}
		}
	}
	q.Filter = substitute(q.Filter, params, kinds)
	return q, nil
}

func substitute(e filter.Expr, params map[string]string, kinds map[string]string) filter.Expr {
	return filter.Rewrite(e, func(n filter.Expr) filter.Expr {
		switch t := n.(type) {
		case filter.Comparison:
			if t.Value != nil {
				if s, ok := t.Value.Value.(string); ok {
					if name, isRef := placeholder(s); isRef {
						if val, supplied := params[name]; supplied {
							t.Value = &filter.Literal{Value: typedValue(val, kinds[name])}
							return t
						}
					}
				}
			}
			return t
		case filter.ResourceID:
			if name, isRef := placeholder(t.ID); isRef {
				if val, supplied := params[name]; supplied {
					return filter.ResourceID{ID: val}
				}
			}
			return t
		}
		return n
	})
}

func placeholder(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return s[2 : len(s)-1], true
	}
	return "", false
}

func typedValue(val, kind string) any {
	switch kind {
	case "int", "float":
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f
		}
	case "bool":
		switch strings.ToLower(val) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
	}
	return val
}

func (r *Registry) persistLocked(ctx context.Context) error {
	return r.persistSet(ctx, r.order, r.byID)
}

func (r *Registry) persistSet(ctx context.Context, order []string, byID map[string]Description) error {
	descs := make([]Description, 0, len(order))
	for _, id := range order {
		descs = append(descs, byID[id])
	}
	doc, err := encodeSet(descs)
	if err != nil {
		return err
	}
	return r.sink.SaveExtra(ctx, r.key, doc)
}

// DecodeDocument parses a definition document in the persisted wire form.
// Unknown top-level fields are ignored, so the same shape works as an HTTP
// request body.
func DecodeDocument(doc []byte) ([]Description, error) { return decodeSet(doc) }

// EncodeDocument renders descriptions in the persisted wire form.
func EncodeDocument(descs []Description) ([]byte, error) { return encodeSet(descs) }

// --- document wire form ---

type wireSort struct {
	Property string `json:"property"`
	Desc     bool   `json:"desc,omitempty"`
}

type wireQuery struct {
	TypeNames  []string     `json:"typeNames,omitempty"`
	Aliases    []string     `json:"aliases,omitempty"`
	Filter     *filter.Node `json:"filter,omitempty"`
	Projection []string     `json:"projection,omitempty"`
	Sort       []wireSort   `json:"sort,omitempty"`
	CRS        string       `json:"crs,omitempty"`
}

type wireExpression struct {
	Language string    `json:"language"`
	Query    wireQuery `json:"query"`
}

type wireDescription struct {
	ID          string           `json:"id"`
	Title       string           `json:"title,omitempty"`
	Abstract    string           `json:"abstract,omitempty"`
	Parameters  []Parameter      `json:"parameters,omitempty"`
	Expressions []wireExpression `json:"expressions"`
}

type wireSet struct {
	Queries []wireDescription `json:"queries"`
}

func encodeSet(descs []Description) ([]byte, error) {
	set := wireSet{Queries: make([]wireDescription, 0, len(descs))}
	for _, d := range descs {
		wd := wireDescription{ID: d.ID, Title: d.Title, Abstract: d.Abstract, Parameters: d.Parameters}
		for _, e := range d.Expressions {
			we := wireExpression{Language: e.Language}
			we.Query, _ = encodeQuery(e.Query)
			wd.Expressions = append(wd.Expressions, we)
		}
		set.Queries = append(set.Queries, wd)
	}
	return json.MarshalIndent(set, "", "  ")
}

func decodeSet(doc []byte) ([]Description, error) {
	var set wireSet
	if err := json.Unmarshal(doc, &set); err != nil {
		return nil, err
	}
	out := make([]Description, 0, len(set.Queries))
	for _, wd := range set.Queries {
		d := Description{ID: wd.ID, Title: wd.Title, Abstract: wd.Abstract, Parameters: wd.Parameters}
		for _, we := range wd.Expressions {
			q, err := decodeQuery(we.Query)
			if err != nil {
				return nil, fmt.Errorf("stored query %q: %w", wd.ID, err)
			}
			d.Expressions = append(d.Expressions, Expression{Language: we.Language, Query: q})
		}
		out = append(out, d)
	}
	return out, nil
}

func encodeQuery(q planner.Query) (wireQuery, error) {
	wq := wireQuery{
		Aliases:    q.Aliases,
		Projection: q.Projection,
		CRS:        q.CRS,
	}
	for _, tn := range q.TypeNames {
		wq.TypeNames = append(wq.TypeNames, tn.String())
	}
	for _, s := range q.Sort {
		wq.Sort = append(wq.Sort, wireSort{Property: s.Property, Desc: s.Desc})
	}
	if q.Filter != nil {
		n, err := filter.Encode(q.Filter)
		if err != nil {
			return wireQuery{}, err
		}
		wq.Filter = &n
	}
	return wq, nil
}

func decodeQuery(wq wireQuery) (planner.Query, error) {
	q := planner.Query{
		Aliases:    wq.Aliases,
		Projection: wq.Projection,
		CRS:        wq.CRS,
	}
	for _, tn := range wq.TypeNames {
		q.TypeNames = append(q.TypeNames, model.ParseQName(tn))
	}
	for _, s := range wq.Sort {
		q.Sort = append(q.Sort, model.SortClause{Property: s.Property, Desc: s.Desc})
	}
	if wq.Filter != nil {
		f, err := filter.Decode(*wq.Filter)
		if err != nil {
			return planner.Query{}, err
		}
		q.Filter = f
	}
	return q, nil
}
