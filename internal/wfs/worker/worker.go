// Package worker orchestrates the protocol operations: request
// validation, version negotiation, query execution and transactions.
// One worker instance serves concurrent calls; per-request state stays on
// the stack.
package worker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/core/observability"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/capabilities"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/crs"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/layers"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/planner"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/storedquery"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/txn"
)

const ServiceToken = "WFS"

// SupportedVersions, oldest first. The oldest one is the compatibility
// default when a request supplies none.
var SupportedVersions = []string{"1.1.0", "2.0.0"}

// Param distinguishes an absent request field from an empty one.
type Param struct {
	Value   string
	Present bool
}

func Set(v string) Param { return Param{Value: v, Present: true} }

// Base carries the fields validated before every operation.
type Base struct {
	Service Param
	Version Param
}

type Worker struct {
	registry *layers.Registry
	planner  *planner.Planner
	engine   *txn.Engine
	stored   *storedquery.Registry
	caps     *capabilities.Builder
	catalog  crs.Catalog
	log      *slog.Logger
}

func New(reg *layers.Registry, pl *planner.Planner, eng *txn.Engine, sq *storedquery.Registry, caps *capabilities.Builder, catalog crs.Catalog, log *slog.Logger) *Worker {
	return &Worker{
		registry: reg,
		planner:  pl,
		engine:   eng,
		stored:   sq,
		caps:     caps,
		catalog:  catalog,
		log:      log,
	}
}

// validate is the protocol gate run before every operation; it is the one
// place version defaulting happens.
func (w *Worker) validate(b Base, versionMandatory, capabilitiesMode bool) (string, error) {
	if !b.Service.Present {
		return "", ows.Missing("service")
	}
	// empty service id tolerated for backwards compatibility
	if b.Service.Value != "" && b.Service.Value != ServiceToken {
		return "", ows.Invalid("service", "service must be %s, got %q", ServiceToken, b.Service.Value)
	}
	if b.Version.Present {
		if b.Version.Value == "" {
			return SupportedVersions[0], nil
		}
		for _, v := range SupportedVersions {
			if v == b.Version.Value {
				return v, nil
			}
		}
		if capabilitiesMode {
			return "", ows.NegotiationFailed("version %q is not supported", b.Version.Value)
		}
		return "", ows.Invalid("version", "version %q is not supported", b.Version.Value)
	}
	if versionMandatory {
		return "", ows.Missing("version")
	}
	return SupportedVersions[0], nil
}

// --- GetCapabilities ---

type GetCapabilitiesRequest struct {
	Base
	AcceptVersions []string
	Sections       []string
	UpdateSequence string
}

func (w *Worker) GetCapabilities(ctx context.Context, req GetCapabilitiesRequest) (*capabilities.Document, error) {
	start := time.Now()
	doc, err := w.getCapabilities(ctx, req)
	observability.ObserveOperation("GetCapabilities", err, time.Since(start).Seconds())
	return doc, err
}

func (w *Worker) getCapabilities(ctx context.Context, req GetCapabilitiesRequest) (*capabilities.Document, error) {
	base := req.Base
	if len(req.AcceptVersions) > 0 {
		negotiated, err := negotiate(req.AcceptVersions)
		if err != nil {
			return nil, err
		}
		base.Version = Set(negotiated)
	}
	version, err := w.validate(base, false, true)
	if err != nil {
		return nil, err
	}
	seq := w.registry.UpdateSequence()
	if req.UpdateSequence != "" && req.UpdateSequence == seq {
		return capabilities.NotModified(version, seq), nil
	}
	doc := w.caps.Get(ctx, version)
	return capabilities.FilterSections(doc, req.Sections), nil
}

// negotiate selects the highest mutually supported version.
func negotiate(offered []string) (string, error) {
	best := ""
	for _, v := range offered {
		for _, s := range SupportedVersions {
			if v == s && v > best {
				best = v
			}
		}
	}
	if best == "" {
		return "", ows.NegotiationFailed("no offered version is supported; supported: %v", SupportedVersions)
	}
	return best, nil
}

// --- DescribeFeatureType ---

type DescribeFeatureTypeRequest struct {
	Base
	TypeNames    []model.QName
	OutputFormat string
}

type SchemaDocument struct {
	Version string              `json:"version"`
	Types   []model.FeatureType `json:"types"`
}

func (w *Worker) DescribeFeatureType(ctx context.Context, req DescribeFeatureTypeRequest) (*SchemaDocument, error) {
	start := time.Now()
	doc, err := w.describeFeatureType(ctx, req)
	observability.ObserveOperation("DescribeFeatureType", err, time.Since(start).Seconds())
	return doc, err
}

func (w *Worker) describeFeatureType(ctx context.Context, req DescribeFeatureTypeRequest) (*SchemaDocument, error) {
	version, err := w.validate(req.Base, true, false)
	if err != nil {
		return nil, err
	}
	types, err := w.planner.Describe(ctx, req.TypeNames)
	if err != nil {
		return nil, err
	}
	return &SchemaDocument{Version: version, Types: types}, nil
}

// --- GetFeature / GetPropertyValue ---

type ResultMode string

const (
	ResultModeResults ResultMode = "results"
	ResultModeHits    ResultMode = "hits"
)

type StoredQueryCall struct {
	ID         string
	Parameters map[string]string
}

type GetFeatureRequest struct {
	Base
	Queries       []planner.Query
	StoredQueries []StoredQueryCall
	ResultMode    ResultMode
	MaxFeatures   int
	StartIndex    int
	OutputFormat  string
}

type FeatureCollection struct {
	Name     model.QName     `json:"name"`
	CRS      string          `json:"crs,omitempty"`
	Features []model.Feature `json:"features"`
}

type FeatureResponse struct {
	Version         string              `json:"version"`
	TimeStamp       time.Time           `json:"timeStamp"`
	NumberMatched   int                 `json:"numberMatched"`
	NumberReturned  int                 `json:"numberReturned"`
	Collections     []FeatureCollection `json:"collections,omitempty"`
	SchemaLocations []string            `json:"schemaLocations,omitempty"`
}

func (w *Worker) GetFeature(ctx context.Context, req GetFeatureRequest) (*FeatureResponse, error) {
	start := time.Now()
	resp, err := w.getFeature(ctx, req)
	observability.ObserveOperation("GetFeature", err, time.Since(start).Seconds())
	return resp, err
}

func (w *Worker) getFeature(ctx context.Context, req GetFeatureRequest) (*FeatureResponse, error) {
	version, err := w.validate(req.Base, true, false)
	if err != nil {
		return nil, err
	}
	queries, err := w.collectQueries(req)
	if err != nil {
		return nil, err
	}
	hits := req.ResultMode == ResultModeHits
	resp := &FeatureResponse{Version: version, TimeStamp: time.Now().UTC()}
	nsSeen := map[string]struct{}{}
	for _, q := range queries {
		q.Offset = req.StartIndex
		q.Limit = req.MaxFeatures
		res, err := w.planner.Execute(ctx, q, hits)
		if err != nil {
			return nil, err
		}
		resp.NumberMatched += res.Matched
		for _, tr := range res.Results {
			resp.NumberReturned += len(tr.Features)
			resp.Collections = append(resp.Collections, FeatureCollection{
				Name:     tr.OutputName,
				CRS:      tr.CRS,
				Features: tr.Features,
			})
		}
		for _, ns := range res.SchemaLocations {
			nsSeen[ns] = struct{}{}
		}
	}
	for ns := range nsSeen {
		resp.SchemaLocations = append(resp.SchemaLocations, ns)
	}
	sort.Strings(resp.SchemaLocations)
	return resp, nil
}

func (w *Worker) collectQueries(req GetFeatureRequest) ([]planner.Query, error) {
	if len(req.Queries) == 0 && len(req.StoredQueries) == 0 {
		return nil, ows.Missing("query")
	}
	queries := append([]planner.Query(nil), req.Queries...)
	for _, call := range req.StoredQueries {
		q, err := w.stored.Instantiate(call.ID, call.Parameters)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, nil
}

type GetPropertyValueRequest struct {
	Base
	Query          *planner.Query
	StoredQuery    *StoredQueryCall
	ValueReference string
	ResultMode     ResultMode
	MaxFeatures    int
}

type ValueResponse struct {
	Version        string    `json:"version"`
	TimeStamp      time.Time `json:"timeStamp"`
	NumberMatched  int       `json:"numberMatched"`
	NumberReturned int       `json:"numberReturned"`
	Values         []any     `json:"values,omitempty"`
}

func (w *Worker) GetPropertyValue(ctx context.Context, req GetPropertyValueRequest) (*ValueResponse, error) {
	start := time.Now()
	resp, err := w.getPropertyValue(ctx, req)
	observability.ObserveOperation("GetPropertyValue", err, time.Since(start).Seconds())
	return resp, err
}

func (w *Worker) getPropertyValue(ctx context.Context, req GetPropertyValueRequest) (*ValueResponse, error) {
	version, err := w.validate(req.Base, true, false)
	if err != nil {
		return nil, err
	}
	if req.ValueReference == "" {
		return nil, ows.Missing("valueReference")
	}
	var q planner.Query
	switch {
	case req.Query != nil:
		q = *req.Query
	case req.StoredQuery != nil:
		q, err = w.stored.Instantiate(req.StoredQuery.ID, req.StoredQuery.Parameters)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ows.Missing("query")
	}
	q.Limit = req.MaxFeatures
	hits := req.ResultMode == ResultModeHits
	res, err := w.planner.Execute(ctx, q, hits)
	if err != nil {
		return nil, err
	}
	resp := &ValueResponse{Version: version, TimeStamp: time.Now().UTC(), NumberMatched: res.Matched}
	if hits {
		return resp, nil
	}
	for _, tr := range res.Results {
		for _, f := range tr.Features {
			if v, ok := lookupValueReference(f, req.ValueReference); ok {
				resp.Values = append(resp.Values, v)
			}
		}
	}
	resp.NumberReturned = len(resp.Values)
	return resp, nil
}

func lookupValueReference(f model.Feature, ref string) (any, bool) {
	if ref == "@id" {
		return f.ID, true
	}
	cur := any(f.Properties)
	for seg := range strings.SplitSeq(ref, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// --- Transaction ---

type TransactionRequest struct {
	Base
	Actions       []txn.Action
	Authenticated bool
}

func (w *Worker) Transaction(ctx context.Context, req TransactionRequest) (*txn.Summary, error) {
	start := time.Now()
	sum, err := w.transaction(ctx, req)
	observability.ObserveOperation("Transaction", err, time.Since(start).Seconds())
	return sum, err
}

func (w *Worker) transaction(ctx context.Context, req TransactionRequest) (*txn.Summary, error) {
	if _, err := w.validate(req.Base, true, false); err != nil {
		return nil, err
	}
	if len(req.Actions) == 0 {
		return nil, ows.Missing("transaction")
	}
	sum, err := w.engine.Execute(ctx, req.Authenticated, req.Actions)
	if err != nil {
		return nil, err
	}
	observability.AddTransactionActions("insert", sum.Inserted)
	observability.AddTransactionActions("update", sum.Updated)
	observability.AddTransactionActions("delete", sum.Deleted)
	observability.AddTransactionActions("replace", sum.Replaced)
	w.registry.BumpUpdateSequence()
	return sum, nil
}

// --- Stored queries ---

type StoredQueryListItem struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

func (w *Worker) ListStoredQueries(_ context.Context, b Base) ([]StoredQueryListItem, error) {
	start := time.Now()
	items, err := w.listStoredQueries(b)
	observability.ObserveOperation("ListStoredQueries", err, time.Since(start).Seconds())
	return items, err
}

func (w *Worker) listStoredQueries(b Base) ([]StoredQueryListItem, error) {
	if _, err := w.validate(b, true, false); err != nil {
		return nil, err
	}
	descs := w.stored.List()
	out := make([]StoredQueryListItem, 0, len(descs))
	for _, d := range descs {
		out = append(out, StoredQueryListItem{ID: d.ID, Title: d.Title})
	}
	return out, nil
}

func (w *Worker) DescribeStoredQueries(_ context.Context, b Base, ids []string) ([]storedquery.Description, error) {
	start := time.Now()
	descs, err := w.describeStoredQueries(b, ids)
	observability.ObserveOperation("DescribeStoredQueries", err, time.Since(start).Seconds())
	return descs, err
}

func (w *Worker) describeStoredQueries(b Base, ids []string) ([]storedquery.Description, error) {
	if _, err := w.validate(b, true, false); err != nil {
		return nil, err
	}
	return w.stored.Describe(ids)
}

func (w *Worker) CreateStoredQuery(ctx context.Context, b Base, descs []storedquery.Description) error {
	start := time.Now()
	err := w.createStoredQuery(ctx, b, descs)
	observability.ObserveOperation("CreateStoredQuery", err, time.Since(start).Seconds())
	return err
}

func (w *Worker) createStoredQuery(ctx context.Context, b Base, descs []storedquery.Description) error {
	if _, err := w.validate(b, true, false); err != nil {
		return err
	}
	if len(descs) == 0 {
		return ows.Missing("storedQueryDefinition")
	}
	return w.stored.Create(ctx, descs...)
}

func (w *Worker) DropStoredQuery(ctx context.Context, b Base, id string) error {
	start := time.Now()
	err := w.dropStoredQuery(ctx, b, id)
	observability.ObserveOperation("DropStoredQuery", err, time.Since(start).Seconds())
	return err
}

func (w *Worker) dropStoredQuery(ctx context.Context, b Base, id string) error {
	if _, err := w.validate(b, true, false); err != nil {
		return err
	}
	if id == "" {
		return ows.Missing("id")
	}
	return w.stored.Drop(ctx, id)
}
