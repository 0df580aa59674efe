// Package router binds the protocol operations to HTTP. GET carries the
// key-value encoding, POST carries JSON documents for the two operations
// that need a request body.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/core/observability"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/capabilities"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/planner"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/storedquery"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/txn"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/worker"
)

// Service receives decoded operation requests and serves them.
type Service interface {
	GetCapabilities(ctx context.Context, req worker.GetCapabilitiesRequest) (*capabilities.Document, error)
	DescribeFeatureType(ctx context.Context, req worker.DescribeFeatureTypeRequest) (*worker.SchemaDocument, error)
	GetFeature(ctx context.Context, req worker.GetFeatureRequest) (*worker.FeatureResponse, error)
	GetPropertyValue(ctx context.Context, req worker.GetPropertyValueRequest) (*worker.ValueResponse, error)
	Transaction(ctx context.Context, req worker.TransactionRequest) (*txn.Summary, error)
	ListStoredQueries(ctx context.Context, b worker.Base) ([]worker.StoredQueryListItem, error)
	DescribeStoredQueries(ctx context.Context, b worker.Base, ids []string) ([]storedquery.Description, error)
	CreateStoredQuery(ctx context.Context, b worker.Base, descs []storedquery.Description) error
	DropStoredQuery(ctx context.Context, b worker.Base, id string) error
}

// Handle serves the key-value encoded GET binding.
func Handle(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		serveKVP(r.Context(), logger, svc, sw, r)
		observability.ObserveHTTP(r.Method, "/wfs", strconv.Itoa(sw.code), time.Since(start).Seconds())
	}
}

// HandlePost serves the JSON POST binding for Transaction and
// CreateStoredQuery.
func HandlePost(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		servePost(r.Context(), logger, svc, sw, r)
		observability.ObserveHTTP(r.Method, "/wfs", strconv.Itoa(sw.code), time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func serveKVP(ctx context.Context, logger *slog.Logger, svc Service, w http.ResponseWriter, r *http.Request) {
	p := parseKVP(r)
	base := worker.Base{Service: p.param("service"), Version: p.param("version")}

	op, ok := p["request"]
	if !ok {
		writeErr(w, logger, ows.Missing("request"))
		return
	}

	var (
		out any
		err error
	)
	switch strings.ToLower(op) {
	case "getcapabilities":
		out, err = svc.GetCapabilities(ctx, worker.GetCapabilitiesRequest{
			Base:           base,
			AcceptVersions: p.list("acceptversions"),
			Sections:       p.list("sections"),
			UpdateSequence: p["updatesequence"],
		})
	case "describefeaturetype":
		out, err = svc.DescribeFeatureType(ctx, worker.DescribeFeatureTypeRequest{
			Base:         base,
			TypeNames:    parseTypeNames(p.list("typenames"), p.list("typename")),
			OutputFormat: p["outputformat"],
		})
	case "getfeature":
		var req worker.GetFeatureRequest
		req, err = parseGetFeature(base, p)
		if err == nil {
			out, err = svc.GetFeature(ctx, req)
		}
	case "getpropertyvalue":
		var req worker.GetPropertyValueRequest
		req, err = parseGetPropertyValue(base, p)
		if err == nil {
			out, err = svc.GetPropertyValue(ctx, req)
		}
	case "liststoredqueries":
		out, err = svc.ListStoredQueries(ctx, base)
	case "describestoredqueries":
		out, err = svc.DescribeStoredQueries(ctx, base, p.list("storedquery_id"))
	case "dropstoredquery":
		err = svc.DropStoredQuery(ctx, base, p["storedquery_id"])
		out = ack{Status: "dropped"}
	case "transaction", "createstoredquery":
		err = ows.Invalid("request", "%s requires a POST body", op)
	default:
		err = ows.NotSupported("unknown operation %q", op)
	}
	if err != nil {
		writeErr(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func servePost(ctx context.Context, logger *slog.Logger, svc Service, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeErr(w, logger, ows.Invalid("body", "read request body: %v", err))
		return
	}
	var env struct {
		Request string  `json:"request"`
		Service *string `json:"service"`
		Version *string `json:"version"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		writeErr(w, logger, ows.Invalid("body", "malformed request document: %v", err))
		return
	}
	base := worker.Base{}
	if env.Service != nil {
		base.Service = worker.Set(*env.Service)
	}
	if env.Version != nil {
		base.Version = worker.Set(*env.Version)
	}

	var out any
	switch strings.ToLower(env.Request) {
	case "transaction":
		var doc txnDocument
		if err = json.Unmarshal(body, &doc); err != nil {
			err = ows.Invalid("transaction", "malformed transaction document: %v", err)
			break
		}
		var actions []txn.Action
		actions, err = doc.actions()
		if err != nil {
			break
		}
		out, err = svc.Transaction(ctx, worker.TransactionRequest{
			Base:          base,
			Actions:       actions,
			Authenticated: r.Header.Get("Authorization") != "",
		})
	case "createstoredquery":
		var descs []storedquery.Description
		descs, err = storedquery.DecodeDocument(body)
		if err != nil {
			err = ows.Invalid("storedQueryDefinition", "malformed definition document: %v", err)
			break
		}
		err = svc.CreateStoredQuery(ctx, base, descs)
		out = ack{Status: "created"}
	case "":
		err = ows.Missing("request")
	default:
		err = ows.NotSupported("operation %q is not accepted over POST", env.Request)
	}
	if err != nil {
		writeErr(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type ack struct {
	Status string `json:"status"`
}

// --- key-value parsing ---

// kvp holds query parameters with lowercased keys; parameter names in the
// key-value encoding are case-insensitive.
type kvp map[string]string

func parseKVP(r *http.Request) kvp {
	out := kvp{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

func (p kvp) param(k string) worker.Param {
	v, ok := p[k]
	return worker.Param{Value: v, Present: ok}
}

func (p kvp) list(k string) []string {
	raw, ok := p[k]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p kvp) integer(k string, def int) (int, error) {
	raw, ok := p[k]
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, ows.Invalid(k, "expected a non-negative integer, got %q", raw)
	}
	return n, nil
}

func parseTypeNames(lists ...[]string) []model.QName {
	var out []model.QName
	for _, l := range lists {
		for _, s := range l {
			out = append(out, model.ParseQName(s))
		}
	}
	return out
}

// reservedParams are the key-value parameters that never feed stored query
// parameter substitution.
var reservedParams = map[string]struct{}{
	"service": {}, "version": {}, "request": {}, "storedquery_id": {},
	"resulttype": {}, "count": {}, "maxfeatures": {}, "startindex": {},
	"outputformat": {}, "srsname": {}, "valuereference": {},
}

func storedQueryParams(p kvp) map[string]string {
	out := map[string]string{}
	for k, v := range p {
		if _, reserved := reservedParams[k]; !reserved {
			out[k] = v
		}
	}
	return out
}

func parseGetFeature(base worker.Base, p kvp) (worker.GetFeatureRequest, error) {
	req := worker.GetFeatureRequest{Base: base, ResultMode: worker.ResultModeResults, OutputFormat: p["outputformat"]}
	if strings.EqualFold(p["resulttype"], "hits") {
		req.ResultMode = worker.ResultModeHits
	}
	var err error
	// count is the current spelling, maxfeatures the compatibility one
	if req.MaxFeatures, err = p.integer("count", 0); err != nil {
		return req, err
	}
	if req.MaxFeatures == 0 {
		if req.MaxFeatures, err = p.integer("maxfeatures", 0); err != nil {
			return req, err
		}
	}
	if req.StartIndex, err = p.integer("startindex", 0); err != nil {
		return req, err
	}

	if id, ok := p["storedquery_id"]; ok {
		req.StoredQueries = append(req.StoredQueries, worker.StoredQueryCall{
			ID:         id,
			Parameters: storedQueryParams(p),
		})
		return req, nil
	}

	q, err := parseAdhocQuery(p)
	if err != nil {
		return req, err
	}
	req.Queries = append(req.Queries, q)
	return req, nil
}

func parseGetPropertyValue(base worker.Base, p kvp) (worker.GetPropertyValueRequest, error) {
	req := worker.GetPropertyValueRequest{
		Base:           base,
		ValueReference: p["valuereference"],
		ResultMode:     worker.ResultModeResults,
	}
	if strings.EqualFold(p["resulttype"], "hits") {
		req.ResultMode = worker.ResultModeHits
	}
	var err error
	if req.MaxFeatures, err = p.integer("count", 0); err != nil {
		return req, err
	}
	if id, ok := p["storedquery_id"]; ok {
		req.StoredQuery = &worker.StoredQueryCall{ID: id, Parameters: storedQueryParams(p)}
		return req, nil
	}
	q, err := parseAdhocQuery(p)
	if err != nil {
		return req, err
	}
	req.Query = &q
	return req, nil
}

func parseAdhocQuery(p kvp) (planner.Query, error) {
	q := planner.Query{
		TypeNames:  parseTypeNames(p.list("typenames"), p.list("typename")),
		Aliases:    p.list("aliases"),
		Projection: p.list("propertyname"),
		CRS:        p["srsname"],
	}
	for _, clause := range p.list("sortby") {
		fields := strings.Fields(clause)
		if len(fields) == 0 {
			continue
		}
		sc := model.SortClause{Property: fields[0]}
		if len(fields) > 1 && strings.HasPrefix(strings.ToUpper(fields[1]), "D") {
			sc.Desc = true
		}
		q.Sort = append(q.Sort, sc)
	}

	given := 0
	for _, k := range []string{"filter", "bbox", "resourceid", "featureid"} {
		if _, ok := p[k]; ok {
			given++
		}
	}
	if given > 1 {
		return q, ows.Invalid("filter", "filter, bbox and resourceid are mutually exclusive")
	}

	switch {
	case p["filter"] != "":
		var n filter.Node
		if err := json.Unmarshal([]byte(p["filter"]), &n); err != nil {
			return q, ows.Invalid("filter", "malformed filter document: %v", err)
		}
		f, err := filter.Decode(n)
		if err != nil {
			return q, ows.Invalid("filter", "%v", err)
		}
		q.Filter = f
	case p["bbox"] != "":
		bb, err := parseBBox(p["bbox"])
		if err != nil {
			return q, err
		}
		q.Filter = filter.Spatial{Op: filter.BBOX, Value: &filter.GeometryLiteral{BBox: &bb}}
	case p["resourceid"] != "" || p["featureid"] != "":
		ids := p.list("resourceid")
		if len(ids) == 0 {
			ids = p.list("featureid")
		}
		q.Filter = resourceIDFilter(ids)
	}
	return q, nil
}

func resourceIDFilter(ids []string) filter.Expr {
	if len(ids) == 1 {
		return filter.ResourceID{ID: ids[0]}
	}
	ops := make([]filter.Expr, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, filter.ResourceID{ID: id})
	}
	return filter.Logical{Op: filter.Or, Operands: ops}
}

// parseBBox parses "minx,miny,maxx,maxy[,crs]".
func parseBBox(raw string) (model.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return model.BBox{}, ows.Invalid("bbox", "expected minx,miny,maxx,maxy[,crs], got %q", raw)
	}
	vals := make([]float64, 4)
	for i := range 4 {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return model.BBox{}, ows.Invalid("bbox", "corner %d: %v", i+1, err)
		}
		vals[i] = f
	}
	if vals[2] < vals[0] || vals[3] < vals[1] {
		return model.BBox{}, ows.Invalid("bbox", "corners must satisfy maxx>=minx and maxy>=miny")
	}
	bb := model.BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}
	if len(parts) == 5 {
		bb.CRS = strings.TrimSpace(parts[4])
	}
	return bb, nil
}

// --- transaction document ---

type txnDocument struct {
	Actions []txnAction `json:"actions"`
}

type txnAction struct {
	Kind        string        `json:"kind"`
	Features    []bodyFeature `json:"features,omitempty"`
	Feature     *bodyFeature  `json:"feature,omitempty"`
	TypeName    string        `json:"typeName,omitempty"`
	Filter      *filter.Node  `json:"filter,omitempty"`
	Assignments []bodyAssign  `json:"assignments,omitempty"`
	CRS         string        `json:"crs,omitempty"`
	Handle      string        `json:"handle,omitempty"`
	InputFormat string        `json:"inputFormat,omitempty"`
}

type bodyAssign struct {
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

type bodyFeature struct {
	ID         string                     `json:"id,omitempty"`
	TypeName   string                     `json:"typeName"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func (d txnDocument) actions() ([]txn.Action, error) {
	out := make([]txn.Action, 0, len(d.Actions))
	for i, a := range d.Actions {
		act, err := a.build()
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, act)
	}
	return out, nil
}

func (a txnAction) build() (txn.Action, error) {
	f, err := decodeFilter(a.Filter)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(a.Kind) {
	case "insert":
		feats := make([]model.Feature, 0, len(a.Features))
		for _, bf := range a.Features {
			mf, err := bf.feature()
			if err != nil {
				return nil, err
			}
			feats = append(feats, mf)
		}
		return txn.Insert{Features: feats, CRS: a.CRS, Handle: a.Handle, InputFormat: a.InputFormat}, nil
	case "update":
		assigns := make([]txn.Assignment, 0, len(a.Assignments))
		for _, ba := range a.Assignments {
			v, err := decodeValue(ba.Value)
			if err != nil {
				return nil, err
			}
			assigns = append(assigns, txn.Assignment{Property: ba.Property, Value: v})
		}
		return txn.Update{TypeName: model.ParseQName(a.TypeName), Filter: f, Assignments: assigns, CRS: a.CRS}, nil
	case "delete":
		return txn.Delete{TypeName: model.ParseQName(a.TypeName), Filter: f}, nil
	case "replace":
		if a.Feature == nil {
			return nil, ows.Invalid("transaction", "replace carries no feature")
		}
		mf, err := a.Feature.feature()
		if err != nil {
			return nil, err
		}
		return txn.Replace{Feature: mf, Filter: f, CRS: a.CRS, Handle: a.Handle, InputFormat: a.InputFormat}, nil
	}
	return nil, ows.Invalid("transaction", "unrecognized action kind %q", a.Kind)
}

func decodeFilter(n *filter.Node) (filter.Expr, error) {
	if n == nil {
		return nil, nil
	}
	f, err := filter.Decode(*n)
	if err != nil {
		return nil, ows.Invalid("filter", "%v", err)
	}
	return f, nil
}

func (bf bodyFeature) feature() (model.Feature, error) {
	f := model.Feature{
		ID:         bf.ID,
		Type:       model.ParseQName(bf.TypeName),
		Properties: make(map[string]any, len(bf.Properties)),
	}
	for k, raw := range bf.Properties {
		v, err := decodeValue(raw)
		if err != nil {
			return model.Feature{}, fmt.Errorf("property %s: %w", k, err)
		}
		f.Properties[k] = v
	}
	return f, nil
}

// decodeValue unwraps the "@geometry" envelope into a native geometry;
// everything else stays as decoded JSON.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wg struct {
		Geometry *model.Geometry `json:"@geometry"`
	}
	if err := json.Unmarshal(raw, &wg); err == nil && wg.Geometry != nil {
		return *wg.Geometry, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// --- responses ---

type exceptionReport struct {
	Code    string `json:"code"`
	Locator string `json:"locator,omitempty"`
	Text    string `json:"text"`
}

func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	oe := ows.As(err)
	if logger != nil {
		logger.Warn("operation rejected", "code", string(oe.Code), "locator", oe.Locator, "err", oe.Message)
	}
	writeJSON(w, ows.HTTPStatus(oe.Code), exceptionReport{
		Code:    string(oe.Code),
		Locator: oe.Locator,
		Text:    oe.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
