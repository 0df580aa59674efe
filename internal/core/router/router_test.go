package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mohammed-shakir/wfs-engine/internal/core/model"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/capabilities"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/filter"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/ows"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/storedquery"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/txn"
	"github.com/mohammed-shakir/wfs-engine/internal/wfs/worker"
)

// stubService records the decoded request of the last call and returns
// canned results, so the tests exercise only the HTTP binding.
type stubService struct {
	caps    worker.GetCapabilitiesRequest
	descr   worker.DescribeFeatureTypeRequest
	feature worker.GetFeatureRequest
	value   worker.GetPropertyValueRequest
	txn     worker.TransactionRequest
	created []storedquery.Description
	dropped string
	err     error
}

func (s *stubService) GetCapabilities(_ context.Context, req worker.GetCapabilitiesRequest) (*capabilities.Document, error) {
	s.caps = req
	return &capabilities.Document{Version: "2.0.0"}, s.err
}

func (s *stubService) DescribeFeatureType(_ context.Context, req worker.DescribeFeatureTypeRequest) (*worker.SchemaDocument, error) {
	s.descr = req
	return &worker.SchemaDocument{}, s.err
}

func (s *stubService) GetFeature(_ context.Context, req worker.GetFeatureRequest) (*worker.FeatureResponse, error) {
	s.feature = req
	return &worker.FeatureResponse{}, s.err
}

func (s *stubService) GetPropertyValue(_ context.Context, req worker.GetPropertyValueRequest) (*worker.ValueResponse, error) {
	s.value = req
	return &worker.ValueResponse{}, s.err
}

func (s *stubService) Transaction(_ context.Context, req worker.TransactionRequest) (*txn.Summary, error) {
	s.txn = req
	return &txn.Summary{}, s.err
}

func (s *stubService) ListStoredQueries(context.Context, worker.Base) ([]worker.StoredQueryListItem, error) {
	return nil, s.err
}

func (s *stubService) DescribeStoredQueries(context.Context, worker.Base, []string) ([]storedquery.Description, error) {
	return nil, s.err
}

func (s *stubService) CreateStoredQuery(_ context.Context, _ worker.Base, descs []storedquery.Description) error {
	s.created = descs
	return s.err
}

func (s *stubService) DropStoredQuery(_ context.Context, _ worker.Base, id string) error {
	s.dropped = id
	return s.err
}

func get(t *testing.T, svc Service, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/wfs?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	Handle(nil, svc)(rec, req)
	return rec
}

func post(t *testing.T, svc Service, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/wfs", strings.NewReader(body))
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	HandlePost(nil, svc)(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) exceptionReport {
	t.Helper()
	var rep exceptionReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("exception report: %v (%s)", err, rec.Body.String())
	}
	return rep
}

func TestKVP_GetCapabilities(t *testing.T) {
	svc := &stubService{}
	// parameter names are case-insensitive
	rec := get(t, svc, url.Values{
		"SERVICE":        {"WFS"},
		"REQUEST":        {"GetCapabilities"},
		"AcceptVersions": {"1.1.0,2.0.0"},
		"Sections":       {"FeatureTypeList,ServiceProvider"},
		"updateSequence": {"7"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !svc.caps.Service.Present || svc.caps.Service.Value != "WFS" {
		t.Fatalf("service=%+v", svc.caps.Service)
	}
	if len(svc.caps.AcceptVersions) != 2 || svc.caps.AcceptVersions[1] != "2.0.0" {
		t.Fatalf("acceptVersions=%v", svc.caps.AcceptVersions)
	}
	if len(svc.caps.Sections) != 2 || svc.caps.UpdateSequence != "7" {
		t.Fatalf("sections=%v updateSequence=%q", svc.caps.Sections, svc.caps.UpdateSequence)
	}
}

func TestKVP_MissingRequest(t *testing.T) {
	rec := get(t, &stubService{}, url.Values{"service": {"WFS"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if rep := decodeErr(t, rec); rep.Code != "MissingParameterValue" || rep.Locator != "request" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestKVP_UnknownOperation(t *testing.T) {
	rec := get(t, &stubService{}, url.Values{"request": {"LockFeature"}})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d", rec.Code)
	}
	if rep := decodeErr(t, rec); rep.Code != "OperationNotSupported" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestKVP_GetFeature_Adhoc(t *testing.T) {
	svc := &stubService{}
	rec := get(t, svc, url.Values{
		"service":      {"WFS"},
		"version":      {"2.0.0"},
		"request":      {"GetFeature"},
		"typeNames":    {"ns:Road"},
		"count":        {"10"},
		"startIndex":   {"5"},
		"propertyName": {"name,lanes"},
		"sortBy":       {"lanes DESC,name"},
		"srsName":      {"EPSG:3857"},
		"resultType":   {"hits"},
		"bbox":         {"13.0,55.5,13.5,56.0,EPSG:4326"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	req := svc.feature
	if req.ResultMode != worker.ResultModeHits || req.MaxFeatures != 10 || req.StartIndex != 5 {
		t.Fatalf("req=%+v", req)
	}
	if len(req.Queries) != 1 {
		t.Fatalf("queries=%+v", req.Queries)
	}
	q := req.Queries[0]
	if len(q.TypeNames) != 1 || q.TypeNames[0].Local != "Road" {
		t.Fatalf("typeNames=%+v", q.TypeNames)
	}
	if len(q.Projection) != 2 || q.CRS != "EPSG:3857" {
		t.Fatalf("projection=%v crs=%q", q.Projection, q.CRS)
	}
	if len(q.Sort) != 2 || !q.Sort[0].Desc || q.Sort[1].Desc {
		t.Fatalf("sort=%+v", q.Sort)
	}
	sp, ok := q.Filter.(filter.Spatial)
	if !ok || sp.Op != filter.BBOX || sp.Value.BBox == nil || sp.Value.BBox.CRS != "EPSG:4326" {
		t.Fatalf("filter=%+v", q.Filter)
	}
}

func TestKVP_GetFeature_MaxFeaturesFallback(t *testing.T) {
	svc := &stubService{}
	get(t, svc, url.Values{
		"service":     {"WFS"},
		"version":     {"2.0.0"},
		"request":     {"GetFeature"},
		"typenames":   {"Road"},
		"maxFeatures": {"25"},
	})
	if svc.feature.MaxFeatures != 25 {
		t.Fatalf("maxFeatures=%d want the compatibility spelling honored", svc.feature.MaxFeatures)
	}
}

func TestKVP_GetFeature_FilterJSON(t *testing.T) {
	svc := &stubService{}
	doc := `{"kind":"comparison","op":"PropertyIsEqualTo","property":"name","value":"E22"}`
	rec := get(t, svc, url.Values{
		"service":   {"WFS"},
		"version":   {"2.0.0"},
		"request":   {"GetFeature"},
		"typenames": {"Road"},
		"filter":    {doc},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	cmp, ok := svc.feature.Queries[0].Filter.(filter.Comparison)
	if !ok || cmp.Op != filter.Equal || cmp.Property.Path != "name" {
		t.Fatalf("filter=%+v", svc.feature.Queries[0].Filter)
	}
}

func TestKVP_GetFeature_ResourceIDs(t *testing.T) {
	svc := &stubService{}
	get(t, svc, url.Values{
		"service":    {"WFS"},
		"version":    {"2.0.0"},
		"request":    {"GetFeature"},
		"typenames":  {"Road"},
		"resourceID": {"r1,r2"},
	})
	lg, ok := svc.feature.Queries[0].Filter.(filter.Logical)
	if !ok || lg.Op != filter.Or || len(lg.Operands) != 2 {
		t.Fatalf("filter=%+v", svc.feature.Queries[0].Filter)
	}
	if rid := lg.Operands[0].(filter.ResourceID); rid.ID != "r1" {
		t.Fatalf("operand=%+v", lg.Operands[0])
	}
}

func TestKVP_GetFeature_PredicatesMutuallyExclusive(t *testing.T) {
	rec := get(t, &stubService{}, url.Values{
		"service":    {"WFS"},
		"version":    {"2.0.0"},
		"request":    {"GetFeature"},
		"typenames":  {"Road"},
		"bbox":       {"1,2,3,4"},
		"resourceid": {"r1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if rep := decodeErr(t, rec); rep.Locator != "filter" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestKVP_GetFeature_StoredQueryParams(t *testing.T) {
	svc := &stubService{}
	get(t, svc, url.Values{
		"service":        {"WFS"},
		"version":        {"2.0.0"},
		"request":        {"GetFeature"},
		"storedQuery_ID": {"urn:example:wide-roads"},
		"minlanes":       {"6"},
		"count":          {"3"},
	})
	req := svc.feature
	if len(req.StoredQueries) != 1 || req.StoredQueries[0].ID != "urn:example:wide-roads" {
		t.Fatalf("storedQueries=%+v", req.StoredQueries)
	}
	params := req.StoredQueries[0].Parameters
	if params["minlanes"] != "6" {
		t.Fatalf("params=%v", params)
	}
	// reserved parameters never feed substitution
	for _, k := range []string{"service", "version", "request", "count", "storedquery_id"} {
		if _, ok := params[k]; ok {
			t.Fatalf("reserved parameter %q leaked into %v", k, params)
		}
	}
}

func TestKVP_BadBBox(t *testing.T) {
	for _, raw := range []string{"1,2,3", "a,b,c,d", "3,2,1,4"} {
		rec := get(t, &stubService{}, url.Values{
			"service":   {"WFS"},
			"version":   {"2.0.0"},
			"request":   {"GetFeature"},
			"typenames": {"Road"},
			"bbox":      {raw},
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("bbox %q: status=%d", raw, rec.Code)
		}
		if rep := decodeErr(t, rec); rep.Locator != "bbox" {
			t.Fatalf("bbox %q: report=%+v", raw, rep)
		}
	}
}

func TestKVP_GetPropertyValue(t *testing.T) {
	svc := &stubService{}
	get(t, svc, url.Values{
		"service":        {"WFS"},
		"version":        {"2.0.0"},
		"request":        {"GetPropertyValue"},
		"typenames":      {"Road"},
		"valueReference": {"owner/name"},
	})
	if svc.value.ValueReference != "owner/name" || svc.value.Query == nil {
		t.Fatalf("req=%+v", svc.value)
	}
}

func TestKVP_TransactionRequiresPost(t *testing.T) {
	rec := get(t, &stubService{}, url.Values{
		"service": {"WFS"},
		"version": {"2.0.0"},
		"request": {"Transaction"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if rep := decodeErr(t, rec); rep.Locator != "request" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestKVP_DropStoredQuery(t *testing.T) {
	svc := &stubService{}
	rec := get(t, svc, url.Values{
		"service":        {"WFS"},
		"version":        {"2.0.0"},
		"request":        {"DropStoredQuery"},
		"storedquery_id": {"urn:example:wide-roads"},
	})
	if rec.Code != http.StatusOK || svc.dropped != "urn:example:wide-roads" {
		t.Fatalf("status=%d dropped=%q", rec.Code, svc.dropped)
	}
	var a ack
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil || a.Status != "dropped" {
		t.Fatalf("ack=%+v err=%v", a, err)
	}
}

func TestKVP_ServiceErrorStatusMapping(t *testing.T) {
	svc := &stubService{err: ows.NotSupported("read-only instance")}
	rec := get(t, svc, url.Values{
		"service":   {"WFS"},
		"version":   {"2.0.0"},
		"request":   {"GetFeature"},
		"typenames": {"Road"},
	})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d", rec.Code)
	}
	if rep := decodeErr(t, rec); rep.Code != "OperationNotSupported" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestPost_Transaction(t *testing.T) {
	svc := &stubService{}
	body := `{
		"request": "Transaction",
		"service": "WFS",
		"version": "2.0.0",
		"actions": [
			{
				"kind": "insert",
				"handle": "h1",
				"features": [{
					"typeName": "{http://example.com/roads}Road",
					"properties": {
						"name": "Nygatan",
						"lanes": 2,
						"geom": {"@geometry": {"type": "Point", "crs": "EPSG:4326", "coords": [[13.2, 55.7]]}}
					}
				}]
			},
			{
				"kind": "delete",
				"typeName": "{http://example.com/roads}Road",
				"filter": {"kind": "resourceid", "id": "r9"}
			}
		]
	}`
	rec := post(t, svc, body, http.Header{"Authorization": {"Bearer x"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	req := svc.txn
	if !req.Authenticated {
		t.Fatalf("authorization header must mark the request authenticated")
	}
	if !req.Service.Present || req.Service.Value != "WFS" || req.Version.Value != "2.0.0" {
		t.Fatalf("base=%+v", req.Base)
	}
	if len(req.Actions) != 2 {
		t.Fatalf("actions=%+v", req.Actions)
	}
	ins, ok := req.Actions[0].(txn.Insert)
	if !ok || ins.Handle != "h1" || len(ins.Features) != 1 {
		t.Fatalf("insert=%+v", req.Actions[0])
	}
	feat := ins.Features[0]
	if feat.Type.Local != "Road" || feat.Type.Namespace != "http://example.com/roads" {
		t.Fatalf("feature type=%+v", feat.Type)
	}
	g, ok := feat.Properties["geom"].(model.Geometry)
	if !ok || g.Type != "Point" || g.CRS != "EPSG:4326" {
		t.Fatalf("geom=%v (%T)", feat.Properties["geom"], feat.Properties["geom"])
	}
	del, ok := req.Actions[1].(txn.Delete)
	if !ok {
		t.Fatalf("delete=%+v", req.Actions[1])
	}
	if rid, ok := del.Filter.(filter.ResourceID); !ok || rid.ID != "r9" {
		t.Fatalf("delete filter=%+v", del.Filter)
	}
}

func TestPost_Transaction_UnknownActionKind(t *testing.T) {
	rec := post(t, &stubService{}, `{"request":"Transaction","service":"WFS","version":"2.0.0","actions":[{"kind":"merge"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	if rep := decodeErr(t, rec); rep.Code != "InvalidParameterValue" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestPost_CreateStoredQuery(t *testing.T) {
	svc := &stubService{}
	body := `{
		"request": "CreateStoredQuery",
		"service": "WFS",
		"version": "2.0.0",
		"queries": [{
			"id": "urn:example:wide-roads",
			"title": "Wide roads",
			"expressions": [{
				"language": "` + storedquery.LanguageWFSQueryExpression + `",
				"query": {"typeNames": ["{http://example.com/roads}Road"]}
			}]
		}]
	}`
	rec := post(t, svc, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if len(svc.created) != 1 || svc.created[0].ID != "urn:example:wide-roads" {
		t.Fatalf("created=%+v", svc.created)
	}
	var a ack
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil || a.Status != "created" {
		t.Fatalf("ack=%+v err=%v", a, err)
	}
}

func TestPost_RequestValidation(t *testing.T) {
	rec := post(t, &stubService{}, `{"service":"WFS"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing request: status=%d", rec.Code)
	}
	rec = post(t, &stubService{}, `{"request":"GetFeature"}`, nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("kvp-only operation over POST: status=%d", rec.Code)
	}
	rec = post(t, &stubService{}, `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status=%d", rec.Code)
	}
}
