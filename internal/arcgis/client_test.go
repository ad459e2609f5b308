package arcgis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/johndauphine/ebpa-setup/internal/testutil"
)

func newParksService(t *testing.T) (*testutil.MapService, string) {
	t.Helper()
	svc := testutil.NewMapService()
	t.Cleanup(svc.Close)
	url := svc.AddLayer("/Parks/Greenway/MapServer/5", &testutil.Layer{
		Name:           "Parks",
		GeometryType:   "esriGeometryPolygon",
		OIDField:       "OBJECTID",
		MaxRecordCount: 2,
		Fields: []map[string]any{
			testutil.Field("OBJECTID", "esriFieldTypeOID"),
			testutil.Field("PARKID", "esriFieldTypeInteger"),
			testutil.Field("NAME", "esriFieldTypeString"),
		},
		Features: []map[string]any{
			testutil.PolygonFeature(0, 0, 10, map[string]any{"OBJECTID": 3, "PARKID": 30, "NAME": "Pullen"}),
			testutil.PolygonFeature(20, 0, 10, map[string]any{"OBJECTID": 1, "PARKID": 10, "NAME": "Dix"}),
			testutil.PolygonFeature(40, 0, 10, map[string]any{"OBJECTID": 7, "PARKID": 70, "NAME": "Lake Johnson"}),
		},
	})
	return svc, url
}

func TestLayerInfo(t *testing.T) {
	_, url := newParksService(t)
	c := NewClient(Options{Timeout: 5 * time.Second})

	info, err := c.LayerInfo(context.Background(), url)
	if err != nil {
		t.Fatalf("LayerInfo() error: %v", err)
	}
	if info.MaxRecordCount != 2 {
		t.Errorf("MaxRecordCount = %d, want 2", info.MaxRecordCount)
	}
	if info.OIDField() != "OBJECTID" {
		t.Errorf("OIDField() = %q", info.OIDField())
	}
	if info.Type != "Feature Layer" {
		t.Errorf("Type = %q", info.Type)
	}
	if got := info.SpatialReference().EPSG(); got != 2264 {
		t.Errorf("EPSG() = %d, want latestWkid 2264", got)
	}
}

func TestObjectIDsSorted(t *testing.T) {
	_, url := newParksService(t)
	c := NewClient(Options{})

	ids, err := c.ObjectIDs(context.Background(), url, "1=1")
	if err != nil {
		t.Fatalf("ObjectIDs() error: %v", err)
	}
	if ids.ObjectIDFieldName != "OBJECTID" {
		t.Errorf("ObjectIDFieldName = %q", ids.ObjectIDFieldName)
	}
	if diff := cmp.Diff([]int64{1, 3, 7}, ids.ObjectIDs); diff != "" {
		t.Errorf("ObjectIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestQuery(t *testing.T) {
	svc, url := newParksService(t)
	c := NewClient(Options{})

	fs, err := c.Query(context.Background(), url, QueryParams{
		Where:          "OBJECTID >= 1 and OBJECTID <= 3",
		ReturnGeometry: true,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(fs.Features) != 2 {
		t.Fatalf("len(Features) = %d, want 2", len(fs.Features))
	}
	if fs.GeometryType != "esriGeometryPolygon" {
		t.Errorf("GeometryType = %q", fs.GeometryType)
	}
	for i := range fs.Features {
		id, err := fs.OID(i, "OBJECTID")
		if err != nil {
			t.Fatalf("OID(%d) error: %v", i, err)
		}
		if id != 1 && id != 3 {
			t.Errorf("unexpected OID %d", id)
		}
		if len(fs.Features[i].Geometry) == 0 {
			t.Errorf("feature %d has no geometry", i)
		}
	}
	if len(svc.Queries) != 1 || svc.Queries[0] != "OBJECTID >= 1 and OBJECTID <= 3" {
		t.Errorf("server saw where clauses %v", svc.Queries)
	}
}

func TestServiceErrorBody(t *testing.T) {
	svc, url := newParksService(t)
	svc.FailWith("/Parks/Greenway/MapServer/5/query", "Invalid query")
	c := NewClient(Options{})

	_, err := c.Query(context.Background(), url, QueryParams{Where: "1=1"})
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if se.Code != 400 || se.Message != "Invalid query" {
		t.Errorf("ServiceError = %+v", se)
	}
	if se.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200 (errors arrive in the body)", se.StatusCode)
	}
	if !strings.Contains(se.Error(), "code 400") {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Options{}).LayerInfo(context.Background(), srv.URL+"/layer/0")
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if se.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
}

func TestMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"maxRecordCount": `))
	}))
	defer srv.Close()

	_, err := NewClient(Options{}).LayerInfo(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "decoding") {
		t.Fatalf("expected decoding error, got %v", err)
	}
}

func TestLayerInfoWithoutRecordLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "Parks", "objectIdField": "OBJECTID"}`))
	}))
	defer srv.Close()

	if _, err := NewClient(Options{}).LayerInfo(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error when maxRecordCount is missing")
	}
}

func TestRequestParameters(t *testing.T) {
	var got http.Header
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		query = r.URL.Query()
		w.Write([]byte(`{"features": []}`))
	}))
	defer srv.Close()

	c := NewClient(Options{UserAgent: "ebpa-setup/test", OutSR: 4326})
	if _, err := c.Query(context.Background(), srv.URL+"/0/", QueryParams{Where: "1=1", ReturnGeometry: true}); err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if ua := got.Get("User-Agent"); ua != "ebpa-setup/test" {
		t.Errorf("User-Agent = %q", ua)
	}
	want := map[string][]string{
		"where":          {"1=1"},
		"returnGeometry": {"true"},
		"outFields":      {"*"},
		"outSR":          {"4326"},
		"f":              {"json"},
	}
	if diff := cmp.Diff(want, query); diff != "" {
		t.Errorf("query parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	_, url := newParksService(t)
	c := NewClient(Options{RequestsPerSecond: 0.001})

	ctx := context.Background()
	if _, err := c.LayerInfo(ctx, url); err != nil {
		t.Fatalf("first request should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := c.LayerInfo(ctx, url); err == nil {
		t.Fatal("expected limiter wait to fail once the context expires")
	}
}
