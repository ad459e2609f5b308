package merge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/johndauphine/ebpa-setup/internal/arcgis"
	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/fetch"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/testutil"
)

func newStore(t *testing.T) *geodb.Store {
	t.Helper()
	s, err := geodb.Create(context.Background(), t.TempDir(), "SETUP")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func parksService(t *testing.T) (*testutil.MapService, string) {
	t.Helper()
	svc := testutil.NewMapService()
	t.Cleanup(svc.Close)

	l := &testutil.Layer{
		Name:           "Parks",
		GeometryType:   "esriGeometryPolygon",
		OIDField:       "OBJECTID",
		MaxRecordCount: 2,
		Fields: []map[string]any{
			testutil.Field("OBJECTID", "esriFieldTypeOID"),
			testutil.Field("PARKID", "esriFieldTypeInteger"),
			testutil.Field("NAME", "esriFieldTypeString"),
			testutil.Field("MAP_ACRES", "esriFieldTypeDouble"),
			testutil.Field("SHAPE", "esriFieldTypeGeometry"),
		},
		Features: []map[string]any{
			testutil.PolygonFeature(0, 0, 10, map[string]any{"OBJECTID": 5, "PARKID": 10, "NAME": "Dix", "MAP_ACRES": 308.5}),
			testutil.PolygonFeature(20, 0, 5, map[string]any{"OBJECTID": 9, "PARKID": 20, "NAME": "Pullen", "MAP_ACRES": 66}),
			testutil.PolygonFeature(40, 10, 2, map[string]any{"OBJECTID": 12, "PARKID": 30, "NAME": nil, "MAP_ACRES": 4.25}),
		},
	}
	return svc, svc.AddLayer("/Parks/MapServer/5", l)
}

func TestMergeFetchedPages(t *testing.T) {
	ctx := context.Background()
	_, url := parksService(t)

	src := config.Source{Name: "parks", URL: url, Code: "p", Kind: config.KindFeature}
	res, err := fetch.New(arcgis.NewClient(arcgis.Options{}), "", nil).Fetch(ctx, src)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(res.Pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(res.Pages))
	}

	s := newStore(t)
	n, err := Merge(ctx, s, "p", geodb.KindFeature, res)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Merge() wrote %d rows, want 3", n)
	}

	fc, err := s.Describe(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	want := []geodb.Field{
		{Name: "PARKID", Type: "esriFieldTypeInteger", Alias: "PARKID"},
		{Name: "NAME", Type: "esriFieldTypeString", Alias: "NAME"},
		{Name: "MAP_ACRES", Type: "esriFieldTypeDouble", Alias: "MAP_ACRES"},
	}
	if diff := cmp.Diff(want, fc.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	if fc.OIDField != "OBJECTID" || fc.GeometryType != "esriGeometryPolygon" || fc.WKID != 2264 {
		t.Errorf("unexpected schema %+v", fc)
	}
	if fc.RowCount != 3 {
		t.Errorf("RowCount = %d", fc.RowCount)
	}
	wantExtent := &geodb.Envelope{XMin: 0, YMin: 0, XMax: 42, YMax: 12}
	if diff := cmp.Diff(wantExtent, fc.Extent); diff != "" {
		t.Errorf("extent mismatch (-want +got):\n%s", diff)
	}

	rows, err := s.Rows(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	var oids []int64
	for _, r := range rows {
		oids = append(oids, r.OID)
	}
	if diff := cmp.Diff([]int64{5, 9, 12}, oids); diff != "" {
		t.Errorf("OIDs mismatch (-want +got):\n%s", diff)
	}
	wantAttrs := map[string]any{"PARKID": int64(30), "NAME": nil, "MAP_ACRES": 4.25}
	if diff := cmp.Diff(wantAttrs, rows[2].Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
	if rows[1].Attributes["MAP_ACRES"] != float64(66) {
		t.Errorf("integral double stored as %T %v", rows[1].Attributes["MAP_ACRES"], rows[1].Attributes["MAP_ACRES"])
	}
}

func TestMergeRecordTable(t *testing.T) {
	ctx := context.Background()
	res := &fetch.Result{
		Source:  config.Source{Name: "analysis_tiers"},
		Info:    &arcgis.LayerInfo{Type: "Table", ObjectIDField: "OBJECTID", MaxRecordCount: 1000},
		IDField: "OBJECTID",
		IDs:     []int64{1, 2},
		Pages: []*arcgis.FeatureSet{{
			Fields: []arcgis.Field{
				{Name: "OBJECTID", Type: "esriFieldTypeOID"},
				{Name: "PARKID", Type: "esriFieldTypeInteger"},
				{Name: "LEVEL_OF_SERVICE", Type: "esriFieldTypeSmallInteger"},
				{Name: "EBPAYEAR", Type: "esriFieldTypeSmallInteger"},
			},
			Features: []arcgis.Feature{
				{Attributes: map[string]any{"OBJECTID": json.Number("1"), "PARKID": json.Number("10"),
					"LEVEL_OF_SERVICE": json.Number("1"), "EBPAYEAR": json.Number("2013")}},
				{Attributes: map[string]any{"objectid": json.Number("2"), "PARKID": json.Number("20"),
					"LEVEL_OF_SERVICE": json.Number("0"), "EBPAYEAR": nil}},
			},
		}},
	}

	s := newStore(t)
	if _, err := Merge(ctx, s, "at", geodb.KindRecord, res); err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	fc, _ := s.Describe(ctx, "at")
	if fc.HasGeometry() || fc.Extent != nil {
		t.Errorf("record table got geometry: %+v", fc)
	}
	rows, _ := s.Rows(ctx, "at")
	if len(rows) != 2 || rows[1].OID != 2 || rows[1].Attributes["EBPAYEAR"] != nil {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestMergeEmptySourceUsesLayerFields(t *testing.T) {
	ctx := context.Background()
	res := &fetch.Result{
		Source:  config.Source{Name: "access_points"},
		IDField: "FID",
		Info: &arcgis.LayerInfo{
			GeometryType:  "esriGeometryPoint",
			ObjectIDField: "FID",
			Fields: []arcgis.Field{
				{Name: "FID", Type: "esriFieldTypeOID"},
				{Name: "AP_CODE", Type: "esriFieldTypeString", Length: 10},
			},
		},
	}

	s := newStore(t)
	n, err := Merge(ctx, s, "ap", geodb.KindFeature, res)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if n != 0 {
		t.Errorf("Merge() wrote %d rows", n)
	}
	fields, _ := s.ListFields(ctx, "ap")
	var names []string
	for _, f := range fields {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"FID", "Shape", "AP_CODE"}, names); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeReplacesExisting(t *testing.T) {
	ctx := context.Background()
	_, url := parksService(t)
	res, err := fetch.New(arcgis.NewClient(arcgis.Options{}), "", nil).
		Fetch(ctx, config.Source{Name: "parks", URL: url, Code: "p", Kind: config.KindFeature})
	if err != nil {
		t.Fatal(err)
	}

	s := newStore(t)
	var sums []string
	for i := 0; i < 2; i++ {
		if _, err := Merge(ctx, s, "p", geodb.KindFeature, res); err != nil {
			t.Fatalf("Merge() run %d error: %v", i, err)
		}
		sum, err := s.Checksum(ctx, "p")
		if err != nil {
			t.Fatal(err)
		}
		sums = append(sums, sum)
	}
	if sums[0] != sums[1] {
		t.Error("merging the same pages twice produced different content")
	}
}

func TestMergeBadValue(t *testing.T) {
	res := &fetch.Result{
		Source:  config.Source{Name: "analysis_tiers"},
		Info:    &arcgis.LayerInfo{},
		IDField: "OBJECTID",
		Pages: []*arcgis.FeatureSet{{
			Fields: []arcgis.Field{{Name: "PARKID", Type: "esriFieldTypeInteger"}},
			Features: []arcgis.Feature{
				{Attributes: map[string]any{"OBJECTID": json.Number("1"), "PARKID": "ten"}},
			},
		}},
	}
	if _, err := Merge(context.Background(), newStore(t), "at", geodb.KindRecord, res); err == nil {
		t.Error("expected error for a non-integer PARKID")
	}
}

func TestMergeEmptyPoint(t *testing.T) {
	ctx := context.Background()
	res := &fetch.Result{
		Source:  config.Source{Name: "access_points"},
		Info:    &arcgis.LayerInfo{GeometryType: "esriGeometryPoint"},
		IDField: "OBJECTID",
		Pages: []*arcgis.FeatureSet{{
			Fields: []arcgis.Field{{Name: "AP_CODE", Type: "esriFieldTypeString"}},
			Features: []arcgis.Feature{
				{
					Attributes: map[string]any{"OBJECTID": json.Number("1"), "AP_CODE": "A1"},
					Geometry:   json.RawMessage(`{"x":"NaN","y":"NaN"}`),
				},
				{
					Attributes: map[string]any{"OBJECTID": json.Number("2"), "AP_CODE": "A2"},
					Geometry:   json.RawMessage(`{"x":7,"y":3}`),
				},
			},
		}},
	}

	s := newStore(t)
	n, err := Merge(ctx, s, "ap", geodb.KindFeature, res)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Merge() wrote %d rows, want 2", n)
	}

	fc, err := s.Describe(ctx, "ap")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&geodb.Envelope{XMin: 7, YMin: 3, XMax: 7, YMax: 3}, fc.Extent); diff != "" {
		t.Errorf("extent mismatch (-want +got):\n%s", diff)
	}
	rows, err := s.Rows(ctx, "ap")
	if err != nil {
		t.Fatal(err)
	}
	if string(rows[0].Geometry) != `{"x":"NaN","y":"NaN"}` {
		t.Errorf("empty point stored as %s", rows[0].Geometry)
	}
}
