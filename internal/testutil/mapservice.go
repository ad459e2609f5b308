// Package testutil provides a fake ArcGIS map service for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// Layer is one layer or table served by MapService.
type Layer struct {
	Name           string
	GeometryType   string // empty for tables
	OIDField       string
	MaxRecordCount int
	Fields         []map[string]any
	Features       []map[string]any // {"attributes": {...}, "geometry": {...}}
}

// MapService is an httptest server answering ?f=json and /query requests
// for the layers registered with AddLayer.
type MapService struct {
	server *httptest.Server

	mu       sync.Mutex
	layers   map[string]*Layer
	failPath map[string]string

	// Queries records every where clause sent to /query with returnGeometry.
	Queries      []string
	RequestCount int
}

// NewMapService starts a fake service.
func NewMapService() *MapService {
	m := &MapService{
		layers:   make(map[string]*Layer),
		failPath: make(map[string]string),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the base URL of the service.
func (m *MapService) URL() string {
	return m.server.URL
}

// Close shuts down the server.
func (m *MapService) Close() {
	m.server.Close()
}

// AddLayer registers a layer at path (e.g. "/Parks/MapServer/5") and returns
// its full URL.
func (m *MapService) AddLayer(path string, l *Layer) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[path] = l
	return m.server.URL + path
}

// FailWith makes every request to path return an ArcGIS error body.
func (m *MapService) FailWith(path, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPath[path] = message
}

func (m *MapService) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	path := strings.TrimSuffix(r.URL.Path, "/query")
	isQuery := path != r.URL.Path
	layer := m.layers[path]
	failMsg, fail := m.failPath[r.URL.Path]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		writeJSON(w, map[string]any{"error": map[string]any{
			"code": 400, "message": failMsg, "details": []string{"Invalid or missing input parameters."},
		}})
		return
	}
	if layer == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if q.Get("f") != "json" {
		http.Error(w, "f=json required", http.StatusBadRequest)
		return
	}

	switch {
	case !isQuery:
		layerType := "Feature Layer"
		if layer.GeometryType == "" {
			layerType = "Table"
		}
		writeJSON(w, map[string]any{
			"name":           layer.Name,
			"type":           layerType,
			"geometryType":   layer.GeometryType,
			"objectIdField":  layer.OIDField,
			"maxRecordCount": layer.MaxRecordCount,
			"fields":         layer.Fields,
			"extent":         map[string]any{"spatialReference": map[string]any{"wkid": 102719, "latestWkid": 2264}},
		})

	case q.Get("returnIdsOnly") == "true":
		ids := make([]int64, 0, len(layer.Features))
		for _, f := range layer.Features {
			ids = append(ids, oidOf(f, layer.OIDField))
		}
		// Real services do not promise ordering.
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		writeJSON(w, map[string]any{"objectIdFieldName": layer.OIDField, "objectIds": ids})

	default:
		where := q.Get("where")
		m.mu.Lock()
		m.Queries = append(m.Queries, where)
		m.mu.Unlock()

		var field1, field2, op1, op2, and string
		var from, to int64
		if _, err := fmt.Sscanf(where, "%s %s %d %s %s %s %d", &field1, &op1, &from, &and, &field2, &op2, &to); err != nil ||
			op1 != ">=" || op2 != "<=" || !strings.EqualFold(and, "and") || field1 != layer.OIDField || field2 != layer.OIDField {
			writeJSON(w, map[string]any{"error": map[string]any{"code": 400, "message": "Unable to parse where: " + where}})
			return
		}

		var features []map[string]any
		for _, f := range layer.Features {
			id := oidOf(f, layer.OIDField)
			if id < from || id > to {
				continue
			}
			out := map[string]any{"attributes": f["attributes"]}
			if q.Get("returnGeometry") == "true" && f["geometry"] != nil {
				out["geometry"] = f["geometry"]
			}
			features = append(features, out)
		}
		if len(features) > layer.MaxRecordCount {
			features = features[:layer.MaxRecordCount]
		}
		writeJSON(w, map[string]any{
			"objectIdFieldName": layer.OIDField,
			"geometryType":      layer.GeometryType,
			"spatialReference":  map[string]any{"wkid": 102719, "latestWkid": 2264},
			"fields":            layer.Fields,
			"features":          features,
		})
	}
}

func oidOf(f map[string]any, field string) int64 {
	attrs, _ := f["attributes"].(map[string]any)
	switch v := attrs[field].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Field builds a field definition.
func Field(name, esriType string) map[string]any {
	return map[string]any{"name": name, "type": esriType, "alias": name}
}

// PointFeature builds a feature with a point geometry.
func PointFeature(x, y float64, attrs map[string]any) map[string]any {
	return map[string]any{
		"attributes": attrs,
		"geometry":   map[string]any{"x": x, "y": y},
	}
}

// PolygonFeature builds a feature with a square polygon of the given size.
func PolygonFeature(x, y, size float64, attrs map[string]any) map[string]any {
	ring := [][]float64{{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y}}
	return map[string]any{
		"attributes": attrs,
		"geometry":   map[string]any{"rings": [][][]float64{ring}},
	}
}

// Record builds a table row.
func Record(attrs map[string]any) map[string]any {
	return map[string]any{"attributes": attrs}
}
