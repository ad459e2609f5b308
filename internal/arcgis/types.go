package arcgis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field is a field definition from a layer or query response.
type Field struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Alias  string `json:"alias,omitempty"`
	Length int    `json:"length,omitempty"`
}

// SpatialReference identifies a coordinate system.
type SpatialReference struct {
	WKID       int `json:"wkid,omitempty"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

// EPSG returns the preferred code, or 0 when unknown.
func (s *SpatialReference) EPSG() int {
	if s == nil {
		return 0
	}
	if s.LatestWKID != 0 {
		return s.LatestWKID
	}
	return s.WKID
}

// LayerInfo is the subset of a layer's ?f=json description that setup needs.
type LayerInfo struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"` // "Feature Layer" or "Table"
	GeometryType   string  `json:"geometryType"`
	ObjectIDField  string  `json:"objectIdField"`
	MaxRecordCount int     `json:"maxRecordCount"`
	Fields         []Field `json:"fields"`
	Extent         *struct {
		SpatialReference *SpatialReference `json:"spatialReference"`
	} `json:"extent"`
}

// OIDField returns the declared object-ID field, falling back to the first
// field of type esriFieldTypeOID.
func (l *LayerInfo) OIDField() string {
	if l.ObjectIDField != "" {
		return l.ObjectIDField
	}
	for _, f := range l.Fields {
		if f.Type == "esriFieldTypeOID" {
			return f.Name
		}
	}
	return ""
}

// SpatialReference returns the layer's spatial reference if the service reports one.
func (l *LayerInfo) SpatialReference() *SpatialReference {
	if l.Extent == nil {
		return nil
	}
	return l.Extent.SpatialReference
}

// IDList is the response of a returnIdsOnly query.
type IDList struct {
	ObjectIDFieldName string  `json:"objectIdFieldName"`
	ObjectIDs         []int64 `json:"objectIds"`
}

// Feature is one record of a query response. Tables have no geometry.
type Feature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
}

// FeatureSet is one page of a query response.
type FeatureSet struct {
	ObjectIDFieldName     string            `json:"objectIdFieldName"`
	GeometryType          string            `json:"geometryType"`
	SpatialReference      *SpatialReference `json:"spatialReference"`
	Fields                []Field           `json:"fields"`
	Features              []Feature         `json:"features"`
	ExceededTransferLimit bool              `json:"exceededTransferLimit"`
}

// OID returns the object ID of feature i.
func (fs *FeatureSet) OID(i int, idField string) (int64, error) {
	v, ok := lookupAttr(fs.Features[i].Attributes, idField)
	if !ok {
		return 0, fmt.Errorf("feature %d has no %s attribute", i, idField)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("feature %d: %s is %T, not a number", i, idField, v)
	}
	id, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("feature %d: %s: %w", i, idField, err)
	}
	return id, nil
}

// lookupAttr finds an attribute by exact name, then case-insensitively:
// some services vary the case of the ID field between endpoints.
func lookupAttr(attrs map[string]any, name string) (any, bool) {
	if v, ok := attrs[name]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// QueryParams selects records from a layer.
type QueryParams struct {
	Where          string
	OutFields      string // default "*"
	ReturnGeometry bool
}

type errorEnvelope struct {
	Error *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}
