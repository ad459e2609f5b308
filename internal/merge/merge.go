// Package merge writes the pages downloaded for one source into a single
// feature class of the setup store.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/ebpa-setup/internal/arcgis"
	"github.com/johndauphine/ebpa-setup/internal/fetch"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/typemap"
)

// Schema builds the feature class definition for a fetch result. Fields come
// from the first page, or from the layer description when nothing was
// downloaded. The OID and geometry fields become the implicit system fields.
func Schema(name, kind string, res *fetch.Result) *geodb.FeatureClass {
	fields := res.Info.Fields
	if len(res.Pages) > 0 && len(res.Pages[0].Fields) > 0 {
		fields = res.Pages[0].Fields
	}

	idField := res.IDField
	if idField == "" {
		idField = res.Info.OIDField()
	}
	if idField == "" {
		idField = geodb.OutputOIDField
	}

	fc := &geodb.FeatureClass{
		Name:     name,
		Kind:     kind,
		OIDField: idField,
	}
	if kind == geodb.KindFeature {
		fc.GeometryType = res.Info.GeometryType
		fc.WKID = res.Info.SpatialReference().EPSG()
		if len(res.Pages) > 0 {
			if p := res.Pages[0]; p.SpatialReference != nil {
				fc.WKID = p.SpatialReference.EPSG()
			}
			if fc.GeometryType == "" {
				fc.GeometryType = res.Pages[0].GeometryType
			}
		}
	}

	for _, f := range fields {
		if isSystemField(f, idField) {
			continue
		}
		fc.Fields = append(fc.Fields, geodb.Field{
			Name:   f.Name,
			Type:   f.Type,
			Alias:  f.Alias,
			Length: f.Length,
		})
	}
	return fc
}

func isSystemField(f arcgis.Field, idField string) bool {
	if strings.EqualFold(f.Name, idField) || strings.EqualFold(f.Name, geodb.ShapeField) {
		return true
	}
	return f.Type == typemap.OID || f.Type == typemap.Geometry
}

// Merge creates name in store from every page of res, replacing any existing
// feature class, and returns the number of rows written.
func Merge(ctx context.Context, store *geodb.Store, name, kind string, res *fetch.Result) (int64, error) {
	fc := Schema(name, kind, res)
	logging.Info("Merging %d pages of %s into %s...", len(res.Pages), res.Source.Name, name)

	if err := store.CreateFeatureClass(ctx, fc); err != nil {
		return 0, fmt.Errorf("merging %s: %w", name, err)
	}

	rows := make([]geodb.Row, 0, res.Records())
	for p, page := range res.Pages {
		for i, feat := range page.Features {
			oid, err := page.OID(i, res.IDField)
			if err != nil {
				return 0, fmt.Errorf("merging %s page %d: %w", name, p, err)
			}
			row := geodb.Row{OID: oid, Attributes: make(map[string]any, len(fc.Fields))}
			for _, f := range fc.Fields {
				v, err := typemap.Normalize(f.Type, attribute(feat.Attributes, f.Name))
				if err != nil {
					return 0, fmt.Errorf("merging %s OID %d field %s: %w", name, oid, f.Name, err)
				}
				row.Attributes[f.Name] = v
			}
			if fc.HasGeometry() {
				row.Geometry = feat.Geometry
			}
			rows = append(rows, row)
		}
	}

	if err := store.InsertRows(ctx, name, rows); err != nil {
		return 0, fmt.Errorf("merging %s: %w", name, err)
	}
	logging.Info("Merged %d records into %s", len(rows), name)
	return int64(len(rows)), nil
}

func attribute(attrs map[string]any, name string) any {
	if v, ok := attrs[name]; ok {
		return v
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}
