package geodb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// OutputOIDField is the OID field of feature classes written by Extract.
const OutputOIDField = "OBJECTID"

const (
	viewOID   = "__oid"
	viewShape = "__shape"
)

// JoinField is an attribute field of a joined layer, qualified by the
// feature class it comes from.
type JoinField struct {
	Table  string
	Field  Field
	column string // unique column name in the join view
}

// QualifiedName returns table.field, e.g. p.PARKID.
func (f JoinField) QualifiedName() string {
	return f.Table + "." + f.Field.Name
}

// Stem returns the unqualified field name.
func (f JoinField) Stem() string {
	return f.Field.Name
}

// Join is a temporary keep-all join of a layer to a lookup table. Every layer
// row appears once, matched to the lookup row with the lowest OID sharing its
// key, or to nulls when there is none. The join lives until Remove.
type Join struct {
	store  *Store
	view   string
	layer  *FeatureClass
	table  *FeatureClass
	fields []JoinField
}

// AddJoin joins layer to joinTable on layer.key = joinTable.joinKey.
func (s *Store) AddJoin(ctx context.Context, layer, key, joinTable, joinKey string) (*Join, error) {
	lfc, err := s.Describe(ctx, layer)
	if err != nil {
		return nil, err
	}
	tfc, err := s.Describe(ctx, joinTable)
	if err != nil {
		return nil, err
	}
	lkey, ok := lfc.Field(key)
	if !ok {
		return nil, fmt.Errorf("join: %s has no field %q", lfc.Name, key)
	}
	tkey, ok := tfc.Field(joinKey)
	if !ok {
		return nil, fmt.Errorf("join: %s has no field %q", tfc.Name, joinKey)
	}

	j := &Join{store: s, view: lfc.Name + "_lyr", layer: lfc, table: tfc}

	used := map[string]bool{
		strings.ToLower(viewOID):        true,
		strings.ToLower(viewShape):      true,
		strings.ToLower(OutputOIDField): true,
		strings.ToLower(ShapeField):     true,
	}
	selects := []string{
		"l." + quoteIdent(lfc.OIDField) + " AS " + quoteIdent(viewOID),
	}
	if lfc.HasGeometry() {
		selects = append(selects, "l."+quoteIdent(ShapeField)+" AS "+quoteIdent(viewShape))
	} else {
		selects = append(selects, "NULL AS "+quoteIdent(viewShape))
	}
	for _, side := range []struct {
		alias string
		fc    *FeatureClass
	}{{"l", lfc}, {"j", tfc}} {
		for _, f := range side.fc.Fields {
			col := uniqueName(f.Name, used)
			j.fields = append(j.fields, JoinField{Table: side.fc.Name, Field: f, column: col})
			selects = append(selects, side.alias+"."+quoteIdent(f.Name)+" AS "+quoteIdent(col))
		}
	}

	ddl := fmt.Sprintf(`CREATE TEMP VIEW %s AS SELECT %s
FROM %s AS l
LEFT JOIN %s AS j ON j.%s = (
	SELECT MIN(j2.%s) FROM %s AS j2 WHERE j2.%s = l.%s
)`,
		quoteIdent(j.view), strings.Join(selects, ", "),
		qualify("main", lfc.Name),
		qualify("main", tfc.Name), quoteIdent(tfc.OIDField),
		quoteIdent(tfc.OIDField), qualify("main", tfc.Name), quoteIdent(tkey.Name), quoteIdent(lkey.Name))

	if _, err := s.db.ExecContext(ctx, "DROP VIEW IF EXISTS temp."+quoteIdent(j.view)); err != nil {
		return nil, fmt.Errorf("join %s: %w", lfc.Name, err)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("joining %s to %s: %w", lfc.Name, tfc.Name, err)
	}
	return j, nil
}

// uniqueName returns stem, or stem_1, stem_2... when the name is taken, and
// marks the result as used.
func uniqueName(stem string, used map[string]bool) string {
	name := stem
	for n := 1; used[strings.ToLower(name)]; n++ {
		name = stem + "_" + strconv.Itoa(n)
	}
	used[strings.ToLower(name)] = true
	return name
}

// Name returns the join's layer name, e.g. p_lyr.
func (j *Join) Name() string {
	return j.view
}

// Fields returns the joined attribute fields, layer fields first.
func (j *Join) Fields() []JoinField {
	return append([]JoinField(nil), j.fields...)
}

// Remove drops the join. It is safe to call more than once.
func (j *Join) Remove(ctx context.Context) error {
	if _, err := j.store.db.ExecContext(ctx, "DROP VIEW IF EXISTS temp."+quoteIdent(j.view)); err != nil {
		return fmt.Errorf("removing join %s: %w", j.view, err)
	}
	return nil
}

// FieldMap maps one joined field to an output field.
type FieldMap struct {
	Source     JoinField
	OutputName string
}

// FieldMappings is the ordered set of fields Extract writes.
type FieldMappings struct {
	maps []FieldMap
}

// FieldMappings returns a mapping of every joined field. Output names are the
// field stems; a stem already taken gets a _1 (then _2...) suffix.
func (j *Join) FieldMappings() *FieldMappings {
	m := &FieldMappings{}
	for _, f := range j.fields {
		m.maps = append(m.maps, FieldMap{Source: f, OutputName: f.column})
	}
	return m
}

// Len returns the number of field maps.
func (m *FieldMappings) Len() int {
	return len(m.maps)
}

// Maps returns a copy of the field maps.
func (m *FieldMappings) Maps() []FieldMap {
	return append([]FieldMap(nil), m.maps...)
}

// FindFieldMapIndex returns the index of the first map whose output name is
// name (case-insensitive), or -1.
func (m *FieldMappings) FindFieldMapIndex(name string) int {
	for i, fm := range m.maps {
		if strings.EqualFold(fm.OutputName, name) {
			return i
		}
	}
	return -1
}

// RemoveFieldMap removes the map at index i.
func (m *FieldMappings) RemoveFieldMap(i int) {
	if i < 0 || i >= len(m.maps) {
		return
	}
	m.maps = append(m.maps[:i], m.maps[i+1:]...)
}

// Extract writes the joined rows matching where into a new feature class
// named out, replacing any existing one. Only mapped fields are written.
// The predicate uses the join's unqualified column names; an empty predicate
// selects every row. Output OIDs are renumbered from 1 in layer OID order.
func (j *Join) Extract(ctx context.Context, out, where string, m *FieldMappings) (int64, error) {
	if strings.EqualFold(out, j.layer.Name) || strings.EqualFold(out, j.table.Name) {
		return 0, fmt.Errorf("extract: output %q would overwrite a joined input", out)
	}

	schema := &FeatureClass{
		Name:         out,
		Kind:         j.layer.Kind,
		GeometryType: j.layer.GeometryType,
		WKID:         j.layer.WKID,
		OIDField:     OutputOIDField,
	}
	cols := []string{quoteIdent(viewOID), quoteIdent(viewShape)}
	for _, fm := range m.maps {
		f := fm.Source.Field
		f.Name = fm.OutputName
		schema.Fields = append(schema.Fields, f)
		cols = append(cols, quoteIdent(fm.Source.column))
	}

	query := fmt.Sprintf("SELECT %s FROM temp.%s", strings.Join(cols, ", "), quoteIdent(j.view))
	if strings.TrimSpace(where) != "" {
		query += " WHERE (" + where + ")"
	}
	query += " ORDER BY " + quoteIdent(viewOID)

	// Read everything first: the store has a single connection.
	rs, err := j.store.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("extracting %s where %s: %w", out, where, err)
	}
	var rows []Row
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rs.Next() {
		if err := rs.Scan(ptrs...); err != nil {
			rs.Close()
			return 0, fmt.Errorf("extracting %s: %w", out, err)
		}
		r := Row{OID: int64(len(rows) + 1), Attributes: make(map[string]any, len(m.maps))}
		for i, fm := range m.maps {
			r.Attributes[fm.OutputName] = vals[i+2]
		}
		if schema.HasGeometry() {
			r.Geometry = geometryValue(vals[1])
		}
		rows = append(rows, r)
	}
	err = rs.Err()
	rs.Close()
	if err != nil {
		return 0, fmt.Errorf("extracting %s: %w", out, err)
	}

	if err := j.store.CreateFeatureClass(ctx, schema); err != nil {
		return 0, err
	}
	for start := 0; start < len(rows); start += insertBatch {
		end := min(start+insertBatch, len(rows))
		if err := j.store.InsertRows(ctx, out, rows[start:end]); err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), nil
}
