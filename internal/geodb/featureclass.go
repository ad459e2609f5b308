package geodb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/ebpa-setup/internal/typemap"
)

// Feature class kinds.
const (
	KindFeature = "feature"
	KindRecord  = "record"
)

// ShapeField is the geometry column of every feature-kind class.
const ShapeField = "Shape"

// insertBatch bounds the rows held per insert transaction when copying.
const insertBatch = 1000

// Field is an attribute field. Type is an esri field type name.
type Field struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Alias  string `json:"alias,omitempty"`
	Length int    `json:"length,omitempty"`
}

// FeatureClass describes a feature class (kind feature) or table (kind record).
// Fields lists attribute fields only: the OID field and Shape are implicit.
type FeatureClass struct {
	Name         string
	Kind         string
	GeometryType string
	WKID         int
	OIDField     string
	Fields       []Field
	RowCount     int64
	Extent       *Envelope
}

// HasGeometry reports whether rows carry a Shape.
func (fc *FeatureClass) HasGeometry() bool {
	return fc.Kind == KindFeature
}

// Field returns the attribute field with the given name (case-insensitive).
func (fc *FeatureClass) Field(name string) (Field, bool) {
	for _, f := range fc.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// Row is one record. Attribute values are int64, float64, string, []byte or nil.
type Row struct {
	OID        int64
	Attributes map[string]any
	Geometry   json.RawMessage
}

func (fc *FeatureClass) validate() error {
	if err := checkItemName(fc.Name); err != nil {
		return err
	}
	if fc.Kind != KindFeature && fc.Kind != KindRecord {
		return fmt.Errorf("%s: unknown kind %q", fc.Name, fc.Kind)
	}
	if fc.OIDField == "" {
		return fmt.Errorf("%s: OID field is required", fc.Name)
	}
	seen := map[string]bool{strings.ToLower(fc.OIDField): true}
	if fc.HasGeometry() {
		seen[strings.ToLower(ShapeField)] = true
	}
	for _, f := range fc.Fields {
		if f.Name == "" {
			return fmt.Errorf("%s: field with empty name", fc.Name)
		}
		if seen[strings.ToLower(f.Name)] {
			return fmt.Errorf("%s: duplicate field %q", fc.Name, f.Name)
		}
		seen[strings.ToLower(f.Name)] = true
	}
	return nil
}

// CreateFeatureClass creates an empty feature class, replacing any existing
// one with the same name. RowCount and Extent in fc are ignored.
func (s *Store) CreateFeatureClass(ctx context.Context, fc *FeatureClass) error {
	if err := fc.validate(); err != nil {
		return err
	}

	var cols []string
	cols = append(cols, quoteIdent(fc.OIDField)+" INTEGER PRIMARY KEY")
	for _, f := range fc.Fields {
		cols = append(cols, quoteIdent(f.Name)+" "+typemap.SQLiteType(f.Type))
	}
	if fc.HasGeometry() {
		cols = append(cols, quoteIdent(ShapeField)+" TEXT")
	}

	fields, err := json.Marshal(fc.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields of %s: %w", fc.Name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := dropTx(ctx, tx, fc.Name); err != nil {
		return err
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(fc.Name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", fc.Name, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO gdb_items (name, kind, geometry_type, wkid, oid_field, fields) VALUES (?, ?, ?, ?, ?, ?)`,
		fc.Name, fc.Kind, fc.GeometryType, fc.WKID, fc.OIDField, string(fields))
	if err != nil {
		return fmt.Errorf("registering %s: %w", fc.Name, err)
	}
	return tx.Commit()
}

// InsertRows appends rows to a feature class and updates its row count and
// extent. A duplicate OID fails the whole batch.
func (s *Store) InsertRows(ctx context.Context, name string, rows []Row) error {
	fc, err := s.Describe(ctx, name)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	cols := []string{quoteIdent(fc.OIDField)}
	for _, f := range fc.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	if fc.HasGeometry() {
		cols = append(cols, quoteIdent(ShapeField))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(fc.Name), strings.Join(cols, ", "), placeholders)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("preparing insert into %s: %w", fc.Name, err)
	}
	defer stmt.Close()

	extent := fc.Extent
	args := make([]any, len(cols))
	for _, r := range rows {
		args[0] = r.OID
		for i, f := range fc.Fields {
			args[i+1] = attr(r.Attributes, f.Name)
		}
		if fc.HasGeometry() {
			if len(r.Geometry) == 0 || string(r.Geometry) == "null" {
				args[len(args)-1] = nil
			} else {
				args[len(args)-1] = string(r.Geometry)
				env, err := GeometryEnvelope(r.Geometry)
				if err != nil {
					return fmt.Errorf("%s OID %d: %w", fc.Name, r.OID, err)
				}
				extent = extent.Union(env)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting OID %d into %s: %w", r.OID, fc.Name, err)
		}
	}

	var xmin, ymin, xmax, ymax any
	if extent != nil {
		xmin, ymin, xmax, ymax = extent.XMin, extent.YMin, extent.XMax, extent.YMax
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE gdb_items SET row_count = row_count + ?, xmin = ?, ymin = ?, xmax = ?, ymax = ? WHERE name = ?`,
		len(rows), xmin, ymin, xmax, ymax, fc.Name)
	if err != nil {
		return fmt.Errorf("updating catalog for %s: %w", fc.Name, err)
	}
	return tx.Commit()
}

// attr looks a value up by exact name, then case-insensitively.
func attr(attrs map[string]any, name string) any {
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

// Describe returns the catalog entry of a feature class.
func (s *Store) Describe(ctx context.Context, name string) (*FeatureClass, error) {
	var (
		fc                     FeatureClass
		fields                 string
		xmin, ymin, xmax, ymax sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, kind, geometry_type, wkid, oid_field, fields, row_count, xmin, ymin, xmax, ymax
		 FROM gdb_items WHERE name = ?`, name).
		Scan(&fc.Name, &fc.Kind, &fc.GeometryType, &fc.WKID, &fc.OIDField, &fields, &fc.RowCount,
			&xmin, &ymin, &xmax, &ymax)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s in %s: %w", name, s.Name(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(fields), &fc.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of %s: %w", name, err)
	}
	if xmin.Valid {
		fc.Extent = &Envelope{XMin: xmin.Float64, YMin: ymin.Float64, XMax: xmax.Float64, YMax: ymax.Float64}
	}
	return &fc, nil
}

// Exists reports whether a feature class exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gdb_items WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

// List returns the feature class names in the store, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM gdb_items ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.Name(), err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListFields returns every field of a feature class, system fields first:
// the OID field, Shape (feature kind only), then the attribute fields.
func (s *Store) ListFields(ctx context.Context, name string) ([]Field, error) {
	fc, err := s.Describe(ctx, name)
	if err != nil {
		return nil, err
	}
	fields := []Field{{Name: fc.OIDField, Type: typemap.OID}}
	if fc.HasGeometry() {
		fields = append(fields, Field{Name: ShapeField, Type: typemap.Geometry})
	}
	return append(fields, fc.Fields...), nil
}

// DeleteField removes an attribute field. System fields cannot be deleted.
func (s *Store) DeleteField(ctx context.Context, name, field string) error {
	fc, err := s.Describe(ctx, name)
	if err != nil {
		return err
	}
	if strings.EqualFold(field, fc.OIDField) || (fc.HasGeometry() && strings.EqualFold(field, ShapeField)) {
		return fmt.Errorf("%s: cannot delete system field %s", name, field)
	}

	idx := -1
	for i, f := range fc.Fields {
		if strings.EqualFold(f.Name, field) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s: no field %q", name, field)
	}
	dropped := fc.Fields[idx].Name
	remaining := append(append([]Field{}, fc.Fields[:idx]...), fc.Fields[idx+1:]...)
	encoded, err := json.Marshal(remaining)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ddl := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(fc.Name), quoteIdent(dropped))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("deleting %s.%s: %w", name, dropped, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE gdb_items SET fields = ? WHERE name = ?`, string(encoded), fc.Name); err != nil {
		return fmt.Errorf("updating catalog for %s: %w", name, err)
	}
	return tx.Commit()
}

// Drop removes a feature class if it exists.
func (s *Store) Drop(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := dropTx(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

func dropTx(ctx context.Context, tx *sql.Tx, name string) error {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT name FROM gdb_items WHERE name = ?`, name).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(existing)); err != nil {
		return fmt.Errorf("dropping %s: %w", existing, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM gdb_items WHERE name = ?`, existing); err != nil {
		return fmt.Errorf("unregistering %s: %w", existing, err)
	}
	return nil
}

// Rows returns every row of a feature class in OID order.
func (s *Store) Rows(ctx context.Context, name string) ([]Row, error) {
	fc, err := s.Describe(ctx, name)
	if err != nil {
		return nil, err
	}

	cols := []string{quoteIdent(fc.OIDField)}
	for _, f := range fc.Fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	if fc.HasGeometry() {
		cols = append(cols, quoteIdent(ShapeField))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), quoteIdent(fc.Name), quoteIdent(fc.OIDField))

	rs, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	defer rs.Close()

	var out []Row
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rs.Next() {
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", name, err)
		}
		r, err := rowFromValues(fc, vals)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

// rowFromValues builds a Row from OID, attribute values and optional shape,
// in the column order Rows selects them.
func rowFromValues(fc *FeatureClass, vals []any) (Row, error) {
	oid, ok := vals[0].(int64)
	if !ok {
		return Row{}, fmt.Errorf("OID is %T, not an integer", vals[0])
	}
	r := Row{OID: oid, Attributes: make(map[string]any, len(fc.Fields))}
	for i, f := range fc.Fields {
		r.Attributes[f.Name] = vals[i+1]
	}
	if fc.HasGeometry() {
		r.Geometry = geometryValue(vals[len(vals)-1])
	}
	return r, nil
}

func geometryValue(v any) json.RawMessage {
	switch g := v.(type) {
	case string:
		return json.RawMessage(g)
	case []byte:
		return json.RawMessage(append([]byte(nil), g...))
	}
	return nil
}

// Copy copies a feature class from src into dst under the same name,
// replacing any existing one in dst.
func Copy(ctx context.Context, src *Store, name string, dst *Store) error {
	fc, err := src.Describe(ctx, name)
	if err != nil {
		return err
	}
	rows, err := src.Rows(ctx, name)
	if err != nil {
		return err
	}

	schema := *fc
	schema.RowCount, schema.Extent = 0, nil
	if err := dst.CreateFeatureClass(ctx, &schema); err != nil {
		return fmt.Errorf("copying %s to %s: %w", name, dst.Name(), err)
	}
	for start := 0; start < len(rows); start += insertBatch {
		end := min(start+insertBatch, len(rows))
		if err := dst.InsertRows(ctx, schema.Name, rows[start:end]); err != nil {
			return fmt.Errorf("copying %s to %s: %w", name, dst.Name(), err)
		}
	}
	return nil
}

// Checksum is a SHA-256 over the schema and every row in OID order. Two
// feature classes with equal content have equal checksums regardless of
// their name or the store holding them.
func (s *Store) Checksum(ctx context.Context, name string) (string, error) {
	fc, err := s.Describe(ctx, name)
	if err != nil {
		return "", err
	}
	rows, err := s.Rows(ctx, name)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	enc := json.NewEncoder(h)
	schema := []any{fc.Kind, fc.GeometryType, fc.WKID, fc.OIDField, fc.Fields}
	if err := enc.Encode(schema); err != nil {
		return "", err
	}
	for _, r := range rows {
		rec := make([]any, 0, len(fc.Fields)+2)
		rec = append(rec, r.OID)
		for _, f := range fc.Fields {
			v := r.Attributes[f.Name]
			if b, ok := v.([]byte); ok {
				v = hex.EncodeToString(b)
			}
			rec = append(rec, v)
		}
		rec = append(rec, string(r.Geometry))
		if err := enc.Encode(rec); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
