// Package export copies the feature classes of scenario stores into
// PostgreSQL, one schema per store, using the COPY protocol.
package export

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/typemap"
)

// ShapeColumn holds the esri JSON geometry of feature-kind tables.
const ShapeColumn = "shape"

// Exporter writes stores to a PostgreSQL database.
type Exporter struct {
	pool *pgxpool.Pool
}

// Connect opens a pool to dsn and checks the connection.
func Connect(ctx context.Context, dsn string) (*Exporter, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Exporter{pool: pool}, nil
}

// Close closes all connections.
func (e *Exporter) Close() {
	e.pool.Close()
}

// Store copies every feature class of s into the schema named after the
// store, replacing existing tables, and returns the rows written.
func (e *Exporter) Store(ctx context.Context, s *geodb.Store) (int64, error) {
	schema := Identifier(s.Name())
	if _, err := e.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		return 0, fmt.Errorf("creating schema %s: %w", schema, err)
	}

	names, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range names {
		n, err := e.featureClass(ctx, s, schema, name)
		if err != nil {
			return total, err
		}
		logging.Info("Exported %s.%s (%d rows)", schema, Identifier(name), n)
		total += n
	}
	return total, nil
}

func (e *Exporter) featureClass(ctx context.Context, s *geodb.Store, schema, name string) (int64, error) {
	fc, err := s.Describe(ctx, name)
	if err != nil {
		return 0, err
	}
	rows, err := s.Rows(ctx, name)
	if err != nil {
		return 0, err
	}
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		v, err := RowValues(fc, r)
		if err != nil {
			return 0, fmt.Errorf("%s OID %d: %w", name, r.OID, err)
		}
		values = append(values, v)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	table := qualify(schema, Identifier(name))
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return 0, fmt.Errorf("dropping %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, CreateTableDDL(schema, fc)); err != nil {
		return 0, fmt.Errorf("creating %s: %w", table, err)
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{schema, Identifier(name)},
		Columns(fc),
		pgx.CopyFromRows(values),
	)
	if err != nil {
		return 0, fmt.Errorf("copying into %s: %w", table, err)
	}
	return n, tx.Commit(ctx)
}

// Identifier lower-cases a store or field name into a PostgreSQL identifier
// that needs no quoting in ad-hoc queries.
func Identifier(ident string) string {
	if ident == "" {
		return "col_"
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(ident) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	s := sb.String()
	if unicode.IsDigit(rune(s[0])) {
		s = "col_" + s
	}
	return s
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func qualify(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// Columns lists the target columns of fc in COPY order: the OID, the
// attribute fields, then shape for feature-kind classes. A field whose
// identifier is already taken, e.g. Name next to NAME, gets a _1 (then _2...)
// suffix.
func Columns(fc *geodb.FeatureClass) []string {
	used := map[string]bool{}
	if fc.HasGeometry() {
		used[ShapeColumn] = true
	}
	cols := []string{uniqueIdentifier(fc.OIDField, used)}
	for _, f := range fc.Fields {
		cols = append(cols, uniqueIdentifier(f.Name, used))
	}
	if fc.HasGeometry() {
		cols = append(cols, ShapeColumn)
	}
	return cols
}

func uniqueIdentifier(name string, used map[string]bool) string {
	base := Identifier(name)
	id := base
	for n := 1; used[id]; n++ {
		id = base + "_" + strconv.Itoa(n)
	}
	used[id] = true
	return id
}

// CreateTableDDL returns the CREATE TABLE statement for fc in schema.
func CreateTableDDL(schema string, fc *geodb.FeatureClass) string {
	names := Columns(fc)
	cols := []string{quoteIdent(names[0]) + " integer PRIMARY KEY"}
	for i, f := range fc.Fields {
		cols = append(cols, quoteIdent(names[i+1])+" "+typemap.PostgresType(f.Type, f.Length))
	}
	if fc.HasGeometry() {
		cols = append(cols, quoteIdent(ShapeColumn)+" jsonb")
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)",
		qualify(schema, Identifier(fc.Name)), strings.Join(cols, ",\n    "))
}

// RowValues converts a row to COPY values in Columns order. Dates stored as
// epoch milliseconds become timestamps.
func RowValues(fc *geodb.FeatureClass, r geodb.Row) ([]any, error) {
	vals := make([]any, 0, len(fc.Fields)+2)
	vals = append(vals, r.OID)
	for _, f := range fc.Fields {
		v := r.Attributes[f.Name]
		switch {
		case v == nil:
		case f.Type == typemap.Date:
			ms, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("field %s: date is %T, not epoch milliseconds", f.Name, v)
			}
			v = time.UnixMilli(ms).UTC()
		case f.Type == typemap.Blob:
			if s, ok := v.(string); ok {
				v = []byte(s)
			}
		}
		vals = append(vals, v)
	}
	if fc.HasGeometry() {
		if len(r.Geometry) == 0 {
			vals = append(vals, nil)
		} else {
			vals = append(vals, string(r.Geometry))
		}
	}
	return vals, nil
}
