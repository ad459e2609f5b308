// Package typemap maps esri field types to storage column types and
// normalises JSON attribute values to the Go type each field stores.
package typemap

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Esri field type names as reported by map services.
const (
	OID          = "esriFieldTypeOID"
	SmallInteger = "esriFieldTypeSmallInteger"
	Integer      = "esriFieldTypeInteger"
	BigInteger   = "esriFieldTypeBigInteger"
	Single       = "esriFieldTypeSingle"
	Double       = "esriFieldTypeDouble"
	String       = "esriFieldTypeString"
	Date         = "esriFieldTypeDate"
	GUID         = "esriFieldTypeGUID"
	GlobalID     = "esriFieldTypeGlobalID"
	Geometry     = "esriFieldTypeGeometry"
	Blob         = "esriFieldTypeBlob"
	XML          = "esriFieldTypeXML"
)

// IsInteger reports whether values of the type are stored as int64.
// Dates count: services send them as epoch milliseconds.
func IsInteger(esriType string) bool {
	switch esriType {
	case OID, SmallInteger, Integer, BigInteger, Date:
		return true
	}
	return false
}

// IsFloat reports whether values of the type are stored as float64.
func IsFloat(esriType string) bool {
	return esriType == Single || esriType == Double
}

// SQLiteType returns the column affinity used in a store table.
func SQLiteType(esriType string) string {
	switch {
	case IsInteger(esriType):
		return "INTEGER"
	case IsFloat(esriType):
		return "REAL"
	case esriType == Blob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// PostgresType returns the PostgreSQL column type used by the export.
func PostgresType(esriType string, length int) string {
	switch esriType {
	case OID, Integer:
		return "integer"
	case SmallInteger:
		return "smallint"
	case BigInteger:
		return "bigint"
	case Single:
		return "real"
	case Double:
		return "double precision"
	case Date:
		return "timestamptz"
	case GUID, GlobalID:
		return "text"
	case Geometry:
		return "jsonb"
	case Blob:
		return "bytea"
	case String:
		if length > 0 && length <= 10485760 {
			return fmt.Sprintf("varchar(%d)", length)
		}
		return "text"
	default:
		return "text"
	}
}

// Normalize converts a decoded JSON value to the Go type stored for the field:
// int64, float64, string or nil. Numbers are expected as json.Number.
func Normalize(esriType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch {
	case IsInteger(esriType):
		return toInt64(v)
	case IsFloat(esriType):
		return toFloat64(v)
	}

	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encoding %T value: %w", v, err)
		}
		return string(b), nil
	}
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("parsing integer %q: %w", x, err)
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("value %s is not an integer", x)
		}
		return int64(f), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("value %v is not an integer", x)
		}
		return int64(x), nil
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing integer %q: %w", x, err)
		}
		return i, nil
	}
	return nil, fmt.Errorf("unexpected %T for integer field", v)
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("parsing number %q: %w", x, err)
		}
		return f, nil
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing number %q: %w", x, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("unexpected %T for numeric field", v)
}
