package geodb

import (
	"fmt"
	"regexp"
	"strings"
)

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdent safely quotes a SQLite identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func qualify(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// checkItemName rejects names that cannot be a feature class: catalog tables
// and SQLite internals share the namespace.
func checkItemName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid feature class name %q", name)
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "gdb_") || strings.HasPrefix(lower, "sqlite_") {
		return fmt.Errorf("feature class name %q uses a reserved prefix", name)
	}
	return nil
}
