// Package sqlbuilder produces the parameterised SQL the Target Worker
// executes (spec §4.1, §6): batch upserts via
// INSERT ... ON DUPLICATE KEY UPDATE, single-row DELETE, and the
// existence-check SELECT used by the Init-Load Worker. Identifiers are
// always backtick-quoted; values are always passed as driver parameters,
// never interpolated.
package sqlbuilder

import (
	"fmt"
	"strings"
)

// quoteIdent backtick-quotes a MySQL identifier, escaping any embedded backtick.
func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// Upsert builds a single multi-row
// INSERT INTO tbl (cols...) VALUES (...), (...), ...
// ON DUPLICATE KEY UPDATE col=VALUES(col), ...
// statement for rowCount rows over the given ordered columns. The caller
// builds the matching argument list row-major, e.g. with FlattenRowArgs.
//
// pkColumn is excluded from the UPDATE clause (a primary key is never
// reassigned by an upsert); every other column is updated from VALUES().
func Upsert(table string, columns []string, pkColumn string, rowCount int) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("sqlbuilder: upsert requires at least one column")
	}
	if rowCount <= 0 {
		return "", fmt.Errorf("sqlbuilder: upsert requires rowCount > 0")
	}

	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quoteIdent(c)
	}

	placeholderRow := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	values := make([]string, rowCount)
	for i := range values {
		values[i] = placeholderRow
	}

	var updates []string
	for _, c := range columns {
		if c == pkColumn {
			continue
		}
		q := quoteIdent(c)
		updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", q, q))
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quotedCols, ", "))
	sb.WriteString(") VALUES ")
	sb.WriteString(strings.Join(values, ", "))
	if len(updates) > 0 {
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
		sb.WriteString(strings.Join(updates, ", "))
	}
	return sb.String(), nil
}

// Delete builds "DELETE FROM tbl WHERE pk=?".
func Delete(table, pkColumn string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s=?", quoteIdent(table), quoteIdent(pkColumn))
}

// TableNonEmpty builds "SELECT 1 FROM tbl LIMIT 1", used by the Init-Load
// Worker to decide whether a target table already has data (spec §4.4).
func TableNonEmpty(table string) string {
	return fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", quoteIdent(table))
}

// FlattenRowArgs appends one row's values, in column order, to args.
func FlattenRowArgs(args []interface{}, columns []string, row map[string]interface{}) []interface{} {
	for _, c := range columns {
		args = append(args, row[c])
	}
	return args
}
