// SPDX-License-Identifier: BSD-3-Clause

package persistence

import (
	"fmt"
	"strings"
)

// dialect isolates the handful of places postgres and sqlite SQL text
// actually differs; everything else in engine.go is shared.
type dialect struct {
	name string
	// placeholder returns the bind-parameter text for the n-th (1-based)
	// argument of a statement.
	placeholder func(n int) string
}

var postgresDialect = dialect{
	name: "postgres",
	placeholder: func(n int) string {
		return fmt.Sprintf("$%d", n)
	},
}

var sqliteDialect = dialect{
	name: "sqlite",
	placeholder: func(int) string {
		return "?"
	},
}

func (d dialect) ph(n int) string { return d.placeholder(n) }

// upsertSQL builds a dialect-agnostic upsert: both backends support the
// standard ON CONFLICT ... DO UPDATE SET syntax.
func upsertSQL(d dialect, table string, keyCols, allCols []string) string {
	cols := strings.Join(allCols, ", ")
	placeholders := make([]string, len(allCols))
	for i := range allCols {
		placeholders[i] = d.ph(i + 1)
	}
	var updates []string
	for _, c := range allCols {
		if contains(keyCols, c) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, cols, strings.Join(placeholders, ", "), strings.Join(keyCols, ", "), strings.Join(updates, ", "),
	)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
