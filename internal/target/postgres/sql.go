package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"seedflow/internal/mapping"
	"seedflow/internal/target"
)

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "crm.Account" to
// "crm"."Account". If no dot is present, returns a single quoted ident.
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}

// mapIdent maps a list of column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

// without returns cols minus drop, keeping order.
func without(cols []string, drop string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != drop {
			out = append(out, c)
		}
	}
	return out
}

// insertSQL inserts one row with a minted Id in $1 followed by cols.
func insertSQL(table string, cols []string) string {
	all := append([]string{target.IDColumn}, cols...)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s, true",
		pgFQN(table), strings.Join(mapIdent(all), ", "), placeholders(1, len(all)), pgIdent(target.IDColumn))
}

// upsertSQL inserts one row or, when ext already exists, updates the other
// columns. The returned flag is true when the row was inserted. The table
// needs a unique constraint on ext.
func upsertSQL(table, ext string, cols []string) string {
	all := append([]string{target.IDColumn}, cols...)
	set := without(cols, ext)
	if len(set) == 0 {
		set = []string{ext}
	}
	parts := make([]string, len(set))
	for i, c := range set {
		parts[i] = fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s, (xmax = 0)",
		pgFQN(table), strings.Join(mapIdent(all), ", "), placeholders(1, len(all)),
		pgIdent(ext), strings.Join(parts, ", "), pgIdent(target.IDColumn))
}

// updateSQL updates the row whose ext equals the last parameter.
func updateSQL(table, ext string, cols []string) string {
	set := without(cols, ext)
	if len(set) == 0 {
		set = []string{ext}
	}
	parts := make([]string, len(set))
	for i, c := range set {
		parts[i] = fmt.Sprintf("%s = $%d", pgIdent(c), i+1)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING %s, false",
		pgFQN(table), strings.Join(parts, ", "), pgIdent(ext), len(set)+1, pgIdent(target.IDColumn))
}

// bulkMergeSQL moves the staged rows of tmp into table. cols excludes Id
// and the __idx column; absent (NULL) staged values leave existing values
// alone on update. Every variant returns (id, key, created) where key is the
// external id for upserts, the staged index for updates and empty for
// inserts.
func bulkMergeSQL(table, tmp, ext string, op mapping.Operation, cols []string) string {
	all := append([]string{target.IDColumn}, cols...)
	colList := strings.Join(mapIdent(all), ", ")
	set := without(cols, ext)
	switch op {
	case mapping.OpInsert:
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ORDER BY __idx RETURNING %s::text, ''::text, true",
			pgFQN(table), colList, colList, pgIdent(tmp), pgIdent(target.IDColumn))
	case mapping.OpUpdate:
		if len(set) == 0 {
			set = []string{ext}
		}
		parts := make([]string, len(set))
		for i, c := range set {
			parts[i] = fmt.Sprintf("%s = COALESCE(s.%s, t.%s)", pgIdent(c), pgIdent(c), pgIdent(c))
		}
		return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s RETURNING t.%s::text, s.__idx::text, false",
			pgFQN(table), strings.Join(parts, ", "), pgIdent(tmp), pgIdent(ext), pgIdent(ext),
			pgIdent(target.IDColumn))
	}
	if len(set) == 0 {
		set = []string{ext}
	}
	parts := make([]string, len(set))
	for i, c := range set {
		parts[i] = fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, t.%s)", pgIdent(c), pgIdent(c), pgIdent(c))
	}
	return fmt.Sprintf("INSERT INTO %s AS t (%s) SELECT %s FROM %s ORDER BY __idx ON CONFLICT (%s) DO UPDATE SET %s RETURNING t.%s::text, t.%s::text, (t.xmax = 0)",
		pgFQN(table), colList, colList, pgIdent(tmp), pgIdent(ext), strings.Join(parts, ", "),
		pgIdent(target.IDColumn), pgIdent(ext))
}
