package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"seedflow/internal/mapping"
)

func TestPgIdentAndFQN(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("pgIdent = %s", got)
	}
	if got := pgFQN("crm.Account"); got != `"crm"."Account"` {
		t.Errorf("pgFQN = %s", got)
	}
	if id := splitFQN("crm.Account"); len(id) != 2 || id[1] != "Account" {
		t.Errorf("splitFQN = %v", id)
	}
}

func TestStatementShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "insert",
			got:  insertSQL("Account", []string{"Key", "Name"}),
			want: `INSERT INTO "Account" ("Id", "Key", "Name") VALUES ($1, $2, $3) RETURNING "Id", true`,
		},
		{
			name: "upsert",
			got:  upsertSQL("Account", "Key", []string{"Key", "Name"}),
			want: `INSERT INTO "Account" ("Id", "Key", "Name") VALUES ($1, $2, $3) ON CONFLICT ("Key") DO UPDATE SET "Name" = EXCLUDED."Name" RETURNING "Id", (xmax = 0)`,
		},
		{
			name: "upsert key only",
			got:  upsertSQL("Account", "Key", []string{"Key"}),
			want: `INSERT INTO "Account" ("Id", "Key") VALUES ($1, $2) ON CONFLICT ("Key") DO UPDATE SET "Key" = EXCLUDED."Key" RETURNING "Id", (xmax = 0)`,
		},
		{
			name: "update",
			got:  updateSQL("Account", "Key", []string{"Name", "Key", "Rating"}),
			want: `UPDATE "Account" SET "Name" = $1, "Rating" = $2 WHERE "Key" = $3 RETURNING "Id", false`,
		},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s:\n got %s\nwant %s", tc.name, tc.got, tc.want)
		}
	}
}

func TestBulkMergeSQL(t *testing.T) {
	t.Parallel()

	up := bulkMergeSQL("Account", "seed_stage", "Key", mapping.OpUpsert, []string{"Key", "Name"})
	for _, part := range []string{
		`INSERT INTO "Account" AS t ("Id", "Key", "Name") SELECT "Id", "Key", "Name" FROM "seed_stage" ORDER BY __idx`,
		`ON CONFLICT ("Key") DO UPDATE SET "Name" = COALESCE(EXCLUDED."Name", t."Name")`,
		`RETURNING t."Id"::text, t."Key"::text, (t.xmax = 0)`,
	} {
		if !strings.Contains(up, part) {
			t.Errorf("upsert merge missing %q:\n%s", part, up)
		}
	}

	upd := bulkMergeSQL("Account", "seed_stage", "Key", mapping.OpUpdate, []string{"Key", "Name"})
	if !strings.Contains(upd, `WHERE t."Key" = s."Key" RETURNING t."Id"::text, s.__idx::text, false`) {
		t.Errorf("update merge = %s", upd)
	}

	ins := bulkMergeSQL("Account", "seed_stage", "", mapping.OpInsert, []string{"Name"})
	if !strings.HasSuffix(ins, `RETURNING "Id"::text, ''::text, true`) {
		t.Errorf("insert merge = %s", ins)
	}
}

func TestRowError(t *testing.T) {
	t.Parallel()

	msg, ok := rowError(&pgconn.PgError{Code: "23505", Message: "duplicate key value", Detail: "Key (Key)=(a) already exists."})
	if !ok || !strings.Contains(msg, "already exists") || !strings.Contains(msg, "23505") {
		t.Errorf("unique violation = (%q, %v)", msg, ok)
	}
	if _, ok := rowError(&pgconn.PgError{Code: "08006"}); ok {
		t.Errorf("connection failure classified as row error")
	}
	if _, ok := rowError(errors.New("broken pipe")); ok {
		t.Errorf("plain error classified as row error")
	}
}
