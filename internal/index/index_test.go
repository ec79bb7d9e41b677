package index

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/jfoltran/pgclone/internal/catalog"
)

func TestInjectIfNotExists(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain create index",
			in:   `CREATE INDEX t_v_idx ON public.t USING btree (v)`,
			want: `CREATE INDEX IF NOT EXISTS t_v_idx ON public.t USING btree (v)`,
		},
		{
			name: "unique index",
			in:   `CREATE UNIQUE INDEX t_pkey ON public.t USING btree (id)`,
			want: `CREATE UNIQUE INDEX IF NOT EXISTS t_pkey ON public.t USING btree (id)`,
		},
		{
			name: "already guarded",
			in:   `CREATE INDEX IF NOT EXISTS t_v_idx ON public.t (v)`,
			want: `CREATE INDEX IF NOT EXISTS t_v_idx ON public.t (v)`,
		},
		{
			name: "not an index statement",
			in:   `ALTER TABLE public.t ADD COLUMN x int`,
			want: `ALTER TABLE public.t ADD COLUMN x int`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, injectIfNotExists(tc.in))
		})
	}
}

func strPtr(s string) *string { return &s }
func oidPtr(o uint32) *uint32 { return &o }

func TestBuildDDL_PrimaryKeyUsingIndex(t *testing.T) {
	ci := &ConstraintInstaller{}
	idx := catalog.SourceIndex{
		Name:           "t_pkey",
		TableQName:     `"public"."t"`,
		IsPrimary:      true,
		IsUnique:       true,
		ConstraintOID:  oidPtr(100),
		ConstraintName: strPtr("t_pkey"),
	}
	assert.Equal(t,
		`ALTER TABLE "public"."t" ADD CONSTRAINT "t_pkey" PRIMARY KEY USING INDEX "t_pkey"`,
		ci.buildDDL(idx, "t_pkey"))
}

func TestBuildDDL_UniqueUsingIndex(t *testing.T) {
	ci := &ConstraintInstaller{}
	idx := catalog.SourceIndex{
		Name:           "t_v_key",
		TableQName:     `"public"."t"`,
		IsUnique:       true,
		ConstraintOID:  oidPtr(101),
		ConstraintName: strPtr("t_v_key"),
	}
	assert.Equal(t,
		`ALTER TABLE "public"."t" ADD CONSTRAINT "t_v_key" UNIQUE USING INDEX "t_v_key"`,
		ci.buildDDL(idx, "t_v_key"))
}

func TestBuildDDL_ExcludeUsesFullDefinition(t *testing.T) {
	ci := &ConstraintInstaller{}
	idx := catalog.SourceIndex{
		Name:           "t_excl_idx",
		TableQName:     `"public"."t"`,
		ConstraintOID:  oidPtr(102),
		ConstraintName: strPtr("t_excl"),
		ConstraintDDL:  strPtr("EXCLUDE USING gist (room WITH =, during WITH &&)"),
	}
	assert.Equal(t,
		`ALTER TABLE "public"."t" ADD CONSTRAINT "t_excl" EXCLUDE USING gist (room WITH =, during WITH &&)`,
		ci.buildDDL(idx, "t_excl"))
}

func TestBuildDDL_DeferrableClauses(t *testing.T) {
	ci := &ConstraintInstaller{}
	idx := catalog.SourceIndex{
		Name:           "t_u",
		TableQName:     `"public"."t"`,
		IsUnique:       true,
		ConstraintOID:  oidPtr(103),
		ConstraintName: strPtr("t_u"),
		Deferrable:     true,
	}
	assert.Contains(t, ci.buildDDL(idx, "t_u"), " DEFERRABLE")
	assert.NotContains(t, ci.buildDDL(idx, "t_u"), "INITIALLY DEFERRED")

	idx.Deferred = true
	assert.Contains(t, ci.buildDDL(idx, "t_u"), " DEFERRABLE INITIALLY DEFERRED")
}

func TestIsDuplicateObjectErr(t *testing.T) {
	assert.True(t, isDuplicateObjectErr(&pgconn.PgError{Code: "42P07"}))
	assert.True(t, isDuplicateObjectErr(&pgconn.PgError{Code: "42710"}))
	assert.False(t, isDuplicateObjectErr(&pgconn.PgError{Code: "42703"}))
	assert.False(t, isDuplicateObjectErr(errors.New("plain")))
	assert.False(t, isDuplicateObjectErr(nil))
}
