package copytable

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/partition"
)

func tbl() catalog.SourceTable {
	return catalog.SourceTable{
		QualifiedName:   "public.t",
		PartitionColumn: "id",
		Attributes: []catalog.Attribute{
			{Ord: 0, Name: "id"}, {Ord: 1, Name: "v"},
		},
	}
}

func TestBuildSelectQuery_Unpartitioned(t *testing.T) {
	q := buildSelectQuery(tbl(), nil)
	assert.Equal(t, `SELECT "id", "v" FROM public.t`, q)
}

func TestBuildSelectQuery_IntegerMiddleRange(t *testing.T) {
	tb := tbl()
	tb.PartitionKind = partition.KeyInteger
	r := &partition.Range{PartNumber: 1, PartCount: 3, Min: 1, Max: 100}
	q := buildSelectQuery(tb, r)
	assert.Equal(t, `SELECT "id", "v" FROM public.t WHERE "id" BETWEEN 1 AND 100`, q)
}

func TestBuildSelectQuery_IntegerLastRangeIsOpenGE(t *testing.T) {
	tb := tbl()
	tb.PartitionKind = partition.KeyInteger
	r := &partition.Range{PartNumber: 3, PartCount: 3, Min: 201, Max: 300}
	q := buildSelectQuery(tb, r)
	assert.Equal(t, `SELECT "id", "v" FROM public.t WHERE "id" >= 201`, q)
}

func TestBuildSelectQuery_NullBucket(t *testing.T) {
	tb := tbl()
	tb.PartitionKind = partition.KeyInteger
	r := &partition.Range{PartNumber: 4, PartCount: 4, Min: -1, Max: -1}
	q := buildSelectQuery(tb, r)
	assert.Equal(t, `SELECT "id", "v" FROM public.t WHERE "id" IS NULL`, q)
}

func TestBuildSelectQuery_CtidMiddleRange(t *testing.T) {
	tb := tbl()
	tb.PartitionKind = partition.KeyCtid
	r := &partition.Range{PartNumber: 1, PartCount: 3, Min: 0, Max: 100}
	q := buildSelectQuery(tb, r)
	assert.Equal(t, `SELECT "id", "v" FROM public.t WHERE ctid >= '(0,0)'::tid AND ctid < '(100,0)'::tid`, q)
}

func TestBuildSelectQuery_CtidLastRangeOpenEnded(t *testing.T) {
	tb := tbl()
	tb.PartitionKind = partition.KeyCtid
	r := &partition.Range{PartNumber: 3, PartCount: 3, Min: 200, Max: -1}
	q := buildSelectQuery(tb, r)
	assert.Equal(t, `SELECT "id", "v" FROM public.t WHERE ctid >= '(200,0)'::tid`, q)
}

func TestIsUndefinedColumn(t *testing.T) {
	assert.True(t, isUndefinedColumn(&pgconn.PgError{Code: "42703"}))
	assert.False(t, isUndefinedColumn(&pgconn.PgError{Code: "42P07"}))
	assert.False(t, isUndefinedColumn(errors.New("plain")))
	assert.False(t, isUndefinedColumn(nil))
}
