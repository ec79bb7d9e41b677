package partition

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_BelowThreshold_NoPlan(t *testing.T) {
	plan, err := Compute(context.Background(), nil, "public.t", KeyCandidate{Kind: KeyInteger, IsInteger: true, Column: "id"},
		50, 100, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, plan.Ranges)
}

func TestCompute_UnsuitableColumn_NoPlanEvenOverThreshold(t *testing.T) {
	plan, err := Compute(context.Background(), nil, "public.t", KeyCandidate{Kind: KeyInteger, IsInteger: false},
		1000, 100, 1000, 10)
	require.NoError(t, err)
	assert.Empty(t, plan.Ranges)
}

func TestComputeCtidPlan_ContiguousAndOpenEndedLast(t *testing.T) {
	plan := computeCtidPlan(5, 1000)
	require.Len(t, plan.Ranges, 5)
	assert.Equal(t, KeyCtid, plan.Kind)

	for i, r := range plan.Ranges {
		assert.Equal(t, i+1, r.PartNumber)
		assert.Equal(t, 5, r.PartCount)
		if i > 0 {
			assert.Equal(t, plan.Ranges[i-1].Max, r.Min, "ranges must be contiguous")
		}
	}
	last := plan.Ranges[len(plan.Ranges)-1]
	assert.Equal(t, int64(-1), last.Max, "last ctid range must be open-ended to absorb page growth")
}

func TestComputeCtidPlan_Deterministic(t *testing.T) {
	a := computeCtidPlan(7, 12345)
	b := computeCtidPlan(7, 12345)
	assert.Equal(t, a, b)
}

func TestComputeIntegerPlan_CoversFullDomainNoNullBucket(t *testing.T) {
	q := &fakeMinMaxQuerier{min: 1, max: 1000}
	plan, err := computeIntegerPlan(context.Background(), q, "public.t",
		KeyCandidate{Column: "id", Kind: KeyInteger, IsInteger: true, Nullable: false}, 5, 1000)
	require.NoError(t, err)
	require.Len(t, plan.Ranges, 5)

	assert.Equal(t, int64(1), plan.Ranges[0].Min)
	assert.Equal(t, int64(1000), plan.Ranges[len(plan.Ranges)-1].Max, "last range must reach the observed max")

	for i := 1; i < len(plan.Ranges); i++ {
		assert.Equal(t, plan.Ranges[i-1].Max+1, plan.Ranges[i].Min, "ranges must be contiguous and non-overlapping")
	}
	for _, r := range plan.Ranges {
		assert.False(t, r.Min == -1 && r.Max == -1, "non-nullable key must not get a NULL bucket")
	}
}

func TestComputeIntegerPlan_NullableGetsExtraBucket(t *testing.T) {
	q := &fakeMinMaxQuerier{min: 0, max: 99}
	plan, err := computeIntegerPlan(context.Background(), q, "public.t",
		KeyCandidate{Column: "id", Kind: KeyInteger, IsInteger: true, Nullable: true}, 4, 400)
	require.NoError(t, err)

	require.Len(t, plan.Ranges, 5, "nullable key adds a synthetic NULL bucket on top of the numbered parts")
	nullBucket := plan.Ranges[len(plan.Ranges)-1]
	assert.Equal(t, int64(-1), nullBucket.Min)
	assert.Equal(t, int64(-1), nullBucket.Max)

	for _, r := range plan.Ranges {
		assert.Equal(t, len(plan.Ranges), r.PartCount)
	}
}

func TestComputeIntegerPlan_EmptyTable_NoPlan(t *testing.T) {
	q := &fakeMinMaxQuerier{noRows: true}
	plan, err := computeIntegerPlan(context.Background(), q, "public.t",
		KeyCandidate{Column: "id", Kind: KeyInteger, IsInteger: true}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, plan.Ranges)
}

// fakeMinMaxQuerier satisfies minMaxQuerier without a live connection.
type fakeMinMaxQuerier struct {
	min, max int64
	noRows   bool
}

func (f *fakeMinMaxQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{f}
}

type fakeRow struct{ f *fakeMinMaxQuerier }

func (r fakeRow) Scan(dest ...any) error {
	minPtr := dest[0].(**int64)
	maxPtr := dest[1].(**int64)
	if r.f.noRows {
		*minPtr, *maxPtr = nil, nil
		return nil
	}
	min, max := r.f.min, r.f.max
	*minPtr, *maxPtr = &min, &max
	return nil
}
