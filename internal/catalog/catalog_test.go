package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/internal/partition"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

// TestClaimIndexesDoneOwner_ExactlyOneWinner: when many workers race to
// claim ownership of the "all indexes for this table are done"
// transition, exactly one wins, regardless of call order.
func TestClaimIndexesDoneOwner_ExactlyOneWinner(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	const racers = 20
	wins := 0
	for pid := 1; pid <= racers; pid++ {
		won, err := cat.ClaimIndexesDoneOwner(ctx, 42, pid, alwaysAlive)
		require.NoError(t, err)
		if won {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller must win the indexes-done ownership transition")

	// A later call for the same table still loses, even from a brand new pid.
	won, err := cat.ClaimIndexesDoneOwner(ctx, 42, 9999, alwaysAlive)
	require.NoError(t, err)
	assert.False(t, won)

	// A different table's transition is independent.
	won, err = cat.ClaimIndexesDoneOwner(ctx, 43, 1, alwaysAlive)
	require.NoError(t, err)
	assert.True(t, won)
}

// TestClaimIndexesDoneOwner_ReclaimsDeadOwner covers the resume-after-crash
// path: a prior run claimed the transition and was killed before finishing
// constraint installation, so the next run's worker must take it over.
func TestClaimIndexesDoneOwner_ReclaimsDeadOwner(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	won, err := cat.ClaimIndexesDoneOwner(ctx, 42, 111, alwaysAlive)
	require.NoError(t, err)
	require.True(t, won)

	won, err = cat.ClaimIndexesDoneOwner(ctx, 42, 222, neverAlive)
	require.NoError(t, err)
	assert.True(t, won, "a dead owner's claim must be reclaimable")

	// The reclaimed row now belongs to a live pid again.
	won, err = cat.ClaimIndexesDoneOwner(ctx, 42, 333, alwaysAlive)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestAcquireTablePart_LockedByLivePid(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.AcquireTablePart(ctx, 1, 0, 111, alwaysAlive))
	err := cat.AcquireTablePart(ctx, 1, 0, 222, alwaysAlive)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquireTablePart_ReclaimsStaleDeadPid(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.AcquireTablePart(ctx, 1, 0, 111, neverAlive))
	// pid 111 is no longer live: a second worker must be able to reclaim the row.
	err := cat.AcquireTablePart(ctx, 1, 0, 222, neverAlive)
	assert.NoError(t, err)
}

func TestAcquireTablePart_AlreadyDone(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.AcquireTablePart(ctx, 1, 0, 111, alwaysAlive))
	require.NoError(t, cat.FinishTablePart(ctx, 1, 0, "COPY", 1024, 0))

	err := cat.AcquireTablePart(ctx, 1, 0, 222, alwaysAlive)
	assert.ErrorIs(t, err, ErrAlreadyDone)
}

func TestCompletePart_OnlyLastCallerSeesTrue(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.AddTable(ctx, SourceTable{OID: 7, QualifiedName: "public.t"}, partition.Plan{
		Ranges: []partition.Range{{PartNumber: 1, PartCount: 3}, {PartNumber: 2, PartCount: 3}, {PartNumber: 3, PartCount: 3}},
	}))

	var lastCount int
	for i := 0; i < 3; i++ {
		isLast, err := cat.CompletePart(ctx, 7)
		require.NoError(t, err)
		if isLast {
			lastCount++
		}
	}
	assert.Equal(t, 1, lastCount, "exactly one of the three completions must observe the last-part transition")
}

// TestRemainingIndexes_RequiresSettledSummaryRows: an index with no
// summary row at all counts as "not done", the same as an in-progress
// one. Index workers therefore settle a row even for indexes whose
// build is deferred to ALTER TABLE ADD CONSTRAINT, or the table's
// indexes-done transition could never fire.
func TestRemainingIndexes_RequiresSettledSummaryRows(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.AddIndex(ctx, SourceIndex{OID: 10, Schema: "public", Name: "t_pkey", TableOID: 9, CreateIndexDDL: "CREATE UNIQUE INDEX ..."}))
	require.NoError(t, cat.AddIndex(ctx, SourceIndex{OID: 11, Schema: "public", Name: "t_excl_idx", TableOID: 9, CreateIndexDDL: "CREATE INDEX ..."}))

	remaining, err := cat.RemainingIndexes(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining, "indexes with no summary row count as remaining")

	require.NoError(t, cat.AcquireIndex(ctx, 10, 111, alwaysAlive))
	remaining, err = cat.RemainingIndexes(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining, "an in-progress index still counts as remaining")

	require.NoError(t, cat.FinishIndex(ctx, 10, "CREATE UNIQUE INDEX ...", 0))
	require.NoError(t, cat.AcquireIndex(ctx, 11, 111, alwaysAlive))
	require.NoError(t, cat.FinishIndex(ctx, 11, "-- deferred to ALTER TABLE ADD CONSTRAINT", 0))

	remaining, err = cat.RemainingIndexes(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestConstraintDone_IdempotentAcrossCalls(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	done, err := cat.ConstraintDone(ctx, 1, "t_pkey")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, cat.MarkConstraintDone(ctx, 1, "t_pkey", "t_pkey_idx"))
	done, err = cat.ConstraintDone(ctx, 1, "t_pkey")
	require.NoError(t, err)
	assert.True(t, done)

	// Marking it done again must not error (idempotent installer check).
	require.NoError(t, cat.MarkConstraintDone(ctx, 1, "t_pkey", "t_pkey_idx"))
}

func TestIterTables_OrderedBySizeDescThenSchemaName(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	tables := []SourceTable{
		{OID: 1, Schema: "public", Name: "small", QualifiedName: "public.small", EstimatedBytes: 10},
		{OID: 2, Schema: "public", Name: "big", QualifiedName: "public.big", EstimatedBytes: 1000},
		{OID: 3, Schema: "a", Name: "mid", QualifiedName: "a.mid", EstimatedBytes: 100},
		{OID: 4, Schema: "z", Name: "mid", QualifiedName: "z.mid", EstimatedBytes: 100},
	}
	for _, tb := range tables {
		require.NoError(t, cat.AddTable(ctx, tb, partition.Plan{}))
	}

	var order []uint32
	require.NoError(t, cat.IterTables(ctx, func(t SourceTable) error {
		order = append(order, t.OID)
		return nil
	}))
	assert.Equal(t, []uint32{2, 3, 4, 1}, order)
}
