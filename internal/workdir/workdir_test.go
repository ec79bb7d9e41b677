package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/pgclone/internal/clonerr"
)

func prepare(t *testing.T, root string, opts Options) (*Dir, RunState, error) {
	t.Helper()
	d, state, err := Prepare(root, opts)
	if d != nil {
		t.Cleanup(func() { d.Release() })
	}
	return d, state, err
}

func TestPrepare_FreshStartsRegardlessOfFlags(t *testing.T) {
	for _, opts := range []Options{{}, {Restart: true}, {Resume: true}} {
		d, state, err := prepare(t, filepath.Join(t.TempDir(), "wd"), opts)
		require.NoError(t, err)
		assert.False(t, state.AnyDone())
		assert.DirExists(t, d.SchemaDir())
		assert.DirExists(t, d.TablesDir())
		assert.DirExists(t, d.IndexesDir())
		assert.DirExists(t, d.CDCDir())
		assert.FileExists(t, filepath.Join(d.Root, "pgclone.pid"))
	}
}

func TestPrepare_InterruptedRequiresResumeOrRestart(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wd")

	d, _, err := prepare(t, root, Options{})
	require.NoError(t, err)
	require.NoError(t, d.MarkDone(SectionDumpPre))
	require.NoError(t, d.Release())

	_, _, err = prepare(t, root, Options{})
	assert.ErrorIs(t, err, clonerr.ResumeRequired)

	_, state, err := prepare(t, root, Options{Resume: true})
	require.NoError(t, err)
	assert.True(t, state.SchemaDumpDone, "resume must see the prior run's progress")
}

func TestPrepare_RestartWipesInterruptedRun(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wd")

	d, _, err := prepare(t, root, Options{})
	require.NoError(t, err)
	require.NoError(t, d.MarkDone(SectionDumpPre))
	require.NoError(t, os.WriteFile(d.SnapshotPath(), []byte("00000004-000001"), 0o644))
	require.NoError(t, d.Release())

	d2, state, err := prepare(t, root, Options{Restart: true})
	require.NoError(t, err)
	assert.False(t, state.AnyDone())
	assert.NoFileExists(t, d2.SnapshotPath())
}

func markAll(t *testing.T, d *Dir) {
	t.Helper()
	for _, s := range []Section{
		SectionDumpPre, SectionRestorePre, SectionTables, SectionIndexes,
		SectionSequences, SectionBlobs, SectionRestorePost,
	} {
		require.NoError(t, d.MarkDone(s))
	}
}

func TestPrepare_CompletedRun(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wd")

	d, _, err := prepare(t, root, Options{})
	require.NoError(t, err)
	markAll(t, d)
	require.NoError(t, d.Release())

	// Neither flag: refuse with UseRestart.
	_, _, err = prepare(t, root, Options{})
	assert.ErrorIs(t, err, clonerr.UseRestart)

	// Resume: no-op success, state stays all-done.
	dr, state, err := prepare(t, root, Options{Resume: true})
	require.NoError(t, err)
	assert.True(t, state.AllDone())
	require.NoError(t, dr.Release())

	// Restart: wiped back to fresh.
	_, state, err = prepare(t, root, Options{Restart: true})
	require.NoError(t, err)
	assert.False(t, state.AnyDone())
}

func TestPrepare_RefusesLiveOwner(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wd")

	d, _, err := Prepare(root, Options{})
	require.NoError(t, err)
	defer d.Release()

	// Second prepare while our own (live) pid holds the pidfile.
	_, _, err = Prepare(root, Options{})
	assert.ErrorIs(t, err, clonerr.WorkdirBusy)
}

func TestPrepare_ReclaimsStalePidfile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wd")
	require.NoError(t, os.MkdirAll(root, 0o755))

	// A pid that cannot exist: beyond any kernel's pid_max.
	stale := fmt.Sprintf("%d\n1\nold-sem-id\n", 1<<30)
	require.NoError(t, os.WriteFile(filepath.Join(root, "pgclone.pid"), []byte(stale), 0o644))

	d, _, err := prepare(t, root, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, "old-sem-id", d.LogSemID, "a reclaimed workdir mints a fresh log semaphore id")
}

func TestPrepare_AuxiliaryAttachesWithoutOwnership(t *testing.T) {
	root := filepath.Join(t.TempDir(), "wd")

	d, _, err := Prepare(root, Options{})
	require.NoError(t, err)
	defer d.Release()

	aux, _, err := Prepare(root, Options{Auxiliary: true})
	require.NoError(t, err, "auxiliary processes attach to a live owner's run")

	// Auxiliary Release must not remove the owner's pidfile.
	require.NoError(t, aux.Release())
	assert.FileExists(t, filepath.Join(root, "pgclone.pid"))
}

func TestParsePidfile(t *testing.T) {
	pid, ver, sem := parsePidfile("1234\n1\nabc-def\n")
	assert.Equal(t, 1234, pid)
	assert.Equal(t, "1", ver)
	assert.Equal(t, "abc-def", sem)

	pid, _, _ = parsePidfile("garbage")
	assert.Equal(t, 0, pid)
}
