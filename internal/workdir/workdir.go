// Package workdir owns the per-run filesystem area: the pidfile that
// enforces single ownership, the directory layout for schema dumps and
// progress markers, and the decision of whether a run starts fresh,
// resumes, or is refused.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/jfoltran/pgclone/internal/clonerr"
)

const (
	pidfileName = "pgclone.pid"
	version     = "1"
)

// Section identifies one of the coarse run phases tracked by zero-byte
// completion markers under workdir/run/.
type Section string

const (
	SectionDumpPre     Section = "dump-pre.done"
	SectionDumpPost    Section = "dump-post.done"
	SectionRestorePre  Section = "restore-pre.done"
	SectionRestorePost Section = "restore-post.done"
	SectionTables      Section = "tables.done"
	SectionIndexes     Section = "indexes.done"
	SectionSequences   Section = "sequences.done"
	SectionBlobs       Section = "blobs.done"
)

var allSections = []Section{
	SectionDumpPre, SectionDumpPost, SectionRestorePre, SectionRestorePost,
	SectionTables, SectionIndexes, SectionSequences, SectionBlobs,
}

// RunState reports which coarse phases have already completed for a run.
type RunState struct {
	SchemaDumpDone   bool
	PreDataRestored  bool
	TableCopyDone    bool
	IndexCopyDone    bool
	SequenceCopyDone bool
	BlobsCopyDone    bool
	PostDataRestored bool
}

// AllDone reports whether every tracked section has completed.
func (r RunState) AllDone() bool {
	return r.SchemaDumpDone && r.PreDataRestored && r.TableCopyDone &&
		r.IndexCopyDone && r.SequenceCopyDone && r.BlobsCopyDone && r.PostDataRestored
}

// AnyDone reports whether any section has completed, i.e. this is not a
// brand new work directory.
func (r RunState) AnyDone() bool {
	return r.SchemaDumpDone || r.PreDataRestored || r.TableCopyDone ||
		r.IndexCopyDone || r.SequenceCopyDone || r.BlobsCopyDone || r.PostDataRestored
}

// Options controls how an existing work directory is handled.
type Options struct {
	Restart   bool
	Resume    bool
	Auxiliary bool // true for secondary processes that attach to an already-running run
}

// Dir is a prepared, owned work directory.
type Dir struct {
	Root     string
	LogSemID string
	pidfile  string
	ownedPid int
}

// SchemaDir returns workdir/schema.
func (d *Dir) SchemaDir() string { return filepath.Join(d.Root, "schema") }

// RunDir returns workdir/run.
func (d *Dir) RunDir() string { return filepath.Join(d.Root, "run") }

// TablesDir returns workdir/run/tables.
func (d *Dir) TablesDir() string { return filepath.Join(d.Root, "run", "tables") }

// IndexesDir returns workdir/run/indexes.
func (d *Dir) IndexesDir() string { return filepath.Join(d.Root, "run", "indexes") }

// CDCDir returns workdir/cdc.
func (d *Dir) CDCDir() string { return filepath.Join(d.Root, "cdc") }

// CatalogPath returns the path of the embedded catalog database file.
func (d *Dir) CatalogPath() string { return filepath.Join(d.Root, "catalog.db") }

// SnapshotPath returns the path of the persisted snapshot token file.
func (d *Dir) SnapshotPath() string { return filepath.Join(d.Root, "snapshot") }

// Prepare creates (or reclaims) the work directory, enforces single
// ownership via the pidfile, and returns the RunState computed from the
// section markers present on disk.
func Prepare(root string, opts Options) (*Dir, RunState, error) {
	d := &Dir{Root: root, pidfile: filepath.Join(root, pidfileName)}

	for _, sub := range []string{"", "schema", "run", filepath.Join("run", "tables"), filepath.Join("run", "indexes"), "cdc"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, RunState{}, fmt.Errorf("create workdir %s: %w", filepath.Join(root, sub), err)
		}
	}

	if !opts.Auxiliary {
		if err := d.claimOwnership(); err != nil {
			return nil, RunState{}, err
		}
	}

	state, err := readRunState(d.RunDir())
	if err != nil {
		return nil, RunState{}, err
	}

	switch {
	case !state.AnyDone():
		// fresh: start regardless of flags.
	case state.AllDone():
		if opts.Restart {
			if err := wipeRun(d); err != nil {
				return nil, RunState{}, err
			}
			state = RunState{}
		} else if !opts.Resume {
			_ = d.Release()
			return nil, RunState{}, clonerr.Wrap(clonerr.UseRestart, fmt.Errorf("workdir %s already holds a completed run", root))
		}
		// resume on an all-done dir is a no-op success; state stays AllDone.
	default:
		// interrupted mid-run
		switch {
		case opts.Restart:
			if err := wipeRun(d); err != nil {
				return nil, RunState{}, err
			}
			state = RunState{}
		case opts.Resume:
			// continue with state as read
		default:
			_ = d.Release()
			return nil, RunState{}, clonerr.Wrap(clonerr.ResumeRequired, fmt.Errorf("workdir %s holds an interrupted run", root))
		}
	}

	return d, state, nil
}

func (d *Dir) claimOwnership() error {
	if data, err := os.ReadFile(d.pidfile); err == nil {
		pid, _, logSemID := parsePidfile(string(data))
		if pid > 0 && processAlive(pid) {
			return clonerr.Wrap(clonerr.WorkdirBusy, fmt.Errorf("workdir %s owned by live pid %d", d.Root, pid))
		}
		_ = logSemID // stale: ignore previous semaphore id, mint a new one below
	}

	d.ownedPid = os.Getpid()
	d.LogSemID = uuid.NewString()
	contents := fmt.Sprintf("%d\n%s\n%s\n", d.ownedPid, version, d.LogSemID)
	if err := os.WriteFile(d.pidfile, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// Release removes the pidfile this process owns. Auxiliary processes that
// attached to another owner's run must not call this.
func (d *Dir) Release() error {
	if d.ownedPid == 0 {
		return nil
	}
	err := os.Remove(d.pidfile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func parsePidfile(s string) (pid int, ver string, logSemID string) {
	lines := strings.SplitN(strings.TrimSpace(s), "\n", 3)
	if len(lines) > 0 {
		pid, _ = strconv.Atoi(strings.TrimSpace(lines[0]))
	}
	if len(lines) > 1 {
		ver = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		logSemID = strings.TrimSpace(lines[2])
	}
	return
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func readRunState(runDir string) (RunState, error) {
	exists := func(s Section) bool {
		_, err := os.Stat(filepath.Join(runDir, string(s)))
		return err == nil
	}
	return RunState{
		SchemaDumpDone:   exists(SectionDumpPre),
		PreDataRestored:  exists(SectionRestorePre),
		TableCopyDone:    exists(SectionTables),
		IndexCopyDone:    exists(SectionIndexes),
		SequenceCopyDone: exists(SectionSequences),
		BlobsCopyDone:    exists(SectionBlobs),
		PostDataRestored: exists(SectionRestorePost),
	}, nil
}

// MarkDone writes the zero-byte completion marker for the given section.
func (d *Dir) MarkDone(s Section) error {
	f, err := os.Create(filepath.Join(d.RunDir(), string(s)))
	if err != nil {
		return fmt.Errorf("mark section %s done: %w", s, err)
	}
	return f.Close()
}

func wipeRun(d *Dir) error {
	for _, dir := range []string{d.RunDir(), d.SchemaDir(), d.CDCDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("wipe %s: %w", dir, err)
		}
	}
	if err := os.Remove(d.SnapshotPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	if err := os.Remove(d.CatalogPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove catalog: %w", err)
	}
	for _, sub := range []string{"run", filepath.Join("run", "tables"), filepath.Join("run", "indexes"), "schema", "cdc"} {
		if err := os.MkdirAll(filepath.Join(d.Root, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}
