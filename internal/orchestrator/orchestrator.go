// Package orchestrator is the root of the core clone: it owns the work
// directory, the embedded catalog, the snapshot manager, and the copy,
// index, and vacuum supervisors, driving one run from schema discovery
// through sequence reset and blob copy. CDC follow and switchover compose
// on top of a finished clone but are not part of this package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/blobs"
	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/clonerr"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/copytable"
	"github.com/jfoltran/pgclone/internal/extensions"
	"github.com/jfoltran/pgclone/internal/index"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/partition"
	"github.com/jfoltran/pgclone/internal/queue"
	"github.com/jfoltran/pgclone/internal/schema"
	"github.com/jfoltran/pgclone/internal/sequence"
	"github.com/jfoltran/pgclone/internal/snapshot"
	"github.com/jfoltran/pgclone/internal/vacuum"
	"github.com/jfoltran/pgclone/internal/workdir"
)

// Orchestrator drives one clone run end to end.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	sourcePool *pgxpool.Pool
	destPool   *pgxpool.Pool

	dir  *workdir.Dir
	cat  *catalog.Catalog
	snap *snapshot.Manager

	externalSnapshot string

	Metrics *metrics.Collector
}

// New creates an Orchestrator from configuration. It does not touch the
// network or filesystem until Run is called.
func New(cfg *config.Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		Metrics: metrics.NewCollector(logger),
	}
}

// UseExternalSnapshot supplies a snapshot token the orchestrator did not
// export itself — e.g. one exported alongside a replication slot's
// creation — so Run binds every copy worker to it instead of calling
// pg_export_snapshot() on its own. Must be called before Run. Callers that
// use this are responsible for keeping the token's source transaction
// alive until the copy phase finishes.
func (o *Orchestrator) UseExternalSnapshot(token string) {
	o.externalSnapshot = token
}

// WithSignals wraps ctx so it is cancelled on SIGINT, SIGTERM, or SIGQUIT,
// giving in-flight workers a chance to finish their current unit of work
// and record progress before the process exits.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

// Run performs schema discovery (if not already done), applies pre-data
// DDL, copies every table, builds indexes and constraints, resets
// sequences, and copies large objects — skipping any section the work
// directory already recorded as complete.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if err := o.connect(ctx); err != nil {
		return err
	}

	opts := workdir.Options{Restart: o.cfg.Clone.Restart, Resume: o.cfg.Clone.Resume}
	dir, state, err := workdir.Prepare(o.cfg.Clone.Workdir, opts)
	if err != nil {
		return err
	}
	o.dir = dir
	defer func() {
		if relErr := o.dir.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if state.AllDone() {
		o.logger.Info().Msg("work directory already holds a completed clone, nothing to do")
		o.Metrics.SetPhase("complete")
		return nil
	}

	cat, err := catalog.Open(dir.CatalogPath())
	if err != nil {
		return err
	}
	o.cat = cat
	defer cat.Close() //nolint:errcheck

	o.snap = snapshot.NewManager(o.sourcePool, o.cfg.Clone.NotConsistent, o.logger)

	if !state.SchemaDumpDone {
		o.setPhase("schema-discovery")
		if err := o.discoverAndDumpSchema(ctx); err != nil {
			return err
		}
		if err := dir.MarkDone(workdir.SectionDumpPre); err != nil {
			return err
		}
	}

	if !state.PreDataRestored {
		o.setPhase("pre-data-restore")
		if err := o.applyPreData(ctx); err != nil {
			return err
		}
		if err := dir.MarkDone(workdir.SectionRestorePre); err != nil {
			return err
		}
	}

	if !state.TableCopyDone || !state.IndexCopyDone {
		o.setPhase("snapshot-export")
		if o.externalSnapshot != "" {
			if err := o.snap.AdoptExternal(o.externalSnapshot, dir.SnapshotPath()); err != nil {
				return err
			}
		} else {
			if err := o.snap.Export(ctx, dir.SnapshotPath()); err != nil {
				return err
			}
			defer o.snap.Close(ctx) //nolint:errcheck
		}
	}

	if err := o.copyIndexVacuum(ctx, state); err != nil {
		return err
	}
	if err := dir.MarkDone(workdir.SectionTables); err != nil {
		return err
	}
	if err := dir.MarkDone(workdir.SectionIndexes); err != nil {
		return err
	}

	if !state.PostDataRestored {
		// Extension-config data is repopulated idempotently (each config
		// table is truncated first), so it needs no section marker of its
		// own; restore-post gates it on resume.
		o.setPhase("extension-data")
		if err := extensions.NewCopier(o.cat, o.sourcePool, o.destPool, o.snap.Token(), o.logger).Run(ctx); err != nil {
			return fmt.Errorf("extension config copy: %w", err)
		}
	}

	if !state.SequenceCopyDone {
		o.setPhase("sequence-reset")
		if err := sequence.NewResetter(o.cat, o.destPool, o.logger).Run(ctx); err != nil {
			return fmt.Errorf("sequence reset: %w", err)
		}
		if err := dir.MarkDone(workdir.SectionSequences); err != nil {
			return err
		}
	}

	if !state.BlobsCopyDone {
		o.setPhase("blobs")
		if err := blobs.NewCopier(o.sourcePool, o.destPool, o.logger).Run(ctx); err != nil {
			return fmt.Errorf("blob copy: %w", err)
		}
		if err := dir.MarkDone(workdir.SectionBlobs); err != nil {
			return err
		}
	}

	if !state.PostDataRestored {
		o.setPhase("post-data-restore")
		if err := o.applyPostData(ctx); err != nil {
			return err
		}
		if err := dir.MarkDone(workdir.SectionRestorePost); err != nil {
			return err
		}
	}

	o.setPhase("complete")
	o.logger.Info().Msg("clone complete")
	return nil
}

func (o *Orchestrator) connect(ctx context.Context) error {
	const connTimeout = 30 * time.Second

	srcCtx, cancel := context.WithTimeout(ctx, connTimeout)
	srcPool, err := pgxpool.New(srcCtx, o.cfg.Source.DSN())
	cancel()
	if err != nil {
		return fmt.Errorf("source pool: %w", err)
	}
	o.sourcePool = srcPool

	dstCtx, cancel := context.WithTimeout(ctx, connTimeout)
	dstPool, err := pgxpool.New(dstCtx, o.cfg.Dest.DSN())
	cancel()
	if err != nil {
		srcPool.Close()
		return fmt.Errorf("dest pool: %w", err)
	}
	o.destPool = dstPool
	return nil
}

func (o *Orchestrator) discoverAndDumpSchema(ctx context.Context) error {
	migrator := schema.NewMigrator(o.sourcePool, o.destPool, o.logger)
	for _, section := range []string{"pre-data", "post-data"} {
		ddl, err := migrator.DumpSchemaSection(ctx, o.cfg.Source.DSN(), section)
		if err != nil {
			return clonerr.Wrap(clonerr.SchemaDiscoveryError, err)
		}
		if err := os.WriteFile(filepath.Join(o.dir.SchemaDir(), section+".sql"), []byte(ddl), 0o644); err != nil {
			return fmt.Errorf("persist %s schema: %w", section, err)
		}
	}
	if err := o.dir.MarkDone(workdir.SectionDumpPost); err != nil {
		return err
	}

	disc := schema.NewDiscoverer(o.sourcePool, o.logger)

	tables, err := disc.DiscoverTables(ctx)
	if err != nil {
		return err
	}
	indexes, err := disc.DiscoverIndexes(ctx)
	if err != nil {
		return err
	}
	sequences, err := disc.DiscoverSequences(ctx)
	if err != nil {
		return err
	}
	extensions, err := disc.DiscoverExtensions(ctx)
	if err != nil {
		return err
	}
	collations, err := disc.DiscoverCollations(ctx)
	if err != nil {
		return err
	}
	deps, err := disc.DiscoverDependencies(ctx)
	if err != nil {
		return err
	}

	indexesByTable := make(map[uint32]int)
	for _, idx := range indexes {
		indexesByTable[idx.TableOID]++
		if err := o.cat.AddIndex(ctx, idx); err != nil {
			return fmt.Errorf("cache index %s: %w", idx.Name, err)
		}
	}

	for _, t := range tables {
		plan, err := partition.Compute(ctx, o.sourcePool, t.Table.QualifiedName, t.KeyCand,
			t.Table.EstimatedBytes, o.cfg.Clone.PartitionThresholdBytes, t.Table.EstimatedRows, t.PageCount)
		if err != nil {
			return fmt.Errorf("partition plan for %s: %w", t.Table.QualifiedName, err)
		}
		t.Table.PartitionColumn = plan.Column
		t.Table.PartitionKind = plan.Kind
		t.Table.IndexCount = indexesByTable[t.Table.OID]
		if err := o.cat.AddTable(ctx, t.Table, plan); err != nil {
			return fmt.Errorf("cache table %s: %w", t.Table.QualifiedName, err)
		}
	}

	for _, s := range sequences {
		if err := o.cat.AddSequence(ctx, s); err != nil {
			return fmt.Errorf("cache sequence %s: %w", s.Name, err)
		}
	}

	for _, e := range extensions {
		if err := o.cat.AddExtension(ctx, e.Extension, e.ConfigTableOIDs); err != nil {
			return fmt.Errorf("cache extension %s: %w", e.Extension.Name, err)
		}
	}

	for _, coll := range collations {
		if err := o.cat.AddCollation(ctx, coll); err != nil {
			return fmt.Errorf("cache collation %s: %w", coll.Name, err)
		}
	}

	for _, pair := range deps {
		if err := o.cat.AddDependency(ctx, pair[0], pair[1]); err != nil {
			return fmt.Errorf("cache dependency: %w", err)
		}
	}

	tableProgress := make([]metrics.TableProgress, 0, len(tables))
	for _, t := range tables {
		tableProgress = append(tableProgress, metrics.TableProgress{
			OID:       t.Table.OID,
			Schema:    t.Table.Schema,
			Name:      t.Table.Name,
			Status:    metrics.TablePending,
			SizeBytes: t.Table.EstimatedBytes,
		})
	}
	o.Metrics.SetTables(tableProgress)

	o.Metrics.SetPhase("schema-discovery")
	o.logger.Info().Int("tables", len(tables)).Int("indexes", len(indexes)).
		Int("sequences", len(sequences)).Msg("schema discovery complete")
	return nil
}

func (o *Orchestrator) applyPreData(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(o.dir.SchemaDir(), "pre-data.sql"))
	if err != nil {
		return fmt.Errorf("read pre-data schema: %w", err)
	}
	migrator := schema.NewMigrator(o.sourcePool, o.destPool, o.logger)
	if err := migrator.ApplySchema(ctx, string(data)); err != nil {
		return fmt.Errorf("apply pre-data schema: %w", err)
	}
	return nil
}

// applyPostData replays the post-data DDL section (triggers, rules,
// foreign keys) on the target. Indexes and index-backed constraints were
// already built by the index stage, so their statements fail with
// duplicate-object errors that ApplySchema skips.
func (o *Orchestrator) applyPostData(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(o.dir.SchemaDir(), "post-data.sql"))
	if err != nil {
		return fmt.Errorf("read post-data schema: %w", err)
	}
	migrator := schema.NewMigrator(o.sourcePool, o.destPool, o.logger)
	if err := migrator.ApplySchema(ctx, string(data)); err != nil {
		return fmt.Errorf("apply post-data schema: %w", err)
	}
	return nil
}

// copyIndexVacuum runs the copy, index, and vacuum supervisors together:
// index workers start immediately (so they can build as soon as a table's
// last part lands) and vacuum workers start immediately (so they can run
// as soon as a table's last index settles). End-of-input is known once the
// copy supervisor returns, so this function then sends one STOP per index
// worker (under fail-fast after a copy error it cancels instead); the
// vacuum STOPs are sent the same way once the index supervisor returns.
func (o *Orchestrator) copyIndexVacuum(ctx context.Context, state workdir.RunState) error {
	if state.TableCopyDone && state.IndexCopyDone {
		return nil
	}

	indexWorkers := o.cfg.Clone.IndexWorkers
	vacuumWorkers := o.cfg.Clone.VacuumWorkers
	vacuumEnabled := o.cfg.Clone.VacuumEnabled

	indexQ := queue.New(indexWorkers * 4)
	var vacuumQ *queue.Queue
	if vacuumEnabled {
		vacuumQ = queue.New(vacuumWorkers * 4)
	}

	resume := o.cfg.Clone.Resume

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	indexErrCh := make(chan error, 1)
	go func() {
		sup := index.NewSupervisor(o.cat, o.destPool, indexWorkers, resume, vacuumQ, vacuumEnabled, o.logger)
		err := sup.Run(runCtx, indexQ)
		if vacuumQ != nil {
			_ = vacuumQ.SendStop(context.Background(), vacuumWorkers)
		}
		indexErrCh <- err
	}()

	var vacuumErrCh chan error
	if vacuumEnabled {
		vacuumErrCh = make(chan error, 1)
		go func() {
			sup := vacuum.NewSupervisor(o.cat, o.destPool, vacuumWorkers, o.logger)
			vacuumErrCh <- sup.Run(runCtx, vacuumQ)
		}()
	}

	copySup := copytable.NewSupervisor(o.cat, o.sourcePool, o.destPool, o.cfg.Snapshot.Workers, o.snap.Token(), indexQ, vacuumQ,
		func(tableOID uint32, bytesTransmitted int64) {
			o.Metrics.RecordTableBytes(tableOID, bytesTransmitted)
			if done, err := o.cat.IsTableDone(runCtx, tableOID); err == nil && done {
				o.Metrics.TableDone(tableOID)
			}
		}, o.logger)

	o.setPhase("copy")
	copyErr := copySup.Run(runCtx)
	if copyErr != nil && o.cfg.Clone.FailFast {
		cancel()
	} else {
		// Best-effort: even after a copy error, downstream workers drain
		// whatever made it onto their queues, then stop.
		_ = indexQ.SendStop(context.Background(), indexWorkers)
	}

	o.setPhase("index-build")
	indexErr := <-indexErrCh
	var vacuumErr error
	if vacuumEnabled {
		vacuumErr = <-vacuumErrCh
	}

	return firstNonNil(copyErr, indexErr, vacuumErr)
}

func firstNonNil(errs ...error) error {
	var joined []error
	for _, e := range errs {
		if e != nil {
			joined = append(joined, e)
		}
	}
	return errors.Join(joined...)
}

func (o *Orchestrator) setPhase(phase string) {
	o.logger.Info().Str("phase", phase).Msg("phase transition")
	o.Metrics.SetPhase(phase)
}

// Close releases pooled connections and the catalog handle. Safe to call
// even if Run returned early.
func (o *Orchestrator) Close() {
	if o.Metrics != nil {
		o.Metrics.Close()
	}
	if o.sourcePool != nil {
		o.sourcePool.Close()
	}
	if o.destPool != nil {
		o.destPool.Close()
	}
}
