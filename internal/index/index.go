// Package index implements the index supervisor, index workers, and the
// constraint installer that runs once a table's last index settles.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/clonerr"
	"github.com/jfoltran/pgclone/internal/queue"
)

// Supervisor consumes the index queue with a pool of workers, each of
// which may, upon finishing the last index of a table, install that
// table's constraints and enqueue it for vacuum.
type Supervisor struct {
	cat           *catalog.Catalog
	dest          *pgxpool.Pool
	logger        zerolog.Logger
	workers       int
	resume        bool
	vacuumCh      *queue.Queue
	vacuumEnabled bool
}

// NewSupervisor creates an index Supervisor.
func NewSupervisor(cat *catalog.Catalog, dest *pgxpool.Pool, workers int, resume bool, vacuumCh *queue.Queue, vacuumEnabled bool, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cat: cat, dest: dest, logger: logger.With().Str("component", "index-supervisor").Logger(),
		workers: workers, resume: resume, vacuumCh: vacuumCh, vacuumEnabled: vacuumEnabled,
	}
}

// Run starts index workers against q and waits for all of them to consume
// a STOP. The caller (orchestrator) owns q and sends workers-many STOPs
// once the copy supervisor has drained, since the copy supervisor is the
// one that knows copy is truly finished.
func (s *Supervisor) Run(ctx context.Context, q *queue.Queue) error {
	errs := make(chan error, s.workers)
	for i := 0; i < s.workers; i++ {
		w := newWorker(s.cat, s.dest, s.resume, s.vacuumCh, s.vacuumEnabled, i, s.logger)
		go func() { errs <- w.run(ctx, q) }()
	}

	var firstErr error
	for i := 0; i < s.workers; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type worker struct {
	cat           *catalog.Catalog
	dest          *pgxpool.Pool
	resume        bool
	vacuumCh      *queue.Queue
	vacuumEnabled bool
	id            int
	pid           int
	logger        zerolog.Logger
	installer     *ConstraintInstaller
}

func newWorker(cat *catalog.Catalog, dest *pgxpool.Pool, resume bool, vacuumCh *queue.Queue, vacuumEnabled bool, id int, logger zerolog.Logger) *worker {
	return &worker{
		cat: cat, dest: dest, resume: resume, vacuumCh: vacuumCh, vacuumEnabled: vacuumEnabled, id: id,
		pid:       os.Getpid()<<16 ^ (id + 1),
		logger:    logger.With().Str("component", "index-worker").Int("worker", id).Logger(),
		installer: NewConstraintInstaller(cat, dest, logger),
	}
}

func (w *worker) run(ctx context.Context, q *queue.Queue) error {
	if _, err := w.dest.Exec(ctx, "SET maintenance_work_mem = '512MB'"); err != nil {
		w.logger.Warn().Err(err).Msg("failed to set session GUCs")
	}

	for {
		msg, ok := q.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		if msg.Type == queue.TypeStop {
			return nil
		}
		if err := w.buildIndex(ctx, msg.OID); err != nil {
			return clonerr.Wrap(clonerr.IndexBuildError, err)
		}
	}
}

func (w *worker) buildIndex(ctx context.Context, indexOID uint32) error {
	idx, err := w.cat.LookupIndex(ctx, indexOID)
	if err != nil {
		return fmt.Errorf("lookup index %d: %w", indexOID, err)
	}

	// A constraint index that is neither PRIMARY KEY nor UNIQUE (e.g. an
	// EXCLUDE constraint) is built by its own ALTER TABLE, not by a
	// concurrent CREATE INDEX.
	skipConcurrentBuild := idx.ConstraintOID != nil && !idx.IsPrimary && !idx.IsUnique

	err = w.cat.AcquireIndex(ctx, indexOID, w.pid, catalog.IsAlive)
	switch err {
	case catalog.ErrAlreadyDone:
		return w.afterIndexSettled(ctx, idx.TableOID)
	case catalog.ErrLocked:
		return nil
	case nil:
	default:
		return err
	}

	if skipConcurrentBuild {
		// Still settle the summary row, or the remaining-indexes count for
		// this table would never reach zero and the constraint installer
		// (which is what actually creates this index) would never run.
		if err := w.cat.FinishIndex(ctx, indexOID, "-- deferred to ALTER TABLE ADD CONSTRAINT", 0); err != nil {
			return err
		}
		return w.afterIndexSettled(ctx, idx.TableOID)
	}

	start := time.Now()
	ddl := idx.CreateIndexDDL
	if w.resume {
		ddl = injectIfNotExists(ddl)
	}
	if _, err := w.dest.Exec(ctx, ddl); err != nil && !isDuplicateObjectErr(err) {
		return fmt.Errorf("create index %s: %w", idx.Name, err)
	}
	if err := w.cat.FinishIndex(ctx, indexOID, ddl, time.Since(start)); err != nil {
		return err
	}

	return w.afterIndexSettled(ctx, idx.TableOID)
}

// afterIndexSettled checks whether all of a table's indexes are now done
// and, if so, attempts to claim ownership of the constraint-install +
// vacuum-enqueue transition. Exactly one worker wins this compare-and-set.
func (w *worker) afterIndexSettled(ctx context.Context, tableOID uint32) error {
	remaining, err := w.cat.RemainingIndexes(ctx, tableOID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	won, err := w.cat.ClaimIndexesDoneOwner(ctx, tableOID, w.pid, catalog.IsAlive)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := w.installer.InstallAll(ctx, tableOID); err != nil {
		return clonerr.Wrap(clonerr.ConstraintError, err)
	}

	if w.vacuumEnabled && w.vacuumCh != nil {
		return w.vacuumCh.Send(ctx, queue.Message{Type: queue.TypeVacuum, OID: tableOID})
	}
	return nil
}

func injectIfNotExists(ddl string) string {
	upper := strings.ToUpper(ddl)
	if strings.Contains(upper, "IF NOT EXISTS") {
		return ddl
	}
	const marker = "CREATE INDEX"
	idx := strings.Index(upper, marker)
	if idx < 0 {
		const uniqueMarker = "CREATE UNIQUE INDEX"
		idx = strings.Index(upper, uniqueMarker)
		if idx < 0 {
			return ddl
		}
		return ddl[:idx+len(uniqueMarker)] + " IF NOT EXISTS" + ddl[idx+len(uniqueMarker):]
	}
	return ddl[:idx+len(marker)] + " IF NOT EXISTS" + ddl[idx+len(marker):]
}

func isDuplicateObjectErr(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", "42P16", "42710":
		return true
	}
	return false
}
