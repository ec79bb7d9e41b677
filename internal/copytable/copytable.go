// Package copytable implements the copy supervisor and copy workers: the
// supervisor enumerates tables from the catalog, optionally partitions
// large tables, enqueues work, and issues per-worker STOP messages;
// workers consume the queue and execute per-table(-part) COPY.
package copytable

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/clonerr"
	"github.com/jfoltran/pgclone/internal/partition"
	"github.com/jfoltran/pgclone/internal/queue"
	"github.com/jfoltran/pgclone/internal/retry"
)

const copyBatchSize = 50000

// OnTableDone is invoked after each table part finishes copying, with the
// bytes that part transmitted — the orchestrator uses it to drive progress
// reporting.
type OnTableDone func(tableOID uint32, bytesTransmitted int64)

// Supervisor drains the catalog's table list onto the copy queue and
// coordinates copy workers.
type Supervisor struct {
	cat       *catalog.Catalog
	source    *pgxpool.Pool
	dest      *pgxpool.Pool
	logger    zerolog.Logger
	workers   int
	retry     *retry.Policy
	onDone    OnTableDone
	indexCh   *queue.Queue // index queue, for last-part enqueue
	vacuumCh  *queue.Queue // vacuum queue, for no-index tables
	snapToken string       // exported snapshot every worker tx binds to; "" in --not-consistent mode
}

// NewSupervisor creates a copy Supervisor. snapToken is the exported
// snapshot identifier every worker's source transaction binds to, or ""
// to let each worker read with its own transaction.
func NewSupervisor(cat *catalog.Catalog, source, dest *pgxpool.Pool, workers int, snapToken string, indexCh, vacuumCh *queue.Queue, onDone OnTableDone, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cat:       cat,
		source:    source,
		dest:      dest,
		logger:    logger.With().Str("component", "copy-supervisor").Logger(),
		workers:   workers,
		retry:     retry.NewPolicy(4),
		onDone:    onDone,
		indexCh:   indexCh,
		vacuumCh:  vacuumCh,
		snapToken: snapToken,
	}
}

// Run enumerates the catalog's tables onto a fresh copy queue, starts the
// copy workers, sends one STOP per worker once every part is enqueued, and
// returns when all workers have exited. It sends no STOP to the index
// queue; the caller announces end-of-input to that stage after Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	q := queue.New(s.workers * 4)

	workerErrs := make(chan error, s.workers)
	for i := 0; i < s.workers; i++ {
		w := newWorker(s.cat, s.source, s.dest, s.retry, s.snapToken, s.onDone, s.indexCh, s.vacuumCh, i, s.logger)
		go func() {
			workerErrs <- w.run(ctx, q)
		}()
	}

	if err := s.enqueueTables(ctx, q); err != nil {
		return err
	}
	if err := q.SendStop(ctx, s.workers); err != nil {
		return err
	}

	var firstErr error
	for i := 0; i < s.workers; i++ {
		if err := <-workerErrs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Supervisor) enqueueTables(ctx context.Context, q *queue.Queue) error {
	return s.cat.IterTables(ctx, func(t catalog.SourceTable) error {
		if t.ExcludeData {
			return nil
		}

		// A resumed run: every part of this table already finished in a
		// prior attempt, so the last-part transition was consumed then.
		// Drive the downstream dispatch directly instead of re-enqueueing
		// parts whose progress rows would all report ErrAlreadyDone.
		done, err := s.cat.IsTableDone(ctx, t.OID)
		if err != nil {
			return err
		}
		if done {
			return dispatchTableDone(ctx, s.cat, s.indexCh, s.vacuumCh, t.OID)
		}

		ranges, err := s.cat.PartitionRanges(ctx, t.OID)
		if err != nil {
			return clonerr.Wrap(clonerr.SchemaDiscoveryError, err)
		}

		if len(ranges) <= 1 {
			return q.Send(ctx, queue.Message{Type: queue.TypeTablePart, OID: t.OID, Part: 0})
		}

		// Partitioned: truncate the target first (if privilege allows) so
		// the per-part copies land in an empty table — but never on a
		// resumed table, where truncating would wipe the parts a prior
		// attempt already committed.
		started, err := s.cat.TableCopyStarted(ctx, t.OID)
		if err != nil {
			return err
		}
		if !started {
			if err := s.truncateIfPermitted(ctx, t); err != nil {
				s.logger.Warn().Err(err).Str("table", t.QualifiedName).Msg("truncate before partitioned copy failed, continuing")
			}
		}

		for _, r := range ranges {
			if err := q.Send(ctx, queue.Message{Type: queue.TypeTablePart, OID: t.OID, Part: r.PartNumber}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Supervisor) truncateIfPermitted(ctx context.Context, t catalog.SourceTable) error {
	_, err := s.dest.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", t.QualifiedName))
	return err
}

type worker struct {
	cat       *catalog.Catalog
	source    *pgxpool.Pool
	dest      *pgxpool.Pool
	retry     *retry.Policy
	snapToken string
	onDone    OnTableDone
	indexCh   *queue.Queue
	vacuumCh  *queue.Queue
	id        int
	logger    zerolog.Logger
	pid       int
}

func newWorker(cat *catalog.Catalog, source, dest *pgxpool.Pool, r *retry.Policy, snapToken string, onDone OnTableDone, indexCh, vacuumCh *queue.Queue, id int, logger zerolog.Logger) *worker {
	return &worker{
		cat: cat, source: source, dest: dest, retry: r, snapToken: snapToken, onDone: onDone,
		indexCh: indexCh, vacuumCh: vacuumCh, id: id,
		logger: logger.With().Str("component", "copy-worker").Int("worker", id).Logger(),
		pid:    os.Getpid()<<16 ^ id, // distinct synthetic pid per in-process worker
	}
}

func (w *worker) run(ctx context.Context, q *queue.Queue) error {
	// Set destination session GUCs for bulk load: generous maintenance
	// work mem and async commit, as recommended for large COPY runs.
	for _, guc := range []string{"SET maintenance_work_mem = '512MB'", "SET synchronous_commit = off"} {
		if _, err := w.dest.Exec(ctx, guc); err != nil {
			w.logger.Warn().Err(err).Str("guc", guc).Msg("failed to set session GUC")
		}
	}

	for {
		msg, ok := q.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		if msg.Type == queue.TypeStop {
			return nil
		}

		if err := w.handlePart(ctx, msg.OID, msg.Part); err != nil {
			return clonerr.Wrap(clonerr.DataCopyError, err)
		}
	}
}

func (w *worker) handlePart(ctx context.Context, tableOID uint32, part int) error {
	err := w.cat.AcquireTablePart(ctx, tableOID, part, w.pid, catalog.IsAlive)
	if err == catalog.ErrAlreadyDone {
		return nil
	}
	if err == catalog.ErrLocked {
		w.logger.Debug().Uint32("table_oid", tableOID).Int("part", part).Msg("part owned by another live worker, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	start := time.Now()
	var bytesTransmitted int64
	copyErr := w.retry.Do(ctx, func(attempt int) error {
		n, err := w.copyPart(ctx, tableOID, part)
		if err == nil {
			bytesTransmitted = n
		}
		return classifyTransientOnConn(err)
	})
	if copyErr != nil {
		return copyErr
	}

	if err := w.cat.FinishTablePart(ctx, tableOID, part, "COPY", bytesTransmitted, time.Since(start)); err != nil {
		return err
	}
	if w.onDone != nil {
		w.onDone(tableOID, bytesTransmitted)
	}

	ranges, err := w.cat.PartitionRanges(ctx, tableOID)
	if err != nil {
		return err
	}
	if len(ranges) <= 1 {
		return w.finishTable(ctx, tableOID)
	}

	isLast, err := w.cat.CompletePart(ctx, tableOID)
	if err != nil {
		return err
	}
	if isLast {
		return w.finishTable(ctx, tableOID)
	}
	return nil
}

// finishTable is entered by whichever worker observes "this was the last
// part of the table" — exactly one worker per table, thanks to the
// catalog's compare-and-set on table_parts_progress.
func (w *worker) finishTable(ctx context.Context, tableOID uint32) error {
	return dispatchTableDone(ctx, w.cat, w.indexCh, w.vacuumCh, tableOID)
}

// dispatchTableDone hands a fully copied table to the next stage: its
// indexes onto the index queue, or straight to vacuum when it has none.
// Called by the last-part worker on a live run and by the supervisor for
// tables a resumed run found already copied.
func dispatchTableDone(ctx context.Context, cat *catalog.Catalog, indexCh, vacuumCh *queue.Queue, tableOID uint32) error {
	indexCount, err := cat.IndexCountForTable(ctx, tableOID)
	if err != nil {
		return err
	}
	if indexCount == 0 {
		if vacuumCh != nil {
			return vacuumCh.Send(ctx, queue.Message{Type: queue.TypeVacuum, OID: tableOID})
		}
		return nil
	}
	if indexCh == nil {
		return nil
	}

	var indexOIDs []uint32
	if err := cat.IterIndexesForTable(ctx, tableOID, func(idx catalog.SourceIndex) error {
		indexOIDs = append(indexOIDs, idx.OID)
		return nil
	}); err != nil {
		return err
	}
	for _, oid := range indexOIDs {
		if err := indexCh.Send(ctx, queue.Message{Type: queue.TypeIndex, OID: oid}); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) copyPart(ctx context.Context, tableOID uint32, part int) (int64, error) {
	var t catalog.SourceTable
	found := false
	if err := w.cat.IterTables(ctx, func(ct catalog.SourceTable) error {
		if ct.OID == tableOID {
			t, found = ct, true
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("table oid %d not found in catalog", tableOID)
	}

	ranges, err := w.cat.PartitionRanges(ctx, tableOID)
	if err != nil {
		return 0, err
	}
	var r *partition.Range
	for i := range ranges {
		if ranges[i].PartNumber == part {
			r = &ranges[i]
			break
		}
	}

	total, err := w.copyRange(ctx, t, r)
	if err != nil && r != nil && t.PartitionKind != partition.KeyCtid && isUndefinedColumn(err) {
		// The partition-key column vanished between enumeration and copy
		// (e.g. dropped by a concurrent DDL). Fall back to an unpartitioned
		// copy of the whole table rather than failing the part outright.
		// The error aborted both attempt transactions, so copyRange opens
		// fresh ones.
		w.logger.Warn().Str("table", t.QualifiedName).Str("column", t.PartitionColumn).
			Msg("partition key column missing, falling back to unpartitioned copy")
		return w.copyRange(ctx, t, nil)
	}
	return total, err
}

// copyRange streams one key range (or, with r == nil, the whole table)
// from source to destination as a single attempt: one snapshot-bound
// source transaction and one destination transaction that commits all
// batches atomically, so a worker killed mid-part rolls back and the part
// is re-copied whole on resume, never duplicated.
func (w *worker) copyRange(ctx context.Context, t catalog.SourceTable, r *partition.Range) (int64, error) {
	srcConn, err := w.source.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire source conn: %w", err)
	}
	defer srcConn.Release()

	srcTx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	// Bind this transaction to the run-wide exported snapshot so every
	// part of every table reads the same point in time.
	if w.snapToken != "" {
		if _, err := srcTx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", w.snapToken)); err != nil {
			return 0, fmt.Errorf("set transaction snapshot: %w", err)
		}
	}

	// Existence re-check: the table may have been dropped after
	// enumeration. The SELECT below takes the ACCESS SHARE lock, held
	// until this transaction ends.
	var exists bool
	if err := srcTx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_class WHERE oid = $1)", t.OID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("re-check table existence: %w", err)
	}
	if !exists {
		w.logger.Warn().Str("table", t.QualifiedName).Msg("table dropped after enumeration, skipping")
		return 0, nil
	}

	dstConn, err := w.dest.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire dest conn: %w", err)
	}
	defer dstConn.Release()
	dstTx, err := dstConn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dest tx: %w", err)
	}
	defer dstTx.Rollback(ctx) //nolint:errcheck

	rows, err := srcTx.Query(ctx, buildSelectQuery(t, r))
	if err != nil {
		return 0, fmt.Errorf("select from %s: %w", t.QualifiedName, err)
	}
	defer rows.Close()

	colNames := make([]string, len(t.Attributes))
	for i, a := range t.Attributes {
		colNames[i] = a.Name
	}
	if len(colNames) == 0 {
		fds := rows.FieldDescriptions()
		colNames = make([]string, len(fds))
		for i, fd := range fds {
			colNames[i] = fd.Name
		}
	}

	var total int64
	batch := make([][]any, 0, copyBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.copyBatch(ctx, dstTx, t, colNames, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return total, fmt.Errorf("read row: %w", err)
		}
		batch = append(batch, vals)
		if len(batch) >= copyBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	// pgx defers execution errors to here, after iteration — including
	// undefined_column, which is what the partition-key fallback in
	// copyPart inspects.
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("select from %s: %w", t.QualifiedName, err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	rows.Close()

	if err := dstTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dest tx: %w", err)
	}
	return total, nil
}

// copyBatch streams one batch of rows to the destination table via the
// COPY protocol, inside the part's destination transaction. The WITH
// (FREEZE) optimization is not implemented: it requires
// the TRUNCATE to happen inside this same transaction, and the truncate
// here happens (for partitioned tables only) at enqueue time on a
// separate connection — freeze is out of scope, not merely unwired.
func (w *worker) copyBatch(ctx context.Context, dstTx pgx.Tx, t catalog.SourceTable, colNames []string, batch [][]any) (int64, error) {
	return dstTx.CopyFrom(ctx, pgx.Identifier{t.Schema, t.Name}, colNames, pgx.CopyFromRows(batch))
}

func buildSelectQuery(t catalog.SourceTable, r *partition.Range) string {
	cols := "*"
	if len(t.Attributes) > 0 {
		names := make([]string, len(t.Attributes))
		for i, a := range t.Attributes {
			names[i] = quoteIdent(a.Name)
		}
		cols = strings.Join(names, ", ")
	}

	if r == nil {
		return fmt.Sprintf("SELECT %s FROM %s", cols, t.QualifiedName)
	}

	switch {
	case t.PartitionKind == partition.KeyCtid:
		if r.Max < 0 {
			return fmt.Sprintf("SELECT %s FROM %s WHERE ctid >= '(%d,0)'::tid", cols, t.QualifiedName, r.Min)
		}
		return fmt.Sprintf("SELECT %s FROM %s WHERE ctid >= '(%d,0)'::tid AND ctid < '(%d,0)'::tid", cols, t.QualifiedName, r.Min, r.Max)
	case r.Min == -1 && r.Max == -1:
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NULL", cols, t.QualifiedName, quoteIdent(t.PartitionColumn))
	case r.PartNumber == r.PartCount:
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %d", cols, t.QualifiedName, quoteIdent(t.PartitionColumn), r.Min)
	default:
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s BETWEEN %d AND %d", cols, t.QualifiedName, quoteIdent(t.PartitionColumn), r.Min, r.Max)
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// isUndefinedColumn reports whether err is Postgres SQLSTATE 42703
// (undefined_column), raised when the partition key was dropped after
// schema discovery enumerated it.
func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703"
	}
	return false
}

func classifyTransientOnConn(err error) error {
	if err == nil {
		return nil
	}
	if retry.IsRetryable(err) {
		return clonerr.Wrap(clonerr.Transient, err)
	}
	return err
}
