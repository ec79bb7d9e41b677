// Package catalog is the embedded relational store that caches the source
// schema and records per-object progress. It is backed by modernc.org/sqlite
// (pure Go, no cgo) so the orchestrator binary stays a single static
// executable. Every worker in the process shares one *Catalog; a mutex
// stands in for the named semaphore the original design used to serialize
// catalog writes across forked processes.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jfoltran/pgclone/internal/clonerr"
	"github.com/jfoltran/pgclone/internal/partition"
)

// Catalog wraps the embedded sqlite database holding schema cache and
// progress/lock records for one run.
type Catalog struct {
	db *sql.DB
	mu sync.Mutex // coarse write serialization, stands in for the named semaphore
}

// Open creates (if needed) and opens the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid lock thrash

	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Reset removes all rows, used when --restart wipes a run.
func (c *Catalog) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tables := []string{
		"source_tables", "source_attributes", "partition_ranges", "source_indexes",
		"source_sequences", "source_collations", "source_extensions", "source_extension_configs",
		"source_dependencies", "table_summaries", "index_summaries", "table_parts_progress",
		"table_indexes_done_owner", "target_constraints", "process_info",
	}
	for _, t := range tables {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("reset %s: %w", t, err)
		}
	}
	return nil
}

// --- Schema cache: tables ---

// Attribute is one column of a SourceTable.
type Attribute struct {
	Ord      int
	Name     string
	DataType string
	Nullable bool
}

// SourceTable mirrors the source table's identity, size estimate, and
// partitioning decision, as discovered once at schema-discovery time.
type SourceTable struct {
	OID              uint32
	Schema           string
	Name             string
	QualifiedName    string
	EstimatedRows    int64
	EstimatedBytes   int64
	ExcludeData      bool
	RestoreListName  string
	PartitionColumn  string
	PartitionKind    partition.KeyKind
	PartitionNullable bool
	IndexCount       int
	ConstraintCount  int
	Attributes       []Attribute
}

// AddTable inserts or replaces a table's schema-discovery record, along
// with its attributes and partition plan (if any).
func (c *Catalog) AddTable(ctx context.Context, t SourceTable, plan partition.Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO source_tables (oid, schema, name, qualified_name, estimated_rows, estimated_bytes,
			exclude_data, restore_list_name, partition_column, partition_kind, partition_nullable,
			index_count, constraint_count)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(oid) DO UPDATE SET
			schema=excluded.schema, name=excluded.name, qualified_name=excluded.qualified_name,
			estimated_rows=excluded.estimated_rows, estimated_bytes=excluded.estimated_bytes,
			exclude_data=excluded.exclude_data, restore_list_name=excluded.restore_list_name,
			partition_column=excluded.partition_column, partition_kind=excluded.partition_kind,
			partition_nullable=excluded.partition_nullable,
			index_count=excluded.index_count, constraint_count=excluded.constraint_count`,
		t.OID, t.Schema, t.Name, t.QualifiedName, t.EstimatedRows, t.EstimatedBytes,
		boolToInt(t.ExcludeData), t.RestoreListName, plan.Column, int(plan.Kind), boolToInt(t.PartitionNullable),
		t.IndexCount, t.ConstraintCount)
	if err != nil {
		return fmt.Errorf("insert source_tables: %w", err)
	}

	for _, a := range t.Attributes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_attributes (table_oid, ord, name, data_type, nullable)
			VALUES (?,?,?,?,?)
			ON CONFLICT(table_oid, ord) DO UPDATE SET name=excluded.name, data_type=excluded.data_type, nullable=excluded.nullable`,
			t.OID, a.Ord, a.Name, a.DataType, boolToInt(a.Nullable)); err != nil {
			return fmt.Errorf("insert source_attributes: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM partition_ranges WHERE table_oid = ?", t.OID); err != nil {
		return err
	}
	for _, r := range plan.Ranges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO partition_ranges (table_oid, part_number, part_count, min, max, estimated_rows)
			VALUES (?,?,?,?,?,?)`,
			t.OID, r.PartNumber, r.PartCount, r.Min, r.Max, r.EstimatedRows); err != nil {
			return fmt.Errorf("insert partition_ranges: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO table_parts_progress (table_oid, done_count, part_count) VALUES (?, 0, ?)
		ON CONFLICT(table_oid) DO UPDATE SET part_count=excluded.part_count`,
		t.OID, max(1, len(plan.Ranges))); err != nil {
		return fmt.Errorf("insert table_parts_progress: %w", err)
	}

	return tx.Commit()
}

// IterTables streams SourceTable rows ordered by descending estimated
// byte size, then (schema, name), invoking fn for each without loading
// the full set into memory.
func (c *Catalog) IterTables(ctx context.Context, fn func(SourceTable) error) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT oid, schema, name, qualified_name, estimated_rows, estimated_bytes, exclude_data,
			restore_list_name, partition_column, partition_kind, partition_nullable, index_count, constraint_count
		FROM source_tables ORDER BY estimated_bytes DESC, schema ASC, name ASC`)
	if err != nil {
		return clonerr.Wrap(clonerr.SchemaDiscoveryError, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t SourceTable
		var excludeData, partitionNullable int
		var kind int
		if err := rows.Scan(&t.OID, &t.Schema, &t.Name, &t.QualifiedName, &t.EstimatedRows, &t.EstimatedBytes,
			&excludeData, &t.RestoreListName, &t.PartitionColumn, &kind, &partitionNullable, &t.IndexCount, &t.ConstraintCount); err != nil {
			return clonerr.Wrap(clonerr.SchemaDiscoveryError, err)
		}
		t.ExcludeData = excludeData != 0
		t.PartitionNullable = partitionNullable != 0
		t.PartitionKind = partition.KeyKind(kind)
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PartitionRanges returns the persisted partition plan for a table.
func (c *Catalog) PartitionRanges(ctx context.Context, tableOID uint32) ([]partition.Range, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT part_number, part_count, min, max, estimated_rows FROM partition_ranges
		WHERE table_oid = ? ORDER BY part_number ASC`, tableOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []partition.Range
	for rows.Next() {
		var r partition.Range
		if err := rows.Scan(&r.PartNumber, &r.PartCount, &r.Min, &r.Max, &r.EstimatedRows); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Progress rows as locks: table parts ---

// AcquireTablePart inserts an "in progress" table_summaries row for
// (tableOID, part) owned by pid. If a live-owned row already exists, it
// returns ErrLocked. If a stale row (dead pid, not done) exists, it is
// reclaimed. If the part is already done, it returns ErrAlreadyDone.
func (c *Catalog) AcquireTablePart(ctx context.Context, tableOID uint32, part int, pid int, isAlive func(int) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var existingPid int
	var doneTime int64
	err := c.db.QueryRowContext(ctx, `SELECT pid, done_time FROM table_summaries WHERE table_oid=? AND part=?`, tableOID, part).
		Scan(&existingPid, &doneTime)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return err
	case doneTime > 0:
		return ErrAlreadyDone
	case isAlive(existingPid):
		return ErrLocked
	default:
		// stale: reclaim by deleting then re-inserting below
		if _, err := c.db.ExecContext(ctx, `DELETE FROM table_summaries WHERE table_oid=? AND part=?`, tableOID, part); err != nil {
			return err
		}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO table_summaries (table_oid, part, pid, start_time) VALUES (?,?,?,?)`,
		tableOID, part, pid, time.Now().Unix())
	return err
}

// FinishTablePart marks a table-part summary done and records its byte
// count and duration.
func (c *Catalog) FinishTablePart(ctx context.Context, tableOID uint32, part int, command string, bytesTransmitted int64, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		UPDATE table_summaries SET done_time=?, command=?, bytes_transmitted=?, duration_ms=?
		WHERE table_oid=? AND part=?`,
		time.Now().Unix(), command, bytesTransmitted, duration.Milliseconds(), tableOID, part)
	return err
}

// TableCopyStarted reports whether any part of a table has a summary row,
// i.e. some prior or concurrent worker already began copying it.
func (c *Catalog) TableCopyStarted(ctx context.Context, tableOID uint32) (bool, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM table_summaries WHERE table_oid=?`, tableOID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsTableDone reports whether every known part of a table has a done_time.
func (c *Catalog) IsTableDone(ctx context.Context, tableOID uint32) (bool, error) {
	var total, done int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN done_time>0 THEN 1 ELSE 0 END),0) FROM table_summaries WHERE table_oid=?`, tableOID).
		Scan(&total, &done)
	if err != nil {
		return false, err
	}
	return total > 0 && total == done, nil
}

// CompletePart atomically increments the done-parts counter for a table
// and reports whether this call observed the "last part of this table
// just finished" transition — the tie-break is this compare-and-set, not
// arrival order, so exactly one caller sees isLast == true.
func (c *Catalog) CompletePart(ctx context.Context, tableOID uint32) (isLast bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var doneCount, partCount int
	if err := tx.QueryRowContext(ctx, `SELECT done_count, part_count FROM table_parts_progress WHERE table_oid=?`, tableOID).
		Scan(&doneCount, &partCount); err != nil {
		return false, err
	}
	doneCount++
	if _, err := tx.ExecContext(ctx, `UPDATE table_parts_progress SET done_count=? WHERE table_oid=?`, doneCount, tableOID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return doneCount == partCount, nil
}

// --- Progress rows as locks: indexes ---

// AcquireIndex is the index-queue analogue of AcquireTablePart.
func (c *Catalog) AcquireIndex(ctx context.Context, indexOID uint32, pid int, isAlive func(int) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var existingPid int
	var doneTime int64
	err := c.db.QueryRowContext(ctx, `SELECT pid, done_time FROM index_summaries WHERE index_oid=?`, indexOID).
		Scan(&existingPid, &doneTime)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	case doneTime > 0:
		return ErrAlreadyDone
	case isAlive(existingPid):
		return ErrLocked
	default:
		if _, err := c.db.ExecContext(ctx, `DELETE FROM index_summaries WHERE index_oid=?`, indexOID); err != nil {
			return err
		}
	}

	_, err = c.db.ExecContext(ctx, `INSERT INTO index_summaries (index_oid, pid, start_time) VALUES (?,?,?)`,
		indexOID, pid, time.Now().Unix())
	return err
}

// FinishIndex marks an index summary done.
func (c *Catalog) FinishIndex(ctx context.Context, indexOID uint32, command string, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `UPDATE index_summaries SET done_time=?, command=?, duration_ms=? WHERE index_oid=?`,
		time.Now().Unix(), command, duration.Milliseconds(), indexOID)
	return err
}

// RemainingIndexes counts indexes of a table not yet marked done.
func (c *Catalog) RemainingIndexes(ctx context.Context, tableOID uint32) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM source_indexes si
		LEFT JOIN index_summaries isum ON isum.index_oid = si.oid
		WHERE si.table_oid = ? AND COALESCE(isum.done_time, 0) = 0`, tableOID).Scan(&n)
	return n, err
}

// ClaimIndexesDoneOwner attempts to register pid as the single owner of
// the "all indexes for this table are done" transition. Exactly one
// caller across all live workers wins, by compare-and-set on a unique
// row. A row left behind by a dead pid (an interrupted run that was
// killed between claiming and finishing constraint installation) is
// reclaimed the same way stale progress rows are.
func (c *Catalog) ClaimIndexesDoneOwner(ctx context.Context, tableOID uint32, pid int, isAlive func(int) bool) (won bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO table_indexes_done_owner (table_oid, pid) VALUES (?, ?)
		ON CONFLICT(table_oid) DO NOTHING`, tableOID, pid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var existingPid int
	if err := c.db.QueryRowContext(ctx, `SELECT pid FROM table_indexes_done_owner WHERE table_oid=?`, tableOID).
		Scan(&existingPid); err != nil {
		return false, err
	}
	if isAlive(existingPid) {
		return false, nil
	}
	res, err = c.db.ExecContext(ctx, `UPDATE table_indexes_done_owner SET pid=? WHERE table_oid=? AND pid=?`,
		pid, tableOID, existingPid)
	if err != nil {
		return false, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Target namespace: constraint idempotency ---

// ConstraintDone reports whether a constraint has already been recorded
// as installed on the target.
func (c *Catalog) ConstraintDone(ctx context.Context, tableOID uint32, constraintName string) (bool, error) {
	var done int
	err := c.db.QueryRowContext(ctx, `SELECT done FROM target_constraints WHERE table_oid=? AND constraint_name=?`, tableOID, constraintName).Scan(&done)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return done != 0, nil
}

// MarkConstraintDone records a constraint as installed (or already present)
// on the target.
func (c *Catalog) MarkConstraintDone(ctx context.Context, tableOID uint32, constraintName, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO target_constraints (table_oid, constraint_name, index_name, done) VALUES (?,?,?,1)
		ON CONFLICT(table_oid, constraint_name) DO UPDATE SET done=1, index_name=excluded.index_name`,
		tableOID, constraintName, indexName)
	return err
}

// --- Process info ---

// UpsertProcessInfo records a worker's pid, role, and start time for
// observability.
func (c *Catalog) UpsertProcessInfo(ctx context.Context, pid int, role, detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO process_info (pid, role, started_at, detail) VALUES (?,?,?,?)
		ON CONFLICT(pid) DO UPDATE SET role=excluded.role, detail=excluded.detail`,
		pid, role, time.Now().Unix(), detail)
	return err
}

// DeleteProcess removes a worker's process_info row once it exits.
func (c *Catalog) DeleteProcess(ctx context.Context, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM process_info WHERE pid=?`, pid)
	return err
}

var (
	// ErrLocked means a progress row already exists owned by a live pid.
	ErrLocked = fmt.Errorf("progress row locked by a live process")
	// ErrAlreadyDone means the unit of work already has a done_time set.
	ErrAlreadyDone = fmt.Errorf("unit of work already completed")
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsAliveOS reports whether pid refers to a live OS process, by checking
// whether it is signalable. Callers holding worker pids (which embed the
// owning OS pid) should use IsAlive instead.
func IsAliveOS(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := osFindProcess(pid)
	if err != nil {
		return false
	}
	return osSignal0(proc) == nil
}
