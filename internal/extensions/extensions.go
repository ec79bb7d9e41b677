// Package extensions copies extension-configuration table data (the
// tables an extension registers in pg_extension.extconfig, e.g. PostGIS's
// spatial_ref_sys), a single-shot step alongside the main clone pipeline.
// These tables belong to an extension rather than user DDL, so the main
// copy pipeline excludes them; CREATE EXTENSION on the target recreates
// their structure but not the source's data.
package extensions

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

const copyBatchSize = 10000

// Copier repopulates every extension-config table on the target from the
// source. Each table is truncated first, so a rerun is idempotent.
type Copier struct {
	cat       *catalog.Catalog
	source    *pgxpool.Pool
	dest      *pgxpool.Pool
	snapToken string
	logger    zerolog.Logger
}

// NewCopier creates an extension-config Copier. snapToken may be empty,
// in which case the copy reads its own transaction's view of the source.
func NewCopier(cat *catalog.Catalog, source, dest *pgxpool.Pool, snapToken string, logger zerolog.Logger) *Copier {
	return &Copier{
		cat:       cat,
		source:    source,
		dest:      dest,
		snapToken: snapToken,
		logger:    logger.With().Str("component", "extension-config").Logger(),
	}
}

// Run copies the data of every known extension-config table. It is a
// successful no-op when no extension registered any.
func (c *Copier) Run(ctx context.Context) error {
	oids, err := c.cat.ExtensionConfigTables(ctx)
	if err != nil {
		return fmt.Errorf("list extension config tables: %w", err)
	}
	if len(oids) == 0 {
		return nil
	}

	want := make(map[uint32]bool, len(oids))
	for _, oid := range oids {
		want[oid] = true
	}

	var tables []catalog.SourceTable
	if err := c.cat.IterTables(ctx, func(t catalog.SourceTable) error {
		if want[t.OID] {
			tables = append(tables, t)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, t := range tables {
		if err := c.copyTable(ctx, t); err != nil {
			return fmt.Errorf("copy extension config table %s: %w", t.QualifiedName, err)
		}
	}
	c.logger.Info().Int("tables", len(tables)).Msg("extension config data copied")
	return nil
}

func (c *Copier) copyTable(ctx context.Context, t catalog.SourceTable) error {
	if _, err := c.dest.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", t.QualifiedName)); err != nil {
		return fmt.Errorf("truncate target: %w", err)
	}

	srcTx, err := c.source.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if c.snapToken != "" {
		if _, err := srcTx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", c.snapToken)); err != nil {
			return fmt.Errorf("set transaction snapshot: %w", err)
		}
	}

	rows, err := srcTx.Query(ctx, fmt.Sprintf("SELECT * FROM %s", t.QualifiedName))
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	colNames := make([]string, len(fds))
	for i, fd := range fds {
		colNames[i] = fd.Name
	}

	ident := pgx.Identifier{t.Schema, t.Name}
	batch := make([][]any, 0, copyBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := c.dest.CopyFrom(ctx, ident, colNames, pgx.CopyFromRows(batch)); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		batch = append(batch, vals)
		if len(batch) >= copyBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return flush()
}
