// Package blobs copies large objects (Postgres "BLOBs", i.e. pg_largeobject
// data) from source to target, a single-shot step alongside the main
// pipeline. It runs independently of the table-copy pipeline since large
// objects are not attached to any one table's COPY stream.
package blobs

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Copier streams every large object on the source to a matching oid on
// the target.
type Copier struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool
	logger zerolog.Logger
}

// NewCopier creates a blobs Copier.
func NewCopier(source, dest *pgxpool.Pool, logger zerolog.Logger) *Copier {
	return &Copier{source: source, dest: dest, logger: logger.With().Str("component", "blobs").Logger()}
}

// Run copies every large object found on the source. It is a no-op,
// successfully, when the source has none.
func (c *Copier) Run(ctx context.Context) error {
	srcConn, err := c.source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire source conn: %w", err)
	}
	defer srcConn.Release()

	rows, err := srcConn.Query(ctx, "SELECT oid FROM pg_largeobject_metadata ORDER BY oid")
	if err != nil {
		return fmt.Errorf("list large objects: %w", err)
	}
	var oids []uint32
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			rows.Close()
			return err
		}
		oids = append(oids, oid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, oid := range oids {
		if err := c.copyOne(ctx, oid); err != nil {
			return fmt.Errorf("copy large object %d: %w", oid, err)
		}
	}
	c.logger.Info().Int("count", len(oids)).Msg("blobs copy complete")
	return nil
}

func (c *Copier) copyOne(ctx context.Context, oid uint32) error {
	srcTx, err := c.source.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	srcLO := srcTx.LargeObjects()
	srcObj, err := srcLO.Open(ctx, oid, pgx.LargeObjectModeRead)
	if err != nil {
		return fmt.Errorf("open source large object: %w", err)
	}

	dstTx, err := c.dest.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer dstTx.Rollback(ctx) //nolint:errcheck

	dstLO := dstTx.LargeObjects()

	// Unlink any previous copy first, checking existence so a failed
	// unlink of a missing object cannot abort the transaction.
	var exists bool
	if err := dstTx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_largeobject_metadata WHERE oid = $1)", oid).Scan(&exists); err != nil {
		return fmt.Errorf("check target large object: %w", err)
	}
	if exists {
		if err := dstLO.Unlink(ctx, oid); err != nil {
			return fmt.Errorf("unlink target large object: %w", err)
		}
	}
	if _, err := dstLO.Create(ctx, oid); err != nil {
		return fmt.Errorf("create target large object: %w", err)
	}
	dstObj, err := dstLO.Open(ctx, oid, pgx.LargeObjectModeWrite)
	if err != nil {
		return fmt.Errorf("open target large object: %w", err)
	}

	if _, err := io.Copy(dstObj, srcObj); err != nil {
		return fmt.Errorf("stream large object bytes: %w", err)
	}

	if err := dstTx.Commit(ctx); err != nil {
		return err
	}
	return srcTx.Commit(ctx)
}
