// Package snapshot is the Snapshot Manager: it opens one repeatable-read
// transaction on the source, exports a snapshot token, and persists it to
// the work directory so every copy worker's own source connection can bind
// to the same point-in-time read.
package snapshot

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// State is the lifecycle of the exported snapshot: unset -> exported ->
// set (per worker) -> closed.
type State int

const (
	StateUnset State = iota
	StateExported
	StateClosed
)

// Manager owns the long-lived source transaction that holds the exported
// snapshot open for the duration of the copy phase.
type Manager struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	tx    pgx.Tx
	token string
	state State

	notConsistent bool
}

// NewManager creates a Manager bound to the source connection pool.
func NewManager(pool *pgxpool.Pool, notConsistent bool, logger zerolog.Logger) *Manager {
	return &Manager{
		pool:          pool,
		logger:        logger.With().Str("component", "snapshot").Logger(),
		notConsistent: notConsistent,
	}
}

// Export opens a repeatable-read transaction and exports a snapshot,
// persisting the token to snapshotPath. In --not-consistent mode it skips
// export entirely and every worker reads with its own transaction.
func (m *Manager) Export(ctx context.Context, snapshotPath string) error {
	if m.notConsistent {
		m.logger.Warn().Msg("running in --not-consistent mode, workers will not share a snapshot")
		return nil
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}

	var token string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&token); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("export snapshot: %w", err)
	}

	if err := os.WriteFile(snapshotPath, []byte(token), 0o644); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("persist snapshot token: %w", err)
	}

	m.tx = tx
	m.token = token
	m.state = StateExported
	m.logger.Info().Str("snapshot", token).Msg("snapshot exported")
	return nil
}

// Token returns the exported snapshot identifier, or "" in --not-consistent
// mode.
func (m *Manager) Token() string { return m.token }

// AdoptExternal persists a snapshot token this Manager did not export
// itself — used when a replication slot's `CREATE_REPLICATION_SLOT ...
// (SNAPSHOT 'export')` snapshot is reused for the clone's COPY phase so
// the slot's start LSN and the COPY's read point agree exactly, giving a
// gapless handoff into CDC streaming. There is no locally-held transaction
// to Close for an adopted token: the snapshot stays valid on the
// replication connection until its caller starts streaming, which is the
// caller's responsibility, not this Manager's.
func (m *Manager) AdoptExternal(token, snapshotPath string) error {
	if err := os.WriteFile(snapshotPath, []byte(token), 0o644); err != nil {
		return fmt.Errorf("persist adopted snapshot token: %w", err)
	}
	m.token = token
	m.state = StateExported
	return nil
}

// BindWorkerTx sets a worker's own transaction to read from the exported
// snapshot. No-op in --not-consistent mode.
func (m *Manager) BindWorkerTx(ctx context.Context, tx pgx.Tx) error {
	if m.token == "" {
		return nil
	}
	_, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", m.token))
	return err
}

// Close commits the snapshot-holding transaction (it was read-only, so
// commit and rollback are equivalent) and marks the snapshot closed.
func (m *Manager) Close(ctx context.Context) error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Commit(ctx)
	m.tx = nil
	m.state = StateClosed
	return err
}
