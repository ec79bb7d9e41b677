// Package pgwire holds low-level helpers for driving a pgconn.PgConn
// outside the query layer, currently replication-origin session setup.
package pgwire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Conn wraps a pgconn.PgConn with replication-specific helpers.
type Conn struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// NewConn creates a Conn wrapper.
func NewConn(conn *pgconn.PgConn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:   conn,
		logger: logger.With().Str("component", "pgwire").Logger(),
	}
}

// SetReplicationOrigin configures a replication origin on the connection so
// that writes are tagged with the given origin name. This is used for
// bidirectional loop detection: a reverse CDC pipeline can filter out
// changes carrying this origin instead of echoing them back.
func (c *Conn) SetReplicationOrigin(ctx context.Context, originName string) error {
	// Create the origin if it doesn't exist.
	err := c.exec(ctx, fmt.Sprintf(
		"SELECT pg_replication_origin_create('%s') WHERE NOT EXISTS (SELECT 1 FROM pg_replication_origin WHERE roname = '%s')",
		originName, originName))
	if err != nil {
		return fmt.Errorf("create replication origin: %w", err)
	}

	// Set the session to use this origin.
	err = c.exec(ctx, fmt.Sprintf("SELECT pg_replication_origin_session_setup('%s')", originName))
	if err != nil {
		return fmt.Errorf("setup replication origin session: %w", err)
	}

	c.logger.Info().Str("origin", originName).Msg("replication origin configured")
	return nil
}

func (c *Conn) exec(ctx context.Context, sql string) error {
	mrr := c.conn.Exec(ctx, sql)
	for mrr.NextResult() {
		buf := mrr.ResultReader().Read()
		if buf.Err != nil {
			return buf.Err
		}
	}
	return mrr.Close()
}
