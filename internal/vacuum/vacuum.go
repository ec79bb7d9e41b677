// Package vacuum implements the vacuum supervisor and workers. The stage
// runs on its own queue so it can never block index work, and so STOP
// propagation is independent of the index stage.
package vacuum

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/queue"
)

// Supervisor runs table-jobs vacuum workers against the vacuum queue.
type Supervisor struct {
	cat     *catalog.Catalog
	dest    *pgxpool.Pool
	logger  zerolog.Logger
	workers int
}

// NewSupervisor creates a vacuum Supervisor.
func NewSupervisor(cat *catalog.Catalog, dest *pgxpool.Pool, workers int, logger zerolog.Logger) *Supervisor {
	return &Supervisor{cat: cat, dest: dest, workers: workers, logger: logger.With().Str("component", "vacuum-supervisor").Logger()}
}

// Run starts workers against q and waits for them all to consume a STOP.
func (s *Supervisor) Run(ctx context.Context, q *queue.Queue) error {
	errs := make(chan error, s.workers)
	for i := 0; i < s.workers; i++ {
		id := i
		go func() { errs <- s.runWorker(ctx, q, id) }()
	}
	var firstErr error
	for i := 0; i < s.workers; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Supervisor) runWorker(ctx context.Context, q *queue.Queue, id int) error {
	log := s.logger.With().Int("worker", id).Logger()
	for {
		msg, ok := q.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		if msg.Type == queue.TypeStop {
			return nil
		}
		if err := s.vacuumTable(ctx, msg.OID); err != nil {
			return err
		}
		log.Debug().Uint32("table_oid", msg.OID).Msg("vacuum complete")
	}
}

func (s *Supervisor) vacuumTable(ctx context.Context, tableOID uint32) error {
	var qname string
	found := false
	if err := s.cat.IterTables(ctx, func(t catalog.SourceTable) error {
		if t.OID == tableOID {
			qname, found = t.QualifiedName, true
		}
		return nil
	}); err != nil {
		return err
	}
	if !found {
		return nil
	}

	_, err := s.dest.Exec(ctx, fmt.Sprintf("VACUUM ANALYZE %s", qname))
	if err != nil {
		return fmt.Errorf("vacuum analyze %s: %w", qname, err)
	}
	return nil
}
