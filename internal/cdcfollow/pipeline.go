// Package cdcfollow implements the optional logical-decoding follow/CDC
// subsystem: it composes with, but sits outside, the core clone scheduler.
// It streams WAL changes from a replication slot created during the
// snapshot export and applies them to the destination so a clone can cut
// over with minimal downtime.
package cdcfollow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/bidi"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/replay"
	"github.com/jfoltran/pgclone/internal/sentinel"
	"github.com/jfoltran/pgclone/internal/stream"
)

// Progress reports the current state of the follow pipeline.
type Progress struct {
	Phase     string
	LastLSN   pglogrepl.LSN
	StartedAt time.Time
}

// Pipeline wires decoder -> bidi filter -> applier and coordinates
// switchover via sentinel markers. It owns its own replication and
// destination connections, separate from the core orchestrator's copy,
// index, and vacuum workers.
type Pipeline struct {
	cfg    *config.Config
	logger zerolog.Logger

	replConn *pgconn.PgConn
	dstPool  *pgxpool.Pool

	decoder     *stream.Decoder
	applier     *replay.Applier
	coordinator *sentinel.Coordinator
	bidiFilter  *bidi.Filter

	sentinelCh chan stream.Message

	Metrics *metrics.Collector

	mu       sync.Mutex
	progress Progress
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a follow Pipeline from the given configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		logger:   logger.With().Str("component", "cdcfollow").Logger(),
		progress: Progress{Phase: "idle"},
		Metrics:  metrics.NewCollector(logger),
	}
}

func (p *Pipeline) connect(ctx context.Context) error {
	const connTimeout = 30 * time.Second

	replCtx, cancel := context.WithTimeout(ctx, connTimeout)
	replConn, err := pgconn.Connect(replCtx, p.cfg.Source.ReplicationDSN())
	cancel()
	if err != nil {
		return fmt.Errorf("replication connection to %s:%d/%s: %w", p.cfg.Source.Host, p.cfg.Source.Port, p.cfg.Source.DBName, err)
	}
	p.replConn = replConn

	dstPool, err := pgxpool.New(ctx, p.cfg.Dest.DSN())
	if err != nil {
		replConn.Close(ctx) //nolint:errcheck
		return fmt.Errorf("dest pool: %w", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, connTimeout)
	err = dstPool.Ping(pingCtx)
	pingCancel()
	if err != nil {
		dstPool.Close()
		return fmt.Errorf("dest pool ping: %w", err)
	}
	p.dstPool = dstPool

	return nil
}

func (p *Pipeline) initComponents() {
	p.decoder = stream.NewDecoder(p.replConn, p.cfg.Replication.SlotName, p.cfg.Replication.Publication, p.logger)
	p.applier = replay.NewApplier(p.dstPool, p.cfg.Replication.OriginID, p.logger)
	p.sentinelCh = make(chan stream.Message, 1)
	p.coordinator = sentinel.NewCoordinator(p.sentinelCh, p.logger)
	p.applier.OnSentinel = p.coordinator.Confirm
	if p.cfg.Replication.OriginID != "" {
		p.bidiFilter = bidi.NewFilter(p.cfg.Replication.OriginID, p.logger)
	}
}

// Prepare connects the pipeline's replication and destination connections
// and creates (startLSN == 0) or rejoins (startLSN != 0) the replication
// slot, returning the slot's exported snapshot name — non-empty only for a
// freshly created slot. A caller composing clone+follow for a gapless
// handoff calls Prepare before running its COPY phase against the
// returned snapshot, then StreamFollow once COPY has finished; a
// standalone follow has no COPY phase and just calls RunFollow.
func (p *Pipeline) Prepare(ctx context.Context, startLSN pglogrepl.LSN) (string, error) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.ctx = ctx
	p.setPhase("connecting")

	if err := p.connect(ctx); err != nil {
		return "", err
	}
	p.initComponents()

	snapshotName, err := p.decoder.CreateSlot(ctx, startLSN)
	if err != nil {
		return "", fmt.Errorf("create replication slot: %w", err)
	}
	return snapshotName, nil
}

// StreamFollow begins consuming WAL from the slot set up by Prepare and
// applies changes to the destination until the context passed to Prepare
// is cancelled.
func (p *Pipeline) StreamFollow() error {
	ctx := p.ctx
	decoded, err := p.decoder.StartStreaming(ctx)
	if err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}

	var filtered <-chan stream.Message = decoded
	if p.bidiFilter != nil {
		filtered = p.bidiFilter.Run(ctx, decoded)
	}
	merged := mergeMessages(ctx, filtered, p.sentinelCh)

	p.setPhase("streaming")

	return p.applier.Start(ctx, merged, func(lsn pglogrepl.LSN) {
		p.decoder.ConfirmLSN(lsn)
		p.mu.Lock()
		p.progress.LastLSN = lsn
		p.mu.Unlock()
		p.Metrics.RecordApplied(lsn, 1, 0)
		p.Metrics.RecordConfirmedLSN(lsn)
	})
}

// RunFollow is Prepare immediately followed by StreamFollow, for the
// standalone follow command where there is no COPY phase to interleave.
func (p *Pipeline) RunFollow(ctx context.Context, startLSN pglogrepl.LSN) error {
	if _, err := p.Prepare(ctx, startLSN); err != nil {
		return err
	}
	return p.StreamFollow()
}

// mergeMessages fans decoded WAL messages and out-of-band sentinel messages
// into a single channel the applier can consume.
func mergeMessages(ctx context.Context, a <-chan stream.Message, b <-chan stream.Message) <-chan stream.Message {
	out := make(chan stream.Message, cap(a))
	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(ch <-chan stream.Message) {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	go pump(a)
	go pump(b)
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Abandon drops the replication slot created by Prepare. Used by a clone
// run without --follow: the slot only existed to pin a consistent snapshot
// for the COPY phase and has no further purpose once COPY finishes.
func (p *Pipeline) Abandon(ctx context.Context) error {
	if p.decoder == nil {
		return nil
	}
	return p.decoder.DropSlot(ctx)
}

// RunSwitchover injects a sentinel message and waits for it to be confirmed,
// signaling that the destination has caught up with the source.
func (p *Pipeline) RunSwitchover(ctx context.Context, timeout time.Duration) error {
	if p.coordinator == nil {
		return fmt.Errorf("follow pipeline not started")
	}

	p.setPhase("switchover")
	currentLSN := p.applier.LastLSN()

	id, err := p.coordinator.Initiate(ctx, currentLSN)
	if err != nil {
		return fmt.Errorf("initiate sentinel: %w", err)
	}
	if err := p.coordinator.WaitForConfirmation(ctx, id, timeout); err != nil {
		return fmt.Errorf("switchover: %w", err)
	}

	p.setPhase("switchover-complete")
	p.logger.Info().Msg("switchover confirmed, destination is caught up")
	return nil
}

// Status returns a snapshot of the current follow progress.
func (p *Pipeline) Status() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Close shuts down all follow pipeline components and connections.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.Metrics != nil {
		p.Metrics.Close()
	}
	if p.decoder != nil {
		p.decoder.Close()
	}
	if p.applier != nil {
		p.applier.Close()
	}
	if p.replConn != nil {
		p.replConn.Close(context.Background()) //nolint:errcheck
	}
	if p.dstPool != nil {
		p.dstPool.Close()
	}
}

func (p *Pipeline) setPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.Phase = phase
	if p.progress.StartedAt.IsZero() {
		p.progress.StartedAt = time.Now()
	}
	p.logger.Info().Str("phase", phase).Msg("phase transition")
	p.Metrics.SetPhase(phase)
}
