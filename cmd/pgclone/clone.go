package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/pipeline"
	"github.com/jfoltran/pgclone/internal/server"
	"github.com/jfoltran/pgclone/internal/tui"
)

var (
	cloneFollow  bool
	cloneResume  bool
	cloneAPIPort int
	cloneTUI     bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy schema and data from source to destination",
	Long: `Clone performs a full copy of the source database to the destination:
1. Creates a replication slot for a consistent snapshot
2. Dumps and applies schema (DDL)
3. Copies all tables in parallel using the snapshot
4. With --follow, transitions to CDC streaming after the copy

Use --resume to continue an interrupted clone; combined with --follow it
requires that the replication slot from the original clone still exists
on the source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cloneFollow {
			if err := cfg.Validate(); err != nil {
				return err
			}
		} else if err := cfg.ValidateCore(); err != nil {
			return err
		}

		pipelineLogger := logger
		p := pipeline.New(&cfg, pipelineLogger)
		defer p.Close()

		if sp, err := metrics.NewStatePersister(p.Metrics, pipelineLogger); err != nil {
			pipelineLogger.Warn().Err(err).Msg("state persister unavailable, `pgclone status` will not report progress")
		} else {
			sp.Start()
			defer sp.Stop()
		}

		if cloneTUI || cloneAPIPort > 0 {
			logWriter := metrics.NewLogWriter(p.Metrics)
			var newLogger zerolog.Logger
			if cloneTUI {
				newLogger = zerolog.New(logWriter).With().Timestamp().Logger()
			} else {
				newLogger = zerolog.New(zerolog.MultiLevelWriter(logOutput, logWriter)).With().Timestamp().Logger()
			}
			newLogger = newLogger.Level(logger.GetLevel())
			p.SetLogger(newLogger)
			pipelineLogger = newLogger
		}

		if cloneAPIPort > 0 {
			srv := server.New(p.Metrics, &cfg, pipelineLogger)
			srv.StartBackground(cmd.Context(), cloneAPIPort)
		}

		run := p.RunClone
		switch {
		case cloneResume && cloneFollow:
			run = p.RunResumeCloneAndFollow
		case cloneResume:
			run = p.RunResumeClone
		case cloneFollow:
			run = p.RunCloneAndFollow
		}

		if cloneTUI {
			errCh := make(chan error, 1)
			go func() {
				errCh <- run(cmd.Context())
			}()
			if err := tui.Run(p.Metrics); err != nil {
				return err
			}
			return <-errCh
		}

		return run(cmd.Context())
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Continue with CDC streaming after initial copy")
	cloneCmd.Flags().BoolVar(&cloneResume, "resume", false, "Resume an interrupted clone (with --follow, requires the existing replication slot)")
	cloneCmd.Flags().IntVar(&cloneAPIPort, "api-port", 0, "Enable HTTP API on this port (0 = disabled)")
	cloneCmd.Flags().BoolVar(&cloneTUI, "tui", false, "Show terminal dashboard during migration")
	rootCmd.AddCommand(cloneCmd)
}
