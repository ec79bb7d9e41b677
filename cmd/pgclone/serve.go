package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start standalone web UI server",
	Long: `Serve starts the pgclone web UI and API server with its own
metrics collector. It loads the phase from the last state file, if any,
and serves the dashboard from that; it does not connect to a running
pipeline, so no live table progress or lag is shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Create a collector that reads from state file for offline mode.
		collector := metrics.NewCollector(logger)
		defer collector.Close()

		// Try to load last state.
		if snap, err := metrics.ReadStateFile(); err == nil {
			collector.SetPhase(snap.Phase)
		}

		srv := server.New(collector, &cfg, logger)
		return srv.Start(cmd.Context(), servePort)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 7654, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}
