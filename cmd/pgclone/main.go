package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jfoltran/pgclone/internal/clonerr"
	"github.com/jfoltran/pgclone/internal/orchestrator"
)

func main() {
	ctx, stop := orchestrator.WithSignals(context.Background())
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pgclone: %v\n", err)
		if errors.Is(err, clonerr.Interrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
