package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/schema"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare source and destination schemas",
	Long: `Compare is a diagnostic only: it reports tables present on one side but
not the other, and columns whose type differs, without repairing
anything. It does not compare row-level data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateCore(); err != nil {
			return err
		}

		const connTimeout = 30 * time.Second
		ctx, cancel := context.WithTimeout(cmd.Context(), connTimeout)
		srcPool, err := pgxpool.New(ctx, cfg.Source.DSN())
		cancel()
		if err != nil {
			return fmt.Errorf("source pool: %w", err)
		}
		defer srcPool.Close()

		ctx, cancel = context.WithTimeout(cmd.Context(), connTimeout)
		destPool, err := pgxpool.New(ctx, cfg.Dest.DSN())
		cancel()
		if err != nil {
			return fmt.Errorf("dest pool: %w", err)
		}
		defer destPool.Close()

		migrator := schema.NewMigrator(srcPool, destPool, logger)
		diff, err := migrator.CompareSchemas(cmd.Context())
		if err != nil {
			return fmt.Errorf("compare schemas: %w", err)
		}

		if !diff.HasDifferences() {
			fmt.Println("source and destination schemas match")
			return nil
		}

		if len(diff.MissingTables) > 0 {
			fmt.Println("tables missing on destination:")
			for _, t := range diff.MissingTables {
				fmt.Printf("  %s\n", t)
			}
		}
		if len(diff.ExtraTables) > 0 {
			fmt.Println("tables present on destination but not source:")
			for _, t := range diff.ExtraTables {
				fmt.Printf("  %s\n", t)
			}
		}
		if len(diff.ColumnDiffs) > 0 {
			fmt.Println("column type mismatches:")
			for _, c := range diff.ColumnDiffs {
				fmt.Printf("  %s.%s: source=%s dest=%s\n", c.Table, c.Column, c.SourceType, c.DestType)
			}
		}

		return fmt.Errorf("schema differences found")
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
}
