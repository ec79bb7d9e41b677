// Package sequence resets sequence positions on the target after the copy
// phase, a single-shot step alongside the main clone pipeline.
package sequence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// Resetter applies every cached source sequence's last value to the
// corresponding target sequence.
type Resetter struct {
	cat    *catalog.Catalog
	dest   *pgxpool.Pool
	logger zerolog.Logger
}

// NewResetter creates a Resetter.
func NewResetter(cat *catalog.Catalog, dest *pgxpool.Pool, logger zerolog.Logger) *Resetter {
	return &Resetter{cat: cat, dest: dest, logger: logger.With().Str("component", "sequence-resetter").Logger()}
}

// Run resets every known source sequence on the target, in (schema, name)
// order.
func (r *Resetter) Run(ctx context.Context) error {
	return r.cat.IterSequences(ctx, func(s catalog.SourceSequence) error {
		if s.LastValue <= 0 {
			// Never advanced on the source (pg_sequences.last_value is
			// NULL until first nextval); leave the target at its start.
			return nil
		}
		qname := quoteQualifiedName(s.Schema, s.Name)
		_, err := r.dest.Exec(ctx, fmt.Sprintf("SELECT setval(%s, $1, true)", quoteLiteral(qname)), s.LastValue)
		if err != nil {
			return fmt.Errorf("reset sequence %s to %d: %w", qname, s.LastValue, err)
		}
		r.logger.Debug().Str("sequence", qname).Int64("value", s.LastValue).Msg("sequence reset")
		return nil
	})
}

func quoteQualifiedName(schema, name string) string {
	if schema == "" || schema == "public" {
		return `"` + name + `"`
	}
	return `"` + schema + `"."` + name + `"`
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}
