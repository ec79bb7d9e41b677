package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// ConstraintInstaller builds ALTER TABLE ... ADD CONSTRAINT statements for
// every index of a table that carries a constraint. Constraints run
// serially within one table (ALTER TABLE takes an exclusive lock); the
// orchestrator may still run different tables' installers concurrently
// across index workers.
type ConstraintInstaller struct {
	cat    *catalog.Catalog
	dest   *pgxpool.Pool
	logger zerolog.Logger
}

// NewConstraintInstaller creates a ConstraintInstaller.
func NewConstraintInstaller(cat *catalog.Catalog, dest *pgxpool.Pool, logger zerolog.Logger) *ConstraintInstaller {
	return &ConstraintInstaller{cat: cat, dest: dest, logger: logger.With().Str("component", "constraint-installer").Logger()}
}

// InstallAll installs every constraint attached to tableOID's indexes, in
// index-name order, skipping any already recorded as present on the
// target.
func (ci *ConstraintInstaller) InstallAll(ctx context.Context, tableOID uint32) error {
	var indexes []catalog.SourceIndex
	if err := ci.cat.IterIndexesForTable(ctx, tableOID, func(idx catalog.SourceIndex) error {
		if idx.ConstraintOID != nil {
			indexes = append(indexes, idx)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, idx := range indexes {
		if err := ci.installOne(ctx, tableOID, idx); err != nil {
			return err
		}
	}
	return nil
}

func (ci *ConstraintInstaller) installOne(ctx context.Context, tableOID uint32, idx catalog.SourceIndex) error {
	if idx.ConstraintName == nil {
		return nil
	}
	name := *idx.ConstraintName

	done, err := ci.cat.ConstraintDone(ctx, tableOID, name)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	// Also check the live target catalog under the same namespace: a
	// resumed run may have installed this constraint in a prior attempt
	// whose catalog row never got recorded (process killed mid-ALTER).
	exists, err := ci.constraintExistsOnTarget(ctx, idx.TableQName, name)
	if err != nil {
		return err
	}
	if exists {
		return ci.cat.MarkConstraintDone(ctx, tableOID, name, idx.Name)
	}

	ddl := ci.buildDDL(idx, name)
	if _, err := ci.dest.Exec(ctx, ddl); err != nil && !isDuplicateObjectErr(err) {
		return fmt.Errorf("install constraint %s: %w", name, err)
	}

	return ci.cat.MarkConstraintDone(ctx, tableOID, name, idx.Name)
}

func (ci *ConstraintInstaller) buildDDL(idx catalog.SourceIndex, constraintName string) string {
	switch {
	case idx.IsPrimary:
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY USING INDEX %s%s",
			idx.TableQName, quoteIdent(constraintName), quoteIdent(idx.Name), deferClause(idx))
	case idx.IsUnique:
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE USING INDEX %s%s",
			idx.TableQName, quoteIdent(constraintName), quoteIdent(idx.Name), deferClause(idx))
	default:
		def := ""
		if idx.ConstraintDDL != nil {
			def = *idx.ConstraintDDL
		}
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s%s",
			idx.TableQName, quoteIdent(constraintName), def, deferClause(idx))
	}
}

func deferClause(idx catalog.SourceIndex) string {
	if !idx.Deferrable {
		return ""
	}
	if idx.Deferred {
		return " DEFERRABLE INITIALLY DEFERRED"
	}
	return " DEFERRABLE"
}

func (ci *ConstraintInstaller) constraintExistsOnTarget(ctx context.Context, tableQName, constraintName string) (bool, error) {
	var exists bool
	err := ci.dest.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_constraint c
			JOIN pg_class t ON t.oid = c.conrelid
			WHERE c.conname = $1 AND t.oid::regclass::text = $2
		)`, constraintName, tableQName).Scan(&exists)
	return exists, err
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
