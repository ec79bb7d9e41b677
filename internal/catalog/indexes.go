package catalog

import (
	"context"
	"fmt"
)

// SourceIndex mirrors one index (and its attached constraint, if any) on a
// source table.
type SourceIndex struct {
	OID             uint32
	Schema          string
	Name            string
	TableOID        uint32
	TableQName      string
	IsPrimary       bool
	IsUnique        bool
	Columns         string
	CreateIndexDDL  string
	ConstraintOID   *uint32
	ConstraintName  *string
	ConstraintDDL   *string
	Deferrable      bool
	Deferred        bool
}

// AddIndex inserts or replaces one index's schema-discovery record.
func (c *Catalog) AddIndex(ctx context.Context, idx SourceIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO source_indexes (oid, schema, name, table_oid, table_qname, is_primary, is_unique,
			columns, create_index_ddl, constraint_oid, constraint_name, constraint_ddl, is_deferrable, is_deferred)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(oid) DO UPDATE SET
			schema=excluded.schema, name=excluded.name, table_oid=excluded.table_oid, table_qname=excluded.table_qname,
			is_primary=excluded.is_primary, is_unique=excluded.is_unique, columns=excluded.columns,
			create_index_ddl=excluded.create_index_ddl, constraint_oid=excluded.constraint_oid,
			constraint_name=excluded.constraint_name, constraint_ddl=excluded.constraint_ddl,
			is_deferrable=excluded.is_deferrable, is_deferred=excluded.is_deferred`,
		idx.OID, idx.Schema, idx.Name, idx.TableOID, idx.TableQName, boolToInt(idx.IsPrimary), boolToInt(idx.IsUnique),
		idx.Columns, idx.CreateIndexDDL, idx.ConstraintOID, idx.ConstraintName, idx.ConstraintDDL,
		boolToInt(idx.Deferrable), boolToInt(idx.Deferred))
	if err != nil {
		return fmt.Errorf("insert source_indexes: %w", err)
	}
	return nil
}

// LookupIndex fetches one index by oid.
func (c *Catalog) LookupIndex(ctx context.Context, oid uint32) (SourceIndex, error) {
	var idx SourceIndex
	var isPrimary, isUnique, deferrable, deferred int
	err := c.db.QueryRowContext(ctx, `
		SELECT oid, schema, name, table_oid, table_qname, is_primary, is_unique, columns, create_index_ddl,
			constraint_oid, constraint_name, constraint_ddl, is_deferrable, is_deferred
		FROM source_indexes WHERE oid=?`, oid).Scan(
		&idx.OID, &idx.Schema, &idx.Name, &idx.TableOID, &idx.TableQName, &isPrimary, &isUnique,
		&idx.Columns, &idx.CreateIndexDDL, &idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDDL,
		&deferrable, &deferred)
	if err != nil {
		return SourceIndex{}, err
	}
	idx.IsPrimary, idx.IsUnique, idx.Deferrable, idx.Deferred = isPrimary != 0, isUnique != 0, deferrable != 0, deferred != 0
	return idx, nil
}

// IterIndexesForTable streams a table's indexes ordered by name, for the
// constraint installer (which must run them serially per table).
func (c *Catalog) IterIndexesForTable(ctx context.Context, tableOID uint32, fn func(SourceIndex) error) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT oid, schema, name, table_oid, table_qname, is_primary, is_unique, columns, create_index_ddl,
			constraint_oid, constraint_name, constraint_ddl, is_deferrable, is_deferred
		FROM source_indexes WHERE table_oid=? ORDER BY schema, name`, tableOID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var idx SourceIndex
		var isPrimary, isUnique, deferrable, deferred int
		if err := rows.Scan(&idx.OID, &idx.Schema, &idx.Name, &idx.TableOID, &idx.TableQName, &isPrimary, &isUnique,
			&idx.Columns, &idx.CreateIndexDDL, &idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDDL,
			&deferrable, &deferred); err != nil {
			return err
		}
		idx.IsPrimary, idx.IsUnique, idx.Deferrable, idx.Deferred = isPrimary != 0, isUnique != 0, deferrable != 0, deferred != 0
		if err := fn(idx); err != nil {
			return err
		}
	}
	return rows.Err()
}

// IndexCountForTable returns how many indexes a table has.
func (c *Catalog) IndexCountForTable(ctx context.Context, tableOID uint32) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_indexes WHERE table_oid=?`, tableOID).Scan(&n)
	return n, err
}

// SourceSequence mirrors a source sequence and the column it is owned by,
// if any — used to reset sequence positions on the target after copy.
type SourceSequence struct {
	OID           uint32
	Schema        string
	Name          string
	OwnedByTable  *uint32
	OwnedByColumn *string
	LastValue     int64
}

// AddSequence inserts or replaces a sequence's schema-discovery record.
func (c *Catalog) AddSequence(ctx context.Context, s SourceSequence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO source_sequences (oid, schema, name, owned_by_table, owned_by_column, last_value)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(oid) DO UPDATE SET schema=excluded.schema, name=excluded.name,
			owned_by_table=excluded.owned_by_table, owned_by_column=excluded.owned_by_column, last_value=excluded.last_value`,
		s.OID, s.Schema, s.Name, s.OwnedByTable, s.OwnedByColumn, s.LastValue)
	return err
}

// IterSequences streams every known sequence ordered by (schema, name).
func (c *Catalog) IterSequences(ctx context.Context, fn func(SourceSequence) error) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT oid, schema, name, owned_by_table, owned_by_column, last_value
		FROM source_sequences ORDER BY schema, name`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var s SourceSequence
		if err := rows.Scan(&s.OID, &s.Schema, &s.Name, &s.OwnedByTable, &s.OwnedByColumn, &s.LastValue); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SourceCollation mirrors a user-defined collation; cached so a restore
// onto a target with different locale support can be diagnosed from the
// catalog instead of a live source connection.
type SourceCollation struct {
	OID    uint32
	Schema string
	Name   string
}

// AddCollation inserts or replaces a collation's schema-discovery record.
func (c *Catalog) AddCollation(ctx context.Context, coll SourceCollation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO source_collations (oid, schema, name) VALUES (?,?,?)
		ON CONFLICT(oid) DO UPDATE SET schema=excluded.schema, name=excluded.name`,
		coll.OID, coll.Schema, coll.Name)
	return err
}

// IterCollations streams every known collation ordered by (schema, name).
func (c *Catalog) IterCollations(ctx context.Context, fn func(SourceCollation) error) error {
	rows, err := c.db.QueryContext(ctx, `SELECT oid, schema, name FROM source_collations ORDER BY schema, name`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var coll SourceCollation
		if err := rows.Scan(&coll.OID, &coll.Schema, &coll.Name); err != nil {
			return err
		}
		if err := fn(coll); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SourceExtension mirrors an installed extension that may own config
// tables requiring a data copy alongside the main clone.
type SourceExtension struct {
	OID       uint32
	Name      string
	Schema    string
	HasConfig bool
}

// AddExtension inserts or replaces an extension's schema-discovery record,
// and its extension-config table oids, if any.
func (c *Catalog) AddExtension(ctx context.Context, ext SourceExtension, configTableOIDs []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO source_extensions (oid, name, schema, has_config) VALUES (?,?,?,?)
		ON CONFLICT(oid) DO UPDATE SET name=excluded.name, schema=excluded.schema, has_config=excluded.has_config`,
		ext.OID, ext.Name, ext.Schema, boolToInt(ext.HasConfig)); err != nil {
		return err
	}
	for _, toid := range configTableOIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_extension_configs (extension_oid, table_oid) VALUES (?,?)
			ON CONFLICT DO NOTHING`, ext.OID, toid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ExtensionConfigTables returns the table oids carrying extension
// configuration data for all installed extensions.
func (c *Catalog) ExtensionConfigTables(ctx context.Context) ([]uint32, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT table_oid FROM source_extension_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		out = append(out, oid)
	}
	return out, rows.Err()
}

// AddDependency records a (referencing, referenced) pair. No post-data
// pruning or graph walk reads these pairs at run time.
func (c *Catalog) AddDependency(ctx context.Context, referencing, referenced uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO source_dependencies (referencing_oid, referenced_oid) VALUES (?,?)
		ON CONFLICT DO NOTHING`, referencing, referenced)
	return err
}

// DependenciesOf returns the oids referenced by the given object, grouped
// implicitly by the caller's single referencing_oid filter.
func (c *Catalog) DependenciesOf(ctx context.Context, referencing uint32) ([]uint32, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT referenced_oid FROM source_dependencies WHERE referencing_oid=? ORDER BY referenced_oid`, referencing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		out = append(out, oid)
	}
	return out, rows.Err()
}
