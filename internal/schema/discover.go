package schema

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/clonerr"
	"github.com/jfoltran/pgclone/internal/partition"
)

// Discoverer enumerates the source database's catalog objects so the
// orchestrator can populate the embedded catalog before copy starts. It
// reads pg_catalog directly rather than shelling out, since this
// information feeds partition planning and worker dispatch, not just a
// human-readable dump.
type Discoverer struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDiscoverer creates a Discoverer bound to the source pool.
func NewDiscoverer(pool *pgxpool.Pool, logger zerolog.Logger) *Discoverer {
	return &Discoverer{pool: pool, logger: logger.With().Str("component", "schema-discovery").Logger()}
}

// TableInfo is one discovered table plus the information the partition
// planner needs but the catalog's SourceTable does not itself carry.
type TableInfo struct {
	Table     catalog.SourceTable
	PageCount int64
	KeyCand   partition.KeyCandidate
}

var userNamespaceFilter = `n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')`

// DiscoverTables enumerates every ordinary user table along with its
// column list, size estimate, page count, and partition-key candidate
// (primary key, then a single-column unique index, then ctid).
func (d *Discoverer) DiscoverTables(ctx context.Context) ([]TableInfo, error) {
	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT c.oid, n.nspname, c.relname,
			COALESCE(c.reltuples, 0)::bigint AS est_rows,
			pg_total_relation_size(c.oid) AS est_bytes,
			COALESCE(c.relpages, 0)::bigint AS page_count
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p') AND %s
		ORDER BY n.nspname, c.relname`, userNamespaceFilter))
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var infos []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Table.OID, &t.Table.Schema, &t.Table.Name, &t.Table.EstimatedRows, &t.Table.EstimatedBytes, &t.PageCount); err != nil {
			return nil, clonerrWrap(err)
		}
		t.Table.QualifiedName = quoteQualified(t.Table.Schema, t.Table.Name)
		infos = append(infos, t)
	}
	if err := rows.Err(); err != nil {
		return nil, clonerrWrap(err)
	}

	// Tables owned by an extension are excluded from the generic copy
	// pipeline: CREATE EXTENSION recreates them on the target, and any
	// extconfig data they carry is copied by the extension-config worker.
	members, err := d.extensionMemberTables(ctx)
	if err != nil {
		return nil, err
	}

	for i := range infos {
		infos[i].Table.ExcludeData = members[infos[i].Table.OID]

		attrs, err := d.tableAttributes(ctx, infos[i].Table.OID)
		if err != nil {
			return nil, err
		}
		infos[i].Table.Attributes = attrs

		cand, err := d.partitionCandidate(ctx, infos[i].Table.OID)
		if err != nil {
			return nil, err
		}
		infos[i].KeyCand = cand
		infos[i].Table.PartitionNullable = cand.Nullable

		idxCount, conCount, err := d.tableConstraintCounts(ctx, infos[i].Table.OID)
		if err != nil {
			return nil, err
		}
		infos[i].Table.IndexCount = idxCount
		infos[i].Table.ConstraintCount = conCount
	}

	return infos, nil
}

func (d *Discoverer) tableAttributes(ctx context.Context, tableOID uint32) ([]catalog.Attribute, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT a.attnum, a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull
		FROM pg_attribute a
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, tableOID)
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var attrs []catalog.Attribute
	for rows.Next() {
		var a catalog.Attribute
		if err := rows.Scan(&a.Ord, &a.Name, &a.DataType, &a.Nullable); err != nil {
			return nil, clonerrWrap(err)
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// partitionCandidate prefers the table's primary key (if a single integer
// column), then any single-column unique index on an integer column, then
// falls back to ctid.
func (d *Discoverer) partitionCandidate(ctx context.Context, tableOID uint32) (partition.KeyCandidate, error) {
	for _, onlyPrimary := range []bool{true, false} {
		filter := "i.indisunique"
		if onlyPrimary {
			filter = "i.indisprimary"
		}
		var col string
		var typeOID uint32
		var notNull bool
		err := d.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT a.attname, a.atttypid, a.attnotnull
			FROM pg_index i
			JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = i.indkey[0]
			WHERE i.indrelid = $1 AND %s AND i.indnatts = 1 AND a.atttypid IN (20, 21, 23)
			ORDER BY i.indisprimary DESC
			LIMIT 1`, filter), tableOID).Scan(&col, &typeOID, &notNull)
		if err == nil {
			if isIntegerType(typeOID) {
				return partition.KeyCandidate{Column: col, Kind: partition.KeyInteger, Nullable: !notNull, IsInteger: true}, nil
			}
			continue
		}
		if !isNoRows(err) {
			return partition.KeyCandidate{}, clonerrWrap(err)
		}
	}
	return partition.KeyCandidate{Kind: partition.KeyCtid}, nil
}

func isIntegerType(oid uint32) bool {
	switch oid {
	case 20, 21, 23: // int8, int2, int4
		return true
	default:
		return false
	}
}

func (d *Discoverer) tableConstraintCounts(ctx context.Context, tableOID uint32) (indexCount, constraintCount int, err error) {
	err = d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pg_index WHERE indrelid = $1`, tableOID).Scan(&indexCount)
	if err != nil {
		return 0, 0, clonerrWrap(err)
	}
	err = d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pg_constraint WHERE conrelid = $1`, tableOID).Scan(&constraintCount)
	if err != nil {
		return 0, 0, clonerrWrap(err)
	}
	return indexCount, constraintCount, nil
}

// DiscoverIndexes enumerates every index on a user table, its DDL, and the
// constraint it backs, if any.
func (d *Discoverer) DiscoverIndexes(ctx context.Context) ([]catalog.SourceIndex, error) {
	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT
			idx.oid, n.nspname, idx.relname,
			i.indrelid, tn.nspname, tbl.relname,
			i.indisprimary, i.indisunique,
			pg_get_indexdef(idx.oid),
			(SELECT string_agg(a.attname, ',' ORDER BY k.ord)
				FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
				JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum),
			con.oid, con.conname, pg_get_constraintdef(con.oid), con.condeferrable, con.condeferred
		FROM pg_index i
		JOIN pg_class idx ON idx.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = idx.relnamespace
		JOIN pg_class tbl ON tbl.oid = i.indrelid
		JOIN pg_namespace tn ON tn.oid = tbl.relnamespace
		LEFT JOIN pg_constraint con ON con.conindid = idx.oid
		WHERE %s
		ORDER BY tn.nspname, tbl.relname, idx.relname`, strings.ReplaceAll(userNamespaceFilter, "n.nspname", "tn.nspname")))
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var out []catalog.SourceIndex
	for rows.Next() {
		var idx catalog.SourceIndex
		var tableSchema string
		if err := rows.Scan(&idx.OID, &idx.Schema, &idx.Name,
			&idx.TableOID, &tableSchema, &idx.TableQName,
			&idx.IsPrimary, &idx.IsUnique, &idx.CreateIndexDDL, &idx.Columns,
			&idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDDL, &idx.Deferrable, &idx.Deferred); err != nil {
			return nil, clonerrWrap(err)
		}
		idx.TableQName = quoteQualified(tableSchema, idx.TableQName)
		out = append(out, idx)
	}
	return out, rows.Err()
}

// DiscoverSequences enumerates every sequence, its owning column (if it is
// an identity/serial sequence), and its current last value.
func (d *Discoverer) DiscoverSequences(ctx context.Context) ([]catalog.SourceSequence, error) {
	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT c.oid, n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S' AND %s
		ORDER BY n.nspname, c.relname`, userNamespaceFilter))
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var out []catalog.SourceSequence
	for rows.Next() {
		var s catalog.SourceSequence
		if err := rows.Scan(&s.OID, &s.Schema, &s.Name); err != nil {
			return nil, clonerrWrap(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, clonerrWrap(err)
	}

	for i := range out {
		if err := d.fillSequenceOwnerAndValue(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *Discoverer) fillSequenceOwnerAndValue(ctx context.Context, s *catalog.SourceSequence) error {
	var tableOID uint32
	var colNum int
	err := d.pool.QueryRow(ctx, `
		SELECT d.refobjid, d.refobjsubid
		FROM pg_depend d
		WHERE d.objid = $1 AND d.deptype = 'a' AND d.classid = 'pg_class'::regclass
		LIMIT 1`, s.OID).Scan(&tableOID, &colNum)
	if err == nil {
		s.OwnedByTable = &tableOID
		var colName string
		if err := d.pool.QueryRow(ctx, `SELECT attname FROM pg_attribute WHERE attrelid = $1 AND attnum = $2`, tableOID, colNum).Scan(&colName); err == nil {
			s.OwnedByColumn = &colName
		}
	} else if !isNoRows(err) {
		return clonerrWrap(err)
	}

	var lastValue *int64
	if err := d.pool.QueryRow(ctx, `SELECT last_value FROM pg_sequences WHERE schemaname = $1 AND sequencename = $2`, s.Schema, s.Name).Scan(&lastValue); err != nil {
		return clonerrWrap(err)
	}
	if lastValue != nil {
		s.LastValue = *lastValue
	}
	return nil
}

// ExtensionInfo is one discovered extension plus the oids of the tables it
// registered for extension-config data (pg_extension.extconfig).
type ExtensionInfo struct {
	Extension       catalog.SourceExtension
	ConfigTableOIDs []uint32
}

// DiscoverExtensions enumerates installed extensions and their
// extension-config tables, whose data must be copied alongside the main
// clone rather than reconstructed by CREATE EXTENSION.
func (d *Discoverer) DiscoverExtensions(ctx context.Context) ([]ExtensionInfo, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT e.oid, e.extname, n.nspname, e.extconfig::text
		FROM pg_extension e
		JOIN pg_namespace n ON n.oid = e.extnamespace
		ORDER BY e.extname`)
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var out []ExtensionInfo
	for rows.Next() {
		var ei ExtensionInfo
		var extconfig *string
		if err := rows.Scan(&ei.Extension.OID, &ei.Extension.Name, &ei.Extension.Schema, &extconfig); err != nil {
			return nil, clonerrWrap(err)
		}
		if extconfig != nil {
			ei.ConfigTableOIDs = parseOIDArray(*extconfig)
		}
		ei.Extension.HasConfig = len(ei.ConfigTableOIDs) > 0
		out = append(out, ei)
	}
	return out, rows.Err()
}

func parseOIDArray(pgArray string) []uint32 {
	s := strings.Trim(pgArray, "{}")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out
}

func (d *Discoverer) extensionMemberTables(ctx context.Context) (map[uint32]bool, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT objid FROM pg_depend
		WHERE classid = 'pg_class'::regclass
			AND refclassid = 'pg_extension'::regclass
			AND deptype = 'e'`)
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	members := make(map[uint32]bool)
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return nil, clonerrWrap(err)
		}
		members[oid] = true
	}
	return members, rows.Err()
}

// DiscoverCollations enumerates user-defined collations.
func (d *Discoverer) DiscoverCollations(ctx context.Context) ([]catalog.SourceCollation, error) {
	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT c.oid, n.nspname, c.collname
		FROM pg_collation c
		JOIN pg_namespace n ON n.oid = c.collnamespace
		WHERE %s
		ORDER BY n.nspname, c.collname`, userNamespaceFilter))
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var out []catalog.SourceCollation
	for rows.Next() {
		var coll catalog.SourceCollation
		if err := rows.Scan(&coll.OID, &coll.Schema, &coll.Name); err != nil {
			return nil, clonerrWrap(err)
		}
		out = append(out, coll)
	}
	return out, rows.Err()
}

// DiscoverDependencies enumerates table-level foreign-key dependencies
// (referencing table -> referenced table). The orchestrator caches them in
// the catalog; no post-data pruning reads them back.
func (d *Discoverer) DiscoverDependencies(ctx context.Context) ([][2]uint32, error) {
	rows, err := d.pool.Query(ctx, `SELECT conrelid, confrelid FROM pg_constraint WHERE contype = 'f'`)
	if err != nil {
		return nil, clonerrWrap(err)
	}
	defer rows.Close()

	var out [][2]uint32
	for rows.Next() {
		var referencing, referenced uint32
		if err := rows.Scan(&referencing, &referenced); err != nil {
			return nil, clonerrWrap(err)
		}
		out = append(out, [2]uint32{referencing, referenced})
	}
	return out, rows.Err()
}

func quoteQualified(schema, name string) string {
	return fmt.Sprintf("%q.%q", schema, name)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func clonerrWrap(err error) error {
	return clonerr.Wrap(clonerr.SchemaDiscoveryError, err)
}
