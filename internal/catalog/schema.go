package catalog

const ddl = `
CREATE TABLE IF NOT EXISTS source_tables (
	oid               INTEGER PRIMARY KEY,
	schema            TEXT NOT NULL,
	name              TEXT NOT NULL,
	qualified_name    TEXT NOT NULL,
	estimated_rows    INTEGER NOT NULL DEFAULT 0,
	estimated_bytes   INTEGER NOT NULL DEFAULT 0,
	exclude_data      INTEGER NOT NULL DEFAULT 0,
	restore_list_name TEXT NOT NULL DEFAULT '',
	partition_column  TEXT NOT NULL DEFAULT '',
	partition_kind    INTEGER NOT NULL DEFAULT 0,
	partition_nullable INTEGER NOT NULL DEFAULT 0,
	index_count       INTEGER NOT NULL DEFAULT 0,
	constraint_count  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_attributes (
	table_oid INTEGER NOT NULL,
	ord       INTEGER NOT NULL,
	name      TEXT NOT NULL,
	data_type TEXT NOT NULL,
	nullable  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_oid, ord)
);

CREATE TABLE IF NOT EXISTS partition_ranges (
	table_oid      INTEGER NOT NULL,
	part_number    INTEGER NOT NULL,
	part_count     INTEGER NOT NULL,
	min            INTEGER NOT NULL,
	max            INTEGER NOT NULL,
	estimated_rows INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_oid, part_number)
);

CREATE TABLE IF NOT EXISTS source_indexes (
	oid              INTEGER PRIMARY KEY,
	schema           TEXT NOT NULL,
	name             TEXT NOT NULL,
	table_oid        INTEGER NOT NULL,
	table_qname      TEXT NOT NULL,
	is_primary       INTEGER NOT NULL DEFAULT 0,
	is_unique        INTEGER NOT NULL DEFAULT 0,
	columns          TEXT NOT NULL DEFAULT '',
	create_index_ddl TEXT NOT NULL,
	constraint_oid   INTEGER,
	constraint_name  TEXT,
	constraint_ddl   TEXT,
	is_deferrable    INTEGER NOT NULL DEFAULT 0,
	is_deferred      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_sequences (
	oid             INTEGER PRIMARY KEY,
	schema          TEXT NOT NULL,
	name            TEXT NOT NULL,
	owned_by_table  INTEGER,
	owned_by_column TEXT,
	last_value      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_collations (
	oid    INTEGER PRIMARY KEY,
	schema TEXT NOT NULL,
	name   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS source_extensions (
	oid        INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	schema     TEXT NOT NULL,
	has_config INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS source_extension_configs (
	extension_oid INTEGER NOT NULL,
	table_oid     INTEGER NOT NULL,
	PRIMARY KEY (extension_oid, table_oid)
);

CREATE TABLE IF NOT EXISTS source_dependencies (
	referencing_oid INTEGER NOT NULL,
	referenced_oid  INTEGER NOT NULL,
	PRIMARY KEY (referencing_oid, referenced_oid)
);

CREATE TABLE IF NOT EXISTS table_summaries (
	table_oid         INTEGER NOT NULL,
	part              INTEGER NOT NULL,
	pid               INTEGER NOT NULL,
	start_time        INTEGER NOT NULL,
	done_time         INTEGER NOT NULL DEFAULT 0,
	command           TEXT NOT NULL DEFAULT '',
	bytes_transmitted INTEGER NOT NULL DEFAULT 0,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_oid, part)
);

CREATE TABLE IF NOT EXISTS index_summaries (
	index_oid   INTEGER PRIMARY KEY,
	pid         INTEGER NOT NULL,
	start_time  INTEGER NOT NULL,
	done_time   INTEGER NOT NULL DEFAULT 0,
	command     TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS table_parts_progress (
	table_oid  INTEGER PRIMARY KEY,
	done_count INTEGER NOT NULL DEFAULT 0,
	part_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS table_indexes_done_owner (
	table_oid INTEGER PRIMARY KEY,
	pid       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS target_constraints (
	table_oid       INTEGER NOT NULL,
	constraint_name TEXT NOT NULL,
	index_name      TEXT NOT NULL DEFAULT '',
	done            INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_oid, constraint_name)
);

CREATE TABLE IF NOT EXISTS process_info (
	pid        INTEGER PRIMARY KEY,
	role       TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	detail     TEXT NOT NULL DEFAULT ''
);
`
