package littlepger

import (
	"context"
	"fmt"
)

// TableInfo is the cached schema summary of one table.
type TableInfo struct {
	// PKey is the primary-key column name, empty when the table has none.
	PKey string
	// Columns is the ordered list of column names.
	Columns []string
}

// TableResolver supplies table metadata to the statement builder. A Session
// is its own resolver, backed by live schema introspection and a per-table
// cache that lives for the session's lifetime; the schema is assumed stable
// for that long, so there is no invalidation.
type TableResolver interface {
	TableInfo(ctx context.Context, table string) (TableInfo, error)
	SequenceName(ctx context.Context, table string) (string, error)
}

// metadataCache holds the introspection results shared between a session
// and its scopes.
type metadataCache struct {
	infos map[string]TableInfo
	seqs  map[string]string
}

func newMetadataCache() *metadataCache {
	return &metadataCache{
		infos: make(map[string]TableInfo),
		seqs:  make(map[string]string),
	}
}

// pkeyColumnQuery finds the primary-key column of a table.
// http://wiki.postgresql.org/wiki/Retrieve_primary_key_columns
const pkeyColumnQuery = `
select pg_attribute.attname as pkey_name
from pg_index, pg_class, pg_attribute
where
   pg_class.oid = $1::regclass and indrelid = pg_class.oid and
   pg_attribute.attrelid = pg_class.oid and
   pg_attribute.attnum = any(pg_index.indkey) and indisprimary`

// pkeySequenceQuery finds the sequence feeding the primary-key column.
const pkeySequenceQuery = `
select pg_get_serial_sequence($1, a.attname) as seq_name
from pg_index i, pg_class c, pg_attribute a
where
   c.oid = $2::regclass and indrelid = c.oid and
   a.attrelid = c.oid and a.attnum = any(i.indkey) and indisprimary`

// nullableColumnsQuery lists column nullability.
const nullableColumnsQuery = `
select column_name, is_nullable from information_schema.columns
where table_name = %s`

// TableInfo returns the primary-key column and column list of a table,
// introspecting the live schema on first access and caching the result.
func (s *Session) TableInfo(ctx context.Context, table string) (TableInfo, error) {
	if info, ok := s.meta.infos[table]; ok {
		return info, nil
	}
	pkey, err := s.primaryKeyColumn(ctx, table)
	if err != nil {
		return TableInfo{}, err
	}
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return TableInfo{}, err
	}
	info := TableInfo{PKey: pkey, Columns: cols}
	s.meta.infos[table] = info
	return info, nil
}

// primaryKeyColumn introspects the primary-key column name, empty when the
// table has no primary key.
func (s *Session) primaryKeyColumn(ctx context.Context, table string) (string, error) {
	q, err := s.q(ctx)
	if err != nil {
		return "", err
	}
	rows, err := q.QueryxContext(ctx, pkeyColumnQuery, table)
	if err != nil {
		return "", fmt.Errorf("littlepger: primary key of %s: %w", table, err)
	}
	defer rows.Close()
	var pkey string
	if rows.Next() {
		if err := rows.Scan(&pkey); err != nil {
			return "", err
		}
	}
	return pkey, rows.Err()
}

// Columns returns the ordered column names of a table, taken from the
// result shape of a zero-row select.
func (s *Session) Columns(ctx context.Context, table string) ([]string, error) {
	if err := checkTable("columns", table); err != nil {
		return nil, err
	}
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryxContext(ctx, fmt.Sprintf("select * from %s where 1=0", table))
	if err != nil {
		return nil, fmt.Errorf("littlepger: columns of %s: %w", table, err)
	}
	defer rows.Close()
	return rows.Columns()
}

// SequenceName returns the name of the sequence feeding the table's
// primary key, empty when there is none. Cached like TableInfo.
func (s *Session) SequenceName(ctx context.Context, table string) (string, error) {
	if seq, ok := s.meta.seqs[table]; ok {
		return seq, nil
	}
	q, err := s.q(ctx)
	if err != nil {
		return "", err
	}
	rows, err := q.QueryxContext(ctx, pkeySequenceQuery, table, table)
	if err != nil {
		return "", fmt.Errorf("littlepger: sequence of %s: %w", table, err)
	}
	defer rows.Close()
	var seq string
	if rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		switch v := v.(type) {
		case string:
			seq = v
		case []byte:
			seq = string(v)
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	s.meta.seqs[table] = seq
	return seq, nil
}

// NullableColumns returns the nullable columns of a table, uncached.
func (s *Session) NullableColumns(ctx context.Context, table string, d DebugOptions) ([]string, error) {
	results, err := s.run(ctx, nullableColumnsQuery, []any{table}, d)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, row := range results {
		if nullable, _ := row["is_nullable"].(string); nullable == "YES" {
			if name, ok := row["column_name"].(string); ok {
				cols = append(cols, name)
			}
		}
	}
	return cols, nil
}

// CurrentPKeyValue returns the current value of the table's primary-key
// sequence. With an empty seqName the conventional
// "<table>_<table>_id_seq" serial sequence name is assumed.
func (s *Session) CurrentPKeyValue(ctx context.Context, table, seqName string, d DebugOptions) (any, error) {
	if seqName == "" {
		seqName = fmt.Sprintf("%s_%s_id_seq", table, table)
	}
	results, err := s.run(ctx, "select currval(%s)", []any{seqName}, d)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0]["currval"], nil
}

// NextPKeyValue advances and returns the table's primary-key sequence.
// With an empty seqName the conventional "<table>_<table>_id_seq" serial
// sequence name is assumed.
func (s *Session) NextPKeyValue(ctx context.Context, table, seqName string, d DebugOptions) (any, error) {
	if seqName == "" {
		seqName = fmt.Sprintf("%s_%s_id_seq", table, table)
	}
	results, err := s.run(ctx, "select nextval(%s)", []any{seqName}, d)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0]["nextval"], nil
}

var _ TableResolver = (*Session)(nil)
