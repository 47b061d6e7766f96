// Package littlepger is a thin PostgreSQL statement builder and runner that
// works with plain data structures instead of an object-relational mapping.
//
// A Session compiles declarative filter, projection, join and paging
// descriptions into parameterized statements, executes them on a single
// dedicated connection, and returns rows as column-name-keyed maps.
package littlepger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hashicorp/go-version"
	"github.com/jmoiron/sqlx"
)

// Row is one result row keyed by column name. Every call produces fresh
// maps; rows are never shared or cached.
type Row map[string]any

// execQuerier is the narrow execution surface the statement builder needs.
// *sqlx.Conn and *sqlx.Tx both satisfy it.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// connState is the connection shared between a session and its scopes.
// The transaction is begun lazily and is common to all scopes, so only one
// scope should be active and deciding commit-vs-rollback at a time.
type connState struct {
	conn *sqlx.Conn
	tx   *sqlx.Tx
}

// serverVersionRe extracts the version number from select version().
var serverVersionRe = regexp.MustCompile(`PostgreSQL ([0-9.]+)`)

// minNativeUpsert is the first server version with insert .. on conflict.
var minNativeUpsert = version.Must(version.NewVersion("9.5"))

// Session is a single logical database session: one dedicated connection,
// one lazily-begun transaction, and a per-table metadata cache. A Session
// is not safe for concurrent use; give each worker its own.
type Session struct {
	state  *connState
	meta   *metadataCache
	log    *slog.Logger
	commit bool
	owner  bool

	serverVersion *version.Version
	nativeUpsert  bool
}

// Option configures a Session.
type Option func(*Session)

// WithCommit configures the session to commit pending work on Close.
// Without it, Close always rolls back and Commit fails.
func WithCommit() Option {
	return func(s *Session) { s.commit = true }
}

// WithLogger sets the logger used by the debug-print option.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New opens a session on a dedicated connection taken from db. The server
// version is probed once to choose between the native and the fallback
// upsert strategy.
func New(ctx context.Context, db *sqlx.DB, opts ...Option) (*Session, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("littlepger: acquire connection: %w", err)
	}
	s := &Session{
		state: &connState{conn: conn},
		meta:  newMetadataCache(),
		log:   slog.Default(),
		owner: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.probeVersion(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// probeVersion reads and parses the server version, resolving the upsert
// strategy once for the session's lifetime.
func (s *Session) probeVersion(ctx context.Context) error {
	rows, err := s.state.conn.QueryxContext(ctx, "select version() as ver")
	if err != nil {
		return fmt.Errorf("littlepger: probe server version: %w", err)
	}
	defer rows.Close()
	var ver string
	if rows.Next() {
		if err := rows.Scan(&ver); err != nil {
			return fmt.Errorf("littlepger: probe server version: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("littlepger: probe server version: %w", err)
	}
	m := serverVersionRe.FindStringSubmatch(ver)
	if m == nil {
		return fmt.Errorf("littlepger: cannot parse server version from %q", ver)
	}
	v, err := version.NewVersion(m[1])
	if err != nil {
		return fmt.Errorf("littlepger: cannot parse server version %q: %w", m[1], err)
	}
	s.serverVersion = v
	s.nativeUpsert = v.GreaterThanOrEqual(minNativeUpsert)
	return nil
}

// ServerVersion returns the server version probed at session construction.
func (s *Session) ServerVersion() *version.Version {
	return s.serverVersion
}

// Scope returns a child session sharing this session's connection,
// transaction and metadata cache, while deciding commit-vs-rollback on its
// own Close. Closing the scope commits or rolls back the shared pending
// work, so only one scope should be active at a time.
func (s *Session) Scope(opts ...Option) *Session {
	child := &Session{
		state:         s.state,
		meta:          s.meta,
		log:           s.log,
		commit:        s.commit,
		serverVersion: s.serverVersion,
		nativeUpsert:  s.nativeUpsert,
	}
	for _, opt := range opts {
		opt(child)
	}
	return child
}

// Commit commits the pending transaction. It fails with ErrCommitState when
// the session was not configured to commit.
func (s *Session) Commit() error {
	if !s.commit {
		return ErrCommitState
	}
	if s.state.tx == nil {
		return nil
	}
	err := s.state.tx.Commit()
	s.state.tx = nil
	if err != nil {
		return fmt.Errorf("littlepger: commit: %w", err)
	}
	return nil
}

// Rollback discards the pending transaction. Rolling back with no pending
// work is a no-op.
func (s *Session) Rollback() error {
	if s.state.tx == nil {
		return nil
	}
	err := s.state.tx.Rollback()
	s.state.tx = nil
	if err != nil {
		return fmt.Errorf("littlepger: rollback: %w", err)
	}
	return nil
}

// Close finishes the session: pending work is committed only when the
// session was configured to commit, and rolled back otherwise. Closing the
// root session also releases its connection; closing a scope leaves the
// shared connection open.
func (s *Session) Close() error {
	var err error
	if s.commit {
		err = s.Commit()
	} else {
		err = s.Rollback()
	}
	if s.owner {
		if cerr := s.state.conn.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("littlepger: close connection: %w", cerr)
		}
	}
	return err
}

// q returns the execution target, lazily beginning the shared transaction.
func (s *Session) q(ctx context.Context) (execQuerier, error) {
	if s.state.tx == nil {
		tx, err := s.state.conn.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("littlepger: begin: %w", err)
		}
		s.state.tx = tx
	}
	return s.state.tx, nil
}

// prepare finishes a statement and applies the debug options. A non-nil
// error from the dry-run option is a DebugError carrying the substituted
// statement.
func (s *Session) prepare(text string, params []any, d DebugOptions) (*CompiledStatement, error) {
	cs, err := finishStatement(text, params)
	if err != nil {
		return nil, err
	}
	if d.Print {
		s.log.Info("littlepger statement", "sql", cs.interpolate())
	}
	if d.DryRun {
		return nil, &DebugError{Statement: cs.interpolate()}
	}
	return cs, nil
}

// setNullEquals makes equality comparisons against null behave as IS NULL
// for the statement that follows. A deliberate dialect extension carried by
// every statement-producing operation.
func setNullEquals(ctx context.Context, q execQuerier) error {
	if _, err := q.ExecContext(ctx, "set transform_null_equals to on"); err != nil {
		return fmt.Errorf("littlepger: set transform_null_equals: %w", err)
	}
	return nil
}

// run executes a finished statement and collects its rows.
func (s *Session) run(ctx context.Context, text string, params []any, d DebugOptions) ([]Row, error) {
	cs, err := s.prepare(text, params, d)
	if err != nil {
		return nil, err
	}
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	if err := setNullEquals(ctx, q); err != nil {
		return nil, err
	}
	rows, err := q.QueryxContext(ctx, cs.Text, cs.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r := Row{}
		if err := rows.MapScan(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// exec executes a finished statement that returns no rows.
func (s *Session) exec(ctx context.Context, text string, params []any, d DebugOptions) error {
	cs, err := s.prepare(text, params, d)
	if err != nil {
		return err
	}
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	if err := setNullEquals(ctx, q); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, cs.Text, cs.Args...); err != nil {
		return err
	}
	return nil
}

// checkTable validates the table argument of a verb.
func checkTable(verb, table string) error {
	if !isValidIdentifier(table) {
		return fmt.Errorf("littlepger: %s: invalid table name %q", verb, table)
	}
	return nil
}

// Select builds and runs a select statement. With Rows set to RowsOne it
// fails with TooManyRowsError when more than one row matches; zero matches
// return an empty result, never an error.
func (s *Session) Select(ctx context.Context, table string, o SelectOptions) ([]Row, error) {
	if err := checkTable("select", table); err != nil {
		return nil, err
	}
	rowMode := o.Rows
	switch rowMode {
	case "", RowsAll, RowsOne:
	default:
		return nil, NewUnsupportedOptionError("select", "rows", o.Rows)
	}
	text, params, err := buildSelect(ctx, s, table, o)
	if err != nil {
		return nil, err
	}
	if o.GetCount {
		text = "select count(*) from (" + text + ") _"
		rowMode = RowsOne
	}
	results, err := s.run(ctx, text, params, o.Debug)
	if err != nil {
		return nil, err
	}
	if rowMode == RowsOne && len(results) > 1 {
		return nil, &TooManyRowsError{Table: table, Count: len(results)}
	}
	return results, nil
}

// SelectOne is select sugar for a single-row query: it forces RowsOne and
// returns the matched row, or nil when nothing matched.
func (s *Session) SelectOne(ctx context.Context, table string, o SelectOptions) (Row, error) {
	o.Rows = RowsOne
	results, err := s.Select(ctx, table, o)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// SelectID fetches a single row and returns its primary-key value, or nil
// when nothing matched.
func (s *Session) SelectID(ctx context.Context, table string, o SelectOptions) (any, error) {
	info, err := s.TableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	row, err := s.SelectOne(ctx, table, o)
	if err != nil || row == nil {
		return nil, err
	}
	return row[info.PKey], nil
}

// insertValues applies the value-map options shared by Insert and Upsert.
func (s *Session) insertValues(ctx context.Context, table string, values map[string]any, filter bool, mapValues map[any]any) (map[string]any, error) {
	if filter {
		info, err := s.TableInfo(ctx, table)
		if err != nil {
			return nil, err
		}
		known := make(map[string]struct{}, len(info.Columns))
		for _, c := range info.Columns {
			known[c] = struct{}{}
		}
		trimmed := make(map[string]any, len(values))
		for c, v := range values {
			if _, ok := known[c]; ok {
				trimmed[c] = v
			}
		}
		values = trimmed
	}
	return applyMapValues(values, mapValues), nil
}

// Insert builds and runs an insert statement and returns the inserted row.
// An empty value map emits the default-values form.
func (s *Session) Insert(ctx context.Context, table string, o InsertOptions) (Row, error) {
	if err := checkTable("insert", table); err != nil {
		return nil, err
	}
	values := o.Values
	if len(values) > 0 {
		var err error
		if values, err = s.insertValues(ctx, table, values, o.FilterValues, o.MapValues); err != nil {
			return nil, err
		}
	}
	text, params := buildInsert(table, values)
	results, err := s.run(ctx, text, params, o.Debug)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// InsertID is insert sugar that returns only the primary-key value of the
// inserted row.
func (s *Session) InsertID(ctx context.Context, table string, o InsertOptions) (any, error) {
	row, err := s.Insert(ctx, table, o)
	if err != nil || row == nil {
		return nil, err
	}
	info, err := s.TableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	return row[info.PKey], nil
}

// Update builds and runs an update statement with a returning clause and
// returns the updated row, or nil when no row matched. Parameter order is
// values, then AND-clause params, then OR-clause params.
func (s *Session) Update(ctx context.Context, table string, o UpdateOptions) (Row, error) {
	if err := checkTable("update", table); err != nil {
		return nil, err
	}
	values := o.Values
	if values == nil {
		values = o.Set
	}
	if len(values) == 0 {
		return nil, NewUnsupportedOptionError("update", "values", "empty value map")
	}
	values, err := s.insertValues(ctx, table, values, o.FilterValues, o.MapValues)
	if err != nil {
		return nil, err
	}
	text, params, err := buildUpdate(table, values, o.Where, o.WhereOr)
	if err != nil {
		return nil, err
	}
	results, err := s.run(ctx, text, params, o.Debug)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Upsert inserts or updates a row keyed by conflict on the table's primary
// key. On servers with native conflict resolution this is a single atomic
// statement; older servers fall back to a check-then-act sequence that is
// not atomic under concurrent writers - callers needing atomicity there
// must lock externally.
func (s *Session) Upsert(ctx context.Context, table string, o UpsertOptions) (Row, error) {
	if err := checkTable("upsert", table); err != nil {
		return nil, err
	}
	values := o.Values
	if values == nil {
		values = o.Set
	}
	if s.nativeUpsert {
		return s.nativeUpsertRow(ctx, table, values, o)
	}
	return s.fallbackUpsertRow(ctx, table, values, o)
}

// UpsertID is upsert sugar that returns only the primary-key value of the
// resulting row.
func (s *Session) UpsertID(ctx context.Context, table string, o UpsertOptions) (any, error) {
	row, err := s.Upsert(ctx, table, o)
	if err != nil || row == nil {
		return nil, err
	}
	info, err := s.TableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	return row[info.PKey], nil
}

// nativeUpsertRow emits insert .. on conflict (pkey) do update.
func (s *Session) nativeUpsertRow(ctx context.Context, table string, values map[string]any, o UpsertOptions) (Row, error) {
	var text string
	var params []any
	if len(values) == 0 {
		text, params = buildInsert(table, nil)
	} else {
		info, err := s.TableInfo(ctx, table)
		if err != nil {
			return nil, err
		}
		values, err = s.insertValues(ctx, table, values, o.FilterValues, o.MapValues)
		if err != nil {
			return nil, err
		}
		if v, ok := values[info.PKey]; ok && isEmptyValue(v) {
			delete(values, info.PKey)
		}
		text, params = buildUpsertNative(table, info.PKey, values)
	}
	results, err := s.run(ctx, text, params, o.Debug)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// fallbackUpsertRow is the pre-9.5 check-then-act strategy: look the row up
// by primary key and branch to update or insert. Known race: a concurrent
// writer can insert between the check and the act.
func (s *Session) fallbackUpsertRow(ctx context.Context, table string, values map[string]any, o UpsertOptions) (Row, error) {
	info, err := s.TableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	if pk, ok := values[info.PKey]; ok {
		existing, err := s.SelectOne(ctx, table, SelectOptions{
			Where: Filters{{Column(info.PKey), pk}},
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.Update(ctx, table, UpdateOptions{
				Values:       values,
				Where:        Filters{{Column(info.PKey), pk}},
				FilterValues: o.FilterValues,
				MapValues:    o.MapValues,
				Debug:        o.Debug,
			})
		}
	}
	return s.Insert(ctx, table, InsertOptions{
		Values:       values,
		FilterValues: o.FilterValues,
		MapValues:    o.MapValues,
		Debug:        o.Debug,
	})
}

// Delete builds and runs a delete statement. With TightenSequence the
// primary-key sequence is reset to max(pkey)+1 (or 1 on an empty table)
// afterwards; that second step is intended for single-writer and test
// scenarios only and is unsafe under concurrency.
func (s *Session) Delete(ctx context.Context, table string, o DeleteOptions) error {
	if err := checkTable("delete", table); err != nil {
		return err
	}
	text, params, err := buildDelete(table, o.Where, o.WhereOr)
	if err != nil {
		return err
	}
	if err := s.exec(ctx, text, params, o.Debug); err != nil {
		return err
	}
	if !o.TightenSequence {
		return nil
	}
	info, err := s.TableInfo(ctx, table)
	if err != nil {
		return err
	}
	seq, err := s.SequenceName(ctx, table)
	if err != nil {
		return err
	}
	if seq == "" {
		return fmt.Errorf("littlepger: delete: table %s has no primary-key sequence to tighten", table)
	}
	reset := fmt.Sprintf("select setval(%%s, coalesce((select max(%s) + 1 from %s), 1), false)", info.PKey, table)
	return s.exec(ctx, reset, []any{seq}, o.Debug)
}

// Count returns the number of matching rows. With GroupBy the grouped query
// is wrapped in an outer count rather than naively counting groups.
func (s *Session) Count(ctx context.Context, table string, o CountOptions) (int64, error) {
	sel := SelectOptions{
		Join:      o.Join,
		InnerJoin: o.InnerJoin,
		LeftJoin:  o.LeftJoin,
		RightJoin: o.RightJoin,
		Where:     o.Where,
		WhereOr:   o.WhereOr,
		Debug:     o.Debug,
	}
	if len(o.GroupBy) == 0 {
		// The projection cannot change the row count here, so it is
		// dropped in favor of a plain count.
		sel.What = Proj("count(*)")
		sel.Rows = RowsOne
	} else {
		sel.What = o.What
		sel.GroupBy = o.GroupBy
		sel.GetCount = true
	}
	results, err := s.Select(ctx, table, sel)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return toInt64(results[0]["count"])
}

// Exists reports whether at least one matching row exists.
func (s *Session) Exists(ctx context.Context, table string, o ExistsOptions) (bool, error) {
	row, err := s.SelectOne(ctx, table, SelectOptions{
		What:    o.What,
		Where:   o.Where,
		WhereOr: o.WhereOr,
		Limit:   1,
		Debug:   o.Debug,
	})
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// SQL is the raw escape hatch: it executes caller-supplied SQL with $n
// placeholders and no validation, for statements outside the builder's
// vocabulary, and returns whatever rows came back.
func (s *Session) SQL(ctx context.Context, query string, args ...any) ([]Row, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r := Row{}
		if err := rows.MapScan(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// toInt64 coerces the count column of a result row.
func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		var n int64
		_, err := fmt.Sscan(string(v), &n)
		return n, err
	case string:
		var n int64
		_, err := fmt.Sscan(v, &n)
		return n, err
	default:
		return 0, fmt.Errorf("littlepger: cannot convert count value %T", v)
	}
}
