package littlepger

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// validIdentifierRe validates SQL identifiers (alphanumeric, underscores, dots for schema.name)
var validIdentifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// isValidIdentifier checks if the string is a valid SQL identifier.
func isValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && validIdentifierRe.MatchString(s)
}

// escapeStringValue escapes a string value for safe display inside a
// single-quoted SQL literal.
func escapeStringValue(s string) string {
	if !strings.ContainsAny(s, `'\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", "''")
	return s
}

// CompiledStatement is a finished statement: SQL text with $n placeholders
// and the positional argument list. The placeholder count always equals
// len(Args) after in-list expansion.
type CompiledStatement struct {
	Text string
	Args []any
}

// finishStatement numbers the %s tokens of an assembled statement to $1..$n
// Postgres placeholders and flattens the parameter list. An AnyOf parameter
// expands to one placeholder per element.
func finishStatement(text string, params []any) (*CompiledStatement, error) {
	var (
		b    strings.Builder
		args []any
		next int
	)
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if text[i] == '%' && i+1 < len(text) && text[i+1] == 's' {
			if next >= len(params) {
				return nil, fmt.Errorf("littlepger: statement has more placeholders than parameters: %s", text)
			}
			switch p := params[next].(type) {
			case InList:
				b.WriteByte('(')
				for j, v := range p {
					if j > 0 {
						b.WriteString(", ")
					}
					args = append(args, v)
					b.WriteByte('$')
					b.WriteString(strconv.Itoa(len(args)))
				}
				b.WriteByte(')')
			default:
				args = append(args, p)
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(len(args)))
			}
			next++
			i += 2
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	if next != len(params) {
		return nil, fmt.Errorf("littlepger: statement has %d placeholders for %d parameters: %s", next, len(params), text)
	}
	return &CompiledStatement{Text: b.String(), Args: args}, nil
}

// placeholderRe matches the $n placeholders of a finished statement.
var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// interpolate substitutes the arguments into the placeholders for human
// inspection. The result is for logging only and is never executed.
func (cs *CompiledStatement) interpolate() string {
	return placeholderRe.ReplaceAllStringFunc(cs.Text, func(ph string) string {
		n, err := strconv.Atoi(ph[1:])
		if err != nil || n < 1 || n > len(cs.Args) {
			return ph
		}
		return literal(cs.Args[n-1])
	})
}

// literal renders a single bound value as a SQL literal for display.
func literal(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + escapeStringValue(v) + "'"
	case []byte:
		return "'" + escapeStringValue(string(v)) + "'"
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Projection describes the select list. The zero value renders as "*".
type Projection []ProjExpr

// ProjExpr is one projection item: a SQL expression and an optional alias.
type ProjExpr struct {
	Expr  string
	Alias string
}

// Proj builds a projection from plain expressions, e.g.
// Proj("color", "count(*)").
func Proj(exprs ...string) Projection {
	p := make(Projection, len(exprs))
	for i, e := range exprs {
		p[i] = ProjExpr{Expr: e}
	}
	return p
}

// As appends an aliased expression to the projection:
//
//	Proj("*").As("price is null", "is_price_valid")
func (p Projection) As(expr, alias string) Projection {
	return append(p, ProjExpr{Expr: expr, Alias: alias})
}

// render returns the comma-joined select list. An empty alias is omitted.
func (p Projection) render() string {
	if len(p) == 0 {
		return "*"
	}
	items := make([]string, len(p))
	for i, e := range p {
		items[i] = e.Expr
		if e.Alias != "" {
			items[i] += " as " + e.Alias
		}
	}
	return strings.Join(items, ", ")
}

// Join describes one join element. When Field is empty the join column is
// the primary key of the joined table, resolved through the session's
// metadata cache. Table may carry an alias ("person p").
type Join struct {
	Table string
	Field string
}

// RowMode controls result shaping of a select.
type RowMode string

// Supported row modes.
const (
	RowsAll RowMode = "all" // return every matched row (default)
	RowsOne RowMode = "one" // assert at most one row matched
)

// DebugOptions are the pass-through diagnostic switches accepted by every
// statement-producing operation.
type DebugOptions struct {
	// Print logs the fully-substituted statement before executing it.
	Print bool
	// DryRun skips execution and returns the fully-substituted statement
	// as a DebugError instead.
	DryRun bool
}

// SelectOptions configures Select. Every field is optional.
type SelectOptions struct {
	What      Projection
	Join      []Join // inner joins; Join and InnerJoin are equivalent
	InnerJoin []Join
	LeftJoin  []Join
	RightJoin []Join
	Where     Filters
	WhereOr   Filters
	GroupBy   []string
	OrderBy   []string
	Limit     int
	Offset    int
	Rows      RowMode
	GetCount  bool
	Debug     DebugOptions
}

// InsertOptions configures Insert.
type InsertOptions struct {
	Values map[string]any
	// FilterValues trims Values down to columns that exist on the table.
	FilterValues bool
	// MapValues rewrites matching scalar values, e.g. {"": nil} to turn
	// empty strings into nulls. Non-comparable values pass through.
	MapValues map[any]any
	Debug     DebugOptions
}

// UpdateOptions configures Update. Set and Values are equivalent; Values
// wins when both are given.
type UpdateOptions struct {
	Set          map[string]any
	Values       map[string]any
	Where        Filters
	WhereOr      Filters
	FilterValues bool
	MapValues    map[any]any
	Debug        DebugOptions
}

// UpsertOptions configures Upsert. Set and Values are equivalent; Values
// wins when both are given.
type UpsertOptions struct {
	Set          map[string]any
	Values       map[string]any
	FilterValues bool
	MapValues    map[any]any
	Debug        DebugOptions
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	Where   Filters
	WhereOr Filters
	// TightenSequence resets the primary-key sequence to max(pkey)+1 (or 1
	// on an empty table) after the delete. Only meaningful when the
	// highest-keyed row was deleted, and only safe with a single writer.
	TightenSequence bool
	Debug           DebugOptions
}

// CountOptions configures Count. What only matters together with GroupBy,
// where the grouped query is wrapped in an outer count.
type CountOptions struct {
	What      Projection
	Join      []Join
	InnerJoin []Join
	LeftJoin  []Join
	RightJoin []Join
	Where     Filters
	WhereOr   Filters
	GroupBy   []string
	Debug     DebugOptions
}

// ExistsOptions configures Exists.
type ExistsOptions struct {
	What    Projection
	Where   Filters
	WhereOr Filters
	Debug   DebugOptions
}

// sortedColumns returns the column names of a value map in a stable order,
// so that emitted SQL and bound values line up within one compilation pass.
func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// applyMapValues rewrites the comparable values of a value map through the
// substitution table. Slices, maps and other non-comparable values are kept
// as-is since they cannot be lookup keys.
func applyMapValues(values map[string]any, mapValues map[any]any) map[string]any {
	if len(mapValues) == 0 {
		return values
	}
	out := make(map[string]any, len(values))
	for c, v := range values {
		if v != nil && reflect.TypeOf(v).Comparable() {
			if mapped, ok := mapValues[v]; ok {
				v = mapped
			}
		}
		out[c] = v
	}
	return out
}

// isEmptyValue reports whether a primary-key value counts as absent for the
// purpose of stripping it from an upsert value map.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}

// joinKind pairs a join list with its SQL keyword.
type joinKind struct {
	elems []Join
	kind  string
}

// buildJoins renders the join clauses of a select, resolving the join
// column through the metadata resolver when only a table name is given.
func buildJoins(ctx context.Context, r TableResolver, b *strings.Builder, kinds []joinKind) error {
	for _, jk := range kinds {
		for _, j := range jk.elems {
			name, _, _ := strings.Cut(j.Table, " ")
			if !isValidIdentifier(name) {
				return NewUnsupportedOptionError("select", "join", j.Table)
			}
			field := j.Field
			if field == "" {
				info, err := r.TableInfo(ctx, name)
				if err != nil {
					return err
				}
				field = info.PKey
			}
			fmt.Fprintf(b, " %s join %s using (%s)", jk.kind, j.Table, field)
		}
	}
	return nil
}

// buildSelect assembles a select statement with %s tokens; the caller
// finishes it with finishStatement.
func buildSelect(ctx context.Context, r TableResolver, table string, o SelectOptions) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "select %s from %s", o.What.render(), table)
	kinds := []joinKind{
		{append(append([]Join{}, o.Join...), o.InnerJoin...), "inner"},
		{o.LeftJoin, "left"},
		{o.RightJoin, "right"},
	}
	if err := buildJoins(ctx, r, &b, kinds); err != nil {
		return "", nil, err
	}
	b.WriteString(" where true")
	var params []any
	if len(o.Where) > 0 {
		clause, ps, err := joinFilters(o.Where, "and")
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" and " + clause)
		params = append(params, ps...)
	}
	if len(o.WhereOr) > 0 {
		clause, ps, err := joinFilters(o.WhereOr, "or")
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" and (" + clause + ")")
		params = append(params, ps...)
	}
	if len(o.GroupBy) > 0 {
		b.WriteString(" group by " + strings.Join(o.GroupBy, ", "))
	}
	if len(o.OrderBy) > 0 {
		b.WriteString(" order by " + strings.Join(o.OrderBy, ", "))
	}
	if o.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", o.Limit)
	}
	if o.Offset > 0 {
		fmt.Fprintf(&b, " offset %d", o.Offset)
	}
	return b.String(), params, nil
}

// buildInsert assembles an insert statement. An empty value map produces the
// default-values form; either way the inserted row comes back through a
// returning clause.
func buildInsert(table string, values map[string]any) (string, []any) {
	if len(values) == 0 {
		return fmt.Sprintf("insert into %s default values returning *", table), nil
	}
	cols := sortedColumns(values)
	params := make([]any, len(cols))
	phs := make([]string, len(cols))
	for i, c := range cols {
		params[i] = values[c]
		phs[i] = "%s"
	}
	text := fmt.Sprintf(
		"insert into %s (%s) values (%s) returning *",
		table, strings.Join(cols, ", "), strings.Join(phs, ", "),
	)
	return text, params
}

// buildUpdate assembles an update statement. Parameter order is values,
// then AND-clause params, then OR-clause params. The parenthesized
// multi-column set form is required by Postgres 10+ only when more than one
// column is assigned.
func buildUpdate(table string, values map[string]any, where, whereOr Filters) (string, []any, error) {
	cols := sortedColumns(values)
	params := make([]any, len(cols))
	phs := make([]string, len(cols))
	for i, c := range cols {
		params[i] = values[c]
		phs[i] = "%s"
	}
	var b strings.Builder
	if len(cols) > 1 {
		fmt.Fprintf(&b, "update %s set (%s) = (%s)", table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	} else {
		fmt.Fprintf(&b, "update %s set %s = %s", table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	}
	if len(where) > 0 {
		clause, ps, err := joinFilters(where, "and")
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" where " + clause)
		params = append(params, ps...)
	}
	if len(whereOr) > 0 {
		clause, ps, err := joinFilters(whereOr, "or")
		if err != nil {
			return "", nil, err
		}
		if len(where) > 0 {
			b.WriteString(" and (" + clause + ")")
		} else {
			b.WriteString(" where " + clause)
		}
		params = append(params, ps...)
	}
	b.WriteString(" returning *")
	return b.String(), params, nil
}

// buildUpsertNative assembles the native insert-on-conflict form. The
// primary-key column carries the conflict target and is left out of the
// excluded-column update list.
func buildUpsertNative(table, pkey string, values map[string]any) (string, []any) {
	cols := sortedColumns(values)
	params := make([]any, len(cols))
	phs := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		params[i] = values[c]
		phs[i] = "%s"
		if c != pkey {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if len(updates) == 0 {
		// Only the conflict column was given; a self-assignment keeps the
		// returning clause producing the existing row.
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", pkey, pkey))
	}
	text := fmt.Sprintf(
		"insert into %s (%s) values (%s) on conflict (%s) do update set %s returning *",
		table, strings.Join(cols, ", "), strings.Join(phs, ", "), pkey, strings.Join(updates, ", "),
	)
	return text, params
}

// buildDelete assembles a delete statement.
func buildDelete(table string, where, whereOr Filters) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "delete from %s", table)
	var params []any
	if len(where) > 0 {
		clause, ps, err := joinFilters(where, "and")
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" where " + clause)
		params = append(params, ps...)
	}
	if len(whereOr) > 0 {
		clause, ps, err := joinFilters(whereOr, "or")
		if err != nil {
			return "", nil, err
		}
		if len(where) > 0 {
			b.WriteString(" and (" + clause + ")")
		} else {
			b.WriteString(" where " + clause)
		}
		params = append(params, ps...)
	}
	return b.String(), params, nil
}
