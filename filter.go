package littlepger

import (
	"fmt"
	"strings"
)

// FilterKey identifies the left-hand side of a WHERE condition. The zero
// value is not usable; build keys with Column, ColumnOp or ColumnOpFunc.
type FilterKey struct {
	column string
	op     string
	fn     string
	exists bool
}

// Column returns a key that compares the named column with the default
// operator: "=" for scalar values, "in" for AnyOf values.
func Column(name string) FilterKey {
	return FilterKey{column: name}
}

// ColumnOp returns a key that compares the named column with an explicit
// operator, e.g. ColumnOp("price", ">").
func ColumnOp(name, op string) FilterKey {
	return FilterKey{column: name, op: op}
}

// ColumnOpFunc returns a key that applies a SQL function to both the column
// and the bound value before comparing them:
//
//	ColumnOpFunc("price", ">", "abs")  =>  abs(price) > abs($1)
func ColumnOpFunc(name, op, fn string) FilterKey {
	return FilterKey{column: name, op: op, fn: fn}
}

// KeyExists is the reserved key whose value must be a raw subquery body; it
// compiles to "exists (<subquery>)" with no bound parameter and bypasses the
// normal operator rules entirely.
var KeyExists = FilterKey{exists: true}

// String returns the column name, or "exists" for the reserved key.
func (k FilterKey) String() string {
	if k.exists {
		return "exists"
	}
	return k.column
}

// InList marks a value as a membership test: the condition compiles to
// "<column> in %s" and counts as a single logical parameter, expanded to one
// placeholder per element when the statement is finalized.
type InList []any

// AnyOf builds a membership (IN) filter value.
func AnyOf(vs ...any) InList { return vs }

// CondSet marks a value as a conjunction of independent sub-conditions on
// the same key: each member is compiled on its own and the fragments are
// AND-joined inside one parenthesized group. Members may be scalars or
// AnyOf lists; nesting another CondSet is invalid.
type CondSet []any

// AllOf builds a multi-condition filter value, e.g. both a lower and an
// upper bound on one column:
//
//	Cond{ColumnOp("price", ">"), AllOf(10, 20)}  =>  (price > $1 and price > $2)
func AllOf(vs ...any) CondSet { return vs }

// Cond is one filter entry: a key and the value it is compared against.
type Cond struct {
	Key   FilterKey
	Value any
}

// Exists builds a raw subquery existence condition.
func Exists(subquery string) Cond {
	return Cond{Key: KeyExists, Value: subquery}
}

// Filters is an ordered sequence of conditions. Order is preserved all the
// way to the emitted SQL so that placeholders and bound values always line
// up positionally.
type Filters []Cond

// compileComp compiles a single comparison (rules 2-5) and returns the
// fragment with one %s token plus its single logical parameter.
func compileComp(k FilterKey, v any) (string, any, error) {
	switch {
	case k.fn != "":
		return fmt.Sprintf("%s(%s) %s %s(%%s)", k.fn, k.column, k.op, k.fn), v, nil
	case k.op != "":
		return fmt.Sprintf("%s %s %%s", k.column, k.op), v, nil
	}
	if in, ok := v.(InList); ok {
		if len(in) == 0 {
			return "", nil, NewInvalidFilterError(k.column, "empty membership list")
		}
		return k.column + " in %s", v, nil
	}
	return k.column + " = %s", v, nil
}

// compileCond compiles one filter entry into a boolean fragment and its
// ordered parameters.
func compileCond(c Cond) (string, []any, error) {
	k, v := c.Key, c.Value
	if k.exists {
		sub, ok := v.(string)
		if !ok {
			return "", nil, NewInvalidFilterError("exists", fmt.Sprintf("value must be a raw SQL string, got %T", v))
		}
		return "exists (" + sub + ")", nil, nil
	}
	if k.column == "" {
		return "", nil, NewInvalidFilterError("", "empty column name")
	}
	if set, ok := v.(CondSet); ok {
		if len(set) == 0 {
			return "", nil, NewInvalidFilterError(k.column, "empty condition set")
		}
		frags := make([]string, 0, len(set))
		params := make([]any, 0, len(set))
		for _, member := range set {
			if _, nested := member.(CondSet); nested {
				return "", nil, NewInvalidFilterError(k.column, "nested condition set")
			}
			frag, p, err := compileComp(k, member)
			if err != nil {
				return "", nil, err
			}
			frags = append(frags, frag)
			params = append(params, p)
		}
		return "(" + strings.Join(frags, " and ") + ")", params, nil
	}
	frag, p, err := compileComp(k, v)
	if err != nil {
		return "", nil, err
	}
	return frag, []any{p}, nil
}

// joinFilters assembles an ordered condition list into one boolean
// expression joined by conj ("and" or "or") and the matching parameter
// list. Entries are never reordered relative to their input position.
func joinFilters(fs Filters, conj string) (string, []any, error) {
	frags := make([]string, 0, len(fs))
	var params []any
	for _, c := range fs {
		frag, ps, err := compileCond(c)
		if err != nil {
			return "", nil, err
		}
		frags = append(frags, frag)
		params = append(params, ps...)
	}
	return strings.Join(frags, " "+conj+" "), params, nil
}
