package littlepger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubResolver serves table metadata without a database.
type stubResolver map[string]TableInfo

func (r stubResolver) TableInfo(_ context.Context, table string) (TableInfo, error) {
	return r[table], nil
}

func (r stubResolver) SequenceName(_ context.Context, table string) (string, error) {
	return table + "_" + r[table].PKey + "_seq", nil
}

var testResolver = stubResolver{
	"person": {PKey: "person_id", Columns: []string{"person_id", "name", "age"}},
	"pet":    {PKey: "pet_id", Columns: []string{"pet_id", "person_id", "kind"}},
}

func TestFinishStatement(t *testing.T) {
	t.Run("numbering", func(t *testing.T) {
		cs, err := finishStatement("a = %s and b < %s", []any{1, 2})
		require.NoError(t, err)
		assert.Equal(t, "a = $1 and b < $2", cs.Text)
		assert.Equal(t, []any{1, 2}, cs.Args)
	})

	t.Run("in_list_expansion", func(t *testing.T) {
		cs, err := finishStatement("age in %s and name = %s", []any{AnyOf(18, 19, 20), "bob"})
		require.NoError(t, err)
		assert.Equal(t, "age in ($1, $2, $3) and name = $4", cs.Text)
		assert.Equal(t, []any{18, 19, 20, "bob"}, cs.Args)
	})

	t.Run("too_few_params", func(t *testing.T) {
		_, err := finishStatement("a = %s and b = %s", []any{1})
		assert.Error(t, err)
	})

	t.Run("too_many_params", func(t *testing.T) {
		_, err := finishStatement("a = %s", []any{1, 2})
		assert.Error(t, err)
	})
}

func TestInterpolate(t *testing.T) {
	cs := &CompiledStatement{
		Text: "select * from t where a = $1 and b = $2 and c = $3 and d = $4",
		Args: []any{"it's", nil, true, 7},
	}
	assert.Equal(t,
		"select * from t where a = 'it''s' and b = null and c = true and d = 7",
		cs.interpolate(),
	)
}

func TestProjectionRender(t *testing.T) {
	assert.Equal(t, "*", Projection{}.render())
	assert.Equal(t, "color", Proj("color").render())
	assert.Equal(t, "color, name", Proj("color", "name").render())
	assert.Equal(t, "max(price)", Proj("max(price)").render())
	assert.Equal(t,
		"*, price is null as is_price_valid",
		Proj("*").As("price is null", "is_price_valid").render(),
	)
}

func TestBuildSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		text, params, err := buildSelect(ctx, testResolver, "person", SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "select * from person where true", text)
		assert.Empty(t, params)
	})

	t.Run("full_options", func(t *testing.T) {
		text, params, err := buildSelect(ctx, testResolver, "person", SelectOptions{
			What:    Proj("age", "count(*)"),
			Where:   Filters{{Column("name"), "bob"}},
			WhereOr: Filters{{Column("age"), 1}, {Column("age"), 2}},
			GroupBy: []string{"age"},
			OrderBy: []string{"age desc"},
			Limit:   10,
			Offset:  20,
		})
		require.NoError(t, err)
		assert.Equal(t,
			"select age, count(*) from person where true and name = %s"+
				" and (age = %s or age = %s) group by age order by age desc limit 10 offset 20",
			text,
		)
		assert.Equal(t, []any{"bob", 1, 2}, params)
	})

	t.Run("join_resolves_pkey", func(t *testing.T) {
		text, _, err := buildSelect(ctx, testResolver, "person", SelectOptions{
			Join: []Join{{Table: "pet"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "select * from person inner join pet using (pet_id) where true", text)
	})

	t.Run("join_with_field_and_alias", func(t *testing.T) {
		text, _, err := buildSelect(ctx, testResolver, "person", SelectOptions{
			LeftJoin:  []Join{{Table: "pet p", Field: "person_id"}},
			RightJoin: []Join{{Table: "pet"}},
		})
		require.NoError(t, err)
		assert.Equal(t,
			"select * from person left join pet p using (person_id)"+
				" right join pet using (pet_id) where true",
			text,
		)
	})

	t.Run("invalid_join_table", func(t *testing.T) {
		_, _, err := buildSelect(ctx, testResolver, "person", SelectOptions{
			Join: []Join{{Table: "pet; drop table person"}},
		})
		assert.True(t, IsUnsupportedOption(err))
	})
}

func TestBuildInsert(t *testing.T) {
	t.Run("default_values", func(t *testing.T) {
		text, params := buildInsert("person", nil)
		assert.Equal(t, "insert into person default values returning *", text)
		assert.Empty(t, params)
	})

	t.Run("values_in_stable_order", func(t *testing.T) {
		text, params := buildInsert("person", map[string]any{"name": "bob", "age": 30})
		assert.Equal(t, "insert into person (age, name) values (%s, %s) returning *", text)
		assert.Equal(t, []any{30, "bob"}, params)
	})
}

func TestBuildUpdate(t *testing.T) {
	t.Run("single_column", func(t *testing.T) {
		text, params, err := buildUpdate("person", map[string]any{"name": "bob"}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "update person set name = %s returning *", text)
		assert.Equal(t, []any{"bob"}, params)
	})

	t.Run("multi_column_parenthesized", func(t *testing.T) {
		text, params, err := buildUpdate("person", map[string]any{"name": "bob", "age": 30}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "update person set (age, name) = (%s, %s) returning *", text)
		assert.Equal(t, []any{30, "bob"}, params)
	})

	t.Run("values_then_and_then_or_params", func(t *testing.T) {
		text, params, err := buildUpdate("person",
			map[string]any{"name": "bob"},
			Filters{{Column("person_id"), 1}},
			Filters{{Column("age"), 2}, {Column("age"), 3}},
		)
		require.NoError(t, err)
		assert.Equal(t,
			"update person set name = %s where person_id = %s and (age = %s or age = %s) returning *",
			text,
		)
		assert.Equal(t, []any{"bob", 1, 2, 3}, params)
	})

	t.Run("or_clause_alone", func(t *testing.T) {
		text, _, err := buildUpdate("person",
			map[string]any{"name": "bob"},
			nil,
			Filters{{Column("age"), 2}, {Column("age"), 3}},
		)
		require.NoError(t, err)
		assert.Equal(t, "update person set name = %s where age = %s or age = %s returning *", text)
	})
}

func TestBuildUpsertNative(t *testing.T) {
	t.Run("pkey_excluded_from_update_list", func(t *testing.T) {
		text, params := buildUpsertNative("person", "person_id",
			map[string]any{"person_id": 5, "name": "bob"})
		assert.Equal(t,
			"insert into person (name, person_id) values (%s, %s)"+
				" on conflict (person_id) do update set name = excluded.name returning *",
			text,
		)
		assert.Equal(t, []any{"bob", 5}, params)
	})

	t.Run("pkey_only_self_assignment", func(t *testing.T) {
		text, _ := buildUpsertNative("person", "person_id", map[string]any{"person_id": 5})
		assert.Equal(t,
			"insert into person (person_id) values (%s)"+
				" on conflict (person_id) do update set person_id = excluded.person_id returning *",
			text,
		)
	})
}

func TestBuildDelete(t *testing.T) {
	t.Run("unfiltered", func(t *testing.T) {
		text, params, err := buildDelete("person", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "delete from person", text)
		assert.Empty(t, params)
	})

	t.Run("where_and_or", func(t *testing.T) {
		text, params, err := buildDelete("person",
			Filters{{Column("person_id"), 5}},
			Filters{{Column("age"), 1}, {Column("age"), 2}},
		)
		require.NoError(t, err)
		assert.Equal(t, "delete from person where person_id = %s and (age = %s or age = %s)", text)
		assert.Equal(t, []any{5, 1, 2}, params)
	})
}

func TestApplyMapValues(t *testing.T) {
	values := map[string]any{
		"name":  "",
		"age":   30,
		"blob":  []byte("raw"),
		"empty": nil,
	}
	out := applyMapValues(values, map[any]any{"": nil, 30: 31})
	assert.Equal(t, map[string]any{
		"name":  nil,
		"age":   31,
		"blob":  []byte("raw"), // non-comparable values pass through
		"empty": nil,
	}, out)
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, isEmptyValue(nil))
	assert.True(t, isEmptyValue(""))
	assert.True(t, isEmptyValue(0))
	assert.False(t, isEmptyValue(5))
	assert.False(t, isEmptyValue("x"))
}
