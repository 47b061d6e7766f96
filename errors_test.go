package littlepger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cjauvin/little-pger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsupportedOptionError(t *testing.T) {
	err := littlepger.NewUnsupportedOptionError("select", "rows", "some")
	assert.EqualError(t, err, "littlepger: select: unsupported rows option: some")
	assert.ErrorIs(t, err, littlepger.ErrUnsupportedOption)
	assert.True(t, littlepger.IsUnsupportedOption(err))
	assert.True(t, littlepger.IsUnsupportedOption(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, littlepger.IsUnsupportedOption(errors.New("other")))
	assert.False(t, littlepger.IsUnsupportedOption(nil))
}

func TestInvalidFilterError(t *testing.T) {
	err := littlepger.NewInvalidFilterError("exists", "value must be a subquery string")
	assert.EqualError(t, err, `littlepger: invalid filter "exists": value must be a subquery string`)
	assert.ErrorIs(t, err, littlepger.ErrInvalidFilter)
	assert.True(t, littlepger.IsInvalidFilter(fmt.Errorf("wrapped: %w", err)))

	err = littlepger.NewInvalidFilterError("", "empty membership list")
	assert.EqualError(t, err, "littlepger: invalid filter: empty membership list")
}

func TestTooManyRowsError(t *testing.T) {
	err := &littlepger.TooManyRowsError{Table: "person", Count: 3}
	assert.EqualError(t, err, "littlepger: query on person returned 3 rows, expected at most one")
	assert.ErrorIs(t, err, littlepger.ErrTooManyRows)
	assert.True(t, littlepger.IsTooManyRows(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, littlepger.IsTooManyRows(littlepger.ErrInvalidFilter))
}

func TestDebugError(t *testing.T) {
	err := &littlepger.DebugError{Statement: "select * from person where true"}
	assert.EqualError(t, err, "littlepger: debug: select * from person where true")
	assert.True(t, littlepger.IsDebug(err))
	assert.True(t, littlepger.IsDebug(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, littlepger.IsDebug(nil))

	var de *littlepger.DebugError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &de)
	assert.Equal(t, "select * from person where true", de.Statement)
}
