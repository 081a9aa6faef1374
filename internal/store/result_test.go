package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	n   int64
	err error
}

func (r result) LastInsertId() (int64, error) { return 0, errors.New("not supported") }
func (r result) RowsAffected() (int64, error) { return r.n, r.err }

func TestUpdatedOne(t *testing.T) {
	require.NoError(t, updatedOne(result{n: 1}))
	require.ErrorIs(t, updatedOne(result{n: 0}), ErrConflict)

	driverErr := errors.New("rows affected not supported")
	err := updatedOne(result{err: driverErr})
	var unavailableErr *UnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Equal(t, "update", unavailableErr.Op)
	assert.ErrorIs(t, err, driverErr)
	assert.NotErrorIs(t, err, ErrConflict)
}
