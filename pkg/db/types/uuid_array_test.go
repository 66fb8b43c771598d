package dbtypes

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDArrayRoundTrip(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	arr := UUIDArray{a, b}

	raw, err := arr.Value()
	require.NoError(t, err)

	var scanned UUIDArray
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, arr, scanned)
	assert.True(t, scanned.Contains(b))
	assert.False(t, scanned.Contains(uuid.New()))
}

func TestUUIDArrayEmptyAndQuoted(t *testing.T) {
	var arr UUIDArray
	require.NoError(t, arr.Scan(nil))
	assert.Empty(t, arr)

	id := uuid.New()
	require.NoError(t, arr.Scan([]byte(`{"`+id.String()+`"}`)))
	assert.Equal(t, UUIDArray{id}, arr)

	assert.Error(t, arr.Scan("{not-a-uuid}"))
}
