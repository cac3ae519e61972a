package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	a, b, dest := uuid.New(), uuid.New(), uuid.New()

	target, err := parseTarget(a.String()+", "+b.String()+",", dest.String())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, target.RequestIDs)
	assert.Equal(t, dest, target.DestinationItemID)

	_, err = parseTarget(a.String(), dest.String())
	assert.Error(t, err)

	_, err = parseTarget(a.String()+",nope", dest.String())
	assert.Error(t, err)

	_, err = parseTarget(a.String()+","+b.String(), "")
	assert.Error(t, err)
}
