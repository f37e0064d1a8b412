package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("a-to-b")
	require.NoError(t, err)
	assert.Equal(t, SystemA, d.Source())
	assert.Equal(t, SystemB, d.Target())

	d, err = ParseDirection("b-to-a")
	require.NoError(t, err)
	assert.Equal(t, SystemB, d.Source())
	assert.Equal(t, SystemA, d.Target())

	_, err = ParseDirection("a-to-a")
	assert.Error(t, err)
	_, err = ParseDirection("")
	assert.Error(t, err)
}

func TestParseSystem(t *testing.T) {
	for _, tag := range []string{"a", "b"} {
		sys, err := ParseSystem(tag)
		require.NoError(t, err)
		assert.Equal(t, System(tag), sys)
	}
	_, err := ParseSystem("c")
	assert.Error(t, err)
}

func TestSystemOther(t *testing.T) {
	assert.Equal(t, SystemB, SystemA.Other())
	assert.Equal(t, SystemA, SystemB.Other())
}

func TestJobTriple(t *testing.T) {
	job := SyncJob{EntityID: "rec-1", SourceSystem: SystemA, TargetSystem: SystemB}
	triple := job.Triple()
	assert.Equal(t, "rec-1", triple.EntityID)
	assert.Equal(t, "rec-1/a->b", triple.String())
}
