package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRunSlug(t *testing.T) {
	slug, err := SanitizeRunSlug("  Run-A ")
	require.NoError(t, err)
	assert.Equal(t, "run_a", slug)

	_, err = SanitizeRunSlug("bad slug!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run slug 'bad slug!'")

	_, err = SanitizeRunSlug("")
	require.Error(t, err)
}

func TestValidRarity(t *testing.T) {
	assert.False(t, ValidRarity(0))
	assert.True(t, ValidRarity(1))
	assert.True(t, ValidRarity(5))
	assert.False(t, ValidRarity(6))
}
