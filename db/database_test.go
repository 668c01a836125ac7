package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUniqueName(t *testing.T) {
	name, err := GenerateUniqueName("test_")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "test_"))
	assert.Len(t, name, len("test_")+16)
	assert.Equal(t, strings.ToLower(name), name)
}

func TestGenerateUniqueNameUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name, err := GenerateUniqueName("db_")
		require.NoError(t, err)
		assert.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
}

func TestGenerateUniqueNameTruncated(t *testing.T) {
	prefix := strings.Repeat("x", 80)
	name, err := GenerateUniqueName(prefix)
	require.NoError(t, err)
	assert.Len(t, name, 63)
}

func TestGenerateUniqueNameSanitized(t *testing.T) {
	name, err := GenerateUniqueName("My-Prefix-")
	require.NoError(t, err)
	assert.NotContains(t, name, "-")
	assert.Equal(t, strings.ToLower(name), name)
}
