package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileCategories(t *testing.T) {
	set, err := compileCategories(DefaultCategories())
	require.NoError(t, err)
	assert.Equal(t, []string{CategoryCompletion, CategoryDocument, CategorySchema, CategoryValidation}, set.names())

	match, ok := set.matcher(CategoryValidation)
	require.True(t, ok)
	assert.True(t, match("diagnostics:file:///a.yaml"))
	assert.False(t, match("schema:k8s"))

	_, ok = set.matcher("unknown")
	assert.False(t, ok)

	_, err = compileCategories(map[string][]string{"broken": {"("}})
	assert.Error(t, err)
}
