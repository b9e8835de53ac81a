package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".sshmux.toml"), nil, 0o644))

	assert.Equal(t, filepath.Join(root, "a", ".sshmux.toml"), FindUp(".sshmux.toml", deep))
	assert.Equal(t, "", FindUp(".sshmux-missing.toml", deep))
}
