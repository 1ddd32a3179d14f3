package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImagesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.JPG", "a.png", "notes.txt", "b.tiff", "d.heic"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	files, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.tiff"),
		filepath.Join(dir, "c.JPG"),
		filepath.Join(dir, "d.heic"),
	}, files)
}

func TestNeedsMagick(t *testing.T) {
	assert.True(t, NeedsMagick("x.HEIC"))
	assert.False(t, NeedsMagick("x.jpg"))
}
