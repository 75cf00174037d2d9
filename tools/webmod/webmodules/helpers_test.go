package webmodules

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

// writeTree creates files under root from a slash-separated path to content map.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func testStore(root string) *ImportMap {
	return NewImportMap(filepath.Join(root, "web_modules", "import-map.json"), StoreRoots{
		URLPrefix: "/web_modules",
		OutDir:    filepath.Join(root, "web_modules"),
		Root:      root,
	}, quietLogger())
}
