package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root, "")
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, filepath.Join(root, "web_modules"), cfg.OutDir)
	assert.Equal(t, "/web_modules", cfg.URLPrefix)
	assert.Equal(t, filepath.Join(root, "web_modules", "import-map.json"), cfg.ImportMapPath())
	assert.Equal(t, filepath.Join(root, "import-map.json"), cfg.ImportMap)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "development", cfg.Mode)
	assert.Empty(t, cfg.File)
	assert.Empty(t, cfg.Squash)
	assert.Equal(t, []string{"browser", "module", "main"}, cfg.Bundler.MainFields)
}

func TestLoad_FileAndEnv(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "webmod.config.yaml"), `
out_dir: public/deps
url_prefix: deps/
squash: [tslib]
port: 3000
bundler:
  define: ["__VERSION__=\"1.0\""]
  target: es2020
  minify: true
`)
	t.Setenv("WEBMOD_PORT", "4000")

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "webmod.config.yaml"), cfg.File)
	assert.Equal(t, filepath.Join(root, "public", "deps"), cfg.OutDir)
	assert.Equal(t, "/deps", cfg.URLPrefix)
	assert.Equal(t, []string{"tslib"}, cfg.Squash)
	assert.Equal(t, 4000, cfg.Port)

	bc, err := cfg.BundlerConfig()
	require.NoError(t, err)
	assert.Equal(t, api.ES2020, bc.Target)
	assert.True(t, bc.Minify)
	assert.Equal(t, `"1.0"`, bc.Define["__VERSION__"])
	assert.Equal(t, `"development"`, bc.Define["process.env.NODE_ENV"])

	roots := cfg.Roots()
	assert.Equal(t, "/deps", roots.URLPrefix)
	assert.Equal(t, cfg.OutDir, roots.OutDir)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := Load(t.TempDir(), "/nonexistent/webmod.yaml")
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "webmod.config.json"), `{"extensions": ["js"]}`)
	_, err := Load(root, "")
	assert.ErrorContains(t, err, "must start with a dot")

	write(t, filepath.Join(root, "webmod.config.json"), `{"url_prefix": "/"}`)
	_, err = Load(root, "")
	assert.ErrorContains(t, err, "site root")
}

func TestDefines_EnvFiles(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, ".env"), "WEBMOD_PUBLIC_API=https://api.test\nSECRET=x\n")
	write(t, filepath.Join(root, ".env.production"), "WEBMOD_PUBLIC_API=https://api.prod\n")
	t.Setenv("WEBMOD_MODE", "production")

	cfg, err := Load(root, "")
	require.NoError(t, err)
	define, err := cfg.Defines()
	require.NoError(t, err)
	assert.Equal(t, `"https://api.prod"`, define["import.meta.env.WEBMOD_PUBLIC_API"])
	assert.NotContains(t, define, "import.meta.env.SECRET")
	assert.Equal(t, "false", define["import.meta.env.DEV"])
}

func TestOverrides(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root, "")
	require.NoError(t, err)
	overrides, err := cfg.Overrides()
	require.NoError(t, err)
	assert.Empty(t, overrides)

	write(t, filepath.Join(root, "import-map.json"), `{"imports":{"react":"/vendor/react.js"}}`)
	overrides, err = cfg.Overrides()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"react": "/vendor/react.js"}, overrides)
}
