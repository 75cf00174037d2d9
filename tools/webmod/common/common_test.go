package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNonPackageSpecifier(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		// True: subpath imports
		{"#util", true},
		{"#internal/helper", true},

		// True: protocol URLs
		{"data:text/javascript,export default 42", true},
		{"https://cdn.example.com/lib.js", true},
		{"http://example.com/lib.js", true},
		{"file:///path.js", true},
		{"node:fs", true},

		// True: virtual modules
		{"\x00plugin:virtual", true},

		// False: real npm packages
		{"react", false},
		{"@scope/pkg", false},
		{"lodash", false},
		{"data-utils", false},
		{"https-proxy-agent", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsNonPackageSpecifier(tt.path), "IsNonPackageSpecifier(%q)", tt.path)
	}
}

func TestIsNodeBuiltin(t *testing.T) {
	assert.True(t, IsNodeBuiltin("fs"))
	assert.True(t, IsNodeBuiltin("node:fs/promises"))
	assert.True(t, IsNodeBuiltin("stream/web"))
	assert.False(t, IsNodeBuiltin("react"))
	assert.False(t, IsNodeBuiltin("fs-extra"))
}

func TestParseDefines(t *testing.T) {
	got := ParseDefines([]string{"DEBUG=true", " API = \"x\" ", "broken"})
	assert.Equal(t, map[string]string{"DEBUG": "true", "API": `"x"`}, got)
}

func TestMergeEnvDefines_KeepsExplicit(t *testing.T) {
	define := map[string]string{"process.env.NODE_ENV": `"test"`}
	MergeEnvDefines(define, "development")
	assert.Equal(t, `"test"`, define["process.env.NODE_ENV"])
	assert.Equal(t, `"development"`, define["import.meta.env.MODE"])
	assert.Equal(t, "true", define["import.meta.env.DEV"])
}

func TestNodeBuiltinEmptyPlugin(t *testing.T) {
	tmp := t.TempDir()
	entry := filepath.Join(tmp, "entry.js")
	require.NoError(t, os.WriteFile(entry, []byte(
		`import fs from "node:fs/promises";`+"\n"+
			`import path from "path";`+"\n"+
			`console.log(fs, path);`+"\n",
	), 0o644))

	result := api.Build(api.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Platform:    api.PlatformBrowser,
		Format:      api.FormatESModule,
		LogLevel:    api.LogLevelSilent,
		Plugins:     []api.Plugin{NodeBuiltinEmptyPlugin(nil)},
	})
	require.Empty(t, result.Errors, strings.Join(BuildMessages(result.Errors), "; "))
	require.Len(t, result.OutputFiles, 1)

	output := string(result.OutputFiles[0].Contents)
	assert.NotContains(t, output, `from "node:fs/promises"`)
	assert.NotContains(t, output, `from "path"`)
}

func TestNodeBuiltinEmptyPlugin_SkipsInstalledPolyfills(t *testing.T) {
	tmp := t.TempDir()
	entry := filepath.Join(tmp, "entry.js")
	require.NoError(t, os.WriteFile(entry, []byte(`import "events";`+"\n"), 0o644))

	result := api.Build(api.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Platform:    api.PlatformBrowser,
		Format:      api.FormatESModule,
		LogLevel:    api.LogLevelSilent,
		External:    []string{"events"},
		Plugins: []api.Plugin{NodeBuiltinEmptyPlugin(func(name string) bool {
			return name == "events"
		})},
	})
	require.Empty(t, result.Errors)
	require.Len(t, result.OutputFiles, 1)
	assert.Contains(t, string(result.OutputFiles[0].Contents), `"events"`)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(base, []byte("APP_URL=https://a\nSECRET=x\n"), 0o644))
	require.NoError(t, os.WriteFile(base+".development", []byte("APP_URL=\"https://b\"\n"), 0o644))

	got, err := LoadEnvFiles(base, "development", "APP_")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"import.meta.env.APP_URL": `"https://b"`}, got)
}
