package webmodules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCounter wraps api.Build and counts builds per output file.
type buildCounter struct {
	outDir string
	mu     sync.Mutex
	calls  map[string]int
}

func (c *buildCounter) build(opts api.BuildOptions) api.BuildResult {
	rel, _ := filepath.Rel(c.outDir, opts.Outfile)
	c.mu.Lock()
	c.calls[filepath.ToSlash(rel)]++
	c.mu.Unlock()
	return api.Build(opts)
}

func (c *buildCounter) count(out string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[out]
}

func newTestBundler(t *testing.T, root string, squash ...string) (*Bundler, *buildCounter) {
	t.Helper()
	store := testStore(root)
	require.NoError(t, store.Load(nil))
	counter := &buildCounter{outDir: filepath.Join(root, "web_modules"), calls: map[string]int{}}
	b, err := New(Config{Root: root, Squash: squash}, store,
		WithLogger(quietLogger()),
		WithBuildFunc(counter.build),
	)
	require.NoError(t, err)
	return b, counter
}

func readOutput(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "web_modules", filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// sharedWorkspace has two direct dependencies that both import shared.
var sharedWorkspace = map[string]string{
	"package.json":                     `{"name":"app","dependencies":{"a":"1","b":"1"}}`,
	"node_modules/shared/package.json": `{"name":"shared","type":"module","main":"index.js"}`,
	"node_modules/shared/index.js":     "export const counter = { value: 0 };\n",
	"node_modules/a/package.json":      `{"name":"a","type":"module","main":"index.js","dependencies":{"shared":"1"}}`,
	"node_modules/a/index.js":          "import { counter } from \"shared\";\nexport const a = () => counter.value++;\n",
	"node_modules/b/package.json":      `{"name":"b","type":"module","main":"index.js","dependencies":{"shared":"1"}}`,
	"node_modules/b/index.js":          "import { counter } from \"shared\";\nexport const b = () => counter.value--;\n",
}

func TestResolve_SharedDependencyIsBundledSeparately(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, sharedWorkspace)
	b, counter := newTestBundler(t, root)
	assert.Equal(t, []string{"a", "b", "shared"}, b.EntryModules().Names())

	url, err := b.Resolve(context.Background(), "a", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/a.js", url)

	out := readOutput(t, root, "a.js")
	assert.Contains(t, out, `"/web_modules/shared.js"`)
	assert.NotContains(t, out, "value: 0")

	shared, ok := b.Store().Get("shared")
	require.True(t, ok)
	assert.Equal(t, "/web_modules/shared.js", shared)
	assert.Contains(t, readOutput(t, root, "shared.js"), "value: 0")
	assert.Equal(t, 1, counter.count("shared.js"))

	prefix, ok := b.Store().Get("a/")
	require.True(t, ok)
	assert.Equal(t, "/node_modules/a/", prefix)
}

func TestBundle_ConcurrentCallersShareOneBuild(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, sharedWorkspace)
	b, counter := newTestBundler(t, root)
	ctx := context.Background()

	var wg sync.WaitGroup
	urls := make([]string, 16)
	for i := range urls {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			url, err := b.Resolve(ctx, "a", root)
			assert.NoError(t, err)
			urls[i] = url
		}()
	}
	wg.Wait()

	for _, url := range urls {
		assert.Equal(t, "/web_modules/a.js", url)
	}
	assert.Equal(t, 1, counter.count("a.js"))
	assert.Equal(t, 1, counter.count("shared.js"))

	// Already in the import map: no more work.
	require.NoError(t, b.Bundle(ctx, "a"))
	require.NoError(t, b.Bundle(ctx, "shared"))
	assert.Equal(t, 1, counter.count("a.js"))
	assert.Equal(t, 1, counter.count("shared.js"))
}

func TestBundle_BuildFailureLeavesImportMapUntouched(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                     `{"dependencies":{"broken":"1"}}`,
		"node_modules/broken/package.json": `{"name":"broken","type":"module","main":"index.js"}`,
		"node_modules/broken/index.js":     "export const = ;\n",
	})
	b, counter := newTestBundler(t, root)
	ctx := context.Background()

	err := b.Bundle(ctx, "broken")
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "broken", buildErr.Specifier)
	assert.NotEmpty(t, buildErr.Messages)

	_, ok := b.Store().Get("broken")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(root, "web_modules", "broken.js"))

	// The failed task is gone, so a retry builds again.
	writeTree(t, root, map[string]string{"node_modules/broken/index.js": "export const fixed = true;\n"})
	require.NoError(t, b.Bundle(ctx, "broken"))
	assert.Equal(t, 2, counter.count("broken.js"))
	url, _ := b.Store().Get("broken")
	assert.Equal(t, "/web_modules/broken.js", url)
}

func TestBundle_CommonJSRequireOfEntryModuleBecomesImport(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                      `{"dependencies":{"legacy":"1","emitter":"1"}}`,
		"node_modules/emitter/package.json": `{"name":"emitter","main":"index.js"}`,
		"node_modules/emitter/index.js": `function Emitter() {}
Emitter.prototype.on = function () {};
Emitter.once = function () {};
module.exports = Emitter;
`,
		"node_modules/legacy/package.json": `{"name":"legacy","main":"index.js","dependencies":{"emitter":"1"}}`,
		"node_modules/legacy/index.js": `var Emitter = require("emitter");
module.exports = function make() { return new Emitter(); };
`,
	})
	b, _ := newTestBundler(t, root)

	url, err := b.Resolve(context.Background(), "legacy", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/legacy.js", url)

	out := readOutput(t, root, "legacy.js")
	assert.Contains(t, out, `import * as __webmod_req_0 from "/web_modules/emitter.js";`)
	assert.Contains(t, out, `__webmod_require("/web_modules/emitter.js")`)
	assert.NotContains(t, out, `__require("`)
	assert.NotContains(t, out, "Emitter.once")

	emitter := readOutput(t, root, "emitter.js")
	assert.Contains(t, emitter, "once")
	assert.Contains(t, emitter, "export {")
}

func TestResolve_PassthroughWhenPackageCannotBeBundled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                      `{"dependencies":{"noentry":"1","missing":"1"}}`,
		"node_modules/noentry/package.json": `{"name":"noentry","main":"gone.js"}`,
	})
	b, counter := newTestBundler(t, root)
	ctx := context.Background()

	url, err := b.Resolve(ctx, "missing", root)
	require.NoError(t, err)
	assert.Equal(t, "/node_modules/missing", url)

	url, err = b.Resolve(ctx, "noentry", root)
	require.NoError(t, err)
	assert.Equal(t, "/node_modules/noentry", url)

	assert.Equal(t, 0, counter.count("noentry.js"))
	url, ok := b.Store().Get("noentry")
	require.True(t, ok)
	assert.Equal(t, "/node_modules/noentry", url)
}

func TestResolve_NonPackageSpecifiersPassThrough(t *testing.T) {
	root := t.TempDir()
	b, _ := newTestBundler(t, root)
	ctx := context.Background()

	for _, spec := range []string{"./local.js", "../up.js", "/abs.js", "https://cdn.example.com/x.js", "data:text/javascript,1"} {
		url, err := b.Resolve(ctx, spec, root)
		require.NoError(t, err)
		assert.Equal(t, spec, url)
	}
	assert.Empty(t, b.Store().Imports())
}

func TestResolve_ModuleMarkerForNonScriptSubPaths(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                     `{"dependencies":{"styled":"1"}}`,
		"node_modules/styled/package.json": `{"name":"styled","main":"index.js"}`,
		"node_modules/styled/index.js":     "module.exports = { theme: \"dark\" };\n",
		"node_modules/styled/style.css":    "body { color: red; }\n",
		"node_modules/styled/extra.js":     "exports.extra = 1;\n",
	})
	b, counter := newTestBundler(t, root)
	ctx := context.Background()

	css, err := b.Resolve(ctx, "styled/style.css", root)
	require.NoError(t, err)
	assert.Equal(t, "/node_modules/styled/style.css?type=module", css)

	js, err := b.Resolve(ctx, "styled/extra.js", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/styled/extra.js", js)
	assert.Equal(t, 1, counter.count("styled/extra.js"))
	assert.Contains(t, readOutput(t, root, "styled/extra.js"), "extra")

	// A restarted server replays the persisted URLs verbatim.
	restarted, counter2 := newTestBundler(t, root)
	again, err := restarted.Resolve(ctx, "styled/style.css", root)
	require.NoError(t, err)
	assert.Equal(t, css, again)
	again, err = restarted.Resolve(ctx, "styled/extra.js", root)
	require.NoError(t, err)
	assert.Equal(t, js, again)
	assert.Equal(t, 0, counter2.count("styled.js"))
}

func TestResolve_DeepImportReusesPackageBundleWhenCovered(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                     `{"dependencies":{"lodash":"1"}}`,
		"node_modules/lodash/package.json": `{"name":"lodash","main":"lodash.js"}`,
		"node_modules/lodash/lodash.js":    "module.exports = require(\"./core.js\");\n",
		"node_modules/lodash/core.js":      "exports.isEqual = require(\"./isEqual.js\");\nexports.map = function (xs, f) { return xs.map(f); };\n",
		"node_modules/lodash/isEqual.js":   "module.exports = function isEqual(a, b) { return a === b; };\n",
		"node_modules/lodash/isArray.js":   "module.exports = Array.isArray;\n",
	})
	b, counter := newTestBundler(t, root)
	ctx := context.Background()

	url, err := b.Resolve(ctx, "lodash", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lodash.js", url)

	for _, name := range []string{"lodash/isEqual", "lodash/map", "lodash/core"} {
		url, ok := b.Store().Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, "/web_modules/lodash.js", url, name)
	}

	url, err = b.Resolve(ctx, "lodash/isEqual", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lodash.js", url)
	assert.NoFileExists(t, filepath.Join(root, "web_modules", "lodash", "isEqual.js"))

	url, err = b.Resolve(ctx, "lodash/core", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lodash.js", url)

	url, err = b.Resolve(ctx, "lodash/isArray.js", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lodash/isArray.js", url)
	assert.FileExists(t, filepath.Join(root, "web_modules", "lodash", "isArray.js"))
	assert.Equal(t, 1, counter.count("lodash.js"))
	assert.Equal(t, 1, counter.count("lodash/isArray.js"))

	// After a restart the export surface is rescanned, not rebuilt.
	restarted, counter2 := newTestBundler(t, root)
	url, err = restarted.Resolve(ctx, "lodash/isEqual.js", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lodash.js", url)
	assert.Equal(t, 0, counter2.count("lodash.js"))
	assert.Equal(t, 0, counter2.count("lodash/isEqual.js"))
}

func TestResolve_SubPathBundleImportsItsOwnPackage(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                    `{"dependencies":{"react":"1","lib":"1"}}`,
		"node_modules/react/package.json": `{"name":"react","main":"index.js"}`,
		"node_modules/react/index.js":     "exports.hooks = { current: \"REACT_SINGLETON\" };\n",
		"node_modules/react/jsx-runtime.js": `var React = require("react");
exports.jsx = function (type) { return [React.hooks, type]; };
`,
		"node_modules/lib/package.json": `{"name":"lib","type":"module","main":"index.js"}`,
		"node_modules/lib/index.js":     "import { read } from \"lib/extra.js\";\nexport const state = { value: 424242 };\nexport const peek = () => read;\n",
		"node_modules/lib/extra.js":     "import { state } from \"lib\";\nexport const read = () => state.value;\n",
	})
	b, counter := newTestBundler(t, root)
	ctx := context.Background()

	url, err := b.Resolve(ctx, "react/jsx-runtime", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/react/jsx-runtime.js", url)
	jsx := readOutput(t, root, "react/jsx-runtime.js")
	assert.NotContains(t, jsx, "REACT_SINGLETON")
	assert.Contains(t, jsx, `from "/web_modules/react.js"`)
	assert.Contains(t, readOutput(t, root, "react.js"), "REACT_SINGLETON")
	assert.Equal(t, 1, counter.count("react.js"))

	// The package bundle inlines its own sub-path, the sub-path bundle
	// imports the package bundle.
	assert.Contains(t, readOutput(t, root, "lib.js"), "424242")
	url, err = b.Resolve(ctx, "lib/extra.js", root)
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lib/extra.js", url)
	extra := readOutput(t, root, "lib/extra.js")
	assert.NotContains(t, extra, "424242")
	assert.Contains(t, extra, `from "/web_modules/lib.js"`)
}

func TestResolve_DeepImportUsesRootInstall(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                                 `{"dependencies":{"lib":"1","a":"1"}}`,
		"node_modules/lib/package.json":                `{"name":"lib","type":"module","main":"index.js"}`,
		"node_modules/lib/index.js":                    "export const main = 1;\n",
		"node_modules/lib/theme.js":                    "export const theme = \"ROOT_THEME\";\n",
		"node_modules/a/package.json":                  `{"name":"a","type":"module","main":"index.js"}`,
		"node_modules/a/index.js":                      "export const a = 1;\n",
		"node_modules/a/node_modules/lib/package.json": `{"name":"lib","type":"module","main":"index.js"}`,
		"node_modules/a/node_modules/lib/index.js":     "export const main = 2;\n",
		"node_modules/a/node_modules/lib/theme.css":    "body { color: red; }\n",
	})
	b, counter := newTestBundler(t, root)

	url, err := b.Resolve(context.Background(), "lib/theme", filepath.Join(root, "node_modules", "a"))
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/lib/theme.js", url)
	assert.Equal(t, 1, counter.count("lib/theme.js"))
	assert.Contains(t, readOutput(t, root, "lib/theme.js"), "ROOT_THEME")
}

func TestBundle_CycleBetweenEntryModules(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                `{"dependencies":{"x":"1","y":"1"}}`,
		"node_modules/x/package.json": `{"name":"x","type":"module","main":"index.js","dependencies":{"y":"1"}}`,
		"node_modules/x/index.js":     "import { y } from \"y\";\nexport const x = () => y;\n",
		"node_modules/y/package.json": `{"name":"y","type":"module","main":"index.js","dependencies":{"x":"1"}}`,
		"node_modules/y/index.js":     "import { x } from \"x\";\nexport const y = () => x;\n",
	})
	b, _ := newTestBundler(t, root)

	err := b.Bundle(context.Background(), "x")
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Contains(t, cycle.Chain, "x")
	assert.Contains(t, cycle.Chain, "y")

	_, ok := b.Store().Get("x")
	assert.False(t, ok)
	_, ok = b.Store().Get("y")
	assert.False(t, ok)
}

func TestBundleAll(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, sharedWorkspace)
	writeTree(t, root, map[string]string{
		"package.json":                     `{"name":"app","dependencies":{"a":"1","b":"1","broken":"1","missing":"1"}}`,
		"node_modules/broken/package.json": `{"name":"broken","type":"module","main":"index.js"}`,
		"node_modules/broken/index.js":     "export const = ;\n",
	})
	b, counter := newTestBundler(t, root)

	failed, err := b.BundleAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, failed)

	for spec, want := range map[string]string{
		"a":       "/web_modules/a.js",
		"b":       "/web_modules/b.js",
		"shared":  "/web_modules/shared.js",
		"missing": "/node_modules/missing",
	} {
		url, ok := b.Store().Get(spec)
		require.True(t, ok, spec)
		assert.Equal(t, want, url, spec)
	}
	assert.Equal(t, 1, counter.count("shared.js"))

	persisted, err := ReadImportMapFile(filepath.Join(root, "web_modules", "import-map.json"))
	require.NoError(t, err)
	assert.Equal(t, "/web_modules/shared.js", persisted["shared"])
}

func TestBundle_SquashedPackageIsInlined(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, sharedWorkspace)
	b, counter := newTestBundler(t, root, "shared")
	assert.False(t, b.EntryModules().Has("shared"))

	_, err := b.Resolve(context.Background(), "a", root)
	require.NoError(t, err)
	assert.Contains(t, readOutput(t, root, "a.js"), "value: 0")
	assert.Equal(t, 0, counter.count("shared.js"))
}

func TestNew_WithoutWorkspaceManifest(t *testing.T) {
	root := t.TempDir()
	b, _ := newTestBundler(t, root)
	assert.Empty(t, b.EntryModules())

	failed, err := b.BundleAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
}
