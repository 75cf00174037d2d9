package common

import (
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Loaders maps file extensions to esbuild loaders.
var Loaders = map[string]api.Loader{
	".js":    api.LoaderJS,
	".jsx":   api.LoaderJSX,
	".ts":    api.LoaderTS,
	".tsx":   api.LoaderTSX,
	".json":  api.LoaderJSON,
	".css":   api.LoaderCSS,
	".mjs":   api.LoaderJS,
	".cjs":   api.LoaderJS,
	".md":    api.LoaderText,
	".woff":  api.LoaderFile,
	".woff2": api.LoaderFile,
	".ttf":   api.LoaderFile,
	".eot":   api.LoaderFile,
	".svg":   api.LoaderFile,
	".png":   api.LoaderFile,
	".jpg":   api.LoaderFile,
	".gif":   api.LoaderFile,
}

// DepLoaders is Loaders without the file loader. Dependency bundles are built
// in memory (Write: false), and the file loader needs an output path on disk.
var DepLoaders = func() map[string]api.Loader {
	m := make(map[string]api.Loader, len(Loaders))
	for ext, loader := range Loaders {
		if loader != api.LoaderFile {
			m[ext] = loader
		}
	}
	return m
}()

// ParseDefines converts "key=value" strings into an esbuild define map.
// Entries without "=" are ignored.
func ParseDefines(defs []string) map[string]string {
	define := make(map[string]string, len(defs))
	for _, d := range defs {
		k, v, ok := strings.Cut(d, "=")
		if !ok {
			continue
		}
		define[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return define
}

// MergeEnvDefines adds the process.env.NODE_ENV and import.meta.env.MODE
// defines for mode unless they are already set.
func MergeEnvDefines(define map[string]string, mode string) {
	quoted := `"` + mode + `"`
	for _, key := range []string{"process.env.NODE_ENV", "import.meta.env.MODE"} {
		if _, ok := define[key]; !ok {
			define[key] = quoted
		}
	}
	if _, ok := define["import.meta.env.DEV"]; !ok {
		if mode == "production" {
			define["import.meta.env.DEV"] = "false"
		} else {
			define["import.meta.env.DEV"] = "true"
		}
	}
}

// ParseTarget converts a target string such as "es2020" to an esbuild Target.
// Unknown values map to ESNext.
func ParseTarget(t string) api.Target {
	switch strings.ToLower(t) {
	case "es2015":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2020":
		return api.ES2020
	case "es2021":
		return api.ES2021
	case "es2022":
		return api.ES2022
	case "es2023":
		return api.ES2023
	default:
		return api.ESNext
	}
}

// protocolRe matches URL-like specifiers: "https://", "data:", "node:", "file:".
var protocolRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// IsNonPackageSpecifier reports whether path can never name an npm package:
// package.json subpath imports (#x), protocol URLs and virtual modules.
func IsNonPackageSpecifier(path string) bool {
	if path == "" {
		return true
	}
	switch path[0] {
	case '#', 0:
		return true
	}
	return protocolRe.MatchString(path)
}

// nodeBuiltins is the set of Node.js core modules without an "node:" prefix.
var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}

// nodeBuiltinFilter is the esbuild filter regex for builtin specifiers,
// including "node:" prefixes and subpaths like "fs/promises".
var nodeBuiltinFilter = func() string {
	names := make([]string, 0, len(nodeBuiltins))
	for name := range nodeBuiltins {
		names = append(names, regexp.QuoteMeta(name))
	}
	sort.Strings(names)
	return `^(node:)?(` + strings.Join(names, "|") + `)(/.*)?$`
}()

// IsNodeBuiltin reports whether spec names a Node.js core module.
func IsNodeBuiltin(spec string) bool {
	spec = strings.TrimPrefix(spec, "node:")
	name, _, _ := strings.Cut(spec, "/")
	return nodeBuiltins[name]
}

// NodeBuiltinEmptyPlugin returns an esbuild plugin that replaces Node.js
// built-in imports with empty CommonJS modules for browser builds. A bare
// builtin name for which installed returns true (an npm polyfill such as
// "events" or "buffer") is left for normal resolution; "node:" prefixed
// imports are always stubbed.
func NodeBuiltinEmptyPlugin(installed func(name string) bool) api.Plugin {
	return api.Plugin{
		Name: "node-builtin-empty",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: nodeBuiltinFilter},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if !strings.HasPrefix(args.Path, "node:") && installed != nil {
						name, _, _ := strings.Cut(args.Path, "/")
						if installed(name) {
							return api.OnResolveResult{}, nil
						}
					}
					return api.OnResolveResult{
						Path:      args.Path,
						Namespace: "node-builtin-empty",
					}, nil
				},
			)
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: "node-builtin-empty"},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					empty := "module.exports = {};"
					return api.OnLoadResult{
						Contents: &empty,
						Loader:   api.LoaderJS,
					}, nil
				},
			)
		},
	}
}

// BuildMessages flattens esbuild messages into their text, prefixed with the
// file location when esbuild reports one.
func BuildMessages(msgs []api.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil && m.Location.File != "" {
			out = append(out, m.Location.File+": "+m.Text)
			continue
		}
		out = append(out, m.Text)
	}
	return out
}
