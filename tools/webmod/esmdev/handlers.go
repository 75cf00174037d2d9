package esmdev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// handleWebModule serves a bundle from the output directory.
func (s *Server) handleWebModule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rel := strings.TrimPrefix(r.URL.Path, s.urlPrefix)
	file := filepath.Join(s.outDir, filepath.FromSlash(rel))
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		s.logRequest("web-module", r, http.StatusNotFound, start)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, file)
	s.logger.Debug("web-module", "path", r.URL.Path, "size", humanize.Bytes(uint64(info.Size())), "duration", time.Since(start))
}

// handleSource serves a workspace source file transpiled to ESM, with bare
// imports rewritten to the URLs the resolver assigns.
func (s *Server) handleSource(w http.ResponseWriter, r *http.Request, urlPath, file string, start time.Time) {
	info, err := os.Stat(file)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if cached, ok := s.transCache.Load(file); ok {
		entry := cached.(*transformEntry)
		if entry.modTime.Equal(info.ModTime()) {
			writeJS(w, entry.code)
			s.logRequest("cached", r, http.StatusOK, start)
			return
		}
	}

	code, err := s.transform(r.Context(), file)
	if err != nil {
		// The browser only runs the reporter on a 200.
		msg, _ := json.Marshal(fmt.Sprintf("[webmod] %s:\n%s", urlPath, err))
		writeJS(w, []byte(fmt.Sprintf("console.error(%s);\n", msg)))
		s.logger.Error("transform failed", "path", urlPath, "err", err)
		return
	}
	s.transCache.Store(file, &transformEntry{code: code, modTime: info.ModTime()})
	writeJS(w, code)
	s.logRequest("transform", r, http.StatusOK, start)
}

func (s *Server) transform(ctx context.Context, file string) ([]byte, error) {
	result := api.Build(api.BuildOptions{
		EntryPoints:    []string{file},
		Bundle:         true,
		Write:          false,
		AbsWorkingDir:  s.root,
		Format:         api.FormatESModule,
		Platform:       api.PlatformBrowser,
		Target:         s.target,
		JSX:            api.JSXAutomatic,
		Sourcemap:      api.SourceMapInline,
		SourcesContent: api.SourcesContentInclude,
		Define:         s.define,
		TsconfigRaw:    s.tsconfigRaw,
		Loader:         common.DepLoaders,
		LogLevel:       api.LogLevelSilent,
		Plugins:        []api.Plugin{s.importsPlugin(ctx)},
	})
	if len(result.Errors) > 0 {
		return nil, errors.New(strings.Join(common.BuildMessages(result.Errors), "\n"))
	}
	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("no output for %s", file)
	}
	return result.OutputFiles[0].Contents, nil
}

// importsPlugin keeps every import external. Bare specifiers are replaced
// with their resolved URL, which bundles the package on first use.
func (s *Server) importsPlugin(ctx context.Context) api.Plugin {
	return api.Plugin{
		Name: "esmdev-imports",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind == api.ResolveEntryPoint {
						return api.OnResolveResult{}, nil
					}
					if s.keepsSpecifier(args.Path) {
						return api.OnResolveResult{Path: args.Path, External: true}, nil
					}
					target, err := s.resolver.Resolve(ctx, args.Path, args.ResolveDir)
					if err != nil {
						return api.OnResolveResult{}, err
					}
					return api.OnResolveResult{Path: target, External: true}, nil
				})
		},
	}
}

// keepsSpecifier reports whether spec is left for the browser to resolve:
// paths, URLs and tsconfig aliases.
func (s *Server) keepsSpecifier(spec string) bool {
	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/") {
		return true
	}
	if common.IsNonPackageSpecifier(spec) {
		return true
	}
	for alias := range s.aliases {
		if spec == alias || (strings.HasSuffix(alias, "/") && strings.HasPrefix(spec, alias)) {
			return true
		}
	}
	return false
}

// handleModuleWrapper serves a stylesheet, JSON, text or asset file as a
// JavaScript module.
func (s *Server) handleModuleWrapper(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	file := ""
	for _, dir := range []string{s.root, s.servedir} {
		if candidate := filepath.Join(dir, filepath.FromSlash(urlPath)); isFile(candidate) {
			file = candidate
			break
		}
	}
	if file == "" {
		http.NotFound(w, r)
		s.logRequest("module", r, http.StatusNotFound, start)
		return
	}

	loader := loaderForFile(file)
	if loader == api.LoaderFile {
		writeJS(w, []byte(fmt.Sprintf(assetModuleTemplate, urlPath)))
		s.logRequest("asset-module", r, http.StatusOK, start)
		return
	}
	data, err := os.ReadFile(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var js string
	switch loader {
	case api.LoaderCSS:
		text, _ := json.Marshal(string(data))
		js = fmt.Sprintf(cssModuleTemplate, urlPath, text)
	case api.LoaderJSON:
		if !json.Valid(data) {
			http.Error(w, "invalid JSON in "+urlPath, http.StatusUnprocessableEntity)
			return
		}
		js = fmt.Sprintf(valueModuleTemplate, data)
	default:
		text, _ := json.Marshal(string(data))
		js = fmt.Sprintf(valueModuleTemplate, text)
	}
	writeJS(w, []byte(js))
	s.logRequest("module", r, http.StatusOK, start)
}

func writeJS(w http.ResponseWriter, code []byte) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(code)
}
