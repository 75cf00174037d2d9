// Package webmodules resolves bare npm specifiers to browser-loadable URLs,
// bundling installed packages into ES modules on demand.
package webmodules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// DefaultExtensions are probed, in order, when a sub-path omits its extension.
var DefaultExtensions = []string{".js", ".mjs", ".cjs", ".json", ".jsx", ".ts", ".tsx", ".css"}

// Config controls where bundles go and how esbuild builds them.
type Config struct {
	// Root is the workspace directory holding package.json and node_modules.
	Root string
	// OutDir receives the bundles, Root/web_modules by default.
	OutDir string
	// URLPrefix is the URL path OutDir is served under, "/web_modules" by default.
	URLPrefix string
	// Squash names packages that are always inlined, never bundled on their own.
	Squash     []string
	Extensions []string

	Define     map[string]string
	Target     api.Target
	Minify     bool
	Conditions []string
	MainFields []string
}

// BuildFunc runs an esbuild build. api.Build in production.
type BuildFunc func(api.BuildOptions) api.BuildResult

// Option customizes a Bundler.
type Option func(*Bundler)

// WithLogger sets the logger bundling progress goes to.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bundler) { b.logger = logger }
}

// WithBuildFunc replaces api.Build.
func WithBuildFunc(fn BuildFunc) Option {
	return func(b *Bundler) { b.build = fn }
}

// WithManifestReader shares a manifest cache.
func WithManifestReader(r *ManifestReader) Option {
	return func(b *Bundler) { b.manifests = r }
}

// Bundler turns bare specifiers into bundles under OutDir and records them in
// an ImportMap. Concurrent requests for the same specifier share one build.
type Bundler struct {
	cfg       Config
	store     *ImportMap
	manifests *ManifestReader
	workspace *Manifest
	entries   EntrySet
	logger    *log.Logger
	build     BuildFunc

	pending  singleflight.Group
	waits    *waitGraph
	surfaces sync.Map // package name -> *ExportSurface
}

// New reads the workspace manifest, computes the entry modules and returns a
// Bundler writing to store.
func New(cfg Config, store *ImportMap, opts ...Option) (*Bundler, error) {
	if cfg.Root == "" {
		return nil, errors.New("webmodules: root directory is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	if cfg.OutDir == "" {
		cfg.OutDir = "web_modules"
	}
	if !filepath.IsAbs(cfg.OutDir) {
		cfg.OutDir = filepath.Join(root, cfg.OutDir)
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = "/web_modules"
	}
	cfg.URLPrefix = "/" + strings.Trim(cfg.URLPrefix, "/")
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}

	b := &Bundler{
		cfg:   cfg,
		store: store,
		build: api.Build,
		waits: newWaitGraph(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "web_modules"})
	}
	if b.manifests == nil {
		b.manifests = NewManifestReader(1024)
	}

	b.workspace, err = b.manifests.ReadWorkspace(root)
	switch {
	case errors.Is(err, ErrManifestNotFound):
		b.logger.Warn("no package.json in workspace, nothing to bundle", "root", root)
		b.workspace = &Manifest{}
	case err != nil:
		return nil, err
	}
	b.entries = AnalyzeEntryModules(b.manifests, root, b.workspace, cfg.Squash)
	b.logger.Debug("entry modules", "count", len(b.entries), "names", b.entries.Names())
	return b, nil
}

// EntryModules returns the packages bundled on their own.
func (b *Bundler) EntryModules() EntrySet { return b.entries }

// Store returns the import map the bundler writes to.
func (b *Bundler) Store() *ImportMap { return b.store }

// Bundle builds specifier unless the import map already has it. Concurrent
// calls for one specifier share a single build, whose outcome every caller
// observes. The build runs to completion even if ctx is cancelled first.
func (b *Bundler) Bundle(ctx context.Context, specifier string) error {
	if _, ok := b.store.Get(specifier); ok {
		return nil
	}

	if owner := ownerOf(ctx); owner != "" {
		if err := b.waits.add(owner, specifier); err != nil {
			return err
		}
		defer b.waits.remove(owner, specifier)
	}

	task := withOwner(context.WithoutCancel(ctx), specifier)
	ch := b.pending.DoChan(specifier, func() (interface{}, error) {
		return nil, b.run(task, specifier)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BundleAll bundles every direct dependency of the workspace in parallel.
// Failures are logged and returned by name; the rest still get bundled.
func (b *Bundler) BundleAll(ctx context.Context) ([]string, error) {
	deps := b.workspace.Deps()

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, dep := range deps {
		if gctx.Err() != nil {
			break
		}
		dep := dep
		g.Go(func() error {
			if err := b.Bundle(gctx, dep); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				b.logger.Warn("skipping", "package", dep, "err", err)
				mu.Lock()
				failed = append(failed, dep)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	if len(failed) > 0 {
		b.logger.Warn("some packages could not be bundled", "count", len(failed), "packages", failed)
	}
	return failed, ctx.Err()
}

// run is the body of one bundling task.
func (b *Bundler) run(ctx context.Context, specifier string) error {
	if _, ok := b.store.Get(specifier); ok {
		return nil
	}
	start := time.Now()

	sp := ParseSpecifier(specifier)
	if !sp.IsBare() || sp.Query != "" {
		return fmt.Errorf("webmodules: %q is not a bare package specifier", specifier)
	}

	pkg, err := b.findPackage(sp.PackageName)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			return b.passthrough(specifier, filepath.Join(b.cfg.Root, "node_modules", filepath.FromSlash(sp.Bare())), err)
		}
		return err
	}

	var entry string
	if sp.SubPath == "" {
		entry, err = pkg.Entry()
	} else {
		entry, err = pkg.SubPathFile(sp.SubPath, b.cfg.Extensions)
	}
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return b.passthrough(specifier, filepath.Join(pkg.Dir, filepath.FromSlash(sp.SubPath)), err)
		}
		return err
	}
	if sp.SubPath != "" && !isScript(entry) {
		b.store.Set(specifier, withModuleMarker(b.fileURL(entry), ""))
		return b.store.Save()
	}

	var proxy *Proxy
	internal := []string{entry}
	if sp.SubPath == "" || !pkg.IsStatic(ctx, entry) {
		if proxy, err = GenerateProxy(ctx, pkg, entry); err != nil {
			return err
		}
		internal = proxy.Imports
	}

	outfile, url := b.output(sp.Bare())
	var nested nestedError
	result := b.build(b.buildOptions(ctx, specifier, pkg, entry, proxy, internal, outfile, &nested))
	if err := nested.get(); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return &BuildError{Specifier: specifier, Messages: common.BuildMessages(result.Errors)}
	}
	for _, msg := range common.BuildMessages(result.Warnings) {
		b.logger.Warn(msg, "specifier", specifier)
	}
	size, err := b.writeOutputs(ctx, result.OutputFiles, outfile)
	if err != nil {
		return err
	}

	b.store.Set(specifier, url)
	if sp.SubPath == "" {
		b.surfaces.Store(sp.PackageName, &proxy.Surface)
		b.recordSurface(sp.PackageName, pkg, url, &proxy.Surface)
	}
	if err := b.store.Save(); err != nil {
		return err
	}
	b.logger.Info("bundled", "specifier", specifier, "url", url, "size", humanize.Bytes(uint64(size)), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (b *Bundler) buildOptions(ctx context.Context, specifier string, pkg *Package, entry string, proxy *Proxy, internal []string, outfile string, nested *nestedError) api.BuildOptions {
	opts := api.BuildOptions{
		Bundle:            true,
		Write:             false,
		Outfile:           outfile,
		AbsWorkingDir:     b.cfg.Root,
		Format:            api.FormatESModule,
		Platform:          api.PlatformBrowser,
		Target:            b.cfg.Target,
		MinifyWhitespace:  b.cfg.Minify,
		MinifyIdentifiers: b.cfg.Minify,
		MinifySyntax:      b.cfg.Minify,
		Conditions:        b.cfg.Conditions,
		MainFields:        b.cfg.MainFields,
		Define:            b.cfg.Define,
		LogLevel:          api.LogLevelSilent,
		IgnoreAnnotations: true,
		Loader:            common.DepLoaders,
		Plugins: []api.Plugin{
			common.NodeBuiltinEmptyPlugin(func(name string) bool {
				_, err := b.manifests.Find(name, pkg.Dir)
				return err == nil
			}),
			b.entryModulesPlugin(ctx, pkg, internal, nested),
		},
	}
	if proxy != nil {
		opts.Stdin = &api.StdinOptions{
			Contents:   proxy.Source,
			ResolveDir: pkg.Dir,
			Sourcefile: specifier,
			Loader:     api.LoaderJS,
		}
	} else {
		opts.EntryPoints = []string{entry}
	}
	return opts
}

// nestedError keeps the first failure of a nested bundle, which esbuild
// would otherwise flatten into a message.
type nestedError struct {
	mu  sync.Mutex
	err error
}

func (n *nestedError) set(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err == nil {
		n.err = err
	}
}

func (n *nestedError) get() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// entryModulesPlugin decides which bare imports stay out of the bundle being
// built. Anything already in the import map is external, and so is any other
// entry module, which is bundled first if needed. The package's own files are
// inlined when internal lists them, so a package bundle keeps its
// self-references while a sub-path bundle imports the package bundle instead
// of carrying a second copy. Everything else is left to esbuild.
func (b *Bundler) entryModulesPlugin(ctx context.Context, pkg *Package, internal []string, nested *nestedError) api.Plugin {
	self := pkg.Name()
	selfEntry, _ := pkg.Entry()
	inside := make(map[string]bool, len(internal))
	for _, file := range internal {
		inside[file] = true
	}
	external := func(args api.OnResolveArgs) (api.OnResolveResult, error) {
		url, err := b.Resolve(ctx, args.Path, args.ResolveDir)
		if err != nil {
			nested.set(err)
			return api.OnResolveResult{}, err
		}
		return api.OnResolveResult{Path: url, External: true}, nil
	}
	return api.Plugin{
		Name: "web-modules",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if args.Kind == api.ResolveEntryPoint || common.IsNonPackageSpecifier(args.Path) {
					return api.OnResolveResult{}, nil
				}
				sp := ParseSpecifier(args.Path)
				if !sp.IsBare() {
					return api.OnResolveResult{}, nil
				}
				if url, ok := b.store.Get(args.Path); ok {
					return api.OnResolveResult{Path: url, External: true}, nil
				}
				if sp.PackageName == self {
					if sp.SubPath != "" || selfEntry == "" || inside[selfEntry] {
						return api.OnResolveResult{}, nil
					}
					return external(args)
				}
				if !b.entries.Has(sp.PackageName) {
					return api.OnResolveResult{}, nil
				}
				return external(args)
			})
		},
	}
}

// writeOutputs writes every esbuild output file, rewriting leftover require
// calls in the JavaScript bundle. It returns the number of bytes written.
func (b *Bundler) writeOutputs(ctx context.Context, files []api.OutputFile, outfile string) (int, error) {
	size := 0
	for _, f := range files {
		contents := f.Contents
		if f.Path == outfile {
			var err error
			if contents, err = rewriteRequires(ctx, contents); err != nil {
				return 0, fmt.Errorf("rewriting requires in %s: %w", outfile, err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return 0, err
		}
		if err := os.WriteFile(f.Path, contents, 0o644); err != nil {
			return 0, err
		}
		size += len(contents)
	}
	return size, nil
}

// recordSurface maps every file the package bundle re-exports, and every
// name it exports, to the bundle URL, so deep imports of those need no bundle
// of their own. The "<pkg>/" prefix entry sends any other deep import to the
// install tree.
func (b *Bundler) recordSurface(name string, pkg *Package, url string, surface *ExportSurface) {
	for _, file := range surface.Files {
		rel, err := filepath.Rel(pkg.Dir, file)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		b.store.SetIfAbsent(name+"/"+rel, url)
		b.store.SetIfAbsent(name+"/"+strings.TrimSuffix(rel, filepath.Ext(rel)), url)
	}
	for _, export := range surface.Names {
		b.store.SetIfAbsent(name+"/"+export, url)
	}
	b.store.SetIfAbsent(name+"/", b.fileURL(pkg.Dir)+"/")
}

// findPackage looks a package up from the workspace root. Bundles are shared
// by every importer, so all of them see the root install.
func (b *Bundler) findPackage(name string) (*Package, error) {
	return b.manifests.Find(name, b.cfg.Root)
}

// passthrough records the install-tree URL for a specifier that cannot be
// bundled. Resolution carries on; the browser gets the raw file.
func (b *Bundler) passthrough(specifier, path string, cause error) error {
	url := b.fileURL(path)
	b.logger.Warn("serving unbundled", "specifier", specifier, "url", url, "err", cause)
	b.store.Set(specifier, url)
	return b.store.Save()
}

// output returns the bundle file and URL for a bare specifier.
func (b *Bundler) output(bare string) (string, string) {
	rel := bare
	switch filepath.Ext(rel) {
	case ".js", ".mjs", ".cjs":
		rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	}
	rel += ".js"
	return filepath.Join(b.cfg.OutDir, filepath.FromSlash(rel)), b.cfg.URLPrefix + "/" + rel
}

// fileURL maps a file under Root to its URL path.
func (b *Bundler) fileURL(path string) string {
	rel, err := filepath.Rel(b.cfg.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "/" + strings.TrimPrefix(filepath.ToSlash(path), "/")
	}
	return "/" + filepath.ToSlash(rel)
}

func isScript(file string) bool {
	switch filepath.Ext(file) {
	case ".js", ".mjs", ".cjs":
		return true
	}
	return false
}

// withModuleMarker tags a non-module URL so the server wraps it as a module.
func withModuleMarker(url, query string) string {
	if query != "" {
		return url + "?" + query + "&type=module"
	}
	return url + "?type=module"
}
