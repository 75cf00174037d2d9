package webmodules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// Manifest is the validated subset of package.json the bundler needs.
type Manifest struct {
	Name             string               `json:"name"`
	Version          string               `json:"version"`
	Type             string               `json:"type"`
	Main             string               `json:"main"`
	Module           string               `json:"module"`
	Browser          json.RawMessage      `json:"browser"`
	Exports          *common.ExportsField `json:"exports"`
	Dependencies     map[string]string    `json:"dependencies"`
	PeerDependencies map[string]string    `json:"peerDependencies"`
}

// browserEntry returns the "browser" field when it is a plain path. The
// object form remaps individual files and is left to esbuild.
func (m *Manifest) browserEntry() string {
	var s string
	if len(m.Browser) == 0 || json.Unmarshal(m.Browser, &s) != nil {
		return ""
	}
	return s
}

// Deps returns dependency and peer dependency names, sorted.
func (m *Manifest) Deps() []string {
	seen := make(map[string]bool, len(m.Dependencies)+len(m.PeerDependencies))
	var names []string
	for _, deps := range []map[string]string{m.Dependencies, m.PeerDependencies} {
		for name := range deps {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Package is an installed package: its directory and manifest.
type Package struct {
	Dir      string
	Manifest *Manifest
}

// Name is the package name, falling back to the directory layout when the
// manifest omits it.
func (p *Package) Name() string {
	if p.Manifest.Name != "" {
		return p.Manifest.Name
	}
	return filepath.Base(p.Dir)
}

// Entry resolves the main entry file: exports ".", browser, module, main,
// then index.js.
func (p *Package) Entry() (string, error) {
	m := p.Manifest
	entry := common.ResolveEntryFields(p.Dir, ".", "browser", m.Exports, m.browserEntry(), m.Module, m.Main, "index.js")
	if entry == "" {
		return "", fmt.Errorf("%w: %s", ErrEntryNotFound, p.Name())
	}
	return entry, nil
}

// SubPathFile locates the file behind "pkg/sub". The exports map is consulted
// first, then the install tree with each of exts tried as a suffix.
func (p *Package) SubPathFile(sub string, exts []string) (string, error) {
	if p.Manifest.Exports != nil {
		if file := common.ResolveEntryFields(p.Dir, "./"+sub, "browser", p.Manifest.Exports); file != "" {
			return file, nil
		}
	}
	base := filepath.Join(p.Dir, filepath.FromSlash(sub))
	if isFile(base) {
		return base, nil
	}
	for _, ext := range exts {
		if isFile(base + ext) {
			return base + ext, nil
		}
	}
	for _, ext := range exts {
		if index := filepath.Join(base, "index"+ext); isFile(index) {
			return index, nil
		}
	}
	if isFile(filepath.Join(base, "package.json")) {
		nested := &Package{Dir: base}
		if m, err := readManifest(filepath.Join(base, "package.json"), false); err == nil {
			nested.Manifest = m
			return nested.Entry()
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrEntryNotFound, p.Name(), sub)
}

// IsStatic reports whether file is an ES module. The manifest is consulted
// first, then the extension and path, and finally the source itself.
func (p *Package) IsStatic(ctx context.Context, file string) bool {
	m := p.Manifest
	switch filepath.Ext(file) {
	case ".mjs":
		return true
	case ".cjs":
		return false
	}
	if m.Type == "module" {
		return true
	}
	if m.Module != "" && common.ProbeFile(filepath.Join(p.Dir, m.Module)) == file {
		return true
	}
	slashed := filepath.ToSlash(file)
	for _, marker := range []string{"/esm/", "/es/", "/es6/", "/esnext/"} {
		if strings.Contains(slashed, marker) {
			return true
		}
	}
	for _, marker := range []string{"/cjs/", "/commonjs/"} {
		if strings.Contains(slashed, marker) {
			return false
		}
	}
	return sniffModuleSyntax(ctx, file)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ManifestReader reads and caches manifests by directory.
type ManifestReader struct {
	cache *lru.Cache[string, *Manifest]
}

// NewManifestReader returns a reader caching up to size manifests.
func NewManifestReader(size int) *ManifestReader {
	cache, err := lru.New[string, *Manifest](size)
	if err != nil {
		panic(err)
	}
	return &ManifestReader{cache: cache}
}

// Read returns the manifest in dir. A missing file yields ErrManifestNotFound;
// malformed content yields a *ManifestError.
func (r *ManifestReader) Read(dir string) (*Manifest, error) {
	return r.read(dir, true)
}

// ReadWorkspace is Read for the workspace root, where "name" is optional.
func (r *ManifestReader) ReadWorkspace(dir string) (*Manifest, error) {
	return r.read(dir, false)
}

func (r *ManifestReader) read(dir string, requireName bool) (*Manifest, error) {
	if m, ok := r.cache.Get(dir); ok {
		return m, nil
	}
	m, err := readManifest(filepath.Join(dir, "package.json"), requireName)
	if err != nil {
		return nil, err
	}
	r.cache.Add(dir, m)
	return m, nil
}

// Find locates the installed package name by walking up node_modules
// directories from fromDir, the way Node does.
func (r *ManifestReader) Find(name, fromDir string) (*Package, error) {
	dir := fromDir
	for {
		candidate := filepath.Join(dir, "node_modules", filepath.FromSlash(name))
		m, err := r.Read(candidate)
		if err == nil {
			return &Package{Dir: candidate, Manifest: m}, nil
		}
		if !errors.Is(err, ErrManifestNotFound) {
			return nil, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w: %s from %s", ErrManifestNotFound, name, fromDir)
		}
		dir = parent
	}
}

func readManifest(path string, requireName bool) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, &ManifestError{Path: path, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	if requireName && m.Name == "" {
		return nil, &ManifestError{Path: path, Err: errors.New(`missing "name"`)}
	}
	return &m, nil
}

// sniffModuleSyntax parses file and reports whether it has top-level
// import or export statements.
func sniffModuleSyntax(ctx context.Context, file string) bool {
	static := false
	_ = parseFile(ctx, file, func(root *sitter.Node, _ []byte) {
		static = hasModuleSyntax(root)
	})
	return static
}
