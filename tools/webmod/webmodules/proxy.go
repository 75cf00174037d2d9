package webmodules

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// ExportSurface is what a package bundle exposes: the exported names and the
// files whose exports it re-exports.
type ExportSurface struct {
	Names      []string
	Files      []string
	HasDefault bool
}

// Covers reports whether the bundle built from this surface already exposes
// file, either because the file was reached while scanning or because its
// base name is one of the exported names.
func (s *ExportSurface) Covers(file string) bool {
	for _, f := range s.Files {
		if f == file {
			return true
		}
	}
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	for _, name := range s.Names {
		if name == base {
			return true
		}
	}
	return false
}

// Proxy is a generated entry module handed to esbuild on stdin. Imports
// lists the package files the proxy pulls into the bundle, plus any bare
// sources it re-exports.
type Proxy struct {
	Source  string
	Imports []string
	Surface ExportSurface
}

// GenerateProxy builds the entry proxy for file. ES modules are re-exported
// through their relative "export *" graph. CommonJS modules get a default
// export plus one named export per statically visible assignment.
func GenerateProxy(ctx context.Context, pkg *Package, file string) (*Proxy, error) {
	if pkg.IsStatic(ctx, file) {
		return esmProxy(ctx, pkg, file)
	}
	return cjsProxy(ctx, file)
}

type esmWalker struct {
	ctx     context.Context
	pkg     *Package
	out     strings.Builder
	imports []string
	files   []string
	names   []string
	seen    map[string]bool
	named   map[string]bool
}

func esmProxy(ctx context.Context, pkg *Package, entry string) (*Proxy, error) {
	w := &esmWalker{ctx: ctx, pkg: pkg, seen: make(map[string]bool), named: make(map[string]bool)}
	hasDefault, err := w.walk(entry, true)
	if err != nil {
		return nil, err
	}
	if hasDefault {
		fmt.Fprintf(&w.out, "import __default__ from %q;\nexport default __default__;\n", modulePath(entry))
	}
	if w.out.Len() == 0 {
		fmt.Fprintf(&w.out, "import %q;\n", modulePath(entry))
	}
	return &Proxy{
		Source:  w.out.String(),
		Imports: w.imports,
		Surface: ExportSurface{
			Names:      w.names,
			Files:      w.files,
			HasDefault: hasDefault,
		},
	}, nil
}

// walk emits re-exports for file and returns whether it has a default export.
// A non-entry module with a default export is kept whole through a single
// "export *" and is not descended into.
func (w *esmWalker) walk(file string, isEntry bool) (bool, error) {
	if w.seen[file] {
		return false, nil
	}
	w.seen[file] = true

	var info *esmInfo
	err := parseFile(w.ctx, file, func(root *sitter.Node, content []byte) {
		info = scanESM(root, content)
	})
	if err != nil {
		return false, fmt.Errorf("scanning %s: %w", file, err)
	}
	w.files = append(w.files, file)
	w.imports = append(w.imports, file)

	if !isEntry && info.hasDefault {
		fmt.Fprintf(&w.out, "export * from %q;\n", modulePath(file))
		w.addNames(info.names)
		return true, nil
	}

	var own []string
	for _, name := range info.names {
		if identifierRe.MatchString(name) && !w.named[name] {
			own = append(own, name)
		}
	}
	if len(own) > 0 {
		fmt.Fprintf(&w.out, "export { %s } from %q;\n", strings.Join(own, ", "), modulePath(file))
		w.addNames(own)
	}

	for _, star := range info.stars {
		if !isRelative(star) {
			fmt.Fprintf(&w.out, "export * from %q;\n", star)
			w.imports = append(w.imports, star)
			continue
		}
		target := common.ProbeFile(filepath.Join(filepath.Dir(file), filepath.FromSlash(star)))
		if target == "" {
			return false, fmt.Errorf("%s: cannot resolve %q", file, star)
		}
		if !w.pkg.IsStatic(w.ctx, target) {
			if err := w.commonJS(target); err != nil {
				return false, err
			}
			continue
		}
		if _, err := w.walk(target, false); err != nil {
			return false, err
		}
	}
	return info.hasDefault, nil
}

// commonJS re-exports the statically visible names of a CommonJS file
// reached through "export *", which esbuild would otherwise leave empty.
func (w *esmWalker) commonJS(file string) error {
	if w.seen[file] {
		return nil
	}
	w.seen[file] = true

	names, files, err := collectCJS(w.ctx, file)
	if err != nil {
		return err
	}
	w.files = append(w.files, files...)
	w.imports = append(w.imports, files...)

	var own []string
	for _, name := range names {
		if !w.named[name] {
			own = append(own, name)
		}
	}
	if len(own) > 0 {
		fmt.Fprintf(&w.out, "export { %s } from %q;\n", strings.Join(own, ", "), modulePath(file))
		w.addNames(own)
	}
	return nil
}

func (w *esmWalker) addNames(names []string) {
	for _, name := range names {
		if !w.named[name] {
			w.named[name] = true
			w.names = append(w.names, name)
		}
	}
}

// collectCJS returns the bindable export names of a CommonJS file, following
// module.exports = require("./...") re-exports, and every file it read.
func collectCJS(ctx context.Context, entry string) ([]string, []string, error) {
	seen := make(map[string]bool)
	var files []string
	var collect func(file string) ([]string, error)
	collect = func(file string) ([]string, error) {
		if seen[file] {
			return nil, nil
		}
		seen[file] = true
		files = append(files, file)

		var info *cjsInfo
		err := parseFile(ctx, file, func(root *sitter.Node, content []byte) {
			info = scanCJS(root, content)
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", file, err)
		}
		names := info.names
		for _, spec := range info.reexports {
			if !isRelative(spec) {
				continue
			}
			sibling := common.ProbeFile(filepath.Join(filepath.Dir(file), filepath.FromSlash(spec)))
			if sibling == "" {
				continue
			}
			merged, err := collect(sibling)
			if err != nil {
				return nil, err
			}
			names = append(names, merged...)
		}
		return names, nil
	}

	names, err := collect(entry)
	if err != nil {
		return nil, nil, err
	}
	return dedupe(bindableNames(names)), files, nil
}

func cjsProxy(ctx context.Context, entry string) (*Proxy, error) {
	names, files, err := collectCJS(ctx, entry)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "import __default__ from %q;\n", modulePath(entry))
	if len(names) > 0 {
		// The namespace sees exports.x even when __esModule redirects the default.
		fmt.Fprintf(&out, "import * as __ns__ from %q;\n", modulePath(entry))
	}
	out.WriteString("export default __default__;\n")
	for _, name := range names {
		fmt.Fprintf(&out, "export const %s = __ns__.%s;\n", name, name)
	}
	return &Proxy{
		Source:  out.String(),
		Imports: files,
		Surface: ExportSurface{
			Names:      names,
			Files:      files,
			HasDefault: true,
		},
	}, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// modulePath renders an absolute file path as an import source.
func modulePath(file string) string {
	return filepath.ToSlash(file)
}
