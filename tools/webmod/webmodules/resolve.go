package webmodules

import (
	"context"
	"errors"
	"path/filepath"
)

// Resolve returns the URL the browser should load for specifier, imported
// from a file in fromDir. URLs and relative paths come back unchanged. Bare
// specifiers are bundled on first use, always from the workspace root install
// since one bundle serves every importer:
//
//   - "pkg" maps to the package bundle.
//   - "pkg/file.css" and other non-script files map to the raw file, tagged
//     with ?type=module.
//   - "pkg/sub" reuses the package bundle when the bundle already exposes the
//     file, and gets a bundle of its own otherwise.
func (b *Bundler) Resolve(ctx context.Context, specifier, fromDir string) (string, error) {
	sp := ParseSpecifier(specifier)
	if !sp.IsBare() {
		return specifier, nil
	}
	if url, ok := b.store.Get(specifier); ok {
		return url, nil
	}
	bare := sp.Bare()
	if url, ok := b.store.Get(bare); ok && sp.Query == "" {
		return url, nil
	}

	if _, ok := b.store.Get(sp.PackageName); !ok {
		if err := b.Bundle(ctx, sp.PackageName); err != nil {
			return "", err
		}
	}
	pkgURL, _ := b.store.Get(sp.PackageName)
	if sp.SubPath == "" {
		return withQuery(pkgURL, sp.Query), nil
	}

	pkg, err := b.findPackage(sp.PackageName)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			return withQuery(b.fileURL(filepath.Join(b.cfg.Root, "node_modules", filepath.FromSlash(bare))), sp.Query), nil
		}
		return "", err
	}
	file, err := pkg.SubPathFile(sp.SubPath, b.cfg.Extensions)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return withQuery(b.fileURL(filepath.Join(pkg.Dir, filepath.FromSlash(sp.SubPath))), sp.Query), nil
		}
		return "", err
	}

	if !isScript(file) {
		url := withModuleMarker(b.fileURL(file), sp.Query)
		b.store.Set(specifier, url)
		return url, b.store.Save()
	}

	if surface := b.surface(ctx, pkg); surface != nil && surface.Covers(file) {
		b.store.Set(bare, pkgURL)
		return withQuery(pkgURL, sp.Query), b.store.Save()
	}

	if err := b.Bundle(ctx, bare); err != nil {
		return "", err
	}
	url, _ := b.store.Get(bare)
	return withQuery(url, sp.Query), nil
}

// surface returns the export surface of a package bundle, rescanning the
// package when it was bundled by an earlier process.
func (b *Bundler) surface(ctx context.Context, pkg *Package) *ExportSurface {
	name := pkg.Name()
	if s, ok := b.surfaces.Load(name); ok {
		return s.(*ExportSurface)
	}
	entry, err := pkg.Entry()
	if err != nil {
		return nil
	}
	proxy, err := GenerateProxy(ctx, pkg, entry)
	if err != nil {
		b.logger.Debug("cannot scan package", "package", name, "err", err)
		return nil
	}
	s, _ := b.surfaces.LoadOrStore(name, &proxy.Surface)
	return s.(*ExportSurface)
}

func withQuery(url, query string) string {
	if query == "" {
		return url
	}
	return url + "?" + query
}
