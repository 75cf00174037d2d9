package webmodules

import (
	"sort"
)

// EntrySet holds the packages that get their own bundle. Everything else is
// inlined into the bundle of whichever entry module reaches it.
type EntrySet map[string]struct{}

// Has reports whether name is an entry module.
func (s EntrySet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the entry module names, sorted.
func (s EntrySet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnalyzeEntryModules walks the dependency graph from the workspace manifest
// and returns the packages that must be bundled on their own.
//
// Every direct dependency is an entry module. A transitive package becomes one
// when it is reachable through two different direct dependencies, since
// inlining it into both bundles would duplicate its state. Names in squash are
// never visited, so their subtrees are always inlined. Packages without a
// readable manifest are skipped.
func AnalyzeEntryModules(reader *ManifestReader, rootDir string, root *Manifest, squash []string) EntrySet {
	entries := make(EntrySet)
	skip := make(map[string]bool, len(squash))
	for _, name := range squash {
		skip[name] = true
	}

	// visited maps a package to the direct dependency it was first reached through.
	visited := make(map[string]string)

	var collect func(deps []string, fromDir, ancestor string)
	collect = func(deps []string, fromDir, ancestor string) {
		for _, dep := range deps {
			if skip[dep] {
				continue
			}
			if first, ok := visited[dep]; ok {
				if first != ancestor {
					entries[dep] = struct{}{}
				}
				continue
			}
			via := ancestor
			if via == "" {
				via = dep
			}
			visited[dep] = via

			pkg, err := reader.Find(dep, fromDir)
			if err != nil {
				delete(visited, dep)
				continue
			}
			collect(pkg.Manifest.Deps(), pkg.Dir, via)
		}
	}

	direct := root.Deps()
	for _, dep := range direct {
		if !skip[dep] {
			entries[dep] = struct{}{}
		}
	}
	collect(direct, rootDir, "")
	return entries
}
