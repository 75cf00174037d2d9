package webmodules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// StoreRoots tells the import map where the files behind its URLs live, so
// stale entries can be dropped on load.
type StoreRoots struct {
	// URLPrefix is the URL path bundles are served under, e.g. "/web_modules".
	URLPrefix string
	// OutDir is the directory URLPrefix maps to.
	OutDir string
	// Root is the directory every other absolute URL path maps to.
	Root string
}

// ImportMap is the persisted specifier to URL table. It is safe for
// concurrent use.
type ImportMap struct {
	path   string
	roots  StoreRoots
	logger *log.Logger

	mu      sync.RWMutex
	imports map[string]string

	saveMu sync.Mutex
}

type importMapFile struct {
	Imports map[string]string `json:"imports"`
}

// NewImportMap returns an empty store persisted at path.
func NewImportMap(path string, roots StoreRoots, logger *log.Logger) *ImportMap {
	if logger == nil {
		logger = log.Default()
	}
	return &ImportMap{
		path:    path,
		roots:   roots,
		logger:  logger,
		imports: make(map[string]string),
	}
}

// Load reads the persisted map, drops entries whose target file no longer
// exists, then layers overrides on top. Overrides are never evicted.
func (m *ImportMap) Load(overrides map[string]string) error {
	loaded, err := ReadImportMapFile(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.imports = make(map[string]string, len(loaded)+len(overrides))
	evicted := 0
	for spec, url := range loaded {
		if !m.exists(url) {
			evicted++
			continue
		}
		m.imports[spec] = url
	}
	for spec, url := range overrides {
		m.imports[spec] = url
	}
	if evicted > 0 {
		m.logger.Info("evicted stale import map entries", "count", evicted, "path", m.path)
	}
	return nil
}

// ReadImportMapFile loads the "imports" table of an import map JSON file.
// A missing file yields an empty table.
func ReadImportMapFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var f importMapFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing import map %s: %w", path, err)
	}
	if f.Imports == nil {
		f.Imports = map[string]string{}
	}
	return f.Imports, nil
}

// exists reports whether the file behind url is still on disk. URLs with a
// scheme and relative URLs are assumed to exist.
func (m *ImportMap) exists(url string) bool {
	if common.IsNonPackageSpecifier(url) || !strings.HasPrefix(url, "/") {
		return true
	}
	path, _, _ := strings.Cut(url, "?")
	var file string
	if prefix := m.roots.URLPrefix + "/"; m.roots.URLPrefix != "" && strings.HasPrefix(path, prefix) {
		file = filepath.Join(m.roots.OutDir, filepath.FromSlash(strings.TrimPrefix(path, prefix)))
	} else {
		file = filepath.Join(m.roots.Root, filepath.FromSlash(path))
	}
	_, err := os.Stat(file)
	return err == nil
}

// Get returns the URL mapped to specifier.
func (m *ImportMap) Get(specifier string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.imports[specifier]
	return url, ok
}

// Set maps specifier to url.
func (m *ImportMap) Set(specifier, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imports[specifier] = url
}

// SetIfAbsent maps specifier to url unless it is already mapped.
func (m *ImportMap) SetIfAbsent(specifier, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.imports[specifier]; ok {
		return false
	}
	m.imports[specifier] = url
	return true
}

// Imports returns a copy of the table.
func (m *ImportMap) Imports() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.imports))
	for k, v := range m.imports {
		out[k] = v
	}
	return out
}

// Specifiers returns the mapped specifiers, sorted.
func (m *ImportMap) Specifiers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	specs := make([]string, 0, len(m.imports))
	for spec := range m.imports {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	return specs
}

// MarshalJSON renders the browser import map document.
func (m *ImportMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(importMapFile{Imports: m.Imports()})
}

// Save writes the table to disk. The file is replaced atomically so a
// concurrent reader never sees a partial document.
func (m *ImportMap) Save() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	data, err := json.MarshalIndent(importMapFile{Imports: m.Imports()}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".import-map-*.json")
	if err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("saving import map: %w", err)
	}
	return nil
}
