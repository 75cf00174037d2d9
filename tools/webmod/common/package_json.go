package common

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// exportValue represents a node in the package.json exports tree.
// Each node is a string path (leaf), a map of condition/subpath keys to
// child nodes (branch), or an array of fallbacks tried in order.
type exportValue struct {
	Path  string
	Map   map[string]*exportValue
	Array []*exportValue
}

func (v *exportValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Path = s
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		for _, raw := range arr {
			child := &exportValue{}
			if err := json.Unmarshal(raw, child); err != nil {
				return err
			}
			v.Array = append(v.Array, child)
		}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	v.Map = make(map[string]*exportValue, len(m))
	for k, raw := range m {
		child := &exportValue{}
		if err := json.Unmarshal(raw, child); err != nil {
			return err
		}
		v.Map[k] = child
	}
	return nil
}

// ExportsField is the parsed package.json "exports" field.
type ExportsField = exportValue

// ResolveEntryFields resolves subpath ("." or "./x") of the package in
// pkgDir. The exports field wins; for "." the fields (module, main, ...) are
// then tried in order.
func ResolveEntryFields(pkgDir, subpath, platform string, exports *ExportsField, fields ...string) string {
	if exports != nil {
		if result := matchExports(exports, subpath, platform); result != "" {
			if resolved := ProbeFile(filepath.Join(pkgDir, result)); resolved != "" {
				return resolved
			}
		}
	}

	if subpath == "." {
		for _, val := range fields {
			if val == "" {
				continue
			}
			if resolved := ProbeFile(filepath.Join(pkgDir, val)); resolved != "" {
				return resolved
			}
		}
	}
	return ""
}

// entryExts are tried, in order, when a main/module field omits the extension.
var entryExts = []string{".js", ".mjs", ".cjs", ".json"}

// ProbeFile returns path if it names a regular file, otherwise the first
// path+ext or path/index+ext that does.
func ProbeFile(path string) string {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path
	}
	for _, ext := range entryExts {
		if info, err := os.Stat(path + ext); err == nil && !info.IsDir() {
			return path + ext
		}
	}
	for _, ext := range entryExts {
		candidate := filepath.Join(path, "index"+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// matchExports resolves a subpath against a package.json exports field.
// The exports field can be:
//   - A string: "exports": "./index.js"
//   - A conditions object (no "." keys): "exports": {"import": "...", "default": "..."}
//   - A subpath map ("." keys): "exports": {".": {...}, "./react": {...}}
//   - An array of any of the above, tried in order
func matchExports(exports *exportValue, subpath, platform string) string {
	if exports.Path != "" {
		if subpath == "." {
			return exports.Path
		}
		return ""
	}
	if exports.Array != nil {
		if subpath == "." {
			return resolveCondition(exports, platform)
		}
		return ""
	}
	if exports.Map == nil {
		return ""
	}

	isSubpathMap := false
	for key := range exports.Map {
		if strings.HasPrefix(key, ".") {
			isSubpathMap = true
			break
		}
	}

	if !isSubpathMap {
		if subpath == "." {
			return resolveCondition(exports, platform)
		}
		return ""
	}

	if entry, ok := exports.Map[subpath]; ok {
		return resolveCondition(entry, platform)
	}

	// Longest wildcard prefix wins, e.g. "./lib/*" over "./*".
	bestKey, bestStar, bestLen := "", "", -1
	for key := range exports.Map {
		prefix, suffix, ok := strings.Cut(key, "*")
		if !ok || !strings.HasPrefix(subpath, prefix) || !strings.HasSuffix(subpath, suffix) {
			continue
		}
		if len(subpath) < len(prefix)+len(suffix) {
			continue
		}
		if len(prefix) > bestLen {
			bestKey, bestLen = key, len(prefix)
			bestStar = subpath[len(prefix) : len(subpath)-len(suffix)]
		}
	}
	if bestKey == "" {
		return ""
	}
	target := resolveCondition(exports.Map[bestKey], platform)
	if target == "" {
		return ""
	}
	return strings.ReplaceAll(target, "*", bestStar)
}

// resolveCondition recursively resolves a condition value from an exports entry.
// It handles strings (direct paths), fallback arrays and condition objects
// with platform-specific priority ordering.
func resolveCondition(value *exportValue, platform string) string {
	if value.Path != "" {
		return value.Path
	}
	for _, alt := range value.Array {
		if result := resolveCondition(alt, platform); result != "" {
			return result
		}
	}
	if value.Map == nil {
		return ""
	}

	var keys []string
	if platform == "node" {
		keys = []string{"node", "module", "import", "require", "default"}
	} else {
		keys = []string{"browser", "module", "import", "default"}
	}

	for _, key := range keys {
		if entry, ok := value.Map[key]; ok {
			if result := resolveCondition(entry, platform); result != "" {
				return result
			}
		}
	}
	return ""
}

// PackageNameFromSpec extracts the npm package name from an import specifier.
// "react" → "react", "react-dom/client" → "react-dom",
// "@scope/pkg" → "@scope/pkg", "@scope/pkg/sub" → "@scope/pkg".
func PackageNameFromSpec(spec string) string {
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	parts := strings.SplitN(spec, "/", 2)
	return parts[0]
}
