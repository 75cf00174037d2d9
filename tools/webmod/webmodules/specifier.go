package webmodules

import (
	"regexp"
	"strings"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// schemeRe matches "https://", "data:", "node:" and other URL schemes.
var schemeRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*):`)

// Specifier is the parsed form of a module reference.
type Specifier struct {
	Raw         string
	Scheme      string
	PackageName string
	SubPath     string
	Query       string
}

// ParseSpecifier classifies s. URLs keep only Raw and Scheme. Relative and
// absolute paths have no PackageName; their path is kept in SubPath. For bare
// references the package name is split off, counting "@scope/name" as one segment.
func ParseSpecifier(s string) Specifier {
	sp := Specifier{Raw: s}
	if m := schemeRe.FindStringSubmatch(s); m != nil {
		sp.Scheme = m[1]
		return sp
	}

	path, query, _ := strings.Cut(s, "?")
	sp.Query = query
	if isPathSpecifier(path) {
		sp.SubPath = path
		return sp
	}

	sp.PackageName = common.PackageNameFromSpec(path)
	sp.SubPath = strings.TrimPrefix(strings.TrimPrefix(path, sp.PackageName), "/")
	return sp
}

func isPathSpecifier(path string) bool {
	return path == "" || path == "." || path == ".." ||
		strings.HasPrefix(path, "/") ||
		strings.HasPrefix(path, "./") ||
		strings.HasPrefix(path, "../")
}

// IsBare reports whether the specifier names a package.
func (s Specifier) IsBare() bool {
	return s.Scheme == "" && s.PackageName != ""
}

// Bare returns the package name and sub-path without the query.
func (s Specifier) Bare() string {
	if s.SubPath == "" {
		return s.PackageName
	}
	return s.PackageName + "/" + s.SubPath
}
