package webmodules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrManifestNotFound is returned when no package.json can be located for a package.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrEntryNotFound is returned when a package has no usable entry field and no index file.
	ErrEntryNotFound = errors.New("entry file not resolvable")
)

// ManifestError reports a package.json that exists but is malformed.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// BuildError reports an esbuild failure for one specifier.
type BuildError struct {
	Specifier string
	Messages  []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("bundling %s: %s", e.Specifier, strings.Join(e.Messages, "; "))
}

// CycleError reports nested bundling that would wait on itself.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "cyclic entry module dependency: " + strings.Join(e.Chain, " -> ")
}
