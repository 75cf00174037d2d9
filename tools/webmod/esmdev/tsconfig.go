package esmdev

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

type tsconfigFile struct {
	CompilerOptions struct {
		BaseURL string              `json:"baseUrl"`
		Paths   map[string][]string `json:"paths"`
	} `json:"compilerOptions"`
}

// readTsconfig returns the raw tsconfig for esbuild together with its path
// aliases as import map entries. "@/*": ["./src/*"] becomes "@/" -> "/src/"
// and "~utils": ["./src/utils"] becomes "~utils" -> "/src/utils". Targets
// are resolved against baseUrl and made absolute URLs relative to root.
func readTsconfig(path, root string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	clean, err := hujson.Standardize(data)
	if err != nil {
		return "", nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var tsconfig tsconfigFile
	if err := json.Unmarshal(clean, &tsconfig); err != nil {
		return "", nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	baseURL := filepath.Join(filepath.Dir(path), tsconfig.CompilerOptions.BaseURL)
	aliases := make(map[string]string, len(tsconfig.CompilerOptions.Paths))
	for alias, targets := range tsconfig.CompilerOptions.Paths {
		if len(targets) == 0 {
			continue
		}
		target := targets[0]
		wildcard := strings.HasSuffix(alias, "/*") && strings.HasSuffix(target, "/*")
		if wildcard {
			alias, target = strings.TrimSuffix(alias, "*"), strings.TrimSuffix(target, "*")
		}
		rel, err := filepath.Rel(root, filepath.Join(baseURL, target))
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." {
			rel = ""
		}
		url := "/" + filepath.ToSlash(rel)
		if wildcard && !strings.HasSuffix(url, "/") {
			url += "/"
		}
		aliases[alias] = url
	}
	return string(data), aliases, nil
}
