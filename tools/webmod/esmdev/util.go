package esmdev

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// transformEntry caches a transformed source file.
type transformEntry struct {
	code    []byte
	modTime time.Time
}

var sourceExts = []string{".ts", ".tsx", ".js", ".jsx"}

func isSourceFileExt(ext string) bool {
	switch ext {
	case ".js", ".jsx", ".ts", ".tsx", ".mjs":
		return true
	}
	return false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// resolveSourceFile maps a URL path to a source file under dir. A .js URL
// may be served by a .ts/.tsx/.jsx file of the same name, extensionless URLs
// are probed with every source extension and then as a directory index.
func resolveSourceFile(dir, urlPath string) string {
	full := filepath.Join(dir, filepath.FromSlash(urlPath))
	if isFile(full) {
		return full
	}
	if cur := filepath.Ext(full); cur != "" {
		base := strings.TrimSuffix(full, cur)
		for _, ext := range sourceExts {
			if ext != cur && isFile(base+ext) {
				return base + ext
			}
		}
	}
	for _, ext := range sourceExts {
		if isFile(full + ext) {
			return full + ext
		}
	}
	for _, ext := range sourceExts {
		if index := filepath.Join(full, "index"+ext); isFile(index) {
			return index
		}
	}
	return ""
}

// loaderForFile returns the esbuild loader for path, JS when unknown.
func loaderForFile(path string) api.Loader {
	if loader, ok := common.Loaders[filepath.Ext(path)]; ok {
		return loader
	}
	return api.LoaderJS
}

// getLocalIPs returns non-loopback IPv4 addresses.
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}
