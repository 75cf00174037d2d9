package esmdev

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// parseProxies turns "prefix=target" pairs into reverse proxies keyed by
// path prefix. A malformed pair is an error.
func parseProxies(specs []string) (map[string]*httputil.ReverseProxy, error) {
	proxies := make(map[string]*httputil.ReverseProxy, len(specs))
	for _, spec := range specs {
		prefix, target, ok := strings.Cut(spec, "=")
		prefix, target = strings.TrimSpace(prefix), strings.TrimSpace(target)
		if !ok || prefix == "" || target == "" {
			return nil, fmt.Errorf("proxy %q: want prefix=target", spec)
		}
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("proxy %q: invalid target %q", spec, target)
		}
		proxy := httputil.NewSingleHostReverseProxy(u)
		director := proxy.Director
		proxy.Director = func(req *http.Request) {
			director(req)
			req.Host = u.Host
		}
		// Dev backends commonly run with self-signed certificates.
		proxy.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
		proxies[prefix] = proxy
	}
	return proxies, nil
}
