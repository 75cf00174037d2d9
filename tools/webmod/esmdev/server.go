// Package esmdev serves a workspace to the browser as native ES modules.
// Bare imports in workspace sources are resolved through a Resolver, which
// bundles npm packages on demand; the resulting import map is injected into
// every HTML page.
package esmdev

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Resolver maps a specifier imported from fromDir to the URL the browser
// should load.
type Resolver interface {
	Resolve(ctx context.Context, specifier, fromDir string) (string, error)
}

// ImportMap exposes the current specifier to URL table.
type ImportMap interface {
	Imports() map[string]string
}

// Options configures a Server.
type Options struct {
	// Root is the workspace root; node_modules and sources live below it.
	Root string
	// Servedir holds HTML and static files. Defaults to Root.
	Servedir string
	// OutDir and URLPrefix locate bundled packages.
	OutDir    string
	URLPrefix string
	Define    map[string]string
	Target    api.Target
	// Tsconfig supplies JSX settings and path aliases.
	Tsconfig string
	// Proxy entries are "prefix=target" pairs.
	Proxy  []string
	Logger *log.Logger
}

// Server is an http.Handler for one workspace.
type Server struct {
	root        string
	servedir    string
	outDir      string
	urlPrefix   string
	define      map[string]string
	target      api.Target
	tsconfigRaw string
	aliases     map[string]string

	resolver Resolver
	imports  ImportMap
	logger   *log.Logger

	transCache sync.Map // abs path -> *transformEntry
	router     chi.Router
}

// New creates a Server. Bare specifiers are resolved with resolver and the
// HTML import map is read from imports.
func New(resolver Resolver, imports ImportMap, opts Options) (*Server, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	servedir := root
	if opts.Servedir != "" {
		if servedir, err = filepath.Abs(opts.Servedir); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		root:      root,
		servedir:  servedir,
		outDir:    opts.OutDir,
		urlPrefix: "/" + strings.Trim(opts.URLPrefix, "/"),
		define:    opts.Define,
		target:    opts.Target,
		resolver:  resolver,
		imports:   imports,
		logger:    logger.WithPrefix("esmdev"),
	}
	if opts.Tsconfig != "" {
		tsconfig := opts.Tsconfig
		if !filepath.IsAbs(tsconfig) {
			tsconfig = filepath.Join(root, tsconfig)
		}
		raw, aliases, err := readTsconfig(tsconfig, root)
		if err != nil {
			return nil, err
		}
		s.tsconfigRaw, s.aliases = raw, aliases
	}

	proxies, err := parseProxies(opts.Proxy)
	if err != nil {
		return nil, err
	}
	s.router = s.routes(proxies)
	return s, nil
}

func (s *Server) routes(proxies map[string]*httputil.ReverseProxy) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for prefix, proxy := range proxies {
		prefix = "/" + strings.Trim(prefix, "/")
		r.Handle(prefix, proxy)
		r.Handle(prefix+"/*", proxy)
	}
	r.Get(s.urlPrefix+"/*", s.handleWebModule)
	r.Get("/*", s.handleWorkspace)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleWorkspace dispatches everything outside the bundle prefix.
func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	urlPath := r.URL.Path

	if strings.HasSuffix(urlPath, ".html") || urlPath == "/" {
		s.handleHTML(w, r, start)
		return
	}

	ext := filepath.Ext(urlPath)
	if wantsModule(r) && wrappable(ext) {
		s.handleModuleWrapper(w, r, urlPath, start)
		return
	}

	inInstallTree := strings.HasPrefix(urlPath, "/node_modules/")
	if !inInstallTree && (isSourceFileExt(ext) || ext == "") {
		if file := s.findSource(urlPath); file != "" {
			s.handleSource(w, r, urlPath, file, start)
			return
		}
	}

	for _, dir := range []string{s.servedir, s.root} {
		filePath := filepath.Join(dir, filepath.FromSlash(urlPath))
		if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
			http.ServeFile(w, r, filePath)
			s.logRequest("static", r, http.StatusOK, start)
			return
		}
	}

	if inInstallTree || ext != "" {
		http.NotFound(w, r)
		s.logRequest("req", r, http.StatusNotFound, start)
		return
	}
	// SPA fallback
	s.handleHTML(w, r, start)
}

func (s *Server) findSource(urlPath string) string {
	if file := resolveSourceFile(s.root, urlPath); file != "" {
		return file
	}
	if s.servedir != s.root {
		return resolveSourceFile(s.servedir, urlPath)
	}
	return ""
}

func (s *Server) logRequest(kind string, r *http.Request, status int, start time.Time) {
	s.logger.Debug(kind, "method", r.Method, "path", r.URL.Path, "status", status, "duration", time.Since(start))
}

var (
	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	bannerLabel = lipgloss.NewStyle().Bold(true)
	bannerMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// Run serves s on port until ctx is cancelled.
func Run(ctx context.Context, s *Server, port int) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	fmt.Printf("\n  %s  dev server ready\n\n", bannerTitle.Render("WEBMOD"))
	fmt.Printf("  ➜  %s   http://localhost:%d/\n", bannerLabel.Render("Local:"), port)
	for _, ip := range getLocalIPs() {
		fmt.Printf("  ➜  %s\n", bannerMuted.Render(fmt.Sprintf("Network: http://%s:%d/", ip, port)))
	}
	fmt.Println()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
