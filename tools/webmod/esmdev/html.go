package esmdev

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// importMapJSON merges tsconfig path aliases under the live import map.
// json.Marshal escapes <, > and &, so the result is safe inside <script>.
func (s *Server) importMapJSON() ([]byte, error) {
	imports := make(map[string]string, len(s.aliases))
	for alias, target := range s.aliases {
		imports[alias] = target
	}
	for spec, url := range s.imports.Imports() {
		imports[spec] = url
	}
	return json.Marshal(struct {
		Imports map[string]string `json:"imports"`
	}{imports})
}

// injectImportMap places an import map script before </head>, before <body>
// when there is no head, or at the top of the document.
func injectImportMap(html string, importMap []byte) string {
	tag := `<script type="importmap">` + string(importMap) + "</script>\n"
	if idx := strings.Index(html, "</head>"); idx >= 0 {
		return html[:idx] + tag + html[idx:]
	}
	if idx := strings.Index(html, "<body"); idx >= 0 {
		return html[:idx] + tag + html[idx:]
	}
	return tag + html
}

func (s *Server) handleHTML(w http.ResponseWriter, r *http.Request, start time.Time) {
	htmlPath := r.URL.Path
	if !strings.HasSuffix(htmlPath, ".html") {
		htmlPath = "/index.html"
	}
	data, err := os.ReadFile(filepath.Join(s.servedir, filepath.FromSlash(htmlPath)))
	if err != nil {
		http.NotFound(w, r)
		s.logRequest("req", r, http.StatusNotFound, start)
		return
	}
	importMap, err := s.importMapJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(injectImportMap(string(data), importMap)))
	s.logRequest("html", r, http.StatusOK, start)
}
