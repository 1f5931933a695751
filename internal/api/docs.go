package api

import (
	"embed"
	"io/fs"
	"net/http"
	"path"

	"github.com/yegors/whisper-gateway/pkg/logger"
)

//go:embed assets/openapi.json assets/docs.html
var assets embed.FS

// docFiles maps public paths to embedded documents
var docFiles = map[string]string{
	"/docs":         "docs.html",
	"/openapi.json": "openapi.json",
}

// DocsHandler serves the embedded API description and its viewer
type DocsHandler struct {
	files  fs.FS
	logger *logger.Logger
}

// NewDocsHandler creates a new docs handler
func NewDocsHandler(logger *logger.Logger) *DocsHandler {
	files, err := fs.Sub(assets, "assets")
	if err != nil {
		panic(err)
	}
	return &DocsHandler{
		files:  files,
		logger: logger.Named("docs-handler"),
	}
}

// ServeHTTP serves one of the known documents
func (h *DocsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, ok := docFiles[path.Clean(r.URL.Path)]
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")

	h.logger.Debug("Serving document",
		logger.String("requested_path", r.URL.Path),
		logger.String("file", name))

	http.ServeFileFS(w, r, h.files, name)
}
