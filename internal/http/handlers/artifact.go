package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/mediaforge/internal/storage"
)

// ArtifactHandler serves locally published artifacts by signed token.
type ArtifactHandler struct {
	signer *storage.TokenSigner
	output *storage.Sandbox
	logger *slog.Logger
}

// NewArtifactHandler creates a new artifact handler.
func NewArtifactHandler(signer *storage.TokenSigner, output *storage.Sandbox) *ArtifactHandler {
	return &ArtifactHandler{signer: signer, output: output, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (h *ArtifactHandler) WithLogger(logger *slog.Logger) *ArtifactHandler {
	h.logger = logger
	return h
}

// RegisterRoutes registers the download route on the chi router. It is a
// raw handler so that http.ServeContent can answer range requests.
func (h *ArtifactHandler) RegisterRoutes(router chi.Router) {
	router.Get(storage.ArtifactsRoute+"{token}", h.Download)
	router.Head(storage.ArtifactsRoute+"{token}", h.Download)
}

// Download streams the artifact a token grants.
func (h *ArtifactHandler) Download(w http.ResponseWriter, r *http.Request) {
	rel, err := h.signer.Verify(chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, storage.ErrTokenExpired):
		writeJSONError(w, "artifact link has expired", http.StatusGone)
		return
	case err != nil:
		writeJSONError(w, "artifact not found", http.StatusNotFound)
		return
	}

	f, err := h.output.Open(filepath.FromSlash(rel))
	if err != nil {
		if !errors.Is(err, storage.ErrPathTraversal) {
			h.logger.Debug("artifact unavailable", slog.String("path", rel), slog.String("error", err.Error()))
		}
		writeJSONError(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeJSONError(w, "artifact not found", http.StatusNotFound)
		return
	}

	name := path.Base(rel)
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// writeJSONError writes an error response in JSON format for consistency with API clients.
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
