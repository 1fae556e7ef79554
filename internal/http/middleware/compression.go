package middleware

import (
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// CompressionConfig controls which responses are gzip/deflate encoded.
type CompressionConfig struct {
	// Level is the flate compression level passed to the encoder.
	Level int
	// StreamSuffixes are path suffixes served as server-sent events.
	StreamSuffixes []string
	// RawPrefixes are path prefixes whose bodies are finished media or
	// archives and are written as-is.
	RawPrefixes []string
}

// Compress encodes API responses while leaving progress streams, byte-range
// reads and artifact downloads untouched. Event streams must flush per
// event, and ranged reads address bytes of the stored file.
func Compress(cfg CompressionConfig) func(http.Handler) http.Handler {
	encode := chimiddleware.Compress(cfg.Level)
	return func(next http.Handler) http.Handler {
		encoded := encode(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.passthrough(r) {
				next.ServeHTTP(w, r)
				return
			}
			encoded.ServeHTTP(w, r)
		})
	}
}

func (cfg CompressionConfig) passthrough(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	if r.Header.Get("Range") != "" {
		return true
	}
	path := r.URL.Path
	for _, suffix := range cfg.StreamSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	for _, prefix := range cfg.RawPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
