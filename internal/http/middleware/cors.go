package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions,
	}, ", ")

	// Last-Event-ID lets EventSource resume; Range serves partial downloads.
	corsRequestHeaders = strings.Join([]string{
		"Accept", "Content-Type", "Cache-Control", "Last-Event-ID", "Range", RequestIDHeader,
	}, ", ")

	// Browser clients read the file name and batch counters of downloads.
	corsExposedHeaders = strings.Join([]string{
		RequestIDHeader, "Content-Disposition", "Content-Length", "X-Batch-Included", "X-Batch-Skipped",
	}, ", ")
)

// CORSPolicy decides which browser origins may call the API.
type CORSPolicy struct {
	// Origins lists allowed origins. Empty or "*" allows any origin.
	Origins []string
	// MaxAge is how long browsers may cache a preflight answer.
	MaxAge time.Duration
}

// NewCORSPolicy returns a policy for origins with a one day preflight cache.
func NewCORSPolicy(origins []string) CORSPolicy {
	return CORSPolicy{Origins: origins, MaxAge: 24 * time.Hour}
}

func (p CORSPolicy) anyOrigin() bool {
	return len(p.Origins) == 0 || slices.Contains(p.Origins, "*")
}

// Handler applies the policy. Only genuine preflights (OPTIONS carrying
// Access-Control-Request-Method) are answered here; other requests reach
// next with the allow headers already set.
func (p CORSPolicy) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		switch {
		case p.anyOrigin():
			h.Set("Access-Control-Allow-Origin", "*")
		case slices.Contains(p.Origins, origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		default:
			h.Add("Vary", "Origin")
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Expose-Headers", corsExposedHeaders)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsRequestHeaders)
			if p.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(p.MaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
