package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/carebus/pkg/httputil"
)

// CORSOptions configures CORS for the inspection API.
type CORSOptions struct {
	// AllowedOrigins lists exact origins; "*" allows any origin.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// DefaultCORSOptions allows any origin read access plus schema registration.
func DefaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader, "Traceparent"},
		MaxAge:         10 * time.Minute,
	}
}

func (o *CORSOptions) allow(origin string) string {
	if origin == "" {
		return ""
	}
	if slices.Contains(o.AllowedOrigins, "*") {
		return "*"
	}
	if slices.Contains(o.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

// CORS answers preflight requests and sets CORS headers for allowed origins.
// Requests from other origins pass through without CORS headers.
func CORS(options *CORSOptions) httputil.Middleware {
	if options == nil {
		options = DefaultCORSOptions()
	}
	methods := strings.Join(options.AllowedMethods, ", ")
	headers := strings.Join(options.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := options.allow(r.Header.Get("Origin"))
			if allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				if allowed != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				next.ServeHTTP(w, r)
				return
			}

			if allowed != "" {
				if methods != "" {
					w.Header().Set("Access-Control-Allow-Methods", methods)
				}
				if headers != "" {
					w.Header().Set("Access-Control-Allow-Headers", headers)
				}
				if options.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(options.MaxAge.Seconds())))
				}
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
