package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/edgeflare/carebus/pkg/httputil"
)

const RequestIDHeader = "X-Request-Id"

// RequestID tags each request with an id, reusing an inbound X-Request-Id so
// operator tooling can correlate calls across services.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
		if !ok || reqID == "" {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
