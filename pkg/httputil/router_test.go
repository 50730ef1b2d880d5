package httputil

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRouterHandle(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("GET /topics", ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/topics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/topics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	assert.Panics(t, func() { r.HandleFunc("/no-method", ok) })
}

func TestRouterMiddlewareOrder(t *testing.T) {
	r := NewRouter()
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, req)
			})
		}
	}
	r.Use(mark("outer"), mark("inner"))
	r.HandleFunc("GET /topics", ok)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/topics", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRouterGroup(t *testing.T) {
	r := NewRouter()
	api := r.Group("/api")
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Group", "api")
			next.ServeHTTP(w, req)
		})
	})
	api.HandleFunc("GET /groups", ok)
	r.HandleFunc("GET /healthz", ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/groups", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api", w.Header().Get("X-Group"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, w.Header().Get("X-Group"), "group middleware does not leak to the parent")
}

func serve(t *testing.T, r *Router) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
		assert.NoError(t, <-done)
	})
	return l.Addr().String()
}

func TestRouterServe(t *testing.T) {
	r := NewRouter()
	r.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { Text(w, http.StatusOK, "ok") })
	addr := serve(t, r)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestRouterTLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	_, err := LoadOrGenerateCert(certFile, keyFile, "127.0.0.1")
	require.NoError(t, err)
	r := NewRouter(WithTLS(certFile, keyFile))
	r.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { Text(w, http.StatusOK, "secure") })
	addr := serve(t, r)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secure", string(body))
}

func TestFail(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantClass  string
	}{
		{errdefs.Validationf("topic", "unknown topic %q", "x"), http.StatusBadRequest, "validation"},
		{&errdefs.SchemaIncompatibleError{EventType: "lab.result", Version: 2, Reasons: []string{"field removed"}}, http.StatusUnprocessableEntity, "schema_incompatible"},
		{&errdefs.UnavailableError{Err: errors.New("down")}, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.wantStatus), func(t *testing.T) {
			w := httptest.NewRecorder()
			Fail(w, 0, tt.err)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Code)
			if tt.wantClass != "" {
				assert.Equal(t, tt.wantClass, resp.Class)
			}
		})
	}

	w := httptest.NewRecorder()
	Fail(w, http.StatusNotFound, errors.New("no such group"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBindOrError(t *testing.T) {
	var dst struct{ Name string }
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"billing"}`))
	require.NoError(t, BindOrError(req, httptest.NewRecorder(), &dst))
	assert.Equal(t, "billing", dst.Name)

	w := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.Error(t, BindOrError(req, w, &dst))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func BenchmarkRouterServeHTTP(b *testing.B) {
	r := NewRouter()
	r.HandleFunc("GET /topics/{name}", ok)
	req := httptest.NewRequest(http.MethodGet, "/topics/patient.state", nil)
	w := httptest.NewRecorder()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.ServeHTTP(w, req)
	}
}

func BenchmarkRouterServeHTTPConcurrent(b *testing.B) {
	r := NewRouter()
	r.Use(func(next http.Handler) http.Handler { return next })
	r.HandleFunc("GET /topics/{name}", ok)
	req := httptest.NewRequest(http.MethodGet, "/topics/patient.state", nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r.ServeHTTP(httptest.NewRecorder(), req)
		}
	})
}
