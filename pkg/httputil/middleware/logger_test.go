package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgeflare/carebus/pkg/httputil"
)

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func status(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestLogger(t *testing.T) {
	logger, logs := newTestLogger()
	h := Logger(&LoggerOptions{Logger: logger})(status(http.StatusOK))

	req := httptest.NewRequest(http.MethodGet, "/groups/billing/lag", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "response", entry.Message)
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/groups/billing/lag", fields["path"])
	assert.Equal(t, int64(2), fields["bytes"])
	assert.Equal(t, uuid.Nil.String(), fields["req_id"])
}

func TestLoggerServerErrors(t *testing.T) {
	logger, logs := newTestLogger()
	h := Logger(&LoggerOptions{Logger: logger})(status(http.StatusServiceUnavailable))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/topics", nil))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)
	assert.Equal(t, int64(http.StatusServiceUnavailable), logs.All()[0].ContextMap()["status"])
}

func TestLoggerCustomFormat(t *testing.T) {
	logger, logs := newTestLogger()
	h := Logger(&LoggerOptions{
		Logger: logger,
		Format: func(string, *ResponseRecorder, *http.Request, time.Duration) []zap.Field {
			return []zap.Field{zap.String("test", "log")}
		},
	})(status(http.StatusOK))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "log", logs.All()[0].ContextMap()["test"])
}

func TestLoggerRequestScoped(t *testing.T) {
	logger, logs := newTestLogger()
	reqID := uuid.NewString()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFrom(r.Context()).Info("handling")
	})
	h := RequestID(Logger(&LoggerOptions{Logger: logger})(inner))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, reqID))
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "handling", logs.All()[0].Message)
	assert.Equal(t, reqID, logs.All()[0].ContextMap()["req_id"])
	assert.Equal(t, reqID, logs.All()[1].ContextMap()["req_id"])
}

func TestLoggerFromWithoutMiddleware(t *testing.T) {
	assert.NotNil(t, LoggerFrom(context.Background()))
}

func TestLoggerNilOptions(t *testing.T) {
	rr := httptest.NewRecorder()
	Logger(nil)(status(http.StatusNoContent)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
