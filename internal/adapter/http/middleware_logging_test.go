package adapthttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"nutrisync/internal/app"
)

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := &Server{logger: zap.New(core)}

	var seenID string
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = app.CorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("OK"))
	})
	handler := s.requestIDMiddleware(s.loggingMiddleware(nextHandler))

	req := httptest.NewRequest(http.MethodGet, "/test-path", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
	assert.Equal(t, "req-42", seenID)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, http.MethodGet, fields["method"])
	assert.Equal(t, "/test-path", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "req-42", fields["requestId"])
}

func TestRequestIDMiddleware_Generates(t *testing.T) {
	s := &Server{logger: zap.NewNop()}
	handler := s.requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get(requestIDHeader), 36)
}

func TestSplitTables(t *testing.T) {
	assert.Equal(t, []string{"foods", "goals", "devices"}, splitTables([]string{"foods, goals", "devices", ""}))
	assert.Nil(t, splitTables(nil))
}
