package obs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "prod", "warn").Info("hidden")
	assert.Empty(t, buf.String())

	newLogger(&buf, "prod", "").Info("shown", "conversation_id", "c1")
	assert.Contains(t, buf.String(), `"conversation_id":"c1"`)

	buf.Reset()
	newLogger(&buf, "dev", "debug").Debug("pretty", "k", "v")
	assert.Contains(t, buf.String(), "pretty")
	assert.NotContains(t, buf.String(), `"msg"`)
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	h := HealthHandlers{Checks: map[string]Check{
		"store": func(context.Context) error { return nil },
		"kafka": func(context.Context) error { return errors.New("no brokers") },
	}}
	r := gin.New()
	r.GET("/readyz", h.Readyz)
	r.GET("/livez", h.Livez)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no brokers")
	assert.NotContains(t, rec.Body.String(), "store")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	var buf bytes.Buffer
	m := Middleware{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	r := gin.New()
	r.Use(m.RequestID(), m.LoggerMiddleware())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}
