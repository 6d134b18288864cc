package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		out = append(out, entry)
	}
	return out
}

func TestForBot(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "INFO", JSONFormat: true}).WithComponent("autopilot")

	l.ForBot("b1", "alpha", "BTCUSDT").Info("tick")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "b1", entries[0]["bot_id"])
	assert.Equal(t, "alpha", entries[0]["bot"])
	assert.Equal(t, "BTCUSDT", entries[0]["symbol"])
	assert.Equal(t, "autopilot", entries[0]["component"])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, Default(), FromContext(context.Background()))

	l := Discard()
	assert.Same(t, l, FromContext(NewContext(context.Background(), l)))
}

func TestGinMiddlewareTracesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	prev := Default()
	var buf bytes.Buffer
	SetDefault(NewWithWriter(&buf, &Config{Level: "DEBUG", JSONFormat: true}))
	t.Cleanup(func() { SetDefault(prev) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/bots", func(c *gin.Context) {
		FromContext(c.Request.Context()).Info("listing bots")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/bots", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "trace-123", e["trace_id"])
		assert.Equal(t, "/bots", e["path"])
	}
	assert.Equal(t, "listing bots", entries[0]["message"])
	assert.EqualValues(t, http.StatusNoContent, entries[1]["status_code"])

	// a trace ID is generated when the caller sends none
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bots", nil))
	assert.Len(t, w.Header().Get("X-Trace-ID"), 36)
}
