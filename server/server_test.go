package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/paymcp/paygate/config"
	"github.com/paymcp/paygate/proxy"
	"github.com/paymcp/paygate/server"
)

func testRouter(t *testing.T, upstreamURL string) http.Handler {
	engine := proxy.New(proxy.Options{
		Store: config.NewStaticStore(&config.Config{
			Servers: map[string]*config.ServerConfig{
				"weather": {ID: "weather", UpstreamURL: upstreamURL},
			},
		}),
		Logger: zaptest.NewLogger(t),
	})
	return server.New(engine, zaptest.NewLogger(t))
}

func upstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req["id"],
			"result": map[string]any{"content": []any{}},
		})
	}))
}

const callBody = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t","arguments":{}}}`

func TestHealth(t *testing.T) {
	router := testRouter(t, "http://unused.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerIDFromPath(t *testing.T) {
	up := upstream()
	defer up.Close()
	router := testRouter(t, up.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/weather", strings.NewReader(callBody)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "result")
}

func TestServerIDFromQuery(t *testing.T) {
	up := upstream()
	defer up.Close()
	router := testRouter(t, up.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp?serverId=weather", strings.NewReader(callBody)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerIDFromHeader(t *testing.T) {
	up := upstream()
	defer up.Close()
	router := testRouter(t, up.URL)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(callBody))
	req.Header.Set(server.ServerIDHeader, "weather")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingServerID(t *testing.T) {
	router := testRouter(t, "http://unused.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(callBody)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownServerIs404(t *testing.T) {
	router := testRouter(t, "http://unused.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/ghost", strings.NewReader(callBody)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
