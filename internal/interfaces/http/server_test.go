package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/driftline/internal/adapters/paper"
	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/engine"
)

var serverStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	sim := clock.NewSim(serverStart)
	client := paper.NewClient(paper.DefaultClientConfig(), sim, zerolog.Nop())
	cfg := engine.DefaultConfig()
	cfg.MinRiskAdjustedScore = 100 // classification only, no trading
	eng, err := engine.New(cfg, sim, client, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return NewServer(DefaultConfig(), eng, zerolog.Nop()), eng
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "subsystems")
}

func TestEmptyCollections(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/opportunities", "/trades", "/correlations"} {
		rec := do(s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		body := decode(t, rec)
		assert.EqualValues(t, 0, body["count"], path)
	}

	rec := do(s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 0, body["live_trades"])

	rec = do(s, http.MethodGet, "/liquidity", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTradeNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/trades/no-such-trade", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "no-such-trade")
}

func TestTradeCancelUnknown(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/trades/xyz/cancel", `{"reason":"test"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigGetAndPatch(t *testing.T) {
	s, eng := newTestServer(t)

	rec := do(s, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/config", "min_risk_adjusted_score: 75\n")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 75.0, eng.Config().MinRiskAdjustedScore, 1e-9)

	// Out-of-range values are rejected and the config stays put.
	rec = do(s, http.MethodPatch, "/config", "min_risk_adjusted_score: 150\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.InDelta(t, 75.0, eng.Config().MinRiskAdjustedScore, 1e-9)

	rec = do(s, http.MethodPost, "/config", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/config", ":::not yaml:::")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlEndpoint(t *testing.T) {
	s, eng := newTestServer(t)

	// Control requires a running engine.
	rec := do(s, http.MethodPost, "/control/depeg/stop", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	rec = do(s, http.MethodPost, "/control/depeg/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "depeg", body["subsystem"])
	assert.Equal(t, "stop", body["action"])

	rec = do(s, http.MethodPost, "/control/depeg/stop", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/control/depeg/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/control/bogus/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFoundHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "/nope")
}

func TestCORSEchoesLoopbackOrigin(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "driftline_")
}

func TestWebsocketUpgrade(t *testing.T) {
	s, _ := newTestServer(t)

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// No events are flowing; the connection should simply stay open.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	require.NoError(t, conn.Close())
}
