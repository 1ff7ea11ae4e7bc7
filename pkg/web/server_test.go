package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netprobe/internal/testutils"
	"netprobe/pkg/config"
	"netprobe/pkg/display"
	"netprobe/pkg/geo"
	"netprobe/pkg/metrics"
	"netprobe/pkg/probe"
	"netprobe/pkg/runner"
)

type mockRunner struct {
	mu      sync.Mutex
	id      string
	err     error
	last    *runner.RunResult
	state   runner.State
	started int
}

func (m *mockRunner) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.started++
	return m.id, nil
}

func (m *mockRunner) Last() (*runner.RunResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.last != nil
}

func (m *mockRunner) State() runner.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "" {
		return runner.Idle
	}
	return m.state
}

type mockLocator struct {
	record *geo.Record
	panics bool
	calls  int
}

func (m *mockLocator) Render(ctx context.Context, sink geo.Sink) *geo.Record {
	m.calls++
	if m.panics {
		panic("lookup exploded")
	}
	if m.record == nil {
		sink.SetText(display.IPDetails, geo.FallbackAddress)
		return nil
	}
	sink.SetText(display.IPDetails, m.record.IP)
	return m.record
}

func createTestServer() (*Server, *display.Board, *mockRunner, *mockLocator) {
	cfg := &config.Config{
		API: config.APIConfig{Listen: "127.0.0.1:0"},
	}
	board := display.NewBoard()
	r := &mockRunner{id: "run-1"}
	locator := &mockLocator{record: &geo.Record{IP: "203.0.113.7", Country: "DE"}}
	server := NewServer(cfg, board, r, locator, metrics.NewCollector(5), testutils.QuietLogger())
	return server, board, r, locator
}

func serve(t *testing.T, server *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _, _ := createTestServer()

	w := serve(t, server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = serve(t, server, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestIndexPage(t *testing.T) {
	server, board, _, _ := createTestServer()
	board.SetText(display.PingValue, "23")
	board.SetText(display.IPPosition, "Berlin, Land Berlin, DE")
	board.AppendImage(display.IPPosition, "https://flags.test/de.svg", "Flag of Germany")

	w := serve(t, server, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	body := w.Body.String()
	for _, id := range []string{
		display.IPDetails, display.IPOperator, display.IPPosition, display.PingValue,
		display.DownloadValue, display.DownloadMinValue, display.DownloadAvgValue, display.DownloadMaxValue,
		display.UploadValue, display.UploadMinValue, display.UploadAvgValue, display.UploadMaxValue,
		display.ProgressBar, display.StartTest,
	} {
		assert.Contains(t, body, `id="`+id+`"`)
	}
	assert.Contains(t, body, `id="pingValue">23<`)
	assert.Contains(t, body, `alt="Flag of Germany"`)

	w = serve(t, server, http.MethodGet, "/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStateEndpoint(t *testing.T) {
	server, board, r, _ := createTestServer()
	r.state = runner.RunningDownload
	board.SetText(display.DownloadValue, "48.21")
	board.ShowProgress(true)

	w := serve(t, server, http.MethodGet, "/api/v1/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response StateResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, runner.RunningDownload, response.State)
	assert.Equal(t, "48.21", response.Board.Slots[display.DownloadValue])
	assert.True(t, response.Board.ProgressVisible)
	assert.True(t, response.Board.TriggerEnabled)

	w = serve(t, server, http.MethodDelete, "/api/v1/state")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestIPInfoEndpoint(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server, board, _, locator := createTestServer()

		w := serve(t, server, http.MethodPost, "/api/v1/ipinfo")
		require.Equal(t, http.StatusOK, w.Code)

		var record geo.Record
		require.NoError(t, json.NewDecoder(w.Body).Decode(&record))
		assert.Equal(t, "203.0.113.7", record.IP)
		assert.Equal(t, "203.0.113.7", board.Text(display.IPDetails))
		assert.Equal(t, 1, locator.calls)
	})

	t.Run("lookup failed", func(t *testing.T) {
		server, board, _, locator := createTestServer()
		locator.record = nil

		w := serve(t, server, http.MethodPost, "/api/v1/ipinfo")
		require.Equal(t, http.StatusBadGateway, w.Code)

		var response ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, geo.FallbackAddress, response.Error)
		assert.Equal(t, geo.FallbackAddress, board.Text(display.IPDetails))
	})

	t.Run("wrong method", func(t *testing.T) {
		server, _, _, locator := createTestServer()

		w := serve(t, server, http.MethodGet, "/api/v1/ipinfo")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Zero(t, locator.calls)
	})
}

func TestRunEndpoint(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		server, _, r, _ := createTestServer()

		w := serve(t, server, http.MethodPost, "/api/v1/run")
		require.Equal(t, http.StatusAccepted, w.Code)

		var response RunAccepted
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "run-1", response.ID)
		assert.Equal(t, "started", response.Status)
		assert.Equal(t, 1, r.started)
	})

	t.Run("busy", func(t *testing.T) {
		server, _, r, _ := createTestServer()
		r.err = runner.ErrBusy

		w := serve(t, server, http.MethodPost, "/api/v1/run")
		require.Equal(t, http.StatusConflict, w.Code)

		var response ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, runner.ErrBusy.Error(), response.Error)
	})

	t.Run("no result yet", func(t *testing.T) {
		server, _, _, _ := createTestServer()

		w := serve(t, server, http.MethodGet, "/api/v1/run")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("last result", func(t *testing.T) {
		server, _, r, _ := createTestServer()
		r.last = &runner.RunResult{
			ID:       "run-0",
			Ping:     probe.PingResult{MeanMs: 17},
			Download: probe.ThroughputResult{Stats: probe.Aggregate([]float64{10, 20})},
			Upload:   probe.ThroughputResult{Stats: probe.Aggregate(nil)},
		}

		w := serve(t, server, http.MethodGet, "/api/v1/run")
		require.Equal(t, http.StatusOK, w.Code)

		var decoded map[string]any
		require.NoError(t, json.NewDecoder(w.Body).Decode(&decoded))
		assert.Equal(t, "run-0", decoded["id"])

		upload := decoded["upload"].(map[string]any)
		stats := upload["stats"].(map[string]any)
		assert.Nil(t, stats["max"], "an empty phase encodes null")
	})

	t.Run("wrong method", func(t *testing.T) {
		server, _, _, _ := createTestServer()

		w := serve(t, server, http.MethodPut, "/api/v1/run")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestStatsEndpoint(t *testing.T) {
	server, _, _, _ := createTestServer()

	server.metricsCollector.RecordOutgoingCall("download", "payload.test")
	server.metricsCollector.RecordFailure("upload", "status")

	serve(t, server, http.MethodGet, "/health")
	serve(t, server, http.MethodGet, "/health")
	w := serve(t, server, http.MethodGet, "/stats.json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response metrics.StatsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	require.Contains(t, response.IncomingAPICalls, "/health")
	assert.Equal(t, 2, response.IncomingAPICalls["/health"].TotalCalls)
	require.Contains(t, response.IncomingAPICalls, "/stats.json")
	assert.Equal(t, 1, response.IncomingAPICalls["/stats.json"].TotalCalls)

	require.Contains(t, response.OutgoingAPICalls, "download")
	assert.Equal(t, 1, response.OutgoingAPICalls["download"]["payload.test"].TotalCalls)
	assert.Equal(t, 1, response.Failures["upload"]["status"])
}

func TestStatsEndpoint_Reset(t *testing.T) {
	server, _, _, _ := createTestServer()
	server.metricsCollector.RecordOutgoingCall("download", "payload.test")
	server.metricsCollector.RecordFailure("upload", "status")

	w := serve(t, server, http.MethodDelete, "/stats.json")
	require.Equal(t, http.StatusNoContent, w.Code)

	stats := server.metricsCollector.GetStats()
	assert.Empty(t, stats.OutgoingAPICalls)
	assert.Empty(t, stats.Failures)

	w = serve(t, server, http.MethodPost, "/stats.json")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _, _ := createTestServer()

	w := serve(t, server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "netprobe_active_runs")
}

func TestRecoveryMiddleware(t *testing.T) {
	server, _, _, locator := createTestServer()
	locator.panics = true

	w := serve(t, server, http.MethodPost, "/api/v1/ipinfo")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// the server keeps answering
	w = serve(t, server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccessLog(t *testing.T) {
	server, _, _, _ := createTestServer()
	var buf bytes.Buffer
	server.WithAccessLog(&buf)

	serve(t, server, http.MethodGet, "/health")

	line := buf.String()
	assert.Contains(t, line, `"GET /health HTTP/1.1" 200`)
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	server, board, _, _ := createTestServer()
	board.SetText(display.PingValue, "12")

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()
	_ = resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap display.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "12", snap.Slots[display.PingValue], "the current state is sent on connect")

	board.SetText(display.PingValue, "13")
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "13", snap.Slots[display.PingValue])

	board.SetTriggerEnabled(false)
	require.NoError(t, conn.ReadJSON(&snap))
	assert.False(t, snap.TriggerEnabled)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	server, _, _, _ := createTestServer()

	w := serve(t, server, http.MethodGet, "/ws")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerStartAndShutdown(t *testing.T) {
	server, _, _, _ := createTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerStartFailsOnBadAddress(t *testing.T) {
	server, _, _, _ := createTestServer()
	server.config.API.Listen = "256.0.0.1:bad"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := server.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start web server")
}
