package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/daqhub/pkg/daqhub"
	"github.com/chosenoffset/daqhub/pkg/daqhub/hardware"
	"github.com/chosenoffset/daqhub/pkg/daqhub/scope"
)

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func newTestServer(t *testing.T) (*Server, *daqhub.Engine) {
	t.Helper()
	sim := hardware.NewSimulator(hardware.SimulatorConfig{
		SampleRate: 1000,
		AI:         []hardware.Waveform{{Shape: "dc", Offset: 1.5}},
		DigitalOut: 1,
		AnalogOut:  1,
	})
	cfg := daqhub.DefaultEngineConfig()
	cfg.Channels = map[daqhub.ChannelKind][]string{
		daqhub.AnalogIn:   {"Tank"},
		daqhub.AnalogOut:  {"Valve"},
		daqhub.DigitalOut: {"Pump"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := daqhub.NewEngine(sim, daqhub.NewRegistry(nil), cfg, logger)
	return NewServer(8080, engine, logger), engine
}

func do(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, reader))

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestExpressionsEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	h := s.Handler()

	defs := []daqhub.ExpressionDef{
		{Name: "double", Source: `"AI:Tank" * 2`, Enabled: true},
		{Name: "idle", Source: "0"},
	}
	rec, env := do(t, h, http.MethodPut, "/api/expressions", defs)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.Equal(t, []string{"double", "idle"}, engine.Registry().Names())

	rec, env = do(t, h, http.MethodGet, "/api/expressions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []expressionView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 2)
	assert.Equal(t, `"AI:Tank" * 2`, views[0].Source)
	assert.True(t, views[0].Enabled)
	require.NotNil(t, views[1].Telemetry)

	t.Run("CompileErrorRejectsAll", func(t *testing.T) {
		rec, env := do(t, h, http.MethodPut, "/api/expressions", []daqhub.ExpressionDef{
			{Name: "ok", Source: "1", Enabled: true},
			{Name: "broken", Source: "(1 +", Enabled: true},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, env.Error, "broken")
		assert.Equal(t, []string{"double", "idle"}, engine.Registry().Names())
	})

	t.Run("NameTooLong", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodPut, "/api/expressions", []daqhub.ExpressionDef{
			{Name: strings.Repeat("x", maxNameLength+1), Source: "1"},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("BadJSON", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/expressions", strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodDelete, "/api/expressions", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestValidateEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec, env := do(t, h, http.MethodPost, "/api/expressions/validate",
		validateRequest{Source: "x = 4\nstatic.n = x\n\"DO:Pump\" = 1\nx / 2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 2.0, resp.Result.Result)
	assert.Equal(t, 4.0, resp.Result.Locals["x"])
	assert.Len(t, resp.Result.Writes, 1)

	_, env = do(t, h, http.MethodPost, "/api/expressions/validate", validateRequest{Source: "1 +\n(2"})
	resp = validateResponse{}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Error)
	assert.Positive(t, resp.Line)

	_, env = do(t, h, http.MethodPost, "/api/expressions/validate", validateRequest{Source: "nosuch(1)"})
	resp = validateResponse{}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Valid)
	assert.NotEmpty(t, resp.Result.RuntimeError)
}

func TestGlobalsEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	h := s.Handler()
	globals := engine.Registry().Globals()
	globals.Set("count", 3)
	globals.Set("total", 9)

	_, env := do(t, h, http.MethodGet, "/api/globals", nil)
	var values map[string]float64
	require.NoError(t, json.Unmarshal(env.Data, &values))
	assert.Equal(t, map[string]float64{"count": 3, "total": 9}, values)

	rec, _ := do(t, h, http.MethodDelete, "/api/globals?name=count", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"total"}, globals.Names())

	rec, _ = do(t, h, http.MethodDelete, "/api/globals?name=count", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/api/globals", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, globals.List())
}

func TestButtonsEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	h := s.Handler()

	rec, _ := do(t, h, http.MethodPost, "/api/buttons", buttonRequest{Name: "start", Value: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, engine.Buttons()["start"])

	rec, _ = do(t, h, http.MethodPost, "/api/buttons", buttonRequest{Value: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopeEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	h := s.Handler()
	engine.Scope().SetHardwareRate(1000)

	mode := scope.ModeNormal
	rec, env := do(t, h, http.MethodPost, "/api/scope", scope.Update{Mode: &mode, TimePerDiv: ptr(0.01)})
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.Equal(t, scope.ModeNormal, engine.Scope().Config().Mode)
	assert.Equal(t, 100, engine.Scope().Window().Total)

	bad := scope.Mode("sideways")
	rec, env = do(t, h, http.MethodPost, "/api/scope", scope.Update{Mode: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error, "sideways")
}

func TestOutputsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec, _ := do(t, h, http.MethodPost, "/api/outputs", outputRequest{Kind: "do", Name: "Pump", Value: 1})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/outputs", outputRequest{Kind: "AO", Name: "Valve", Value: 2.5})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/outputs", outputRequest{Kind: "AO", Name: "Nope", Value: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/outputs", outputRequest{Kind: "TC", Name: "Oven"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndChannels(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec, env := do(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Engine  daqhub.EngineStats `json:"engine"`
		Clients int                `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.False(t, stats.Engine.Running)
	assert.Zero(t, stats.Clients)

	_, env = do(t, h, http.MethodGet, "/api/channels", nil)
	var layout map[string][]string
	require.NoError(t, json.Unmarshal(env.Data, &layout))
	assert.Equal(t, []string{"Tank"}, layout["AI"])

	rec, _ = do(t, h, http.MethodGet, "/", nil)
	assert.Contains(t, rec.Body.String(), "<canvas")
	rec, _ = do(t, h, http.MethodGet, "/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketBroadcast(t *testing.T) {
	s, _ := newTestServer(t)
	go s.broadcast()
	defer s.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "channels", hello["type"])

	s.SendSweep(scope.Sweep{Type: "scope_sweep", Triggered: true, TriggerIndex: 3, Decimation: 1})
	var sweep scope.Sweep
	require.NoError(t, conn.ReadJSON(&sweep))
	assert.Equal(t, "scope_sweep", sweep.Type)
	assert.Equal(t, 3, sweep.TriggerIndex)

	s.SendTelemetry(daqhub.CycleReport{Type: "telemetry", Sample: 42})
	var report daqhub.CycleReport
	require.NoError(t, conn.ReadJSON(&report))
	assert.Equal(t, int64(42), report.Sample)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDisconnectedThermocouple(t *testing.T) {
	sim := hardware.NewSimulator(hardware.SimulatorConfig{
		SampleRate: 1000,
		AI:         []hardware.Waveform{{Shape: "dc", Offset: 1}},
		TC:         []float64{25, math.NaN()},
	})
	cfg := daqhub.DefaultEngineConfig()
	cfg.Channels = map[daqhub.ChannelKind][]string{
		daqhub.AnalogIn:     {"Tank"},
		daqhub.Thermocouple: {"Oven", "Spare"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := daqhub.NewEngine(sim, daqhub.NewRegistry(nil), cfg, logger)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { engine.Stop() })

	s := NewServer(8080, engine, logger)
	go s.broadcast()
	defer s.Stop()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var values struct {
		Data struct {
			TC []*float64 `json:"tc"`
		} `json:"data"`
	}
	var (
		status int
		body   []byte
	)
	assert.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/values")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if body, err = io.ReadAll(resp.Body); err != nil {
			return false
		}
		return json.Unmarshal(body, &values) == nil && len(values.Data.TC) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body)
	require.Len(t, values.Data.TC, 2, string(body))
	require.NotNil(t, values.Data.TC[0])
	assert.Equal(t, 25.0, *values.Data.TC[0])
	assert.Nil(t, values.Data.TC[1])

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	s.SendSweep(scope.Sweep{
		Type:    "scope_sweep",
		Samples: []scope.Frame{{Time: 0.001, AI: []float64{1}, TC: []float64{25, math.NaN()}}},
	})
	var sweep struct {
		Type    string `json:"type"`
		Samples []struct {
			TC []*float64 `json:"tc"`
		} `json:"samples"`
	}
	require.NoError(t, conn.ReadJSON(&sweep))
	assert.Equal(t, "scope_sweep", sweep.Type)
	require.Len(t, sweep.Samples, 1)
	require.Len(t, sweep.Samples[0].TC, 2)
	assert.Nil(t, sweep.Samples[0].TC[1])
}

func TestWriteJSONReportsEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, math.Inf(1))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Error, "encoding response")
}

func ptr[T any](v T) *T { return &v }
