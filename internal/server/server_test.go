package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflux/internal/bus"
	"polyflux/internal/net/circuit"
	"polyflux/internal/prediction/model"
)

type fakePortfolio struct{}

func (fakePortfolio) GetPortfolio() model.Portfolio {
	return model.Portfolio{AvailableBalance: 900, TotalValue: 1000}
}

func (fakePortfolio) SnapshotPositions() []model.Position {
	return []model.Position{{MarketID: "m1", Outcome: model.OutcomeYes, Shares: 200, AveragePrice: 0.5}}
}

type fakeAgent struct{}

func (fakeAgent) Status() model.AgentStatus {
	return model.AgentStatus{Agent: "prediction", Status: model.AgentIdle, CurrentStep: "IDLE"}
}

func newTestServer(t *testing.T, events bus.Bus) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := New(":0", Deps{
		Breakers:  circuit.NewRegistry(circuit.DefaultConfig()),
		Portfolio: fakePortfolio{},
		Agent:     fakeAgent{},
		Events:    events,
		Gatherer:  reg,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, bus.NewMemoryBus())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var summary circuit.HealthSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, circuit.OverallHealthy, summary.Overall)
}

func TestHealthEndpointCriticalWhenBreakerOpen(t *testing.T) {
	reg := circuit.NewRegistry(circuit.DefaultConfig())
	reg.Open("polymarket")
	s := New(":0", Deps{Breakers: reg})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCircuitStatusEndpoint(t *testing.T) {
	reg := circuit.NewRegistry(circuit.DefaultConfig())
	reg.RecordFailure("newsapi")
	s := New(":0", Deps{Breakers: reg})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status/circuits")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses map[string]circuit.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	assert.Contains(t, statuses, "newsapi")
}

func TestPortfolioEndpoint(t *testing.T) {
	ts := newTestServer(t, bus.NewMemoryBus())

	resp, err := http.Get(ts.URL + "/status/portfolio")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Portfolio model.Portfolio  `json:"portfolio"`
		Positions []model.Position `json:"positions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1000.0, body.Portfolio.TotalValue)
	require.Len(t, body.Positions, 1)
	assert.Equal(t, "m1", body.Positions[0].MarketID)
}

func TestAgentEndpoint(t *testing.T) {
	ts := newTestServer(t, bus.NewMemoryBus())

	resp, err := http.Get(ts.URL + "/status/agent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status model.AgentStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "prediction", status.Agent)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "polyflux_test_total"})
	reg.MustRegister(c)
	c.Inc()

	s := New(":0", Deps{Breakers: circuit.NewRegistry(circuit.DefaultConfig()), Gatherer: reg})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStreamRelaysBusMessages(t *testing.T) {
	events := bus.NewMemoryBus()
	ts := newTestServer(t, events)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// subscription happens inside the handler goroutine; give it a beat
	time.Sleep(100 * time.Millisecond)

	trade := model.Trade{ID: "t1", MarketID: "m1", Side: model.SideBuy}
	require.NoError(t, events.Publish(context.Background(), bus.TopicTradeExecuted, trade))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg bus.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, bus.TopicTradeExecuted, msg.Topic)

	var got model.Trade
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, "t1", got.ID)
}
