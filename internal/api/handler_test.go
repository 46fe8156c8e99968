package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-core/internal/events"
	"broker-core/internal/monitor"
	"broker-core/internal/order"
	"broker-core/internal/stream"
	"broker-core/pkg/cache"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/instruments"
)

type stubBroker struct {
	instruments map[string]common.Instrument
}

func (b *stubBroker) Name() string        { return "dhan" }
func (b *stubBroker) Authenticated() bool { return true }
func (b *stubBroker) Capabilities() common.Capabilities {
	return common.Capabilities{Quotes: true, PlaceOrder: true, GTT: true}
}
func (b *stubBroker) Resolve(_ context.Context, symbol string, exchange common.Exchange) (common.Instrument, bool) {
	inst, ok := b.instruments[common.SymbolKey(symbol, exchange)]
	return inst, ok
}

type stubStream struct{}

func (stubStream) Stats() stream.Stats {
	return stream.Stats{Connected: true, Subscriptions: 2, Delivered: 40}
}
func (stubStream) Subscriptions() []string { return []string{"NSE:INFY", "NSE:RELIANCE"} }

type stubInstruments struct{}

func (stubInstruments) Stats() instruments.Stats {
	return instruments.Stats{Count: 120000, Source: instruments.SourceCache}
}

func newTestAPIServer(t *testing.T) (*Server, *cache.LTPCache, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	expiry := time.Date(2026, 10, 27, 0, 0, 0, 0, time.UTC)
	broker := &stubBroker{instruments: map[string]common.Instrument{
		"NSE:RELIANCE": {Symbol: "RELIANCE", Exchange: common.ExchangeNSE, Segment: common.SegmentEquity,
			SecurityID: "2885", InstrumentType: "EQUITY", LotSize: 1, TickSize: 0.05},
		"NFO:NIFTY-Oct2026-FUT": {Symbol: "NIFTY-Oct2026-FUT", Exchange: common.ExchangeNFO, Segment: common.SegmentDerivatives,
			SecurityID: "35001", InstrumentType: "FUTIDX", Expiry: &expiry, LotSize: 75, TickSize: 0.1},
	}}
	ltp := cache.NewLTPCache()
	bus := events.NewBus()
	srv := NewServer(Deps{
		Broker:      broker,
		Instruments: stubInstruments{},
		Stream:      stubStream{},
		Cache:       ltp,
		Bus:         bus,
	})
	return srv, ltp, bus
}

func doGet(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.Router.ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestAPIServer(t)
	w, body := doGet(t, srv, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dhan", body["broker"])
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, 120000.0, body["instruments"].(map[string]any)["count"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _, _ := newTestAPIServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	srv.Router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestCapabilitiesEndpoint(t *testing.T) {
	srv, _, _ := newTestAPIServer(t)
	w, body := doGet(t, srv, "/capabilities")

	assert.Equal(t, http.StatusOK, w.Code)
	caps := body["capabilities"].(map[string]any)
	assert.Equal(t, true, caps["quotes"])
	assert.Equal(t, false, caps["historical"])
	assert.Equal(t, []any{"quotes", "place_order", "gtt"}, body["enabled"])
}

func TestInstrumentEndpoint(t *testing.T) {
	srv, _, _ := newTestAPIServer(t)

	w, body := doGet(t, srv, "/instruments/nse/RELIANCE")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2885", body["security_id"])
	assert.NotContains(t, body, "expiry")

	w, body = doGet(t, srv, "/instruments/NFO/NIFTY-Oct2026-FUT")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2026-10-27", body["expiry"])
	assert.Equal(t, 75.0, body["lot_size"])

	w, body = doGet(t, srv, "/instruments/NSE/UNKNOWN")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NSE:UNKNOWN", body["symbol"])

	w, _ = doGet(t, srv, "/instruments/XYZ/RELIANCE")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLTPEndpoint(t *testing.T) {
	srv, ltp, _ := newTestAPIServer(t)
	tickTime := time.Date(2026, 10, 15, 9, 20, 0, 0, time.UTC)
	ltp.Set("NSE:RELIANCE", 2901.5, tickTime)

	w, body := doGet(t, srv, "/ltp/NSE/RELIANCE")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2901.5, body["last_price"])
	assert.Equal(t, "NSE:RELIANCE", body["symbol"])

	w, _ = doGet(t, srv, "/ltp/NSE/INFY")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamStatsEndpoint(t *testing.T) {
	srv, ltp, _ := newTestAPIServer(t)
	ltp.Set("NSE:INFY", 1500, time.Now())

	w, body := doGet(t, srv, "/stream/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, true, stats["connected"])
	assert.Equal(t, 40.0, stats["delivered"])
	assert.Equal(t, []any{"NSE:INFY", "NSE:RELIANCE"}, body["subscriptions"])
	assert.Contains(t, body, "cache")
	assert.Equal(t, 0.0, body["bus_dropped"])
}

func TestOptionalDepsReportUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Deps{Broker: &stubBroker{}})

	w, _ := doGet(t, srv, "/ltp/NSE/RELIANCE")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w, _ = doGet(t, srv, "/stream/stats")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w, body := doGet(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, body, "instruments")
}

func TestRateLimitRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(newIPLimiter(0.001, 2), NewServer(Deps{Broker: &stubBroker{}}).log))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestWebsocketRelaysTicks(t *testing.T) {
	srv, _, bus := newTestAPIServer(t)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Subscribers(events.EventTick) == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(events.EventTick, common.Tick{Symbol: "RELIANCE", Exchange: common.ExchangeNSE, LastPrice: 2900})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "tick", msg.Type)
	assert.Equal(t, "RELIANCE", msg.Data["Symbol"])
}

type stubOrders struct {
	intents []order.Intent
	err     error
}

func (o *stubOrders) Submit(_ context.Context, in order.Intent) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	o.intents = append(o.intents, in)
	return "intent-1", nil
}

func (o *stubOrders) Pending() int { return len(o.intents) }

func postJSON(srv *Server, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Router.ServeHTTP(w, req)
	return w
}

func TestSubmitOrderIntents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	orders := &stubOrders{}
	srv := NewServer(Deps{Broker: &stubBroker{}, Orders: orders})

	w := postJSON(srv, "/orders", `{"action":"place","strategy_id":"s1","order":{
		"symbol":"RELIANCE","exchange":"nse","transaction_type":"buy","order_type":"limit",
		"product_type":"cnc","validity":"day","quantity":5,"price":2500}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"intent_id":"intent-1"`)

	w = postJSON(srv, "/orders", `{"action":"modify","order_id":"77","updates":{"price":2510.5,"order_type":"sl"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = postJSON(srv, "/orders", `{"action":"cancel","order_id":"77"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, orders.intents, 3)
	place := orders.intents[0]
	assert.Equal(t, order.ActionPlace, place.Action)
	assert.Equal(t, "s1", place.StrategyID)
	assert.Equal(t, common.ExchangeNSE, place.Request.Exchange)
	assert.Equal(t, common.Buy, place.Request.TransactionType)
	assert.Equal(t, common.OrderTypeLimit, place.Request.OrderType)
	assert.NoError(t, place.Request.Validate())

	modify := orders.intents[1]
	require.NotNil(t, modify.Updates.Price)
	assert.Equal(t, 2510.5, *modify.Updates.Price)
	require.NotNil(t, modify.Updates.OrderType)
	assert.Equal(t, common.OrderTypeStopLoss, *modify.Updates.OrderType)
	assert.Nil(t, modify.Updates.Quantity)

	assert.Equal(t, order.ActionCancel, orders.intents[2].Action)
	assert.Equal(t, "77", orders.intents[2].OrderID)
}

func TestSubmitOrderRejectsBadBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	orders := &stubOrders{}
	srv := NewServer(Deps{Broker: &stubBroker{}, Orders: orders})

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"action":"place"}`,
		`{"action":"modify","order_id":"1"}`,
		`{"action":"cancel"}`,
		`{"action":"gtt_oco"}`,
		`{"action":"explode"}`,
	} {
		w := postJSON(srv, "/orders", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, orders.intents)
}

func TestSubmitOrderUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Deps{Broker: &stubBroker{}})
	w := postJSON(srv, "/orders", `{"action":"cancel","order_id":"1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	closed := NewServer(Deps{Broker: &stubBroker{}, Orders: &stubOrders{err: order.ErrExecutorClosed}})
	w = postJSON(closed, "/orders", `{"action":"cancel","order_id":"1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := monitor.NewMetrics()
	m.OrderLatency.Record(12)
	srv := NewServer(Deps{Broker: &stubBroker{}, Metrics: m})

	w, body := doGet(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["order_latency_ms"].(map[string]any)["count"])
	assert.Contains(t, body, "goroutine_count")

	w, _ = doGet(t, NewServer(Deps{Broker: &stubBroker{}}), "/metrics")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
