// Package api is the optional operator HTTP surface: health, capabilities,
// instrument lookups, cached prices and stream status.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"broker-core/internal/events"
	"broker-core/internal/monitor"
	"broker-core/internal/stream"
	"broker-core/pkg/cache"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/instruments"
	"broker-core/pkg/logger"
)

// Broker is what the handlers need from the driver.
type Broker interface {
	Name() string
	Authenticated() bool
	Capabilities() common.Capabilities
	Resolve(ctx context.Context, symbol string, exchange common.Exchange) (common.Instrument, bool)
}

// InstrumentStats reports the loaded master list.
type InstrumentStats interface {
	Stats() instruments.Stats
}

// StreamStatus reports the dispatcher.
type StreamStatus interface {
	Stats() stream.Stats
	Subscriptions() []string
}

// MetricsSource exposes runtime counters.
type MetricsSource interface {
	Snapshot() monitor.Snapshot
}

// Deps are the collaborators behind the endpoints. Everything except Broker
// may be nil; the matching endpoints then report them as
// unavailable.
type Deps struct {
	Broker      Broker
	Instruments InstrumentStats
	Stream      StreamStatus
	Cache       *cache.LTPCache
	Bus         *events.Bus
	Orders      OrderSubmitter
	Metrics     MetricsSource
	Logger      *logger.Log
}

// Server wires HTTP endpoints around the broker runtime.
type Server struct {
	Router  *gin.Engine
	deps    Deps
	log     *logger.Entry
	started time.Time
	srv     *http.Server
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	log := deps.Logger.WithComponent("api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50), log))

	s := &Server{Router: r, deps: deps, log: log, started: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/capabilities", s.capabilities)
	s.Router.GET("/instruments/:exchange/:symbol", s.instrument)
	s.Router.GET("/ltp/:exchange/:symbol", s.ltp)
	s.Router.GET("/stream/stats", s.streamStats)
	s.Router.GET("/metrics", s.metrics)
	s.Router.POST("/orders", s.submitOrder)
	s.Router.GET("/ws", s.relay)
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":        "ok",
		"broker":        s.deps.Broker.Name(),
		"authenticated": s.deps.Broker.Authenticated(),
		"uptime":        time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Instruments != nil {
		body["instruments"] = s.deps.Instruments.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) capabilities(c *gin.Context) {
	caps := s.deps.Broker.Capabilities()
	c.JSON(http.StatusOK, gin.H{
		"broker":       s.deps.Broker.Name(),
		"capabilities": caps,
		"enabled":      caps.List(),
	})
}

func (s *Server) instrument(c *gin.Context) {
	exchange, err := common.ParseExchange(c.Param("exchange"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := c.Param("symbol")
	inst, ok := s.deps.Broker.Resolve(c.Request.Context(), symbol, exchange)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not found", "symbol": common.SymbolKey(symbol, exchange)})
		return
	}
	c.JSON(http.StatusOK, instrumentJSON(inst))
}

func instrumentJSON(inst common.Instrument) gin.H {
	out := gin.H{
		"symbol":          inst.Symbol,
		"exchange":        inst.Exchange,
		"segment":         inst.Segment,
		"security_id":     inst.SecurityID,
		"instrument_type": inst.InstrumentType,
		"lot_size":        inst.LotSize,
		"tick_size":       inst.TickSize,
	}
	if inst.Expiry != nil {
		out["expiry"] = inst.Expiry.Format("2006-01-02")
	}
	if inst.Strike != nil {
		out["strike"] = *inst.Strike
	}
	if inst.OptionType != "" {
		out["option_type"] = inst.OptionType
	}
	return out
}

func (s *Server) ltp(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price cache disabled"})
		return
	}
	exchange, err := common.ParseExchange(c.Param("exchange"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := common.SymbolKey(c.Param("symbol"), exchange)
	entry, ok := s.deps.Cache.Entry(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price cached", "symbol": key})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     key,
		"last_price": entry.Price,
		"tick_time":  entry.TickTime,
		"updated_at": entry.UpdatedAt,
	})
}

func (s *Server) streamStats(c *gin.Context) {
	if s.deps.Stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream disabled"})
		return
	}
	body := gin.H{
		"stats":         s.deps.Stream.Stats(),
		"subscriptions": s.deps.Stream.Subscriptions(),
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Bus != nil {
		body["bus_dropped"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) metrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
