// Package dhan implements the broker driver for Dhan (api.dhan.co v2).
package dhan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
	"broker-core/pkg/mapping"
)

const brokerName = "dhan"

const unauthenticated = "unauthenticated"

var ist = time.FixedZone("IST", 5*3600+1800)

// Resolver is the instrument lookup the driver needs.
type Resolver interface {
	Resolve(ctx context.Context, symbol string, exchange common.Exchange) (common.Instrument, bool)
}

// Options assembles a Driver. API and Dialer are nil when the process has
// no credentials; every operation then reports "unauthenticated".
type Options struct {
	API      API
	Dialer   common.StreamDialer
	Resolver Resolver
	Registry *mapping.Registry
	Logger   *logger.Log
}

// Driver implements common.Driver for Dhan.
type Driver struct {
	api      API
	dialer   common.StreamDialer
	resolver Resolver
	reg      *mapping.Registry
	caps     common.Capabilities
	log      *logger.Entry
}

// Capabilities is the fixed feature set of this driver.
var Capabilities = common.Capabilities{
	Historical:      true,
	Quotes:          true,
	Funds:           true,
	Positions:       true,
	PlaceOrder:      true,
	ModifyOrder:     true,
	CancelOrder:     true,
	Tradebook:       true,
	Orderbook:       true,
	WebsocketTicks:  true,
	WebsocketOrders: true,
	GTT:             true,
}

// NewDriver validates that every enum the driver can emit has a Dhan
// translation, so a gap fails here rather than on a live order.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Resolver == nil {
		return nil, errors.New("dhan: resolver is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = mapping.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	if err := requireMappings(reg); err != nil {
		return nil, fmt.Errorf("dhan: %w", err)
	}
	d := &Driver{
		api:      opts.API,
		resolver: opts.Resolver,
		reg:      reg,
		caps:     Capabilities,
		log:      log.WithComponent("driver").WithField("broker", brokerName),
	}
	if opts.API != nil && opts.Dialer != nil {
		d.dialer = opts.Dialer
	}
	return d, nil
}

// New builds the production driver. Missing credentials are not an error:
// the driver is returned in unauthenticated mode.
func New(cfg Config, resolver Resolver, lookup SecurityLookup, log *logger.Log) (*Driver, error) {
	opts := Options{Resolver: resolver, Logger: log}
	if cfg.hasCredentials() {
		opts.API = NewClient(cfg)
		opts.Dialer = NewFeed(FeedConfig{
			ClientID:     cfg.ClientID,
			AccessToken:  cfg.AccessToken,
			FeedURL:      cfg.FeedURL,
			OrderFeedURL: cfg.OrderFeedURL,
			OrderUpdates: cfg.OrderUpdates,
			Lookup:       lookup,
			Logger:       log,
		})
	} else if log != nil {
		log.WithComponent("driver").Warn("dhan credentials missing, driver is unauthenticated")
	}
	return NewDriver(opts)
}

func requireMappings(reg *mapping.Registry) error {
	return errors.Join(
		reg.Require(mapping.KindOrderType, brokerName,
			string(common.OrderTypeMarket), string(common.OrderTypeLimit),
			string(common.OrderTypeStopLoss), string(common.OrderTypeStopLossMarket)),
		reg.Require(mapping.KindProductType, brokerName,
			string(common.ProductCNC), string(common.ProductIntraday),
			string(common.ProductMargin), string(common.ProductMTF)),
		reg.Require(mapping.KindTransactionType, brokerName, string(common.Buy), string(common.Sell)),
		reg.Require(mapping.KindValidity, brokerName, string(common.ValidityDay), string(common.ValidityIOC)),
	)
}

func (d *Driver) Name() string                      { return brokerName }
func (d *Driver) Capabilities() common.Capabilities { return d.caps }
func (d *Driver) Authenticated() bool               { return d.api != nil }

func (d *Driver) StreamDialer() common.StreamDialer { return d.dialer }

func (d *Driver) Resolve(ctx context.Context, symbol string, exchange common.Exchange) (common.Instrument, bool) {
	return d.resolver.Resolve(ctx, symbol, exchange)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder runs validate, resolve, translate, submit. Any failure before
// submit returns without a network call.
func (d *Driver) PlaceOrder(ctx context.Context, req common.OrderRequest) (resp common.OrderResponse) {
	defer d.recoverOrder("place_order", "", &resp)

	if d.api == nil {
		return unauthResponse("")
	}
	if err := req.Validate(); err != nil {
		return errResponse("", err)
	}
	inst, ok := d.resolver.Resolve(ctx, req.Symbol, req.Exchange)
	if !ok {
		return errResponse("", symbolNotFound(req.Symbol, req.Exchange))
	}
	body, err := d.orderBody(inst, req)
	if err != nil {
		return errResponse("", err)
	}
	body.CorrelationID = correlationID(req.Tag)

	log := d.log.WithFields(logger.Fields{
		"op":             "place_order",
		"symbol":         req.Symbol,
		"security_id":    inst.SecurityID,
		"correlation_id": body.CorrelationID,
	})
	started := time.Now()
	r, err := d.api.PlaceOrder(ctx, body)
	log.LogPerformance("place_order", started)
	if err != nil {
		log.WithError(err).Warn("order submit failed")
		return errResponse("", err)
	}
	out := d.orderResult("", r)
	out.Raw["correlation_id"] = body.CorrelationID
	if out.OK() {
		log.WithField("order_id", out.OrderID).Info("order accepted")
	} else {
		log.WithField("reason", out.Message).Warn("order rejected")
	}
	return out
}

func (d *Driver) orderBody(inst common.Instrument, req common.OrderRequest) (OrderBody, error) {
	seg, err := d.reg.Segment(brokerName, inst.MarketSegment())
	if err != nil {
		return OrderBody{}, err
	}
	side, err := d.reg.TransactionType(brokerName, req.TransactionType)
	if err != nil {
		return OrderBody{}, err
	}
	ot, err := d.reg.OrderType(brokerName, req.OrderType)
	if err != nil {
		return OrderBody{}, err
	}
	pt, err := d.reg.ProductType(brokerName, req.ProductType)
	if err != nil {
		return OrderBody{}, err
	}
	val, err := d.reg.Validity(brokerName, req.Validity)
	if err != nil {
		return OrderBody{}, err
	}
	body := OrderBody{
		TransactionType: side,
		ExchangeSegment: seg,
		ProductType:     pt,
		OrderType:       ot,
		Validity:        val,
		SecurityID:      inst.SecurityID,
		Quantity:        req.Quantity,
		Price:           req.WirePrice(),
	}
	if req.OrderType == common.OrderTypeStopLoss || req.OrderType == common.OrderTypeStopLossMarket {
		body.TriggerPrice = req.StopPrice
	}
	return body, nil
}

// ModifyOrder sends only the fields present in updates.
func (d *Driver) ModifyOrder(ctx context.Context, orderID string, updates common.OrderUpdates) (resp common.OrderResponse) {
	defer d.recoverOrder("modify_order", orderID, &resp)

	if d.api == nil {
		return unauthResponse(orderID)
	}
	if strings.TrimSpace(orderID) == "" {
		return errResponse(orderID, common.NewError(common.KindValidation, "modify_order", errors.New("order id is required")))
	}
	if err := updates.Validate(); err != nil {
		return errResponse(orderID, err)
	}

	body := ModifyBody{
		Quantity:     updates.Quantity,
		Price:        updates.Price,
		TriggerPrice: updates.StopPrice,
	}
	if updates.OrderType != nil {
		ot, err := d.reg.OrderType(brokerName, *updates.OrderType)
		if err != nil {
			return errResponse(orderID, err)
		}
		body.OrderType = ot
	}
	if updates.Validity != nil {
		val, err := d.reg.Validity(brokerName, *updates.Validity)
		if err != nil {
			return errResponse(orderID, err)
		}
		body.Validity = val
	}

	r, err := d.api.ModifyOrder(ctx, orderID, body)
	if err != nil {
		d.log.WithError(err).WithField("order_id", orderID).Warn("order modify failed")
		return errResponse(orderID, err)
	}
	return d.orderResult(orderID, r)
}

func (d *Driver) CancelOrder(ctx context.Context, orderID string) (resp common.OrderResponse) {
	defer d.recoverOrder("cancel_order", orderID, &resp)

	if d.api == nil {
		return unauthResponse(orderID)
	}
	if strings.TrimSpace(orderID) == "" {
		return errResponse(orderID, common.NewError(common.KindValidation, "cancel_order", errors.New("order id is required")))
	}
	r, err := d.api.CancelOrder(ctx, orderID)
	if err != nil {
		d.log.WithError(err).WithField("order_id", orderID).Warn("order cancel failed")
		return errResponse(orderID, err)
	}
	out := d.orderResult(orderID, r)
	if !out.OK() {
		d.log.WithFields(logger.Fields{"order_id": orderID, "reason": out.Message}).Warn("cancel rejected")
	}
	return out
}

// PlaceGTTOCO places a forever order with a stop-loss leg and a target leg;
// whichever triggers first cancels the other.
func (d *Driver) PlaceGTTOCO(ctx context.Context, req common.GTTOCORequest) (resp common.OrderResponse) {
	defer d.recoverOrder("place_gtt_oco", "", &resp)

	if !d.caps.GTT {
		return errResponse("", common.NewError(common.KindUnsupported, "place_gtt_oco", common.ErrUnsupported))
	}
	if d.api == nil {
		return unauthResponse("")
	}
	if err := req.Validate(); err != nil {
		return errResponse("", err)
	}
	exchange := req.Exchange
	if exchange == "" {
		exchange = common.ExchangeNFO
	}
	inst, ok := d.resolver.Resolve(ctx, req.Symbol, exchange)
	if !ok {
		return errResponse("", symbolNotFound(req.Symbol, exchange))
	}

	seg, err := d.reg.Segment(brokerName, inst.MarketSegment())
	if err != nil {
		return errResponse("", err)
	}
	side, err := d.reg.TransactionType(brokerName, req.TransactionType)
	if err != nil {
		return errResponse("", err)
	}
	product := req.ProductType
	if product == "" {
		product = common.ProductMargin
	}
	pt, err := d.reg.ProductType(brokerName, product)
	if err != nil {
		return errResponse("", err)
	}
	limit, _ := d.reg.OrderType(brokerName, common.OrderTypeLimit)
	day, _ := d.reg.Validity(brokerName, common.ValidityDay)

	body := ForeverOrderBody{
		CorrelationID:   correlationID(req.Tag),
		OrderFlag:       "OCO",
		TransactionType: side,
		ExchangeSegment: seg,
		ProductType:     pt,
		OrderType:       limit,
		Validity:        day,
		SecurityID:      inst.SecurityID,
		Quantity:        req.Quantity,
		Price:           req.StopLossLimit,
		TriggerPrice:    req.StopLossTrigger,
		Price1:          req.TargetLimit,
		TriggerPrice1:   req.TargetTrigger,
		Quantity1:       req.Quantity,
	}
	r, err := d.api.PlaceForeverOrder(ctx, body)
	if err != nil {
		d.log.WithError(err).WithField("symbol", req.Symbol).Warn("gtt oco submit failed")
		return errResponse("", err)
	}
	out := d.orderResult("", r)
	out.Raw["correlation_id"] = body.CorrelationID
	return out
}

// orderResult converts a broker envelope into an OrderResponse.
func (d *Driver) orderResult(orderID string, r Response) common.OrderResponse {
	if !r.OK() {
		kind := common.KindBrokerRejected
		if r.HTTPStatus == 401 || r.HTTPStatus == 403 {
			kind = common.KindUnauthenticated
		}
		return common.OrderResponse{
			Status:  common.StatusError,
			OrderID: orderID,
			Message: r.ErrorMessage(),
			Kind:    kind,
			Raw:     r.Raw(),
		}
	}
	var data struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
	}
	_ = json.Unmarshal(r.Data, &data)
	if data.OrderID != "" {
		orderID = data.OrderID
	}
	out := common.OrderResponse{
		Status:  common.StatusOK,
		OrderID: orderID,
		Raw:     r.Raw(),
	}
	// The broker can answer 200 with a terminal REJECTED state.
	if st, err := d.reg.OrderStatusOf(brokerName, data.OrderStatus); err == nil && st == common.StatusRejected {
		out.Status = common.StatusError
		out.Kind = common.KindBrokerRejected
		out.Message = "order rejected by broker"
	}
	return out
}

func (d *Driver) recoverOrder(op, orderID string, resp *common.OrderResponse) {
	if rec := recover(); rec != nil {
		d.log.WithFields(logger.Fields{"op": op, "panic": fmt.Sprint(rec)}).Error("recovered panic in driver")
		*resp = errResponse(orderID, common.NewError(common.KindNetwork, op, fmt.Errorf("panic: %v", rec)))
	}
}

func unauthResponse(orderID string) common.OrderResponse {
	return common.OrderResponse{
		Status:  common.StatusError,
		OrderID: orderID,
		Message: unauthenticated,
		Kind:    common.KindUnauthenticated,
		Raw:     map[string]any{"error": unauthenticated},
	}
}

func errResponse(orderID string, err error) common.OrderResponse {
	return common.OrderResponse{
		Status:  common.StatusError,
		OrderID: orderID,
		Message: err.Error(),
		Kind:    common.KindOf(err),
		Raw:     map[string]any{"error": err.Error()},
	}
}

func symbolNotFound(symbol string, exchange common.Exchange) error {
	return common.NewError(common.KindSymbolNotFound, "resolve",
		fmt.Errorf("symbol not found in master: %s:%s", exchange, symbol))
}

// correlationID keeps caller tags and otherwise generates one. Dhan caps
// the field at 25 characters.
func correlationID(tag string) string {
	id := strings.TrimSpace(tag)
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if len(id) > 25 {
		id = id[:25]
	}
	return id
}

// ---------------------------------------------------------------------------
// Market data and account reads
// ---------------------------------------------------------------------------

// GetQuote returns the last price for an "EXCHANGE:SYMBOL" key. Failures
// yield LastPrice 0 with the reason in Raw.
func (d *Driver) GetQuote(ctx context.Context, key string) (q common.Quote) {
	symbol, exchange, err := common.ParseSymbolKey(key)
	q = common.Quote{Symbol: symbol, Exchange: exchange}
	if err != nil {
		q.Symbol = key
		return d.quoteErr(q, err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			q = d.quoteErr(common.Quote{Symbol: symbol, Exchange: exchange}, fmt.Errorf("panic: %v", rec))
		}
	}()

	if d.api == nil {
		q.Raw = map[string]any{"error": unauthenticated}
		return q
	}
	inst, ok := d.resolver.Resolve(ctx, symbol, exchange)
	if !ok {
		return d.quoteErr(q, symbolNotFound(symbol, exchange))
	}
	seg, err := d.reg.Segment(brokerName, inst.MarketSegment())
	if err != nil {
		return d.quoteErr(q, err)
	}
	r, err := d.api.LTP(ctx, seg, inst.SecurityID)
	if err != nil {
		return d.quoteErr(q, err)
	}
	if !r.OK() {
		q.Raw = r.Raw()
		d.log.WithFields(logger.Fields{"op": "get_quote", "symbol": key, "reason": r.ErrorMessage()}).Warn("quote rejected")
		return q
	}

	var payload struct {
		Data map[string]map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(r.Data, &payload); err != nil {
		return d.quoteErr(q, fmt.Errorf("decode ltp: %w", err))
	}
	q.Raw = r.Raw()
	if entry, ok := payload.Data[seg][inst.SecurityID]; ok {
		q.LastPrice = entry.LastPrice
	}
	return q
}

func (d *Driver) quoteErr(q common.Quote, err error) common.Quote {
	d.log.WithError(err).WithFields(logger.Fields{"op": "get_quote", "symbol": q.Symbol}).Warn("quote unavailable")
	q.LastPrice = 0
	q.Raw = map[string]any{"error": err.Error()}
	return q
}

// GetHistory routes minute intervals to the intraday endpoint and "day" to
// the historical one.
func (d *Driver) GetHistory(ctx context.Context, req common.HistoryRequest) (candles []common.Candle) {
	log := d.log.WithFields(logger.Fields{"op": "get_history", "symbol": req.Symbol, "interval": req.Interval})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("recovered panic in driver")
			candles = []common.Candle{}
		}
	}()
	if d.api == nil {
		return []common.Candle{}
	}
	symbol, exchange, err := common.ParseSymbolKey(req.Symbol)
	if err != nil {
		log.WithError(err).Warn("history unavailable")
		return []common.Candle{}
	}
	inst, ok := d.resolver.Resolve(ctx, symbol, exchange)
	if !ok {
		log.Warn("history symbol not found")
		return []common.Candle{}
	}
	seg, err := d.reg.Segment(brokerName, inst.MarketSegment())
	if err != nil {
		log.WithError(err).Warn("history unavailable")
		return []common.Candle{}
	}

	to := req.To
	if to.IsZero() {
		to = time.Now().In(ist)
	}
	from := req.From
	if from.IsZero() {
		from = to.AddDate(0, 0, -1)
	}
	instrument := inst.InstrumentType
	if instrument == "" {
		instrument = "EQUITY"
	}
	chart := ChartRequest{
		SecurityID:      inst.SecurityID,
		ExchangeSegment: seg,
		Instrument:      instrument,
		OI:              req.OI,
	}

	var r Response
	if req.Interval == common.IntervalDay {
		chart.FromDate = from.Format("2006-01-02")
		chart.ToDate = to.Format("2006-01-02")
		r, err = d.api.HistoricalCharts(ctx, chart)
	} else {
		iv, mapErr := d.reg.Interval(brokerName, req.Interval)
		if mapErr != nil {
			log.WithError(mapErr).Warn("history unavailable")
			return []common.Candle{}
		}
		chart.Interval = iv
		chart.FromDate = from.Format("2006-01-02 15:04:05")
		chart.ToDate = to.Format("2006-01-02 15:04:05")
		r, err = d.api.IntradayCharts(ctx, chart)
	}
	if err != nil {
		log.WithError(err).Warn("history request failed")
		return []common.Candle{}
	}
	if !r.OK() {
		log.WithField("reason", r.ErrorMessage()).Warn("history rejected")
		return []common.Candle{}
	}
	out, err := decodeCandles(r.Data)
	if err != nil {
		log.WithError(err).Warn("history decode failed")
		return []common.Candle{}
	}
	return out
}

// decodeCandles zips the column arrays of a chart response.
func decodeCandles(data json.RawMessage) ([]common.Candle, error) {
	var cols struct {
		Open         []float64 `json:"open"`
		High         []float64 `json:"high"`
		Low          []float64 `json:"low"`
		Close        []float64 `json:"close"`
		Volume       []float64 `json:"volume"`
		Timestamp    []float64 `json:"timestamp"`
		OpenInterest []float64 `json:"open_interest"`
	}
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, err
	}
	n := len(cols.Timestamp)
	for _, c := range [][]float64{cols.Open, cols.High, cols.Low, cols.Close} {
		if len(c) < n {
			n = len(c)
		}
	}
	out := make([]common.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := common.Candle{
			Time:  time.Unix(int64(cols.Timestamp[i]), 0).In(ist),
			Open:  cols.Open[i],
			High:  cols.High[i],
			Low:   cols.Low[i],
			Close: cols.Close[i],
		}
		if i < len(cols.Volume) {
			c.Volume = cols.Volume[i]
		}
		if i < len(cols.OpenInterest) {
			c.OI = cols.OpenInterest[i]
		}
		out = append(out, c)
	}
	return out, nil
}

type positionRow struct {
	TradingSymbol    string  `json:"tradingSymbol"`
	SecurityID       string  `json:"securityId"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	NetQty           int     `json:"netQty"`
	CostPrice        float64 `json:"costPrice"`
	BuyAvg           float64 `json:"buyAvg"`
	RealizedProfit   float64 `json:"realizedProfit"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
}

// GetPositions returns normalized positions. Rows whose segment or product
// has no mapping keep those fields empty and are logged.
func (d *Driver) GetPositions(ctx context.Context) (positions []common.Position) {
	log := d.log.WithField("op", "get_positions")
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("recovered panic in driver")
			positions = []common.Position{}
		}
	}()
	if d.api == nil {
		return []common.Position{}
	}
	r, err := d.api.Positions(ctx)
	if err != nil {
		log.WithError(err).Warn("positions request failed")
		return []common.Position{}
	}
	if !r.OK() {
		log.WithField("reason", r.ErrorMessage()).Warn("positions rejected")
		return []common.Position{}
	}

	var rows []positionRow
	var raws []map[string]any
	if err := json.Unmarshal(r.Data, &rows); err != nil {
		log.WithError(err).Warn("positions decode failed")
		return []common.Position{}
	}
	_ = json.Unmarshal(r.Data, &raws)

	out := make([]common.Position, 0, len(rows))
	for i, row := range rows {
		p := common.Position{
			Symbol:            row.TradingSymbol,
			QuantityTotal:     row.NetQty,
			QuantityAvailable: row.NetQty,
			AveragePrice:      row.CostPrice,
			PnL:               row.RealizedProfit + row.UnrealizedProfit,
		}
		if p.AveragePrice == 0 {
			p.AveragePrice = row.BuyAvg
		}
		if i < len(raws) {
			p.Raw = raws[i]
		}
		if m, err := d.reg.MarketSegmentOf(brokerName, row.ExchangeSegment); err == nil {
			p.Exchange = m.Exchange
			if m.Segment == common.SegmentDerivatives {
				p.Exchange = derivativeExchange(m.Exchange)
			}
		} else {
			log.WithError(err).WithField("symbol", row.TradingSymbol).Warn("position segment unmapped")
		}
		if pt, err := d.reg.ProductTypeOf(brokerName, row.ProductType); err == nil {
			p.ProductType = pt
		} else {
			log.WithError(err).WithField("symbol", row.TradingSymbol).Warn("position product unmapped")
		}
		out = append(out, p)
	}
	return out
}

func derivativeExchange(venue common.Exchange) common.Exchange {
	switch venue {
	case common.ExchangeNSE:
		return common.ExchangeNFO
	case common.ExchangeBSE:
		return common.ExchangeBFO
	default:
		return venue
	}
}

// GetFunds reads the fund limit. availabelBalance is the broker's spelling.
func (d *Driver) GetFunds(ctx context.Context) (funds common.Funds) {
	log := d.log.WithField("op", "get_funds")
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("recovered panic in driver")
			funds = common.Funds{Raw: map[string]any{"error": fmt.Sprintf("panic: %v", rec)}}
		}
	}()
	if d.api == nil {
		return common.Funds{Raw: map[string]any{"error": unauthenticated}}
	}
	r, err := d.api.FundLimits(ctx)
	if err != nil {
		log.WithError(err).Warn("funds request failed")
		return common.Funds{Raw: map[string]any{"error": err.Error()}}
	}
	if !r.OK() {
		log.WithField("reason", r.ErrorMessage()).Warn("funds rejected")
		return common.Funds{Raw: r.Raw()}
	}
	var data struct {
		Available    float64 `json:"availabelBalance"`
		Utilized     float64 `json:"utilizedAmount"`
		SODLimit     float64 `json:"sodLimit"`
		Withdrawable float64 `json:"withdrawableBalance"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		log.WithError(err).Warn("funds decode failed")
		return common.Funds{Raw: map[string]any{"error": err.Error()}}
	}
	raw := map[string]any{}
	_ = json.Unmarshal(r.Data, &raw)
	return common.Funds{
		Equity:        data.Available + data.Utilized,
		AvailableCash: data.Available,
		UsedMargin:    data.Utilized,
		Net:           data.Available,
		Raw:           raw,
	}
}

type orderRow struct {
	OrderID            string  `json:"orderId"`
	OrderStatus        string  `json:"orderStatus"`
	TransactionType    string  `json:"transactionType"`
	ExchangeSegment    string  `json:"exchangeSegment"`
	ProductType        string  `json:"productType"`
	OrderType          string  `json:"orderType"`
	TradingSymbol      string  `json:"tradingSymbol"`
	Quantity           int     `json:"quantity"`
	FilledQty          int     `json:"filledQty"`
	Price              float64 `json:"price"`
	TriggerPrice       float64 `json:"triggerPrice"`
	AverageTradedPrice float64 `json:"averageTradedPrice"`
	OmsErrorDesc       string  `json:"omsErrorDescription"`
	UpdateTime         string  `json:"updateTime"`
}

func (d *Driver) GetOrderBook(ctx context.Context) (entries []common.OrderBookEntry) {
	log := d.log.WithField("op", "get_orderbook")
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("recovered panic in driver")
			entries = []common.OrderBookEntry{}
		}
	}()
	if d.api == nil {
		return []common.OrderBookEntry{}
	}
	r, err := d.api.OrderList(ctx)
	if err != nil || !r.OK() {
		log.WithError(errOf(err, r)).Warn("orderbook unavailable")
		return []common.OrderBookEntry{}
	}
	var rows []orderRow
	var raws []map[string]any
	if err := json.Unmarshal(r.Data, &rows); err != nil {
		log.WithError(err).Warn("orderbook decode failed")
		return []common.OrderBookEntry{}
	}
	_ = json.Unmarshal(r.Data, &raws)

	out := make([]common.OrderBookEntry, 0, len(rows))
	for i, row := range rows {
		e := common.OrderBookEntry{
			OrderID:        row.OrderID,
			Symbol:         row.TradingSymbol,
			Quantity:       row.Quantity,
			FilledQuantity: row.FilledQty,
			Price:          row.Price,
			StopPrice:      row.TriggerPrice,
			AveragePrice:   row.AverageTradedPrice,
			Message:        row.OmsErrorDesc,
			UpdatedAt:      parseBrokerTime(row.UpdateTime),
		}
		if i < len(raws) {
			e.Raw = raws[i]
		}
		e.Status, _ = d.reg.OrderStatusOf(brokerName, row.OrderStatus)
		e.TransactionType, _ = d.reg.TransactionTypeOf(brokerName, row.TransactionType)
		e.OrderType, _ = d.reg.OrderTypeOf(brokerName, row.OrderType)
		e.ProductType, _ = d.reg.ProductTypeOf(brokerName, row.ProductType)
		if m, err := d.reg.MarketSegmentOf(brokerName, row.ExchangeSegment); err == nil {
			e.Exchange = m.Exchange
		}
		out = append(out, e)
	}
	return out
}

type tradeRow struct {
	OrderID         string  `json:"orderId"`
	ExchangeTradeID string  `json:"exchangeTradeId"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	TradingSymbol   string  `json:"tradingSymbol"`
	TradedQuantity  int     `json:"tradedQuantity"`
	TradedPrice     float64 `json:"tradedPrice"`
	ExchangeTime    string  `json:"exchangeTime"`
}

func (d *Driver) GetTradeBook(ctx context.Context) (entries []common.TradeBookEntry) {
	log := d.log.WithField("op", "get_tradebook")
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("recovered panic in driver")
			entries = []common.TradeBookEntry{}
		}
	}()
	if d.api == nil {
		return []common.TradeBookEntry{}
	}
	r, err := d.api.TradeBook(ctx)
	if err != nil || !r.OK() {
		log.WithError(errOf(err, r)).Warn("tradebook unavailable")
		return []common.TradeBookEntry{}
	}
	var rows []tradeRow
	var raws []map[string]any
	if err := json.Unmarshal(r.Data, &rows); err != nil {
		log.WithError(err).Warn("tradebook decode failed")
		return []common.TradeBookEntry{}
	}
	_ = json.Unmarshal(r.Data, &raws)

	out := make([]common.TradeBookEntry, 0, len(rows))
	for i, row := range rows {
		e := common.TradeBookEntry{
			TradeID:  row.ExchangeTradeID,
			OrderID:  row.OrderID,
			Symbol:   row.TradingSymbol,
			Quantity: row.TradedQuantity,
			Price:    row.TradedPrice,
			TradedAt: parseBrokerTime(row.ExchangeTime),
		}
		if i < len(raws) {
			e.Raw = raws[i]
		}
		e.TransactionType, _ = d.reg.TransactionTypeOf(brokerName, row.TransactionType)
		e.ProductType, _ = d.reg.ProductTypeOf(brokerName, row.ProductType)
		if m, err := d.reg.MarketSegmentOf(brokerName, row.ExchangeSegment); err == nil {
			e.Exchange = m.Exchange
		}
		out = append(out, e)
	}
	return out
}

func errOf(err error, r Response) error {
	if err != nil {
		return err
	}
	return common.NewError(common.KindBrokerRejected, "dhan", errors.New(r.ErrorMessage()))
}

func parseBrokerTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, ist); err == nil {
		return t
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).In(ist)
	}
	return time.Time{}
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// ResolveSubscription maps an "EXCHANGE:SYMBOL" key to the feed identifiers.
func (d *Driver) ResolveSubscription(ctx context.Context, key string) (common.Subscription, error) {
	symbol, exchange, err := common.ParseSymbolKey(key)
	if err != nil {
		return common.Subscription{}, err
	}
	inst, ok := d.resolver.Resolve(ctx, symbol, exchange)
	if !ok {
		return common.Subscription{}, symbolNotFound(symbol, exchange)
	}
	seg, err := d.reg.Segment(brokerName, inst.MarketSegment())
	if err != nil {
		return common.Subscription{}, err
	}
	return common.Subscription{
		Key:        common.SymbolKey(symbol, exchange),
		Symbol:     inst.Symbol,
		Exchange:   exchange,
		SecurityID: inst.SecurityID,
		Segment:    seg,
	}, nil
}

var _ common.Driver = (*Driver)(nil)
