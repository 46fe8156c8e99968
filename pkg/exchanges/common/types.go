package common

import (
	"fmt"
	"strings"
	"time"
)

// Exchange is the closed set of venues a symbol can be routed to.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
	ExchangeNFO Exchange = "NFO" // NSE derivatives
	ExchangeBFO Exchange = "BFO" // BSE derivatives
	ExchangeMCX Exchange = "MCX"
)

// ParseExchange accepts an exchange name in any case. Unknown names are an
// error; there is no default venue.
func ParseExchange(s string) (Exchange, error) {
	switch Exchange(strings.ToUpper(strings.TrimSpace(s))) {
	case ExchangeNSE:
		return ExchangeNSE, nil
	case ExchangeBSE:
		return ExchangeBSE, nil
	case ExchangeNFO:
		return ExchangeNFO, nil
	case ExchangeBFO:
		return ExchangeBFO, nil
	case ExchangeMCX:
		return ExchangeMCX, nil
	default:
		return "", fmt.Errorf("unknown exchange %q", s)
	}
}

// Venue returns the listing venue for an exchange. Derivative pseudo
// exchanges resolve to the cash venue that lists them.
func (e Exchange) Venue() Exchange {
	switch e {
	case ExchangeNFO:
		return ExchangeNSE
	case ExchangeBFO:
		return ExchangeBSE
	default:
		return e
	}
}

// Derivatives returns the pseudo exchange carrying a cash venue's futures
// and options, or "" when there is none.
func (e Exchange) Derivatives() Exchange {
	switch e {
	case ExchangeNSE:
		return ExchangeNFO
	case ExchangeBSE:
		return ExchangeBFO
	default:
		return ""
	}
}

// Segment classifies an instrument for request routing.
type Segment string

const (
	SegmentEquity      Segment = "EQUITY"
	SegmentDerivatives Segment = "DERIVATIVES"
	SegmentIndex       Segment = "INDEX"
	SegmentCurrency    Segment = "CURRENCY"
	SegmentCommodity   Segment = "COMMODITY"
)

// MarketSegment is the (exchange, segment) pair brokers encode as a single
// wire value such as "NSE_EQ".
type MarketSegment struct {
	Exchange Exchange
	Segment  Segment
}

func (m MarketSegment) String() string {
	return string(m.Exchange.Venue()) + "/" + string(m.Segment)
}

// TransactionType denotes order side.
type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

// OrderType denotes the pricing behaviour of an order.
type OrderType string

const (
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopLoss       OrderType = "SL"
	OrderTypeStopLossMarket OrderType = "SL_M"
)

// ProductType denotes margin/holding treatment.
type ProductType string

const (
	ProductCNC      ProductType = "CNC"
	ProductIntraday ProductType = "INTRADAY"
	ProductMargin   ProductType = "MARGIN"
	ProductMTF      ProductType = "MTF"
)

// Validity captures order time-in-force.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderStatus normalizes broker order states into a small set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Instrument is one row of a broker master list. Values are never mutated
// after load; a refresh replaces the whole table.
type Instrument struct {
	Symbol         string
	Exchange       Exchange
	Segment        Segment
	SecurityID     string
	InstrumentType string
	Expiry         *time.Time
	Strike         *float64
	OptionType     string
	LotSize        int
	TickSize       float64
}

// Key is the lookup identity of an instrument.
func (i Instrument) Key() string {
	return InstrumentKey(i.Symbol, i.Exchange)
}

// MarketSegment returns the routing pair for the instrument.
func (i Instrument) MarketSegment() MarketSegment {
	return MarketSegment{Exchange: i.Exchange, Segment: i.Segment}
}

// InstrumentKey builds the case-insensitive (symbol, exchange) identity.
// NSE and NFO are distinct: a cash row and a derivatives row may share a
// trading symbol.
func InstrumentKey(symbol string, exchange Exchange) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "|" + string(exchange)
}

// OrderRequest is a caller-constructed order intent.
type OrderRequest struct {
	Symbol          string
	Exchange        Exchange
	TransactionType TransactionType
	OrderType       OrderType
	ProductType     ProductType
	Validity        Validity
	Quantity        int
	Price           float64
	StopPrice       float64 // trigger price for SL / SL_M
	Tag             string  // optional correlation id
}

// Validate checks the request shape before anything touches the network.
func (r OrderRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return NewError(KindValidation, "validate", fmt.Errorf("symbol is required"))
	case r.Quantity <= 0:
		return NewError(KindValidation, "validate", fmt.Errorf("quantity must be > 0, got %d", r.Quantity))
	case r.Price < 0:
		return NewError(KindValidation, "validate", fmt.Errorf("price must be >= 0, got %v", r.Price))
	case r.StopPrice < 0:
		return NewError(KindValidation, "validate", fmt.Errorf("stop price must be >= 0, got %v", r.StopPrice))
	case r.TransactionType == "" || r.OrderType == "" || r.ProductType == "" || r.Validity == "":
		return NewError(KindValidation, "validate", fmt.Errorf("transaction type, order type, product type and validity are required"))
	}
	if _, err := ParseExchange(string(r.Exchange)); err != nil {
		return NewError(KindValidation, "validate", err)
	}
	if r.OrderType == OrderTypeLimit && r.Price == 0 {
		return NewError(KindValidation, "validate", fmt.Errorf("limit order requires a price"))
	}
	return nil
}

// WirePrice is the price actually submitted. Only LIMIT orders carry their
// price; market-class orders go out at zero because several brokers reject
// a nonzero price on them.
func (r OrderRequest) WirePrice() float64 {
	if r.OrderType == OrderTypeLimit {
		return r.Price
	}
	return 0
}

// OrderUpdates is a partial modification. Nil fields are left untouched at
// the broker.
type OrderUpdates struct {
	Quantity  *int
	Price     *float64
	StopPrice *float64
	OrderType *OrderType
	Validity  *Validity
}

// Validate applies the same numeric rules as OrderRequest to present fields.
func (u OrderUpdates) Validate() error {
	if u.Quantity != nil && *u.Quantity <= 0 {
		return NewError(KindValidation, "validate", fmt.Errorf("quantity must be > 0, got %d", *u.Quantity))
	}
	if u.Price != nil && *u.Price < 0 {
		return NewError(KindValidation, "validate", fmt.Errorf("price must be >= 0, got %v", *u.Price))
	}
	if u.StopPrice != nil && *u.StopPrice < 0 {
		return NewError(KindValidation, "validate", fmt.Errorf("stop price must be >= 0, got %v", *u.StopPrice))
	}
	return nil
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OrderResponse is the normalized outcome of an order operation. Raw is
// always populated, including for failures that never left the process.
type OrderResponse struct {
	Status  string
	OrderID string
	Message string
	Kind    ErrorKind
	Raw     map[string]any
}

// OK reports whether the broker accepted the operation.
func (r OrderResponse) OK() bool { return r.Status == StatusOK }

// Quote is a last-price snapshot. On failure LastPrice is 0 and Raw carries
// the error.
type Quote struct {
	Symbol    string
	Exchange  Exchange
	LastPrice float64
	Raw       map[string]any
}

// Position is a normalized broker position.
type Position struct {
	Symbol            string
	Exchange          Exchange
	ProductType       ProductType
	QuantityTotal     int
	QuantityAvailable int
	AveragePrice      float64
	PnL               float64
	Raw               map[string]any
}

// Funds is a normalized account margin snapshot.
type Funds struct {
	Equity        float64
	AvailableCash float64
	UsedMargin    float64
	Net           float64
	Raw           map[string]any
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	OI     float64
}

// Interval names accepted by GetHistory.
const (
	Interval1m  = "1m"
	Interval5m  = "5m"
	Interval15m = "15m"
	Interval25m = "25m"
	Interval60m = "60m"
	IntervalDay = "day"
)

// HistoryRequest asks for candles of one instrument. Symbol uses the
// "EXCHANGE:SYMBOL" key form.
type HistoryRequest struct {
	Symbol   string
	Interval string
	From     time.Time
	To       time.Time
	OI       bool
}

// OrderBookEntry is one order as reported by the broker.
type OrderBookEntry struct {
	OrderID         string
	Symbol          string
	Exchange        Exchange
	TransactionType TransactionType
	OrderType       OrderType
	ProductType     ProductType
	Status          OrderStatus
	Quantity        int
	FilledQuantity  int
	Price           float64
	StopPrice       float64
	AveragePrice    float64
	Message         string
	UpdatedAt       time.Time
	Raw             map[string]any
}

// TradeBookEntry is one fill as reported by the broker.
type TradeBookEntry struct {
	TradeID         string
	OrderID         string
	Symbol          string
	Exchange        Exchange
	TransactionType TransactionType
	ProductType     ProductType
	Quantity        int
	Price           float64
	TradedAt        time.Time
	Raw             map[string]any
}

// GTTOCORequest is a one-cancels-other pair of stop-loss and target legs.
type GTTOCORequest struct {
	Symbol          string
	Exchange        Exchange
	TransactionType TransactionType
	ProductType     ProductType
	Quantity        int
	StopLossTrigger float64
	StopLossLimit   float64
	TargetTrigger   float64
	TargetLimit     float64
	Tag             string
}

// Validate checks both legs.
func (r GTTOCORequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return NewError(KindValidation, "validate", fmt.Errorf("symbol is required"))
	case r.Quantity <= 0:
		return NewError(KindValidation, "validate", fmt.Errorf("quantity must be > 0, got %d", r.Quantity))
	case r.StopLossTrigger <= 0 || r.TargetTrigger <= 0:
		return NewError(KindValidation, "validate", fmt.Errorf("both trigger prices must be > 0"))
	case r.StopLossLimit < 0 || r.TargetLimit < 0:
		return NewError(KindValidation, "validate", fmt.Errorf("limit prices must be >= 0"))
	}
	return nil
}

// Tick is a single streamed price update. Segment is the broker wire
// segment, the same value Subscription.Segment carries.
type Tick struct {
	Symbol       string
	Exchange     Exchange
	SecurityID   string
	Segment      string
	LastPrice    float64
	LastQuantity int
	Volume       int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	OI           int64
	Time         time.Time
}

// OrderUpdate is a streamed order state change.
type OrderUpdate struct {
	OrderID         string
	Symbol          string
	Exchange        Exchange
	Status          OrderStatus
	TransactionType TransactionType
	Quantity        int
	FilledQuantity  int
	Price           float64
	AveragePrice    float64
	Message         string
	Raw             map[string]any
}
