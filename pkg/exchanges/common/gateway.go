package common

import "context"

// Driver is the uniform contract one broker integration implements.
//
// Order operations never return Go errors: every failure, local or remote,
// comes back as an OrderResponse with Status "error". Read operations
// degrade to zero values or empty slices with the reason in Raw and a
// logged warning.
type Driver interface {
	Name() string
	Capabilities() Capabilities
	Authenticated() bool

	Resolve(ctx context.Context, symbol string, exchange Exchange) (Instrument, bool)

	PlaceOrder(ctx context.Context, req OrderRequest) OrderResponse
	ModifyOrder(ctx context.Context, orderID string, updates OrderUpdates) OrderResponse
	CancelOrder(ctx context.Context, orderID string) OrderResponse
	PlaceGTTOCO(ctx context.Context, req GTTOCORequest) OrderResponse

	GetQuote(ctx context.Context, key string) Quote
	GetHistory(ctx context.Context, req HistoryRequest) []Candle
	GetPositions(ctx context.Context) []Position
	GetFunds(ctx context.Context) Funds
	GetOrderBook(ctx context.Context) []OrderBookEntry
	GetTradeBook(ctx context.Context) []TradeBookEntry

	// StreamDialer opens the broker's persistent tick/order-update
	// connection. It returns nil when the driver has no session.
	StreamDialer() StreamDialer
	// ResolveSubscription maps an "EXCHANGE:SYMBOL" key to the broker-native
	// identifiers a stream subscription needs.
	ResolveSubscription(ctx context.Context, key string) (Subscription, error)
}
