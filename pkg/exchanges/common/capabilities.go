package common

// Capability names one optional broker feature.
type Capability string

const (
	CapHistorical      Capability = "historical"
	CapQuotes          Capability = "quotes"
	CapFunds           Capability = "funds"
	CapPositions       Capability = "positions"
	CapPlaceOrder      Capability = "place_order"
	CapModifyOrder     Capability = "modify_order"
	CapCancelOrder     Capability = "cancel_order"
	CapTradebook       Capability = "tradebook"
	CapOrderbook       Capability = "orderbook"
	CapWebsocketTicks  Capability = "websocket_ticks"
	CapWebsocketOrders Capability = "websocket_orders"
	CapMasterContract  Capability = "master_contract"
	CapOptionChain     Capability = "option_chain"
	CapGTT             Capability = "gtt"
	CapBracketOrder    Capability = "bracket_order"
	CapCoverOrder      Capability = "cover_order"
	CapMultilegOrder   Capability = "multileg_order"
	CapBasketOrders    Capability = "basket_orders"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{
	CapHistorical, CapQuotes, CapFunds, CapPositions,
	CapPlaceOrder, CapModifyOrder, CapCancelOrder,
	CapTradebook, CapOrderbook,
	CapWebsocketTicks, CapWebsocketOrders,
	CapMasterContract, CapOptionChain, CapGTT,
	CapBracketOrder, CapCoverOrder, CapMultilegOrder, CapBasketOrders,
}

// Capabilities is the static feature descriptor of a driver. It is built in
// the driver constructor and handed out by value.
type Capabilities struct {
	Historical      bool `json:"historical"`
	Quotes          bool `json:"quotes"`
	Funds           bool `json:"funds"`
	Positions       bool `json:"positions"`
	PlaceOrder      bool `json:"place_order"`
	ModifyOrder     bool `json:"modify_order"`
	CancelOrder     bool `json:"cancel_order"`
	Tradebook       bool `json:"tradebook"`
	Orderbook       bool `json:"orderbook"`
	WebsocketTicks  bool `json:"websocket_ticks"`
	WebsocketOrders bool `json:"websocket_orders"`
	MasterContract  bool `json:"master_contract"`
	OptionChain     bool `json:"option_chain"`
	GTT             bool `json:"gtt"`
	BracketOrder    bool `json:"bracket_order"`
	CoverOrder      bool `json:"cover_order"`
	MultilegOrder   bool `json:"multileg_order"`
	BasketOrders    bool `json:"basket_orders"`
}

// Supports reports whether the named capability is enabled.
func (c Capabilities) Supports(name Capability) bool {
	switch name {
	case CapHistorical:
		return c.Historical
	case CapQuotes:
		return c.Quotes
	case CapFunds:
		return c.Funds
	case CapPositions:
		return c.Positions
	case CapPlaceOrder:
		return c.PlaceOrder
	case CapModifyOrder:
		return c.ModifyOrder
	case CapCancelOrder:
		return c.CancelOrder
	case CapTradebook:
		return c.Tradebook
	case CapOrderbook:
		return c.Orderbook
	case CapWebsocketTicks:
		return c.WebsocketTicks
	case CapWebsocketOrders:
		return c.WebsocketOrders
	case CapMasterContract:
		return c.MasterContract
	case CapOptionChain:
		return c.OptionChain
	case CapGTT:
		return c.GTT
	case CapBracketOrder:
		return c.BracketOrder
	case CapCoverOrder:
		return c.CoverOrder
	case CapMultilegOrder:
		return c.MultilegOrder
	case CapBasketOrders:
		return c.BasketOrders
	default:
		return false
	}
}

// List returns the enabled capabilities in AllCapabilities order.
func (c Capabilities) List() []Capability {
	out := make([]Capability, 0, len(AllCapabilities))
	for _, name := range AllCapabilities {
		if c.Supports(name) {
			out = append(out, name)
		}
	}
	return out
}
