package order

import (
	"time"

	"broker-core/pkg/exchanges/common"
)

// Action selects the driver call an Intent turns into.
type Action string

const (
	ActionPlace  Action = "place"
	ActionModify Action = "modify"
	ActionCancel Action = "cancel"
	ActionGTTOCO Action = "gtt_oco"
)

// Intent is an order instruction from a strategy loop. Only the fields for
// its Action are read.
type Intent struct {
	ID         string
	StrategyID string // optional, carried into events and logs
	Action     Action

	Request common.OrderRequest  // place
	OrderID string               // modify, cancel
	Updates common.OrderUpdates  // modify
	GTT     common.GTTOCORequest // gtt_oco

	CreatedAt time.Time
}

// Symbol returns the instrument the intent concerns, when known.
func (i Intent) Symbol() string {
	switch i.Action {
	case ActionPlace:
		return i.Request.Symbol
	case ActionGTTOCO:
		return i.GTT.Symbol
	default:
		return ""
	}
}

// Event is the payload published on the order.* topics.
type Event struct {
	IntentID   string
	StrategyID string
	Action     Action
	Symbol     string
	OrderID    string
	Message    string
	Kind       common.ErrorKind
	Time       time.Time
}
