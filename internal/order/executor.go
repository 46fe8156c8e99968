package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"broker-core/internal/events"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

// Driver is the order half of common.Driver.
type Driver interface {
	Name() string
	PlaceOrder(ctx context.Context, req common.OrderRequest) common.OrderResponse
	ModifyOrder(ctx context.Context, orderID string, updates common.OrderUpdates) common.OrderResponse
	CancelOrder(ctx context.Context, orderID string) common.OrderResponse
	PlaceGTTOCO(ctx context.Context, req common.GTTOCORequest) common.OrderResponse
}

// Executor sends intents to a driver and publishes the lifecycle on the bus.
type Executor struct {
	Driver Driver
	Bus    *events.Bus
	log    *logger.Entry
}

func NewExecutor(driver Driver, bus *events.Bus, log *logger.Log) *Executor {
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{
		Driver: driver,
		Bus:    bus,
		log:    log.WithComponent("executor").WithField("broker", driver.Name()),
	}
}

// Handle runs one intent synchronously. It blocks for the duration of the
// broker call.
func (e *Executor) Handle(ctx context.Context, in Intent) common.OrderResponse {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	e.publish(events.EventOrderSubmitted, in, common.OrderResponse{OrderID: in.OrderID})

	var resp common.OrderResponse
	switch in.Action {
	case ActionPlace:
		resp = e.Driver.PlaceOrder(ctx, in.Request)
	case ActionModify:
		resp = e.Driver.ModifyOrder(ctx, in.OrderID, in.Updates)
	case ActionCancel:
		resp = e.Driver.CancelOrder(ctx, in.OrderID)
	case ActionGTTOCO:
		resp = e.Driver.PlaceGTTOCO(ctx, in.GTT)
	default:
		err := common.NewError(common.KindValidation, "execute", fmt.Errorf("unknown action %q", in.Action))
		resp = common.OrderResponse{
			Status:  common.StatusError,
			OrderID: in.OrderID,
			Message: err.Error(),
			Kind:    common.KindValidation,
			Raw:     map[string]any{"error": err.Error()},
		}
	}

	log := e.log.WithFields(logger.Fields{
		"intent_id": in.ID,
		"action":    in.Action,
		"symbol":    in.Symbol(),
		"order_id":  resp.OrderID,
	})
	if resp.OK() {
		e.publish(events.EventOrderAccepted, in, resp)
		log.Info("intent accepted")
	} else {
		e.publish(events.EventOrderRejected, in, resp)
		log.WithFields(logger.Fields{"kind": resp.Kind, "reason": resp.Message}).Warn("intent rejected")
	}
	return resp
}

func (e *Executor) publish(topic events.Event, in Intent, resp common.OrderResponse) {
	e.Bus.Publish(topic, Event{
		IntentID:   in.ID,
		StrategyID: in.StrategyID,
		Action:     in.Action,
		Symbol:     in.Symbol(),
		OrderID:    resp.OrderID,
		Message:    resp.Message,
		Kind:       resp.Kind,
		Time:       time.Now(),
	})
}
