package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"broker-core/internal/order"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

// OrderSubmitter queues order intents for asynchronous execution.
type OrderSubmitter interface {
	Submit(ctx context.Context, in order.Intent) (string, error)
	Pending() int
}

type orderBody struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	ProductType     string  `json:"product_type"`
	Validity        string  `json:"validity"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	StopPrice       float64 `json:"stop_price"`
	Tag             string  `json:"tag"`
}

type updatesBody struct {
	Quantity  *int     `json:"quantity"`
	Price     *float64 `json:"price"`
	StopPrice *float64 `json:"stop_price"`
	OrderType *string  `json:"order_type"`
	Validity  *string  `json:"validity"`
}

type gttBody struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	ProductType     string  `json:"product_type"`
	Quantity        int     `json:"quantity"`
	StopLossTrigger float64 `json:"stop_loss_trigger"`
	StopLossLimit   float64 `json:"stop_loss_limit"`
	TargetTrigger   float64 `json:"target_trigger"`
	TargetLimit     float64 `json:"target_limit"`
	Tag             string  `json:"tag"`
}

type intentBody struct {
	Action     string       `json:"action" binding:"required"`
	StrategyID string       `json:"strategy_id"`
	Order      *orderBody   `json:"order"`
	OrderID    string       `json:"order_id"`
	Updates    *updatesBody `json:"updates"`
	GTT        *gttBody     `json:"gtt"`
}

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func (b intentBody) intent() (order.Intent, error) {
	in := order.Intent{
		Action:     order.Action(strings.ToLower(strings.TrimSpace(b.Action))),
		StrategyID: b.StrategyID,
		OrderID:    b.OrderID,
	}
	switch in.Action {
	case order.ActionPlace:
		if b.Order == nil {
			return in, errors.New("order is required for place")
		}
		o := b.Order
		in.Request = common.OrderRequest{
			Symbol:          o.Symbol,
			Exchange:        common.Exchange(upper(o.Exchange)),
			TransactionType: common.TransactionType(upper(o.TransactionType)),
			OrderType:       common.OrderType(upper(o.OrderType)),
			ProductType:     common.ProductType(upper(o.ProductType)),
			Validity:        common.Validity(upper(o.Validity)),
			Quantity:        o.Quantity,
			Price:           o.Price,
			StopPrice:       o.StopPrice,
			Tag:             o.Tag,
		}
	case order.ActionModify:
		if b.OrderID == "" || b.Updates == nil {
			return in, errors.New("order_id and updates are required for modify")
		}
		u := b.Updates
		in.Updates = common.OrderUpdates{Quantity: u.Quantity, Price: u.Price, StopPrice: u.StopPrice}
		if u.OrderType != nil {
			ot := common.OrderType(upper(*u.OrderType))
			in.Updates.OrderType = &ot
		}
		if u.Validity != nil {
			v := common.Validity(upper(*u.Validity))
			in.Updates.Validity = &v
		}
	case order.ActionCancel:
		if b.OrderID == "" {
			return in, errors.New("order_id is required for cancel")
		}
	case order.ActionGTTOCO:
		if b.GTT == nil {
			return in, errors.New("gtt is required for gtt_oco")
		}
		g := b.GTT
		in.GTT = common.GTTOCORequest{
			Symbol:          g.Symbol,
			Exchange:        common.Exchange(upper(g.Exchange)),
			TransactionType: common.TransactionType(upper(g.TransactionType)),
			ProductType:     common.ProductType(upper(g.ProductType)),
			Quantity:        g.Quantity,
			StopLossTrigger: g.StopLossTrigger,
			StopLossLimit:   g.StopLossLimit,
			TargetTrigger:   g.TargetTrigger,
			TargetLimit:     g.TargetLimit,
			Tag:             g.Tag,
		}
	default:
		return in, errors.New("unknown action: " + b.Action)
	}
	return in, nil
}

// submitOrder queues an intent and answers 202 with its id. The outcome is
// published on the bus and relayed over /ws.
func (s *Server) submitOrder(c *gin.Context) {
	if s.deps.Orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order executor disabled"})
		return
	}
	var body intentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in, err := body.intent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The intent outlives the request.
	ctx := context.WithoutCancel(c.Request.Context())
	id, err := s.deps.Orders.Submit(ctx, in)
	if err != nil {
		if errors.Is(err, order.ErrExecutorClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.WithFields(logger.Fields{
		"intent_id": id,
		"action":    in.Action,
		"symbol":    in.Symbol(),
	}).Info("order intent queued")
	c.JSON(http.StatusAccepted, gin.H{"intent_id": id, "pending": s.deps.Orders.Pending()})
}
