package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"broker-core/pkg/exchanges/common"
)

// Config holds Dhan credentials and endpoints.
type Config struct {
	ClientID     string
	AccessToken  string
	BaseURL      string
	FeedURL      string
	OrderFeedURL string
	Timeout      time.Duration
	RateLimits   common.RateLimits
	// OrderUpdates attaches the order-update socket to stream sessions.
	OrderUpdates bool
}

func (c Config) hasCredentials() bool {
	return c.ClientID != "" && c.AccessToken != ""
}

// Envelope statuses.
const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Response is the envelope every API call returns. Status is "success" or
// "failure"; on failure Remarks carries errorType, errorCode and
// errorMessage as sent by the broker.
type Response struct {
	Status     string
	Remarks    map[string]any
	Data       json.RawMessage
	HTTPStatus int
}

// OK reports a 2xx reply.
func (r Response) OK() bool { return r.Status == statusSuccess }

// ErrorMessage returns the broker's message for a failed call.
func (r Response) ErrorMessage() string {
	if msg, ok := r.Remarks["errorMessage"].(string); ok && msg != "" {
		return msg
	}
	if code, ok := r.Remarks["errorCode"].(string); ok && code != "" {
		return code
	}
	return fmt.Sprintf("http %d", r.HTTPStatus)
}

// Raw renders the envelope for OrderResponse.Raw and friends.
func (r Response) Raw() map[string]any {
	out := map[string]any{"status": r.Status}
	if len(r.Remarks) > 0 {
		out["remarks"] = r.Remarks
	}
	if len(r.Data) > 0 {
		var data any
		if err := json.Unmarshal(r.Data, &data); err == nil {
			out["data"] = data
		} else {
			out["data"] = string(r.Data)
		}
	}
	return out
}

// OrderBody is the POST /orders payload.
type OrderBody struct {
	DhanClientID      string  `json:"dhanClientId"`
	CorrelationID     string  `json:"correlationId,omitempty"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	Validity          string  `json:"validity"`
	SecurityID        string  `json:"securityId"`
	Quantity          int     `json:"quantity"`
	DisclosedQuantity int     `json:"disclosedQuantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"triggerPrice,omitempty"`
	AfterMarketOrder  bool    `json:"afterMarketOrder"`
}

// ModifyBody is the PUT /orders/{id} payload. Nil and empty fields are
// omitted so the broker keeps their current values.
type ModifyBody struct {
	DhanClientID string   `json:"dhanClientId"`
	OrderID      string   `json:"orderId"`
	OrderType    string   `json:"orderType,omitempty"`
	LegName      string   `json:"legName,omitempty"`
	Quantity     *int     `json:"quantity,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	TriggerPrice *float64 `json:"triggerPrice,omitempty"`
	Validity     string   `json:"validity,omitempty"`
}

// ForeverOrderBody is the POST /forever/orders payload. Leg 1 fields carry
// the target of an OCO pair.
type ForeverOrderBody struct {
	DhanClientID    string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	OrderFlag       string  `json:"orderFlag"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	Validity        string  `json:"validity"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"triggerPrice"`
	Price1          float64 `json:"price1"`
	TriggerPrice1   float64 `json:"triggerPrice1"`
	Quantity1       int     `json:"quantity1"`
}

// ChartRequest is the body of both chart endpoints.
type ChartRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        string `json:"interval,omitempty"`
	OI              bool   `json:"oi"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

// API is the transport the driver is built on. Errors are transport
// failures only; a broker-side refusal comes back as a Response with
// Status "failure".
type API interface {
	PlaceOrder(ctx context.Context, body OrderBody) (Response, error)
	ModifyOrder(ctx context.Context, orderID string, body ModifyBody) (Response, error)
	CancelOrder(ctx context.Context, orderID string) (Response, error)
	PlaceForeverOrder(ctx context.Context, body ForeverOrderBody) (Response, error)
	OrderList(ctx context.Context) (Response, error)
	TradeBook(ctx context.Context) (Response, error)
	Positions(ctx context.Context) (Response, error)
	FundLimits(ctx context.Context) (Response, error)
	LTP(ctx context.Context, segment, securityID string) (Response, error)
	IntradayCharts(ctx context.Context, req ChartRequest) (Response, error)
	HistoricalCharts(ctx context.Context, req ChartRequest) (Response, error)
}

// Client is the HTTPS implementation of API for Dhan v2.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
}

// DefaultRateLimits follows the published per-second budgets.
var DefaultRateLimits = common.RateLimits{
	common.ClassOrder:      10,
	common.ClassData:       5,
	common.ClassQuote:      1,
	common.ClassNonTrading: 20,
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.dhan.co/v2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limits := cfg.RateLimits
	if limits == nil {
		limits = DefaultRateLimits
	}
	return &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: common.NewRateLimiter(limits),
	}
}

func (c *Client) PlaceOrder(ctx context.Context, body OrderBody) (Response, error) {
	body.DhanClientID = c.cfg.ClientID
	return c.do(ctx, common.ClassOrder, http.MethodPost, "/orders", body)
}

func (c *Client) ModifyOrder(ctx context.Context, orderID string, body ModifyBody) (Response, error) {
	body.DhanClientID = c.cfg.ClientID
	body.OrderID = orderID
	return c.do(ctx, common.ClassOrder, http.MethodPut, "/orders/"+orderID, body)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (Response, error) {
	return c.do(ctx, common.ClassOrder, http.MethodDelete, "/orders/"+orderID, nil)
}

func (c *Client) PlaceForeverOrder(ctx context.Context, body ForeverOrderBody) (Response, error) {
	body.DhanClientID = c.cfg.ClientID
	return c.do(ctx, common.ClassOrder, http.MethodPost, "/forever/orders", body)
}

func (c *Client) OrderList(ctx context.Context) (Response, error) {
	return c.do(ctx, common.ClassNonTrading, http.MethodGet, "/orders", nil)
}

func (c *Client) TradeBook(ctx context.Context) (Response, error) {
	return c.do(ctx, common.ClassNonTrading, http.MethodGet, "/trades", nil)
}

func (c *Client) Positions(ctx context.Context) (Response, error) {
	return c.do(ctx, common.ClassNonTrading, http.MethodGet, "/positions", nil)
}

func (c *Client) FundLimits(ctx context.Context) (Response, error) {
	return c.do(ctx, common.ClassNonTrading, http.MethodGet, "/fundlimit", nil)
}

// LTP requests the last traded price of one instrument. The body shape is
// {"NSE_EQ": [11536]}.
func (c *Client) LTP(ctx context.Context, segment, securityID string) (Response, error) {
	body := map[string][]json.Number{segment: {json.Number(securityID)}}
	return c.do(ctx, common.ClassQuote, http.MethodPost, "/marketfeed/ltp", body)
}

func (c *Client) IntradayCharts(ctx context.Context, req ChartRequest) (Response, error) {
	return c.do(ctx, common.ClassData, http.MethodPost, "/charts/intraday", req)
}

func (c *Client) HistoricalCharts(ctx context.Context, req ChartRequest) (Response, error) {
	return c.do(ctx, common.ClassData, http.MethodPost, "/charts/historical", req)
}

// do performs one authenticated JSON request.
func (c *Client) do(ctx context.Context, class common.EndpointClass, method, path string, payload any) (Response, error) {
	if err := c.rateLimiter.Wait(ctx, class); err != nil {
		return Response{}, common.NewError(common.KindNetwork, "dhan "+path, err)
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return Response{}, common.NewError(common.KindValidation, "dhan "+path, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Response{}, common.NewError(common.KindNetwork, "dhan "+path, err)
	}
	req.Header.Set("access-token", c.cfg.AccessToken)
	req.Header.Set("client-id", c.cfg.ClientID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, common.NewError(common.KindNetwork, "dhan "+path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, common.NewError(common.KindNetwork, "dhan "+path, fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode >= 300 {
		remarks := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &remarks); err != nil {
				remarks = map[string]any{"errorMessage": strings.TrimSpace(string(raw))}
			}
		}
		return Response{Status: statusFailure, Remarks: remarks, HTTPStatus: res.StatusCode}, nil
	}
	return Response{Status: statusSuccess, Data: raw, HTTPStatus: res.StatusCode}, nil
}
