package dhan

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
	"broker-core/pkg/mapping"
)

// SecurityLookup attributes a feed packet to an instrument.
type SecurityLookup func(segment common.MarketSegment, securityID string) (common.Instrument, bool)

// Feed request codes.
const (
	reqSubscribeTicker   = 15
	reqUnsubscribeTicker = 16
	reqDisconnect        = 12
	maxPerRequest        = 100
)

// Feed response codes.
const (
	respTicker     = 2
	respQuote      = 4
	respOI         = 5
	respPrevClose  = 6
	respFull       = 8
	respDisconnect = 50
)

var packetSizes = map[byte]int{
	respTicker:     16,
	respQuote:      50,
	respOI:         12,
	respPrevClose:  16,
	respFull:       162,
	respDisconnect: 10,
}

// ErrFeedDisconnected is returned by Next after the server sends a
// disconnect packet.
var ErrFeedDisconnected = errors.New("dhan feed disconnected by server")

// FeedConfig configures the streaming transport.
type FeedConfig struct {
	ClientID     string
	AccessToken  string
	FeedURL      string
	OrderFeedURL string
	OrderUpdates bool
	Lookup       SecurityLookup
	Registry     *mapping.Registry
	Logger       *logger.Log
}

// Feed dials Dhan market-feed sessions. It implements common.StreamDialer.
type Feed struct {
	cfg    FeedConfig
	dialer *websocket.Dialer
	log    *logger.Entry
}

func NewFeed(cfg FeedConfig) *Feed {
	if cfg.FeedURL == "" {
		cfg.FeedURL = "wss://api-feed.dhan.co"
	}
	if cfg.OrderFeedURL == "" {
		cfg.OrderFeedURL = "wss://api-order-update.dhan.co"
	}
	if cfg.Registry == nil {
		cfg.Registry = mapping.Default()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Feed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.WithComponent("dhan_feed"),
	}
}

func (f *Feed) marketURL() (string, error) {
	u, err := url.Parse(f.cfg.FeedURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", f.cfg.AccessToken)
	q.Set("clientId", f.cfg.ClientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the market socket and, when enabled, the order-update socket.
// Both feed the returned session.
func (f *Feed) Dial(ctx context.Context) (common.StreamSession, error) {
	u, err := f.marketURL()
	if err != nil {
		return nil, fmt.Errorf("dhan feed url: %w", err)
	}
	market, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, common.NewError(common.KindNetwork, "dial dhan feed", err)
	}

	s := &session{
		feed:   f,
		market: market,
		events: make(chan common.StreamEvent, 256),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
		oi:     make(map[string]int64),
	}

	if f.cfg.OrderUpdates {
		orders, _, err := f.dialer.DialContext(ctx, f.cfg.OrderFeedURL, nil)
		if err != nil {
			market.Close()
			return nil, common.NewError(common.KindNetwork, "dial dhan order feed", err)
		}
		login := map[string]any{
			"LoginReq": map[string]any{
				"MsgCode":  42,
				"ClientId": f.cfg.ClientID,
				"Token":    f.cfg.AccessToken,
			},
			"UserType": "SELF",
		}
		if err := orders.WriteJSON(login); err != nil {
			market.Close()
			orders.Close()
			return nil, common.NewError(common.KindNetwork, "dhan order feed login", err)
		}
		s.orders = orders
	}

	s.wg.Add(1)
	go s.readMarket()
	if s.orders != nil {
		s.wg.Add(1)
		go s.readOrders()
	}
	return s, nil
}

type session struct {
	feed   *Feed
	market *websocket.Conn
	orders *websocket.Conn

	writeMu sync.Mutex
	events  chan common.StreamEvent

	done      chan struct{}
	closeOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	err       error

	oiMu sync.Mutex
	oi   map[string]int64

	wg sync.WaitGroup
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

func (s *session) emit(ev common.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) Subscribe(ctx context.Context, subs []common.Subscription) error {
	return s.send(ctx, reqSubscribeTicker, subs)
}

func (s *session) Unsubscribe(ctx context.Context, subs []common.Subscription) error {
	return s.send(ctx, reqUnsubscribeTicker, subs)
}

type instrumentRef struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type feedRequest struct {
	RequestCode     int             `json:"RequestCode"`
	InstrumentCount int             `json:"InstrumentCount"`
	InstrumentList  []instrumentRef `json:"InstrumentList"`
}

// send writes the request in batches the server accepts.
func (s *session) send(ctx context.Context, code int, subs []common.Subscription) error {
	for start := 0; start < len(subs); start += maxPerRequest {
		end := start + maxPerRequest
		if end > len(subs) {
			end = len(subs)
		}
		req := feedRequest{RequestCode: code, InstrumentCount: end - start}
		for _, sub := range subs[start:end] {
			req.InstrumentList = append(req.InstrumentList, instrumentRef{
				ExchangeSegment: sub.Segment,
				SecurityID:      sub.SecurityID,
			})
		}
		if err := s.writeJSON(ctx, req); err != nil {
			return common.NewError(common.KindSubscription, "dhan feed request", err)
		}
	}
	return nil
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.market.SetWriteDeadline(deadline)
	return s.market.WriteJSON(v)
}

func (s *session) Next(ctx context.Context) (common.StreamEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.failed:
		return common.StreamEvent{}, s.err
	case <-s.done:
		return common.StreamEvent{}, context.Canceled
	case <-ctx.Done():
		return common.StreamEvent{}, ctx.Err()
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writeJSON(context.Background(), map[string]int{"RequestCode": reqDisconnect})
		s.writeMu.Lock()
		_ = s.market.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.market.Close()
		if s.orders != nil {
			_ = s.orders.Close()
		}
	})
	s.wg.Wait()
	return nil
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) readMarket() {
	defer s.wg.Done()
	for {
		mt, msg, err := s.market.ReadMessage()
		if err != nil {
			if !s.closed() {
				s.fail(common.NewError(common.KindNetwork, "dhan feed read", err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		packets, err := parsePackets(msg)
		if err != nil {
			s.feed.log.WithError(err).Debug("feed packet skipped")
		}
		for _, p := range packets {
			if p.Code == respDisconnect {
				s.fail(fmt.Errorf("%w (reason %d)", ErrFeedDisconnected, p.Reason))
				return
			}
			tick, ok := s.toTick(p)
			if !ok {
				continue
			}
			if !s.emit(common.StreamEvent{Type: common.EventTick, Tick: tick}) {
				return
			}
		}
	}
}

func (s *session) toTick(p packet) (common.Tick, bool) {
	id := strconv.FormatUint(uint64(p.SecurityID), 10)
	oiKey := strconv.Itoa(int(p.Segment)) + "|" + id

	switch p.Code {
	case respOI:
		s.oiMu.Lock()
		s.oi[oiKey] = p.OI
		s.oiMu.Unlock()
		return common.Tick{}, false
	case respTicker, respQuote, respFull:
	default:
		return common.Tick{}, false
	}

	tick := common.Tick{
		SecurityID:   id,
		LastPrice:    p.LastPrice,
		LastQuantity: p.LastQuantity,
		Volume:       p.Volume,
		Open:         p.Open,
		High:         p.High,
		Low:          p.Low,
		Close:        p.Close,
		Time:         p.Time,
	}
	if p.Code == respFull {
		tick.OI = p.OI
		s.oiMu.Lock()
		s.oi[oiKey] = p.OI
		s.oiMu.Unlock()
	} else {
		s.oiMu.Lock()
		tick.OI = s.oi[oiKey]
		s.oiMu.Unlock()
	}

	cfg := s.feed.cfg
	if m, err := cfg.Registry.MarketSegmentOfFeed(brokerName, strconv.Itoa(int(p.Segment))); err == nil {
		tick.Exchange = m.Exchange
		if wire, err := cfg.Registry.Segment(brokerName, m); err == nil {
			tick.Segment = wire
		}
		if cfg.Lookup != nil {
			if inst, ok := cfg.Lookup(m, id); ok {
				tick.Symbol = inst.Symbol
				tick.Exchange = inst.Exchange
			}
		}
	}
	return tick, true
}

type orderAlert struct {
	Type string `json:"Type"`
	Data struct {
		Exchange          string  `json:"Exchange"`
		OrderNo           string  `json:"OrderNo"`
		Symbol            string  `json:"Symbol"`
		TxnType           string  `json:"TxnType"`
		Status            string  `json:"Status"`
		Quantity          int     `json:"Quantity"`
		TradedQty         int     `json:"TradedQty"`
		Price             float64 `json:"Price"`
		AvgTradedPrice    float64 `json:"AvgTradedPrice"`
		ReasonDescription string  `json:"ReasonDescription"`
	} `json:"Data"`
}

func (s *session) readOrders() {
	defer s.wg.Done()
	for {
		_, msg, err := s.orders.ReadMessage()
		if err != nil {
			if !s.closed() {
				s.fail(common.NewError(common.KindNetwork, "dhan order feed read", err))
			}
			return
		}
		upd, ok := parseOrderAlert(msg, s.feed.cfg.Registry)
		if !ok {
			continue
		}
		if !s.emit(common.StreamEvent{Type: common.EventOrderUpdate, OrderUpdate: upd}) {
			return
		}
	}
}

func parseOrderAlert(msg []byte, reg *mapping.Registry) (common.OrderUpdate, bool) {
	var alert orderAlert
	if err := json.Unmarshal(msg, &alert); err != nil || alert.Type != "order_alert" {
		return common.OrderUpdate{}, false
	}
	raw := map[string]any{}
	_ = json.Unmarshal(msg, &raw)

	d := alert.Data
	upd := common.OrderUpdate{
		OrderID:        d.OrderNo,
		Symbol:         d.Symbol,
		Quantity:       d.Quantity,
		FilledQuantity: d.TradedQty,
		Price:          d.Price,
		AveragePrice:   d.AvgTradedPrice,
		Message:        d.ReasonDescription,
		Raw:            raw,
	}
	if e, err := common.ParseExchange(d.Exchange); err == nil {
		upd.Exchange = e
	}
	upd.Status, _ = reg.OrderStatusOf(brokerName, strings.ReplaceAll(d.Status, " ", "_"))
	switch strings.ToUpper(d.TxnType) {
	case "B", "BUY":
		upd.TransactionType = common.Buy
	case "S", "SELL":
		upd.TransactionType = common.Sell
	}
	return upd, true
}

// packet is one decoded binary feed message.
type packet struct {
	Code         byte
	Segment      byte
	SecurityID   uint32
	LastPrice    float64
	LastQuantity int
	Time         time.Time
	Volume       int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	OI           int64
	PrevClose    float64
	Reason       int
}

// parsePackets decodes the little-endian packets in one websocket message.
// The 8-byte header is code, length, segment, security id.
func parsePackets(msg []byte) ([]packet, error) {
	var out []packet
	for len(msg) >= 8 {
		code := msg[0]
		size, ok := packetSizes[code]
		if !ok {
			return out, fmt.Errorf("unknown feed response code %d", code)
		}
		if len(msg) < size {
			return out, fmt.Errorf("short packet code %d: %d < %d bytes", code, len(msg), size)
		}
		b := msg[:size]
		p := packet{
			Code:       code,
			Segment:    b[3],
			SecurityID: binary.LittleEndian.Uint32(b[4:8]),
		}
		switch code {
		case respTicker:
			p.LastPrice = f32(b[8:12])
			p.Time = epoch(b[12:16])
		case respQuote:
			p.LastPrice = f32(b[8:12])
			p.LastQuantity = int(int16(binary.LittleEndian.Uint16(b[12:14])))
			p.Time = epoch(b[14:18])
			p.Volume = int64(int32(binary.LittleEndian.Uint32(b[22:26])))
			p.Open = f32(b[34:38])
			p.Close = f32(b[38:42])
			p.High = f32(b[42:46])
			p.Low = f32(b[46:50])
		case respFull:
			p.LastPrice = f32(b[8:12])
			p.LastQuantity = int(int16(binary.LittleEndian.Uint16(b[12:14])))
			p.Time = epoch(b[14:18])
			p.Volume = int64(int32(binary.LittleEndian.Uint32(b[22:26])))
			p.OI = int64(int32(binary.LittleEndian.Uint32(b[34:38])))
			p.Open = f32(b[46:50])
			p.Close = f32(b[50:54])
			p.High = f32(b[54:58])
			p.Low = f32(b[58:62])
		case respOI:
			p.OI = int64(int32(binary.LittleEndian.Uint32(b[8:12])))
		case respPrevClose:
			p.PrevClose = f32(b[8:12])
			p.OI = int64(int32(binary.LittleEndian.Uint32(b[12:16])))
		case respDisconnect:
			p.Reason = int(int16(binary.LittleEndian.Uint16(b[8:10])))
		}
		out = append(out, p)
		msg = msg[size:]
	}
	return out, nil
}

func f32(b []byte) float64 {
	v := math.Float32frombits(binary.LittleEndian.Uint32(b))
	// Round away float32 noise such as 2500.0500488.
	return math.Round(float64(v)*100) / 100
}

func epoch(b []byte) time.Time {
	sec := int64(int32(binary.LittleEndian.Uint32(b)))
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).In(ist)
}

var _ common.StreamDialer = (*Feed)(nil)
