package common

import "context"

// Subscription identifies one streamed instrument in both domain and broker
// terms.
type Subscription struct {
	Key        string // "EXCHANGE:SYMBOL"
	Symbol     string
	Exchange   Exchange
	SecurityID string
	Segment    string // broker segment wire value, e.g. "NSE_EQ"
}

// StreamEventType tags a StreamEvent.
type StreamEventType int

const (
	EventTick StreamEventType = iota + 1
	EventOrderUpdate
)

// StreamEvent is one item read from a streaming session.
type StreamEvent struct {
	Type        StreamEventType
	Tick        Tick
	OrderUpdate OrderUpdate
}

// StreamDialer opens streaming sessions.
type StreamDialer interface {
	Dial(ctx context.Context) (StreamSession, error)
}

// StreamSession is one live streaming connection. Next blocks until an
// event arrives, the connection fails or ctx is done. Events from a single
// session are returned in broker delivery order.
type StreamSession interface {
	Subscribe(ctx context.Context, subs []Subscription) error
	Unsubscribe(ctx context.Context, subs []Subscription) error
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}
