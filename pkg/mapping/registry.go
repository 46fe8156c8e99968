// Package mapping translates normalized order vocabulary to and from each
// broker's wire values.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"broker-core/pkg/exchanges/common"
)

// Kind names one translated vocabulary.
type Kind string

const (
	KindOrderType       Kind = "order_type"
	KindProductType     Kind = "product_type"
	KindTransactionType Kind = "transaction_type"
	KindValidity        Kind = "validity"
	KindSegment         Kind = "segment"
	KindOrderStatus     Kind = "order_status"
	KindFeedSegment     Kind = "feed_segment"
	KindInterval        Kind = "interval"
)

// Direction of a failed lookup.
const (
	DirToBroker   = "to_broker"
	DirFromBroker = "from_broker"
)

// Table is kind -> broker -> domain value -> wire value.
type Table map[Kind]map[string]map[string]string

// NotFoundError reports a value with no translation. It matches
// common.ErrMappingNotFound under errors.Is.
type NotFoundError struct {
	Kind      Kind
	Broker    string
	Value     string
	Direction string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s mapping for %q (%s, %s)", e.Kind, e.Value, e.Broker, e.Direction)
}

func (e *NotFoundError) Is(target error) bool {
	return target == common.ErrMappingNotFound
}

type key struct {
	kind   Kind
	broker string
}

// Registry is immutable once built and safe for concurrent reads.
type Registry struct {
	forward map[key]map[string]string
	inverse map[key]map[string]string
}

// New indexes t in both directions. Two domain values sharing one wire
// value within a (kind, broker) pair are rejected since the inverse lookup
// could not tell them apart.
func New(t Table) (*Registry, error) {
	r := &Registry{
		forward: make(map[key]map[string]string),
		inverse: make(map[key]map[string]string),
	}
	for kind, brokers := range t {
		for broker, pairs := range brokers {
			k := key{kind: kind, broker: strings.ToLower(broker)}
			fwd := make(map[string]string, len(pairs))
			inv := make(map[string]string, len(pairs))
			for domain, wire := range pairs {
				if prev, dup := inv[wire]; dup {
					return nil, fmt.Errorf("mapping %s/%s: wire value %q used by both %q and %q", kind, broker, wire, prev, domain)
				}
				fwd[domain] = wire
				inv[wire] = domain
			}
			r.forward[k] = fwd
			r.inverse[k] = inv
		}
	}
	return r, nil
}

var defaultRegistry = mustNew(staticTable)

func mustNew(t Table) *Registry {
	r, err := New(t)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the registry built from the static broker tables.
func Default() *Registry {
	return defaultRegistry
}

// ToBroker translates a domain value to the broker's wire value.
func (r *Registry) ToBroker(kind Kind, broker, domain string) (string, error) {
	if v, ok := r.forward[key{kind, strings.ToLower(broker)}][domain]; ok {
		return v, nil
	}
	return "", &NotFoundError{Kind: kind, Broker: broker, Value: domain, Direction: DirToBroker}
}

// FromBroker translates a broker wire value back to the domain value.
func (r *Registry) FromBroker(kind Kind, broker, wire string) (string, error) {
	if v, ok := r.inverse[key{kind, strings.ToLower(broker)}][wire]; ok {
		return v, nil
	}
	return "", &NotFoundError{Kind: kind, Broker: broker, Value: wire, Direction: DirFromBroker}
}

// Require checks that every domain value has a forward mapping. Drivers
// call it at construction so a gap fails at startup rather than on the
// first order.
func (r *Registry) Require(kind Kind, broker string, values ...string) error {
	var errs []error
	for _, v := range values {
		if _, err := r.ToBroker(kind, broker, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Brokers lists the brokers with at least one table, sorted.
func (r *Registry) Brokers() []string {
	seen := make(map[string]struct{})
	for k := range r.forward {
		seen[k.broker] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) OrderType(broker string, v common.OrderType) (string, error) {
	return r.ToBroker(KindOrderType, broker, string(v))
}

func (r *Registry) ProductType(broker string, v common.ProductType) (string, error) {
	return r.ToBroker(KindProductType, broker, string(v))
}

func (r *Registry) TransactionType(broker string, v common.TransactionType) (string, error) {
	return r.ToBroker(KindTransactionType, broker, string(v))
}

func (r *Registry) Validity(broker string, v common.Validity) (string, error) {
	return r.ToBroker(KindValidity, broker, string(v))
}

// Segment returns the broker's exchange-segment code, e.g. "NSE_EQ".
func (r *Registry) Segment(broker string, m common.MarketSegment) (string, error) {
	return r.ToBroker(KindSegment, broker, m.String())
}

// FeedSegment returns the numeric segment code used on streaming sockets.
func (r *Registry) FeedSegment(broker string, m common.MarketSegment) (string, error) {
	return r.ToBroker(KindFeedSegment, broker, m.String())
}

// Interval returns the broker's intraday candle interval.
func (r *Registry) Interval(broker, interval string) (string, error) {
	return r.ToBroker(KindInterval, broker, interval)
}

// MarketSegmentOf reverses Segment.
func (r *Registry) MarketSegmentOf(broker, wire string) (common.MarketSegment, error) {
	v, err := r.FromBroker(KindSegment, broker, wire)
	if err != nil {
		return common.MarketSegment{}, err
	}
	return parseMarketSegment(v), nil
}

// MarketSegmentOfFeed reverses FeedSegment.
func (r *Registry) MarketSegmentOfFeed(broker, code string) (common.MarketSegment, error) {
	v, err := r.FromBroker(KindFeedSegment, broker, code)
	if err != nil {
		return common.MarketSegment{}, err
	}
	return parseMarketSegment(v), nil
}

func (r *Registry) ProductTypeOf(broker, wire string) (common.ProductType, error) {
	v, err := r.FromBroker(KindProductType, broker, wire)
	return common.ProductType(v), err
}

func (r *Registry) OrderTypeOf(broker, wire string) (common.OrderType, error) {
	v, err := r.FromBroker(KindOrderType, broker, wire)
	return common.OrderType(v), err
}

func (r *Registry) TransactionTypeOf(broker, wire string) (common.TransactionType, error) {
	v, err := r.FromBroker(KindTransactionType, broker, wire)
	return common.TransactionType(v), err
}

// OrderStatusOf normalizes a broker order state.
func (r *Registry) OrderStatusOf(broker, wire string) (common.OrderStatus, error) {
	v, err := r.FromBroker(KindOrderStatus, broker, strings.ToUpper(wire))
	return common.OrderStatus(v), err
}

func parseMarketSegment(s string) common.MarketSegment {
	exch, seg, _ := strings.Cut(s, "/")
	return common.MarketSegment{Exchange: common.Exchange(exch), Segment: common.Segment(seg)}
}
