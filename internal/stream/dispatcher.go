// Package stream owns the persistent broker streaming connection: it keeps
// the subscription set, reconnects with backoff and hands events to a single
// consumer loop.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"broker-core/internal/events"
	"broker-core/pkg/cache"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

// ErrStopped is returned by Connect after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Driver is the part of common.Driver the dispatcher uses.
type Driver interface {
	Name() string
	StreamDialer() common.StreamDialer
	ResolveSubscription(ctx context.Context, key string) (common.Subscription, error)
}

// Callbacks receive events on the consumer goroutine, in delivery order.
// Any of them may be nil.
type Callbacks struct {
	OnTick        func(common.Tick)
	OnOrderUpdate func(common.OrderUpdate)
	// OnReconnect is called before each reconnect attempt, numbered from 1
	// since the last successful connection.
	OnReconnect func(attempt int)
	OnError     func(error)
}

// Options tunes a Dispatcher. Zero values take the defaults below.
type Options struct {
	QueueSize     int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	Jitter        bool
	Cache         *cache.LTPCache
	CacheTTL      time.Duration // 0 keeps cached prices until unsubscribe
	Bus           *events.Bus
	Logger        *logger.Log
}

const (
	defaultQueueSize  = 1024
	defaultBackoffMin = time.Second
	defaultBackoffMax = 30 * time.Second
)

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Connected     bool   `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Reconnects    uint64 `json:"reconnects"`
	Queued        int    `json:"queued"`
}

// SubscribeResult reports which keys joined the subscription set.
type SubscribeResult struct {
	Subscribed []string
	Rejected   map[string]error
}

// Dispatcher runs one streaming connection for one driver.
type Dispatcher struct {
	driver Driver
	opts   Options
	log    *logger.Entry
	queue  *queue

	mu       sync.Mutex
	subs     map[string]common.Subscription
	routes   map[string][]string // segment|security id -> subscribed keys
	session  common.StreamSession
	cb       Callbacks
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	connected  atomic.Bool
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

func NewDispatcher(driver Driver, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = defaultBackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = defaultBackoffMax
		if opts.BackoffMax < opts.BackoffMin {
			opts.BackoffMax = opts.BackoffMin
		}
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = 2
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		driver: driver,
		opts:   opts,
		log:    log.WithComponent("stream").WithField("broker", driver.Name()),
		queue:  newQueue(opts.QueueSize),
		subs:   make(map[string]common.Subscription),
		routes: make(map[string][]string),
	}
}

// Connect starts the background connection and consumer loops and returns
// immediately. It fails fast when the driver has no streaming session.
func (d *Dispatcher) Connect(cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return errors.New("dispatcher already connected")
	}
	dialer := d.driver.StreamDialer()
	if dialer == nil {
		d.log.Warn("stream connect skipped, driver is unauthenticated")
		return common.NewError(common.KindUnauthenticated, "stream connect", common.ErrUnauthenticated)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.cb = cb
	d.started = true

	d.wg.Add(2)
	go d.run(ctx, dialer)
	go d.consume(ctx)
	if d.opts.Cache != nil && d.opts.CacheTTL > 0 {
		d.wg.Add(1)
		go d.sweep(ctx)
	}
	d.log.Info("stream dispatcher started")
	return nil
}

// Subscribe resolves keys and adds them to the subscription set. Keys that
// fail resolution are logged and reported in Rejected; they never block the
// rest. When connected, new subscriptions are sent immediately; otherwise
// they go out on the next connect.
func (d *Dispatcher) Subscribe(ctx context.Context, keys []string) SubscribeResult {
	res := SubscribeResult{Rejected: map[string]error{}}
	resolved := make([]common.Subscription, 0, len(keys))
	for _, key := range keys {
		sub, err := d.driver.ResolveSubscription(ctx, key)
		if err != nil {
			err = common.NewError(common.KindSubscription, "subscribe "+key, err)
			res.Rejected[key] = err
			d.log.WithError(err).WithField("symbol", key).Warn("subscription dropped")
			continue
		}
		resolved = append(resolved, sub)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := make([]common.Subscription, 0, len(resolved))
	for _, sub := range resolved {
		if _, ok := d.subs[sub.Key]; !ok {
			d.subs[sub.Key] = sub
			rk := routeKey(sub.Segment, sub.SecurityID)
			if len(d.routes[rk]) == 0 {
				fresh = append(fresh, sub)
			}
			d.routes[rk] = append(d.routes[rk], sub.Key)
		}
		res.Subscribed = append(res.Subscribed, sub.Key)
	}
	if d.session != nil && len(fresh) > 0 {
		if err := d.session.Subscribe(ctx, fresh); err != nil {
			// Kept in the set; the reconnect path resubscribes them.
			d.log.WithError(err).WithField("count", len(fresh)).Warn("subscribe request failed")
		}
	}
	return res
}

// Unsubscribe removes keys from the set. Keys are matched after
// normalisation through ParseSymbolKey. The broker is only told to stop an
// instrument once no remaining key maps to it, and cached prices for keys
// outside the set are dropped.
func (d *Dispatcher) Unsubscribe(ctx context.Context, keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	released := make([]common.Subscription, 0, len(keys))
	for _, key := range keys {
		if symbol, exchange, err := common.ParseSymbolKey(key); err == nil {
			key = common.SymbolKey(symbol, exchange)
		}
		sub, ok := d.subs[key]
		if !ok {
			continue
		}
		delete(d.subs, key)
		removed++
		rk := routeKey(sub.Segment, sub.SecurityID)
		if rest := without(d.routes[rk], key); len(rest) > 0 {
			d.routes[rk] = rest
		} else {
			delete(d.routes, rk)
			released = append(released, sub)
		}
	}
	if d.session != nil && len(released) > 0 {
		if err := d.session.Unsubscribe(ctx, released); err != nil {
			d.log.WithError(err).Warn("unsubscribe request failed")
		}
	}
	if d.opts.Cache != nil && removed > 0 {
		keep := make([]string, 0, len(d.subs))
		for key := range d.subs {
			keep = append(keep, key)
		}
		if n := d.opts.Cache.Retain(keep); n > 0 {
			d.log.WithField("dropped", n).Debug("cached prices released")
		}
	}
}

// Subscriptions returns the active keys in sorted order.
func (d *Dispatcher) Subscriptions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subs))
	for key := range d.subs {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	n := len(d.subs)
	d.mu.Unlock()
	return Stats{
		Connected:     d.connected.Load(),
		Subscriptions: n,
		Delivered:     d.delivered.Load(),
		Dropped:       d.dropped.Load(),
		Reconnects:    d.reconnects.Load(),
		Queued:        d.queue.len(),
	}
}

// Stop cancels both loops, closes the session and waits for them to exit.
// No reconnect is attempted afterwards. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		cancel := d.cancel
		sess := d.session
		d.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sess != nil {
			_ = sess.Close()
		}
		d.wg.Wait()
		d.connected.Store(false)
		d.log.Info("stream dispatcher stopped")
	})
}

// run owns the connection: dial, resubscribe, read until failure, back off
// and repeat until ctx is cancelled.
func (d *Dispatcher) run(ctx context.Context, dialer common.StreamDialer) {
	defer d.wg.Done()

	b := &backoff.Backoff{
		Min:    d.opts.BackoffMin,
		Max:    d.opts.BackoffMax,
		Factor: d.opts.BackoffFactor,
		Jitter: d.opts.Jitter,
	}
	attempt := 0
	for {
		if attempt > 0 {
			wait := b.Duration()
			d.log.WithFields(logger.Fields{"attempt": attempt, "wait": wait.String()}).Info("stream reconnecting")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			d.reconnects.Add(1)
			if d.cb.OnReconnect != nil {
				d.safeCall(func() { d.cb.OnReconnect(attempt) })
			}
		}
		if ctx.Err() != nil {
			return
		}

		sess, err := dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.reportError(fmt.Errorf("stream dial: %w", err))
			attempt++
			continue
		}
		if !d.attach(ctx, sess) {
			_ = sess.Close()
			if ctx.Err() != nil {
				return
			}
			attempt++
			continue
		}

		b.Reset()
		attempt = 0
		d.connected.Store(true)
		d.opts.Bus.Publish(events.EventStreamConnected, d.driver.Name())
		d.log.Info("stream connected")

		err = d.read(ctx, sess)

		d.detach(sess)
		d.connected.Store(false)
		_ = sess.Close()
		if ctx.Err() != nil {
			return
		}
		d.opts.Bus.Publish(events.EventStreamDisconnected, d.driver.Name())
		d.reportError(fmt.Errorf("stream disconnected: %w", err))
		attempt = 1
	}
}

// attach installs sess and resubscribes the current set under the same
// lock, so a concurrent Subscribe either lands in the snapshot or is sent
// on the new session itself.
func (d *Dispatcher) attach(ctx context.Context, sess common.StreamSession) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	// One broker subscription per instrument, however many keys name it.
	subs := make([]common.Subscription, 0, len(d.routes))
	for _, keys := range d.routes {
		subs = append(subs, d.subs[keys[0]])
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Key < subs[j].Key })
	if len(subs) > 0 {
		if err := sess.Subscribe(ctx, subs); err != nil {
			d.log.WithError(err).Warn("resubscribe failed")
			return false
		}
	}
	d.session = sess
	return true
}

func (d *Dispatcher) detach(sess common.StreamSession) {
	d.mu.Lock()
	if d.session == sess {
		d.session = nil
	}
	d.mu.Unlock()
}

// read moves events from the session into the queue. The queue never
// blocks; a full queue evicts its oldest event.
func (d *Dispatcher) read(ctx context.Context, sess common.StreamSession) error {
	for {
		ev, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if d.queue.push(ev) {
			if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
				d.log.WithField("dropped", n).Warn("stream queue full, dropping oldest events")
			}
		}
	}
}

// consume is the single downstream loop.
func (d *Dispatcher) consume(ctx context.Context) {
	defer d.wg.Done()
	for {
		ev, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev common.StreamEvent) {
	switch ev.Type {
	case common.EventTick:
		ticks, cacheable := d.attribute(ev.Tick)
		for _, tick := range ticks {
			if d.opts.Cache != nil && cacheable {
				d.opts.Cache.Set(common.SymbolKey(tick.Symbol, tick.Exchange), tick.LastPrice, tick.Time)
			}
			d.opts.Bus.Publish(events.EventTick, tick)
			if d.cb.OnTick != nil {
				d.safeCall(func() { d.cb.OnTick(tick) })
			}
		}
	case common.EventOrderUpdate:
		upd := ev.OrderUpdate
		d.opts.Bus.Publish(events.EventOrderUpdate, upd)
		if d.cb.OnOrderUpdate != nil {
			d.safeCall(func() { d.cb.OnOrderUpdate(upd) })
		}
	default:
		return
	}
	d.delivered.Add(1)
}

// attribute names a tick after each subscription key it serves, so a key
// subscribed by alias ("NSE:NIFTY 50") sees its own symbol rather than the
// master list's trading symbol. A tick the route table does not know keeps
// the driver's naming and is cached only when that name is subscribed.
func (d *Dispatcher) attribute(tick common.Tick) ([]common.Tick, bool) {
	d.mu.Lock()
	keys := append([]string(nil), d.routes[routeKey(tick.Segment, tick.SecurityID)]...)
	_, named := d.subs[common.SymbolKey(tick.Symbol, tick.Exchange)]
	d.mu.Unlock()

	if len(keys) == 0 {
		return []common.Tick{tick}, named && tick.Symbol != ""
	}
	out := make([]common.Tick, 0, len(keys))
	for _, key := range keys {
		t := tick
		if symbol, exchange, err := common.ParseSymbolKey(key); err == nil {
			t.Symbol, t.Exchange = symbol, exchange
		}
		out = append(out, t)
	}
	return out, true
}

// sweep expires cached prices that stopped updating.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.wg.Done()
	every := d.opts.CacheTTL / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := d.opts.Cache.Cleanup(d.opts.CacheTTL); n > 0 {
				d.log.WithField("expired", n).Debug("stale prices expired")
			}
		}
	}
}

func routeKey(segment, securityID string) string {
	return segment + "|" + securityID
}

func without(keys []string, drop string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != drop {
			out = append(out, k)
		}
	}
	return out
}

func (d *Dispatcher) reportError(err error) {
	d.log.WithError(err).Warn("stream error")
	if d.cb.OnError != nil {
		d.safeCall(func() { d.cb.OnError(err) })
	}
}

// safeCall keeps a panicking callback from killing the stream goroutines.
func (d *Dispatcher) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.WithField("panic", fmt.Sprint(rec)).Error("stream callback panicked")
		}
	}()
	fn()
}
