package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-core/internal/events"
	"broker-core/pkg/cache"
	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

type fakeSession struct {
	events chan common.StreamEvent
	fail   chan error

	mu           sync.Mutex
	subscribed   []common.Subscription
	unsubscribed []common.Subscription

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan common.StreamEvent, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) Subscribe(ctx context.Context, subs []common.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, subs...)
	return nil
}

func (s *fakeSession) Unsubscribe(ctx context.Context, subs []common.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, subs...)
	return nil
}

func (s *fakeSession) Next(ctx context.Context) (common.StreamEvent, error) {
	// Queued events win over a pending failure.
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.fail:
		return common.StreamEvent{}, err
	case <-s.closed:
		return common.StreamEvent{}, errors.New("session closed")
	case <-ctx.Done():
		return common.StreamEvent{}, ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscribed))
	for _, sub := range s.subscribed {
		out = append(out, sub.Key)
	}
	return out
}

// fakeDialer hands out sessions in order. The first failDials dials fail.
type fakeDialer struct {
	mu        sync.Mutex
	failDials int
	dials     int
	sessions  chan *fakeSession
}

func newFakeDialer(failDials int) *fakeDialer {
	return &fakeDialer{failDials: failDials, sessions: make(chan *fakeSession, 16)}
}

func (f *fakeDialer) Dial(ctx context.Context) (common.StreamSession, error) {
	f.mu.Lock()
	f.dials++
	fail := f.dials <= f.failDials
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	s := newFakeSession()
	f.sessions <- s
	return s, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type fakeDriver struct {
	dialer common.StreamDialer
	known  map[string]common.Subscription
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) StreamDialer() common.StreamDialer { return f.dialer }

func (f *fakeDriver) ResolveSubscription(ctx context.Context, key string) (common.Subscription, error) {
	sub, ok := f.known[key]
	if !ok {
		return common.Subscription{}, common.NewError(common.KindSymbolNotFound, "resolve", errors.New("symbol not found in master: "+key))
	}
	return sub, nil
}

func newFakeDriver(dialer common.StreamDialer) *fakeDriver {
	d := &fakeDriver{known: map[string]common.Subscription{
		"NSE:RELIANCE": {Key: "NSE:RELIANCE", Symbol: "RELIANCE", Exchange: common.ExchangeNSE, SecurityID: "2885", Segment: "NSE_EQ"},
		"NSE:INFY":     {Key: "NSE:INFY", Symbol: "INFY", Exchange: common.ExchangeNSE, SecurityID: "1594", Segment: "NSE_EQ"},
		// Trading symbol and master-list alias of one index.
		"NSE:NIFTY":    {Key: "NSE:NIFTY", Symbol: "NIFTY", Exchange: common.ExchangeNSE, SecurityID: "256265", Segment: "IDX_I"},
		"NSE:NIFTY 50": {Key: "NSE:NIFTY 50", Symbol: "NIFTY", Exchange: common.ExchangeNSE, SecurityID: "256265", Segment: "IDX_I"},
	}}
	if dialer != nil {
		d.dialer = dialer
	}
	return d
}

func fastOptions() Options {
	return Options{BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond}
}

func nextSession(t *testing.T, dialer *fakeDialer) *fakeSession {
	t.Helper()
	select {
	case s := <-dialer.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no session dialed")
		return nil
	}
}

func tick(symbol string, price float64) common.StreamEvent {
	return common.StreamEvent{Type: common.EventTick, Tick: common.Tick{Symbol: symbol, Exchange: common.ExchangeNSE, LastPrice: price}}
}

func TestConnectUnauthenticated(t *testing.T) {
	d := NewDispatcher(newFakeDriver(nil), fastOptions())
	err := d.Connect(Callbacks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
	assert.False(t, d.Stats().Connected)
	d.Stop()
}

func TestSubscribeWithOneBadSymbol(t *testing.T) {
	base, hook := logtest.NewNullLogger()
	opts := fastOptions()
	opts.Logger = logger.Wrap(base)
	d := NewDispatcher(newFakeDriver(newFakeDialer(0)), opts)

	res := d.Subscribe(context.Background(), []string{"NSE:RELIANCE", "NSE:NOTREAL"})

	assert.Equal(t, []string{"NSE:RELIANCE"}, res.Subscribed)
	require.Contains(t, res.Rejected, "NSE:NOTREAL")
	assert.ErrorIs(t, res.Rejected["NSE:NOTREAL"], common.ErrSubscription)
	assert.Equal(t, []string{"NSE:RELIANCE"}, d.Subscriptions())

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "subscription dropped" {
			warnings++
			assert.Equal(t, "NSE:NOTREAL", e.Data["symbol"])
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestDeliversInOrderAndUpdatesCache(t *testing.T) {
	dialer := newFakeDialer(0)
	ltp := cache.NewLTPCache()
	bus := events.NewBus()
	busTicks, unsub := bus.Subscribe(events.EventTick, 16)
	defer unsub()

	opts := fastOptions()
	opts.Cache = ltp
	opts.Bus = bus
	d := NewDispatcher(newFakeDriver(dialer), opts)
	defer d.Stop()

	d.Subscribe(context.Background(), []string{"NSE:RELIANCE"})

	var mu sync.Mutex
	var prices []float64
	var updates []string
	done := make(chan struct{})
	require.NoError(t, d.Connect(Callbacks{
		OnTick: func(tk common.Tick) {
			mu.Lock()
			prices = append(prices, tk.LastPrice)
			mu.Unlock()
		},
		OnOrderUpdate: func(u common.OrderUpdate) {
			mu.Lock()
			updates = append(updates, u.OrderID)
			mu.Unlock()
			close(done)
		},
	}))

	sess := nextSession(t, dialer)
	assert.Eventually(t, func() bool { return d.Stats().Connected }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"NSE:RELIANCE"}, sess.keys())

	for i := 1; i <= 5; i++ {
		sess.events <- tick("RELIANCE", float64(2900+i))
	}
	sess.events <- common.StreamEvent{Type: common.EventOrderUpdate, OrderUpdate: common.OrderUpdate{OrderID: "77"}}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("order update not delivered")
	}
	mu.Lock()
	assert.Equal(t, []float64{2901, 2902, 2903, 2904, 2905}, prices)
	assert.Equal(t, []string{"77"}, updates)
	mu.Unlock()

	price, ok := ltp.Get("NSE:RELIANCE")
	require.True(t, ok)
	assert.Equal(t, 2905.0, price)
	assert.Len(t, busTicks, 5)
	assert.Eventually(t, func() bool { return d.Stats().Delivered == 6 }, time.Second, time.Millisecond)
}

// niftyTick is what the feed emits for the index: the master list's
// trading symbol, not the alias a caller may have subscribed with.
func niftyTick(price float64) common.StreamEvent {
	return common.StreamEvent{Type: common.EventTick, Tick: common.Tick{
		Symbol: "NIFTY", Exchange: common.ExchangeNSE, SecurityID: "256265", Segment: "IDX_I", LastPrice: price,
	}}
}

func TestTickCachedUnderSubscribedAlias(t *testing.T) {
	dialer := newFakeDialer(0)
	ltp := cache.NewLTPCache()
	opts := fastOptions()
	opts.Cache = ltp
	d := NewDispatcher(newFakeDriver(dialer), opts)
	defer d.Stop()

	res := d.Subscribe(context.Background(), []string{"NSE:NIFTY 50"})
	require.Equal(t, []string{"NSE:NIFTY 50"}, res.Subscribed)

	got := make(chan common.Tick, 4)
	require.NoError(t, d.Connect(Callbacks{OnTick: func(tk common.Tick) { got <- tk }}))
	sess := nextSession(t, dialer)
	sess.events <- niftyTick(24812.35)

	select {
	case tk := <-got:
		assert.Equal(t, "NIFTY 50", tk.Symbol)
		assert.Equal(t, common.ExchangeNSE, tk.Exchange)
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}
	price, ok := ltp.Get("NSE:NIFTY 50")
	require.True(t, ok)
	assert.Equal(t, 24812.35, price)
	_, ok = ltp.Get("NSE:NIFTY")
	assert.False(t, ok, "master symbol must not get its own entry")

	d.Unsubscribe(context.Background(), []string{"NSE:NIFTY 50"})
	_, ok = ltp.Get("NSE:NIFTY 50")
	assert.False(t, ok)
	assert.Zero(t, ltp.Len())
}

func TestKeysSharingAnInstrument(t *testing.T) {
	dialer := newFakeDialer(0)
	ltp := cache.NewLTPCache()
	opts := fastOptions()
	opts.Cache = ltp
	d := NewDispatcher(newFakeDriver(dialer), opts)
	defer d.Stop()

	var mu sync.Mutex
	var names []string
	require.NoError(t, d.Connect(Callbacks{OnTick: func(tk common.Tick) {
		mu.Lock()
		names = append(names, tk.Symbol)
		mu.Unlock()
	}}))
	sess := nextSession(t, dialer)
	assert.Eventually(t, func() bool { return d.Stats().Connected }, time.Second, time.Millisecond)

	d.Subscribe(context.Background(), []string{"NSE:NIFTY", "NSE:NIFTY 50"})
	assert.Equal(t, []string{"NSE:NIFTY"}, sess.keys(), "one broker subscription per instrument")

	sess.events <- niftyTick(24800)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, ltp.Len())
	mu.Lock()
	assert.ElementsMatch(t, []string{"NIFTY", "NIFTY 50"}, names)
	mu.Unlock()

	d.Unsubscribe(context.Background(), []string{"NSE:NIFTY 50"})
	sess.mu.Lock()
	assert.Empty(t, sess.unsubscribed, "instrument still wanted by NSE:NIFTY")
	sess.mu.Unlock()
	_, ok := ltp.Get("NSE:NIFTY")
	assert.True(t, ok)
	_, ok = ltp.Get("NSE:NIFTY 50")
	assert.False(t, ok)

	d.Unsubscribe(context.Background(), []string{"NSE:NIFTY"})
	sess.mu.Lock()
	assert.Len(t, sess.unsubscribed, 1)
	sess.mu.Unlock()
	assert.Zero(t, ltp.Len())
}

func TestUnsubscribedTickIsNotCached(t *testing.T) {
	dialer := newFakeDialer(0)
	ltp := cache.NewLTPCache()
	opts := fastOptions()
	opts.Cache = ltp
	d := NewDispatcher(newFakeDriver(dialer), opts)
	defer d.Stop()

	d.Subscribe(context.Background(), []string{"NSE:RELIANCE"})
	got := make(chan common.Tick, 4)
	require.NoError(t, d.Connect(Callbacks{OnTick: func(tk common.Tick) { got <- tk }}))
	sess := nextSession(t, dialer)
	sess.events <- common.StreamEvent{Type: common.EventTick, Tick: common.Tick{
		Symbol: "TCS", Exchange: common.ExchangeNSE, SecurityID: "11536", Segment: "NSE_EQ", LastPrice: 4100,
	}}

	select {
	case tk := <-got:
		assert.Equal(t, "TCS", tk.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}
	assert.Zero(t, ltp.Len())
}

func TestCacheTTLExpiresStalePrices(t *testing.T) {
	dialer := newFakeDialer(0)
	ltp := cache.NewLTPCache()
	opts := fastOptions()
	opts.Cache = ltp
	opts.CacheTTL = time.Millisecond
	d := NewDispatcher(newFakeDriver(dialer), opts)
	defer d.Stop()

	d.Subscribe(context.Background(), []string{"NSE:RELIANCE"})
	got := make(chan struct{}, 1)
	require.NoError(t, d.Connect(Callbacks{OnTick: func(common.Tick) { got <- struct{}{} }}))
	sess := nextSession(t, dialer)
	sess.events <- tick("RELIANCE", 2950)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}

	assert.Eventually(t, func() bool { return ltp.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"NSE:RELIANCE"}, d.Subscriptions(), "expiry never touches the subscription set")
}

func TestSubscribeWhileConnectedSendsImmediately(t *testing.T) {
	dialer := newFakeDialer(0)
	d := NewDispatcher(newFakeDriver(dialer), fastOptions())
	defer d.Stop()

	require.NoError(t, d.Connect(Callbacks{}))
	sess := nextSession(t, dialer)
	assert.Eventually(t, func() bool { return d.Stats().Connected }, time.Second, time.Millisecond)

	d.Subscribe(context.Background(), []string{"NSE:INFY", "NSE:INFY"})
	assert.Equal(t, []string{"NSE:INFY"}, sess.keys())

	d.Unsubscribe(context.Background(), []string{"nse:INFY"})
	assert.Empty(t, d.Subscriptions())
	sess.mu.Lock()
	assert.Len(t, sess.unsubscribed, 1)
	sess.mu.Unlock()
}

func TestReconnectResubscribes(t *testing.T) {
	dialer := newFakeDialer(0)
	d := NewDispatcher(newFakeDriver(dialer), fastOptions())
	defer d.Stop()

	d.Subscribe(context.Background(), []string{"NSE:RELIANCE", "NSE:INFY"})

	attempts := make(chan int, 8)
	errs := make(chan error, 8)
	require.NoError(t, d.Connect(Callbacks{
		OnReconnect: func(n int) { attempts <- n },
		OnError:     func(err error) { errs <- err },
	}))

	want := []string{"NSE:INFY", "NSE:RELIANCE"}
	first := nextSession(t, dialer)
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, first.keys()) }, time.Second, time.Millisecond)
	first.fail <- errors.New("read: connection reset")

	second := nextSession(t, dialer)
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, second.keys()) }, time.Second, time.Millisecond)
	assert.Equal(t, 1, <-attempts)
	assert.ErrorContains(t, <-errs, "connection reset")
	assert.Eventually(t, func() bool { return d.Stats().Connected }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().Reconnects)
}

func TestReconnectAfterDialFailures(t *testing.T) {
	dialer := newFakeDialer(2)
	d := NewDispatcher(newFakeDriver(dialer), fastOptions())
	defer d.Stop()

	attempts := make(chan int, 8)
	require.NoError(t, d.Connect(Callbacks{OnReconnect: func(n int) { attempts <- n }}))

	nextSession(t, dialer)
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 2, <-attempts)
}

func TestStopIsDeterministic(t *testing.T) {
	dialer := newFakeDialer(0)
	d := NewDispatcher(newFakeDriver(dialer), fastOptions())

	require.NoError(t, d.Connect(Callbacks{}))
	sess := nextSession(t, dialer)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-sess.closed:
	default:
		t.Fatal("session not closed")
	}
	dials := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no reconnect after Stop")
	assert.False(t, d.Stats().Connected)

	d.Stop()
	assert.ErrorIs(t, d.Connect(Callbacks{}), ErrStopped)
}

func TestCallbackPanicDoesNotKillStream(t *testing.T) {
	dialer := newFakeDialer(0)
	d := NewDispatcher(newFakeDriver(dialer), fastOptions())
	defer d.Stop()

	got := make(chan float64, 4)
	require.NoError(t, d.Connect(Callbacks{OnTick: func(tk common.Tick) {
		if tk.LastPrice == 1 {
			panic("boom")
		}
		got <- tk.LastPrice
	}}))
	sess := nextSession(t, dialer)
	sess.events <- tick("RELIANCE", 1)
	sess.events <- tick("RELIANCE", 2)

	select {
	case p := <-got:
		assert.Equal(t, 2.0, p)
	case <-time.After(2 * time.Second):
		t.Fatal("tick after panic not delivered")
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := newQueue(3)
	for i := 1; i <= 3; i++ {
		assert.False(t, q.push(tick("X", float64(i))))
	}
	assert.True(t, q.push(tick("X", 4)))
	assert.True(t, q.push(tick("X", 5)))
	assert.Equal(t, 3, q.len())

	var got []float64
	for {
		ev, ok := q.tryPop()
		if !ok {
			break
		}
		got = append(got, ev.Tick.LastPrice)
	}
	assert.Equal(t, []float64{3, 4, 5}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.pop(ctx)
	assert.False(t, ok)
}

func TestDispatcherCountsDrops(t *testing.T) {
	d := NewDispatcher(newFakeDriver(nil), Options{QueueSize: 2})
	sess := newFakeSession()
	for i := 0; i < 5; i++ {
		sess.events <- tick("RELIANCE", float64(i))
	}
	sess.fail <- errors.New("eof")

	// Only the reader runs, so nothing is consumed.
	err := d.read(context.Background(), sess)
	assert.ErrorContains(t, err, "eof")
	assert.Equal(t, uint64(3), d.Stats().Dropped)
	assert.Equal(t, 2, d.Stats().Queued)
}
