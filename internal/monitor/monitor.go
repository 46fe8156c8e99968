// Package monitor keeps runtime counters fed from the event bus.
package monitor

import (
	"context"
	"sync"
	"time"

	"broker-core/internal/events"
	"broker-core/internal/order"
	"broker-core/pkg/instruments"
	"broker-core/pkg/logger"
)

// Monitor watches bus topics and updates Metrics.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics

	log *logger.Entry

	mu       sync.Mutex
	inflight map[string]*roundTrip
}

// roundTrip pairs the submit and outcome events of one intent. Topics are
// consumed independently, so either may arrive first.
type roundTrip struct {
	submitted time.Time
	done      time.Time
}

func New(bus *events.Bus, log *logger.Log) *Monitor {
	if log == nil {
		log = logger.Discard()
	}
	return &Monitor{
		Bus:      bus,
		Metrics:  NewMetrics(),
		log:      log.WithComponent("monitor"),
		inflight: make(map[string]*roundTrip),
	}
}

// Start subscribes to every topic and returns once the subscriptions are in
// place. Processing stops when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		m.log.Warn("monitor has no bus; skipping")
		return
	}
	topics := []events.Event{
		events.EventTick,
		events.EventOrderUpdate,
		events.EventStreamConnected,
		events.EventStreamDisconnected,
		events.EventOrderSubmitted,
		events.EventOrderAccepted,
		events.EventOrderRejected,
		events.EventInstrumentsRefreshed,
	}
	for _, topic := range topics {
		ch, unsub := m.Bus.Subscribe(topic, 256)
		go func(topic events.Event) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					m.handle(topic, msg)
				}
			}
		}(topic)
	}
}

func (m *Monitor) handle(topic events.Event, msg any) {
	switch topic {
	case events.EventTick:
		m.Metrics.ticks.Add(1)
	case events.EventOrderUpdate:
		m.Metrics.orderUpdates.Add(1)
	case events.EventStreamConnected:
		m.Metrics.connects.Add(1)
	case events.EventStreamDisconnected:
		m.Metrics.recordDisconnect(time.Now())
		m.log.WithField("broker", msg).Warn("stream disconnected")
	case events.EventInstrumentsRefreshed:
		if st, ok := msg.(instruments.Stats); ok {
			m.Metrics.recordRefresh(st.Count)
		}
	case events.EventOrderSubmitted:
		ev, ok := msg.(order.Event)
		if !ok {
			return
		}
		m.Metrics.ordersSubmitted.Add(1)
		m.track(ev.IntentID, func(rt *roundTrip) { rt.submitted = ev.Time })
	case events.EventOrderAccepted, events.EventOrderRejected:
		ev, ok := msg.(order.Event)
		if !ok {
			return
		}
		if topic == events.EventOrderAccepted {
			m.Metrics.ordersAccepted.Add(1)
		} else {
			m.Metrics.recordReject(ev.Kind)
		}
		m.track(ev.IntentID, func(rt *roundTrip) { rt.done = ev.Time })
	}
}

func (m *Monitor) track(id string, set func(*roundTrip)) {
	m.mu.Lock()
	rt, ok := m.inflight[id]
	if !ok {
		rt = &roundTrip{}
		m.inflight[id] = rt
	}
	set(rt)
	complete := !rt.submitted.IsZero() && !rt.done.IsZero()
	if complete {
		delete(m.inflight, id)
	}
	m.mu.Unlock()

	if complete {
		m.Metrics.OrderLatency.RecordDuration(rt.done.Sub(rt.submitted))
	}
}

// Inflight is the number of intents still waiting for their other half.
func (m *Monitor) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
