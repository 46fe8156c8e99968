package events

// Event enumerates topics published inside broker-core.
type Event string

const (
	EventTick                 Event = "stream.tick"
	EventOrderUpdate          Event = "stream.order_update"
	EventStreamConnected      Event = "stream.connected"
	EventStreamDisconnected   Event = "stream.disconnected"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventInstrumentsRefreshed Event = "instruments.refreshed"
)
