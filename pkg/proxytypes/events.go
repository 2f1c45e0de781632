package proxytypes

import "time"

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventProxyStart       EventType = "ProxyStartEvent"
	EventProxyStop        EventType = "ProxyStopEvent"
	EventProxyStartFailed EventType = "ProxyStartFailedEvent"
	EventProxyPause       EventType = "ProxyPauseEvent"
	EventProxyResume      EventType = "ProxyResumeEvent"
	EventPendingProxy     EventType = "PendingProxyEvent"
	EventSeatClaimed      EventType = "SeatClaimedEvent"
)

// Event is the envelope published on the EventBus. Source identifies the
// instance that produced it, so a cross-instance bridge (e.g. the NATS
// bus) can drop echoes of its own publications.
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time

	ProxyID         string
	UserID          string
	SpecID          string
	StartupLog      string
	UsageDuration   *time.Duration
	SeatID          string
	DelegateProxyID string
}

// NewProxyStartEvent builds a ProxyStartEvent payload.
func NewProxyStartEvent(proxyID, userID, specID, startupLog string) Event {
	return Event{Type: EventProxyStart, ProxyID: proxyID, UserID: userID, SpecID: specID, StartupLog: startupLog}
}

// NewProxyStopEvent builds a ProxyStopEvent payload. usageDuration is nil
// when the proxy never reached Up (StartupTimestamp == 0).
func NewProxyStopEvent(proxyID, userID, specID string, usageDuration *time.Duration) Event {
	return Event{Type: EventProxyStop, ProxyID: proxyID, UserID: userID, SpecID: specID, UsageDuration: usageDuration}
}

// NewProxyStartFailedEvent builds a ProxyStartFailedEvent payload.
// proxyID may be empty when failure occurred before an id was reserved.
func NewProxyStartFailedEvent(proxyID, userID, specID string) Event {
	return Event{Type: EventProxyStartFailed, ProxyID: proxyID, UserID: userID, SpecID: specID}
}

// NewProxyPauseEvent builds a ProxyPauseEvent payload.
func NewProxyPauseEvent(proxyID, userID, specID string) Event {
	return Event{Type: EventProxyPause, ProxyID: proxyID, UserID: userID, SpecID: specID}
}

// NewProxyResumeEvent builds a ProxyResumeEvent payload.
func NewProxyResumeEvent(proxyID, userID, specID string) Event {
	return Event{Type: EventProxyResume, ProxyID: proxyID, UserID: userID, SpecID: specID}
}

// NewPendingProxyEvent builds a PendingProxyEvent payload, published by
// the request path and consumed by per-spec scalers.
func NewPendingProxyEvent(proxyID, userID, specID string) Event {
	return Event{Type: EventPendingProxy, ProxyID: proxyID, UserID: userID, SpecID: specID}
}

// NewSeatClaimedEvent builds a SeatClaimedEvent payload.
func NewSeatClaimedEvent(specID, seatID, delegateProxyID string) Event {
	return Event{Type: EventSeatClaimed, SpecID: specID, SeatID: seatID, DelegateProxyID: delegateProxyID}
}
