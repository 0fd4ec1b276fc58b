package stepper

import "time"

// EventKind names a monitor or configuration transition.
type EventKind string

const (
	EventOverTempWarning EventKind = "overtemp_warning"
	EventCurrentReduced  EventKind = "current_reduced"
	EventThermalShutdown EventKind = "thermal_shutdown"
	EventFault           EventKind = "fault"
	EventFaultCeiling    EventKind = "fault_ceiling"
	EventCommLost        EventKind = "comm_lost"
	EventCommRecovered   EventKind = "comm_recovered"
	EventConfigChanged   EventKind = "config_changed"
	EventLatchCleared    EventKind = "latch_cleared"
)

// Event is published to observers on every transition.
type Event struct {
	Time       time.Time `json:"time"`
	Axis       string    `json:"axis"`
	Kind       EventKind `json:"kind"`
	Raw        uint32    `json:"raw,omitempty"`
	Milliamps  int       `json:"milliamps,omitempty"`
	FaultTicks uint8     `json:"fault_ticks,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Observer receives events. It is called on the publishing goroutine and
// must not block.
type Observer func(Event)

// Observers fans one event out to several observers.
type Observers []Observer

// Publish stamps the event time if unset and delivers it.
func (o Observers) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, fn := range o {
		fn(ev)
	}
}
