// Package event carries the agent's outbound status notifications: recording
// state changes, stream state changes, and gallery refresh hints.
package event

// Event type names on the wire.
const (
	TypeRecordingStatus = "recording_status"
	TypeStreamState     = "stream_state"
	TypeRefreshGallery  = "refresh_gallery"
)

// States carried by start/stop events.
const (
	StateStarted = "started"
	StateStopped = "stopped"
)

// Event is one outbound notification.
type Event struct {
	Event string `json:"event"`
	State string `json:"state,omitempty"`
}

// RecordingStatus builds the recording state-change event.
func RecordingStatus(started bool) Event {
	return Event{Event: TypeRecordingStatus, State: state(started)}
}

// StreamState builds the stream state-change event.
func StreamState(started bool) Event {
	return Event{Event: TypeStreamState, State: state(started)}
}

// RefreshGallery builds the gallery refresh hint.
func RefreshGallery() Event {
	return Event{Event: TypeRefreshGallery}
}

func state(started bool) string {
	if started {
		return StateStarted
	}
	return StateStopped
}

// Notifier delivers events to connected clients. Implementations must not
// block the caller; sessions emit events from their hot paths.
type Notifier interface {
	Notify(ev Event)
}

// Multi fans one event out to several notifiers. Nil members are skipped.
type Multi []Notifier

func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}
