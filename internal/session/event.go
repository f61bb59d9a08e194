package session

// EventType classifies events pushed to viewers.
type EventType string

const (
	EventQR     EventType = "qr"     // new pairing image
	EventStatus EventType = "status" // connectivity or device list changed
)

// Event carries one session transition to the fan-out hub.
type Event struct {
	Type EventType

	// QR is the encoded pairing image (EventQR only).
	QR string

	// Status, Phase and Devices describe the session (EventStatus only).
	Status  string
	Phase   Phase
	Devices []DeviceRecord
}

// Publisher receives events in the order transitions occur. Publish is
// called with the controller's lock held and must not block or call back
// into the controller.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

func statusEvent(p Phase, devices []DeviceRecord) Event {
	return Event{
		Type:    EventStatus,
		Status:  p.StatusString(),
		Phase:   p,
		Devices: devices,
	}
}
