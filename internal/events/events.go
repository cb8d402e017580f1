// Package events implements the host-facing Event Bus: a
// bounded single-producer/single-consumer queue drained by the host via a
// non-blocking Poll. Event is a tagged union (a sum type discriminated
// by Kind) rather than an interface hierarchy with one implementation
// per variant.
package events

// Capacity is the Event Bus's buffer size.
const Capacity = 1024

// Kind discriminates which fields of an Event are meaningful.
type Kind int

const (
	KindClipboardReceived Kind = iota
	KindDeviceConnected
	KindDeviceDisconnected
	KindPairingRequest
	KindError
	KindConflictDetected
)

func (k Kind) String() string {
	switch k {
	case KindClipboardReceived:
		return "ClipboardReceived"
	case KindDeviceConnected:
		return "DeviceConnected"
	case KindDeviceDisconnected:
		return "DeviceDisconnected"
	case KindPairingRequest:
		return "PairingRequest"
	case KindError:
		return "Error"
	case KindConflictDetected:
		return "ConflictDetected"
	default:
		return "Unknown"
	}
}

// ClipboardItem is the subset of a history row an event needs to carry;
// defined here (rather than imported from internal/storage) so events
// has no dependency on the storage schema.
type ClipboardItem struct {
	ID             string
	ContentType    string
	Preview        string
	SizeBytes      int64
	SourceDeviceID string // empty for locally originated items
	CreatedAtUnix  int64
}

// PeerInfo is the subset of a Peer record an event needs to carry.
type PeerInfo struct {
	DeviceID string
	Name     string
	Platform string
}

// Event is one item delivered through the bus. Exactly the fields for
// Kind are meaningful; the rest are zero.
type Event struct {
	Kind Kind

	Clipboard ClipboardItem
	Peer      PeerInfo
	DeviceID  string
	Message   string
}

// Bus is a bounded channel-backed event queue. Overflow drops the oldest
// pending event and enqueues a KindError "event overflow" marker in its
// place.
type Bus struct {
	ch chan Event
}

// NewBus constructs a Bus with the default capacity.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, Capacity)}
}

// Push enqueues an event, never blocking. On overflow it drops the
// oldest queued event and enqueues an overflow-notice Error event
// instead of e.
func (b *Bus) Push(e Event) {
	select {
	case b.ch <- e:
		return
	default:
	}

	// Full: drop one to make room, then record that an overflow happened.
	select {
	case <-b.ch:
	default:
	}
	select {
	case b.ch <- Event{Kind: KindError, Message: "event overflow"}:
	default:
	}
}

// Poll returns the next queued event, if any, without blocking.
func (b *Bus) Poll() (Event, bool) {
	select {
	case e := <-b.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Len reports the number of events currently queued (best-effort, for
// diagnostics/tests only).
func (b *Bus) Len() int {
	return len(b.ch)
}
