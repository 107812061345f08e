package model

// ControlKind enumerates the non-data signals carried on the bus.
type ControlKind string

const (
	ControlShutdown    ControlKind = "SHUTDOWN"
	ControlHealthCheck ControlKind = "HEALTHCHECK"
)

// BroadcastTarget is the routing key that addresses every subscriber.
const BroadcastTarget = "*"

// Message wraps either a row event or a control signal, tagged with the
// target worker it is addressed to (spec §3).
type Message struct {
	TargetName string

	Event   *RowEvent    // nil for control messages
	Control ControlKind  // empty for data messages

	// MappingKey lets the target worker look up the MappingRule that
	// produced this event without a second index lookup.
	MappingKey MappingKey
}

// IsControl reports whether this message carries a control signal rather
// than row data.
func (m *Message) IsControl() bool { return m.Control != "" }

// NewDataMessage builds a message carrying a row event addressed to target.
func NewDataMessage(target string, key MappingKey, ev *RowEvent) *Message {
	return &Message{TargetName: target, Event: ev, MappingKey: key}
}

// NewControlMessage builds a broadcast control message.
func NewControlMessage(kind ControlKind) *Message {
	return &Message{TargetName: BroadcastTarget, Control: kind}
}
