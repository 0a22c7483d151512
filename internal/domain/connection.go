package domain

// ConnectionState is the availability of the inverter link as seen by the
// poller.
type ConnectionState int32

const (
	// StateInitial is the state before the first exchange completes.
	StateInitial ConnectionState = iota
	// StateConnected follows any successful exchange.
	StateConnected
	// StateDisconnected follows the failure threshold being reached.
	StateDisconnected
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Available reports whether the device should be presented as reachable.
// The initial state counts as available.
func (s ConnectionState) Available() bool {
	return s == StateInitial || s == StateConnected
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
