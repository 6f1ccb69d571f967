package feedmux

// ConnState describes the lifecycle of the single current transport
// connection. Exactly one connection is current at any time; the previous
// one is fully discarded before a new one is created.
type ConnState byte

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// IsOpen reports whether the connection is ready to transmit.
func (s ConnState) IsOpen() bool {
	return s == StateOpen
}
