package engine

// State is the lifecycle state of a connection engine.
type State int32

const (
	StateConnecting State = iota // An attempt is in flight.
	StateOpen                    // Protocol handshake completed; connection usable.
	StateRetryWait               // Waiting out the reconnect delay before the next attempt.
	StateClosed                  // Terminal; the engine will make no further attempts.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetryWait:
		return "retry-wait"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
