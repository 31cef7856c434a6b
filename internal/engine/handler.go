package engine

import "github.com/dskow/mqlink/internal/condition"

// Handler is the application callback surface. All callbacks run on the
// engine's event loop goroutine, strictly serialized with state transitions.
// Within OnTransportError the application may call Close (aborting any
// pending reconnection) or UpdateOptions (effective from the next attempt)
// synchronously.
type Handler interface {
	// OnConnectionOpen fires when the protocol handshake completes.
	// Conn.Reconnected reports false on the first-ever open and true on
	// every open after a retry cycle.
	OnConnectionOpen(c *Conn)

	// OnConnectionError fires when the engine terminates with an error
	// condition: a peer error close that will not be retried, or an
	// exhausted retry budget.
	OnConnectionError(c *Conn, cond *condition.Condition)

	// OnConnectionClose fires only for a clean close: an application-
	// initiated closing handshake completed with the peer.
	OnConnectionClose(c *Conn)

	// OnTransportError fires for every failed attempt and every lost
	// established connection, with the specific target and detail. No
	// silent retries.
	OnTransportError(c *Conn, err error)

	// OnTransportClose fires exactly once, when the engine reaches Closed.
	OnTransportClose(c *Conn)
}

// NopHandler is a Handler with empty implementations, for embedding so
// applications implement only the callbacks they care about.
type NopHandler struct{}

func (NopHandler) OnConnectionOpen(*Conn)                        {}
func (NopHandler) OnConnectionError(*Conn, *condition.Condition) {}
func (NopHandler) OnConnectionClose(*Conn)                       {}
func (NopHandler) OnTransportError(*Conn, error)                 {}
func (NopHandler) OnTransportClose(*Conn)                        {}
