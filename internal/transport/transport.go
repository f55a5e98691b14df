package transport

import "github.com/benmeehan/iot-endpoint/internal/models"

// EventHandler receives transport-level events. Implementations are invoked
// synchronously from the connection's read goroutine (messages, errors) or
// from whichever goroutine observed the connection change, so they must not
// block for long and must not re-enter the transport while holding their own
// locks.
type EventHandler interface {
	// OnMessageReceived delivers one complete protocol-frame byte buffer.
	OnMessageReceived(endpointID string, data []byte)
	// OnConnectionChanged reports a connection gained (true) or lost (false).
	OnConnectionChanged(endpointID string, connected bool)
	// OnError reports a non-fatal transport error for an endpoint.
	OnError(endpointID string, code int, message string)
}

// Error codes passed to EventHandler.OnError.
const (
	ErrCodeConnectFailed = iota + 1
	ErrCodeReadFailed
	ErrCodeWriteFailed
	ErrCodeAcceptFailed
)

// Transport moves framed byte buffers between endpoints. Implementations own
// their sockets and per-connection read loops; callers interact only through
// endpoint ids.
type Transport interface {
	// Initialize prepares the transport. In server mode it binds and listens
	// on the configured address; failure is fatal for startup.
	Initialize() error
	// Start begins serving: accept loop in server mode, no-op for a dialer.
	Start() error
	// Stop closes the listener and every connection.
	Stop() error

	// Connect dials address:port and registers the connection under id.
	// Dialing is asynchronous; success or failure arrives as an event.
	Connect(id, address string, port uint16) error
	// Disconnect closes and removes the identified connection.
	Disconnect(id string) error

	// Send writes one framed message to the identified connection.
	Send(id string, data []byte) error
	// Broadcast sends data to every live connection, returning the number of
	// connections written to.
	Broadcast(data []byte) int

	IsConnected(id string) bool
	ConnectedIDs() []string
	// ConnectionInfo reports addressing and uptime details for a live
	// connection.
	ConnectionInfo(id string) (models.ConnectionInfo, bool)

	// AddHandler appends an observer. Observers are invoked in registration
	// order; internal state-updating observers register before user ones.
	AddHandler(h EventHandler)
}
