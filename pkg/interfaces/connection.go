package interfaces

// Connection is one live duplex channel to an authenticated user.
// A user may hold several at once (tabs, devices).
type Connection interface {
	// ID is unique per connection, not per user.
	ID() string

	// UserID is the authenticated owner, fixed at handshake time.
	UserID() string

	// WriteJSON queues v for delivery. Implementations must be safe for
	// concurrent use; the single-writer goroutine in the websocket package
	// serializes the actual socket writes.
	WriteJSON(v interface{}) error

	// Close releases the transport. Safe to call more than once.
	Close() error
}
