package pingchat

import "github.com/pkg/errors"

// Errors returned by the codec, connections and the pool. Callers match them
// with errors.Is; the returned values usually wrap one of these with context.
var (
	// ErrResolutionFailed is returned when a host or bind address cannot be resolved.
	ErrResolutionFailed = errors.New("address resolution failed")
	// ErrConnectFailed is returned when no resolved address accepted the connection.
	ErrConnectFailed = errors.New("connect failed")
	// ErrBindFailed is returned when the listening socket cannot be bound.
	ErrBindFailed = errors.New("bind failed")
	// ErrAcceptFailed is returned when accepting a pending connection fails.
	ErrAcceptFailed = errors.New("accept failed")
	// ErrSocketConfigFailed is returned when non-blocking or reuse setup fails.
	ErrSocketConfigFailed = errors.New("socket configuration failed")
	// ErrIO is returned on a hard read or write failure.
	ErrIO = errors.New("i/o error")
	// ErrTimeout is returned when a connection saw no traffic within its window.
	ErrTimeout = errors.New("connection timed out")
	// ErrMalformed is returned when a frame header disagrees with the bytes available.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownCommand is returned for a well-formed frame with an unregistered command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrTooLarge is returned when a frame exceeds the buffer or the protocol ceiling.
	ErrTooLarge = errors.New("frame too large")
	// ErrMaxConnections is returned by Accept when every slot is in use.
	ErrMaxConnections = errors.New("max connections reached")
	// ErrNoPendingConnection is returned by Accept when nobody is waiting.
	// It is informational, not a failure.
	ErrNoPendingConnection = errors.New("no pending connection")
	// ErrNotConnected is returned when operating on an unconnected slot.
	ErrNotConnected = errors.New("not connected")
	// ErrRateLimited is returned when a peer sends frames faster than allowed.
	ErrRateLimited = errors.New("frame rate exceeded")
)

// IsTransport reports whether err is a transport failure (I/O or timeout)
// that has already disconnected the connection it came from.
func IsTransport(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrTimeout)
}

func isTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func isProtocol(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownCommand)
}

func isRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
