package pingchat

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Conn.
type State int

const (
	// StateUnconnected is a free slot with no socket.
	StateUnconnected State = iota
	// StateServerSide is an outbound connection to a server.
	StateServerSide
	// StateClientSide is a connection accepted from a client.
	StateClientSide
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateServerSide:
		return "server-side"
	case StateClientSide:
		return "client-side"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Conn is one non-blocking TCP socket together with the buffer its frames
// are reassembled in. A Conn is not safe for concurrent use; it is driven
// by a single event loop.
type Conn struct {
	slot  int
	id    string
	state State

	rawConn  *net.TCPConn
	rc       syscall.RawConn
	hostname string
	addr     net.Addr

	timeout    time.Duration
	lastActive time.Time
	pinged     bool
	// closeErr is the transport error that last disconnected the Conn.
	closeErr error

	// Reassembly state. needed == 0 means the length prefix is not known yet.
	buf    []byte
	needed int
	have   int

	limiter *rate.Limiter
	logger  Logger
	opts    options
}

// NewConn creates an unconnected connection with its own reassembly buffer.
// Use Connect to reach a server.
func NewConn(opt ...Option) (*Conn, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}
	return newConnWithOptions(0, opts), nil
}

func newConnWithOptions(slot int, opts options) *Conn {
	return &Conn{
		slot:    slot,
		state:   StateUnconnected,
		timeout: opts.timeout,
		buf:     make([]byte, opts.bufferSize),
		logger:  opts.logger,
		opts:    opts,
	}
}

// Connect resolves host and tries every address for port in turn until one
// accepts. A positive timeout overrides the connection's idle window.
// A connected Conn is disconnected first.
func (c *Conn) Connect(ctx context.Context, host, port string, timeout time.Duration) error {
	c.Disconnect()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return errors.Wrapf(ErrResolutionFailed, "%s: %v", host, err)
	}
	portNum, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return errors.Wrapf(ErrResolutionFailed, "port %s: %v", port, err)
	}

	var (
		dialer  net.Dialer
		tc      *net.TCPConn
		lastErr error
	)
	for _, a := range addrs {
		target := net.JoinHostPort(a, strconv.Itoa(portNum))
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			c.logger.Debug("connect attempt failed", "addr", target, "error", err)
			lastErr = err
			continue
		}
		tc = conn.(*net.TCPConn)
		break
	}
	if tc == nil {
		return errors.Wrapf(ErrConnectFailed, "%s: %v", net.JoinHostPort(host, port), lastErr)
	}

	if err := c.attach(tc, StateServerSide); err != nil {
		tc.Close()
		return err
	}
	if timeout > 0 {
		c.timeout = timeout
	}
	c.hostname = net.JoinHostPort(host, port)

	c.logger.Debug("connected", "slot", c.slot, "session", c.id, "host", c.hostname, "addr", c.addr)
	return nil
}

// attach adopts tc as this slot's socket and moves the slot into state.
// On error tc is left for the caller to close.
func (c *Conn) attach(tc *net.TCPConn, state State) error {
	rc, err := tc.SyscallConn()
	if err != nil {
		return errors.Wrapf(ErrSocketConfigFailed, "raw conn: %v", err)
	}
	if err := reuseAddrControl("tcp", "", rc); err != nil {
		return errors.Wrapf(ErrSocketConfigFailed, "SO_REUSEADDR: %v", err)
	}
	if err := setNonblock(rc); err != nil {
		return errors.Wrapf(ErrSocketConfigFailed, "O_NONBLOCK: %v", err)
	}

	c.rawConn = tc
	c.rc = rc
	c.addr = tc.RemoteAddr()
	c.hostname = ""
	c.state = state
	c.id = uuid.NewString()
	c.timeout = c.opts.timeout
	c.lastActive = c.opts.now()
	c.pinged = false
	c.closeErr = nil
	c.resetFrame()
	if c.opts.frameRate > 0 {
		c.limiter = rate.NewLimiter(c.opts.frameRate, c.opts.frameBurst)
	}
	c.opts.metrics.connected.Inc()
	return nil
}

// Disconnect closes the socket and frees the slot. Calling it on an
// unconnected Conn does nothing.
func (c *Conn) Disconnect() {
	if c.state == StateUnconnected {
		return
	}

	if c.rawConn != nil {
		if err := c.rawConn.Close(); err != nil {
			c.logger.Debug("close error", "slot", c.slot, "error", err)
		}
	}
	c.rawConn = nil
	c.rc = nil
	c.limiter = nil
	c.state = StateUnconnected
	c.resetFrame()
	c.opts.metrics.connected.Dec()
}

// ReadInto performs one non-blocking read into p.
//
// Returns:
//   - n > 0: bytes read; the idle timer is reset and any outstanding PING is cleared
//   - 0, nil: nothing available yet (or the peer closed) and the idle window is still open
//   - ErrTimeout: nothing read and the idle window elapsed; the Conn is disconnected
//   - ErrIO: hard read error; the Conn is disconnected
func (c *Conn) ReadInto(p []byte) (int, error) {
	if c.state == StateUnconnected {
		return 0, ErrNotConnected
	}

	n, err := readNonblock(c.rc, p)
	if err != nil && err != errWouldBlock {
		return 0, c.fail(errors.Wrapf(ErrIO, "read: %v", err))
	}
	if n > 0 {
		c.lastActive = c.opts.now()
		c.pinged = false
		return n, nil
	}

	if c.CheckTimeout(0) != nil {
		return 0, c.fail(errors.Wrapf(ErrTimeout, "no traffic for %s", c.Idle().Truncate(time.Millisecond)))
	}
	return 0, nil
}

// NextFrame advances reassembly of the current frame by as much as the
// socket allows without blocking.
//
// When a frame is complete it is returned and the reassembly state is reset,
// so each frame is returned exactly once. The slice aliases the connection
// buffer and is valid until the next call. Otherwise NextFrame returns the
// number of bytes still needed, or the error that disconnected the Conn.
//
// A frame whose declared length exceeds the buffer is read and thrown away
// in full and reported as an empty ERROR frame instead. A declared length
// shorter than the prefix itself is ErrMalformed.
func (c *Conn) NextFrame() ([]byte, int, error) {
	if c.state == StateUnconnected {
		return nil, 0, ErrNotConnected
	}

	for {
		if c.needed == 0 {
			n, err := c.ReadInto(c.buf[c.have:HeaderSize])
			if err != nil {
				return nil, 0, err
			}
			c.have += n
			if c.have < HeaderSize {
				return nil, HeaderSize - c.have, nil
			}

			declared := int(binary.BigEndian.Uint16(c.buf))
			if declared < HeaderSize {
				c.resetFrame()
				return nil, 0, errors.Wrapf(ErrMalformed, "declared length %d", declared)
			}
			c.needed = declared
			if c.needed > len(c.buf) {
				c.logger.Debug("draining oversized frame", "slot", c.slot, "length", c.needed, "buffer", len(c.buf))
			}
		}

		if c.have >= c.needed {
			break
		}

		var dst []byte
		if c.needed > len(c.buf) {
			dst = c.buf[:min(len(c.buf), c.needed-c.have)]
		} else {
			dst = c.buf[c.have:c.needed]
		}
		n, err := c.ReadInto(dst)
		if err != nil {
			return nil, 0, err
		}
		if n == 0 {
			return nil, c.needed - c.have, nil
		}
		c.have += n

		if c.have == c.needed && c.needed > len(c.buf) {
			c.logger.Warn("discarded oversized frame", "slot", c.slot, "length", c.needed)
			c.opts.metrics.oversized.Inc()
			c.needed = copy(c.buf, errorFrame)
			c.have = c.needed
		}
	}

	frame := c.buf[:c.needed]
	c.resetFrame()
	return frame, 0, nil
}

func (c *Conn) resetFrame() {
	c.needed = 0
	c.have = 0
}

// Write encodes cmd with payload and sends it. A failed or partial write
// disconnects the Conn and returns ErrIO.
func (c *Conn) Write(cmd Command, payload []byte) error {
	frame, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// Ping sends a PING and marks the connection as awaiting a reply.
func (c *Conn) Ping() error {
	var out [HeaderSize + 4]byte
	n, err := EncodeFrame(out[:], CmdPing.Name(), nil)
	if err != nil {
		return err
	}
	if err := c.send(out[:n]); err != nil {
		return err
	}
	c.pinged = true
	return nil
}

// Pong answers a PING.
func (c *Conn) Pong() error {
	var out [HeaderSize + 4]byte
	n, err := EncodeFrame(out[:], CmdPong.Name(), nil)
	if err != nil {
		return err
	}
	return c.send(out[:n])
}

func (c *Conn) send(frame []byte) error {
	if c.state == StateUnconnected {
		return ErrNotConnected
	}

	n, err := writeNonblock(c.rc, frame)
	if err != nil {
		return c.fail(errors.Wrapf(ErrIO, "write %d of %d bytes: %v", n, len(frame), err))
	}
	return nil
}

// fail records err as the reason the Conn went down and disconnects it.
func (c *Conn) fail(err error) error {
	c.closeErr = err
	c.Disconnect()
	return err
}

// CheckTimeout reports ErrTimeout when at least override (or the connection's
// own timeout when override is zero) has passed since the last byte arrived.
func (c *Conn) CheckTimeout(override time.Duration) error {
	limit := c.timeout
	if override > 0 {
		limit = override
	}
	if idle := c.Idle(); idle >= limit {
		return errors.Wrapf(ErrTimeout, "idle %s, limit %s", idle, limit)
	}
	return nil
}

// admitFrame applies the per-connection frame rate limit, if any.
func (c *Conn) admitFrame() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.AllowN(c.opts.now(), 1)
}

// Slot returns the pool index identifying this connection.
func (c *Conn) Slot() int { return c.slot }

// ID returns the session identifier assigned when the slot was last connected.
func (c *Conn) ID() string { return c.id }

// State returns the lifecycle state.
func (c *Conn) State() State { return c.state }

// Connected reports whether the slot holds a socket.
func (c *Conn) Connected() bool { return c.state != StateUnconnected }

// Hostname returns host:port as given to Connect. Empty for accepted connections.
func (c *Conn) Hostname() string { return c.hostname }

// Addr returns the remote address of the last socket held by this slot.
func (c *Conn) Addr() net.Addr { return c.addr }

// CloseReason returns the transport error that disconnected the Conn, or nil
// when it is connected or was closed with Disconnect.
func (c *Conn) CloseReason() error { return c.closeErr }

// Timeout returns the idle window.
func (c *Conn) Timeout() time.Duration { return c.timeout }

// AwaitingPong reports whether a PING is outstanding.
func (c *Conn) AwaitingPong() bool { return c.pinged }

// LastActivity returns when the last byte was received.
func (c *Conn) LastActivity() time.Time { return c.lastActive }

// Idle returns how long it has been since the last byte was received.
func (c *Conn) Idle() time.Duration { return c.opts.now().Sub(c.lastActive) }

// BufferSize returns the reassembly buffer capacity.
func (c *Conn) BufferSize() int { return len(c.buf) }
