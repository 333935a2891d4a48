package pingchat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
)

// Handler is the application side of the protocol. The loop answers PING,
// PONG and the keepalive itself; every other registered command reaches
// OnFrame. All methods run on the loop goroutine.
type Handler interface {
	// OnConnect is called once a slot holds a new connection.
	OnConnect(c *Conn)
	// OnFrame handles one decoded frame. Returning an error disconnects c.
	OnFrame(c *Conn, f Frame) error
	// OnDisconnect is called after c has been disconnected. reason is nil
	// when the connection was closed with Disconnect outside the loop.
	OnDisconnect(c *Conn, reason error)
}

// Ticker is implemented by handlers that need to run once per tick, after
// every connection has been serviced.
type Ticker interface {
	Tick()
}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnConnect(*Conn)            {}
func (NopHandler) OnFrame(*Conn, Frame) error { return nil }
func (NopHandler) OnDisconnect(*Conn, error)  {}

var shutdownRequested atomic.Bool

// RequestShutdown asks every running loop to return at the top of its next
// tick. It only stores a flag, so it is safe to call from a signal watcher.
func RequestShutdown() {
	shutdownRequested.Store(true)
}

// ShutdownRequested reports whether RequestShutdown has been called.
func ShutdownRequested() bool {
	return shutdownRequested.Load()
}

// Default loop settings.
const (
	DefaultTick          = time.Millisecond
	DefaultFramesPerTick = 16
)

// Loop polls a Server (or a single outbound Conn) once per tick.
type Loop struct {
	server  *Server
	conns   []*Conn
	live    []bool
	handler Handler
	logger  Logger
	metrics *metrics

	tick          time.Duration
	framesPerTick int
	traceFrames   bool
	shutdown      *atomic.Bool

	reason error
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// TickOption sets the sleep between ticks.
func TickOption(tick time.Duration) LoopOption {
	return func(l *Loop) {
		l.tick = tick
	}
}

// FramesPerTickOption bounds how many frames one connection may deliver per tick.
func FramesPerTickOption(n int) LoopOption {
	return func(l *Loop) {
		l.framesPerTick = n
	}
}

// TraceFramesOption logs a dump of every received frame at debug level.
func TraceFramesOption(enabled bool) LoopOption {
	return func(l *Loop) {
		l.traceFrames = enabled
	}
}

// ShutdownFlagOption replaces the process-wide shutdown flag with flag.
func ShutdownFlagOption(flag *atomic.Bool) LoopOption {
	return func(l *Loop) {
		l.shutdown = flag
	}
}

// NewServerLoop creates a loop that accepts into s and services its slots.
func NewServerLoop(s *Server, h Handler, opt ...LoopOption) *Loop {
	l := newLoop(h, s.logger, s.opts.metrics, opt)
	l.server = s
	l.conns = s.conns
	l.live = make([]bool, len(s.conns))
	for i, c := range s.conns {
		l.live[i] = c.Connected()
	}
	return l
}

// NewClientLoop creates a loop that services one outbound connection.
// Run returns once it is disconnected.
func NewClientLoop(c *Conn, h Handler, opt ...LoopOption) *Loop {
	l := newLoop(h, c.logger, c.opts.metrics, opt)
	l.conns = []*Conn{c}
	l.live = []bool{c.Connected()}
	return l
}

func newLoop(h Handler, logger Logger, m *metrics, opt []LoopOption) *Loop {
	if h == nil {
		h = NopHandler{}
	}
	l := &Loop{
		handler:       h,
		logger:        logger,
		metrics:       m,
		tick:          DefaultTick,
		framesPerTick: DefaultFramesPerTick,
		shutdown:      &shutdownRequested,
	}
	for _, o := range opt {
		o(l)
	}
	if l.tick <= 0 {
		l.tick = DefaultTick
	}
	if l.framesPerTick <= 0 {
		l.framesPerTick = DefaultFramesPerTick
	}
	return l
}

// Run ticks until ctx is canceled or shutdown is requested. A client loop
// also returns when its connection drops, with the reason it dropped.
// Run never closes the Server; tear it down after Run returns.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.shutdown.Load() {
			l.logger.Info("shutdown requested")
			return nil
		}

		l.step()

		if l.server == nil && !l.conns[0].Connected() {
			return l.reason
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// step runs one tick.
func (l *Loop) step() {
	l.sweep()
	if l.server != nil {
		l.acceptPending()
	}

	for _, c := range l.conns {
		if c.Connected() {
			l.service(c)
		}
	}

	if t, ok := l.handler.(Ticker); ok {
		t.Tick()
	}
	l.sweep()
}

// sweep reports slots closed behind the loop's back, e.g. by a failed
// broadcast write, with the transport error that closed them if any. It
// must run before a slot can be accepted into again.
func (l *Loop) sweep() {
	for i, c := range l.conns {
		if l.live[i] && !c.Connected() {
			l.lost(c, c.CloseReason())
		}
	}
}

func (l *Loop) acceptPending() {
	for {
		slot, err := l.server.Accept()
		switch {
		case err == nil:
			c := l.server.Conn(slot)
			l.live[slot] = true
			l.logger.Info("new connection", "slot", slot, "session", c.ID(), "remote_addr", c.Addr())
			l.handler.OnConnect(c)
		case errors.Is(err, ErrNoPendingConnection):
			return
		case errors.Is(err, ErrMaxConnections):
			continue
		default:
			l.logger.Error("accept failed", "slot", "server", "error", err)
			return
		}
	}
}

// service drains ready frames from c and then applies the timeout and
// keepalive policy.
func (l *Loop) service(c *Conn) {
	for i := 0; i < l.framesPerTick && c.Connected(); i++ {
		raw, _, err := c.NextFrame()
		if err != nil {
			l.drop(c, err)
			return
		}
		if raw == nil {
			break
		}
		if !c.admitFrame() {
			l.drop(c, errors.Wrapf(ErrRateLimited, "slot %d", c.slot))
			return
		}
		if l.traceFrames {
			l.logger.Debug("frame received", "slot", c.slot, "dump", spew.Sdump(raw))
		}
		if err := l.dispatch(c, raw); err != nil {
			l.drop(c, err)
			return
		}
	}
	if !c.Connected() {
		return
	}

	if err := c.CheckTimeout(0); err != nil {
		l.drop(c, err)
		return
	}
	if !c.pinged && c.CheckTimeout(c.timeout/2) != nil {
		if err := c.Ping(); err != nil {
			l.drop(c, err)
			return
		}
		l.metrics.pings.Inc()
		l.logger.Debug("keepalive ping sent", "slot", c.slot, "idle", c.Idle())
	}
}

func (l *Loop) dispatch(c *Conn, raw []byte) error {
	f, err := Decode(raw)
	l.metrics.frames.WithLabelValues(f.Command.String()).Inc()
	if err != nil {
		return err
	}

	switch f.Command {
	case CmdPing:
		l.logger.Debug("ping received", "slot", c.slot)
		return c.Pong()
	case CmdPong:
		c.pinged = false
		l.logger.Debug("pong received", "slot", c.slot)
		return nil
	case CmdError:
		l.logger.Warn("frame dropped", "slot", c.slot, "detail", string(f.Payload))
	}
	return l.handler.OnFrame(c, f)
}

// drop disconnects c because of err and reports it.
func (l *Loop) drop(c *Conn, err error) {
	c.Disconnect()
	l.lost(c, err)
}

func (l *Loop) lost(c *Conn, err error) {
	idx := c.slot
	if l.server == nil {
		idx = 0
	}
	l.live[idx] = false
	l.reason = err
	l.metrics.disconnects.WithLabelValues(disconnectReason(err)).Inc()

	if err != nil {
		l.logger.Info("connection dropped", "slot", c.slot, "session", c.ID(), "reason", err)
	} else {
		l.logger.Info("connection closed", "slot", c.slot, "session", c.ID())
	}
	l.handler.OnDisconnect(c, err)
}

// Server returns the pool serviced by the loop, or nil for a client loop.
func (l *Loop) Server() *Server {
	return l.server
}
