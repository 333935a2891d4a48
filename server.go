package pingchat

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Server is a listening socket plus a fixed array of connection slots.
// The slot index of a connection is its identity for as long as it stays
// connected. Like Conn, a Server is driven from a single goroutine.
type Server struct {
	listener *net.TCPListener
	lrc      syscall.RawConn
	conns    []*Conn
	timeout  time.Duration

	logger Logger
	opts   options
}

// Listen binds bind (host:port, or :port for every interface), allocates
// capacity unconnected slots and starts listening without blocking. The
// pool timeout is inherited by every accepted connection. Nothing is left
// open when Listen fails.
func Listen(ctx context.Context, bind string, capacity int, timeout time.Duration, opt ...Option) (*Server, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("capacity must be positive, got %d", capacity)
	}
	if timeout > 0 {
		opt = append(opt, TimeoutOption(timeout))
	}
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return nil, errors.Wrapf(ErrResolutionFailed, "%s: %v", bind, err)
	}
	if _, err := net.DefaultResolver.LookupPort(ctx, "tcp", port); err != nil {
		return nil, errors.Wrapf(ErrResolutionFailed, "port %s: %v", port, err)
	}
	if host != "" {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return nil, errors.Wrapf(ErrResolutionFailed, "%s: %v", host, err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	l, err := lc.Listen(ctx, "tcp", bind)
	if err != nil {
		return nil, errors.Wrapf(ErrBindFailed, "%s: %v", bind, err)
	}
	listener := l.(*net.TCPListener)

	lrc, err := listener.SyscallConn()
	if err != nil {
		listener.Close()
		return nil, errors.Wrapf(ErrSocketConfigFailed, "listener raw conn: %v", err)
	}
	if err := setNonblock(lrc); err != nil {
		listener.Close()
		return nil, errors.Wrapf(ErrSocketConfigFailed, "listener O_NONBLOCK: %v", err)
	}

	s := &Server{
		listener: listener,
		lrc:      lrc,
		conns:    make([]*Conn, capacity),
		timeout:  opts.timeout,
		logger:   opts.logger,
		opts:     opts,
	}
	for i := range s.conns {
		s.conns[i] = newConnWithOptions(i, opts)
	}

	s.logger.Info("server listening", "addr", listener.Addr(), "slots", capacity, "timeout", s.timeout)
	return s, nil
}

// Accept takes at most one pending connection without blocking.
//
// Returns:
//   - slot index: the first free slot now holds the new client-side connection
//   - ErrNoPendingConnection: nobody is waiting (the normal case)
//   - ErrMaxConnections: every slot is busy; the pending socket was accepted and closed
//   - ErrAcceptFailed: accept(2) or socket setup failed
func (s *Server) Accept() (int, error) {
	if s.listener == nil {
		return -1, errors.Wrap(ErrAcceptFailed, "server stopped")
	}

	fd, err := acceptNonblock(s.lrc)
	if err == errWouldBlock {
		return -1, ErrNoPendingConnection
	}
	if err != nil {
		return -1, errors.Wrapf(ErrAcceptFailed, "accept: %v", err)
	}

	tc, err := tcpConnFromFD(fd)
	if err != nil {
		return -1, errors.Wrapf(ErrAcceptFailed, "adopt descriptor: %v", err)
	}

	c := s.freeSlot()
	if c == nil {
		s.logger.Warn("connection refused, max connections reached", "addr", tc.RemoteAddr(), "slots", len(s.conns))
		tc.Close()
		s.opts.metrics.rejected.Inc()
		return -1, errors.Wrapf(ErrMaxConnections, "%d slots in use, refused %s", len(s.conns), tc.RemoteAddr())
	}

	if err := c.attach(tc, StateClientSide); err != nil {
		tc.Close()
		return -1, errors.Wrapf(ErrAcceptFailed, "slot %d: %v", c.slot, err)
	}
	_ = tc.SetNoDelay(true)
	s.opts.metrics.accepted.Inc()

	s.logger.Debug("accepted connection", "slot", c.slot, "session", c.id, "remote_addr", c.addr)
	return c.slot, nil
}

func (s *Server) freeSlot() *Conn {
	for _, c := range s.conns {
		if c.state == StateUnconnected {
			return c
		}
	}
	return nil
}

// Stop closes the listening socket. Connected slots stay open.
// Safe to call multiple times.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	s.lrc = nil
	s.logger.Info("server stopped listening")
	return err
}

// CloseAll disconnects every slot. The slots remain usable.
func (s *Server) CloseAll() {
	for _, c := range s.conns {
		c.Disconnect()
	}
}

// Close stops the server, disconnects every slot and releases the slots.
// Safe to call multiple times.
func (s *Server) Close() error {
	err := s.Stop()
	s.CloseAll()
	s.conns = nil
	return err
}

// Conn returns the connection in slot, or nil if slot is out of range.
func (s *Server) Conn(slot int) *Conn {
	if slot < 0 || slot >= len(s.conns) {
		return nil
	}
	return s.conns[slot]
}

// Conns returns every slot, connected or not, in index order.
func (s *Server) Conns() []*Conn {
	return s.conns
}

// Capacity returns the number of slots.
func (s *Server) Capacity() int {
	return len(s.conns)
}

// Connected returns how many slots currently hold a connection.
func (s *Server) Connected() int {
	n := 0
	for _, c := range s.conns {
		if c.Connected() {
			n++
		}
	}
	return n
}

// Timeout returns the idle window given to accepted connections.
func (s *Server) Timeout() time.Duration {
	return s.timeout
}

// Addr returns the listener's network address, or nil once stopped.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
