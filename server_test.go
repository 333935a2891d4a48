package pingchat

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestServer(t *testing.T, capacity int, timeout time.Duration, opt ...Option) *Server {
	t.Helper()

	opt = append([]Option{LoggerOption(NopLogger())}, opt...)
	s, err := Listen(context.Background(), "127.0.0.1:0", capacity, timeout, opt...)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dialServer(t *testing.T, s *Server) *net.TCPConn {
	t.Helper()

	conn, err := net.DialTCP("tcp", nil, s.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// pollAccept calls Accept until something other than ErrNoPendingConnection
// comes back.
func pollAccept(t *testing.T, s *Server) (int, error) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		slot, err := s.Accept()
		if !errors.Is(err, ErrNoPendingConnection) {
			return slot, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timeout waiting for a pending connection")
	return -1, nil
}

func TestListen(t *testing.T) {
	logger := &mockLogger{}
	s := newTestServer(t, 3, 30*time.Second, LoggerOption(logger))

	if s.Capacity() != 3 {
		t.Errorf("Capacity = %d, want 3", s.Capacity())
	}
	if s.Connected() != 0 {
		t.Errorf("Connected = %d, want 0", s.Connected())
	}
	if s.Timeout() != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", s.Timeout())
	}
	if s.Addr() == nil {
		t.Fatal("Addr returned nil")
	}
	for i, c := range s.Conns() {
		if c.Slot() != i {
			t.Errorf("slot %d reports index %d", i, c.Slot())
		}
		if c.State() != StateUnconnected {
			t.Errorf("slot %d State = %v, want unconnected", i, c.State())
		}
	}

	if !logger.infoCalled || logger.lastMsg != "server listening" {
		t.Errorf("last log = %q, want server listening", logger.lastMsg)
	}
	if got := logger.argValue("slots"); got != 3 {
		t.Errorf("logged slots = %v, want 3", got)
	}
}

func TestListen_DefaultTimeout(t *testing.T) {
	s := newTestServer(t, 1, 0)

	if s.Timeout() != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", s.Timeout(), DefaultTimeout)
	}
}

func TestListen_InvalidCapacity(t *testing.T) {
	_, err := Listen(context.Background(), "127.0.0.1:0", 0, 0, LoggerOption(NopLogger()))
	if err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestListen_InvalidAddr(t *testing.T) {
	tests := []struct {
		name string
		bind string
	}{
		{"missing port", "127.0.0.1"},
		{"unknown service", "127.0.0.1:no-such-service"},
		{"unknown host", "pingchat.invalid:7777"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Listen(context.Background(), tt.bind, 1, 0, LoggerOption(NopLogger()))
			if !errors.Is(err, ErrResolutionFailed) {
				t.Errorf("expected ErrResolutionFailed, got %v", err)
			}
		})
	}
}

func TestListen_BindFailed(t *testing.T) {
	s := newTestServer(t, 1, 0)

	_, err := Listen(context.Background(), s.Addr().String(), 1, 0, LoggerOption(NopLogger()))
	if !errors.Is(err, ErrBindFailed) {
		t.Errorf("expected ErrBindFailed, got %v", err)
	}
}

func TestServer_Accept_NoPending(t *testing.T) {
	s := newTestServer(t, 1, 0)

	slot, err := s.Accept()
	if !errors.Is(err, ErrNoPendingConnection) {
		t.Errorf("expected ErrNoPendingConnection, got %v", err)
	}
	if slot != -1 {
		t.Errorf("slot = %d, want -1", slot)
	}
}

func TestServer_Accept(t *testing.T) {
	s := newTestServer(t, 2, 15*time.Second)

	client := dialServer(t, s)
	slot, err := pollAccept(t, s)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if slot != 0 {
		t.Errorf("slot = %d, want 0", slot)
	}

	c := s.Conn(slot)
	if c.State() != StateClientSide {
		t.Errorf("State = %v, want client-side", c.State())
	}
	if c.Timeout() != 15*time.Second {
		t.Errorf("Timeout = %v, want the pool timeout", c.Timeout())
	}
	if c.Addr().String() != client.LocalAddr().String() {
		t.Errorf("Addr = %v, want %v", c.Addr(), client.LocalAddr())
	}

	dialServer(t, s)
	slot, err = pollAccept(t, s)
	if err != nil {
		t.Fatalf("second Accept failed: %v", err)
	}
	if slot != 1 {
		t.Errorf("second slot = %d, want 1", slot)
	}
	if s.Connected() != 2 {
		t.Errorf("Connected = %d, want 2", s.Connected())
	}
	if got := testutil.ToFloat64(s.opts.metrics.accepted); got != 2 {
		t.Errorf("accepted counter = %v, want 2", got)
	}
}

func TestServer_Accept_MaxConnections(t *testing.T) {
	s := newTestServer(t, 1, 0)

	dialServer(t, s)
	if _, err := pollAccept(t, s); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	id := s.Conn(0).ID()

	extra := dialServer(t, s)
	_, err := pollAccept(t, s)
	if !errors.Is(err, ErrMaxConnections) {
		t.Fatalf("expected ErrMaxConnections, got %v", err)
	}

	if s.Conn(0).ID() != id || !s.Conn(0).Connected() {
		t.Error("refusing a connection disturbed the occupied slot")
	}
	if got := testutil.ToFloat64(s.opts.metrics.rejected); got != 1 {
		t.Errorf("rejected counter = %v, want 1", got)
	}

	// The refused socket was drained off the queue and closed.
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := extra.Read(make([]byte, 1)); err == nil {
		t.Error("refused connection is still open")
	}
	if _, err := s.Accept(); !errors.Is(err, ErrNoPendingConnection) {
		t.Errorf("queue not drained: %v", err)
	}
}

func TestServer_SlotReuse(t *testing.T) {
	s := newTestServer(t, 2, 0)

	dialServer(t, s)
	dialServer(t, s)
	for i := 0; i < 2; i++ {
		if _, err := pollAccept(t, s); err != nil {
			t.Fatalf("Accept %d failed: %v", i, err)
		}
	}

	oldID := s.Conn(0).ID()
	s.Conn(0).Disconnect()

	dialServer(t, s)
	slot, err := pollAccept(t, s)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if slot != 0 {
		t.Errorf("slot = %d, want the freed slot 0", slot)
	}
	if s.Conn(0).ID() == oldID {
		t.Error("reused slot kept the previous session id")
	}
}

func TestServer_Stop(t *testing.T) {
	s := newTestServer(t, 1, 0)

	dialServer(t, s)
	if _, err := pollAccept(t, s); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	if s.Addr() != nil {
		t.Error("Addr should be nil once stopped")
	}
	if _, err := s.Accept(); !errors.Is(err, ErrAcceptFailed) {
		t.Errorf("expected ErrAcceptFailed after Stop, got %v", err)
	}
	if !s.Conn(0).Connected() {
		t.Error("Stop closed an established connection")
	}
}

func TestServer_CloseAll(t *testing.T) {
	s := newTestServer(t, 2, 0)

	client := dialServer(t, s)
	if _, err := pollAccept(t, s); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	s.CloseAll()

	if s.Connected() != 0 {
		t.Errorf("Connected = %d, want 0", s.Connected())
	}
	if s.Capacity() != 2 {
		t.Errorf("Capacity = %d, want the slots kept", s.Capacity())
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("client read = %v, want EOF", err)
	}
}

func TestServer_Close(t *testing.T) {
	s := newTestServer(t, 2, 0)

	dialServer(t, s)
	if _, err := pollAccept(t, s); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if s.Capacity() != 0 {
		t.Errorf("Capacity = %d, want 0 after Close", s.Capacity())
	}
	if s.Conn(0) != nil {
		t.Error("Conn returned a slot after Close")
	}
}

func TestServer_Conn_OutOfRange(t *testing.T) {
	s := newTestServer(t, 1, 0)

	if s.Conn(-1) != nil || s.Conn(1) != nil {
		t.Error("Conn returned a slot for an out of range index")
	}
}
