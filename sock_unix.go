//go:build unix

package pingchat

import (
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errWouldBlock reports that the kernel had no data or buffer space.
var errWouldBlock = errors.New("operation would block")

func temporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// readNonblock performs a single read(2) on the descriptor without ever
// parking on the runtime poller. n == 0 with a nil error is EOF.
func readNonblock(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := rc.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if rerr != nil {
		if temporary(rerr) {
			return 0, errWouldBlock
		}
		return 0, rerr
	}
	return n, nil
}

// writeNonblock writes all of p or fails. A full socket buffer is reported
// as errWouldBlock together with the bytes already written.
func writeNonblock(rc syscall.RawConn, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		var (
			n    int
			werr error
		)
		err := rc.Write(func(fd uintptr) bool {
			n, werr = unix.Write(int(fd), p[written:])
			return true
		})
		if err != nil {
			return written, err
		}
		if werr != nil {
			if werr == unix.EINTR {
				continue
			}
			if temporary(werr) {
				return written, errWouldBlock
			}
			return written, werr
		}
		written += n
	}
	return written, nil
}

// acceptNonblock takes one pending connection off the listener, if any.
// Listener RawConns only support Control, so accept(2) runs there against
// the already non-blocking listening descriptor.
func acceptNonblock(rc syscall.RawConn) (int, error) {
	nfd := -1
	var aerr error
	err := rc.Control(func(fd uintptr) {
		nfd, _, aerr = unix.Accept(int(fd))
	})
	if err != nil {
		return -1, err
	}
	if aerr != nil {
		if temporary(aerr) || aerr == unix.ECONNABORTED {
			return -1, errWouldBlock
		}
		return -1, aerr
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}

// closeFD drops a descriptor that never made it into a net.Conn.
func closeFD(fd int) {
	_ = unix.Close(fd)
}

// tcpConnFromFD hands an accepted descriptor to the net package. The
// descriptor is consumed whether or not this succeeds.
func tcpConnFromFD(fd int) (*net.TCPConn, error) {
	f := os.NewFile(uintptr(fd), "pingchat-accepted")
	if f == nil {
		closeFD(fd)
		return nil, errors.Errorf("invalid descriptor %d", fd)
	}
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("accepted %T, want *net.TCPConn", c)
	}
	return tc, nil
}

// reuseAddrControl enables SO_REUSEADDR before bind or connect.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// setNonblock puts the descriptor in O_NONBLOCK mode.
func setNonblock(rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		return err
	}
	return serr
}
