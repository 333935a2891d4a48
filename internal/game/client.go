package game

import (
	"fmt"
	"io"
	"strings"

	"github.com/Zereker/pingchat"
)

// Client is the interactive Handler for an outbound connection. Lines from
// input are sent as MSG frames except for the commands below; everything
// the server relays is printed to out.
//
//	/name <name>  identify with USER
//	/ping         send a PING
//	/quit         disconnect
type Client struct {
	conn   *pingchat.Conn
	input  <-chan string
	out    io.Writer
	logger pingchat.Logger
}

// NewClient creates a client handler for conn. input is polled once per
// tick and never blocks the loop; closing it disconnects.
func NewClient(conn *pingchat.Conn, input <-chan string, out io.Writer, logger pingchat.Logger) *Client {
	if logger == nil {
		logger = pingchat.NopLogger()
	}
	return &Client{conn: conn, input: input, out: out, logger: logger}
}

func (cl *Client) OnConnect(*pingchat.Conn) {}

func (cl *Client) OnFrame(_ *pingchat.Conn, f pingchat.Frame) error {
	switch f.Command {
	case pingchat.CmdMsg:
		fmt.Fprintf(cl.out, "%s\n", f.Payload)
	case pingchat.CmdUser:
		fmt.Fprintf(cl.out, "* you are now known as %s\n", f.Payload)
	case pingchat.CmdError:
		if len(f.Payload) == 0 {
			fmt.Fprintln(cl.out, "* a command to the server has been dropped")
		} else {
			fmt.Fprintf(cl.out, "* server error: %s\n", f.Payload)
		}
	}
	return nil
}

func (cl *Client) OnDisconnect(_ *pingchat.Conn, reason error) {
	if reason != nil {
		fmt.Fprintf(cl.out, "* disconnected: %v\n", reason)
	} else {
		fmt.Fprintln(cl.out, "* disconnected")
	}
}

// Tick forwards every line that is already waiting on input.
func (cl *Client) Tick() {
	for cl.conn.Connected() {
		select {
		case line, ok := <-cl.input:
			if !ok {
				cl.input = nil
				cl.conn.Disconnect()
				return
			}
			cl.handleLine(line)
		default:
			return
		}
	}
}

func (cl *Client) handleLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}

	var err error
	switch cmd, arg, _ := strings.Cut(line, " "); cmd {
	case "/quit":
		cl.conn.Disconnect()
		return
	case "/ping":
		err = cl.conn.Ping()
	case "/name":
		err = cl.conn.Write(pingchat.CmdUser, []byte(strings.TrimSpace(arg)))
	default:
		err = cl.conn.Write(pingchat.CmdMsg, []byte(line))
	}
	if err != nil {
		cl.logger.Warn("send failed", "slot", cl.conn.Slot(), "error", err)
	}
}
