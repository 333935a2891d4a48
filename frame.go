// Package pingchat implements a small length-prefixed command protocol over
// TCP. Connections are polled without blocking from a single goroutine: a
// fixed pool of slots accepts peers, each slot reassembles frames across
// reads, and an event loop answers keepalive pings and hands everything else
// to a Handler.
package pingchat

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame layout constants.
const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 2
	// MaxFrameSize is the largest total length the prefix can carry.
	MaxFrameSize = 0xFFFF
)

// Command identifies a registered protocol command.
type Command int

// Registered commands. The order is the match order used by Decode.
const (
	CmdUnknown Command = iota - 1
	CmdPing
	CmdPong
	CmdError
	CmdUser
	CmdMsg
)

var commandNames = [...][]byte{
	CmdPing:  []byte("PING"),
	CmdPong:  []byte("PONG"),
	CmdError: []byte("ERROR"),
	CmdUser:  []byte("USER"),
	CmdMsg:   []byte("MSG"),
}

// Name returns the wire bytes of the command, or nil for CmdUnknown.
func (c Command) Name() []byte {
	if c < 0 || int(c) >= len(commandNames) {
		return nil
	}
	return commandNames[c]
}

func (c Command) String() string {
	if name := c.Name(); name != nil {
		return string(name)
	}
	return "UNKNOWN"
}

// errorFrame replaces a frame that was too large to buffer.
var errorFrame = []byte{0x00, 0x07, 'E', 'R', 'R', 'O', 'R'}

// Frame is a decoded protocol message. Name and Payload alias the buffer
// passed to Decode.
type Frame struct {
	Command Command
	Name    []byte
	Payload []byte
	// Length is the declared total length, prefix included.
	Length int
}

// EncodeFrame writes [length][name][payload] into dst and returns the number
// of bytes used. len(dst) is the capacity; a frame that does not fit, or
// whose length does not fit the prefix, is rejected with ErrTooLarge.
func EncodeFrame(dst []byte, name, payload []byte) (int, error) {
	total := HeaderSize + len(name) + len(payload)
	if total > MaxFrameSize {
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes exceeds protocol limit %d", total, MaxFrameSize)
	}
	if total > len(dst) {
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes exceeds buffer of %d", total, len(dst))
	}

	binary.BigEndian.PutUint16(dst, uint16(total))
	copy(dst[HeaderSize:], name)
	copy(dst[HeaderSize+len(name):], payload)
	return total, nil
}

// Encode allocates and returns the frame for cmd with payload.
func Encode(cmd Command, payload []byte) ([]byte, error) {
	name := cmd.Name()
	if name == nil {
		return nil, errors.Wrapf(ErrUnknownCommand, "cannot encode command %d", int(cmd))
	}
	total := HeaderSize + len(name) + len(payload)
	if total > MaxFrameSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes exceeds protocol limit %d", total, MaxFrameSize)
	}
	buf := make([]byte, total)
	n, err := EncodeFrame(buf, name, payload)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decode parses the frame at the start of buf, where len(buf) is the number
// of bytes available. For an unregistered command it returns
// ErrUnknownCommand together with a Frame whose Name holds the unmatched
// span and whose Length is still valid, so the caller can skip the frame.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{Command: CmdUnknown}, errors.Wrapf(ErrMalformed, "%d bytes is shorter than the length prefix", len(buf))
	}
	length := int(binary.BigEndian.Uint16(buf))
	if length < HeaderSize {
		return Frame{Command: CmdUnknown}, errors.Wrapf(ErrMalformed, "declared length %d is shorter than the length prefix", length)
	}
	if length > len(buf) {
		return Frame{Command: CmdUnknown}, errors.Wrapf(ErrMalformed, "declared length %d exceeds %d available bytes", length, len(buf))
	}

	body := buf[HeaderSize:length]
	for i, name := range commandNames {
		if bytes.HasPrefix(body, name) {
			return Frame{
				Command: Command(i),
				Name:    body[:len(name)],
				Payload: body[len(name):],
				Length:  length,
			}, nil
		}
	}

	return Frame{Command: CmdUnknown, Name: body, Length: length},
		errors.Wrapf(ErrUnknownCommand, "%q", body)
}
