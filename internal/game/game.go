// Package game layers named players and chat broadcast on top of the
// connection pool.
package game

import (
	"github.com/Zereker/pingchat"
	"github.com/Zereker/pingchat/internal/session"
)

// Game is the server-side Handler. It answers USER with the accepted name or
// an ERROR carrying the rejection reason, and relays MSG to every other
// connected slot prefixed with the sender's display name.
type Game struct {
	server   *pingchat.Server
	registry *session.Registry
	logger   pingchat.Logger
}

// New creates a game whose players are the slots of s.
func New(s *pingchat.Server, logger pingchat.Logger) *Game {
	if logger == nil {
		logger = pingchat.NopLogger()
	}
	return &Game{
		server:   s,
		registry: session.NewRegistry(s.Capacity()),
		logger:   logger,
	}
}

// Registry exposes the slot to name mapping.
func (g *Game) Registry() *session.Registry {
	return g.registry
}

func (g *Game) OnConnect(c *pingchat.Conn) {
	g.send(c, pingchat.CmdMsg, []byte(session.ReservedName+": welcome, identify with USER <name>"))
}

func (g *Game) OnFrame(c *pingchat.Conn, f pingchat.Frame) error {
	switch f.Command {
	case pingchat.CmdUser:
		g.identify(c, string(f.Payload))
	case pingchat.CmdMsg:
		g.say(c, f.Payload)
	}
	return nil
}

func (g *Game) OnDisconnect(c *pingchat.Conn, _ error) {
	name, ok := g.registry.Name(c.Slot())
	g.registry.Release(c.Slot())
	if ok {
		g.announce(c, name+" left")
	}
}

func (g *Game) identify(c *pingchat.Conn, proposed string) {
	previous, hadName := g.registry.Name(c.Slot())

	verdict := g.registry.Identify(c.Slot(), proposed)
	if !verdict.Accepted {
		g.logger.Info("name rejected", "slot", c.Slot(), "name", proposed, "reason", verdict.Reason)
		g.send(c, pingchat.CmdError, []byte(verdict.Reason))
		return
	}

	g.logger.Info("player identified", "slot", c.Slot(), "name", proposed)
	if !g.send(c, pingchat.CmdUser, []byte(proposed)) {
		return
	}
	if hadName {
		g.announce(c, previous+" is now known as "+proposed)
	} else {
		g.announce(c, proposed+" joined")
	}
}

func (g *Game) say(c *pingchat.Conn, text []byte) {
	if len(text) == 0 {
		return
	}

	line := make([]byte, 0, len(text)+session.MaxNameLen+2)
	line = append(line, g.registry.DisplayName(c.Slot())...)
	line = append(line, ": "...)
	line = append(line, text...)

	if pingchat.HeaderSize+len(pingchat.CmdMsg.Name())+len(line) > c.BufferSize() {
		g.send(c, pingchat.CmdError, []byte("message too long"))
		return
	}
	g.broadcast(c, line)
}

// announce tells everyone except c about c.
func (g *Game) announce(c *pingchat.Conn, event string) {
	g.broadcast(c, []byte(session.ReservedName+": "+event))
}

// broadcast writes MSG line to every connected slot other than from.
// A recipient whose write fails is disconnected by the write and reported
// by the loop on the next sweep.
func (g *Game) broadcast(from *pingchat.Conn, line []byte) {
	for _, c := range g.server.Conns() {
		if c == from || !c.Connected() {
			continue
		}
		g.send(c, pingchat.CmdMsg, line)
	}
}

func (g *Game) send(c *pingchat.Conn, cmd pingchat.Command, payload []byte) bool {
	if err := c.Write(cmd, payload); err != nil {
		g.logger.Debug("send failed", "slot", c.Slot(), "command", cmd, "error", err)
		return false
	}
	return true
}
