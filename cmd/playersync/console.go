package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/players"
)

// operator is what the console needs from a hosting session.Server.
type operator interface {
	Players() []players.State
	Kick(id int) bool
	Ban(id int) bool
	Unban(addr string) (bool, error)
	Banned() []string
}

const consoleHelp = `commands:
  players        list the roster
  kick <id>      disconnect a player
  ban <id>       ban a player's address and disconnect it
  unban <addr>   lift a ban
  bans           list banned addresses`

// console reads operator commands from in, one per line, and writes the
// answers to out. It runs until in is exhausted or the service stops.
type console struct {
	in     io.Reader
	out    io.Writer
	target func() operator
	logger *zap.Logger

	stopped atomic.Bool
}

func (c *console) Start(context.Context) error {
	go c.serve()
	return nil
}

// Stop makes the console ignore further input. A read already blocked on in
// is left to end with the process.
func (c *console) Stop() { c.stopped.Store(true) }

func (c *console) serve() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if c.stopped.Load() {
			return
		}
		if reply := c.handle(scanner.Text()); reply != "" {
			fmt.Fprintln(c.out, reply)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("reading console input", zap.Error(err))
	}
}

// handle runs one command line and returns the text to print.
func (c *console) handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	srv := c.target()
	if srv == nil {
		return "not hosting"
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch {
	case cmd == "players" && len(args) == 0:
		var b strings.Builder
		for i, p := range srv.Players() {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%3d  %s", p.ID, p.Label())
		}
		return b.String()

	case (cmd == "kick" || cmd == "ban") && len(args) == 1:
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("%s: invalid player id %q", cmd, args[0])
		}
		act := srv.Kick
		if cmd == "ban" {
			act = srv.Ban
		}
		if !act(id) {
			return fmt.Sprintf("%s: no connected player %d", cmd, id)
		}
		c.logger.Info("operator command", zap.String("command", cmd), zap.Int("id", id))
		return fmt.Sprintf("%s: player %d disconnected", cmd, id)

	case cmd == "unban" && len(args) == 1:
		removed, err := srv.Unban(args[0])
		if err != nil {
			return fmt.Sprintf("unban: %v", err)
		}
		if !removed {
			return fmt.Sprintf("unban: %s was not banned", args[0])
		}
		c.logger.Info("operator command", zap.String("command", cmd), zap.String("remote_addr", args[0]))
		return fmt.Sprintf("unban: %s lifted", args[0])

	case cmd == "bans" && len(args) == 0:
		banned := srv.Banned()
		if len(banned) == 0 {
			return "no bans"
		}
		return strings.Join(banned, "\n")

	default:
		return consoleHelp
	}
}
