package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/pingchat"
	"github.com/Zereker/pingchat/internal/config"
	"github.com/Zereker/pingchat/internal/game"
	"github.com/Zereker/pingchat/internal/logging"
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <host> <port>",
		Short: "Join a pingchat server and chat from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag, cmd.Flags(), config.ClientFlags)
			if err != nil {
				return err
			}
			log, closer, err := logging.New(cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return err
			}
			defer closer.Close()

			return runClient(cmd.Context(), cfg, logging.Adapt(log), args[0], args[1])
		},
	}

	f := cmd.Flags()
	f.StringP("name", "n", "", "Identify with this name after connecting")
	f.Duration("timeout", 0, "Drop the server connection after this much silence")
	f.Int("buffer-size", pingchat.DefaultBufferSize, "Largest frame kept; bigger ones are discarded")
	addLogFlags(cmd)
	return cmd
}

func runClient(ctx context.Context, cfg *config.Config, logger *logging.Adapter, host, port string) error {
	conn, err := pingchat.NewConn(
		pingchat.LoggerOption(logger),
		pingchat.BufferSizeOption(cfg.Client.BufferSize),
	)
	if err != nil {
		return err
	}

	if err := conn.Connect(ctx, host, port, cfg.Client.Timeout); err != nil {
		return errors.Wrap(err, "couldn't connect")
	}
	defer conn.Disconnect()
	fmt.Fprintf(os.Stderr, "Connected to %s (%s).\n", conn.Hostname(), conn.Addr())

	if cfg.Client.Name != "" {
		if err := conn.Write(pingchat.CmdUser, []byte(cfg.Client.Name)); err != nil {
			return errors.Wrap(err, "sending name")
		}
	}

	stop := watchSignals(logger)
	defer stop()

	lines := make(chan string, 16)
	go readLines(os.Stdin, lines)

	loop := pingchat.NewClientLoop(conn, game.NewClient(conn, lines, os.Stdout, logger),
		pingchat.TraceFramesOption(cfg.Log.TraceFrames),
	)
	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// readLines feeds lines from r to lines and closes it at EOF. It blocks on r,
// so it runs outside the loop goroutine.
func readLines(r io.Reader, lines chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	close(lines)
}
