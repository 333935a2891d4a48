package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zereker/pingchat"
	"github.com/Zereker/pingchat/internal/logging"
)

var configFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:           "pingchat",
		Short:         "Length-prefixed chat server and client over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Directory containing pingchat.yaml")

	rootCmd.AddCommand(serveCmd(), connectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pingchat: %v\n", err)
		os.Exit(1)
	}
}

// watchSignals turns termination signals into a shutdown request that the
// loop observes at its next tick. The returned function stops watching.
func watchSignals(logger *logging.Adapter) func() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal received", "signal", sig)
			pingchat.RequestShutdown()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Minimum log level: debug, info, warn, error")
	cmd.Flags().String("log-file", "", "Append logs to this file instead of stderr")
	cmd.Flags().Bool("trace-frames", false, "Dump every received frame at debug level")
}
