package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Zereker/pingchat"
	"github.com/Zereker/pingchat/internal/config"
	"github.com/Zereker/pingchat/internal/game"
	"github.com/Zereker/pingchat/internal/logging"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [port]",
		Short: "Accept chat clients on a fixed number of slots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("bind", ":"+args[0]); err != nil {
					return err
				}
			}

			cfg, err := config.Load(configFlag, cmd.Flags(), config.ServerFlags)
			if err != nil {
				return err
			}
			log, closer, err := logging.New(cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return err
			}
			defer closer.Close()

			return runServer(cmd.Context(), cfg, logging.Adapt(log))
		},
	}

	f := cmd.Flags()
	f.String("bind", ":7777", "Address to listen on")
	f.Int("max-users", 8, "Number of connection slots")
	f.Duration("timeout", 60*time.Second, "Drop connections silent for this long")
	f.Int("buffer-size", pingchat.DefaultBufferSize, "Largest frame kept; bigger ones are discarded")
	f.Duration("tick", pingchat.DefaultTick, "Sleep between polls")
	f.Int("frames-per-tick", pingchat.DefaultFramesPerTick, "Frames one connection may deliver per tick")
	f.Float64("frame-rate", 0, "Frames per second a client may send (0 = unlimited)")
	f.Int("frame-burst", 0, "Burst allowed above --frame-rate")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	addLogFlags(cmd)
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, logger *logging.Adapter) error {
	opts := []pingchat.Option{
		pingchat.LoggerOption(logger),
		pingchat.BufferSizeOption(cfg.Server.BufferSize),
		pingchat.MetricsRegistryOption(prometheus.DefaultRegisterer),
	}
	if cfg.Server.FrameRate > 0 {
		opts = append(opts, pingchat.FrameRateOption(rate.Limit(cfg.Server.FrameRate), cfg.Server.FrameBurst))
	}

	srv, err := pingchat.Listen(ctx, cfg.Server.Bind, cfg.Server.MaxUsers, cfg.Server.Timeout, opts...)
	if err != nil {
		return errors.Wrap(err, "couldn't initialize server")
	}
	defer srv.Close()

	stop := watchSignals(logger)
	defer stop()

	loop := pingchat.NewServerLoop(srv, game.New(srv, logger),
		pingchat.TickOption(cfg.Server.Tick),
		pingchat.FramesPerTickOption(cfg.Server.FramesPerTick),
		pingchat.TraceFramesOption(cfg.Log.TraceFrames),
	)

	group, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	group.Go(func() error {
		err := loop.Run(gctx)
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return err
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("server shutting down", "connected", srv.Connected())
	return err
}
