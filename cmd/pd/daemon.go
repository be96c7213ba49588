package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/httpapi"
	"github.com/erichowens/port-daddy/internal/types"
)

func daemonCmd() *cobra.Command {
	var listen, socket string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the coordination daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fail(err)
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if socket != "" {
				cfg.Socket = socket
			}

			logger := newLogger(cfg)
			c, err := core.New(cfg, logger)
			if err != nil {
				return fail(err)
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, _ = c.Activity.Record(types.ActivityDaemonStart, activity.RecordOptions{})
			defer func() {
				_, _ = c.Activity.Record(types.ActivityDaemonStop, activity.RecordOptions{})
			}()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.StartBackground(ctx) })
			g.Go(func() error {
				return httpapi.New(c, logger).Serve(ctx, cfg.Listen, cfg.Socket)
			})

			logger.Info().Str("db", cfg.DBPath).Msg("port daddy daemon started")
			err = g.Wait()
			if err != nil && ctx.Err() != nil {
				// Normal shutdown path.
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (default :9876)")
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket path")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]string{"version": httpapi.Version})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run every retention sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				return printJSON(c.CleanupAll())
			})
		},
	}
}
