package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/config"
	"github.com/erichowens/port-daddy/internal/core"
)

var (
	flagDB      string
	flagConfig  string
	flagAgentID string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pd",
		Short:         "Port Daddy: port, lock and session coordination for local development",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default $PORT_DADDY_DB)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	root.PersistentFlags().StringVar(&flagAgentID, "agent", os.Getenv("PORT_DADDY_AGENT"), "agent id for attribution")

	root.AddCommand(
		daemonCmd(),
		claimCmd(),
		releaseCmd(),
		servicesCmd(),
		waitCmd(),
		lockCmd(),
		agentCmd(),
		msgCmd(),
		sessionCmd(),
		webhookCmd(),
		activityCmd(),
		cleanupCmd(),
		versionCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

// withCore opens the store in direct-DB mode, runs fn, and closes.
func withCore(fn func(c *core.Core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := core.New(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c)
}

// printJSON writes the operation result to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(err error) error {
	fmt.Fprintln(os.Stderr, "error:", err)
	return err
}
