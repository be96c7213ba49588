package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/services"
	"github.com/erichowens/port-daddy/internal/types"
)

func claimCmd() *cobra.Command {
	var port, pid int
	var expires, healthURL, metadata string
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a port for a service identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				opts := services.ClaimOptions{
					Port:      port,
					Pid:       pid,
					AgentID:   flagAgentID,
					HealthURL: healthURL,
				}
				if metadata != "" {
					opts.Metadata = json.RawMessage(metadata)
				}
				if expires != "" {
					opts.Expires = expires
				}
				res, err := c.Services.Claim(args[0], opts)
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "preferred port")
	cmd.Flags().IntVar(&pid, "pid", 0, "owning process id")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry (ms or duration like 2h)")
	cmd.Flags().StringVar(&healthURL, "health-url", "", "health check URL")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON")
	return cmd
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id-or-pattern>",
		Short: "Release a service (patterns with * release every match)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Services.Release(args[0], flagAgentID)
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
}

func servicesCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "services [pattern]",
		Short: "List services, optionally by pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				var list []services.Service
				var err error
				if len(args) == 1 {
					list, err = c.Services.Find(args[0])
				} else {
					list, err = c.Services.List(status)
				}
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"services": list})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (assigned, released)")
	return cmd
}

func waitCmd() *cobra.Command {
	var timeoutMs int
	cmd := &cobra.Command{
		Use:   "wait <id> [id...]",
		Short: "Wait until services hold assigned ports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				for {
					snap, err := c.Services.Snapshot(args)
					if err != nil {
						return fail(err)
					}
					if len(snap) == len(args) {
						return printJSON(map[string]any{
							"services": snap, "resolved": len(snap),
							"requested": len(args), "timedOut": false,
						})
					}
					if time.Now().After(deadline) {
						_ = printJSON(map[string]any{
							"services": snap, "resolved": len(snap),
							"requested": len(args), "timedOut": true,
						})
						return fail(types.E(types.CodeTimeout, "timed out waiting for services"))
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(250 * time.Millisecond):
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&timeoutMs, "timeout", 30_000, "timeout in milliseconds")
	return cmd
}
