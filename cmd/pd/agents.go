package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/agents"
	"github.com/erichowens/port-daddy/internal/core"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent registry",
	}
	cmd.AddCommand(agentRegisterCmd(), agentHeartbeatCmd(), agentUnregisterCmd(), agentListCmd(), agentGetCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var name, agentType string
	var maxServices, maxLocks int
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register (or re-register) an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				agent, err := c.Agents.Register(args[0], agents.RegisterOptions{
					Name:        name,
					Pid:         os.Getpid(),
					Type:        agentType,
					MaxServices: maxServices,
					MaxLocks:    maxLocks,
				})
				if err != nil {
					return fail(err)
				}
				return printJSON(agent)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type (default cli)")
	cmd.Flags().IntVar(&maxServices, "max-services", 0, "service limit")
	cmd.Flags().IntVar(&maxLocks, "max-locks", 0, "lock limit")
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Mark an agent alive (auto-registers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				agent, err := c.Agents.Heartbeat(args[0], os.Getpid())
				if err != nil {
					return fail(err)
				}
				return printJSON(agent)
			})
		},
	}
}

func agentUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <id>",
		Short: "Remove an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Agents.Unregister(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				agent, err := c.Agents.Get(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(agent)
			})
		},
	}
}

func agentListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				list, err := c.Agents.List(activeOnly)
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"agents": list})
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only agents with a fresh heartbeat")
	return cmd
}
