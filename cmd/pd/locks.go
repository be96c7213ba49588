package main

import (
	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/locks"
)

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Advisory locks",
	}
	cmd.AddCommand(lockAcquireCmd(), lockReleaseCmd(), lockExtendCmd(), lockCheckCmd(), lockListCmd())
	return cmd
}

func lockAcquireCmd() *cobra.Command {
	var owner, ttl string
	cmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Acquire a named lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				opts := locks.AcquireOptions{Owner: owner}
				if opts.Owner == "" {
					opts.Owner = flagAgentID
				}
				if ttl != "" {
					opts.TTL = ttl
				}
				lock, err := c.Locks.Acquire(args[0], opts)
				if err != nil {
					return fail(err)
				}
				return printJSON(lock)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "lock owner (default agent-<pid>)")
	cmd.Flags().StringVar(&ttl, "ttl", "", "time to live (ms or duration, max 1h)")
	return cmd
}

func lockReleaseCmd() *cobra.Command {
	var owner string
	var force bool
	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				if owner == "" {
					owner = flagAgentID
				}
				res, err := c.Locks.Release(args[0], locks.ReleaseOptions{Owner: owner, Force: force})
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "expected owner")
	cmd.Flags().BoolVar(&force, "force", false, "release regardless of owner")
	return cmd
}

func lockExtendCmd() *cobra.Command {
	var owner, ttl string
	cmd := &cobra.Command{
		Use:   "extend <name>",
		Short: "Extend a held lock's TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				opts := locks.ExtendOptions{Owner: owner}
				if opts.Owner == "" {
					opts.Owner = flagAgentID
				}
				if ttl != "" {
					opts.TTL = ttl
				}
				lock, err := c.Locks.Extend(args[0], opts)
				if err != nil {
					return fail(err)
				}
				return printJSON(lock)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "expected owner")
	cmd.Flags().StringVar(&ttl, "ttl", "", "new time to live")
	return cmd
}

func lockCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <name>",
		Short: "Check a lock's holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				status, err := c.Locks.Check(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(status)
			})
		},
	}
}

func lockListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				list, err := c.Locks.List(owner)
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"locks": list})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}
