package main

import (
	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/webhooks"
)

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook registrations",
	}
	cmd.AddCommand(webhookAddCmd(), webhookListCmd(), webhookUpdateCmd(),
		webhookRemoveCmd(), webhookTestCmd(), webhookDeliveriesCmd())
	return cmd
}

func webhookAddCmd() *cobra.Command {
	var events []string
	var filter, secret string
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				hook, err := c.Webhooks.Register(args[0], webhooks.RegisterOptions{
					Events:        events,
					FilterPattern: filter,
					Secret:        secret,
				})
				if err != nil {
					return fail(err)
				}
				return printJSON(hook)
			})
		},
	}
	cmd.Flags().StringSliceVar(&events, "event", nil, "event to subscribe (repeatable, default *)")
	cmd.Flags().StringVar(&filter, "filter", "", "target id glob filter")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	return cmd
}

func webhookListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				list, err := c.Webhooks.List(activeOnly)
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"webhooks": list})
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active webhooks")
	return cmd
}

func webhookUpdateCmd() *cobra.Command {
	var url, filter, secret string
	var events []string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a webhook (only changed flags are applied)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				var patch webhooks.UpdatePatch
				if cmd.Flags().Changed("url") {
					patch.URL = &url
				}
				if cmd.Flags().Changed("event") {
					patch.Events = events
				}
				if cmd.Flags().Changed("filter") {
					patch.FilterPattern = &filter
				}
				if cmd.Flags().Changed("secret") {
					patch.Secret = &secret
				}
				if cmd.Flags().Changed("active") {
					patch.Active = &active
				}
				hook, err := c.Webhooks.Update(args[0], patch)
				if err != nil {
					return fail(err)
				}
				return printJSON(hook)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "new target URL")
	cmd.Flags().StringSliceVar(&events, "event", nil, "replacement event set (repeatable)")
	cmd.Flags().StringVar(&filter, "filter", "", "new target id glob filter")
	cmd.Flags().StringVar(&secret, "secret", "", "new HMAC signing secret")
	cmd.Flags().BoolVar(&active, "active", true, "enable or disable delivery")
	return cmd
}

func webhookTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Queue a synthetic test delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				delivery, err := c.Webhooks.TestFire(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(delivery)
			})
		},
		Args: cobra.ExactArgs(1),
	}
}

func webhookDeliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries <id>",
		Short: "List a webhook's recent deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				deliveries, err := c.Webhooks.ListDeliveries(args[0], limit)
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"deliveries": deliveries})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum deliveries (default 50)")
	return cmd
}

func webhookRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Webhooks.Remove(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
}

func activityCmd() *cobra.Command {
	var limit int
	var activityType, target string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				entries, err := c.Activity.GetRecent(activity.RecentFilter{
					Type:          activityType,
					AgentID:       flagAgentID,
					TargetPattern: target,
					Limit:         limit,
				})
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"activity": entries})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (default 100)")
	cmd.Flags().StringVar(&activityType, "type", "", "filter by record type")
	cmd.Flags().StringVar(&target, "target", "", "filter by target pattern")
	return cmd
}
