package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/messaging"
)

func msgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msg",
		Short: "Channel messaging",
	}
	cmd.AddCommand(msgSendCmd(), msgReadCmd(), msgPollCmd(), msgClearCmd(), msgChannelsCmd())
	return cmd
}

func msgSendCmd() *cobra.Command {
	var expires string
	cmd := &cobra.Command{
		Use:   "send <channel> <payload>",
		Short: "Publish a message (JSON payloads are decoded on read)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				var payload any = args[1]
				var decoded any
				if json.Unmarshal([]byte(args[1]), &decoded) == nil {
					payload = decoded
				}
				opts := messaging.PublishOptions{Sender: flagAgentID}
				if expires != "" {
					opts.Expires = expires
				}
				res, err := c.Messaging.Publish(args[0], payload, opts)
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&expires, "expires", "", "retention (ms or duration)")
	return cmd
}

func msgReadCmd() *cobra.Command {
	var limit int
	var after int64
	cmd := &cobra.Command{
		Use:   "read <channel>",
		Short: "Read channel messages in publish order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				msgs, err := c.Messaging.GetMessages(args[0], messaging.GetOptions{Limit: limit, After: after})
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"messages": msgs})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages (default 50)")
	cmd.Flags().Int64Var(&after, "after", 0, "only messages with id greater than this")
	return cmd
}

func msgPollCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "poll <channel>",
		Short: "Fetch the single next message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Messaging.Poll(args[0], after)
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "last seen message id")
	return cmd
}

func msgClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <channel>",
		Short: "Delete every message in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				n, err := c.Messaging.Clear(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"cleared": n})
			})
		},
	}
}

func msgChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels with counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				channels, err := c.Messaging.ListChannels()
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"channels": channels})
			})
		},
	}
}
