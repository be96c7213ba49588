package main

import (
	"github.com/spf13/cobra"

	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/sessions"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Work sessions with file claims",
	}
	cmd.AddCommand(sessionStartCmd(), sessionEndCmd(), sessionNoteCmd(), sessionQuickNoteCmd(),
		sessionListCmd(), sessionGetCmd(), sessionFilesCmd(), sessionRemoveCmd())
	return cmd
}

func sessionStartCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "start <purpose>",
		Short: "Start a session, optionally claiming files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Sessions.Start(args[0], sessions.StartOptions{
					AgentID: flagAgentID,
					Files:   files,
				})
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&files, "file", nil, "file to claim (repeatable)")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	var status, note string
	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session and release its file claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Sessions.End(args[0], sessions.EndOptions{Status: status, Note: note})
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "end status (completed, abandoned, paused)")
	cmd.Flags().StringVar(&note, "note", "", "final handoff note")
	return cmd
}

func sessionNoteCmd() *cobra.Command {
	var noteType string
	cmd := &cobra.Command{
		Use:   "note <session-id> <content>",
		Short: "Append an immutable note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				note, err := c.Sessions.AddNote(args[0], args[1], noteType)
				if err != nil {
					return fail(err)
				}
				return printJSON(note)
			})
		},
	}
	cmd.Flags().StringVar(&noteType, "type", "", "note type (default note)")
	return cmd
}

func sessionQuickNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quick-note <content>",
		Short: "Append to the active session, creating one if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				res, err := c.Sessions.QuickNote(args[0], flagAgentID, "")
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	var status string
	var notes bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions (active by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				list, err := c.Sessions.List(sessions.ListOptions{
					Status:       status,
					AgentID:      flagAgentID,
					IncludeNotes: notes,
				})
				if err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"sessions": list})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (or \"all\")")
	cmd.Flags().BoolVar(&notes, "notes", false, "include notes")
	return cmd
}

func sessionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session with notes and file claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				sess, err := c.Sessions.Get(args[0])
				if err != nil {
					return fail(err)
				}
				return printJSON(sess)
			})
		},
	}
}

func sessionFilesCmd() *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "files <session-id> <path> [path...]",
		Short: "Claim (or release) file paths for a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				if release {
					released, err := c.Sessions.ReleaseFiles(args[0], args[1:])
					if err != nil {
						return fail(err)
					}
					return printJSON(map[string]any{"released": released})
				}
				res, err := c.Sessions.ClaimFiles(args[0], args[1:])
				if err != nil {
					return fail(err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "release instead of claim")
	return cmd
}

func sessionRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <session-id>",
		Short: "Delete a session with its notes and claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(func(c *core.Core) error {
				if err := c.Sessions.Remove(args[0]); err != nil {
					return fail(err)
				}
				return printJSON(map[string]any{"removed": true})
			})
		},
	}
}
