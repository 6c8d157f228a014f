package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
)

// readBody returns --body, or stdin when the flag is "-".
func readBody(cmd *cobra.Command) (string, error) {
	body, _ := cmd.Flags().GetString("body")
	if body != "-" {
		return body, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read body from stdin: %w", err)
	}
	return string(data), nil
}

func newSendCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to other agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			from, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			to, _ := cmd.Flags().GetStringSlice("to")
			cc, _ := cmd.Flags().GetStringSlice("cc")
			subject, _ := cmd.Flags().GetString("subject")
			thread, _ := cmd.Flags().GetString("thread")
			ack, _ := cmd.Flags().GetBool("ack")
			impRaw, _ := cmd.Flags().GetString("importance")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")

			imp, err := core.ParseImportance(impRaw)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			body, err := readBody(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			draft := core.Draft{
				Project:     ctx.Project,
				From:        from,
				To:          to,
				CC:          cc,
				Subject:     subject,
				Body:        body,
				ThreadID:    thread,
				Importance:  imp,
				AckRequired: ack,
			}
			if expiresIn > 0 {
				at := deps.now().Add(expiresIn)
				draft.ExpiresAt = &at
			}
			msg, err := ctx.Store.SendMessage(cmd.Context(), draft)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", msg.ID, strings.Join(append(append([]string{}, msg.To...), msg.CC...), ", "))
			return nil
		},
	}
	cmd.Flags().StringSlice("to", nil, "recipients (comma separated or repeated)")
	cmd.Flags().StringSlice("cc", nil, "copied recipients")
	cmd.Flags().String("subject", "", "subject line")
	cmd.Flags().String("body", "", "markdown body, or - to read stdin")
	cmd.Flags().String("thread", "", "thread to post into")
	cmd.Flags().String("importance", "normal", "normal, high or urgent")
	cmd.Flags().Bool("ack", false, "ask recipients to acknowledge")
	cmd.Flags().Duration("expires-in", 0, "hide the message after this long")
	return cmd
}

func newInboxCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show messages addressed to the acting agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			unread, _ := cmd.Flags().GetBool("unread")
			thread, _ := cmd.Flags().GetString("thread")
			markRead, _ := cmd.Flags().GetBool("mark-read")
			limit, _ := cmd.Flags().GetInt("limit")
			follow, _ := cmd.Flags().GetBool("follow")
			opts := core.InboxOptions{UnreadOnly: unread, ThreadID: thread, MarkRead: markRead, Limit: limit}

			if follow {
				return writeCommandErrorUnlessDone(cmd, followInbox(cmd, ctx, deps, agent, opts))
			}

			items, err := ctx.Store.Inbox(cmd.Context(), ctx.Project, agent, opts)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, items)
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "inbox empty")
				return nil
			}
			now := deps.now()
			for _, it := range items {
				printInboxItem(out, it, now)
			}
			return nil
		},
	}
	cmd.Flags().Bool("unread", false, "only unread messages")
	cmd.Flags().String("thread", "", "only this thread (root included)")
	cmd.Flags().Bool("mark-read", false, "mark the listed messages read")
	cmd.Flags().Int("limit", 0, "maximum messages (0 for all)")
	cmd.Flags().Bool("follow", false, "keep running and print new unread messages as they arrive")
	return cmd
}

func newAckCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <message-id>...",
		Short: "Acknowledge messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			for _, id := range args {
				if err := ctx.Store.Ack(cmd.Context(), ctx.Project, id, agent); err != nil {
					return writeCommandError(cmd, err)
				}
				if !ctx.JSONMode {
					fmt.Fprintf(cmd.OutOrStdout(), "acked %s\n", id)
				}
			}
			if ctx.JSONMode {
				return writeJSON(cmd, map[string]any{"acked": args})
			}
			return nil
		},
	}
}

func newReplyCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply <message-id>",
		Short: "Reply in a message's thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			body, err := readBody(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			msg, err := ctx.Store.Reply(cmd.Context(), ctx.Project, args[0], agent, body)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replied %s in thread %s\n", msg.ID, msg.ThreadID)
			return nil
		},
	}
	cmd.Flags().String("body", "", "markdown body, or - to read stdin")
	return cmd
}

func newSearchCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over message subjects and bodies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			thread, _ := cmd.Flags().GetString("thread")
			limit, _ := cmd.Flags().GetInt("limit")
			msgs, err := ctx.Store.Search(cmd.Context(), ctx.Project, core.SearchQuery{
				Text:     strings.Join(args, " "),
				ThreadID: thread,
				Limit:    limit,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, msgs)
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}
			now := deps.now()
			for _, m := range msgs {
				fmt.Fprintf(out, "%s %s  from %s  %s  %s\n", importanceMark(m.Importance), bold.Sprint(m.Subject), m.From, gray.Sprint(relTime(m.CreatedAt, now)), gray.Sprint(m.ID))
			}
			return nil
		},
	}
	cmd.Flags().String("thread", "", "only this thread")
	cmd.Flags().Int("limit", 0, "maximum results (0 for the default)")
	return cmd
}

func newPendingAcksCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending-acks",
		Short: "List acknowledgements still owed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			all, _ := cmd.Flags().GetBool("all")
			agent := ""
			if !all {
				if agent, err = ctx.RequireAgent(); err != nil {
					return writeCommandError(cmd, err)
				}
			}
			pending, err := ctx.Store.PendingAcks(cmd.Context(), ctx.Project, agent)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, pending)
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "no pending acks")
				return nil
			}
			now := deps.now()
			for _, p := range pending {
				fmt.Fprintf(out, "%s owes ack on %s from %s (%s)  %s\n", bold.Sprint(p.Agent), p.Subject, p.From, relTime(p.CreatedAt, now), gray.Sprint(p.MessageID))
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "every agent in the project")
	return cmd
}

// writeCommandErrorUnlessDone treats cancellation of a long-running command as
// a clean exit.
func writeCommandErrorUnlessDone(cmd *cobra.Command, err error) error {
	if err == nil || cmd.Context().Err() != nil {
		return nil
	}
	return writeCommandError(cmd, err)
}

// followDebounce coalesces bursts of store writes into one inbox query.
const followDebounce = 150 * time.Millisecond
