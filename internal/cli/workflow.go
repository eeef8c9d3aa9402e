package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/orchestra/internal/web"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Create and drive workflows on a running server",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a workflow for an issue in a worktree",
	RunE: func(cmd *cobra.Command, args []string) error {
		issueID, _ := cmd.Flags().GetString("issue")
		wt, _ := cmd.Flags().GetString("worktree")
		profile, _ := cmd.Flags().GetString("profile")
		queue, _ := cmd.Flags().GetBool("queue")
		if issueID == "" || wt == "" {
			return fmt.Errorf("--issue and --worktree are required")
		}
		abs, err := filepath.Abs(wt)
		if err != nil {
			return fmt.Errorf("resolve worktree: %w", err)
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		resp, err := c.create(cmd.Context(), web.CreateRequest{
			IssueID:      issueID,
			WorktreePath: abs,
			Profile:      profile,
			Queue:        queue,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created workflow %s (%s)\n", resp.ID, resp.Status)
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		items, err := c.list(cmd.Context(), statuses)
		if err != nil {
			return err
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No workflows found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tISSUE\tPROFILE\tITER\tWORKTREE\tTITLE")
		for _, s := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				s.ID, s.Status, s.IssueID, s.Profile, s.ReviewIteration, s.WorktreePath, truncate(s.Title, 40))
		}
		return w.Flush()
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show [workflow-id]",
	Short: "Show a workflow with its plan and reviews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, st)
		}
		printState(cmd, st)
		return nil
	},
}

func printState(cmd *cobra.Command, st *workflow.State) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow:  %s\n", st.ID)
	fmt.Fprintf(out, "Issue:     %s  %s\n", st.Issue.ID, st.Issue.Title)
	fmt.Fprintf(out, "Status:    %s\n", st.Status)
	if st.Reason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", st.Reason)
	}
	fmt.Fprintf(out, "Worktree:  %s\n", st.WorktreePath)
	fmt.Fprintf(out, "Profile:   %s\n", st.Profile)
	fmt.Fprintf(out, "Iteration: %d\n", st.ReviewIteration)
	fmt.Fprintf(out, "Updated:   %s\n", st.UpdatedAt.Format(time.RFC3339))

	if st.Plan != nil && len(st.Plan.Tasks) > 0 {
		fmt.Fprintln(out, "\nPlan:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  TASK\tSTATUS\tDEPENDS ON\tDESCRIPTION")
		for _, t := range st.Plan.Tasks {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.ID, t.Status, strings.Join(t.Dependencies, ","), truncate(t.Description, 60))
		}
		w.Flush()
	}
	if len(st.ReviewResults) > 0 {
		fmt.Fprintln(out, "\nReviews:")
		for _, r := range st.ReviewResults {
			verdict := "rejected"
			if r.Approved {
				verdict = "approved"
			}
			fmt.Fprintf(out, "  #%d %s %s (%s)\n", r.Iteration, r.ReviewerPersona, verdict, r.Severity)
			for _, c := range r.Comments {
				fmt.Fprintf(out, "     - %s\n", c)
			}
		}
	}
}

// commandCmd builds start, approve and cancel, which share everything but
// the verb.
func commandCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [workflow-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.command(cmd.Context(), args[0], name, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", st.ID, st.Status)
			return nil
		},
	}
}

var workflowRejectCmd = &cobra.Command{
	Use:   "reject [workflow-id]",
	Short: "Reject the proposed plan and replan with feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedback, _ := cmd.Flags().GetString("feedback")
		if strings.TrimSpace(feedback) == "" {
			return fmt.Errorf("--feedback is required")
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.command(cmd.Context(), args[0], "reject", web.RejectRequest{Feedback: feedback})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", st.ID, st.Status)
		return nil
	},
}

var workflowEventsCmd = &cobra.Command{
	Use:   "events [workflow-id]",
	Short: "Print the persisted events of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		resp, err := c.events(cmd.Context(), args[0], since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, resp.Events)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tTYPE\tPAYLOAD")
		for _, ev := range resp.Events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.ID, ev.CreatedAt.Format(time.RFC3339), ev.Type, truncate(string(ev.Payload), 80))
		}
		return w.Flush()
	},
}

var workflowWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events over WebSocket",
	Long: `Stream events as they happen. --since replays retained events after that
ID first; if they have been purged the server says so and only live events
follow. --workflow narrows the stream and may be repeated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		ids, _ := cmd.Flags().GetStringSlice("workflow")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return watch(ctx, cmd, c.streamURL(since), ids)
	},
}

func watch(ctx context.Context, cmd *cobra.Command, url string, workflowIDs []string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for _, id := range workflowIDs {
		if err := conn.WriteJSON(web.ClientMessage{Type: web.MsgSubscribe, WorkflowID: id}); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	out := cmd.OutOrStdout()
	for {
		var msg web.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("server closed the stream: %s", closeErr.Text)
			}
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case web.MsgPing:
			if err := conn.WriteJSON(web.ClientMessage{Type: web.MsgPong}); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case web.MsgEvent:
			if ev := msg.Payload; ev != nil {
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", ev.ID, ev.WorkflowID, ev.Type, string(ev.Payload))
			}
		case web.MsgBackfillComplete:
			n := 0
			if msg.Count != nil {
				n = *msg.Count
			}
			fmt.Fprintf(out, "-- replayed %d event(s), now live --\n", n)
		case web.MsgBackfillExpired:
			fmt.Fprintf(cmd.ErrOrStderr(), "backfill expired: %s\n", msg.Message)
		case web.MsgError:
			fmt.Fprintf(cmd.ErrOrStderr(), "server: %s\n", msg.Message)
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func init() {
	workflowCmd.PersistentFlags().String("server", "", "Server base URL (default: http://<server.host>:<server.port>)")

	workflowCreateCmd.Flags().String("issue", "", "Issue ID")
	workflowCreateCmd.Flags().String("worktree", "", "Path to the git worktree")
	workflowCreateCmd.Flags().String("profile", "", "Profile name (default \"default\")")
	workflowCreateCmd.Flags().Bool("queue", false, "Persist without starting; run \"workflow start\" later")

	workflowListCmd.Flags().StringSlice("status", nil, "Only these statuses")
	workflowListCmd.Flags().String("format", "text", "Output format: text or json")
	workflowShowCmd.Flags().String("format", "text", "Output format: text or json")
	workflowEventsCmd.Flags().Int64("since", 0, "Only events after this ID")
	workflowEventsCmd.Flags().String("format", "text", "Output format: text or json")
	workflowRejectCmd.Flags().String("feedback", "", "Why the plan was rejected")
	workflowWatchCmd.Flags().Int64("since", -1, "Replay retained events after this ID first")
	workflowWatchCmd.Flags().StringSlice("workflow", nil, "Only events of these workflows")

	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(commandCmd("start", "Start a queued workflow"))
	workflowCmd.AddCommand(commandCmd("approve", "Approve the proposed plan"))
	workflowCmd.AddCommand(commandCmd("cancel", "Cancel a workflow"))
	workflowCmd.AddCommand(workflowRejectCmd)
	workflowCmd.AddCommand(workflowEventsCmd)
	workflowCmd.AddCommand(workflowWatchCmd)
}
