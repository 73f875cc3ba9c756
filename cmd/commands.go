package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"activity-queue/models"
	"activity-queue/services"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load a YAML category tree into the store",
	Long: `Load categories and events from a YAML file. Structure is applied edge by
edge so the same topology checks as the CLI apply.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.ApplySeedFile(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded from %s\n", args[0])
		return nil
	},
}

var routeUsers []string

// RouteOutput is the printed form of a routing result.
type RouteOutput struct {
	UserID    string   `json:"user_id"`
	State     string   `json:"state"`
	Reason    string   `json:"reason,omitempty"`
	EventID   string   `json:"event_id,omitempty"`
	QueueID   string   `json:"queue_id,omitempty"`
	Position  int      `json:"position,omitempty"`
	Fulfilled bool     `json:"fulfilled,omitempty"`
	Path      []string `json:"path"`
	Cause     string   `json:"cause,omitempty"`
}

func newRouteOutput(userID string, res services.Result) RouteOutput {
	out := RouteOutput{
		UserID:    userID,
		State:     res.State.String(),
		Reason:    res.Reason.String(),
		EventID:   res.EventID,
		QueueID:   res.QueueID,
		Position:  res.Admission.Position,
		Fulfilled: res.Admission.Fulfilled,
		Path:      res.Path,
	}
	if res.Cause != nil {
		out.Cause = res.Cause.Error()
	}
	return out
}

var routeCmd = &cobra.Command{
	Use:   "route <category-id>",
	Short: "Route users from a category into an event queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(routeUsers) == 0 {
			return fmt.Errorf("at least one --user is required")
		}

		outputs := make([]RouteOutput, 0, len(routeUsers))
		for _, userID := range routeUsers {
			res, err := app.Engine.Route(cmd.Context(), userID, args[0])
			if err != nil {
				return fmt.Errorf("route %s: %w", userID, err)
			}
			outputs = append(outputs, newRouteOutput(userID, res))
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), outputs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tSTATE\tREASON\tEVENT\tQUEUE\tPOSITION\tPATH")
		for _, o := range outputs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				o.UserID, o.State, dash(o.Reason), dash(o.EventID), dash(o.QueueID),
				positionText(o), strings.Join(o.Path, " > "))
		}
		return w.Flush()
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue <queue-id>",
	Short: "Show a queue and its members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := app.Tree.GetQueue(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get queue: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), q)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Queue:     %s\n", q.ID)
		fmt.Fprintf(out, "Event:     %s\n", q.EventID)
		fmt.Fprintf(out, "Members:   %d/%d\n", len(q.QueuedUsers), q.MaxUserCount)
		fmt.Fprintf(out, "Fulfilled: %t\n", q.Fulfilled)
		for i, u := range q.QueuedUsers {
			fmt.Fprintf(out, "  %d. %s\n", i+1, u)
		}
		return nil
	},
}

var tokensCmd = &cobra.Command{
	Use:   "tokens <category-id> <delta>",
	Short: "Add (or remove) tokens on a category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}
		if err := app.Tree.AddTokens(cmd.Context(), args[0], delta); err != nil {
			return fmt.Errorf("failed to add tokens: %w", err)
		}

		c, err := app.Tree.GetCategory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"category_id": c.ID, "tokens": c.Tokens})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d tokens\n", c.ID, c.Tokens)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Show the categories a user has joined",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := app.Tree.GetUser(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get user: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), u)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", u.ID, strings.Join(u.JoinedCategories, ", "))
		return nil
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree <category-id>",
	Short: "Print the category tree below a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTree(cmd, args[0], 0, make(map[string]bool))
	},
}

func printTree(cmd *cobra.Command, id string, depth int, seen map[string]bool) error {
	out := cmd.OutOrStdout()
	indent := strings.Repeat("  ", depth)
	if seen[id] {
		fmt.Fprintf(out, "%s%s (cycle)\n", indent, id)
		return nil
	}
	seen[id] = true

	c, err := app.Tree.GetCategory(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s%s [%s] weight=%.0f%s\n", indent, c.ID, c.Type, c.EffectiveWeight(), disabledText(c.Enabled))

	switch c.Type {
	case models.CategoryTypeCategory:
		for _, child := range c.Children {
			if err := printTree(cmd, child, depth+1, seen); err != nil {
				return err
			}
		}
	case models.CategoryTypeEvent:
		events, err := app.Tree.ListEvents(cmd.Context(), id)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintf(out, "%s  * %s queues=%d/%d occupancy=%d%s\n",
				indent, e.ID, len(e.Queues), e.MaxQueueCount, e.Occupancy, disabledText(e.Enabled))
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func positionText(o RouteOutput) string {
	if o.Position == 0 {
		return "-"
	}
	if o.Fulfilled {
		return fmt.Sprintf("%d (full)", o.Position)
	}
	return strconv.Itoa(o.Position)
}

func disabledText(enabled bool) string {
	if enabled {
		return ""
	}
	return " (disabled)"
}

func init() {
	routeCmd.Flags().StringSliceVarP(&routeUsers, "user", "u", nil, "user id to route (repeatable)")
}
