package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"example.com/cragfeed/internal/api"
	"example.com/cragfeed/internal/domain"
)

var (
	logRoute   string
	logContent string
	logKey     string
)

var logCmd = &cobra.Command{
	Use:   "log <SEND|FLASH|COMMENT|VOTE>",
	Short: "Record an activity on a route",
	Long: `Record an activity on a route.

Each invocation sends an Idempotency-Key so that retrying a timed out
request cannot log the same send twice. Pass --key to reuse one.`,
	Example: `  feedctl log SEND --route r42
  feedctl log VOTE --route r42 --content V5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := domain.ParseActionType(args[0])
		if err != nil {
			return err
		}
		key := logKey
		if key == "" {
			key = uuid.NewString()
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		resp, err := newClient().CreateActivity(ctx, api.CreateActivityRequest{
			ActionType: string(action),
			RouteID:    logRoute,
			Content:    logContent,
		}, key)
		if err != nil {
			return err
		}
		status := "recorded"
		if resp.Replay {
			status = "already recorded"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (idempotency key %s)\n", status, resp.Activity.ActivityID, key)
		return nil
	},
}

var (
	boardFrom  string
	boardTo    string
	boardLimit int
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the season leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseDate(boardFrom)
		if err != nil {
			return err
		}
		to, err := parseDate(boardTo)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		resp, err := newClient().Leaderboard(ctx, from, to, boardLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s to %s\n", resp.From.Format(time.DateOnly), resp.To.Format(time.DateOnly))
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tCLIMBER\tTICKS\tFLASHES")
		for _, e := range resp.Entries {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", e.Rank, e.UserName, e.Ticks, e.Flashes)
		}
		return tw.Flush()
	},
}

func init() {
	logCmd.Flags().StringVarP(&logRoute, "route", "r", "", "Route ID")
	logCmd.Flags().StringVarP(&logContent, "content", "c", "", "Comment text or voted grade")
	logCmd.Flags().StringVar(&logKey, "key", "", "Idempotency key (default: random)")

	leaderboardCmd.Flags().StringVar(&boardFrom, "from", "", "Window start, YYYY-MM-DD (default: season start)")
	leaderboardCmd.Flags().StringVar(&boardTo, "to", "", "Window end, exclusive, YYYY-MM-DD")
	leaderboardCmd.Flags().IntVarP(&boardLimit, "limit", "n", 10, "Entries to show")
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return t, nil
}
