package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/feed"
)

var (
	feedTypes []string
	feedLimit int
	feedPages int
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Print the activity feed newest first",
	Long: `Print the activity feed newest first.

Pages are loaded with the same container the app uses, so --pages 0 walks
the feed until the server reports no more records.`,
	Example: `  feedctl feed --type SEND --type FLASH --limit 10 --pages 2`,
	RunE:    runFeed,
}

func init() {
	feedCmd.Flags().StringSliceVarP(&feedTypes, "type", "t", nil, "Action types to include (repeatable, default: all)")
	feedCmd.Flags().IntVarP(&feedLimit, "limit", "n", domain.DefaultPageLimit, "Records per page")
	feedCmd.Flags().IntVar(&feedPages, "pages", 1, "Pages to load (0 = all)")
}

func runFeed(cmd *cobra.Command, args []string) error {
	filters, err := parseTypes(feedTypes)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	container := feed.New(newClient(), feed.WithLimit(feedLimit), feed.WithPageHook(func(items []domain.FeedItem) {
		for _, item := range items {
			printItem(out, item)
		}
	}))
	defer container.Close()

	if err := container.SetFilters(ctx, filters); err != nil {
		return err
	}
	for loaded := 1; feedPages == 0 || loaded < feedPages; loaded++ {
		snap := container.Snapshot()
		if snap.Err != nil {
			return snap.Err
		}
		if !snap.HasMore {
			break
		}
		if err := container.LoadMore(ctx); err != nil {
			return err
		}
	}

	snap := container.Snapshot()
	if snap.Err != nil {
		return snap.Err
	}
	if snap.HasMore {
		fmt.Fprintf(out, "-- %d records shown, more available (cursor %s)\n", len(snap.Items), snap.Cursor)
	} else {
		fmt.Fprintf(out, "-- %d records shown, end of feed\n", len(snap.Items))
	}
	return nil
}

func parseTypes(raw []string) ([]domain.ActionType, error) {
	filters := make([]domain.ActionType, 0, len(raw))
	for _, r := range raw {
		a, err := domain.ParseActionType(r)
		if err != nil {
			return nil, err
		}
		filters = append(filters, a)
	}
	return filters, nil
}

func printItem(w io.Writer, item domain.FeedItem) {
	subject := item.RouteID
	if item.RouteGrade != "" {
		subject = fmt.Sprintf("%s (%s %s)", item.RouteID, item.RouteGrade, item.RouteColor)
	}
	line := fmt.Sprintf("%s  %-11s %-12s %s", item.CreatedAt.Local().Format("Jan 02 15:04"), item.ActionType, item.UserName, subject)
	if item.Content != "" {
		line += "  " + item.Content
	}
	c := item.Reactions.Counts
	fmt.Fprintf(w, "%s  [%s] like:%d fire:%d celebrate:%d%s\n",
		line, item.ID, c.Likes, c.Fires, c.Celebrates, mine(item.Reactions))
}

func mine(state domain.ReactionState) string {
	if len(state.Viewer) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(state.Viewer))
	for _, k := range state.Viewer {
		kinds = append(kinds, strings.ToLower(string(k)))
	}
	return " (you: " + strings.Join(kinds, ",") + ")"
}
