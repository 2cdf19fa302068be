package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/reaction"
)

var reactCmd = &cobra.Command{
	Use:   "react <activity-id> <LIKE|FIRE|CELEBRATE>",
	Short: "Toggle a reaction on an activity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseReactionKind(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c := newClient()
		current, err := c.Reactions(ctx, args[0])
		if err != nil {
			return err
		}
		m := reaction.NewMutator(c)
		m.Seed(current)

		state, err := m.Toggle(ctx, args[0], kind)
		if err != nil {
			return err
		}
		verb := "removed"
		if state.Has(kind) {
			verb = "added"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d total\n", verb, kind, state.Counts.Of(kind))
		return nil
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate <route-id> <1-5>",
	Short: "Rate a route, replacing any earlier rating",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stars, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("stars must be a number: %w", err)
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c := newClient()
		current, err := c.Rating(ctx, args[0])
		if err != nil {
			return err
		}
		m := reaction.NewMutator(c)
		m.SeedRatings(current)

		state, err := m.SetRating(ctx, args[0], stars)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %.1f stars from %d ratings (yours: %d)\n",
			state.RouteID, state.Average(), state.Count, state.ViewerStars)
		return nil
	},
}
