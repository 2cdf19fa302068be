// Command feedctl drives the feed and reaction clients against a running API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/cragfeed/internal/client"
	"example.com/cragfeed/internal/config"
	"example.com/cragfeed/internal/observability"
)

var (
	apiURL  string
	token   string
	timeout time.Duration
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "feedctl",
	Short: "Browse and react to the gym activity feed",
	Long: `feedctl talks to the cragfeed API.

Defaults come from API_BASE_URL and API_TOKEN (or the CRAGFEED_CONFIG file)
and can be overridden with flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		observability.InitLogger(level, true)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("api") {
			apiURL = cfg.APIBaseURL
		}
		if !cmd.Flags().Changed("token") {
			token = cfg.APIToken
		}
		log.Debug().Str("api", apiURL).Bool("authenticated", token != "").Msg("feedctl configured")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default: API_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (default: API_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall command timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(leaderboardCmd)
}

func newClient() *client.Client {
	return client.New(apiURL, token)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
