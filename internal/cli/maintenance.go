package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or write runtime settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		return getApp().GetSetting(cmd.Context(), key)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetSetting(cmd.Context(), args[0], args[1])
	},
}

var (
	purgeBefore string
	purgeDays   int
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete stored history older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := purgeCutoff(purgeBefore, purgeDays, time.Now())
		if err != nil {
			return err
		}
		return getApp().Purge(cmd.Context(), before)
	},
}

func purgeCutoff(raw string, days int, now time.Time) (time.Time, error) {
	switch {
	case raw != "" && days > 0:
		return time.Time{}, fmt.Errorf("use either --before or --older-than-days")
	case raw != "":
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --before value: %w", err)
		}
		return before, nil
	case days > 0:
		return now.AddDate(0, 0, -days), nil
	default:
		return time.Time{}, fmt.Errorf("--before or --older-than-days must be provided")
	}
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	purgeCmd.Flags().StringVar(&purgeBefore, "before", "", "Cutoff timestamp (RFC3339, exclusive)")
	purgeCmd.Flags().IntVar(&purgeDays, "older-than-days", 0, "Cutoff as a number of days before now")
}
