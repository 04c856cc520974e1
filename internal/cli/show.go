package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"firms-hotspot-alerts/internal/app"
)

var (
	showLimit int
	showLogs  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent detections or check logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Logs:  showLogs,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showLogs, "logs", false, "Show check logs instead of detections")
}
