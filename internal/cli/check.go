package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"firms-hotspot-alerts/internal/app"
)

var (
	checkNotify        bool
	checkLookbackHours int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one check cycle now, outside the poll windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkLookbackHours < 0 {
			return fmt.Errorf("--lookback-hours must not be negative")
		}
		return getApp().Check(cmd.Context(), app.CheckOptions{
			Notify:        checkNotify,
			LookbackHours: checkLookbackHours,
		})
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkNotify, "notify", false, "Send an alert for new detections")
	checkCmd.Flags().IntVar(&checkLookbackHours, "lookback-hours", 0, "Override firms.lookback_hours for this check")
}
