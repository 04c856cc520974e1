package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firms-hotspot-alerts/internal/app"
)

var (
	exportFrom    string
	exportTo      string
	exportPNGPath string
	exportCSVPath string
	exportMaxDays int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export detections as CSV and/or a PNG chart of daily counts per satellite",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		loc, err := a.Config.Location()
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxDays,
		}
		if opts.From, err = parseTimeFlag("--from", exportFrom, loc, false); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("--to", exportTo, loc, true); err != nil {
			return err
		}

		return a.Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 or a local YYYY-MM-DD date. A date used as
// an exclusive upper bound covers the whole day.
func parseTimeFlag(name, raw string, loc *time.Location, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: want RFC3339 or YYYY-MM-DD", name, raw)
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or local YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339, exclusive, or local YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxDays, "max-days", 0, "Maximum days to chart (defaults to export.max_data_points)")
}
