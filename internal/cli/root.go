package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firms-hotspot-alerts/internal/app"
	"firms-hotspot-alerts/internal/config"
	"firms-hotspot-alerts/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	dbDriver  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "hotspotd",
	Short: "Poll NASA FIRMS hotspots over a region and send LINE alerts",
	Long: `hotspotd polls the NASA FIRMS area API during configured daily windows,
stores each detection once and pushes running totals to LINE or Telegram.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if dbDriver != "" {
			cfg.Database.Driver = dbDriver
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if cfg.Logging.Service == "" {
			cfg.Logging.Service = cfg.App.Name
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (json or console)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "Override database.driver (postgres, sqlite, memory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
