package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/logging"
	"firms-hotspot-alerts/internal/scheduler"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	FIRMS     FIRMSConfig     `mapstructure:"firms"`
	Region    RegionConfig    `mapstructure:"region"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the detection store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// FIRMSConfig covers the NASA FIRMS area API.
type FIRMSConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	MapKey            string        `mapstructure:"map_key"`
	Sources           []string      `mapstructure:"sources"`
	LookbackHours     int           `mapstructure:"lookback_hours"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	InvalidKeyMarkers []string      `mapstructure:"invalid_key_markers"`
	MinConfidence     string        `mapstructure:"min_confidence"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// RegionConfig is the monitored bounding box.
type RegionConfig struct {
	Name  string  `mapstructure:"name"`
	West  float64 `mapstructure:"west"`
	South float64 `mapstructure:"south"`
	East  float64 `mapstructure:"east"`
	North float64 `mapstructure:"north"`
}

// SchedulerConfig governs polling windows and cadence.
type SchedulerConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	Windows         []string      `mapstructure:"windows"`
	ActiveInterval  time.Duration `mapstructure:"active_interval"`
	IdleInterval    time.Duration `mapstructure:"idle_interval"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Channels       []string       `mapstructure:"channels"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Line           LineConfig     `mapstructure:"line"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// LineConfig describes the LINE Messaging API channel.
type LineConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	ChannelAccessToken string `mapstructure:"channel_access_token"`
	ChannelSecret      string `mapstructure:"channel_secret"`
	GroupID            string `mapstructure:"group_id"`
	APIBase            string `mapstructure:"api_base"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the dashboard/API listener.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOTSPOTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hotspotd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:hotspots.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("firms.base_url", "https://firms.modaps.eosdis.nasa.gov/api/area/csv")
	v.SetDefault("firms.sources", []string{"VIIRS_SNPP_NRT", "VIIRS_NOAA20_NRT", "VIIRS_NOAA21_NRT"})
	v.SetDefault("firms.lookback_hours", 48)
	v.SetDefault("firms.request_timeout", "20s")
	v.SetDefault("firms.invalid_key_markers", []string{"invalid map_key", "invalid key"})
	v.SetDefault("firms.min_confidence", "low")
	v.SetDefault("firms.user_agent", "hotspotd/1.0")

	v.SetDefault("region.name", "Kanchanaburi")
	v.SetDefault("region.west", 98.0)
	v.SetDefault("region.south", 13.4)
	v.SetDefault("region.east", 100.0)
	v.SetDefault("region.north", 15.8)

	v.SetDefault("scheduler.timezone", "Asia/Bangkok")
	v.SetDefault("scheduler.windows", []string{"02:30-06:00", "14:30-18:00"})
	v.SetDefault("scheduler.active_interval", "10m")
	v.SetDefault("scheduler.idle_interval", "30m")
	v.SetDefault("scheduler.grace_period", "1h")
	v.SetDefault("scheduler.check_timeout", "45s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x46495253))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"line"})
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.line.enabled", false)
	v.SetDefault("alerting.line.api_base", "https://api.line.me")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "60s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("export.max_data_points", 366)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be one of postgres, sqlite, memory")
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	if len(c.FIRMS.Sources) == 0 {
		return fmt.Errorf("firms.sources must not be empty")
	}
	if c.FIRMS.LookbackHours <= 0 {
		return fmt.Errorf("firms.lookback_hours must be greater than zero")
	}
	if _, ok := hotspot.ParseConfidence(c.FIRMS.MinConfidence); !ok {
		return fmt.Errorf("firms.min_confidence must be low, nominal or high")
	}
	if c.Region.West >= c.Region.East || c.Region.South >= c.Region.North {
		return fmt.Errorf("region bounding box is inverted")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.PollWindows(); err != nil {
		return err
	}
	if err := validateInterval("scheduler.active_interval", c.Scheduler.ActiveInterval, false); err != nil {
		return err
	}
	if err := validateInterval("scheduler.idle_interval", c.Scheduler.IdleInterval, true); err != nil {
		return err
	}
	if c.Scheduler.GracePeriod <= 0 {
		return fmt.Errorf("scheduler.grace_period must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Line.Enabled && c.Alerting.Line.ChannelAccessToken == "" {
		return fmt.Errorf("alerting.line.channel_access_token is required when line is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// validateInterval requires whole minutes dividing an hour, since cadence is
// evaluated as minute-of-hour modulo interval.
func validateInterval(name string, d time.Duration, allowZero bool) error {
	if d == 0 && allowZero {
		return nil
	}
	if d < time.Minute || d%time.Minute != 0 {
		return fmt.Errorf("%s must be a whole number of minutes", name)
	}
	if d > time.Hour || 60%int(d/time.Minute) != 0 {
		return fmt.Errorf("%s must divide 60 minutes", name)
	}
	return nil
}

// Location resolves the deployment time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// PollWindows parses the configured daily windows.
func (c *Config) PollWindows() ([]scheduler.PollWindow, error) {
	if len(c.Scheduler.Windows) == 0 {
		return nil, fmt.Errorf("scheduler.windows must not be empty")
	}
	windows, err := scheduler.ParseWindows(c.Scheduler.Windows)
	if err != nil {
		return nil, fmt.Errorf("scheduler.windows: %w", err)
	}
	return windows, nil
}

// SourceNames returns the satellite names for the configured feed sources.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.FIRMS.Sources))
	for _, src := range c.FIRMS.Sources {
		names = append(names, hotspot.SourceName(src))
	}
	return names
}

// MinConfidence returns the parsed confidence floor.
func (c *Config) MinConfidence() hotspot.Confidence {
	conf, _ := hotspot.ParseConfidence(c.FIRMS.MinConfidence)
	return conf
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
