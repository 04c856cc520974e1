package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"firms-hotspot-alerts/internal/config"
	"firms-hotspot-alerts/internal/hotspot"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrUnknownDriver is returned by Open for an unsupported database.driver.
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// SettingLineGroupID is the settings key consulted when no LINE group is configured.
const SettingLineGroupID = "line_group_id"

//go:embed schema/*.sql
var schemaFS embed.FS

// HotspotStore is the deduplication store for detections.
type HotspotStore interface {
	// InsertNew inserts every detection whose identity key is absent, in one
	// transaction, and reports per input whether it was inserted.
	InsertNew(ctx context.Context, dets []hotspot.Detection) ([]bool, error)
	MarkNotified(ctx context.Context, keys []hotspot.Key, at time.Time) error
	ListRecentHotspots(ctx context.Context, limit int) ([]hotspot.Detection, error)
	ListHotspotsByDates(ctx context.Context, dates []string) ([]hotspot.Detection, error)
	ListHotspotsBetween(ctx context.Context, from, to time.Time) ([]hotspot.Detection, error)
	CountHotspots(ctx context.Context) (int64, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// CheckLogStore records poll outcomes.
type CheckLogStore interface {
	InsertCheckLog(ctx context.Context, log CheckLog) error
	ListRecentCheckLogs(ctx context.Context, limit int) ([]CheckLog, error)
}

// NotificationStore records outbound messages.
type NotificationStore interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error)
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
}

// SettingsStore is the small key/value settings table.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]Setting, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every persistence concern.
type Store interface {
	HotspotStore
	CheckLogStore
	NotificationStore
	SettingsStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Open builds the store selected by database.driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

func schemaStatements(name string) ([]string, error) {
	raw, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	var stmts []string
	for _, stmt := range strings.Split(string(raw), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func decodeDecimals(d *hotspot.Detection, lat, lon, bright, brightT31, scan, track, frp string) error {
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"latitude", lat, &d.Latitude},
		{"longitude", lon, &d.Longitude},
		{"brightness", bright, &d.Brightness},
		{"bright_t31", brightT31, &d.BrightT31},
		{"scan", scan, &d.Scan},
		{"track", track, &d.Track},
		{"frp", frp, &d.FRP},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}
