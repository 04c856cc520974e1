package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"firms-hotspot-alerts/internal/config"
	"firms-hotspot-alerts/internal/hotspot"
)

// sqliteTimeLayout is fixed width so lexical order in TEXT columns matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	insertHotspotLiteSQL = `INSERT INTO hotspots (
        latitude, longitude, acq_date, acq_time, source, acquired_at,
        instrument, version, confidence, brightness, bright_t31, scan, track, frp,
        daynight, region, created_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    ON CONFLICT (latitude, longitude, acq_date, acq_time, source) DO NOTHING;`

	markNotifiedLiteSQL = `UPDATE hotspots
    SET notified = 1, notified_at = ?
    WHERE latitude = ? AND longitude = ? AND acq_date = ? AND acq_time = ? AND source = ?;`

	listRecentHotspotsLiteSQL = `SELECT ` + hotspotColumns + `
    FROM hotspots
    ORDER BY created_at DESC, id DESC
    LIMIT ?;`

	listHotspotsBetweenLiteSQL = `SELECT ` + hotspotColumns + `
    FROM hotspots
    WHERE acquired_at >= ?
      AND acquired_at < ?
    ORDER BY acquired_at;`

	insertCheckLogLiteSQL = `INSERT INTO check_logs (
        checked_at, hotspots_found, new_hotspots, api_response_time_ms, status, error_message
    ) VALUES (?,?,?,?,?,?);`

	listRecentCheckLogsLiteSQL = `SELECT id, checked_at, hotspots_found, new_hotspots, api_response_time_ms, status, error_message
    FROM check_logs
    ORDER BY checked_at DESC, id DESC
    LIMIT ?;`

	insertNotificationLiteSQL = `INSERT INTO notifications (
        batch_id, kind, hotspot_count, message_text, status, error_message, sent_at
    ) VALUES (?,?,?,?,?,?,?);`

	listRecentNotificationsLiteSQL = `SELECT id, batch_id, kind, hotspot_count, message_text, status, error_message, sent_at
    FROM notifications
    ORDER BY sent_at DESC, id DESC
    LIMIT ?;`

	getSettingLiteSQL = `SELECT value FROM settings WHERE key = ?;`

	putSettingLiteSQL = `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
    ON CONFLICT (key) DO UPDATE
    SET value = excluded.value,
        updated_at = excluded.updated_at;`

	listSettingsLiteSQL = `SELECT key, value, updated_at FROM settings ORDER BY key;`
)

// SQLite is the embedded single-file Store.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates if needed) the database named by cfg.DSN.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig) (*SQLite, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLite) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Migrate applies the embedded schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	stmts, err := schemaStatements("sqlite.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertNew inserts absent detections in a single transaction.
func (s *SQLite) InsertNew(ctx context.Context, dets []hotspot.Detection) ([]bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if len(dets) == 0 {
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertHotspotLiteSQL)
	if err != nil {
		return nil, fmt.Errorf("prepare insert hotspot: %w", err)
	}
	defer stmt.Close()

	created := formatLiteTime(s.now())
	inserted := make([]bool, len(dets))
	for i, d := range dets {
		res, execErr := stmt.ExecContext(ctx,
			d.Latitude.String(),
			d.Longitude.String(),
			d.AcqDate,
			d.AcqTime,
			d.Source,
			formatLiteTime(d.AcquiredAt),
			d.Instrument,
			d.Version,
			string(d.Confidence),
			d.Brightness.String(),
			d.BrightT31.String(),
			d.Scan.String(),
			d.Track.String(),
			d.FRP.String(),
			d.DayNight,
			d.Region,
			created,
		)
		if execErr != nil {
			return nil, fmt.Errorf("insert hotspot: %w", execErr)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("insert hotspot: %w", rowsErr)
		}
		inserted[i] = n > 0
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit hotspots: %w", err)
	}
	return inserted, nil
}

// MarkNotified stamps the given detections as included in a sent alert.
func (s *SQLite) MarkNotified(ctx context.Context, keys []hotspot.Key, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stamp := formatLiteTime(at)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, markNotifiedLiteSQL, stamp, k.Latitude, k.Longitude, k.AcqDate, k.AcqTime, k.Source); err != nil {
			return fmt.Errorf("mark notified: %w", err)
		}
	}
	return tx.Commit()
}

// ListRecentHotspots lists the most recently stored detections.
func (s *SQLite) ListRecentHotspots(ctx context.Context, limit int) ([]hotspot.Detection, error) {
	return s.queryHotspots(ctx, "list recent hotspots", listRecentHotspotsLiteSQL, limit)
}

// ListHotspotsByDates lists detections acquired on any of the given local dates.
func (s *SQLite) ListHotspotsByDates(ctx context.Context, dates []string) ([]hotspot.Detection, error) {
	if len(dates) == 0 {
		return []hotspot.Detection{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(dates)), ",")
	query := `SELECT ` + hotspotColumns + `
    FROM hotspots
    WHERE acq_date IN (` + placeholders + `)
    ORDER BY acq_date DESC, acq_time DESC;`
	args := make([]any, len(dates))
	for i, d := range dates {
		args[i] = d
	}
	return s.queryHotspots(ctx, "list hotspots by dates", query, args...)
}

// ListHotspotsBetween lists detections acquired within [from, to).
func (s *SQLite) ListHotspotsBetween(ctx context.Context, from, to time.Time) ([]hotspot.Detection, error) {
	return s.queryHotspots(ctx, "list hotspots between", listHotspotsBetweenLiteSQL, formatLiteTime(from), formatLiteTime(to))
}

func (s *SQLite) queryHotspots(ctx context.Context, op, query string, args ...any) ([]hotspot.Detection, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.QueryContext(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	dets := make([]hotspot.Detection, 0)
	for rows.Next() {
		d, scanErr := scanLiteHotspot(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		dets = append(dets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dets, nil
}

// CountHotspots counts stored detections.
func (s *SQLite) CountHotspots(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, countHotspotsPGSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count hotspots: %w", err)
	}
	return count, nil
}

// PurgeBefore deletes history older than before and returns the number of detections removed.
func (s *SQLite) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := formatLiteTime(before)
	res, err := tx.ExecContext(ctx, `DELETE FROM hotspots WHERE acquired_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge hotspots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM check_logs WHERE checked_at < ?;`, cutoff); err != nil {
		return 0, fmt.Errorf("purge check logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE sent_at < ?;`, cutoff); err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return res.RowsAffected()
}

// InsertCheckLog appends a poll outcome.
func (s *SQLite) InsertCheckLog(ctx context.Context, log CheckLog) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.ExecContext(ctx, insertCheckLogLiteSQL,
		formatLiteTime(log.CheckedAt),
		log.HotspotsFound,
		log.NewHotspots,
		log.ResponseTimeMs,
		log.Status,
		nullableString(log.Error),
	)
	if execErr != nil {
		return fmt.Errorf("insert check log: %w", execErr)
	}
	return nil
}

// ListRecentCheckLogs lists the latest poll outcomes.
func (s *SQLite) ListRecentCheckLogs(ctx context.Context, limit int) ([]CheckLog, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, queryErr := db.QueryContext(ctx, listRecentCheckLogsLiteSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent check logs: %w", queryErr)
	}
	defer rows.Close()

	logs := make([]CheckLog, 0, limit)
	for rows.Next() {
		var (
			rec       CheckLog
			checkedAt string
			errMsg    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &checkedAt, &rec.HotspotsFound, &rec.NewHotspots, &rec.ResponseTimeMs, &rec.Status, &errMsg); err != nil {
			return nil, err
		}
		if rec.CheckedAt, err = parseLiteTime(checkedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		logs = append(logs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// InsertNotification persists a message attempt.
func (s *SQLite) InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return NotificationRecord{}, err
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = s.now().UTC()
	}
	res, execErr := db.ExecContext(ctx, insertNotificationLiteSQL,
		rec.BatchID,
		rec.Kind,
		rec.HotspotCount,
		rec.MessageText,
		rec.Status,
		nullableString(rec.Error),
		formatLiteTime(rec.SentAt),
	)
	if execErr != nil {
		return NotificationRecord{}, fmt.Errorf("insert notification: %w", execErr)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return NotificationRecord{}, fmt.Errorf("insert notification: %w", err)
	}
	return rec, nil
}

// ListRecentNotifications lists the latest message attempts.
func (s *SQLite) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, queryErr := db.QueryContext(ctx, listRecentNotificationsLiteSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	records := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec    NotificationRecord
			sentAt string
			errMsg sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.Kind, &rec.HotspotCount, &rec.MessageText, &rec.Status, &errMsg, &sentAt); err != nil {
			return nil, err
		}
		if rec.SentAt, err = parseLiteTime(sentAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetSetting reads one setting.
func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return "", false, err
	}
	var value string
	if err := db.QueryRowContext(ctx, getSettingLiteSQL, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// PutSetting upserts one setting.
func (s *SQLite) PutSetting(ctx context.Context, key, value string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, putSettingLiteSQL, key, value, formatLiteTime(s.now())); err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// ListSettings lists every setting.
func (s *SQLite) ListSettings(ctx context.Context) ([]Setting, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, queryErr := db.QueryContext(ctx, listSettingsLiteSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list settings: %w", queryErr)
	}
	defer rows.Close()

	settings := make([]Setting, 0)
	for rows.Next() {
		var (
			st        Setting
			updatedAt string
		)
		if err := rows.Scan(&st.Key, &st.Value, &updatedAt); err != nil {
			return nil, err
		}
		if st.UpdatedAt, err = parseLiteTime(updatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settings, nil
}

func scanLiteHotspot(rows *sql.Rows) (hotspot.Detection, error) {
	var (
		d          hotspot.Detection
		lat, lon   string
		acquiredAt string
		confidence string
		bright     string
		brightT31  string
		scan       string
		track      string
		frp        string
		notified   int
		notifiedAt sql.NullString
		createdAt  string
	)

	if err := rows.Scan(
		&d.ID,
		&lat,
		&lon,
		&d.AcqDate,
		&d.AcqTime,
		&d.Source,
		&acquiredAt,
		&d.Instrument,
		&d.Version,
		&confidence,
		&bright,
		&brightT31,
		&scan,
		&track,
		&frp,
		&d.DayNight,
		&d.Region,
		&notified,
		&notifiedAt,
		&createdAt,
	); err != nil {
		return hotspot.Detection{}, err
	}

	if err := decodeDecimals(&d, lat, lon, bright, brightT31, scan, track, frp); err != nil {
		return hotspot.Detection{}, err
	}
	var err error
	if d.AcquiredAt, err = parseLiteTime(acquiredAt); err != nil {
		return hotspot.Detection{}, err
	}
	if d.CreatedAt, err = parseLiteTime(createdAt); err != nil {
		return hotspot.Detection{}, err
	}
	d.Confidence = hotspot.Confidence(confidence)
	d.Notified = notified != 0
	if notifiedAt.Valid {
		at, parseErr := parseLiteTime(notifiedAt.String)
		if parseErr != nil {
			return hotspot.Detection{}, parseErr
		}
		d.NotifiedAt = &at
	}
	return d, nil
}

func formatLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseLiteTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

var _ Store = (*SQLite)(nil)
