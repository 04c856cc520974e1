package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"firms-hotspot-alerts/internal/hotspot"
)

const (
	hotspotColumns = `id, latitude, longitude, acq_date, acq_time, source, acquired_at,
        instrument, version, confidence, brightness, bright_t31, scan, track, frp,
        daynight, region, notified, notified_at, created_at`

	insertHotspotPGSQL = `INSERT INTO hotspots (
        latitude, longitude, acq_date, acq_time, source, acquired_at,
        instrument, version, confidence, brightness, bright_t31, scan, track, frp,
        daynight, region
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (latitude, longitude, acq_date, acq_time, source) DO NOTHING
    RETURNING id;`

	markNotifiedPGSQL = `UPDATE hotspots
    SET notified = TRUE, notified_at = $6
    WHERE latitude = $1 AND longitude = $2 AND acq_date = $3 AND acq_time = $4 AND source = $5;`

	listRecentHotspotsPGSQL = `SELECT ` + hotspotColumns + `
    FROM hotspots
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listHotspotsByDatesPGSQL = `SELECT ` + hotspotColumns + `
    FROM hotspots
    WHERE acq_date = ANY($1)
    ORDER BY acq_date DESC, acq_time DESC;`

	listHotspotsBetweenPGSQL = `SELECT ` + hotspotColumns + `
    FROM hotspots
    WHERE acquired_at >= $1
      AND acquired_at < $2
    ORDER BY acquired_at;`

	countHotspotsPGSQL = `SELECT COUNT(*) FROM hotspots;`

	purgeHotspotsPGSQL      = `DELETE FROM hotspots WHERE acquired_at < $1;`
	purgeCheckLogsPGSQL     = `DELETE FROM check_logs WHERE checked_at < $1;`
	purgeNotificationsPGSQL = `DELETE FROM notifications WHERE sent_at < $1;`

	insertCheckLogPGSQL = `INSERT INTO check_logs (
        checked_at, hotspots_found, new_hotspots, api_response_time_ms, status, error_message
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	listRecentCheckLogsPGSQL = `SELECT id, checked_at, hotspots_found, new_hotspots, api_response_time_ms, status, error_message
    FROM check_logs
    ORDER BY checked_at DESC, id DESC
    LIMIT $1;`

	insertNotificationPGSQL = `INSERT INTO notifications (
        batch_id, kind, hotspot_count, message_text, status, error_message, sent_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    RETURNING id;`

	listRecentNotificationsPGSQL = `SELECT id, batch_id, kind, hotspot_count, message_text, status, error_message, sent_at
    FROM notifications
    ORDER BY sent_at DESC, id DESC
    LIMIT $1;`

	getSettingPGSQL = `SELECT value FROM settings WHERE key = $1;`

	putSettingPGSQL = `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value,
        updated_at = EXCLUDED.updated_at;`

	listSettingsPGSQL = `SELECT key, value, updated_at FROM settings ORDER BY key;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a Store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Migrate applies the embedded schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	stmts, err := schemaStatements("postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertNew inserts absent detections in a single transaction.
func (s *Postgres) InsertNew(ctx context.Context, dets []hotspot.Detection) ([]bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(dets) == 0 {
		return nil, nil
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := make([]bool, len(dets))
	for i, d := range dets {
		var id int64
		scanErr := tx.QueryRow(ctx, insertHotspotPGSQL,
			d.Latitude.String(),
			d.Longitude.String(),
			d.AcqDate,
			d.AcqTime,
			d.Source,
			d.AcquiredAt,
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
		).Scan(&id)
		switch {
		case scanErr == nil:
			inserted[i] = true
		case errors.Is(scanErr, pgx.ErrNoRows):
		default:
			return nil, fmt.Errorf("insert hotspot: %w", scanErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit hotspots: %w", err)
	}
	return inserted, nil
}

// MarkNotified stamps the given detections as included in a sent alert.
func (s *Postgres) MarkNotified(ctx context.Context, keys []hotspot.Key, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(markNotifiedPGSQL, k.Latitude, k.Longitude, k.AcqDate, k.AcqTime, k.Source, at)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// ListRecentHotspots lists the most recently stored detections.
func (s *Postgres) ListRecentHotspots(ctx context.Context, limit int) ([]hotspot.Detection, error) {
	return s.queryHotspots(ctx, "list recent hotspots", listRecentHotspotsPGSQL, limit)
}

// ListHotspotsByDates lists detections acquired on any of the given local dates.
func (s *Postgres) ListHotspotsByDates(ctx context.Context, dates []string) ([]hotspot.Detection, error) {
	return s.queryHotspots(ctx, "list hotspots by dates", listHotspotsByDatesPGSQL, dates)
}

// ListHotspotsBetween lists detections acquired within [from, to).
func (s *Postgres) ListHotspotsBetween(ctx context.Context, from, to time.Time) ([]hotspot.Detection, error) {
	return s.queryHotspots(ctx, "list hotspots between", listHotspotsBetweenPGSQL, from, to)
}

func (s *Postgres) queryHotspots(ctx context.Context, op, query string, args ...any) ([]hotspot.Detection, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	dets := make([]hotspot.Detection, 0)
	for rows.Next() {
		d, scanErr := scanHotspot(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		dets = append(dets, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return dets, nil
}

// CountHotspots counts stored detections.
func (s *Postgres) CountHotspots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countHotspotsPGSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count hotspots: %w", scanErr)
	}
	return count, nil
}

// PurgeBefore deletes history older than before and returns the number of detections removed.
func (s *Postgres) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, purgeHotspotsPGSQL, before)
	if err != nil {
		return 0, fmt.Errorf("purge hotspots: %w", err)
	}
	if _, err := tx.Exec(ctx, purgeCheckLogsPGSQL, before); err != nil {
		return 0, fmt.Errorf("purge check logs: %w", err)
	}
	if _, err := tx.Exec(ctx, purgeNotificationsPGSQL, before); err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertCheckLog appends a poll outcome.
func (s *Postgres) InsertCheckLog(ctx context.Context, log CheckLog) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertCheckLogPGSQL,
		log.CheckedAt,
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
func (s *Postgres) ListRecentCheckLogs(ctx context.Context, limit int) ([]CheckLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCheckLogsPGSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent check logs: %w", queryErr)
	}
	defer rows.Close()

	logs := make([]CheckLog, 0, limit)
	for rows.Next() {
		var (
			rec    CheckLog
			errMsg sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.CheckedAt, &rec.HotspotsFound, &rec.NewHotspots, &rec.ResponseTimeMs, &rec.Status, &errMsg); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		logs = append(logs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return logs, nil
}

// InsertNotification persists a message attempt.
func (s *Postgres) InsertNotification(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationRecord{}, err
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	row := pool.QueryRow(ctx, insertNotificationPGSQL,
		rec.BatchID,
		rec.Kind,
		rec.HotspotCount,
		rec.MessageText,
		rec.Status,
		nullableString(rec.Error),
		rec.SentAt,
	)
	if scanErr := row.Scan(&rec.ID); scanErr != nil {
		return NotificationRecord{}, fmt.Errorf("insert notification: %w", scanErr)
	}
	return rec, nil
}

// ListRecentNotifications lists the latest message attempts.
func (s *Postgres) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsPGSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	records := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec    NotificationRecord
			errMsg sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.Kind, &rec.HotspotCount, &rec.MessageText, &rec.Status, &errMsg, &rec.SentAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// GetSetting reads one setting.
func (s *Postgres) GetSetting(ctx context.Context, key string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	if scanErr := pool.QueryRow(ctx, getSettingPGSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting %s: %w", key, scanErr)
	}
	return value, true, nil
}

// PutSetting upserts one setting.
func (s *Postgres) PutSetting(ctx context.Context, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, putSettingPGSQL, key, value); execErr != nil {
		return fmt.Errorf("put setting %s: %w", key, execErr)
	}
	return nil
}

// ListSettings lists every setting.
func (s *Postgres) ListSettings(ctx context.Context) ([]Setting, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSettingsPGSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list settings: %w", queryErr)
	}
	defer rows.Close()

	settings := make([]Setting, 0)
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return settings, nil
}

func scanHotspot(rows pgx.Rows) (hotspot.Detection, error) {
	var (
		d          hotspot.Detection
		lat, lon   string
		confidence string
		bright     string
		brightT31  string
		scan       string
		track      string
		frp        string
		notifiedAt sql.NullTime
	)

	if err := rows.Scan(
		&d.ID,
		&lat,
		&lon,
		&d.AcqDate,
		&d.AcqTime,
		&d.Source,
		&d.AcquiredAt,
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
		&d.Notified,
		&notifiedAt,
		&d.CreatedAt,
	); err != nil {
		return hotspot.Detection{}, err
	}

	if err := decodeDecimals(&d, lat, lon, bright, brightT31, scan, track, frp); err != nil {
		return hotspot.Detection{}, err
	}
	d.Confidence = hotspot.Confidence(confidence)
	if notifiedAt.Valid {
		at := notifiedAt.Time
		d.NotifiedAt = &at
	}
	return d, nil
}

var _ Store = (*Postgres)(nil)
var _ AdvisoryLocker = (*Postgres)(nil)
