package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"firms-hotspot-alerts/internal/config"
	"firms-hotspot-alerts/internal/hotspot"
)

func detection(lat, lon, acqDate, acqTime, source string, at time.Time) hotspot.Detection {
	return hotspot.Detection{
		Latitude:   decimal.RequireFromString(lat),
		Longitude:  decimal.RequireFromString(lon),
		AcqDate:    acqDate,
		AcqTime:    acqTime,
		AcquiredAt: at,
		Source:     source,
		Instrument: "VIIRS",
		Version:    "2.0NRT",
		Confidence: hotspot.ConfidenceNominal,
		Brightness: decimal.RequireFromString("330.5"),
		BrightT31:  decimal.RequireFromString("290.1"),
		Scan:       decimal.RequireFromString("0.39"),
		Track:      decimal.RequireFromString("0.36"),
		FRP:        decimal.RequireFromString("4.2"),
		DayNight:   "D",
		Region:     "Kanchanaburi",
	}
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	base := time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)
	a := detection("14.1", "99.2", "2026-03-01", "1330", "VIIRS_SNPP", base)
	b := detection("14.2", "99.3", "2026-03-01", "1330", "VIIRS_NOAA20", base.Add(time.Minute))
	aAgain := detection("14.10", "99.20", "2026-03-01", "1330", "VIIRS_SNPP", base)

	inserted, err := store.InsertNew(ctx, []hotspot.Detection{a, b, aAgain})
	if err != nil {
		t.Fatalf("insert new: %v", err)
	}
	if want := []bool{true, true, false}; !equalBools(inserted, want) {
		t.Fatalf("expected %v, got %v", want, inserted)
	}

	inserted, err = store.InsertNew(ctx, []hotspot.Detection{a, b})
	if err != nil {
		t.Fatalf("insert repeat: %v", err)
	}
	if want := []bool{false, false}; !equalBools(inserted, want) {
		t.Fatalf("repeat insert should be a no-op, got %v", inserted)
	}

	count, err := store.CountHotspots(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 hotspots, got %d", count)
	}

	notifiedAt := base.Add(time.Hour)
	if err := store.MarkNotified(ctx, []hotspot.Key{a.Key()}, notifiedAt); err != nil {
		t.Fatalf("mark notified: %v", err)
	}

	byDate, err := store.ListHotspotsByDates(ctx, []string{"2026-03-01"})
	if err != nil {
		t.Fatalf("by dates: %v", err)
	}
	if len(byDate) != 2 {
		t.Fatalf("expected 2 by date, got %d", len(byDate))
	}
	var marked int
	for _, d := range byDate {
		if d.Key() == a.Key() {
			if !d.Notified || d.NotifiedAt == nil || !d.NotifiedAt.Equal(notifiedAt) {
				t.Fatalf("expected %v notified at %v, got %+v", a.Key(), notifiedAt, d)
			}
			if !d.FRP.Equal(a.FRP) {
				t.Fatalf("frp round trip: %s", d.FRP)
			}
			marked++
		}
	}
	if marked != 1 {
		t.Fatalf("notified detection missing from listing")
	}

	between, err := store.ListHotspotsBetween(ctx, base, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(between) != 1 || between[0].Source != "VIIRS_SNPP" {
		t.Fatalf("unexpected between result %+v", between)
	}

	recent, err := store.ListRecentHotspots(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(recent))
	}

	errMsg := "upstream timeout"
	if err := store.InsertCheckLog(ctx, CheckLog{CheckedAt: base, HotspotsFound: 3, NewHotspots: 2, ResponseTimeMs: 120, Status: CheckStatusSuccess}); err != nil {
		t.Fatalf("insert check log: %v", err)
	}
	if err := store.InsertCheckLog(ctx, CheckLog{CheckedAt: base.Add(time.Minute), Status: CheckStatusError, Error: &errMsg}); err != nil {
		t.Fatalf("insert check log: %v", err)
	}
	logs, err := store.ListRecentCheckLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list check logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Status != CheckStatusError || logs[0].Error == nil || *logs[0].Error != errMsg {
		t.Fatalf("unexpected check logs %+v", logs)
	}

	rec, err := store.InsertNotification(ctx, NotificationRecord{BatchID: "batch-1", Kind: "cumulative", HotspotCount: 2, MessageText: "hello", Status: NotificationSent, SentAt: base})
	if err != nil {
		t.Fatalf("insert notification: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("expected notification id")
	}
	notes, err := store.ListRecentNotifications(ctx, 5)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].BatchID != "batch-1" || notes[0].HotspotCount != 2 {
		t.Fatalf("unexpected notifications %+v", notes)
	}

	if _, ok, err := store.GetSetting(ctx, SettingLineGroupID); err != nil || ok {
		t.Fatalf("expected missing setting, ok=%v err=%v", ok, err)
	}
	if err := store.PutSetting(ctx, SettingLineGroupID, "C123"); err != nil {
		t.Fatalf("put setting: %v", err)
	}
	if err := store.PutSetting(ctx, SettingLineGroupID, "C456"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	value, ok, err := store.GetSetting(ctx, SettingLineGroupID)
	if err != nil || !ok || value != "C456" {
		t.Fatalf("expected C456, got %q ok=%v err=%v", value, ok, err)
	}
	settings, err := store.ListSettings(ctx)
	if err != nil || len(settings) != 1 {
		t.Fatalf("list settings: %v %+v", err, settings)
	}

	removed, err := store.PurgeBefore(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged, got %d", removed)
	}
	inserted, err = store.InsertNew(ctx, []hotspot.Detection{a})
	if err != nil {
		t.Fatalf("reinsert after purge: %v", err)
	}
	if !inserted[0] {
		t.Fatalf("purged detection should be insertable again")
	}
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestMemoryInsertFailureLeavesStoreUntouched(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	boom := errors.New("disk full")
	store.FailInserts(boom)

	det := detection("14.1", "99.2", "2026-03-01", "1330", "VIIRS_SNPP", time.Now())
	if _, err := store.InsertNew(ctx, []hotspot.Detection{det}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	store.FailInserts(nil)

	inserted, err := store.InsertNew(ctx, []hotspot.Detection{det})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted[0] {
		t.Fatalf("detection should still be new after a failed insert")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestNilPostgresReturnsNotConfigured(t *testing.T) {
	var store *Postgres
	if err := store.Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := store.InsertNew(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
