package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/storage"
)

var feedSources = []string{"VIIRS_SNPP_NRT", "VIIRS_NOAA20_NRT", "VIIRS_NOAA21_NRT"}

type stubFeed struct {
	mu       sync.Mutex
	dets     []hotspot.Detection
	lookback []int
	entered  chan struct{}
	release  chan struct{}
}

func (f *stubFeed) Fetch(ctx context.Context, _ []string, lookbackHours int) []hotspot.Detection {
	f.mu.Lock()
	f.lookback = append(f.lookback, lookbackHours)
	dets := append([]hotspot.Detection(nil), f.dets...)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil
		}
	}
	return dets
}

type stubNotifier struct {
	mu  sync.Mutex
	got []alerting.Message
	err error
}

func (n *stubNotifier) Notify(_ context.Context, msg alerting.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
	return n.err
}

func det(lat, source string, conf hotspot.Confidence) hotspot.Detection {
	return hotspot.Detection{
		Latitude:   decimal.RequireFromString(lat),
		Longitude:  decimal.RequireFromString("99.1"),
		AcqDate:    "2026-03-01",
		AcqTime:    "1345",
		AcquiredAt: time.Date(2026, 3, 1, 13, 45, 0, 0, time.UTC),
		Source:     source,
		Confidence: conf,
	}
}

func newTestService(feed *stubFeed, store storage.Store, notifier alerting.Notifier) *Service {
	return New(Options{Sources: feedSources, LookbackHours: 48}, feed, store, notifier, nil, zerolog.Nop())
}

func TestCheckReportsNovelOnce(t *testing.T) {
	store := storage.NewMemory()
	feed := &stubFeed{dets: []hotspot.Detection{
		det("14.1", "VIIRS_SNPP", hotspot.ConfidenceNominal),
		det("14.2", "VIIRS_SNPP", hotspot.ConfidenceHigh),
		det("14.3", "VIIRS_NOAA21", hotspot.ConfidenceLow),
	}}
	svc := newTestService(feed, store, nil)
	ctx := context.Background()

	first, err := svc.Check(ctx, CheckOptions{Trigger: "test"})
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if first.TotalFetched != 3 || first.NovelCount != 3 {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	if first.PerSource["VIIRS_SNPP"].Count != 2 || first.PerSource["VIIRS_NOAA21"].Count != 1 {
		t.Fatalf("unexpected per-source tallies %+v", first.PerSource)
	}

	second, err := svc.Check(ctx, CheckOptions{})
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if second.TotalFetched != 3 || second.NovelCount != 0 || len(second.PerSource) != 0 {
		t.Fatalf("re-fetched detections must not be novel: %+v", second)
	}

	logs, _ := store.ListRecentCheckLogs(ctx, 10)
	if len(logs) != 2 || logs[0].Status != storage.CheckStatusSuccess || logs[1].NewHotspots != 3 {
		t.Fatalf("unexpected check logs %+v", logs)
	}
}

func TestCheckAppliesMinConfidenceAndLookback(t *testing.T) {
	store := storage.NewMemory()
	feed := &stubFeed{dets: []hotspot.Detection{
		det("14.1", "VIIRS_SNPP", hotspot.ConfidenceLow),
		det("14.2", "VIIRS_SNPP", hotspot.ConfidenceNominal),
		det("14.3", "VIIRS_SNPP", hotspot.ConfidenceHigh),
	}}
	svc := New(Options{Sources: feedSources, LookbackHours: 48, MinConfidence: hotspot.ConfidenceNominal}, feed, store, nil, nil, zerolog.Nop())

	outcome, err := svc.Check(context.Background(), CheckOptions{LookbackHours: 6})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if outcome.TotalFetched != 3 || outcome.NovelCount != 2 {
		t.Fatalf("low confidence detection should be dropped: %+v", outcome)
	}
	if len(feed.lookback) != 1 || feed.lookback[0] != 6 {
		t.Fatalf("lookback override not applied: %v", feed.lookback)
	}
	if n, _ := store.CountHotspots(context.Background()); n != 2 {
		t.Fatalf("expected 2 stored, got %d", n)
	}
}

func TestCheckStorageFailureDegradesHealth(t *testing.T) {
	store := storage.NewMemory()
	boom := errors.New("disk full")
	store.FailInserts(boom)
	feed := &stubFeed{dets: []hotspot.Detection{det("14.1", "VIIRS_SNPP", hotspot.ConfidenceHigh)}}
	svc := newTestService(feed, store, nil)
	ctx := context.Background()

	for i := 0; i < degradedAfter; i++ {
		if !svc.Healthy() {
			t.Fatalf("should stay healthy before %d failures (at %d)", degradedAfter, i)
		}
		if _, err := svc.Check(ctx, CheckOptions{}); !errors.Is(err, boom) {
			t.Fatalf("expected storage error, got %v", err)
		}
	}
	if svc.Healthy() {
		t.Fatalf("should be degraded after %d failures", degradedAfter)
	}
	health := svc.Health()
	if health.ConsecutiveFailures != degradedAfter || health.LastError == "" || health.LastCheckAt == nil {
		t.Fatalf("unexpected health %+v", health)
	}

	logs, _ := store.ListRecentCheckLogs(ctx, 1)
	if len(logs) != 1 || logs[0].Status != storage.CheckStatusError || logs[0].Error == nil {
		t.Fatalf("failure should be logged: %+v", logs)
	}

	store.FailInserts(nil)
	outcome, err := svc.Check(ctx, CheckOptions{})
	if err != nil || outcome.NovelCount != 1 {
		t.Fatalf("recovered check should store the detection: %+v %v", outcome, err)
	}
	if !svc.Healthy() {
		t.Fatalf("a successful check should clear degraded health")
	}
}

func TestCheckIsSingleFlight(t *testing.T) {
	feed := &stubFeed{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := newTestService(feed, storage.NewMemory(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Check(context.Background(), CheckOptions{})
		done <- err
	}()
	<-feed.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Check(ctx, CheckOptions{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while another check runs, got %v", err)
	}

	close(feed.release)
	if err := <-done; err != nil {
		t.Fatalf("first check: %v", err)
	}
}

func TestDeliverMarksNotifiedOnSuccess(t *testing.T) {
	store := storage.NewMemory()
	feed := &stubFeed{dets: []hotspot.Detection{det("14.1", "VIIRS_SNPP", hotspot.ConfidenceHigh)}}
	notifier := &stubNotifier{}
	svc := newTestService(feed, store, notifier)
	ctx := context.Background()

	outcome, err := svc.Check(ctx, CheckOptions{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	msg := alerting.Message{Kind: alerting.KindCumulative, Text: "alert", HotspotCount: 1}
	if err := svc.Deliver(ctx, msg, outcome.Novel); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if len(notifier.got) != 1 {
		t.Fatalf("expected one message, got %d", len(notifier.got))
	}
	recs, _ := store.ListRecentNotifications(ctx, 10)
	if len(recs) != 1 || recs[0].Status != storage.NotificationSent || recs[0].Kind != "cumulative" || recs[0].BatchID == "" {
		t.Fatalf("unexpected notification record %+v", recs)
	}
	hs, _ := store.ListRecentHotspots(ctx, 10)
	if len(hs) != 1 || !hs[0].Notified || hs[0].NotifiedAt == nil {
		t.Fatalf("detection should be stamped notified: %+v", hs)
	}
}

func TestDeliverFailureKeepsDetections(t *testing.T) {
	store := storage.NewMemory()
	feed := &stubFeed{dets: []hotspot.Detection{det("14.1", "VIIRS_SNPP", hotspot.ConfidenceHigh)}}
	notifier := &stubNotifier{err: errors.New("line down")}
	svc := newTestService(feed, store, notifier)
	ctx := context.Background()

	outcome, _ := svc.Check(ctx, CheckOptions{})
	if err := svc.Deliver(ctx, alerting.Message{Kind: alerting.KindCumulative, Text: "alert"}, outcome.Novel); err == nil {
		t.Fatalf("delivery failure should be returned")
	}

	recs, _ := store.ListRecentNotifications(ctx, 10)
	if len(recs) != 1 || recs[0].Status != storage.NotificationFailed || recs[0].Error == nil {
		t.Fatalf("failed attempt should be recorded: %+v", recs)
	}
	hs, _ := store.ListRecentHotspots(ctx, 10)
	if len(hs) != 1 || hs[0].Notified {
		t.Fatalf("detection should remain stored but unnotified: %+v", hs)
	}

	again, _ := svc.Check(ctx, CheckOptions{})
	if again.NovelCount != 0 {
		t.Fatalf("undelivered detections must not be re-reported as novel")
	}
}

func TestDeliverWithoutNotifierIsNoop(t *testing.T) {
	store := storage.NewMemory()
	svc := newTestService(&stubFeed{}, store, nil)
	if err := svc.Deliver(context.Background(), alerting.Message{Kind: alerting.KindHeartbeat}, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	recs, _ := store.ListRecentNotifications(context.Background(), 10)
	if len(recs) != 0 {
		t.Fatalf("nothing should be recorded when alerting is disabled")
	}
}

func TestSourcesStripsFeedSuffix(t *testing.T) {
	svc := newTestService(&stubFeed{}, storage.NewMemory(), nil)
	got := svc.Sources()
	if len(got) != 3 || got[0] != "VIIRS_SNPP" || got[2] != "VIIRS_NOAA21" {
		t.Fatalf("unexpected sources %v", got)
	}
}
