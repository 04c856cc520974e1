package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/metrics"
)

const viirsHeader = "latitude,longitude,bright_ti4,scan,track,acq_date,acq_time,satellite,instrument,confidence,version,bright_ti5,frp,daynight\n"

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func bangkok(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Bangkok")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func newTestFIRMS(t *testing.T, url string, collector *metrics.Collector) *FIRMS {
	t.Helper()
	return NewFIRMS(Options{
		BaseURL:           url,
		MapKey:            "KEY123",
		Region:            "Kanchanaburi",
		Area:              BBox{West: 98, South: 13.4, East: 100, North: 15.8},
		Timeout:           time.Second,
		InvalidKeyMarkers: []string{"Invalid MAP_KEY"},
		Location:          bangkok(t),
	}, collector, noopLogger())
}

func TestParseCSVConvertsToLocalTime(t *testing.T) {
	body := viirsHeader +
		"14.51234,99.10001,331.2,0.39,0.36,2026-03-01,645,N,VIIRS,n,2.0NRT,290.1,4.25,D\n" +
		"14.6,99.2,340.0,0.4,0.37,2026-03-01,1830,N,VIIRS,h,2.0NRT,291.0,8.1,N\n"

	dets, skipped := ParseCSV(strings.NewReader(body), "VIIRS_SNPP_NRT", bangkok(t), "Kanchanaburi")
	if skipped != 0 {
		t.Fatalf("不应跳过任何行, 实际 %d", skipped)
	}
	if len(dets) != 2 {
		t.Fatalf("期望 2 条记录, 实际 %d", len(dets))
	}

	first := dets[0]
	if first.Source != "VIIRS_SNPP" {
		t.Fatalf("source 应去掉 _NRT 后缀, 实际 %s", first.Source)
	}
	if first.AcqDate != "2026-03-01" || first.AcqTime != "1345" {
		t.Fatalf("06:45 UTC 应转换为 13:45 本地时间, 实际 %s %s", first.AcqDate, first.AcqTime)
	}
	if first.Latitude.String() != "14.51234" || first.FRP.String() != "4.25" {
		t.Fatalf("数值字段解析错误: %+v", first)
	}
	if first.Brightness.String() != "331.2" || first.BrightT31.String() != "290.1" {
		t.Fatalf("bright_ti4/bright_ti5 应映射到 brightness/bright_t31: %+v", first)
	}
	if first.Region != "Kanchanaburi" || first.Confidence != hotspot.ConfidenceNominal {
		t.Fatalf("region/confidence 错误: %+v", first)
	}

	second := dets[1]
	if second.AcqDate != "2026-03-02" || second.AcqTime != "0130" {
		t.Fatalf("跨日转换错误, 实际 %s %s", second.AcqDate, second.AcqTime)
	}
	if second.Confidence != hotspot.ConfidenceHigh {
		t.Fatalf("h 应映射为 high, 实际 %s", second.Confidence)
	}
}

func TestParseCSVSkipsMalformedRows(t *testing.T) {
	body := viirsHeader +
		"abc,99.1,331.2,0.39,0.36,2026-03-01,0645,N,VIIRS,n,2.0NRT,290.1,4.2,D\n" +
		"14.5,99.1,331.2,0.39,0.36,2026-03-01,0645,N,VIIRS,n,2.0NRT,290.1,not-a-number,D\n" +
		"14.5,99.1,331.2,0.39,0.36,,0645,N,VIIRS,n,2.0NRT,290.1,4.2,D\n" +
		"14.5,99.1,331.2,0.39,0.36,2026-03-01,99999,N,VIIRS,n,2.0NRT,290.1,4.2,D\n" +
		"14.5,99.1,331.2,0.39,0.36,2026-03-01,0645,N,VIIRS,,2.0NRT,290.1,,D\n"

	dets, skipped := ParseCSV(strings.NewReader(body), "VIIRS_NOAA20_NRT", time.UTC, "")
	if skipped != 4 {
		t.Fatalf("期望跳过 4 行, 实际 %d", skipped)
	}
	if len(dets) != 1 {
		t.Fatalf("期望保留 1 行, 实际 %d", len(dets))
	}
	if !dets[0].FRP.IsZero() || dets[0].Confidence != hotspot.ConfidenceNominal {
		t.Fatalf("空 frp 应为 0, 空 confidence 应为 nominal: %+v", dets[0])
	}
}

func TestParseCSVHeaderOnly(t *testing.T) {
	dets, skipped := ParseCSV(strings.NewReader(viirsHeader), "VIIRS_SNPP_NRT", time.UTC, "")
	if len(dets) != 0 || skipped != 0 {
		t.Fatalf("仅表头时应返回空列表, 实际 %d/%d", len(dets), skipped)
	}
}

func TestNormalizeConfidence(t *testing.T) {
	cases := map[string]hotspot.Confidence{
		"l":       hotspot.ConfidenceLow,
		"N":       hotspot.ConfidenceNominal,
		"h":       hotspot.ConfidenceHigh,
		"85":      hotspot.ConfidenceHigh,
		"80":      hotspot.ConfidenceHigh,
		"30":      hotspot.ConfidenceNominal,
		"29":      hotspot.ConfidenceLow,
		"":        hotspot.ConfidenceNominal,
		"unknown": hotspot.ConfidenceNominal,
	}
	for raw, want := range cases {
		if got := NormalizeConfidence(raw); got != want {
			t.Fatalf("NormalizeConfidence(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestDayRange(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 24: 1, 25: 2, 48: 2, 500: 10}
	for hours, want := range cases {
		if got := DayRange(hours); got != want {
			t.Fatalf("DayRange(%d) = %d, want %d", hours, got, want)
		}
	}
}

func TestFetchSourceBuildsAreaURL(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(viirsHeader))
	}))
	defer srv.Close()

	f := newTestFIRMS(t, srv.URL, nil)
	if _, err := f.FetchSource(context.Background(), "VIIRS_NOAA21_NRT", 48); err != nil {
		t.Fatalf("请求不应失败: %v", err)
	}
	if got := path.Load(); got != "/KEY123/VIIRS_NOAA21_NRT/98,13.4,100,15.8/2" {
		t.Fatalf("URL 路径错误: %v", got)
	}
}

func TestFetchSourceInvalidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Invalid MAP_KEY."))
	}))
	defer srv.Close()

	f := newTestFIRMS(t, srv.URL, nil)
	if _, err := f.FetchSource(context.Background(), "VIIRS_SNPP_NRT", 24); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("应返回 ErrInvalidKey, 实际 %v", err)
	}
}

func TestFetchSourceMissingKey(t *testing.T) {
	f := NewFIRMS(Options{BaseURL: "http://localhost"}, nil, noopLogger())
	if _, err := f.FetchSource(context.Background(), "VIIRS_SNPP_NRT", 24); err == nil {
		t.Fatal("未配置 map key 时应报错")
	}
}

func TestFetchTreatsFailingSourceAsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "VIIRS_NOAA20_NRT"):
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream unavailable"))
		case strings.Contains(r.URL.Path, "VIIRS_SNPP_NRT"):
			_, _ = w.Write([]byte(viirsHeader + "14.5,99.1,331.2,0.39,0.36,2026-03-01,0645,N,VIIRS,n,2.0NRT,290.1,4.2,D\n"))
		default:
			_, _ = w.Write([]byte(viirsHeader + "14.7,99.3,331.2,0.39,0.36,2026-03-01,0700,N21,VIIRS,l,2.0NRT,290.1,1.1,D\n"))
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	f := newTestFIRMS(t, srv.URL, collector)

	dets := f.Fetch(context.Background(), []string{"VIIRS_SNPP_NRT", "VIIRS_NOAA20_NRT", "VIIRS_NOAA21_NRT"}, 24)
	if len(dets) != 2 {
		t.Fatalf("失败的数据源不应影响其他数据源, 实际 %d 条", len(dets))
	}
	if dets[0].Source != "VIIRS_SNPP" || dets[1].Source != "VIIRS_NOAA21" {
		t.Fatalf("结果应保持数据源顺序: %s, %s", dets[0].Source, dets[1].Source)
	}
	if got := testutil.ToFloat64(collector.SourceFailures.WithLabelValues("VIIRS_NOAA20")); got != 1 {
		t.Fatalf("source failure 计数应为 1, 实际 %v", got)
	}
}

func TestFetchRespectsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewFIRMS(Options{BaseURL: srv.URL, MapKey: "k", Timeout: 50 * time.Millisecond}, nil, noopLogger())
	started := time.Now()
	dets := f.Fetch(context.Background(), []string{"VIIRS_SNPP_NRT"}, 24)
	if len(dets) != 0 {
		t.Fatalf("超时的数据源应返回空列表")
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("超时未生效")
	}
}
