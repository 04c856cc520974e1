package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/config"
	"firms-hotspot-alerts/internal/hotspot"
)

const viirsHeader = "latitude,longitude,bright_ti4,scan,track,acq_date,acq_time,satellite,instrument,confidence,version,bright_ti5,frp,daynight\n"

func testConfig(firmsURL string) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		FIRMS: config.FIRMSConfig{
			BaseURL:        firmsURL,
			MapKey:         "KEY",
			Sources:        []string{"VIIRS_SNPP_NRT", "VIIRS_NOAA20_NRT", "VIIRS_NOAA21_NRT"},
			LookbackHours:  24,
			RequestTimeout: time.Second,
			MinConfidence:  "low",
		},
		Region: config.RegionConfig{Name: "Kanchanaburi", West: 98, South: 13.4, East: 100, North: 15.8},
		Scheduler: config.SchedulerConfig{
			Timezone:       "UTC",
			Windows:        []string{"02:30-06:00"},
			ActiveInterval: 10 * time.Minute,
			GracePeriod:    time.Hour,
		},
		Export: config.ExportConfig{MaxDataPoints: 30},
	}
}

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

type linePushes struct {
	mu    sync.Mutex
	texts []string
}

func (p *linePushes) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			To       string `json:"to"`
			Messages []struct {
				Text string `json:"text"`
			} `json:"messages"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil || len(body.Messages) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.texts = append(p.texts, body.Messages[0].Text)
		p.mu.Unlock()
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (p *linePushes) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func enableLine(cfg *config.Config, apiBase string) {
	cfg.Alerting = config.AlertingConfig{
		Enabled:        true,
		RequestTimeout: time.Second,
		Line: config.LineConfig{
			Enabled:            true,
			ChannelAccessToken: "token",
			GroupID:            "Cgroup",
			APIBase:            apiBase,
		},
	}
}

func firmsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "VIIRS_SNPP_NRT") {
			_, _ = w.Write([]byte(viirsHeader +
				"14.5,99.1,331.2,0.39,0.36,2026-03-01,0645,N,VIIRS,n,2.0NRT,290.1,4.25,D\n" +
				"14.6,99.2,340.0,0.40,0.37,2026-03-01,0645,N,VIIRS,h,2.0NRT,291.0,8.10,D\n"))
			return
		}
		_, _ = w.Write([]byte(viirsHeader))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewNotifierSelection(t *testing.T) {
	cfg := testConfig("")
	a, _ := newTestApp(cfg)
	if n := a.newNotifier(nil); n != nil {
		t.Fatalf("alerting 未启用时应返回 nil, 实际 %T", n)
	}

	enableLine(cfg, "http://line.invalid")
	if _, ok := a.newNotifier(nil).(*alerting.LineNotifier); !ok {
		t.Fatalf("只启用 LINE 时应直接返回 LineNotifier")
	}

	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "bot", ChatID: "42"}
	multi, ok := a.newNotifier(nil).(alerting.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("启用两个通道时应返回 Multi, 实际 %#v", multi)
	}

	cfg.Alerting.Line.Enabled = false
	cfg.Alerting.Telegram.Enabled = false
	if n := a.newNotifier(nil); n != nil {
		t.Fatalf("没有启用的通道时应返回 nil, 实际 %T", n)
	}
}

func TestCheckPrintsSummary(t *testing.T) {
	a, out := newTestApp(testConfig(firmsServer(t).URL))

	if err := a.Check(context.Background(), CheckOptions{}); err != nil {
		t.Fatalf("Check 返回错误: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "fetched 2 detections, 2 new") {
		t.Fatalf("输出缺少汇总: %q", text)
	}
	if !strings.Contains(text, "VIIRS_SNPP") {
		t.Fatalf("输出缺少卫星明细: %q", text)
	}
}

func TestCheckNotifyDeliversPollAlert(t *testing.T) {
	pushes := &linePushes{}
	cfg := testConfig(firmsServer(t).URL)
	enableLine(cfg, pushes.server(t).URL)
	a, out := newTestApp(cfg)

	if err := a.Check(context.Background(), CheckOptions{Notify: true}); err != nil {
		t.Fatalf("Check 返回错误: %v", err)
	}
	texts := pushes.all()
	if len(texts) != 1 {
		t.Fatalf("期望推送 1 条, 实际 %d", len(texts))
	}
	if !strings.Contains(texts[0], "SNPP - 2 จุด") {
		t.Fatalf("推送内容缺少 SNPP 统计: %q", texts[0])
	}
	if !strings.Contains(out.String(), "alert delivered") {
		t.Fatalf("输出缺少发送结果: %q", out.String())
	}
}

func TestCheckNotifyRequiresChannel(t *testing.T) {
	a, _ := newTestApp(testConfig(firmsServer(t).URL))
	if err := a.Check(context.Background(), CheckOptions{Notify: true}); err == nil {
		t.Fatalf("未启用告警通道时 --notify 应报错")
	}
}

func TestSimulateAlert(t *testing.T) {
	pushes := &linePushes{}
	cfg := testConfig("")
	enableLine(cfg, pushes.server(t).URL)
	a, _ := newTestApp(cfg)

	if err := a.SimulateAlert(context.Background(), map[string]int{"VIIRS_NOAA20": 4}); err != nil {
		t.Fatalf("SimulateAlert 返回错误: %v", err)
	}
	texts := pushes.all()
	if len(texts) != 1 || !strings.Contains(texts[0], "NOAA20 - 4 จุด") || !strings.Contains(texts[0], "รวม: 4 จุด (1/3 ดาวเทียม)") {
		t.Fatalf("模拟告警内容不符合预期: %q", texts)
	}

	cfg.Alerting.Enabled = false
	if err := a.SimulateAlert(context.Background(), nil); err == nil {
		t.Fatalf("alerting 未启用时应报错")
	}
}

func TestDailyCounts(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	det := func(day int, source string) hotspot.Detection {
		return hotspot.Detection{
			Latitude:   decimal.NewFromInt(14),
			Longitude:  decimal.NewFromInt(99),
			AcquiredAt: time.Date(2026, 3, day, 6, 45, 0, 0, time.UTC),
			Source:     source,
		}
	}
	dets := []hotspot.Detection{det(1, "VIIRS_SNPP"), det(1, "VIIRS_SNPP"), det(3, "VIIRS_SNPP"), det(2, "VIIRS_NOAA20")}

	days, series := dailyCounts(dets, from, to, 30)
	if len(days) != 3 {
		t.Fatalf("期望 3 天, 实际 %d", len(days))
	}
	if got := series["VIIRS_SNPP"]; got[0] != 2 || got[1] != 0 || got[2] != 1 {
		t.Fatalf("SNPP 每日计数错误: %v", got)
	}
	if got := series["VIIRS_NOAA20"]; got[1] != 1 {
		t.Fatalf("NOAA20 每日计数错误: %v", got)
	}

	days, _ = dailyCounts(dets, from, to, 2)
	if len(days) != 2 || !days[0].Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("超出上限时应保留最近的天数: %v", days)
	}
}

func TestWriteDetectionsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "hotspots.csv")
	dets := []hotspot.Detection{{
		Latitude:   decimal.RequireFromString("14.5"),
		Longitude:  decimal.RequireFromString("99.1"),
		AcqDate:    "2026-03-01",
		AcqTime:    "1345",
		AcquiredAt: time.Date(2026, 3, 1, 13, 45, 0, 0, time.UTC),
		Source:     "VIIRS_SNPP",
		Confidence: hotspot.ConfidenceHigh,
		FRP:        decimal.RequireFromString("8.1"),
		Brightness: decimal.RequireFromString("340"),
	}}
	if err := writeDetectionsCSV(path, dets, time.UTC); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("期望表头加 1 行, 实际 %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], "2026-03-01T13:45:00Z,2026-03-01,1345,VIIRS_SNPP,14.5,99.1,high,8.1") {
		t.Fatalf("CSV 行内容错误: %q", lines[1])
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := newTestApp(testConfig(""))
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatalf("未指定 --csv/--png 时应报错")
	}
}

func TestSettingsRoundTripWithinOneStore(t *testing.T) {
	a, out := newTestApp(testConfig(""))
	// The memory driver is per-open, so only the not-found path is observable here.
	if err := a.GetSetting(context.Background(), "line_group_id"); err == nil {
		t.Fatalf("不存在的 key 应报错")
	}
	if err := a.GetSetting(context.Background(), ""); err != nil {
		t.Fatalf("列出设置失败: %v", err)
	}
	if !strings.Contains(out.String(), "Key") {
		t.Fatalf("输出缺少表头: %q", out.String())
	}
}
