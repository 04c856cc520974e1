package alerting

import (
	"fmt"
	"strings"
	"time"

	"firms-hotspot-alerts/internal/aggregator"
	"firms-hotspot-alerts/internal/hotspot"
)

const (
	separator       = "━━━━━━━━━━━━━━━━"
	headerAlert     = "🔥 แจ้งเตือนจุดความร้อน"
	headerIdle      = "🔥 แจ้งเตือนจุดความร้อน (นอกช่วงเฝ้าระวัง)"
	stampLayout     = "02/01/2006 15:04"
	acquiredLayout  = "15:04"
	defaultRegionTH = "ไม่ระบุพื้นที่"
)

// Cumulative renders the window-to-date alert from a full aggregator snapshot.
func Cumulative(snap aggregator.Snapshot, region string, now time.Time) Message {
	return Message{
		Kind:         KindCumulative,
		Text:         renderTallies(headerAlert, snap, region, now),
		HotspotCount: snap.Total,
		At:           now,
	}
}

// Poll renders a one-shot alert for a single poll outside any window.
func Poll(perSource map[string]hotspot.Tally, sources []string, region string, now time.Time) Message {
	snap, _ := aggregator.New(sources).RecordNovel(perSource, now)
	return Message{
		Kind:         KindPoll,
		Text:         renderTallies(headerIdle, snap, region, now),
		HotspotCount: snap.Total,
		At:           now,
	}
}

// Quiescence renders the one-time notice sent when polling stops early.
func Quiescence(snap aggregator.Snapshot, window string, region string, now time.Time) Message {
	var b strings.Builder
	b.WriteString("✅ ดาวเทียมรายงานครบทุกดวงแล้ว\n")
	fmt.Fprintf(&b, "📅 %s\n", now.Format(stampLayout))
	b.WriteString(separator + "\n")
	writeSatellites(&b, snap)
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "📍 รวม: %d จุด\n", snap.Total)
	fmt.Fprintf(&b, "⏸️ หยุดตรวจสอบรอบ %s แล้ว\n", window)
	fmt.Fprintf(&b, "🏔️ พื้นที่: %s", regionName(region))
	return Message{Kind: KindQuiescence, Text: b.String(), HotspotCount: snap.Total, At: now}
}

// Heartbeat renders the end-of-window "checked, nothing found" message.
func Heartbeat(window string, region string, now time.Time) Message {
	var b strings.Builder
	b.WriteString("✅ ตรวจสอบแล้ว ไม่พบจุดความร้อน\n")
	fmt.Fprintf(&b, "📅 %s\n", now.Format(stampLayout))
	fmt.Fprintf(&b, "🕐 รอบ %s\n", window)
	fmt.Fprintf(&b, "🏔️ พื้นที่: %s", regionName(region))
	return Message{Kind: KindHeartbeat, Text: b.String(), At: now}
}

// Test renders a connectivity check message.
func Test(region string, now time.Time) Message {
	text := fmt.Sprintf("🧪 ทดสอบการแจ้งเตือน\n📅 %s\n🏔️ พื้นที่: %s", now.Format(stampLayout), regionName(region))
	return Message{Kind: KindTest, Text: text, At: now}
}

func renderTallies(header string, snap aggregator.Snapshot, region string, now time.Time) string {
	var b strings.Builder
	b.WriteString(header + "\n")
	fmt.Fprintf(&b, "📅 %s\n", now.Format(stampLayout))
	b.WriteString(separator + "\n")
	writeSatellites(&b, snap)
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "📍 รวม: %d จุด (%d/%d ดาวเทียม)\n", snap.Total, snap.Reported, snap.Expected)
	fmt.Fprintf(&b, "🏔️ พื้นที่: %s", regionName(region))
	return b.String()
}

func writeSatellites(b *strings.Builder, snap aggregator.Snapshot) {
	for _, source := range snap.Sources {
		t, ok := snap.Tally(source)
		if !ok {
			continue
		}
		line := fmt.Sprintf("🛰️ %s - %d จุด", hotspot.ShortName(source), t.Count)
		if !t.Latest.IsZero() {
			line += fmt.Sprintf(" (ถ่าย %s)", t.Latest.Format(acquiredLayout))
		}
		b.WriteString(line + "\n")
	}
}

func regionName(region string) string {
	if strings.TrimSpace(region) == "" {
		return defaultRegionTH
	}
	return region
}
