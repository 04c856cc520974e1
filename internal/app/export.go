package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"firms-hotspot-alerts/internal/hotspot"
)

// Export writes stored detections as CSV and/or a PNG chart of daily counts per satellite.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	maxDays := a.Config.ResolveMaxPoints(opts.MaxPoints)
	loc := a.location()

	to := time.Now().In(loc)
	if opts.To != nil {
		to = opts.To.In(loc)
	}
	from := startOfDay(to).AddDate(0, 0, -(maxDays - 1))
	if opts.From != nil {
		from = opts.From.In(loc)
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dets, err := store.ListHotspotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(dets) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no detections found for export window")
		return nil
	}
	a.Logger.Info().Int("detections", len(dets)).Msg("exporting detections")

	if opts.CSVPath != "" {
		if err := writeDetectionsCSV(opts.CSVPath, dets, loc); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		days, series := dailyCounts(dets, from, to, maxDays)
		if len(days) < 2 {
			a.Logger.Warn().Msg("chart needs at least two days of data; skipping png")
			return nil
		}
		if err := writeDailyPNG(opts.PNGPath, days, series); err != nil {
			return err
		}
	}

	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// dailyCounts buckets detections by local acquisition day and source. Every
// day in [from, to] gets a point, capped at the most recent maxDays.
func dailyCounts(dets []hotspot.Detection, from, to time.Time, maxDays int) ([]time.Time, map[string][]float64) {
	loc := from.Location()
	var days []time.Time
	for d := startOfDay(from); !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	if maxDays > 0 && len(days) > maxDays {
		days = days[len(days)-maxDays:]
	}
	index := make(map[string]int, len(days))
	for i, d := range days {
		index[d.Format(hotspot.DateLayout)] = i
	}

	series := make(map[string][]float64)
	for _, det := range dets {
		i, ok := index[det.AcquiredAt.In(loc).Format(hotspot.DateLayout)]
		if !ok {
			continue
		}
		counts, ok := series[det.Source]
		if !ok {
			counts = make([]float64, len(days))
			series[det.Source] = counts
		}
		counts[i]++
	}
	return days, series
}

func writeDetectionsCSV(path string, dets []hotspot.Detection, loc *time.Location) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"acquired_at", "acq_date", "acq_time", "satellite", "latitude", "longitude", "confidence", "frp", "brightness", "daynight", "region", "notified"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, d := range dets {
		record := []string{
			d.AcquiredAt.In(loc).Format(time.RFC3339),
			d.AcqDate,
			d.AcqTime,
			d.Source,
			d.Latitude.String(),
			d.Longitude.String(),
			string(d.Confidence),
			d.FRP.String(),
			d.Brightness.String(),
			d.DayNight,
			d.Region,
			fmt.Sprintf("%t", d.Notified),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeDailyPNG(path string, days []time.Time, series map[string][]float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	sources := make([]string, 0, len(series))
	for source := range series {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Detections per day",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
	}
	for _, source := range sources {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    hotspot.ShortName(source),
			XValues: days,
			YValues: series[source],
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
