package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"firms-hotspot-alerts/internal/hotspot"
	"firms-hotspot-alerts/internal/storage"
)

// Show prints recent detections, or recent check logs with Logs set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.Logs {
		logs, err := store.ListRecentCheckLogs(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printCheckLogs(logs)
	}

	total, err := store.CountHotspots(ctx)
	if err != nil {
		return err
	}
	dets, err := store.ListRecentHotspots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(dets) == 0 {
		fmt.Fprintln(a.Out, "no detections found")
		return nil
	}
	return a.printDetections(dets, total)
}

func (a *App) printDetections(dets []hotspot.Detection, total int64) error {
	loc := a.location()
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Acquired\tSatellite\tLat\tLon\tConfidence\tFRP\tNotified\tStored")

	for _, d := range dets {
		notified := "-"
		if d.NotifiedAt != nil {
			notified = humanize.Time(*d.NotifiedAt)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.AcquiredAt.In(loc).Format("2006-01-02 15:04"),
			hotspot.ShortName(d.Source),
			d.Latitude.StringFixed(5),
			d.Longitude.StringFixed(5),
			d.Confidence,
			d.FRP.StringFixed(2),
			notified,
			humanize.Time(d.CreatedAt),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "showing %d of %s stored detections\n", len(dets), humanize.Comma(total))
	return nil
}

func (a *App) printCheckLogs(logs []storage.CheckLog) error {
	if len(logs) == 0 {
		fmt.Fprintln(a.Out, "no check logs found")
		return nil
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checked\tFound\tNew\tLatency\tStatus\tError")
	for _, l := range logs {
		errMsg := ""
		if l.Error != nil {
			errMsg = sanitizeInline(*l.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			l.CheckedAt.In(a.location()).Format(time.DateTime),
			humanize.Comma(int64(l.HotspotsFound)),
			humanize.Comma(int64(l.NewHotspots)),
			(time.Duration(l.ResponseTimeMs) * time.Millisecond).String(),
			l.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
