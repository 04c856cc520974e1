package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/service"
)

// Check runs one cycle outside the poll windows and prints what it found.
// With Notify, a one-shot alert covering only this cycle is delivered.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier alerting.Notifier
	if opts.Notify {
		notifier = a.newNotifier(store)
		if notifier == nil {
			return fmt.Errorf("--notify 需要启用至少一个告警通道")
		}
	}
	svc := a.newService(store, notifier, nil)

	outcome, err := svc.Check(ctx, service.CheckOptions{LookbackHours: opts.LookbackHours, Trigger: "cli"})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "fetched %s detections, %s new (%s)\n",
		humanize.Comma(int64(outcome.TotalFetched)),
		humanize.Comma(int64(outcome.NovelCount)),
		outcome.Duration.Round(time.Millisecond))

	sources := make([]string, 0, len(outcome.PerSource))
	for source := range outcome.PerSource {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		t := outcome.PerSource[source]
		fmt.Fprintf(a.Out, "  %-14s %5d  latest %s\n", source, t.Count, t.Latest.In(a.location()).Format("2006-01-02 15:04"))
	}

	if !opts.Notify || outcome.NovelCount == 0 {
		return nil
	}
	msg := alerting.Poll(outcome.PerSource, svc.Sources(), a.Config.Region.Name, time.Now().In(a.location()))
	if err := svc.Deliver(ctx, msg, outcome.Novel); err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	fmt.Fprintln(a.Out, "alert delivered")
	return nil
}
