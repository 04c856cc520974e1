package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firms-hotspot-alerts/internal/aggregator"
	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/hotspot"
)

// SimulateAlert 通过样例统计数据模拟一次累计告警并发送到已启用的通道。
// counts 按卫星名给出本次模拟的新增数量，为空时使用默认样例。
func (a *App) SimulateAlert(ctx context.Context, counts map[string]int) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := a.newNotifier(store)
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	now := time.Now().In(a.location())
	sources := a.Config.SourceNames()
	if len(counts) == 0 {
		counts = map[string]int{}
		for i, source := range sources {
			if i < 2 {
				counts[source] = 3 - i
			}
		}
	}

	perSource := make(map[string]hotspot.Tally, len(counts))
	for source, n := range counts {
		perSource[source] = hotspot.Tally{Count: n, Latest: now.Add(-20 * time.Minute)}
	}

	agg := aggregator.New(sources)
	snap, _ := agg.RecordNovel(perSource, now)
	msg := alerting.Cumulative(snap, a.Config.Region.Name, now)

	if err := notifier.Notify(ctx, msg); err != nil {
		return fmt.Errorf("模拟告警发送失败: %w", err)
	}
	a.Logger.Info().Int("total", snap.Total).Msg("模拟告警已发送")
	return nil
}

// SendTest delivers the connectivity test message.
func (a *App) SendTest(ctx context.Context) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := a.newNotifier(store)
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	return notifier.Notify(ctx, alerting.Test(a.Config.Region.Name, time.Now().In(a.location())))
}
