package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// Migrate applies the schema for the configured driver.
func (a *App) Migrate(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema up to date")
	return nil
}

// GetSetting prints one setting, or every setting when key is empty.
func (a *App) GetSetting(ctx context.Context, key string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if key != "" {
		value, ok, err := store.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("setting %q not found", key)
		}
		fmt.Fprintln(a.Out, value)
		return nil
	}

	settings, err := store.ListSettings(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tValue\tUpdated")
	for _, st := range settings {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", st.Key, st.Value, humanize.Time(st.UpdatedAt))
	}
	return writer.Flush()
}

// SetSetting upserts one setting.
func (a *App) SetSetting(ctx context.Context, key, value string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.PutSetting(ctx, key, value); err != nil {
		return err
	}
	a.Logger.Info().Str("key", key).Msg("setting updated")
	return nil
}

// Purge deletes detections, check logs and notifications older than before.
func (a *App) Purge(ctx context.Context, before time.Time) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.PurgeBefore(ctx, before)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "purged %s detections acquired before %s\n", humanize.Comma(removed), before.In(a.location()).Format(time.DateTime))
	return nil
}
