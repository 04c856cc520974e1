package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"firms-hotspot-alerts/internal/alerting"
	"firms-hotspot-alerts/internal/api"
	"firms-hotspot-alerts/internal/config"
	"firms-hotspot-alerts/internal/fetcher"
	"firms-hotspot-alerts/internal/metrics"
	"firms-hotspot-alerts/internal/monitor"
	"firms-hotspot-alerts/internal/scheduler"
	"firms-hotspot-alerts/internal/service"
	"firms-hotspot-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

func (a *App) newFeed(collector *metrics.Collector) *fetcher.FIRMS {
	cfg := a.Config
	return fetcher.NewFIRMS(fetcher.Options{
		BaseURL: cfg.FIRMS.BaseURL,
		MapKey:  cfg.FIRMS.MapKey,
		Region:  cfg.Region.Name,
		Area: fetcher.BBox{
			West:  cfg.Region.West,
			South: cfg.Region.South,
			East:  cfg.Region.East,
			North: cfg.Region.North,
		},
		Timeout:           cfg.FIRMS.RequestTimeout,
		InvalidKeyMarkers: cfg.FIRMS.InvalidKeyMarkers,
		UserAgent:         cfg.FIRMS.UserAgent,
		Location:          a.location(),
	}, collector, a.Logger)
}

// newNotifier returns nil when alerting is disabled or no channel is enabled.
func (a *App) newNotifier(settings storage.SettingsStore) alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	var channels alerting.Multi
	if cfg.Line.Enabled {
		channels = append(channels, alerting.NewLineNotifier(alerting.LineOptions{
			AccessToken: cfg.Line.ChannelAccessToken,
			GroupID:     cfg.Line.GroupID,
			APIBase:     cfg.Line.APIBase,
			Timeout:     cfg.RequestTimeout,
		}, settings, a.Logger))
	}
	if cfg.Telegram.Enabled {
		channels = append(channels, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.RequestTimeout, a.Logger))
	}

	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	default:
		return channels
	}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (a *App) newService(store storage.Store, notifier alerting.Notifier, collector *metrics.Collector) *service.Service {
	return service.New(service.Options{
		Sources:       a.Config.FIRMS.Sources,
		LookbackHours: a.Config.FIRMS.LookbackHours,
		MinConfidence: a.Config.MinConfidence(),
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
	}, a.newFeed(collector), store, notifier, collector, a.Logger)
}

// Run executes the long-running monitoring service and its HTTP surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	windows, err := a.Config.PollWindows()
	if err != nil {
		return err
	}
	loc := a.location()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var collector *metrics.Collector
	if a.Config.Metrics.Enabled {
		collector, err = metrics.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
	}

	notifier := a.newNotifier(store)
	if notifier == nil {
		a.Logger.Warn().Msg("no alert channel enabled; detections are stored but not delivered")
	}
	svc := a.newService(store, notifier, collector)

	mon := monitor.New(monitor.Options{
		Windows:        windows,
		Sources:        svc.Sources(),
		Location:       loc,
		ActiveInterval: a.Config.Scheduler.ActiveInterval,
		IdleInterval:   a.Config.Scheduler.IdleInterval,
		GracePeriod:    a.Config.Scheduler.GracePeriod,
		CheckTimeout:   a.Config.Scheduler.CheckTimeout,
		Region:         a.Config.Region.Name,
	}, svc, collector, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval: time.Minute,
		Location: loc,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx, func(ctx context.Context, now time.Time) error {
			for _, w := range windows {
				if w.EndsAt(now) {
					mon.EndWindow(ctx, w, now)
				}
			}
			return mon.Tick(ctx, now)
		})
	})

	if a.Config.HTTP.Enabled {
		srv := api.New(api.Options{
			Store:         store,
			Engine:        svc,
			Monitor:       mon,
			Metrics:       collector,
			Sources:       svc.Sources(),
			Region:        a.Config.Region.Name,
			Location:      loc,
			CORSOrigins:   a.Config.HTTP.CORSOrigins,
			ChannelSecret: a.Config.Alerting.Line.ChannelSecret,
			CheckTimeout:  a.Config.Scheduler.CheckTimeout,
		}, a.Logger)
		g.Go(func() error {
			return srv.Run(gctx, a.Config.HTTP.Addr, a.Config.HTTP.ReadTimeout, a.Config.HTTP.WriteTimeout)
		})
	}

	a.Logger.Info().
		Strs("windows", a.Config.Scheduler.Windows).
		Strs("sources", svc.Sources()).
		Str("timezone", loc.String()).
		Msg("starting monitoring service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// CheckOptions configure a one-shot check.
type CheckOptions struct {
	Notify        bool
	LookbackHours int
}

// ExportOptions hold parameters for exporting stored detections.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Logs  bool
}
