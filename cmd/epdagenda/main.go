package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"epdagenda/internal/battery"
	"epdagenda/internal/compose"
	"epdagenda/internal/config"
	"epdagenda/internal/epd"
	"epdagenda/internal/ics"
	"epdagenda/internal/illustration"
	"epdagenda/internal/imagegen"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/pagination"
	"epdagenda/internal/refresh"
	"epdagenda/internal/web"
)

const batteryCacheTTL = 30 * time.Second

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       bool
	debug      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	setupLogging(conf, flags.debug)

	appLog.Info("epdagenda starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"driver", conf.Display.Driver,
		"rotation", conf.Display.Rotation,
		"page_size", conf.Pages.Size,
		"max_partial", conf.Refresh.MaxPartialRefreshes,
		"illustrations", conf.Illustration.IsEnabled(),
		"ics_count", len(conf.Agenda.ICS),
		"once", flags.once,
		"render_only", flags.renderOnly,
		"dump", flags.dump,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("epdagenda stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("epdagenda exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	loc := conf.Location()

	sources := make([]ics.Source, 0, len(conf.Agenda.ICS))
	for _, s := range conf.Agenda.ICS {
		sources = append(sources, ics.Source{ID: s.ID, Name: s.Name, URL: s.URL})
	}
	provider := ics.NewProvider(
		ics.NewFetcher(conf.FeedCacheDir(), nil),
		ics.Dedupe(sources),
		ics.ProviderOptions{Location: loc, MaxItems: conf.Agenda.MaxItems},
	)

	illus := illustration.New(
		illustration.NewStore(conf.IllustrationDir()),
		newGenerator(conf),
		illustration.Options{
			Enabled:       conf.Illustration.IsEnabled(),
			Themes:        conf.Illustration.Themes,
			Width:         conf.Illustration.Width,
			Height:        conf.Illustration.Height,
			RetentionDays: conf.Illustration.RetentionDays,
			Timeout:       conf.IllustrationTimeout(),
		},
	)
	if n, err := illus.PurgeExpired(time.Now().In(loc)); err != nil {
		appLog.Error("illustration purge failed", err)
	} else if n > 0 {
		appLog.Info("expired illustrations removed", "count", n)
	}

	composer := compose.New(layoutFrom(conf), compose.Messages{
		EventsTitle: conf.Messages.EventsTitle,
		NoEvents:    conf.Messages.NoEvents,
		FreeDay:     conf.Messages.FreeDay,
		AllDay:      conf.Messages.AllDay,
	})

	preview := epd.NewPreview("")
	var sink refresh.Sink = preview
	if flags.renderOnly || conf.Display.Driver == "preview" {
		preview.Path = conf.Display.PreviewPath
	} else {
		panel, err := epd.Open(epd.Config{SPIPort: conf.Display.SPIPort, Rotation: conf.Display.Rotation})
		if err != nil {
			return err
		}
		defer func() {
			if err := panel.Close(); err != nil {
				appLog.Error("panel close failed", err)
			}
		}()
		if flags.dump {
			preview.Path = conf.Display.PreviewPath
		}
		sink = epd.Tee{Primary: panel, Mirrors: []refresh.Sink{preview}}
	}

	sched := refresh.New(refresh.Deps{
		Clock:         refresh.SystemClock(),
		Items:         provider,
		Pages:         pagination.New(conf.Pages.Size),
		Illustrations: illus,
		Composer:      composer,
		Sink:          sink,
	}, refresh.Options{
		TickInterval:     conf.TickInterval(),
		RotationInterval: conf.RotationInterval(),
		FetchInterval:    conf.FetchInterval(),
		Location:         loc,
		Policy:           refresh.Policy{MaxPartialRefreshes: conf.Refresh.MaxPartialRefreshes},
	})

	if flags.once {
		kind, err := sched.Tick(ctx)
		if err == nil {
			appLog.Info("single cycle done", "kind", kind.String())
		}
		return err
	}

	c := cron.New(cron.WithLocation(loc))
	if illus.Enabled() {
		if _, err := c.AddFunc(conf.Illustration.PurgeCron, func() {
			n, err := illus.PurgeExpired(time.Now().In(loc))
			if err != nil {
				appLog.Error("illustration purge failed", err)
				return
			}
			appLog.Info("illustration purge done", "removed", n)
		}); err != nil {
			return err
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	var batt battery.Reader = battery.None{}
	if conf.Battery.Enabled {
		batt = &battery.Cached{
			Reader: battery.I2C{Bus: conf.Battery.I2CBus, Addr: conf.Battery.I2CAddr},
			TTL:    batteryCacheTTL,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if conf.Listen != "" {
		srv := web.NewServer(conf.Listen, conf.BasicAuth, sched, preview, batt)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				appLog.Error("status api failed", err, "listen", conf.Listen)
			}
			return nil
		})
	}
	return g.Wait()
}

// newGenerator returns the configured bitmap provider, or nil when
// illustrations cannot be produced.
func newGenerator(conf *config.Config) illustration.Generator {
	ic := conf.Illustration
	if !ic.IsEnabled() {
		return nil
	}
	switch ic.Provider {
	case "capture":
		return &imagegen.Capture{
			URLTemplate:   ic.Capture.URL,
			ExecPath:      ic.Capture.ExecPath,
			Width:         ic.Capture.Width,
			Height:        ic.Capture.Height,
			ReadySelector: ic.Capture.ReadySelector,
			Timeout:       conf.IllustrationTimeout(),
		}
	default:
		if ic.OpenAI.APIKey == "" {
			appLog.Warn("no OpenAI API key; free days show the placeholder")
			return nil
		}
		return imagegen.NewOpenAI(ic.OpenAI.BaseURL, ic.OpenAI.APIKey, ic.OpenAI.Model, ic.OpenAI.Size)
	}
}

func layoutFrom(conf *config.Config) compose.Layout {
	l := conf.Layout
	return compose.Layout{
		Width:           l.Width,
		Height:          l.Height,
		Margin:          l.Margin,
		LeftPanelWidth:  l.LeftPanelWidth,
		TimeBlockHeight: l.TimeBlockHeight,
		LineSpacing:     l.LineSpacing,
	}
}

func setupLogging(conf *config.Config, debug bool) {
	appLog.SetOutput(os.Stderr, conf.Log.Format)
	level, err := appLog.ParseLevel(conf.Log.Level)
	if err != nil {
		appLog.Warn("unknown log level; using info", "level", conf.Log.Level)
	}
	if debug {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch+render+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Write PNG previews instead of driving the panel")
	flag.BoolVar(&cfg.dump, "dump", false, "Also write the preview PNG while driving the panel")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
