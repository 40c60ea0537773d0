package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tourcal/internal/api"
	"tourcal/internal/calendar"
	"tourcal/internal/config"
	"tourcal/internal/dashboard"
	appLog "tourcal/internal/log"
	"tourcal/internal/metrics"
	"tourcal/internal/model"
	"tourcal/internal/notify"
	"tourcal/internal/store"
	"tourcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	ics        bool
}

func main() {
	flags := parseFlags()

	if loaded := config.LoadEnvFiles(".env"); len(loaded) > 0 {
		appLog.Debug("loaded env files", "files", loaded)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv(os.Getenv)

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	if err := appLog.Init(conf.Environment, appLog.ParseLevel(conf.LogLevel)); err != nil {
		appLog.Error("failed to init logger", err)
		os.Exit(1)
	}
	defer appLog.Sync()

	appLog.Info("tourcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"api", api.RedactURL(conf.API.BaseURL),
		"poll_interval", conf.PollInterval,
		"telegram", conf.Telegram.Enabled,
		"basic_auth", conf.BasicAuth != nil,
		"once", flags.once,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("tourcal failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Info("tourcal exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	loc, err := conf.Location()
	if err != nil {
		return err
	}

	client, err := api.NewClient(conf.API.BaseURL, conf.API.RequestTimeout)
	if err != nil {
		return err
	}

	m := metrics.New()
	st := store.New(client, m)

	notifier, err := buildNotifier(conf, loc)
	if err != nil {
		return err
	}

	view, err := conf.ViewState(time.Now().In(loc))
	if err != nil {
		return err
	}

	dash := dashboard.New(client, st, dashboard.Options{
		Location:    loc,
		Notifier:    notifier,
		Metrics:     m,
		DefaultView: &view,
	})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		return runOnce(ctx, dash, flags.ics)
	}

	poller, err := store.NewTourPoller(st, conf.PollInterval, m)
	if err != nil {
		return err
	}
	poller.Start(ctx)
	defer poller.Stop()

	return web.NewServer(conf, dash, m).StartServer(ctx)
}

// runOnce fetches everything once and prints either the current calendar
// view as JSON or the iCalendar feed.
func runOnce(ctx context.Context, dash *dashboard.Dashboard, ics bool) error {
	if err := dash.Store().RefreshAll(ctx); err != nil {
		return err
	}

	if ics {
		tours, err := dash.Tours(ctx)
		if err != nil {
			return err
		}
		guides, err := dash.Guides(ctx)
		if err != nil {
			return err
		}
		clients, err := dash.Clients(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(os.Stdout, calendar.ExportICS(tours, guides, clients, time.Now().UTC()))
		return err
	}

	view, err := dash.Calendar(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func buildNotifier(conf *config.Config, loc *time.Location) (notify.Notifier, error) {
	if !conf.Telegram.Enabled {
		return notify.Nop{}, nil
	}
	format := func(ts model.Timestamp) string {
		return ts.In(loc).Format("2006-01-02 15:04")
	}
	tg, err := notify.NewTelegram(conf.Telegram.Token, format)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	appLog.Info("telegram notifications enabled")
	return tg, nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/tourcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch tours, clients and guides once, print the calendar and exit")
	flag.BoolVar(&cfg.ics, "ics", false, "With --once, print the iCalendar feed instead of JSON")

	flag.Parse()

	return cfg
}
