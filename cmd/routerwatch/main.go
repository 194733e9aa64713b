// Command routerwatch monitors internet connectivity through a ZTE router
// and reboots the router when the connection is lost.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/routerwatch/internal/config"
	"github.com/HerbHall/routerwatch/internal/event"
	"github.com/HerbHall/routerwatch/internal/eventlog"
	"github.com/HerbHall/routerwatch/internal/mqtt"
	"github.com/HerbHall/routerwatch/internal/server"
	"github.com/HerbHall/routerwatch/internal/store"
	"github.com/HerbHall/routerwatch/internal/version"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"github.com/HerbHall/routerwatch/internal/webhook"
	"github.com/HerbHall/routerwatch/internal/ws"
	"github.com/HerbHall/routerwatch/internal/zte"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	once := flag.Bool("once", false, "run a single check and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Decode(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("routerwatch starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults and environment", zap.String("component", "config"))
	}
	logger.Info("effective configuration", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("routerwatch stopped with errors", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("routerwatch stopped")
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool) (err error) {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	if err := db.CheckVersion(ctx, version.Version); err != nil {
		return err
	}

	events, err := eventlog.New(ctx, db, logger.Named("eventlog"))
	if err != nil {
		return err
	}

	bus := event.NewBus(logger.Named("bus"))
	bus.SubscribeAll(events.Notify)

	if cfg.WebhookEnabled() {
		sender, err := webhook.New(cfg.Webhook, logger.Named("webhook"))
		if err != nil {
			return err
		}
		bus.SubscribeAllAsync(sender.Notify)
		logger.Info("webhook delivery enabled", zap.String("component", "webhook"))
	}

	if cfg.MQTTEnabled() {
		pub, err := mqtt.New(cfg.MQTT, cfg.Router.Host, logger.Named("mqtt"))
		if err != nil {
			return err
		}
		pub.Connect()
		defer pub.Close()
		bus.SubscribeAllAsync(pub.Notify)
	}

	deps := watchdog.Deps{
		Notifier:     bus,
		WANProber:    newProber(cfg.Check.Method, cfg.Check.Timeout, logger),
		RouterProber: newProber(cfg.Router.Probe, cfg.Check.Timeout, logger),
		Logger:       logger.Named("watchdog"),
	}
	if cfg.Router.Password != "" {
		rc, err := cfg.ZTE()
		if err != nil {
			return err
		}
		device, err := zte.New(rc, logger.Named("zte"))
		if err != nil {
			return err
		}
		deps.Device = device
	}
	if st := cfg.SpeedTester(logger.Named("speedtest")); st != nil {
		deps.SpeedTester = st
	}

	monitor, err := watchdog.New(cfg.Watchdog(), deps)
	if err != nil {
		return err
	}

	if once {
		state := monitor.Check(ctx)
		logger.Info("single check finished", zap.Stringer("state", state))
		return bus.Wait(context.Background())
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		proxies, err := cfg.Server.TrustedPrefixes()
		if err != nil {
			return err
		}
		stream := ws.NewHandler(bus, cfg.Server.AllowedOrigins, logger.Named("ws"))
		defer stream.Close()

		srv = server.New(server.Options{
			Addr:           cfg.Server.Addr(),
			Logger:         logger.Named("server"),
			Ready:          db.Ping,
			Events:         events,
			Status:         monitor,
			Routes:         []server.RouteRegistrar{stream},
			RateLimit:      cfg.Server.RateLimit,
			RateBurst:      cfg.Server.RateBurst,
			TrustedProxies: proxies,
		})
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("server error", zap.Error(err))
			}
		}()
	}

	monitor.Start(ctx)
	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	monitor.Stop()
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return multierr.Append(err, bus.Wait(shutdownCtx))
}

func newProber(method string, timeout time.Duration, logger *zap.Logger) watchdog.Prober {
	if method == config.ProbeICMP {
		return watchdog.NewICMPProber(timeout, 1, false, logger.Named("icmp"))
	}
	return watchdog.NewHTTPProber(timeout)
}
