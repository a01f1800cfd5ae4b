package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jspada200/reviewsync/internal/api"
	"github.com/jspada200/reviewsync/internal/applog"
	"github.com/jspada200/reviewsync/internal/bot"
	"github.com/jspada200/reviewsync/internal/config"
	"github.com/jspada200/reviewsync/internal/drafts"
	"github.com/jspada200/reviewsync/internal/events"
	"github.com/jspada200/reviewsync/internal/notify"
	"github.com/jspada200/reviewsync/internal/suggest"
	"github.com/jspada200/reviewsync/internal/syncer"
)

func main() {
	cfgPath := config.DefaultPath()
	if len(os.Args) == 3 && os.Args[1] == "-config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.User == "" {
		fmt.Fprintf(os.Stderr, "error: no user configured in %s\n", cfgPath)
		os.Exit(1)
	}

	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.Log.Dir,
		LogLevel: cfg.Log.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	backend := api.New(cfg.API.BaseURL, cfg.API.Token, logger)
	toasts := notify.New(notify.Config{
		Enabled: cfg.Notifications.Enabled,
		Webhook: cfg.Notifications.Webhook,
		NtfyURL: cfg.Notifications.NtfyURL,
	}, logger)

	var feed *events.Client
	switch cfg.Events.Transport {
	case config.TransportAMQP:
		feed = events.NewAMQPClient(events.BrokerConfig{
			URL:      cfg.Events.Broker.URL,
			Login:    cfg.Events.Broker.Login,
			Passcode: cfg.Events.Broker.Passcode,
			Vhost:    cfg.Events.Broker.Vhost,
			Exchange: cfg.Events.Broker.Exchange,
		}, cfg.ReconnectDelay(), logger)
	case config.TransportWebSocket:
		feed = events.NewWebSocketClient(cfg.Events.URL, cfg.ReconnectDelay(), logger)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown events transport %q\n", cfg.Events.Transport)
		os.Exit(1)
	}

	s := syncer.New(
		feed,
		bot.NewReconciler(backend, toasts, logger),
		suggest.NewManager(backend, cfg.SuggestDebounce(), logger),
		drafts.NewEngine(backend, cfg.DraftDebounce(), logger),
		toasts,
		cfg.User,
		logger,
	)
	s.UseSettings(backend)
	s.Start()
	logger.Info("reviewsync started", "user", cfg.User, "transport", string(cfg.Events.Transport))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Stop flushes any pending draft writes before the process exits.
	logger.Info("shutting down")
	s.Stop()
}
