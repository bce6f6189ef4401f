// Command wingman runs the assistant core as a local HTTP host for the
// editor shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wingman/pkg/agent"
	"wingman/pkg/bus"
	"wingman/pkg/config"
	"wingman/pkg/conversation"
	"wingman/pkg/hostapi"
	"wingman/pkg/logging"
	"wingman/pkg/provider"
	"wingman/pkg/storage"
	"wingman/pkg/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wingman: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (YAML)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("open log dir: %w", err)
	}
	defer log.Close()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var notifier bus.MessageBus
	if cfg.NATS.URL != "" {
		nb, err := bus.NewNATSBus(bus.Config{
			URL:     cfg.NATS.URL,
			Name:    cfg.NATS.Name,
			Timeout: cfg.NATS.RequestTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		notifier = nb
	} else {
		notifier = bus.NewMemoryBus()
	}
	defer notifier.Close()

	settings := config.NewStore(cfg)

	monitor := token.New(store, log)
	monitor.SetSettingsSource(settings)
	monitor.SetPublisher(notifier)
	if err := monitor.Initialize(); err != nil {
		return fmt.Errorf("load usage records: %w", err)
	}

	history := conversation.NewManager(store)

	agents, err := agent.NewManager(settings, agent.ProviderFactory(provider.Echo()), history, monitor, log)
	if err != nil {
		return err
	}
	agents.SetPublisher(notifier)
	defer agents.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           hostapi.NewServer(agents, monitor, history, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(logging.CategoryHost, "listening", "", cfg.Listen, nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info(logging.CategoryHost, "shutting_down", "", sig.String(), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
