// Command broker runs the relay broker: it brings up the in-process
// identity registry, PTY-backed agents, delivery planning, lifecycle
// tracking, and event sequencer behind an HTTP/WS control-plane surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AgentWorkforce/relay-sub012/internal/broker"
	"github.com/AgentWorkforce/relay-sub012/internal/common/config"
	"github.com/AgentWorkforce/relay-sub012/internal/common/logger"
	"github.com/AgentWorkforce/relay-sub012/internal/gateway"
	"github.com/AgentWorkforce/relay-sub012/internal/relaybus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting relay broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus relaybus.Bus
	if cfg.Bus.NATSURL != "" {
		log.Info("connecting to external relay bus", zap.String("url", cfg.Bus.NATSURL))
		natsBus, err := relaybus.NewNATSBus(relaybus.NATSConfig{
			URL:           cfg.Bus.NATSURL,
			ClientID:      cfg.Bus.ClientID,
			MaxReconnects: cfg.Bus.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to relay bus", zap.Error(err))
		}
		bus = natsBus
	} else {
		log.Info("using in-memory relay bus")
		bus = relaybus.NewMemoryBus()
	}

	tokenPath := os.Getenv("RELAY_TOKEN_STORE_PATH")
	if tokenPath == "" {
		tokenPath = "relay-tokens.json"
	}
	tokens, err := relaybus.NewTokenStore(tokenPath)
	if err != nil {
		log.Fatal("failed to open token store", zap.Error(err))
	}

	b := broker.New(cfg, log, bus, tokens)

	go func() {
		if err := b.Run(ctx); err != nil {
			log.Error("broker run loop exited with error", zap.Error(err))
		}
	}()

	gw := gateway.New(b, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      gw.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("control plane listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("control plane server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down relay broker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("control plane shutdown error", zap.Error(err))
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Error("broker shutdown error", zap.Error(err))
	}

	log.Info("relay broker stopped")
}
