// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/phuetz/agentmesh/broker"
	"github.com/phuetz/agentmesh/broker/events"
	"github.com/phuetz/agentmesh/broker/webhook"
	"github.com/phuetz/agentmesh/config"
	"github.com/phuetz/agentmesh/hub"
	"github.com/phuetz/agentmesh/messenger"
	"github.com/phuetz/agentmesh/protocol"
	"github.com/phuetz/agentmesh/ratelimit"
	"github.com/phuetz/agentmesh/registry"
	"github.com/phuetz/agentmesh/server/health"
	"github.com/phuetz/agentmesh/server/otel"
)

// serverAdapter exposes the node's agent connections to the hub so the
// messenger can push to connected agents through the protocol server.
type serverAdapter struct {
	srv *protocol.Server

	mu      sync.RWMutex
	handler func(method string, params json.RawMessage)
}

func (a *serverAdapter) Name() string { return protocol.ProtocolName }

func (a *serverAdapter) Connected() bool {
	return len(a.srv.ConnectedAgents()) > 0
}

func (a *serverAdapter) Send(_ context.Context, target, method string, params interface{}) error {
	return a.srv.SendToAgent(target, method, params)
}

func (a *serverAdapter) Request(_ context.Context, _, _ string, _ interface{}) (json.RawMessage, error) {
	return nil, errors.New("request/response is initiated by agents, not the server")
}

func (a *serverAdapter) Subscribe(handler func(method string, params json.RawMessage)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *serverAdapter) deliver(method string, params json.RawMessage) {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h != nil {
		h(method, params)
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting agent mesh node", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Server.NodeID,
		"rpc_listener", cfg.Protocol.ListenAddr,
		"rpc_path", cfg.Protocol.Path,
		"health_enabled", cfg.Server.HealthEnabled,
		"webhooks_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Server.NodeID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var webhooks *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		sender := webhook.NewHTTPSender()

		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.NodeID, sender, logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		webhooks = wh
		slog.Info("Webhooks enabled",
			"type", "http",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(cfg.Registry, logger)
	if err := reg.Start(ctx); err != nil {
		slog.Error("Failed to start registry", "error", err)
		os.Exit(1)
	}

	if metrics != nil {
		reg.OnStatusChange(func(_ string, from, to registry.Status) {
			if to == registry.StatusOnline {
				metrics.RecordAgentOnline()
			}
			if from == registry.StatusOnline {
				metrics.RecordAgentOffline()
			}
		})
	}

	brokerCfg := broker.Config{
		NodeID:                   cfg.Server.NodeID,
		MaxMessageSize:           cfg.Broker.MaxMessageSize,
		DefaultVisibilityTimeout: cfg.Broker.DefaultVisibilityTimeout,
		DefaultMaxReceiveCount:   cfg.Broker.DefaultMaxReceiveCount,
		DefaultPartitionCount:    cfg.Broker.DefaultPartitionCount,
		AutoCreateTopics:         cfg.Broker.AutoCreateTopics,
		ExpirySweepInterval:      cfg.Broker.ExpirySweepInterval,
		TransactionTimeout:       cfg.Broker.TransactionTimeout,
	}
	b := broker.New(brokerCfg, logger)
	b.Start(ctx)

	if webhooks != nil {
		b.OnEvent(func(ev events.Event) {
			if err := webhooks.Notify(context.Background(), ev); err != nil {
				slog.Debug("Webhook notify failed", "event", ev.Type(), "error", err)
			}
		})
	}
	if metrics != nil {
		b.OnEvent(func(ev events.Event) {
			if dl, ok := ev.(events.MessageDeadLettered); ok {
				metrics.RecordDeadLettered(dl.Queue, dl.Reason)
			}
		})
	}

	var rateLimitManager *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rateLimitManager = ratelimit.NewManager(cfg.RateLimit)
		defer rateLimitManager.Stop()
		slog.Info("Rate limiting enabled",
			slog.Float64("requests_per_sec", cfg.RateLimit.RequestsPerSec),
			slog.Int("burst", cfg.RateLimit.Burst))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var auth protocol.Authenticator
	if cfg.Protocol.SharedSecret != "" {
		secret := cfg.Protocol.SharedSecret
		auth = func(_, apiKey string) bool { return apiKey == secret }
	}
	rpcServer := protocol.NewServer(cfg.Protocol, auth, rateLimitManager, logger)
	if metrics != nil {
		rpcServer.OnConnection(func(connected bool) {
			if connected {
				metrics.RecordConnection()
			} else {
				metrics.RecordDisconnection()
			}
		})
	}

	h := hub.New(logger)
	adapter := &serverAdapter{srv: rpcServer}
	if err := h.RegisterAdapter(adapter); err != nil {
		slog.Error("Failed to register protocol adapter", "error", err)
		os.Exit(1)
	}

	msgr := messenger.New(cfg.Messenger, h, reg, logger)
	if err := msgr.Start(ctx); err != nil {
		slog.Error("Failed to start messenger", "error", err)
		os.Exit(1)
	}

	if err := registerHandlers(rpcServer, b, reg, msgr, metrics); err != nil {
		slog.Error("Failed to register RPC handlers", "error", err)
		os.Exit(1)
	}

	// Inbound agent-to-agent sends flow through the hub to messenger
	// subscribers.
	if err := rpcServer.RegisterHandler("msg.send", func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
		adapter.deliver("msg.send", params)
		return map[string]bool{"accepted": true}, nil
	}); err != nil {
		slog.Error("Failed to register msg.send handler", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting RPC server", "address", cfg.Protocol.ListenAddr, "path", cfg.Protocol.Path)
		if err := rpcServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, b, reg, msgr, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Agent mesh node started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := msgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Messenger shutdown error", "error", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		slog.Error("Broker shutdown error", "error", err)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		slog.Error("Registry shutdown error", "error", err)
	}
	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			slog.Error("Webhook shutdown error", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Agent mesh node stopped")
}
