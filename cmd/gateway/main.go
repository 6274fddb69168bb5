// cmd/gateway/main.go
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

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"openiotzen-gateway/internal/alerting"
	"openiotzen-gateway/internal/api"
	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/coap"
	"openiotzen-gateway/internal/config"
	"openiotzen-gateway/internal/filter"
	"openiotzen-gateway/internal/metrics"
	"openiotzen-gateway/internal/mqtt"
	"openiotzen-gateway/internal/protocol"
	"openiotzen-gateway/internal/registry"
	"openiotzen-gateway/internal/storage"
	"openiotzen-gateway/internal/subscription"
	"openiotzen-gateway/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for auth.users and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Error loading config: %v", err)
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("Gateway stopped: %v", err)
	}
	log.Info("Gateway gracefully stopped.")
}

func newLogger(c config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", c.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	// --- Persistence ---
	recent := storage.NewMemoryStore(cfg.Storage.MemoryCapacity)
	sinks := storage.Multi{recent}

	var filters filter.Store
	memFilters, err := filter.NewMemoryStore(cfg.Filters...)
	if err != nil {
		return fmt.Errorf("load filters: %w", err)
	}
	filters = memFilters

	if cfg.Storage.PostgresURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		sinks = append(sinks, pg)
		filters = filter.Checked(pg, log)
		log.Info("Persisting telemetry and alerts to Postgres")
	}

	var latest api.LatestReader
	if cfg.Storage.RedisAddr != "" {
		cache, err := storage.NewRedisCache(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisTTL)
		if err != nil {
			return err
		}
		defer cache.Close()
		sinks = append(sinks, cache)
		latest = cache
		log.Infof("Caching latest telemetry in Redis at %s", cfg.Storage.RedisAddr)
	}

	if cfg.Bridge.Enabled {
		bridge, err := mqtt.NewBridge(mqtt.BridgeConfig{
			Broker:      cfg.Bridge.Broker,
			ClientID:    cfg.Bridge.ClientID,
			TopicPrefix: cfg.Bridge.TopicPrefix,
			QoS:         cfg.Bridge.QoS,
		}, log)
		if err != nil {
			return err
		}
		defer bridge.Close()
		sinks = append(sinks, bridge)
	}

	// --- Core services ---
	authManager := auth.NewAuthManager(cfg.Auth)
	reg := registry.New()
	router := subscription.NewRouter(log)
	m := metrics.New()
	engine := filter.NewEngine(filters, sinks, log)
	alerter := alerting.NewAlerter(router, log)

	// --- Adapters ---
	var adapters []protocol.Adapter
	if cfg.WebSocket.Enabled {
		adapters = append(adapters, websocket.NewAdapter(websocket.Config{
			Host:      cfg.Server.Host,
			Port:      cfg.WebSocket.Port,
			Path:      cfg.WebSocket.Path,
			AuthGrace: cfg.WebSocket.AuthGrace,
		}, authManager, router, log))
	}
	if cfg.MQTT.Enabled {
		adapters = append(adapters, mqtt.NewAdapter(mqtt.Config{Host: cfg.Server.Host, Port: cfg.MQTT.Port}, log))
	}
	if cfg.CoAP.Enabled {
		adapters = append(adapters, coap.NewAdapter(coap.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.CoAP.Port,
			SessionTimeout: cfg.CoAP.SessionTimeout,
			DeviceConfig:   cfg.CoAP.DeviceConfig,
		}, log))
	}

	manager := protocol.NewManager(protocol.Options{
		Registry:    reg,
		Router:      router,
		Engine:      engine,
		Alerter:     alerter,
		Sink:        sinks,
		Verifier:    authManager,
		Metrics:     m,
		Logger:      log,
		StatusDelay: cfg.Gateway.StatusBroadcastDelay,
	}, adapters...)

	if err := manager.Start(ctx); err != nil {
		return err
	}

	// --- REST surface ---
	apiHandler := api.NewAPIHandler(api.Deps{
		Manager:  manager,
		Registry: reg,
		Auth:     authManager,
		Recent:   recent,
		Latest:   latest,
		Metrics:  m.Handler(),
		Logger:   log,
	})
	apiServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.APIPort),
		Handler:           api.NewRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Starting REST API on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gateway...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		apiErr := apiServer.Shutdown(shutdownCtx)
		return errors.Join(apiErr, manager.Stop(shutdownCtx))
	})
	return g.Wait()
}
