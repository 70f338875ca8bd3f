package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/autodial"
	"dialer-platform/internal/config"
	"dialer-platform/internal/dialer"
	"dialer-platform/internal/events"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/leads"
	"dialer-platform/internal/status"
	"dialer-platform/internal/telephony"
	"dialer-platform/pkg/logger"
	"dialer-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

const statusStreamInterval = 2 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres open failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis open failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth manager init failed", "err", err)
		os.Exit(1)
	}

	var publisher events.Publisher
	if cfg.MQTT.Broker != "" {
		publisher, err = events.NewMQTTPublisher(events.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
		})
		if err != nil {
			log.Error("mqtt connect failed", "broker", cfg.MQTT.Broker, "err", err)
			os.Exit(1)
		}
		defer publisher.Close()
	} else {
		log.Warn("MQTT_BROKER not set; lifecycle events are dropped")
	}

	repo := dialer.NewPostgresRepo(db)
	store := leads.NewPostgresStore(db)

	// The mock provider stands in until a real telephony account is wired.
	var provider telephony.Provider = telephony.NewMockProvider()

	engine := dialer.NewEngine(repo, store, provider, dialer.Config{
		WrapUpDuration: cfg.Dialer.WrapUpDuration,
		Publisher:      publisher,
		Logger:         log,
	})

	var gate autodial.Gate = autodial.NopGate{}
	if cfg.Dialer.DialCap > 0 {
		gate = autodial.NewRedisGate(rdb, "dialer:dial-gate", cfg.Dialer.DialCap, cfg.Dialer.DialCapTTL)
	}
	sched := autodial.NewScheduler(engine, store, autodial.Config{
		Backoff:    cfg.Dialer.AutoDialBackoff,
		MaxRetries: cfg.Dialer.AutoDialMaxRetries,
		Gate:       gate,
		Logger:     log,
	})
	engine.SetNotifier(sched)
	if err := sched.Resume(ctx); err != nil {
		log.Error("scheduler resume failed", "err", err)
		os.Exit(1)
	}
	defer sched.Close()

	agg := status.NewAggregator(repo, store, log)
	hub := status.NewHub(agg, statusStreamInterval, log)
	go hub.Run(ctx)
	defer hub.Close()

	server := httpapi.NewServer(httpapi.Config{
		Engine:        engine,
		Store:         store,
		Aggregator:    agg,
		Hub:           hub,
		AuthManager:   authManager,
		WebhookSecret: cfg.Provider.WebhookSecret,
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
