package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/api"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/cache"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/dispatcher"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/gateway"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/seed"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/upstream"
	"github.com/shubham-shewale/stock-relay/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quotes := cache.New()
	group := upstream.NewGroup(logger)

	var mirror *repository.RedisStore
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		mirror = repository.NewRedisStore(rdb, cfg.Redis.TTL, cfg.Redis.FlushInterval, logger)
	}

	// Seeding chain: file, Mongo, the Redis mirror, then Finnhub REST
	var sources []seed.Source
	if cfg.Seed.File != "" {
		sources = append(sources, seed.NewFileSource(cfg.Seed.File))
	}
	if cfg.Mongo.URI != "" {
		client, err := seed.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			logger.Error("Failed to connect to MongoDB, skipping profile collection", zap.Error(err))
		} else {
			defer client.Disconnect(context.Background())
			coll := client.Database(cfg.Mongo.Database).Collection(cfg.Seed.Collection)
			sources = append(sources, seed.NewMongoSource(coll))
		}
	}
	if mirror != nil {
		sources = append(sources, seed.NewMirrorSource(mirror))
	}
	var rest *seed.FinnhubSource
	if cfg.Finnhub.Token != "" {
		rest = seed.NewFinnhubSource(cfg.Finnhub.RestURL, cfg.Finnhub.Token, nil)
		sources = append(sources, rest)
	}
	loader := seed.NewLoader(quotes, logger, sources...)

	hubOpts := []hub.Option{hub.WithValidTickers(cfg.Gateway.ValidTickers)}
	var onDemand *seed.OnDemand
	if cfg.Seed.OnDemand && rest != nil {
		onDemand = seed.NewOnDemand(seed.NewLoader(quotes, logger, rest), quotes, 10*time.Second, logger)
		hubOpts = append(hubOpts, hub.WithSeeder(onDemand))
	}

	// Dependency Injection: Hub drives the upstream group
	wsHub := hub.NewHub(group, quotes, logger, hubOpts...)

	loader.Load(ctx, cfg.Seed.Symbols)
	wsHub.Pin(cfg.Seed.Symbols...)

	dispOpts := []dispatcher.Option{dispatcher.WithWorkers(cfg.Relay.Workers, cfg.Relay.QueueSize)}
	if mirror != nil {
		dispOpts = append(dispOpts, dispatcher.WithMirror(mirror))
	}
	disp := dispatcher.New(quotes, wsHub, logger, dispOpts...)

	supCfg := upstream.SupervisorConfig{
		Backoff:          cfg.Relay.Backoff,
		AuthBackoff:      cfg.Relay.AuthBackoff,
		AuthBackoffMax:   cfg.Relay.AuthBackoffMax,
		MaxAuthFailures:  cfg.Relay.MaxAuthFailures,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
	}
	for _, name := range cfg.Relay.Providers {
		adapter, err := newAdapter(name, cfg)
		if err != nil {
			logger.Fatal("Invalid provider", zap.Error(err))
		}
		group.Add(upstream.NewSupervisor(adapter, wsHub, disp, supCfg, logger))
	}

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { disp.Run(ctx) })
	run(func() { group.Run(ctx) })
	if mirror != nil {
		run(func() { mirror.Run(ctx) })
	}

	handler := api.NewHandler(quotes, group, wsHub)
	router := api.NewRouter(handler, gateway.ServeWS(wsHub, logger, cfg.Gateway.SendBuffer), cfg.Gateway.RequestTimeout, logger)
	srv := &http.Server{Addr: cfg.App.Port, Handler: router}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port), zap.Strings("providers", cfg.Relay.Providers))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	// Shutdown does not touch hijacked websocket connections.
	wsHub.Close()

	wg.Wait()
	if onDemand != nil {
		onDemand.Wait()
	}
	if mirror != nil {
		mirror.Close()
	}
	logger.Info("Shutdown Complete")
}

func newAdapter(name string, cfg *config.Config) (upstream.Adapter, error) {
	switch name {
	case "finnhub":
		return upstream.NewFinnhub(cfg.Finnhub.WSURL, cfg.Finnhub.Token), nil
	case "alpaca":
		return upstream.NewAlpaca(cfg.Alpaca.WSURL, cfg.Alpaca.Key, cfg.Alpaca.Secret), nil
	case "kafka":
		return upstream.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID), nil
	case "amqp":
		return upstream.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange), nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
