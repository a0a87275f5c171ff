package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/api"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/broadcast"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/bus"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/cache"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/config"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/engine"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/logging"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search ./config and .)")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logFile, err := logging.Setup(log.StandardLogger(), cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg); err != nil {
		log.Errorf("Insight engine exited with error: %v", err)
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
	log.Info("Insight engine exited")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := metrics.New()

	db, err := store.Open(ctx, store.Config{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Postgres.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
	}
	log.Info("Connected to PostgreSQL")

	hub := broadcast.NewHub()
	sinks := broadcast.Multi{hub}

	cacheCfg := cache.Config{RecentLength: cfg.Redis.RecentLength, TTL: cfg.Redis.TTL}
	var recent cache.Store
	if cfg.Redis.Enabled {
		redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Config:   cacheCfg,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			log.Warnf("Redis unavailable, using in-process cache and websocket-only broadcast: %v", err)
		} else {
			recent = redisStore
			sinks = append(sinks, broadcast.NewRedisSink(redisStore.Client()))
		}
	}
	if recent == nil {
		recent = cache.NewMemoryStore(cacheCfg)
	}
	defer recent.Close()

	busCfg := bus.Config{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: cfg.Kafka.MinBytes,
		MaxBytes: cfg.Kafka.MaxBytes,
		MaxWait:  cfg.Kafka.MaxWait,
	}
	readers := bus.NewReaders(busCfg, cfg.Kafka.Topics)
	sources := make([]bus.Source, 0, len(readers))
	for _, r := range readers {
		sources = append(sources, r)
	}
	writer := bus.NewWriter(busCfg)

	eng, err := engine.New(cfg, engine.Deps{
		Sources:     sources,
		DeadLetters: writer,
		Documents:   store.NewDocumentStore(db),
		Rollups:     store.NewRollupStore(db),
		Cache:       recent,
		Sink:        sinks,
		Stats:       stats,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewHandler(eng, http.HandlerFunc(hub.ServeWS), stats.Handler()).Router(),
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	err = serve(ctx, server, eng.Run, cfg.HTTP.ShutdownTimeout)

	// the engine has drained by now; close consumers before the producer
	for _, r := range readers {
		if cerr := r.Close(); cerr != nil {
			log.Warnf("Failed to close Kafka reader %s: %v", r.Config().Topic, cerr)
		}
	}
	if cerr := writer.Close(); cerr != nil {
		log.Warnf("Failed to close Kafka writer: %v", cerr)
	}
	stopHub()
	return err
}

// serve runs the HTTP server next to the engine. Either one stopping, with
// or without an error, shuts the other down.
func serve(ctx context.Context, server *http.Server, run func(context.Context) error, shutdownTimeout time.Duration) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		log.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer stop()
		return run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down insight engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
