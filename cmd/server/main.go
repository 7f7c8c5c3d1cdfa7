package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yangnaru/oeee-cafe-sub000/internal/blob"
	"github.com/yangnaru/oeee-cafe-sub000/internal/cache"
	"github.com/yangnaru/oeee-cafe-sub000/internal/config"
	"github.com/yangnaru/oeee-cafe-sub000/internal/db"
	"github.com/yangnaru/oeee-cafe-sub000/internal/history"
	"github.com/yangnaru/oeee-cafe-sub000/internal/janitor"
	clog "github.com/yangnaru/oeee-cafe-sub000/internal/log"
	"github.com/yangnaru/oeee-cafe-sub000/internal/presence"
	"github.com/yangnaru/oeee-cafe-sub000/internal/pubsub"
	"github.com/yangnaru/oeee-cafe-sub000/internal/server"
	"github.com/yangnaru/oeee-cafe-sub000/internal/service"
	"github.com/yangnaru/oeee-cafe-sub000/internal/snapshot"
	"github.com/yangnaru/oeee-cafe-sub000/internal/ws"
)

func main() {
	// main 负责装配:配置、日志、存储、协作组件,最后带优雅停机地跑 HTTP。
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	clog.Init(cfg.Env, cfg.ReplicaID)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb, err := cache.Connect(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := blob.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("object store")
	}

	sessions := service.NewSessionService(gdb, store)
	users := service.NewUserService(gdb, cfg)
	registry := presence.NewRegistry(rdb)
	hist := history.NewStore(rdb)
	pub := pubsub.NewPublisher(rdb)
	sub := pubsub.NewSubscriber(rdb)
	snap := snapshot.NewController(rdb, hist, pub)
	hub := ws.NewHub(sub)
	gw := ws.NewGateway(cfg, gdb, rdb, hub, sessions, hist, registry, pub, snap)
	h := server.NewHandler(cfg, users, sessions, registry)

	jan := janitor.New(rdb, sessions, hist, registry, pub)
	go jan.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(cfg, gdb, h, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("replica", cfg.ReplicaID).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	hub.Shutdown()
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("redis close")
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}
