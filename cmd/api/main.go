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

	"quran-academy/internal/auth"
	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/config"
	"quran-academy/internal/gateway"
	"quran-academy/internal/httpapi"
	"quran-academy/internal/notify"
	"quran-academy/internal/provisioning"
	"quran-academy/internal/realtime"
	"quran-academy/internal/reporting"
	"quran-academy/internal/video"
	"quran-academy/pkg/logger"
	"quran-academy/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if !cfg.VideoConfigured() {
		log.Warn("VIDEO_API_KEY not set; call provisioning will fail until configured")
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Call core
	store := classes.NewPostgresStore(db)
	listCache := classes.NewListCache(rdb, store, 0)
	callLog := calllog.NewService(calllog.NewPostgresRepo(db))
	feed := realtime.NewRedisFeed(rdb, log)
	notifier := notify.NewNotifier(feed, notify.NewPostgresRepo(db), store, log)
	publishing := notify.NewPublishingStore(store, notifier)

	rooms := video.NewDailyProvider(cfg.Video.APIKey, cfg.Video.APIURL, &http.Client{Timeout: 10 * time.Second})
	provisioner := provisioning.NewService(
		rooms,
		publishing,
		callLog,
		notifier,
		provisioning.NewRedisLocker(rdb, 15*time.Second),
		log,
		provisioning.Options{
			DefaultDuration: cfg.Calls.DefaultDuration,
			ExpiryBuffer:    cfg.Calls.RoomExpiryBuffer,
		},
	)

	ws := gateway.NewHandler(gateway.Deps{
		Feed:           feed,
		Store:          publishing,
		Events:         callLog,
		Cache:          listCache,
		RingTimeout:    cfg.Calls.RingTimeout,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, gateway.NewRegistry())

	api := httpapi.Handlers{
		Provisioner: provisioner,
		Store:       store,
		CallLog:     callLog,
		Reports:     reporting.NewService(callLog),
		Classes:     listCache,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	checks := map[string]httpapi.Check{
		"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	registerRoutes(r, authManager, api, ws, checks)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Shutdown does not track hijacked websocket connections; they end with the process.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	log.Info("shutdown complete", "open_sockets", ws.Registry().Count())
}
