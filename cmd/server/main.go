// Package main runs the academy sync daemon: the local control API, the event stream and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yourdreams-academy/academy-sync/config"
	"github.com/yourdreams-academy/academy-sync/internal/api"
	"github.com/yourdreams-academy/academy-sync/internal/auth"
	"github.com/yourdreams-academy/academy-sync/internal/autosave"
	"github.com/yourdreams-academy/academy-sync/internal/bridge"
	"github.com/yourdreams-academy/academy-sync/internal/eventbus"
	"github.com/yourdreams-academy/academy-sync/internal/guest"
	"github.com/yourdreams-academy/academy-sync/internal/lessons"
	"github.com/yourdreams-academy/academy-sync/internal/metrics"
	"github.com/yourdreams-academy/academy-sync/internal/middleware"
	"github.com/yourdreams-academy/academy-sync/internal/progress"
	"github.com/yourdreams-academy/academy-sync/internal/realtime"
	"github.com/yourdreams-academy/academy-sync/pkg/clock"
	"github.com/yourdreams-academy/academy-sync/pkg/redis"
	"github.com/yourdreams-academy/academy-sync/pkg/response"
	"github.com/yourdreams-academy/academy-sync/pkg/storage"
)

const daemonOwner = "sync-daemon"

// watcherTokens lets the API client read the token of a watcher created after it.
type watcherTokens struct{ w *auth.Watcher }

func (t *watcherTokens) AccessToken() string {
	if t.w == nil {
		return ""
	}
	return t.w.AccessToken()
}

// hubNavigator asks the UI shell to navigate through a broadcast.
type hubNavigator struct{ hub *realtime.Hub }

func (n hubNavigator) Navigate(path string) {
	n.hub.Broadcast("navigate", gin.H{"path": path})
}

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Server.LogLevel != "" {
		logger = newLogger(cfg.Server.LogLevel)
	}
	defer logger.Sync()

	ctx := context.Background()
	clk := clock.Real()
	m := metrics.New()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
	}

	var store storage.Store
	switch cfg.Storage.Driver {
	case "redis":
		if rdb == nil {
			logger.Fatal("storage driver redis needs REDIS_ENABLED=true")
		}
		store = storage.NewRedis(rdb.Client, cfg.Storage.Namespace, logger)
	default:
		store = storage.NewMemory()
		logger.Warn("using in-memory storage; state will not survive a restart")
	}

	var hub *realtime.Hub
	if rdb != nil {
		pubsub := realtime.NewRedisPubSub(rdb.Client, cfg.Storage.Namespace, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		hub = realtime.NewHub(logger, nil, nil)
	}

	bus := eventbus.New(eventbus.Options{
		BufferSize:  cfg.Events.BufferSize,
		MaxAge:      cfg.Events.BufferMaxAge,
		ReplayDelay: cfg.Events.ReplayDelay,
		Clock:       clk,
		Broadcaster: hub,
		Metrics:     m,
	}, logger.Named("eventbus"))
	poller := eventbus.NewPoller(bus, cfg.Events.PollInterval, clk, m, logger.Named("poller"))

	tokens := &watcherTokens{}
	client := api.NewClient(api.Config{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.RequestTimeout}, tokens, m, logger.Named("api"))

	guests := guest.NewManager(guest.Deps{
		API:         client,
		Store:       store,
		Clock:       clk,
		Broadcaster: hub,
		Navigator:   hubNavigator{hub: hub},
		Metrics:     m,
	}, guest.Config{
		DefaultDuration:   cfg.Guest.DefaultDuration,
		WarningThresholds: cfg.Guest.WarningThresholds,
		GracePeriod:       cfg.Guest.GracePeriod,
		SignupPath:        cfg.Guest.SignupPath,
		StartTimeout:      cfg.API.RequestTimeout,
		ValidateTimeout:   cfg.API.ValidateTimeout,
	}, logger.Named("guest"))

	tracker := progress.NewTracker(store, bus, client, clk, m, logger.Named("progress"))
	saver := autosave.New(client, autosave.Config{
		Delay:       cfg.Lessons.AutosaveDelay,
		MaxAttempts: cfg.Lessons.AutosaveMaxAttempts,
		Backoff:     cfg.Lessons.AutosaveBackoff,
		Clock:       clk,
	}, m, logger.Named("autosave"))
	lessonStore, err := lessons.NewStore(lessons.Deps{
		API:      client,
		Progress: tracker,
		Emitter:  bus,
		Storage:  store,
		Guest:    guests,
		Saver:    saver,
		Clock:    clk,
		Metrics:  m,
	}, lessons.Config{
		RefreshMinInterval: cfg.Lessons.RefreshMinInterval,
		CourseCacheSize:    cfg.Lessons.CourseCacheSize,
		VideoThrottle:      cfg.Lessons.VideoThrottle,
	}, logger.Named("lessons"))
	if err != nil {
		logger.Fatal("lesson store", zap.Error(err))
	}

	watcher := auth.NewWatcher(guests, store, hub, clk, logger.Named("auth"))
	tokens.w = watcher
	guests.SetIdentity(watcher)

	guests.OnEnd(lessonStore.Reset)
	guests.OnEnd(saver.Reset)
	watcher.OnReset(tracker.Reset)
	watcher.OnReset(func(context.Context) error {
		lessonStore.Reset()
		saver.Reset()
		return nil
	})

	// Refresh requests are served off the dispatcher so a slow API never stalls delivery.
	_, err = bus.Subscribe([]eventbus.Type{eventbus.ForceRefresh}, func(ev eventbus.Event) {
		code := ev.Payload.CourseCode
		if code == "" {
			code = lessonStore.CurrentCourse()
		}
		if code == "" {
			return
		}
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), cfg.API.RequestTimeout)
			defer cancel()
			if res := tracker.RefreshCourse(refreshCtx, code); !res.Success {
				logger.Debug("progress refresh failed", zap.String("course_code", code), zap.Error(res.Err))
			}
			if code == lessonStore.CurrentCourse() {
				lessonStore.Refresh(refreshCtx, false)
			}
		}()
	}, daemonOwner, eventbus.Persistent())
	if err != nil {
		logger.Fatal("force refresh subscription", zap.Error(err))
	}

	if _, err := watcher.Restore(ctx); err != nil {
		logger.Warn("restore identity", zap.Error(err))
	}
	if err := tracker.Init(ctx); err != nil {
		logger.Warn("restore progress", zap.Error(err))
	}
	if !watcher.IsAuthenticated() {
		if restored, err := guests.Restore(ctx); err != nil {
			logger.Warn("restore guest session", zap.Error(err))
		} else if restored {
			guests.Recover(ctx)
		}
	}
	poller.Start()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":      "ok",
			"guest_mode":  guests.IsGuestMode(),
			"subscribers": bus.SubscriberCount(),
			"ws_clients":  hub.ClientCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	protected := router.Group("")
	protected.Use(middleware.ControlToken(cfg.Server.ControlToken))
	protected.GET("/ws", realtime.ServeWs(hub, logger.Named("ws")))
	bridge.NewHandler(bridge.Services{
		Guest:    guests,
		Progress: tracker,
		Lessons:  lessonStore,
		Auth:     watcher,
		Bus:      bus,
		Saver:    saver,
	}, logger.Named("bridge")).Register(protected.Group("/api/v1"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	poller.Stop()
	guests.Close()
	saver.Close()
	bus.Close()
	hub.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
