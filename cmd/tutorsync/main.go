package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tutorsync/internal/apiclient"
	"tutorsync/internal/config"
	"tutorsync/internal/database"
	"tutorsync/internal/engine"
	"tutorsync/internal/metrics"
	"tutorsync/internal/model"
	"tutorsync/internal/notify"
	"tutorsync/internal/store"
)

// syncView is what the daemon needs from either role's view.
type syncView interface {
	Start(ctx context.Context) error
	Close()
	Pause()
	Resume()
	IsPaused() bool
	SetIntervals(i engine.Intervals)
	Store() *store.Store
}

func main() {
	logger := newLogger("console", "info")

	path := config.Path()
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to load config")
	}
	logger = newLogger(cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	backup := database.NewBackupService(db, cfg.Backup, cfg.BackupInterval(), logger)
	go backup.Start(ctx)

	client, err := apiclient.New(apiclient.Config{
		BaseURL:            cfg.API.BaseURL,
		Origin:             cfg.API.Origin,
		LocalPort:          cfg.API.LocalPort,
		Token:              cfg.API.Token,
		Timeout:            cfg.APITimeout(),
		RequestsPerSecond:  cfg.API.RequestsPerSecond,
		Burst:              cfg.API.Burst,
		AvailabilityPrefix: cfg.API.AvailabilityPrefix,
		MessagingPrefix:    cfg.API.MessagingPrefix,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create api client error")
	}
	client.OnAuthRequired(func() {
		logger.Error().Msg("sign-in required, shutting down")
		stop()
	})

	var rdb *redis.Client
	if cfg.Redis.Address != "" && cfg.CacheTTL() > 0 {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		client.UseRedisCache(rdb, cfg.CacheTTL())
	}

	bus := notify.NewBus(logger)
	bus.Attach(notify.NewLogNotifier(logger))
	bus.Attach(db)
	if cfg.Telegram.BotToken != "" {
		bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken)
		if err != nil {
			logger.Error().Err(err).Msg("telegram disabled")
		} else {
			tg := notify.NewTelegramNotifier(bot, cfg.Telegram.ChatID, notify.DefaultRetryConfig(), logger)
			tg.Start(ctx)
			defer tg.Stop()
			bus.Attach(tg)
		}
	}

	identity, err := client.Me(ctx)
	if err != nil {
		logger.Fatal().Err(err).Str("reason", apiclient.UserMessage(err)).Msg("identity check failed")
	}
	if identity.Role != "" && identity.Role != cfg.Role {
		logger.Warn().Str("configured", cfg.Role).Str("reported", identity.Role).Msg("role mismatch")
	}
	logger.Info().Str("user", identity.ID).Str("name", identity.DisplayName).Str("role", cfg.Role).Msg("signed in")

	view, err := newView(cfg, engine.Options{
		Client:    client,
		Bus:       bus,
		Identity:  identity,
		Baselines: db,
		Intervals: intervals(cfg.Polling),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create view error")
	}

	if cfg.Export.Dir != "" {
		exporter := newExporter(cfg.Export.Dir, cfg.Role, view, logger)
		view.Store().OnCommit(exporter.trigger)
		go exporter.run(ctx)
	}

	if err := config.Watch(ctx, path, cfg.Polling.Watch(), func(next *config.Config) {
		view.SetIntervals(intervals(next.Polling))
	}); err != nil {
		logger.Warn().Err(err).Msg("config watch disabled")
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, db, rdb, view, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	if err := view.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start view error")
	}
	logger.Info().Msg("tutorsync started")

	<-ctx.Done()
	view.Close()

	if cfg.API.LogoutOnExit {
		ctxLogout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Logout(ctxLogout); err != nil {
			logger.Warn().Err(err).Msg("logout failed")
		}
		cancel()
	}
	logger.Info().Msg("tutorsync stopped")
}

func newLogger(format, level string) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if format == "json" {
		out = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func newView(cfg *config.Config, opts engine.Options) (syncView, error) {
	if cfg.Role == config.RoleTutor {
		return engine.NewTutorView(opts)
	}
	return engine.NewStudentView(opts)
}

func intervals(p config.PollingConfig) engine.Intervals {
	return engine.Intervals{
		Bookings:     p.Bookings(),
		Sessions:     p.Sessions(),
		Sidebar:      p.Sidebar(),
		Participants: p.Participants(),
	}
}

func startHealthServer(ctx context.Context, port int, db *database.DB, rdb *redis.Client, view syncView, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Visibility: a hidden UI pauses polling, a visible one resumes it.
	mux.HandleFunc("POST /pause", func(w http.ResponseWriter, _ *http.Request) {
		view.Pause()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /resume", func(w http.ResponseWriter, _ *http.Request) {
		view.Resume()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}
		list, err := db.RecentNotifications(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"paused": view.IsPaused(), "notifications": list})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

// sessionsOf reads the displayed sessions the export writes.
func sessionsOf(v syncView) []model.Session {
	list, _ := store.Get[[]model.Session](v.Store(), engine.ResourceSessions)
	return list
}
