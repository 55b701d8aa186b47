package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"realtime/internal/call"
	"realtime/internal/config"
	"realtime/internal/hub"
	"realtime/internal/observability/logging"
	"realtime/internal/observability/metrics"
	"realtime/internal/push"
	"realtime/internal/service"
	"realtime/internal/store"
	transport "realtime/internal/transport/ws"
	"realtime/internal/upload"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "realtime",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("realtime")

	logger.Info("starting service")

	cfg := config.Load()

	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	var dispatcher push.Dispatcher = push.Nop{}
	if cfg.FCMProjectID != "" && cfg.FCMPrivateKey != "" {
		fcm, err := push.NewFCM(push.FCMConfig{
			ProjectID:   cfg.FCMProjectID,
			ClientEmail: cfg.FCMClientEmail,
			PrivateKey:  cfg.FCMPrivateKey,
			TokenURL:    cfg.FCMTokenURL,
			Endpoint:    cfg.FCMEndpoint,
			APNSTopic:   cfg.APNSTopic,
		})
		if err != nil {
			logger.Error("fcm init", "error", err)
			os.Exit(1)
		}
		dispatcher = fcm
	} else {
		logger.Warn("push disabled, FCM credentials not configured")
	}

	h := hub.New()
	msgs := service.New(st, h)
	calls := call.NewCoordinator(h, st, dispatcher, call.Config{
		RingTimeout:    cfg.RingTimeout,
		StaleAfter:     cfg.StaleAfter,
		ReaperInterval: cfg.ReaperInterval,
	})
	calls.StartReaper()

	handler := transport.NewHandler(h, msgs, calls, upload.NewSink(cfg.UploadDir))
	router := transport.NewRouter(handler, cfg.UploadDir, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	calls.Stop()
	h.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
