package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/auth"
	"github.com/habemus/habemus-workspace-server/internal/config"
	"github.com/habemus/habemus-workspace-server/internal/connection"
	"github.com/habemus/habemus-workspace-server/internal/db"
	"github.com/habemus/habemus-workspace-server/internal/events"
	"github.com/habemus/habemus-workspace-server/internal/ratelimit"
	"github.com/habemus/habemus-workspace-server/internal/room"
	"github.com/habemus/habemus-workspace-server/internal/server"
	"github.com/habemus/habemus-workspace-server/internal/services"
	"github.com/habemus/habemus-workspace-server/internal/store"
	"github.com/habemus/habemus-workspace-server/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conns, err := db.Connect(ctx, cfg.DatabaseURL, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logrus.Fatalf("failed to connect databases: %v", err)
	}
	defer conns.Close()

	workspaceStore := store.New(conns.Postgres)
	if err := workspaceStore.EnsureSchema(ctx); err != nil {
		logrus.Fatalf("failed to ensure schema: %v", err)
	}

	root, err := workspace.NewRoot(cfg.WorkspacesRoot)
	if err != nil {
		logrus.Fatalf("failed to set up workspaces root: %v", err)
	}

	var s3 *minio.Client
	if cfg.S3Endpoint != "" {
		s3, err = minio.New(cfg.S3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
			Secure: cfg.S3UseSSL,
		})
		if err != nil {
			logrus.Fatalf("failed to set up s3 client: %v", err)
		}
	}

	accounts := services.NewHAccount(cfg.HAccountURI, cfg.HAccountToken)
	projects := services.NewHProject(cfg.HProjectURI, cfg.HProjectToken)

	loader := workspace.NewLoader(projects, workspaceStore, root, s3)
	setup := workspace.NewSetupManager(workspaceStore, loader)

	bus := events.NewRedisBus(conns.Redis)
	defer bus.Close()

	manager, err := room.NewManager(ctx, root, bus)
	if err != nil {
		logrus.Fatalf("failed to start room manager: %v", err)
	}

	controller := auth.NewController(accounts, projects, setup, workspaceStore, manager)
	gate := connection.NewGate(controller, cfg.AuthTimeout)
	limiter := ratelimit.NewLimiter(conns.Redis, cfg.ConnRateLimit, time.Minute)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.New(ctx, gate, limiter).Handler(),
	}

	go func() {
		logrus.Infof("workspace server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down workspace server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("server forced to shutdown: %v", err)
	}
}
