// StormDAV Server
//
// Features:
// - WebDAV (RFC 4918) over multiple S3-compatible backends
// - Mount-point namespace with longest-prefix resolution
// - Streaming multipart uploads with retry and abort
// - Cross-storage copy/move via presigned URL piping
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/stormdav/stormdav/internal/api"
	"github.com/stormdav/stormdav/internal/auth"
	"github.com/stormdav/stormdav/internal/config"
	"github.com/stormdav/stormdav/internal/lock"
	"github.com/stormdav/stormdav/internal/logging"
	"github.com/stormdav/stormdav/internal/metrics"
	"github.com/stormdav/stormdav/internal/mount"
	"github.com/stormdav/stormdav/internal/retry"
	"github.com/stormdav/stormdav/internal/transfer"
	"github.com/stormdav/stormdav/internal/upload"
	"github.com/stormdav/stormdav/internal/vfs"
	"github.com/stormdav/stormdav/internal/webdav"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("StormDAV Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("davPrefix", cfg.DAVPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL holds the mount points and storage configs.
	logging.Info("connecting to PostgreSQL...")
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database open failed", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}

	mountStore := mount.NewSQLStore(db)

	// Driver cache with idle eviction.
	manager := mount.NewManager(mountStore, mount.NewDriver,
		mount.WithIdleTTL(cfg.DriverIdleTTL),
		mount.WithSweepWindow(cfg.DriverSweepWindow),
	)
	defer manager.Close()
	manager.Start(ctx)

	// Lock table with lazy expiry plus a background sweep.
	locks := lock.NewTable(
		lock.WithSweepWindow(cfg.LockSweepWindow),
		lock.WithTimeouts(cfg.LockDefaultTimeout, cfg.LockMaxTimeout),
	)
	locks.Start(ctx)

	// Upload engine and abandoned-session reaper.
	sessions := upload.NewSessionRegistry(cfg.UploadSessionTTL)
	sessions.Start(ctx)
	uploads := upload.New(cfg.UploadMode, retry.Config{
		MaxAttempts: cfg.UploadRetries,
		InitialWait: cfg.UploadRetryWait,
		MaxWait:     30 * time.Second,
		Multiplier:  2,
	}, sessions)

	// Cross-storage transfers stream GET bodies into PUTs.
	transfers := transfer.New(nil, cfg.TransferConcurrency)

	fs := vfs.New(mountStore, manager, transfers, nil, cfg.PresignDefaultExpiry)

	davHandler := webdav.NewHandler(fs, locks, uploads, cfg.DAVPrefix)
	restServer := api.NewServer(fs, manager, uploads)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle(cfg.DAVPrefix+"/", davHandler)
	mux.Handle(cfg.DAVPrefix, davHandler)
	restServer.Register(mux)

	handler := logging.Middleware(metrics.Middleware(auth.Middleware(mux)))

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logging.Info("shutting down...", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("http shutdown error", zap.Error(err))
		}
		metricsServer.Close()
		cancel()
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}
