// Package main initializes and starts the my-passwords HTTP server,
// setting up configuration, logging, storage, services, handlers and
// background jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/config"
	"github.com/kirill-eremin-production/my-passwords/internal/db"
	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
	"github.com/kirill-eremin-production/my-passwords/internal/logger"
	"github.com/kirill-eremin-production/my-passwords/internal/middleware"
	"github.com/kirill-eremin-production/my-passwords/internal/notify"
	"github.com/kirill-eremin-production/my-passwords/internal/repository"
	"github.com/kirill-eremin-production/my-passwords/internal/server/handler/http"
	"github.com/kirill-eremin-production/my-passwords/internal/service"
	"github.com/kirill-eremin-production/my-passwords/internal/webauthn"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// orDefault returns v, or def when v is empty. It mirrors cmp.Or, which
// requires Go 1.22.
func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

type notifier interface {
	service.CodeSender
	service.BackupSender
}

func main() {
	// Parse command-line, config file and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", orDefault(version, "N/A"))
	fmt.Printf("Build date: %s\n", orDefault(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	if err := options.KeyProblem(); err != nil {
		if options.IsProduction() {
			zapLogger.Fatal("refusing to start with a weak encryption key", zap.Error(err))
		}
		zapLogger.Warn("weak encryption key, set FILE_ENCRYPTION_KEY before deploying", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the record backend.
	backend, err := repository.Open(options)
	if err != nil {
		zapLogger.Fatal("cannot open store", zap.String("backend", options.StoreBackend), zap.Error(err))
	}
	defer backend.Close()

	if backend.DB != nil {
		db.StartBackupPruner(ctx, backend.DB,
			time.Hour,                     // interval
			options.BackupRetention.Std(), // retention
			zapLogger,
		)
	}

	store := encstore.New(options.EncryptionKey, backend,
		encstore.WithIterations(options.KDFIterations),
		encstore.WithLogger(zapLogger),
	)

	// Upgrade legacy records before serving.
	for _, key := range repository.Keys {
		migrated, err := store.Migrate(ctx, key)
		if err != nil {
			zapLogger.Fatal("cannot migrate record", zap.String("key", key), zap.Error(err))
		}
		if migrated {
			zapLogger.Info("record migrated", zap.String("key", key))
		}
	}

	var sender notifier = notify.NewDisabled(zapLogger, options.RevealCodes)
	if options.TelegramEnabled() {
		sender = notify.NewTelegram(options.TelegramToken, options.TelegramChatID, zapLogger)
	}

	// Initialize business-logic services.
	sessionService := service.NewSessionService(
		repository.NewSessionRepository(store), sender, zapLogger,
		service.WithSessionTTL(options.SessionTTL.Std()),
	)

	var vaultOpts []service.VaultOption
	if options.TelegramBackup && !options.IsProduction() {
		vaultOpts = append(vaultOpts, service.WithBackupSender(sender))
	}
	vaultService := service.NewVaultService(repository.NewVaultRepository(store), zapLogger, vaultOpts...)

	protocol := webauthn.New(webauthn.Config{
		RPID:                    options.RPID,
		Origins:                 options.ExpectedOrigins(),
		ChallengeTTL:            options.ChallengeTTL.Std(),
		RequireUserVerification: options.RequireUserVerification,
	}, repository.NewBiometricRepository(store), sessionService, zapLogger)

	service.StartExpirySweeper(ctx, options.SweepInterval.Std(), zapLogger, sessionService, protocol)

	// Create HTTP handlers.
	cookies := middleware.Cookies{Secure: options.IsProduction()}
	codeWindow := 15 * time.Minute
	limits := http.Limiters{
		Code:      middleware.NewRateLimiter(codeWindow/time.Duration(options.CodeAttempts), options.CodeAttempts),
		Auth:      middleware.NewRateLimiter(codeWindow/time.Duration(2*options.CodeAttempts), 2*options.CodeAttempts),
		Biometric: middleware.NewRateLimiter(time.Minute/time.Duration(options.BiometricAttempts), options.BiometricAttempts),
	}
	for _, l := range []*middleware.RateLimiter{limits.Code, limits.Auth, limits.Biometric} {
		l.StartEviction(ctx, time.Minute, zapLogger)
	}

	// Build the router with middleware and routes.
	router := http.NewRouter(http.Handlers{
		Session:   &http.SessionHandler{SessionService: sessionService, Cookies: cookies, Log: zapLogger},
		Biometric: &http.BiometricHandler{Protocol: protocol, Cookies: cookies, Log: zapLogger},
		Vault:     &http.VaultHandler{VaultService: vaultService, Log: zapLogger},
	}, middleware.NewSessions(sessionService, cookies, zapLogger), limits, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTP server",
		zap.String("addr", options.Address),
		zap.String("backend", options.StoreBackend),
		zap.String("rp_id", options.RPID),
		zap.String("rp_name", options.RPName),
		zap.Strings("origins", options.ExpectedOrigins()),
		zap.Bool("telegram", options.TelegramEnabled()),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
