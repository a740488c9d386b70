package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mosquitone/setlist-studio-sub001/assets"
	"github.com/mosquitone/setlist-studio-sub001/internal"
	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	authdb "github.com/mosquitone/setlist-studio-sub001/internal/auth/db"
	"github.com/mosquitone/setlist-studio-sub001/internal/db"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/email/postmark"
	"github.com/mosquitone/setlist-studio-sub001/internal/email/view"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
	"github.com/mosquitone/setlist-studio-sub001/internal/migrate"
	"github.com/mosquitone/setlist-studio-sub001/internal/session"
	"github.com/mosquitone/setlist-studio-sub001/internal/threat"
	"github.com/mosquitone/setlist-studio-sub001/internal/web"
	"github.com/mosquitone/setlist-studio-sub001/migrations"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stderr))
}

func run(ctx context.Context, w io.Writer) int {
	logger := slog.New(slog.NewTextHandler(w, nil))

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("failed to get config from environment", "error", err)
		return 1
	}

	if cfg.db.migrate {
		if err := migrateDB(ctx, logger, cfg.db.file); err != nil {
			logger.Error("failed to migrate database", "error", err)
			return 1
		}
	}

	sqlDB, err := db.OpenSQLite(cfg.db.file, true)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	encryptor, err := krypto.NewEncryptor(cfg.db.encryptionKeys)
	if err != nil {
		logger.Error("failed to create encryptor", "error", err)
		return 1
	}

	store := authdb.New(sqlDB, encryptor, cfg.db.blindIndexKey)

	var sender email.Sender
	switch cfg.email.driver {
	case "postmark":
		sender = postmark.NewSender(&http.Client{Timeout: time.Second * 10}, cfg.email.postmark)
	default:
		sender = email.NewLogSender(logger)
	}

	emailSvc := email.NewService(view.NewFSRenderer(assets.EmailFS), sender, cfg.email.from)

	authSvc, err := auth.NewService(store, emailSvc, func(err error) {
		logger.Error("auth worker failed", "error", err)
	}, cfg.auth.service)
	if err != nil {
		logger.Error("failed to create auth service", "error", err)
		return 1
	}

	codec, err := session.NewCodec(cfg.session.secret, cfg.session.ttl)
	if err != nil {
		logger.Error("failed to create session codec", "error", err)
		return 1
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.threat.redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.http.addr,
		ReadTimeout:  cfg.http.readTimeout,
		WriteTimeout: cfg.http.writeTimeout,
		IdleTimeout:  cfg.http.idleTimeout,
		Handler: web.NewServer(&web.ServerDeps{
			Logger:         logger,
			AuthService:    authSvc,
			Sessions:       session.NewCookieManager(codec, cfg.http.secureCookie),
			Analyzer:       threat.NewAnalyzer(authSvc, cfg.threat.analyzeWindow, cfg.threat.cacheSize, cfg.threat.cacheTTL),
			LoginLimiter:   threat.NewLimiter(redisClient, "login", cfg.threat.loginMax, cfg.threat.loginWindow),
			ResendCooldown: threat.NewCooldown(redisClient, "resend", cfg.threat.resendBase, cfg.threat.resendMax, cfg.threat.resendReset),
		}, web.ServerConfig{
			SecureCookie: cfg.http.secureCookie,
			IPSalt:       cfg.http.ipSalt,
		}),
	}

	// We need to run three tasks concurrently:
	// - Listen and serving of the HTTP server.
	// - Periodically sweeping expired tokens and old ledger entries.
	// - Waiting for a signal to stop the server.

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server",
			"addr", cfg.http.addr,
			"buildRevision", internal.BuildRevision,
			"buildRevisionTime", internal.BuildRevisionTime,
			"buildLocalModified", internal.BuildLocalModified,
		)
		// ListenAndServe always returns a non-nil error,
		// g will cancel gCtx when an error is returned, so
		// this will also stop the other goroutines.
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.auth.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				res, err := authSvc.SweepExpired(gCtx)
				if err != nil {
					logger.Error("failed to sweep expired data", "error", err)
					continue
				}

				logger.Info("swept expired data",
					"tokensRemoved", res.TokensRemoved,
					"ledgerEntriesRemoved", res.LedgerEntriesRemoved,
				)
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping http server")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.http.shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutCtx)

		// Let in-flight worker goroutines finish before we return.
		authSvc.Wait()

		return err
	})

	err = g.Wait()
	if err != nil && err != http.ErrServerClosed {
		logger.Error("http server stopped with error", "error", err)
		return 1
	}

	logger.Info("http server stopped successfully")

	return 0
}

// migrateDB brings the database schema up to date.
func migrateDB(ctx context.Context, logger *slog.Logger, dbFile string) error {
	logger.Info("attempting to migrate database", "dbFile", dbFile)

	sqlDB, err := db.OpenSQLite(dbFile, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error("failed to close migration database", "error", err)
		}
	}()

	meta := migrate.Metadata{
		AppVersion: internal.BuildRevision,
		Timestamp:  internal.BuildRevisionTime,
	}

	ran, err := migrate.RunFS(ctx, sqlDB, migrations.FS, meta)
	if err != nil {
		return err
	}

	for _, m := range ran {
		logger.Info("migration ran", "sequence", m.Sequence, "filename", m.Filename)
	}

	return nil
}
