package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/http/handlers"
	"portal/internal/http/router"
	"portal/internal/http/views"
	"portal/internal/logging"
	"portal/internal/security"
)

func main() {
	configPath := flag.String("config", envOr("PORTAL_CONFIG", config.DefaultPath), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	for _, warning := range cfg.InsecureDefaults() {
		logger.Warn("insecure default in use", "setting", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.Open(ctx, db.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	hasher, err := security.NewHasher(cfg.Password.Scheme, cfg.Password.BcryptCost)
	if err != nil {
		return err
	}

	if cfg.Bootstrap.Enabled {
		created, err := database.EnsureDefaultUser(ctx, cfg.Bootstrap.Email, cfg.Bootstrap.Password, hasher)
		if err != nil {
			return err
		}
		if created {
			logger.Info("default user created", "email", cfg.Bootstrap.Email)
		}
	}

	revoker, err := security.NewRevoker(cfg.Session.Revocation, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rr, ok := revoker.(*security.RedisRevoker); ok {
		defer rr.Close()
	}

	sessions, err := security.NewSessionManager(security.SessionOptions{
		CookieName:    cfg.Session.CookieName,
		SecretKey:     []byte(cfg.SecretKey),
		EncryptionKey: []byte(cfg.EncryptionKey),
		MaxAge:        cfg.Session.MaxAge,
		TokenTTL:      cfg.Session.TokenTTL,
		Secure:        cfg.SecureCookies(),
		Logger:        logger,
	}, revoker)
	if err != nil {
		return err
	}

	renderer, err := views.New()
	if err != nil {
		return err
	}

	r, err := router.Setup(router.Deps{
		Users:       database,
		Hasher:      hasher,
		Sessions:    sessions,
		Flashes:     security.NewFlashes([]byte(cfg.SecretKey), []byte(cfg.EncryptionKey), cfg.SecureCookies()),
		Views:       renderer,
		Logger:      logger,
		ServiceName: cfg.ServiceName,
		Bootstrap: handlers.Bootstrap{
			OnLoginRender: cfg.Bootstrap.OnLoginRender,
			Email:         cfg.Bootstrap.Email,
			Password:      cfg.Bootstrap.Password,
		},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "env", cfg.Environment, "db_driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
