package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskboard/internal/auth"
	"taskboard/internal/backend"
	"taskboard/internal/blob"
	"taskboard/internal/board"
	"taskboard/internal/config"
	"taskboard/internal/realtime"
	"taskboard/internal/server"
	"taskboard/internal/storage/sqlite"
)

func main() {
	configFlag := flag.String("config", "taskboard.yaml", "Path to YAML config file")
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbFlag := flag.String("db", "", "Path to sqlite database file (overrides config)")
	staticFlag := flag.String("static", "", "Directory with built frontend (overrides config)")
	seedFlag := flag.Bool("seed", false, "Create demo accounts and a sample project in an empty database")
	secureFlag := flag.Bool("secure-cookies", false, "Mark session cookies as HTTPS only")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("unable to load .env", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg, err := config.Load(*configFlag)
	if err != nil {
		slog.Error("unable to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *dbFlag != "" {
		cfg.DBPath = *dbFlag
	}
	if *staticFlag != "" {
		cfg.StaticDir = *staticFlag
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	logger.Info("Taskboard server", slog.String("addr", cfg.Addr), slog.String("db", cfg.DBPath))

	generated, err := cfg.Validate()
	if err != nil {
		logger.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if generated {
		logger.Warn("no auth secret configured; sessions will not survive a restart")
	}

	store, err := sqlite.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("unable to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	secret := []byte(cfg.Auth.Secret)
	bucket, err := blob.Open(cfg.Storage.Dir, cfg.Storage.Bucket, secret, cfg.PublicURL())
	if err != nil {
		logger.Error("unable to open storage bucket", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := realtime.NewHub(cfg.Board.EventBuffer, logger)
	client := backend.New(store, bucket, hub, cfg.Storage.SignedURLTTL, logger)
	boards := board.NewRegistry(client, hub, cfg.Board.RefreshDelay, logger)
	defer boards.Close()
	evictCtx, stopEvict := context.WithCancel(context.Background())
	defer stopEvict()
	go boards.EvictIdle(evictCtx, cfg.Board.IdleTTL)

	passwords := auth.NewPasswordManager(cfg.Auth.MinPasswordLength, cfg.Auth.BcryptCost)
	tokens := auth.NewTokenManager(secret, cfg.Auth.SessionTTL)

	if *seedFlag {
		accounts, err := client.Seed(context.Background(), passwords)
		if err != nil {
			logger.Error("seeding failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if len(accounts) == 0 {
			logger.Info("database already has users; seed skipped")
		}
		for _, a := range accounts {
			logger.Info("seed account", slog.String("email", a.Email), slog.String("password", a.Password), slog.String("role", a.Role))
		}
	}

	srv := server.New(server.Options{
		Client:        client,
		Boards:        boards,
		Passwords:     passwords,
		Tokens:        tokens,
		Logger:        logger,
		StaticDir:     cfg.StaticDir,
		SecureCookies: *secureFlag,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown server", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
