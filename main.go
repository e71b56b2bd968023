package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salesiq/internal/api"
	"salesiq/internal/auth"
	"salesiq/internal/broadcast"
	"salesiq/internal/chat"
	"salesiq/internal/commands"
	"salesiq/internal/config"
	"salesiq/internal/http"
	"salesiq/internal/notify"
	"salesiq/internal/presence"
	"salesiq/internal/registry"
	"salesiq/internal/storage"
	"salesiq/internal/visitors"
	"salesiq/internal/ws"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("salesiq", flag.ContinueOnError)
	issueToken := flags.String("issue-token", "", "Issue an agent token for agent@companyId through the admin API of a running server")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg, os.Stdout)
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	secret := cfg.AuthSecret
	if secret == "" {
		// Anonymous mode without a secret: tokens only live as long as the process.
		logger.Warn("AUTH_SECRET is not set, issued tokens will not survive a restart")
		secret = uuid.NewString()
	}
	authConfig := auth.Config{
		Secret:         base64.StdEncoding.EncodeToString([]byte(secret)),
		TokenExpiry:    cfg.TokenExpiry,
		AllowAnonymous: cfg.AllowAnonymous,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	g, gCtx := errgroup.WithContext(ctx)

	authService, err := auth.NewAuthService(gCtx, authConfig)
	if err != nil {
		return err
	}

	events := broadcast.New(broadcast.Config{
		OutboxSize: cfg.OutboxSize,
		Logger:     logger.With("component", "broadcast"),
	})
	visitorService := visitors.New(gCtx, visitors.Config{
		Store:    bbStorage,
		CacheTTL: cfg.VisitorCacheTTL,
		Logger:   logger.With("component", "visitors"),
	})
	reg := registry.New(registry.Config{
		Resolver: visitorService,
		Rooms:    events,
		Logger:   logger.With("component", "registry"),
	})
	tracker := presence.New(presence.Config{
		Sessions:          reg,
		Events:            events,
		Visitors:          visitorService,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
		IdleAfter:         cfg.IdleAfter,
		SweepInterval:     cfg.PresenceSweepInterval,
		Logger:            logger.With("component", "presence"),
	})
	notifier := notify.New(notify.Config{
		Store:      bbStorage,
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubject,
		BaseURL:    cfg.BaseURL,
		Logger:     logger.With("component", "notify"),
	})
	router := chat.New(chat.Config{
		Store:         bbStorage,
		Events:        events,
		Activity:      reg,
		Notifier:      notifier,
		IdleTimeout:   cfg.ChatIdleTimeout,
		SweepInterval: cfg.ChatSweepInterval,
		Logger:        logger.With("component", "chat"),
	})
	if err := router.Restore(); err != nil {
		return fmt.Errorf("restore open chats: %w", err)
	}

	hub := ws.NewHub(ws.HubConfig{
		Sessions:    reg,
		Presence:    tracker,
		Router:      router,
		Leads:       visitorService,
		Events:      events,
		SendTimeout: cfg.SendTimeout,
		Logger:      logger.With("component", "ws"),
	})
	realtime := ws.NewServer(authService, hub, cfg.AllowedOrigins, logger.With("component", "ws"))
	handlers := api.New(api.Config{
		Auth:        authService,
		Chats:       router,
		Visitors:    visitorService,
		Online:      reg,
		Push:        notifier,
		Events:      events,
		SendTimeout: cfg.SendTimeout,
		Logger:      logger.With("component", "api"),
	})

	adminServer := http.NewAdminServer(authService, cfg.AdminAddr, logger)
	apiServer := http.NewAPIServer(gCtx, handlers, realtime, cfg.APIAddr, logger)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error { return tracker.Run(gCtx) })
	g.Go(func() error { return router.Run(gCtx) })
	g.Go(func() error { return notifier.Run(gCtx) })

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}
