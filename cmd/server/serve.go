package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fuomag9/linkrelay/internal/api"
	"github.com/fuomag9/linkrelay/internal/bot"
	"github.com/fuomag9/linkrelay/internal/codes"
	"github.com/fuomag9/linkrelay/internal/jobs"
	"github.com/fuomag9/linkrelay/internal/linking"
	"github.com/fuomag9/linkrelay/internal/notification"
	"github.com/fuomag9/linkrelay/internal/oauth"
	"github.com/fuomag9/linkrelay/internal/relay"
	"github.com/fuomag9/linkrelay/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the Telegram bot and the code reaper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := codes.NewRegistry(st)

	// Admin event feed
	secret := linking.NewSecret(cfg.LinkSecret)
	hub := websocket.NewHub(secret.Verify, cfg.CORSOrigins, logger)
	go hub.Run(ctx)

	// Telegram is optional so the confirm API can run on its own
	var telegram notification.Notifier
	if cfg.Telegram.BotToken != "" {
		telegram, err = notification.New("telegram", map[string]string{
			"bot_token": cfg.Telegram.BotToken,
			"api_url":   cfg.Telegram.APIURL,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN is not set; bot and chat notifications are disabled")
	}

	svc := linking.NewService(registry, st, linking.Options{
		Secret:           cfg.LinkSecret,
		CodeTTL:          cfg.LinkCodeTTL,
		DefaultAccessTTL: cfg.DefaultAccessTTL,
		Notifier:         notification.NewBestEffort(telegram, logger),
		Events:           hub,
		Logger:           logger.Named("linking"),
	})

	refresher := oauth.NewRefresher(cfg.AuthBaseURL,
		oauth.WithHTTPClient(&http.Client{Timeout: cfg.RefreshTimeout}),
		oauth.WithDefaultTTL(cfg.DefaultAccessTTL),
	)
	dispatcher := relay.NewDispatcher(cfg.MainBaseURL, st, refresher, cfg.RelayTimeout, logger.Named("relay"))

	confirmLimiter := api.PerMinute(cfg.ConfirmRatePerMinute)

	scheduler := jobs.NewScheduler(cfg.ReaperSchedule, registry, logger.Named("jobs"))
	scheduler.AddPruner(confirmLimiter)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	var wg sync.WaitGroup
	if telegram != nil {
		b := bot.New(bot.Options{
			Updates:     bot.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIURL, cfg.Telegram.PollTimeout),
			Sender:      telegram,
			Linker:      svc,
			Relay:       dispatcher,
			Links:       st,
			PollTimeout: cfg.Telegram.PollTimeout,
			Logger:      logger.Named("bot"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Run(ctx)
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, svc, hub.HandleWebSocket, confirmLimiter, logger.Named("api")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	wg.Wait()
	hub.Wait()

	logger.Info("server exited")
	return nil
}
