package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wizicer/aichat/internal/config"
	"github.com/wizicer/aichat/internal/conversation"
	"github.com/wizicer/aichat/internal/crypto"
	"github.com/wizicer/aichat/internal/debugtrace"
	"github.com/wizicer/aichat/internal/metrics"
	"github.com/wizicer/aichat/internal/prompt"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/telegram"
	"github.com/wizicer/aichat/internal/usage"
	"github.com/wizicer/aichat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("aichat stopped with error")
	}
	log.Info().Msg("stopped")
}

// app holds the long-lived dependencies shared by the ingress and worker roles.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	redis    *redis.Client
	bot      *gotgbot.Bot
	settings *settings.Service
	ledger   *usage.Ledger
	recorder *debugtrace.Recorder
	jobs     *queue.StreamQueue
	inflight *queue.InFlight
	metrics  *metrics.Metrics
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting aichat")

	a, cleanup, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 4)
	runWorker := cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll
	polling := cfg.DevPolling && cfg.AppMode != config.ModeWorker
	webhook := !polling && (cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll)

	var updater *ext.Updater
	var hook http.HandlerFunc
	var hookRoute string
	if polling || webhook {
		updater = a.newUpdater(runWorker)
		if polling {
			if err := a.startPolling(updater); err != nil {
				return err
			}
		} else {
			hookRoute, hook, err = a.startWebhook(updater)
			if err != nil {
				return err
			}
		}
	}

	srv := a.httpServer(hookRoute, hook)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if runWorker {
		w := a.newWorker()
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	return runErr
}

func newApp(ctx context.Context, cfg *config.Config) (*app, func(), error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.DB.Seed {
		seeded, err := store.SeedDefaults(ctx)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("seed templates: %w", err)
		}
		if seeded {
			log.Info().Int("characters", len(storage.CharacterTemplates)).Msg("installed character and lore templates")
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cleanup := func() {
		_ = rdb.Close()
		_ = store.Close()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init sealer: %w", err)
	}
	st := settings.NewService(store, sealer, settings.Defaults{
		Provider: cfg.LLM.Provider,
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	})
	if rotated, err := st.Rotate(ctx); err != nil {
		log.Error().Err(err).Msg("failed to reseal api key")
	} else if rotated {
		log.Info().Str("key_id", sealer.CurrentKeyID()).Msg("api key resealed with current master key")
	}

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		cleanup()
		return nil, nil, errors.New(sanitizeTelegramErr(err, cfg.BotToken))
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot ready")

	return &app{
		cfg:      cfg,
		store:    store,
		redis:    rdb,
		bot:      bot,
		settings: st,
		ledger:   usage.NewLedger(store),
		recorder: debugtrace.NewRecorder(cfg.Chat.DebugKeep),
		jobs:     queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock),
		inflight: queue.NewInFlight(rdb, cfg.Redis.InFlightTTL),
		metrics:  metrics.Global(),
	}, cleanup, nil
}

func (a *app) logTelegramErr(err error) {
	log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, a.cfg.BotToken))
}

// newUpdater wires the command handlers. The trace recorder is only
// shared when the worker runs in the same process.
func (a *app) newUpdater(withRecorder bool) *ext.Updater {
	var allowed int64
	if a.cfg.BotAccessMode == config.AccessModePrivate {
		allowed = a.cfg.AdminUserID
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: a.logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:        queue.NewUpdateDeduplicator(a.redis, a.cfg.Redis.UpdateTTL),
			Metrics:       a.metrics,
			Logger:        log.Logger,
			AllowedUserID: allowed,
		},
	})
	svcCfg := telegram.Config{
		Store:       a.store,
		Queue:       a.jobs,
		Settings:    a.settings,
		Ledger:      a.ledger,
		Budget:      queue.NewProviderBudget(a.redis, a.cfg.Rate.PerHour),
		InFlight:    a.inflight,
		Redis:       a.redis,
		Logger:      log.Logger,
		Metrics:     a.metrics,
		WizardTTL:   a.cfg.Redis.WizardTTL,
		AccessMode:  a.cfg.BotAccessMode,
	}
	if withRecorder {
		svcCfg.Recorder = a.recorder
	}
	telegram.NewService(svcCfg).Register(dispatcher)
	return ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: a.logTelegramErr})
}

func (a *app) startPolling(updater *ext.Updater) error {
	err := updater.StartPolling(a.bot, &ext.PollingOpts{
		EnableWebhookDeletion: true,
		DropPendingUpdates:    true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout:     50,
			RequestOpts: &gotgbot.RequestOpts{Timeout: 60 * time.Second},
		},
	})
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	log.Info().Msg("polling for updates")
	return nil
}

func (a *app) startWebhook(updater *ext.Updater) (string, http.HandlerFunc, error) {
	wh := a.cfg.Webhook
	if wh.PublicURL == "" {
		return "", nil, errors.New("WEBHOOK_URL is required in webhook mode")
	}
	path := strings.Trim(wh.SecretPath, "/")
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(a.bot, path, &ext.AddWebhookOpts{SecretToken: wh.SecretToken}); err != nil {
		return "", nil, fmt.Errorf("add webhook handler: %w", err)
	}
	url := strings.TrimSuffix(wh.PublicURL, "/") + "/" + path
	if _, err := a.bot.SetWebhook(url, &gotgbot.SetWebhookOpts{SecretToken: wh.SecretToken}); err != nil {
		return "", nil, errors.New(sanitizeTelegramErr(err, a.cfg.BotToken))
	}
	log.Info().Str("webhook_url", url).Msg("webhook registered")
	return "/" + path, updater.GetHandlerFunc("/"), nil
}

func (a *app) httpServer(hookRoute string, hook http.HandlerFunc) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(a.cfg.Webhook.MetricsPath, promhttp.Handler())
	if hook != nil && hookRoute != "" {
		mux.HandleFunc(hookRoute, hook)
	}
	return &http.Server{
		Addr:              a.cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Webhook.WebhookTimeout,
	}
}

func (a *app) newWorker() *worker.Worker {
	conv := conversation.NewService(conversation.Config{
		Store:     a.store,
		Settings:  a.settings,
		Build:     conversation.RegistryBuilder(&http.Client{Timeout: a.cfg.HTTP.ClientTimeout}),
		Engine:    reality.New(reality.Config{Store: a.store, Logger: log.Logger, Metrics: a.metrics}),
		Ledger:    a.ledger,
		Recorder:  a.recorder,
		Assembler: prompt.New(a.cfg.Chat.HistoryWindow),
		Logger:    log.Logger,
		Metrics:   a.metrics,
	})
	return worker.New(worker.Config{
		Conversation: conv,
		Replier:      telegram.NewReplier(a.bot, log.Logger),
		Queue:        a.jobs,
		Guard:        a.inflight,
		MaxRetries:   a.cfg.Worker.MaxRetries,
		BackoffBase:  a.cfg.Worker.BackoffBase,
		Logger:       log.Logger,
		Metrics:      a.metrics,
	})
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr strips the bot token from errors that echo request URLs.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		id := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+id+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+id+"/", "bot<redacted>/")
	}
	return msg
}
