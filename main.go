// Package main implements a Discord companion bot for ARC Raiders: it polls
// the metaforge event-rotation feed and reconciles each guild's status
// messages, channel pings, native scheduled events, and per-user DM alerts.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"

	"arcraiders-notifier/alerts"
	"arcraiders-notifier/config"
	"arcraiders-notifier/discord"
	"arcraiders-notifier/pkg/rotation"
	"arcraiders-notifier/reconcile"
	"arcraiders-notifier/schedule"
	"arcraiders-notifier/storage"
)

const tickTimeout = 55 * time.Second

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Environment overrides for deploy-time settings.
	if bucket := os.Getenv("STORAGE_BUCKET"); bucket != "" {
		cfg.StorageBucket = bucket
		cfg.LocalStoragePath = ""
	}
	if local := os.Getenv("LOCAL_STORAGE"); local != "" {
		cfg.LocalStoragePath = local
		cfg.StorageBucket = ""
	}
	cfg.Normalize()

	store, closeStore, err := initStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	feed := schedule.New(&http.Client{Timeout: 30 * time.Second}, cfg.APIBaseURL, logger)
	catalogs := schedule.NewCatalogs(feed)

	registry := reconcile.NewRegistry()
	if err := loadTenants(ctx, store, registry, logger); err != nil {
		logger.Error("Failed to load tenants", "error", err)
		os.Exit(1)
	}

	// Latest fetched schedule, shared between the poll loop and the inbound
	// command handlers.
	var latest atomic.Value
	latest.Store([]rotation.Event{})
	snapshot := func() []rotation.Event {
		events, _ := latest.Load().([]rotation.Event)
		return events
	}

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" && !cfg.DryRun {
		logger.Error("DISCORD_TOKEN not set (use dry_run: true for local development without a bot token)")
		os.Exit(1)
	}

	var (
		chat     reconcile.Chat
		dm       alerts.Chat
		notFound reconcile.NotFound
		gateway  *discord.Gateway
		session  *discordgo.Session
	)
	if cfg.DryRun {
		logger.Info("Dry-run mode enabled; outbound Discord actions are logged, not sent")
		mock := discord.NewMockGateway(logger)
		chat, dm = mock, mock
	} else {
		session, err = discordgo.New("Bot " + token)
		if err != nil {
			logger.Error("Failed to create Discord session", "error", err)
			os.Exit(1)
		}
		session.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsGuildMessageReactions |
			discordgo.IntentMessageContent

		gateway = discord.NewGateway(session, logger)
		chat, dm = gateway, gateway
		notFound = discord.IsNotFound
	}

	reconciler := reconcile.New(registry, chat, store, notFound, logger)
	engine := alerts.New(store, dm, logger)

	if session != nil {
		handler := discord.NewHandler(registry, reconciler, gateway, store, catalogs,
			snapshot, cfg.CommandPrefix, logger)
		handler.Register(session)

		if err := session.Open(); err != nil {
			logger.Error("Failed to open Discord gateway connection", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := session.Close(); err != nil {
				logger.Warn("Failed to close Discord session", "error", err)
			}
		}()
		logger.Info("Connected to Discord", "user", session.State.User.Username)
	}

	tick := func() {
		tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
		defer cancel()
		now := time.Now()

		events, err := feed.Schedule(tickCtx)
		if err != nil {
			// A broken feed skips the whole tick; stale messages beat torn
			// state from a partial schedule.
			logger.Warn("Schedule fetch failed, skipping tick", "error", err)
			return
		}
		latest.Store(events)

		engine.Sweep(tickCtx, events, now)
		reconciler.Tick(tickCtx, events, now)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.PollCron, tick); err != nil {
		logger.Error("Invalid poll schedule", "poll", cfg.PollCron, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("Poll loop started", "poll", cfg.PollCron, "api_base_url", cfg.APIBaseURL)
	tick()

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	logger.Info("Shutting down")
	<-scheduler.Stop().Done()
}

// initStorage picks GCS or local-filesystem document storage and returns the
// store plus a cleanup func.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.StorageBucket == "" {
		logger.Info("Using local filesystem storage", "path", cfg.LocalStoragePath)
		if err := os.MkdirAll(cfg.LocalStoragePath, 0o755); err != nil {
			return nil, nil, err
		}
		return storage.New(nil, "", cfg.LocalStoragePath, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using GCS storage", "bucket", cfg.StorageBucket)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.StorageBucket, "", logger), cleanup, nil
}

// loadTenants seeds the registry from durable storage, skipping blacklisted
// guilds.
func loadTenants(ctx context.Context, store *storage.Store, registry *reconcile.Registry, logger *slog.Logger) error {
	tenants, err := store.ListTenants(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	for _, tenant := range tenants {
		blacklisted, err := store.Blacklisted(ctx, tenant.GuildID)
		if err != nil {
			logger.Warn("Blacklist check failed, loading tenant anyway", "guild_id", tenant.GuildID, "error", err)
		}
		if blacklisted {
			logger.Info("Skipping blacklisted tenant", "guild_id", tenant.GuildID)
			continue
		}
		registry.Upsert(tenant)
		loaded++
	}

	logger.Info("Tenants loaded", "loaded", loaded, "skipped", len(tenants)-loaded)
	return nil
}
