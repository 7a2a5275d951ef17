// Command streambot is the chat bot entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and loads the
//     settings store.
//   - Starts the command registry, rate limiter, lookup cache, and the
//     IRC connection manager.
//   - Exposes an HTTP admin surface with /healthz, /status, /metrics,
//     and command/alias/config management.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streambot/cache"
	"github.com/onnwee/streambot/chat"
	"github.com/onnwee/streambot/command"
	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/dispatch"
	"github.com/onnwee/streambot/ratelimit"
	"github.com/onnwee/streambot/server"
	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("streambot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for
	// deployments without the migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings store: the persisted mirror must load fully before
	// anything consumes it.
	store := settings.NewStore(db.NewSettingsDAO(database))
	if err := store.LoadAll(ctx); err != nil {
		slog.Error("failed to load settings", slog.Any("err", err))
		os.Exit(1)
	}
	go trackSettingsVersion(ctx, store)

	registry := command.NewRegistry(store)
	go registry.Run(ctx)

	limiter := ratelimit.New(store.Current())
	go limiter.Run(ctx, store.Subscribe("rate/"))

	lookupCache := cache.New(store.Current())
	go lookupCache.Run(ctx, store.Subscribe("cache/"))

	// Helix app token for the stream-info built-ins. Not usable for IRC.
	var helix *twitchapi.HelixClient
	if cfg.HelixReady() {
		helix = &twitchapi.HelixClient{
			TokenSource: twitchapi.NewAppTokenSource(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret),
			ClientID:    cfg.TwitchClientID,
		}
	} else {
		slog.Info("helix credentials not set; stream-info commands disabled")
	}

	var bot *chat.Bot
	dispatcher := dispatch.New(store, registry, limiter, lookupCache,
		dispatch.SenderFunc(func(channel, line string) {
			if bot == nil {
				slog.Warn("no chat connection, dropping line", slog.String("channel", channel))
				return
			}
			bot.Send(channel, line)
		}),
		dispatch.WithHelix(helix),
		dispatch.WithMaxConcurrent(cfg.DispatchMaxConcurrent),
		dispatch.WithMaxLines(cfg.DispatchMaxLines),
	)

	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat connection disabled", slog.Any("err", err))
	} else {
		bot = chat.New(chat.Config{
			Username:  cfg.TwitchBotUsername,
			Token:     cfg.TwitchOAuthToken,
			Channels:  cfg.TwitchChannels,
			QueueSize: cfg.SendQueueSize,
		}, dispatcher, limiter)
		go func() {
			if err := bot.Run(ctx); err != nil {
				slog.Error("chat connection failed permanently", slog.Any("err", err))
				stop()
			}
		}()
	}

	handlers := server.NewHandlers(database, store, registry)
	handlers.Invalidate = dispatcher.Invalidate
	if bot != nil {
		handlers.ConnState = func() string { return bot.State().String() }
		handlers.QueueDepth = bot.QueueDepth
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	dispatcher.Wait()
}

// trackSettingsVersion mirrors the store version into the gauge.
func trackSettingsVersion(ctx context.Context, store *settings.Store) {
	sub := store.Subscribe("")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if telemetry.SettingsVersion != nil {
				telemetry.SettingsVersion.Set(float64(snap.Version()))
			}
		}
	}
}
