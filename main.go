// Command luminbot is the main entrypoint for the chat bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to the database (Postgres or SQLite) and runs idempotent migrations.
//   - Assembles the presence detector, streak ledger, firsts tracker, and the
//     sequencer that feeds them from chat.
//   - Starts the OAuth token refresher for the bot's chat credentials.
//   - Exposes a minimal HTTP server with /healthz, /status, /metrics, and the
//     leaderboard endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/luminbot/luminbot/chat"
	"github.com/luminbot/luminbot/config"
	"github.com/luminbot/luminbot/db"
	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/firsts"
	"github.com/luminbot/luminbot/oauth"
	"github.com/luminbot/luminbot/presence"
	"github.com/luminbot/luminbot/sequencer"
	"github.com/luminbot/luminbot/server"
	"github.com/luminbot/luminbot/streak"
	"github.com/luminbot/luminbot/telemetry"
	"github.com/luminbot/luminbot/twitchapi"
)

// notifierFunc adapts a closure to the streak.Notifier interface, breaking the
// construction cycle between the bot (which sends) and the ledger (which
// announces through it).
type notifierFunc func(channel, text string)

func (f notifierFunc) Send(channel, text string) { f(channel, text) }

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
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		slog.Error("helix config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("luminbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, dialect, err := db.Open(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database, dialect); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := docstore.New(database, dialect)

	// Helix client for live-status and user lookups. The app token is fetched
	// eagerly so misconfigured credentials fail at startup, not mid-stream.
	tokenSource := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	{
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		tok, err := tokenSource.Get(ctx2)
		cancel()
		if err != nil {
			slog.Error("twitch app token fetch failed", slog.Any("err", err))
			os.Exit(1)
		}
		if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
	}
	helix := &twitchapi.HelixClient{AppTokenSource: tokenSource, ClientID: cfg.TwitchClientID}
	live := twitchapi.NewCachedLiveSource(helix, cfg.LiveCacheTTL)

	// The bot is both the message source and the milestone announcer; the
	// closure defers the reference until the bot exists.
	var bot *chat.Bot
	notify := notifierFunc(func(channel, text string) { bot.Send(channel, text) })

	detector := presence.NewDetector(store)
	ledger := streak.NewLedger(store, notify)
	tracker := firsts.NewTracker(store, notify)
	seq := sequencer.New(store, detector, ledger, tracker, live)
	bot = chat.NewBot(cfg, store, seq, chat.CommandDeps{
		Store:  store,
		Ledger: ledger,
		Firsts: tracker,
		Names:  helix,
	})

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Seed the stored chat token from env on first run, then keep it fresh.
	if cfg.TwitchRefreshToken != "" {
		if _, rt, _, _, err := db.GetOAuthToken(ctx, database, dialect, "twitch"); err != nil {
			slog.Warn("oauth token read failed", slog.Any("err", err))
		} else if rt == "" {
			if err := db.UpsertOAuthToken(ctx, database, dialect, "twitch", cfg.TwitchOAuthToken, cfg.TwitchRefreshToken, twitchapi.ComputeExpiry(0), "chat:read chat:edit"); err != nil {
				slog.Warn("oauth token seed failed", slog.Any("err", err))
			}
		}
	}
	oauth.StartRefresher(ctx, database, dialect, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	})

	// Registered channels are stored as user ids; chat joins need login names.
	var linked []string
	{
		doc, err := store.Get(ctx, "linked_accounts")
		if err != nil {
			slog.Error("failed to read linked accounts", slog.Any("err", err))
			os.Exit(1)
		}
		for _, id := range doc.StringList("accounts") {
			name, err := helix.GetUserName(ctx, id)
			if err != nil {
				slog.Warn("skipping linked account, name lookup failed", slog.String("user_id", id), slog.Any("err", err))
				continue
			}
			linked = append(linked, name)
		}
	}

	// HTTP server (health/status/metrics/leaderboards)
	handlers := server.NewHandlers(database, store, ledger, tracker)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Chat connection blocks until shutdown or a connection error.
	if err := bot.Run(ctx, linked); err != nil {
		slog.Error("chat connection failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}
