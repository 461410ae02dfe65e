// Package config loads environment variables and provides a typed Config used
// across the service. It applies sensible defaults so the binary can run
// locally with minimal setup; ValidateChatReady gates the pieces chat needs.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	// Twitch chat credentials (user token, chat:read/chat:edit scopes)
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchRefreshToken string

	// Twitch app credentials (Helix: live status, user lookup)
	TwitchClientID     string
	TwitchClientSecret string

	// Database
	DBDsn string

	// Live-status cache
	LiveCacheTTL time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Missing chat
// credentials don't fail here; use ValidateChatReady when connecting.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.DBDsn = os.Getenv("DB_DSN")
	if cfg.DBDsn == "" {
		// Default to the local sqlite file; production sets a postgres DSN.
		cfg.DBDsn = "data.db"
	}

	cfg.LiveCacheTTL = 10 * time.Second
	if v := os.Getenv("LIVE_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LIVE_CACHE_TTL: %w", err)
		}
		cfg.LiveCacheTTL = d
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateChatReady checks the fields required to connect to Twitch chat.
func (c *Config) ValidateChatReady() error {
	if c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// ValidateHelixReady checks the fields required for Helix API calls.
func (c *Config) ValidateHelixReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	return nil
}
