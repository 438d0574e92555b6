package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisURL      string `env:"REDIS_URL,required"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	FrontendURL   string `env:"FRONTEND_URL,required"`
	APIBaseURL    string `env:"API_BASE_URL" envDefault:""`
	JWTSecret     string `env:"JWT_SECRET,required"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	OAuthStateTTLSeconds int `env:"OAUTH_STATE_TTL_SECONDS" envDefault:"600"`

	SlackClientID      string `env:"SLACK_CLIENT_ID"`
	SlackClientSecret  string `env:"SLACK_CLIENT_SECRET"`
	SlackRedirectURI   string `env:"SLACK_REDIRECT_URI"`
	SlackSigningSecret string `env:"SLACK_SIGNING_SECRET"`

	DiscordClientID      string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret  string `env:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURI   string `env:"DISCORD_REDIRECT_URI"`
	DiscordBotToken      string `env:"DISCORD_BOT_TOKEN"`
	DiscordPublicKey     string `env:"DISCORD_PUBLIC_KEY"`
	DiscordSigningSecret string `env:"DISCORD_SIGNING_SECRET"`

	TeamsClientID       string `env:"TEAMS_CLIENT_ID"`
	TeamsClientSecret   string `env:"TEAMS_CLIENT_SECRET"`
	TeamsRedirectURI    string `env:"TEAMS_REDIRECT_URI"`
	TeamsTenantID       string `env:"TEAMS_TENANT_ID" envDefault:"common"`
	TeamsBotAppID       string `env:"TEAMS_BOT_APP_ID"`
	TeamsBotAppPassword string `env:"TEAMS_BOT_APP_PASSWORD"`
	TeamsChannelService string `env:"TEAMS_CHANNEL_SERVICE" envDefault:"public"`
	TeamsAppID          string `env:"TEAMS_APP_ID"`

	TelegramBotToken      string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramBotName       string `env:"TELEGRAM_BOT_NAME"`
	TelegramWebhookSecret string `env:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramAPIBase       string `env:"TELEGRAM_API_BASE"`
}

func (c *Config) OAuthStateTTL() time.Duration {
	return time.Duration(c.OAuthStateTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}

		if c.SlackSigningSecret == "" && c.SlackClientID != "" {
			log.Warn().Msg("SLACK_SIGNING_SECRET is empty in production: Slack event signature verification disabled")
		}
		if c.DiscordPublicKey == "" && c.DiscordClientID != "" {
			log.Warn().Msg("DISCORD_PUBLIC_KEY is empty in production: Discord interaction signature verification disabled")
		}
		if c.TelegramWebhookSecret == "" && c.TelegramBotToken != "" {
			log.Warn().Msg("TELEGRAM_WEBHOOK_SECRET is empty in production: Telegram webhook authentication disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: stored tokens will not be encrypted at rest")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
