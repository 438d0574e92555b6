package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/savos/drr2/internal/config"
	"github.com/savos/drr2/internal/database"
	"github.com/savos/drr2/internal/handler"
	"github.com/savos/drr2/internal/jobs"
	"github.com/savos/drr2/internal/middleware"
	"github.com/savos/drr2/internal/model"
	"github.com/savos/drr2/internal/platform"
	"github.com/savos/drr2/internal/redis"
	"github.com/savos/drr2/internal/repository"
	"github.com/savos/drr2/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	integrationRepo := repository.NewIntegrationRepository(db.DB, cfg.EncryptionKey)
	stateRepo := repository.NewOAuthStateRepository(db.DB)
	conversationRepo := repository.NewTeamsConversationRepository(db.DB)

	// The connector map is filled below; the Teams connector needs the
	// integration service to persist refreshed tokens, so the service
	// is built against the still-empty map first.
	connectors := map[model.Platform]platform.Connector{}
	integrationService := service.NewIntegrationService(integrationRepo, connectors)
	conversationService := service.NewConversationService(conversationRepo)

	slackConnector := platform.NewSlackConnector(platform.SlackConfig{
		ClientID:      cfg.SlackClientID,
		ClientSecret:  cfg.SlackClientSecret,
		RedirectURI:   cfg.SlackRedirectURI,
		SigningSecret: cfg.SlackSigningSecret,
	})
	discordConnector := platform.NewDiscordConnector(platform.DiscordConfig{
		ClientID:      cfg.DiscordClientID,
		ClientSecret:  cfg.DiscordClientSecret,
		RedirectURI:   cfg.DiscordRedirectURI,
		BotToken:      cfg.DiscordBotToken,
		PublicKey:     cfg.DiscordPublicKey,
		SigningSecret: cfg.DiscordSigningSecret,
	})
	teamsConnector := platform.NewTeamsConnector(platform.TeamsConfig{
		ClientID:       cfg.TeamsClientID,
		ClientSecret:   cfg.TeamsClientSecret,
		RedirectURI:    cfg.TeamsRedirectURI,
		TenantID:       cfg.TeamsTenantID,
		BotAppID:       cfg.TeamsBotAppID,
		BotAppPassword: cfg.TeamsBotAppPassword,
		TeamsAppID:     cfg.TeamsAppID,
	}, integrationService, conversationService)
	telegramConnector := platform.NewTelegramConnector(platform.TelegramConfig{
		BotToken:      cfg.TelegramBotToken,
		BotName:       cfg.TelegramBotName,
		WebhookSecret: cfg.TelegramWebhookSecret,
		APIBase:       cfg.TelegramAPIBase,
	})

	connectors[model.PlatformSlack] = slackConnector
	connectors[model.PlatformDiscord] = discordConnector
	connectors[model.PlatformTeams] = teamsConnector
	connectors[model.PlatformTelegram] = telegramConnector

	botTokenValidator, err := platform.NewBotTokenValidator(cfg.TeamsBotAppID, cfg.TeamsChannelService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init bot token validator")
	}

	oauthService := service.NewOAuthService(stateRepo, integrationService, cfg.FrontendURL, cfg.OAuthStateTTL())
	verificationService := service.NewVerificationService(cfg.JWTSecret, integrationService, cfg.APIBaseURL)
	discoveryService := service.NewDiscoveryService(integrationService, slackConnector, discordConnector, teamsConnector)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	authChain := func(next http.Handler) http.Handler {
		return authMiddleware.Handler(rateLimitMiddleware.Handler(next))
	}

	slackHandler := handler.NewSlackHandler(
		slackConnector, integrationService, oauthService, verificationService, discoveryService,
	)
	discordHandler := handler.NewDiscordHandler(
		discordConnector, integrationService, oauthService, verificationService, discoveryService,
	)
	teamsHandler := handler.NewTeamsHandler(
		teamsConnector, botTokenValidator, integrationService, oauthService, verificationService,
		discoveryService, conversationService,
	)
	telegramHandler := handler.NewTelegramHandler(
		telegramConnector, integrationService, oauthService, verificationService,
		cfg.APIBaseURL+"/api/telegram/webhook",
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Mount("/slack", slackHandler.Routes(authChain))
		r.Mount("/discord", discordHandler.Routes(authChain))
		r.Mount("/teams", teamsHandler.Routes(authChain))
		r.Mount("/telegram", telegramHandler.Routes(authChain))
	})

	cleanupJob := jobs.NewCleanupJob(stateRepo, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
