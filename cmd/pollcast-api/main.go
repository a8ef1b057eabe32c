package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/ai"
	"github.com/MarcoPoloResearchLab/pollcast/internal/auth"
	"github.com/MarcoPoloResearchLab/pollcast/internal/categories"
	"github.com/MarcoPoloResearchLab/pollcast/internal/config"
	"github.com/MarcoPoloResearchLab/pollcast/internal/database"
	"github.com/MarcoPoloResearchLab/pollcast/internal/engine"
	"github.com/MarcoPoloResearchLab/pollcast/internal/logging"
	"github.com/MarcoPoloResearchLab/pollcast/internal/metrics"
	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"github.com/MarcoPoloResearchLab/pollcast/internal/server"
	"github.com/MarcoPoloResearchLab/pollcast/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pollcast-api",
		Short: "Pollcast poll distribution service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-addr", "", "Redis address for the shared translation cache")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cache.redis_addr", "redis-addr")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID    string
		roles     []string
		language  string
		country   string
		continent string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionClaims{
				UserID:        userID,
				UserRoles:     roles,
				UserLanguage:  language,
				UserCountry:   country,
				UserContinent: continent,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted to the user (repeatable)")
	cmd.Flags().StringVar(&language, "language", "", "Preferred language")
	cmd.Flags().StringVar(&country, "country", "", "Country")
	cmd.Flags().StringVar(&continent, "continent", "", "Continent")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	collector := metrics.NewCollector()

	categoryService, err := categories.NewService(categories.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	if _, err := categoryService.Ensure(ctx, appConfig.CategorySeed); err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	repository, err := polls.NewGormRepository(polls.RepositoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher(collector)

	engineConfig := engine.Config{
		Repository:     repository,
		IDProvider:     polls.NewUUIDProvider(),
		Users:          userService,
		Categories:     categoryService,
		Events:         realtime,
		Observer:       collector,
		PrefetchWindow: appConfig.FeedPrefetchWindow,
		Logger:         logger,
	}
	closeAI, err := wireAI(&engineConfig, appConfig, collector, logger)
	if err != nil {
		return err
	}
	defer closeAI()

	pollEngine, err := engine.New(engineConfig)
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         pollEngine,
		Sessions:       sessionValidator,
		Profiles:       userService,
		Realtime:       realtime,
		Metrics:        collector.Handler(),
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("ai_enabled", appConfig.AIEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// wireAI attaches the moderation, categorization and translation services when a provider key is set.
func wireAI(engineConfig *engine.Config, appConfig config.AppConfig, collector *metrics.Collector, logger *zap.Logger) (func(), error) {
	if !appConfig.AIEnabled() {
		logger.Warn("ai provider not configured; moderation, categorization and translation disabled")
		return func() {}, nil
	}
	client, err := ai.NewClient(ai.ClientConfig{
		BaseURL:           appConfig.AIBaseURL,
		APIKey:            appConfig.AIAPIKey,
		Model:             appConfig.AIModel,
		RequestsPerSecond: appConfig.AIRequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	serviceConfig := ai.ServiceConfig{
		Client:     client,
		MaxRetries: appConfig.AIMaxRetries,
		Timeout:    appConfig.AITimeout,
		Observer:   collector,
		Logger:     logger,
	}

	moderator, err := ai.NewModerator(serviceConfig)
	if err != nil {
		return nil, err
	}
	categorizer, err := ai.NewCategorizer(serviceConfig)
	if err != nil {
		return nil, err
	}

	closeCache := func() {}
	var cache ai.TranslationCache
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		closeCache = func() { _ = redisClient.Close() }
		cache = ai.NewRedisCache(redisClient, appConfig.TranslationTTL)
		logger.Info("translation cache backed by redis", zap.String("address", appConfig.RedisAddress))
	} else {
		cache = ai.NewLRUCache(appConfig.TranslationEntries, appConfig.TranslationTTL)
	}
	// The queue selector records translation outcomes itself.
	translatorConfig := serviceConfig
	translatorConfig.Observer = nil
	translator, err := ai.NewTranslator(ai.TranslatorConfig{ServiceConfig: translatorConfig, Cache: cache})
	if err != nil {
		closeCache()
		return nil, err
	}

	engineConfig.Moderator = moderator
	engineConfig.Categorizer = categorizer
	engineConfig.Translator = translator
	return closeCache, nil
}
