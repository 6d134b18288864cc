package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"bot-fleet-engine/config"
	"bot-fleet-engine/internal/api"
	"bot-fleet-engine/internal/auth"
	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/autopilot"
	"bot-fleet-engine/internal/database"
	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/learning"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/metrics"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/risk"
	"bot-fleet-engine/internal/scanner"
	"bot-fleet-engine/internal/scheduler"
	sig "bot-fleet-engine/internal/signal"
	"bot-fleet-engine/internal/vault"
)

var (
	configPath    string
	statusAddr    string
	statusToken   string
	statusTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "bot-fleet-engine",
	Short: "Adaptive paper-trading bot fleet",
	Long: `bot-fleet-engine runs a fleet of paper-trading bots that consult an
external analysis service, manage positions through profit zones, learn
from their own history and are supervised by a risk governor and an
autonomy controller.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath)
	},
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample-config [file]",
	Short: "Write a sample configuration file (.json, .yaml or .yml)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := "config.sample.json"
		if len(args) == 1 {
			filename = args[0]
		}
		if err := config.GenerateSampleConfig(filename); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", filename)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the fleet status of a running engine",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $CONFIG_FILE or config.json)")

	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080", "Base URL of the running engine")
	statusCmd.Flags().StringVar(&statusToken, "token", os.Getenv("BOT_FLEET_TOKEN"), "Operator access token")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(serveCmd, sampleConfigCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(path string) error {
	// Load configuration
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging
	logCfg := cfg.LoggingConfig
	logCfg.Component = "main"
	logger := logging.New(&logCfg)
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets from Vault override file and env values
	if cfg.VaultConfig.Enabled {
		vc, verr := vault.NewClient(cfg.VaultConfig)
		if verr != nil {
			return fmt.Errorf("failed to create vault client: %w", verr)
		}
		secrets, verr := vc.LoadSecrets(ctx)
		if verr != nil {
			return fmt.Errorf("failed to load secrets: %w", verr)
		}
		secrets.Apply(cfg)
		logger.Info("Secrets loaded from Vault", "addr", cfg.VaultConfig.Address)
		if cfg.AuthConfig.Enabled && len(cfg.AuthConfig.JWTSecret) < 32 {
			return fmt.Errorf("%w: vault secret has no usable jwt_secret", config.ErrInvalidConfig)
		}
	}

	// Initialize event bus
	eventBus := events.NewEventBus()
	logger.Info("Event bus initialized")

	// Initialize notification manager
	notifyManager := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			telegramNotifier, terr := notification.NewTelegramNotifier(cfg.NotificationConfig.ToTelegramConfig())
			if terr != nil {
				logger.WithError(terr).Warn("Telegram notifications unavailable")
			} else {
				notifyManager.AddNotifier(telegramNotifier)
				logger.Info("Telegram notifications enabled")
			}
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(cfg.NotificationConfig.ToDiscordConfig()))
			logger.Info("Discord notifications enabled")
		}
	}

	// Record store: Postgres, then Redis, then memory
	var (
		store   database.Store = database.NewMemoryStore()
		journal *database.Repository
		checks  []api.Option
		closers []func()
	)
	switch {
	case cfg.DatabaseConfig.Enabled:
		db, derr := database.NewDB(ctx, cfg.DatabaseConfig.ToDatabaseConfig())
		if derr != nil {
			return fmt.Errorf("failed to connect to database: %w", derr)
		}
		closers = append(closers, db.Close)
		if derr := db.RunMigrations(ctx); derr != nil {
			return fmt.Errorf("failed to run migrations: %w", derr)
		}
		journal = database.NewRepository(db)
		store = journal
		checks = append(checks, api.WithHealthCheck("postgres", journal.HealthCheck))
		logger.Info("Using Postgres record store", "host", cfg.DatabaseConfig.Host)
	case cfg.RedisConfig.Enabled:
		rs := database.NewRedisStore(database.NewRedisClient(cfg.RedisConfig.ToRedisConfig()), cfg.RedisConfig.Prefix)
		if perr := rs.Ping(ctx); perr != nil {
			logger.WithError(perr).Warn("Redis unavailable at startup, writes will retry on reconnect")
		}
		closers = append(closers, func() { _ = rs.Close() })
		store = rs
		checks = append(checks, api.WithHealthCheck("redis", rs.Ping))
		logger.Info("Using Redis record store", "addr", cfg.RedisConfig.Address)
	default:
		logger.Warn("No persistent store configured, state is kept in memory only")
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.NewRegistry(promRegistry)

	// Analysis backend, radar and scheduler
	signalClient := sig.NewClient(cfg.SignalConfig.ToClientConfig())
	radar := scanner.NewScanner(signalClient, cfg.EngineConfig.ToScannerConfig(), scanner.WithEvents(eventBus))
	sched := scheduler.New()
	logger.Info("Signal client initialized", "base_url", cfg.SignalConfig.BaseURL)

	// Risk governor and learning filter
	governor := risk.NewGovernor(
		risk.WithConfig(cfg.RiskConfig),
		risk.WithStore(store),
		risk.WithNotifier(notifyManager),
		risk.WithEvents(eventBus),
	)
	if err := governor.Load(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load risk state, using configured defaults")
	}
	filter := learning.NewFilter(learning.WithStore(store))
	if err := filter.Load(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load learning stats")
	}

	// Engine
	engineOpts := []autopilot.Option{
		autopilot.WithConfig(cfg.EngineConfig.ToAutopilotConfig()),
		autopilot.WithMarketContext(signalClient),
		autopilot.WithRadar(radar),
		autopilot.WithLearning(filter),
		autopilot.WithScheduler(sched),
		autopilot.WithStore(store),
		autopilot.WithEvents(eventBus),
		autopilot.WithNotifier(notifyManager),
		autopilot.WithMetrics(engineMetrics),
	}
	if journal != nil {
		engineOpts = append(engineOpts, autopilot.WithJournal(journal))
	}
	engine := autopilot.NewEngine(signalClient, governor, engineOpts...)
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load bots: %w", err)
	}

	// Autonomy controller doubles as the sniper screen
	controller := autonomy.NewController(engine,
		autonomy.WithConfig(cfg.AutonomyConfig),
		autonomy.WithStore(store),
		autonomy.WithNotifier(notifyManager),
		autonomy.WithEvents(eventBus),
	)
	if err := controller.Load(ctx); err != nil {
		logger.WithError(err).Warn("Failed to load autonomy state, using configured defaults")
	}
	engine.SetSniper(controller)
	engineMetrics.SetAutonomyLevel(int(controller.Level()))

	engine.Start(ctx)
	controller.Start(sched)

	// API server
	serverOpts := append([]api.Option{
		api.WithAutonomy(controller),
		api.WithEventBus(eventBus),
	}, checks...)
	if journal != nil {
		serverOpts = append(serverOpts, api.WithJournal(journal))
	}
	if cfg.MetricsConfig.Enabled {
		serverOpts = append(serverOpts, api.WithMetrics(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))
	}
	if cfg.AuthConfig.Enabled {
		authCfg := cfg.AuthConfig.ToAuthConfig()
		jwtManager := auth.NewJWTManager(authCfg.JWTSecret, authCfg.AccessTokenTTL, authCfg.Issuer)
		serverOpts = append(serverOpts, api.WithAuth(jwtManager, auth.NewKeyManager(authCfg.BcryptCost), authCfg.Operators))
		logger.Info("Operator authentication enabled", "operators", len(authCfg.Operators))
	} else {
		logger.Warn("Operator authentication disabled, every request runs as admin")
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		AllowedOrigins: cfg.ServerConfig.Origins(),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode: cfg.AuthConfig.Enabled,
		MetricsPath:    cfg.MetricsConfig.Path,
	}, engine, serverOpts...)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigChan:
		logger.Info("Shutdown signal received", "signal", s.String())
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	controller.Stop()
	engine.Shutdown(shutdownCtx)
	sched.Stop()
	notifyManager.Wait()

	logger.Info("Shutdown complete")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusAddr+"/api/status", nil)
	if err != nil {
		return err
	}
	if statusToken != "" {
		req.Header.Set("Authorization", "Bearer "+statusToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned %s: %s", resp.Status, body)
	}

	var envelope struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if envelope.Data == nil {
		return errors.New("empty status response")
	}
	out, err := json.MarshalIndent(envelope.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
