package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cleanops/fieldsync/internal/agent"
	"github.com/cleanops/fieldsync/internal/api"
	"github.com/cleanops/fieldsync/internal/config"
	"github.com/cleanops/fieldsync/internal/conflict"
	"github.com/cleanops/fieldsync/internal/connectivity"
	"github.com/cleanops/fieldsync/internal/database"
	"github.com/cleanops/fieldsync/internal/logging"
	"github.com/cleanops/fieldsync/internal/outbox"
	"github.com/cleanops/fieldsync/internal/queue"
	"github.com/cleanops/fieldsync/internal/steward"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-agent",
		Short: "Field operations sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("agent.server_url"), "Sync server base URL")
	cmd.PersistentFlags().String("access-token", "", "Agent access token (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("agent.database_path"), "SQLite database path")
	cmd.PersistentFlags().String("poll-interval", defaults.GetString("agent.poll_interval"), "Background sync interval")
	cmd.PersistentFlags().Int64("quota-bytes", defaults.GetInt64("agent.quota_bytes"), "Local storage quota in bytes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "agent.server_url", "server-url")
	bindFlag(cmd, "agent.access_token", "access-token")
	bindFlag(cmd, "agent.database_path", "database-path")
	bindFlag(cmd, "agent.poll_interval", "poll-interval")
	bindFlag(cmd, "agent.quota_bytes", "quota-bytes")
	bindFlag(cmd, "log.level", "log-level")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenAgentStore(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	client, err := api.NewClient(api.ClientConfig{
		ServerURL:   appConfig.ServerURL,
		AccessToken: appConfig.AccessToken,
	})
	if err != nil {
		return err
	}

	queueStore, err := queue.NewStore(queue.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: queue.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	outboxStore, err := outbox.NewStore(outbox.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: outbox.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	resolver, err := conflict.NewResolver(conflict.ResolverConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: conflict.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	storageSteward, err := steward.NewSteward(steward.StewardConfig{
		Database:     db,
		DatabasePath: appConfig.DatabasePath,
		QuotaBytes:   appConfig.QuotaBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{
		Prober: connectivity.NewHTTPProber(appConfig.ServerURL, nil),
		Logger: logger,
	})

	syncAgent, err := agent.NewAgent(agent.AgentConfig{
		Database:     db,
		Client:       client,
		Queue:        queueStore,
		Monitor:      monitor,
		Outbox:       outboxStore,
		Resolver:     resolver,
		Steward:      storageSteward,
		Records:      agent.NewReplicaStore(db, time.Now),
		PollInterval: appConfig.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		zap.String("server_url", appConfig.ServerURL),
		zap.Duration("poll_interval", appConfig.PollInterval))

	err = syncAgent.Run(signalCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
