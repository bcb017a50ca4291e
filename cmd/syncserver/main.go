package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loopmesh/syncserver/internal/config"
	"github.com/loopmesh/syncserver/internal/database"
	"github.com/loopmesh/syncserver/internal/logging"
	"github.com/loopmesh/syncserver/internal/server"
	"github.com/loopmesh/syncserver/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncserver",
		Short: "Group synchronization relay service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("tls-cert-file", "", "TLS certificate path (optional)")
	cmd.PersistentFlags().String("tls-key-file", "", "TLS private key path (optional)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().Duration("heartbeat-interval", defaults.GetDuration("heartbeat.interval"), "Websocket heartbeat interval")
	cmd.PersistentFlags().Duration("heartbeat-timeout", defaults.GetDuration("heartbeat.timeout"), "Websocket heartbeat timeout")
	cmd.PersistentFlags().Duration("auth-timeout", defaults.GetDuration("auth.timeout"), "Deadline for completing authentication")
	cmd.PersistentFlags().Duration("ratelimit-window", defaults.GetDuration("ratelimit.window"), "Rate limit refill window")
	cmd.PersistentFlags().Int("ratelimit-quota", defaults.GetInt("ratelimit.quota"), "Messages allowed per connection per window")
	cmd.PersistentFlags().Int("max-conns-per-group", defaults.GetInt("capacity.max_per_group"), "Connection ceiling per group key")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Deployment environment (production, test)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "tls.cert_file", "tls-cert-file")
	bindFlag(cmd, "tls.key_file", "tls-key-file")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "heartbeat.interval", "heartbeat-interval")
	bindFlag(cmd, "heartbeat.timeout", "heartbeat-timeout")
	bindFlag(cmd, "auth.timeout", "auth-timeout")
	bindFlag(cmd, "ratelimit.window", "ratelimit-window")
	bindFlag(cmd, "ratelimit.quota", "ratelimit-quota")
	bindFlag(cmd, "capacity.max_per_group", "max-conns-per-group")
	bindFlag(cmd, "environment", "environment")
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
		// An explicitly requested file must exist; otherwise config files
		// are optional and env/flags carry the configuration.
		if cfgFile != "" {
			return err
		}
	}

	return nil
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	groupStore, err := store.New(store.Config{
		Database:   db,
		Logger:     logger,
		AllowPurge: appConfig.IsTest(),
	})
	if err != nil {
		return err
	}

	app, err := server.NewApp(server.Dependencies{
		Store:  groupStore,
		Keys:   store.NewRandomKeyProvider(),
		Logger: logger,
		Config: appConfig,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(signalCtx)
}
