// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// deliveryd runs the audit event delivery subsystem: queue workers,
// protocol handlers, and the background chores.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery"
	"github.com/smedrec/smart-logs-sub005/delivery/deliverydb"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deliveryd",
		Short: "audit event delivery daemon",
	}

	var flags runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the delivery workers and chores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRun(cmd.Context(), flags)
		},
	}
	flags.register(runCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "migrate the database schema to the latest version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdMigrate(cmd.Context(), flags)
		},
	}
	flags.register(migrateCmd)

	root.AddCommand(runCmd, migrateCmd)
	return root
}

// runFlags binds configuration to flags and DELIVERYD_* environment
// variables.
type runFlags struct {
	databaseURL string
	logLevel    string

	signingKey string
	devMode    bool

	config delivery.Config
	dbConf deliverydb.Config
}

func (f *runFlags) register(cmd *cobra.Command) {
	f.bind(cmd.Flags())

	viper.SetEnvPrefix("deliveryd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(cmd.Flags())
}

func (f *runFlags) bind(flags *pflag.FlagSet) {
	flags.StringVar(&f.databaseURL, "database-url", "", "postgres connection string")
	flags.StringVar(&f.logLevel, "log-level", "info", "zap log level")
	flags.StringVar(&f.signingKey, "signing-key", "", "256-bit hex key used to encrypt webhook secrets at rest")
	flags.BoolVar(&f.devMode, "dev", false, "development logging and defaults")

	flags.IntVar(&f.config.Processor.Workers, "workers", 4, "number of queue polling workers")
	flags.IntVar(&f.config.Processor.BatchSize, "batch-size", 10, "items claimed per poll")
	flags.IntVar(&f.config.Processor.Concurrency, "concurrency", 5, "parallel deliveries per worker")
	flags.DurationVar(&f.config.Processor.PollInterval, "poll-interval", 0, "sleep between empty polls")
	flags.DurationVar(&f.config.Processor.DrainTimeout, "drain-timeout", 0, "how long shutdown waits for in-flight deliveries")
	flags.IntVar(&f.config.Retry.MaxRetries, "max-retries", 5, "default delivery attempts before terminal failure")
	flags.BoolVar(&f.config.Retry.JitterEnabled, "retry-jitter", true, "add jitter to retry backoff")
	flags.IntVar(&f.config.Health.FailureThreshold, "failure-threshold", 5, "consecutive failures that open the circuit")
	flags.DurationVar(&f.config.Health.RecoveryTimeout, "recovery-timeout", 0, "how long the circuit stays open")
	flags.BoolVar(&f.config.Secrets.Enabled, "signing-enabled", true, "sign webhook payloads")
}

// resolve folds viper (env overrides) back into the flag values.
func (f *runFlags) resolve() {
	if url := viper.GetString("database-url"); url != "" {
		f.databaseURL = url
	}
	if key := viper.GetString("signing-key"); key != "" {
		f.signingKey = key
	}
	f.dbConf.URL = f.databaseURL
	f.config.Secrets.EncryptionKey = f.signingKey
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}

func cmdRun(ctx context.Context, flags runFlags) error {
	flags.resolve()

	log, err := newLogger(flags.logLevel, flags.devMode)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := deliverydb.Open(ctx, log.Named("db"), flags.dbConf)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.CheckVersion(ctx); err != nil {
		return err
	}

	peer, err := delivery.New(log, db, flags.config)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func cmdMigrate(ctx context.Context, flags runFlags) error {
	flags.resolve()

	log, err := newLogger(flags.logLevel, flags.devMode)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := deliverydb.Open(ctx, log.Named("db"), flags.dbConf)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.MigrateToLatest(ctx)
}
