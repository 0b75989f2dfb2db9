package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"artifactvault/internal/config"
	"artifactvault/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configFile    string
	migrationsDir string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "artifactvault",
		Short:         "Quota-enforcing artifact storage service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", ".app.env", "Path to the dotenv config file")
	cmd.PersistentFlags().StringVar(&opts.migrationsDir, "migrations", "file://migrations", "Migration source URL")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newReapCommand(opts))
	cmd.AddCommand(newScopeCommand(opts))
	return cmd
}

// load reads the config and sets up logging; every command starts here.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.NewConfig(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func connectWithRetry(ctx context.Context, cfg config.DatabaseConfig, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	if err := ensureDatabase(ctx, cfg); err != nil {
		return nil, err
	}

	var (
		db  *sqlx.DB
		err error
	)
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.GetDSN())
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			return db, nil
		}

		log.WithError(err).Warnf("failed to connect to database (attempt %d/%d)", i+1, maxAttempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

// ensureDatabase creates the configured database through the postgres
// maintenance database when it is missing.
func ensureDatabase(ctx context.Context, cfg config.DatabaseConfig) error {
	maintenance := cfg
	maintenance.Name = "postgres"

	pgDB, err := sqlx.ConnectContext(ctx, "postgres", maintenance.GetDSN())
	if err != nil {
		log.WithError(err).Warn("cannot reach maintenance database, assuming target exists")
		return nil
	}
	defer pgDB.Close()

	var exists bool
	err = pgDB.GetContext(ctx, &exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return nil
	}

	log.WithField("database", cfg.Name).Info("database does not exist, creating")
	if _, err := pgDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(cfg.Name)); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

func runMigrations(cfg config.DatabaseConfig, source string) error {
	var (
		m   *migrate.Migrate
		err error
	)
	for i := 0; i < 5; i++ {
		m, err = migrate.New(source, cfg.URL())
		if err == nil {
			break
		}
		log.WithError(err).Warnf("failed to create migrate instance (attempt %d/5)", i+1)
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.WithField("version", version).Warn("found dirty database state, forcing version")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ = m.Version()
	log.WithField("version", version).Info("migrations applied")
	return nil
}
