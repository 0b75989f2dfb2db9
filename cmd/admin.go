package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"artifactvault/internal/domain"
	"artifactvault/internal/repository"
	"artifactvault/internal/service"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := connectWithRetry(cmd.Context(), cfg.Database, 5, 5*time.Second)
			if err != nil {
				return err
			}
			db.Close()
			return runMigrations(cfg.Database, opts.migrationsDir)
		},
	}
}

func newReapCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete expired quota reservations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := connectWithRetry(cmd.Context(), cfg.Database, 1, 0)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := service.NewReaper(repository.NewQuotaRepository(db)).Reap(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d expired reservations\n", n)
			return nil
		},
	}
}

func newScopeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Manage the domain/project scope tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newScopeRegisterCommand(opts))
	return cmd
}

func newScopeRegisterCommand(opts *globalOptions) *cobra.Command {
	var (
		kind   string
		parent string
	)

	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Create or update a domain or project scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := domain.Scope{ID: args[0], Kind: domain.ScopeKind(kind)}
			if parent != "" {
				scope.ParentID = &parent
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := connectWithRetry(cmd.Context(), cfg.Database, 1, 0)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.NewScopeRepository(db).Register(cmd.Context(), scope); err != nil {
				return err
			}
			log.WithFields(log.Fields{"scope": scope.ID, "kind": scope.Kind, "parent": parent}).Info("scope registered")
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(domain.ScopeProject), "Scope kind: domain or project")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent domain of a project")
	return cmd
}
