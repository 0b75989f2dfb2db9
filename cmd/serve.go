package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"artifactvault/internal/auth"
	"artifactvault/internal/config"
	"artifactvault/internal/events"
	"artifactvault/internal/handler"
	"artifactvault/internal/progress"
	"artifactvault/internal/repository"
	"artifactvault/internal/service"
	"artifactvault/internal/service/fsstore"
	"artifactvault/internal/service/s3"
	"artifactvault/internal/telemetry"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		authConfigFile string
		skipMigrations bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and gRPC health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, serveOptions{
				authConfigFile: authConfigFile,
				migrationsDir:  opts.migrationsDir,
				skipMigrations: skipMigrations,
			})
		},
	}

	cmd.Flags().StringVar(&authConfigFile, "auth-config", ".auth.env", "Path to the identity service config")
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply migrations on start-up")
	return cmd
}

type serveOptions struct {
	authConfigFile string
	migrationsDir  string
	skipMigrations bool
}

func newByteStore(cfg config.StorageConfig) (service.ByteStore, error) {
	switch cfg.Backend {
	case "s3":
		s3Config, err := s3.NewConfig(cfg.S3ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load S3 config: %w", err)
		}
		client, err := s3.NewClient(s3Config)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return client, nil
	case "fs":
		store, err := fsstore.NewOS(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare store root: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func cleanupPolicy(name string) service.CleanupPolicy {
	if name == "propagate" {
		return service.Propagate
	}
	return service.LogAndContinue
}

func serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	db, err := connectWithRetry(ctx, cfg.Database, 5, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to database after retries: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("error closing database connection")
		}
	}()

	if !opts.skipMigrations {
		if err := runMigrations(cfg.Database, opts.migrationsDir); err != nil {
			return err
		}
	}

	store, err := newByteStore(cfg.Storage)
	if err != nil {
		return err
	}
	staging, err := fsstore.New(afero.NewOsFs(), cfg.Storage.StagingDir)
	if err != nil {
		return fmt.Errorf("failed to prepare staging area: %w", err)
	}

	authConfig, err := auth.NewConfig(opts.authConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load auth config: %w", err)
	}
	conn, err := grpc.NewClient(authConfig.AuthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to auth service: %w", err)
	}
	defer conn.Close()
	authClient := auth.NewClient(conn, authConfig.Timeout)

	transferOpts := service.TransferOptions{
		MaxSize:       cfg.Storage.MaxArtifactSize,
		CleanupPolicy: cleanupPolicy(cfg.Storage.CleanupPolicy),
	}
	if authConfig.RefreshToken != "" {
		transferOpts.Refresher = auth.NewRefresher(authClient, authConfig.RefreshToken)
	}

	if cfg.Redis.Addr != "" {
		rdb, err := progress.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		transferOpts.Progress = progress.New(rdb, 0)
	}

	var notifier service.Notifier
	if cfg.NATS.URL != "" {
		n, err := events.New(cfg.NATS.URL, cfg.NATS.Stream, nats.Name("artifactvault"))
		if err != nil {
			return err
		}
		defer n.Close()
		notifier = n
		transferOpts.Notifier = n
	}

	shutdownTracing, tracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("failed to flush traces")
		}
	}()

	quotaRepo := repository.NewQuotaRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	scopeRepo := repository.NewScopeRepository(db)

	quotaService := service.NewQuotaService(quotaRepo, scopeRepo, notifier)
	reservations := service.NewReservationManager(quotaRepo, scopeRepo, quotaService, cfg.Quota.ReservationLease)
	transferService := service.NewTransferService(artifactRepo, reservations, store, staging, transferOpts)

	router := handler.NewRouter(handler.RouterConfig{
		Artifacts:  handler.NewArtifactHandler(transferService),
		Quotas:     handler.NewQuotaHandler(quotaService),
		Verifier:   authClient,
		Middleware: []func(http.Handler) http.Handler{tracing},
		Ready: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
	})

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	go func() {
		log.WithField("port", cfg.Server.GRPCPort).Info("starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		log.WithField("port", cfg.Server.Port).Info("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	if cfg.Quota.ReapInterval > 0 {
		go service.NewReaper(quotaRepo).Run(reaperCtx, cfg.Quota.ReapInterval)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed")
	}
	log.Info("shutting down servers")

	healthServer.Shutdown()
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server forced to shutdown")
	}
	grpcServer.GracefulStop()

	log.Info("server exited properly")
	return serveErr
}
