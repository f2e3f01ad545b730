package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/franzego/notifygateway/internal/config"
	"github.com/franzego/notifygateway/internal/handlers"
	"github.com/franzego/notifygateway/internal/idempotency"
	"github.com/franzego/notifygateway/internal/queue"
	"github.com/franzego/notifygateway/internal/router"
	"github.com/franzego/notifygateway/internal/services"
	"github.com/franzego/notifygateway/internal/store"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// dependencies holds the long-lived clients opened at startup.
type dependencies struct {
	redis *redis.Client
	store *store.Store
	queue *queue.RabbitMqClient
}

func (d *dependencies) close(log zerolog.Logger) {
	if d.queue != nil {
		if err := d.queue.CloseConnection(); err != nil {
			log.Warn().Err(err).Msg("failed to close rabbitmq connection")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
}

// connect opens every collaborator and fails on the first one that is
// unreachable.
func connect(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*dependencies, error) {
	deps := &dependencies{}

	deps.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := deps.redis.Ping(ctx).Err(); err != nil {
		deps.close(log)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		deps.close(log)
		return nil, err
	}
	deps.store = s
	if cfg.Database.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			deps.close(log)
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}

	q, err := queue.NewRabbitMqService(cfg.RabbitMq, log)
	if err != nil {
		deps.close(log)
		return nil, err
	}
	deps.queue = q
	return deps, nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout)
	deps, err := connect(startCtx, cfg, log)
	cancel()
	if err != nil {
		return err
	}
	defer deps.close(log)

	guard, err := idempotency.New(cfg.Idempotency.Strategy, deps.redis, cfg.Redis, deps.store, cfg.Timeouts.Operation, log)
	if err != nil {
		return err
	}
	intake := services.NewIntake(guard, deps.store, deps.queue, cfg.Timeouts.Operation, log)
	reconciler := services.NewReconciler(deps.store, cfg.Timeouts.Operation, log)
	handler := handlers.NewNotificationHandler(intake, reconciler, log)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.New(handler, router.Options{BasePath: cfg.Server.BasePath, JWTSecret: cfg.Auth.JWTSecret}, log),
		ReadHeaderTimeout: cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout + cfg.Timeouts.Operation,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("strategy", cfg.Idempotency.Strategy).
			Msg("intake server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shut down started")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	log.Info().Time("at", time.Now()).Msg("shut down completed")
	return nil
}
