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

	"llmready/internal/billing"
	"llmready/internal/config"
	"llmready/internal/db"
	"llmready/internal/email"
	httpapi "llmready/internal/http"
	"llmready/internal/jobs"
	"llmready/internal/logging"
	"llmready/internal/reconcile"
	"llmready/internal/refund"
	"llmready/internal/services"
	"llmready/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "llmready",
	Short: "LLMReady billing and subscription API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var resetQuotasCmd = &cobra.Command{
	Use:   "reset-quotas",
	Short: "Zero every subscription's monthly generation counter once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), func(a *app) jobs.Job {
			return jobs.QuotaReset(a.svc, "")
		})
	},
}

var syncSubscriptionsCmd = &cobra.Command{
	Use:   "sync-subscriptions",
	Short: "Reconcile unsettled subscriptions against Stripe once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), func(a *app) jobs.Job {
			return jobs.StripeSync(a.svc, "")
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, resetQuotasCmd, syncSubscriptionsCmd)
}

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg        config.Config
	pool       *pgxpool.Pool
	svc        *services.Service
	reconciler *reconcile.Reconciler
	refunds    *refund.Service
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "llmready"})

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	st := store.NewPostgres(pool)
	bc := billing.NewStripeClient(cfg.StripeSecretKey)
	if !bc.Configured() {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; Stripe calls will fail")
	}

	var notifier email.Notifier = email.LogNotifier{}
	if resend := email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFrom); resend.IsConfigured() {
		notifier = resend
	}

	return &app{
		cfg:        cfg,
		pool:       pool,
		svc:        services.New(st, bc, cfg),
		reconciler: reconcile.New(st, bc, cfg.Catalog(), notifier),
		refunds:    refund.NewService(st, bc, notifier),
	}, nil
}

func runOnce(ctx context.Context, build func(*app) jobs.Job) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.pool.Close()
	return jobs.Run(ctx, build(a))
}

func runServer(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.pool.Close()

	scheduler, err := jobs.NewScheduler(
		jobs.QuotaReset(a.svc, a.cfg.QuotaResetSchedule),
		jobs.StripeSync(a.svc, a.cfg.StripeSyncSchedule),
	)
	if err != nil {
		return err
	}
	scheduler.Start()

	server := httpapi.NewServer(a.cfg, a.svc, a.reconciler, a.refunds)
	httpServer := &http.Server{
		Addr:              a.cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.ServerAddr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			scheduler.Stop(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	scheduler.Stop(shutdownCtx)
	return nil
}
