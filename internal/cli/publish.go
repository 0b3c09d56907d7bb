package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/walletd/internal/control"
	"github.com/vietddude/walletd/internal/core/config"
	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/core/worker"
	"github.com/vietddude/walletd/internal/infra/kafka"
	"github.com/vietddude/walletd/internal/provisioning/recovery"
	"github.com/vietddude/walletd/internal/verification"
)

var (
	reconcileLimit    int
	reconcileInterval time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish [user_id] [network] [approved|rejected]",
	Short: "Finalize a verification decision and publish its user.verified event",
	Args:  cobra.ExactArgs(3),
	Run:   runPublish,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Republish verification decisions whose events were never delivered",
	Run:   runReconcile,
}

func init() {
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 100, "maximum decisions to republish per pass")
	reconcileCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "keep running and reconcile on this interval")
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(reconcileCmd)
}

// withVerificationService runs fn with a verification service bound to the
// configured decision store and broker.
func withVerificationService(
	ctx context.Context,
	cfg *config.AppConfig,
	fn func(ctx context.Context, svc *verification.Service) error,
) {

	backends, err := control.OpenBackends(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = backends.Close()
	}()

	producer, err := kafka.NewProducer(cfg.Kafka, slog.Default())
	if err != nil {
		slog.Error("Failed to create producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	strategy := &recovery.ExponentialBackoff{
		InitialDelay: cfg.Producer.InitialBackoff,
		MaxDelay:     cfg.Producer.MaxBackoff,
		MaxAttempts:  cfg.Producer.MaxAttempts,
		Classifier:   recovery.PublishBackoff().Classifier,
	}
	svc := verification.NewService(backends.Decisions, producer, strategy, slog.Default())

	if err := fn(ctx, svc); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func runPublish(cmd *cobra.Command, args []string) {
	outcome := domain.Outcome(args[2])
	if !outcome.Valid() {
		fmt.Printf("Invalid outcome %q: want approved or rejected\n", args[2])
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	withVerificationService(ctx, cfg, func(ctx context.Context, svc *verification.Service) error {
		d, err := svc.Finalize(ctx, args[0], args[1], outcome)
		if d != nil {
			fmt.Printf("Decision %s: event %s %s (%s)\n", d.ID, d.EventID, d.Outcome, d.PublishStatus)
		}
		return err
	})
}

func runReconcile(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if reconcileInterval > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		withVerificationService(ctx, cfg, func(ctx context.Context, svc *verification.Service) error {
			slog.Info("Reconciling periodically", "interval", reconcileInterval, "limit", reconcileLimit)
			worker.NewReconcileLoop(svc, reconcileInterval, reconcileLimit, slog.Default()).Start(ctx)
			return nil
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	withVerificationService(ctx, cfg, func(ctx context.Context, svc *verification.Service) error {
		n, err := svc.Reconcile(ctx, reconcileLimit)
		fmt.Printf("Republished %d decision(s)\n", n)
		return err
	})
}
