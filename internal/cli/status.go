package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/walletd/internal/control"
	"github.com/vietddude/walletd/internal/core/domain"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent dead letters and undelivered verification decisions",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum rows per section")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backends, err := control.OpenBackends(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = backends.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)

	if backends.DeadLetters == nil {
		_, _ = fmt.Fprintln(w, "Dead letters: redis not configured")
	} else {
		total, err := backends.DeadLetters.Count(ctx)
		if err != nil {
			slog.Error("Failed to count dead letters", "error", err)
			os.Exit(1)
		}
		recent, err := backends.DeadLetters.Recent(ctx, statusLimit)
		if err != nil {
			slog.Error("Failed to list dead letters", "error", err)
			os.Exit(1)
		}

		_, _ = fmt.Fprintf(w, "Dead letters (%d total)\n", total)
		_, _ = fmt.Fprintln(w, "EVENT\tUSER\tNETWORK\tREASON\tATTEMPTS\tAT")
		for _, dl := range recent {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				dl.EventID, dl.UserID, dl.Network, dl.FailureReason, dl.AttemptCount,
				dl.DeadLetteredAt.Format(time.RFC3339))
		}
	}
	_, _ = fmt.Fprintln(w)

	for _, status := range []domain.PublishStatus{domain.PublishStatusFailed, domain.PublishStatusPending} {
		decisions, err := backends.Decisions.ListByStatus(ctx, status, statusLimit)
		if err != nil {
			slog.Error("Failed to list decisions", "status", status, "error", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(w, "Decisions %s (%d shown)\n", status, len(decisions))
		_, _ = fmt.Fprintln(w, "EVENT\tUSER\tNETWORK\tOUTCOME\tATTEMPTS\tLAST ERROR")
		for _, d := range decisions {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				d.EventID, d.UserID, d.Network, d.Outcome, d.PublishAttempts, d.LastError)
		}
		_, _ = fmt.Fprintln(w)
	}
	_ = w.Flush()
}
