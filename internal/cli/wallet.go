package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/walletd/internal/control"
	"github.com/vietddude/walletd/internal/core/derivation"
	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/provisioning/walletstore"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Inspect provisioned wallets",
}

var walletGetCmd = &cobra.Command{
	Use:   "get [user_id] [network]",
	Short: "Show the wallet provisioned for a user on a network",
	Args:  cobra.ExactArgs(2),
	Run:   runWalletGet,
}

func init() {
	walletCmd.AddCommand(walletGetCmd)
	rootCmd.AddCommand(walletCmd)
}

func runWalletGet(cmd *cobra.Command, args []string) {
	userID := args[0]
	network, err := domain.ParseNetwork(args[1])
	if err != nil {
		fmt.Printf("Invalid network: %v\n", err)
		os.Exit(1)
	}

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

	store := walletstore.New(backends.Wallets, backends.Cache, slog.Default())
	rec, err := store.GetWallet(ctx, userID, network)
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Printf("No wallet for user %s on %s\n", userID, network)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Failed to get wallet", "error", err)
		os.Exit(1)
	}

	path, _ := derivation.Path(rec.Network, rec.DerivationIndex)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "USER\tNETWORK\tADDRESS\tPATH\tCREATED")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		rec.UserID, rec.Network, rec.Address, path, rec.CreatedAt.Format(time.RFC3339))
	_ = w.Flush()
}
