package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	actorID     string
	timeout     time.Duration
	reconTenant uint
)

var rootCmd = &cobra.Command{
	Use:     "payfoxctl",
	Short:   "PayFox operations CLI",
	Long:    `Run billing maintenance against the PayFox database: sweeps, reconciliation and manual tier overrides.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		env.SetupEnvFile()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", os.Getenv("USER"), "operator recorded in the audit log")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "deadline for the command")

	reconcileCmd.Flags().UintVar(&reconTenant, "tenant", 0, "tenant whose provider credentials fetch the payment")

	rootCmd.AddCommand(sweepCmd, reconcileCmd, statusCmd, hashTokenCmd, hashAPIKeyCmd)
	rootCmd.AddCommand(newGrantCmd(), newExtendCmd(), newRevokeCmd(), newIssueAPIKeyCmd(), newRevokeAPIKeyCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openService connects to the database and cache the way the server does.
// Commands that only hash input never call it.
var openService = func() (*billing.Service, error) {
	if err := database.SetupDatabase(); err != nil {
		return nil, err
	}
	cfg := billing.ConfigFromEnv()
	snapshots := entitlements.NewRedisSnapshotCache(cache.GetClient(), env.GetEnvDuration("ENTITLEMENT_CACHE_TTL", 30*time.Second))
	return billing.NewServiceFromDB(database.GetDB(), billing.NewProviderClient(cfg), cfg, billing.WithSnapshotCache(snapshots)), nil
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *billing.Service) (interface{}, error)) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	out, err := fn(ctx, svc)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTenantID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid tenant id %q", raw)
	}
	return uint(id), nil
}

func operator() billing.Actor {
	if actorID == "" {
		return billing.AdminActor("payfoxctl")
	}
	return billing.AdminActor(actorID)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
			return svc.Sweep(ctx)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <payment-id>",
	Short: "Re-read a payment from the provider and apply it",
	Example: `  # Platform subscription payment
  payfoxctl reconcile 1234567890

  # Store purchase paid into tenant 42's account
  payfoxctl reconcile 1234567890 --tenant 42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
			return svc.ReconcilePayment(ctx, args[0], reconTenant, operator())
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <tenant-id>",
	Short: "Show a tenant's entitlement snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTenantID(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
			return svc.GetSubscriptionStatus(ctx, id)
		})
	},
}
