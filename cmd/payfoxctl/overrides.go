package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

func newGrantCmd() *cobra.Command {
	var in billing.GrantInput
	cmd := &cobra.Command{
		Use:   "grant <tenant-id>",
		Short: "Grant a paid tier for a number of days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			in.TenantID = id
			return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
				return svc.GrantTier(ctx, in, operator())
			})
		},
	}
	cmd.Flags().StringVar(&in.Tier, "tier", "premium", "tier to grant (premium, premium_pro)")
	cmd.Flags().IntVar(&in.Days, "days", 30, "length of the grant in days")
	cmd.Flags().BoolVar(&in.Gift, "gift", false, "record the grant as a gift")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "reason for the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newExtendCmd() *cobra.Command {
	var in billing.ExtendInput
	cmd := &cobra.Command{
		Use:   "extend <tenant-id>",
		Short: "Extend the current paid period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			in.TenantID = id
			return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
				return svc.ExtendTier(ctx, in, operator())
			})
		},
	}
	cmd.Flags().IntVar(&in.Days, "days", 0, "days to add")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "reason for the audit log")
	_ = cmd.MarkFlagRequired("days")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var in billing.RevokeInput
	cmd := &cobra.Command{
		Use:   "revoke <tenant-id>",
		Short: "Revoke the paid tier immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			in.TenantID = id
			return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
				return svc.RevokeTier(ctx, in, operator())
			})
		},
	}
	cmd.Flags().StringVar(&in.Reason, "reason", "", "reason for the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newIssueAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-api-key <tenant-id>",
		Short: "Rotate a tenant's API key and print the new key once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
				key, err := svc.IssueAPIKey(ctx, id, operator())
				if err != nil {
					return nil, err
				}
				return map[string]string{"tenant_id": args[0], "api_key": key}, nil
			})
		},
	}
}

func newRevokeAPIKeyCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke-api-key <tenant-id>",
		Short: "Disable a tenant's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *billing.Service) (interface{}, error) {
				if err := svc.RevokeAPIKey(ctx, id, reason, operator()); err != nil {
					return nil, err
				}
				return map[string]string{"tenant_id": args[0], "status": "revoked"}, nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
