package billing

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

// GetSubscriptionStatus returns the tenant's entitlement snapshot for UI
// rendering. Snapshots may come from the short-lived cache.
func (s *Service) GetSubscriptionStatus(ctx context.Context, tenantID uint) (*entitlements.Snapshot, error) {
	if snap, ok := s.cache.Get(ctx, tenantID); ok {
		return snap, nil
	}
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	snap := entitlements.NewSnapshot(tenant, s.now())
	s.cache.Set(ctx, snap)
	return &snap, nil
}

// RequireTier gates a protected action. It always reads the authoritative
// row and recomputes the effective tier.
func (s *Service) RequireTier(ctx context.Context, tenantID uint, required entitlements.Plan) error {
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !entitlements.Allows(tenant, required, s.now()) {
		return fmt.Errorf("%w: tenant %d needs tier %s", ErrValidation, tenantID, required)
	}
	return nil
}

// TenantBySlug resolves a storefront for tenant-scoped endpoints.
func (s *Service) TenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return s.repo.GetTenantBySlug(ctx, slug)
}

// TenantByAPIKeyHash resolves the tenant owning an API key hash.
func (s *Service) TenantByAPIKeyHash(ctx context.Context, hash string) (*models.Tenant, error) {
	return s.repo.GetTenantByAPIKeyHash(ctx, hash)
}

// ListAuditLogs returns audit entries for ops review, newest first.
func (s *Service) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]models.AuditLog, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListAuditLogs(ctx, filter)
}
