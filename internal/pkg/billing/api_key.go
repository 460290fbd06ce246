package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
)

// IssueAPIKey rotates the tenant's API key and returns the raw secret.
// The previous key stops working once this commits.
func (s *Service) IssueAPIKey(ctx context.Context, tenantID uint, actor Actor) (string, error) {
	var raw string
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		tenant, err := tx.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		hadKey := tenant.HasActiveAPIKey()
		if raw, err = tenant.IssueAPIKey(s.now()); err != nil {
			return fmt.Errorf("generate api key: %w", err)
		}
		if err := tx.SetTenantAPIKey(ctx, tenantID, tenant.APIKeyHash, tenant.APIKeyPrefix, tenant.APIKeyCreatedAt); err != nil {
			return err
		}
		return s.audit(ctx, tx, &models.AuditLog{
			TenantID:  uintPtr(tenantID),
			Action:    models.AuditAPIKeyIssued,
			ActorType: actor.Type,
			ActorID:   actor.ID,
			NewValue:  tenant.APIKeyPrefix,
		}, map[string]interface{}{"rotated": hadKey})
	})
	if err != nil {
		return "", err
	}
	log.Infof("[Billing] api key issued for tenant %d by %s:%s", tenantID, actor.Type, actor.ID)
	return raw, nil
}

// RevokeAPIKey disables API access for the tenant. Revoking a tenant
// without a key is a no-op.
func (s *Service) RevokeAPIKey(ctx context.Context, tenantID uint, reason string, actor Actor) error {
	return s.repo.Transaction(ctx, func(tx Repository) error {
		tenant, err := tx.GetTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		if !tenant.HasActiveAPIKey() {
			return nil
		}
		prefix := tenant.APIKeyPrefix
		tenant.RevokeAPIKey()
		if err := tx.SetTenantAPIKey(ctx, tenantID, "", "", nil); err != nil {
			return err
		}
		return s.audit(ctx, tx, &models.AuditLog{
			TenantID:  uintPtr(tenantID),
			Action:    models.AuditAPIKeyRevoked,
			ActorType: actor.Type,
			ActorID:   actor.ID,
			OldValue:  prefix,
			Reason:    reason,
		}, nil)
	})
}
