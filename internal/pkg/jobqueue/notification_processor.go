package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
)

// TenantLookup resolves the store an order belongs to.
type TenantLookup interface {
	GetTenant(ctx context.Context, id uint) (*models.Tenant, error)
}

// orderPaidNotificationHandler mails the buyer a receipt and the store
// owner a sale notice. A missing address skips that message.
func orderPaidNotificationHandler(tenants TenantLookup, mailer mail.Mailer) Handler {
	return func(ctx context.Context, job *Job) error {
		p, err := OrderPaidNotificationJobPayloadFromMap(job.Payload)
		if err != nil || p.OrderID == 0 {
			return Permanent(fmt.Errorf("invalid order notification payload: %v", err))
		}
		tenant, err := tenants.GetTenant(ctx, p.TenantID)
		if errors.Is(err, billing.ErrNotFound) {
			return Permanent(err)
		}
		if err != nil {
			return err
		}

		amount := formatAmount(p.Total, p.Currency)
		store := html.EscapeString(tenant.Name)
		if p.CustomerEmail != "" {
			subject := fmt.Sprintf("Your order #%d at %s is confirmed", p.OrderID, tenant.Name)
			body := fmt.Sprintf("<p>Thanks for your purchase at <strong>%s</strong>.</p><p>Order #%d, total %s, is paid.</p>", store, p.OrderID, amount)
			if err := mailer.Send(ctx, p.CustomerEmail, subject, body); err != nil {
				return err
			}
		}
		if tenant.OwnerEmail != "" {
			subject := fmt.Sprintf("New paid order #%d", p.OrderID)
			body := fmt.Sprintf("<p>Order #%d in <strong>%s</strong> was paid (%s).</p>", p.OrderID, store, amount)
			if err := mailer.Send(ctx, tenant.OwnerEmail, subject, body); err != nil {
				return err
			}
		}
		log.Debugf("[JobQueue] order %d notifications sent", p.OrderID)
		return nil
	}
}

// formatAmount renders minor units as "1234.50 ARS".
func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return strings.TrimSpace(fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency))
}
