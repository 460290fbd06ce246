package jobqueue

import (
	"context"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
)

// Manager wires the queue to the billing engine. It delivers order
// notifications and defers reconciliation the request path could not
// finish.
type Manager struct {
	queue *Queue

	mu      sync.Mutex
	running bool
}

// NewManager registers the payfox job handlers on a fresh queue.
func NewManager(client redis.Cmdable, reconciler PaymentReconciler, tenants TenantLookup, mailer mail.Mailer, workers int) *Manager {
	q := NewQueue(client, workers)
	q.Register(JobTypeReconcilePayment, reconcilePaymentHandler(reconciler))
	q.Register(JobTypeOrderPaidNotification, orderPaidNotificationHandler(tenants, mailer))
	return &Manager{queue: q}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the workers; they stop when ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue")
	m.queue.Start(ctx)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// OrderPaid queues the paid-order emails. One job per order, however many
// times the confirmation is replayed.
func (m *Manager) OrderPaid(ctx context.Context, order *models.Order) {
	payload := OrderPaidNotificationJobPayload{
		OrderID:       order.ID,
		TenantID:      order.TenantID,
		CustomerEmail: order.CustomerEmail,
		Total:         order.Total,
		Currency:      order.Currency,
	}
	key := strconv.FormatUint(uint64(order.ID), 10)
	if _, _, err := m.queue.EnqueueUnique(ctx, JobTypeOrderPaidNotification, key, payload.ToMap()); err != nil {
		log.Errorf("[JobQueue Manager] Failed to queue notification for order %d: %v", order.ID, err)
	}
}

// DeferReconcile returns a callback that queues a reconcile job for the
// payment. Repeated calls for the same payment collapse into one job.
func (m *Manager) DeferReconcile(paymentID string, tenantID uint, source string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		payload := ReconcilePaymentJobPayload{PaymentID: paymentID, TenantID: tenantID, Source: source}
		key := strconv.FormatUint(uint64(tenantID), 10) + ":" + paymentID
		_, _, err := m.queue.EnqueueUnique(ctx, JobTypeReconcilePayment, key, payload.ToMap())
		return err
	}
}
