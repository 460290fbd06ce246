package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const maxCASAttempts = 5

// Actor identifies who triggered a transition in the audit trail.
type Actor struct {
	Type string
	ID   string
}

var (
	webhookActor = Actor{Type: models.ActorWebhook, ID: "provider"}
	cronActor    = Actor{Type: models.ActorCron, ID: "sweeper"}
)

func AdminActor(id string) Actor { return Actor{Type: models.ActorAdmin, ID: id} }
func UserActor(id string) Actor { return Actor{Type: models.ActorUser, ID: id} }

// SystemActor names a background worker or ops command.
func SystemActor(id string) Actor { return Actor{Type: models.ActorCron, ID: id} }

// OrderNotifier receives confirmed orders for downstream fulfillment. It is
// called after the confirmation has been committed.
type OrderNotifier interface {
	OrderPaid(ctx context.Context, order *models.Order)
}

type logNotifier struct{}

func (logNotifier) OrderPaid(_ context.Context, order *models.Order) {
	log.Infof("[Billing] order %d of tenant %d paid, fulfillment may start", order.ID, order.TenantID)
}

// Service is the payment confirmation and reconciliation engine.
type Service struct {
	repo     Repository
	provider Provider
	cfg      Config
	cache    entitlements.SnapshotCache
	notifier OrderNotifier
	validate *validator.Validate
	now      func() time.Time
	flights  singleflight.Group
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithSnapshotCache(c entitlements.SnapshotCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithOrderNotifier(n OrderNotifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// NewService creates a billing service from an injected repository and provider.
func NewService(repo Repository, provider Provider, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		provider: provider,
		cfg:      cfg.withDefaults(),
		cache:    entitlements.NopSnapshotCache{},
		notifier: logNotifier{},
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider Provider, cfg Config, opts ...Option) *Service {
	return NewService(NewRepository(db), provider, cfg, opts...)
}

func (s *Service) Config() Config { return s.cfg }

// Repository exposes the underlying store for read-only ops tooling.
func (s *Service) Repository() Repository { return s.repo }

// retryConflicts reruns fn while it loses a compare-and-set. Each run must
// re-read the state it conditions on.
func (s *Service) retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transient(ctxErr)
		}
		log.Debugf("[Billing] compare-and-set lost (attempt %d/%d), retrying", attempt+1, maxCASAttempts)
	}
	return err
}

// updateTenant reads the tenant, lets mutate edit a copy and writes it back
// conditioned on the version that was read. A lost write returns
// ErrConflict; mutate returning false skips the write.
func (s *Service) updateTenant(ctx context.Context, repo Repository, tenantID uint, mutate func(next *models.Tenant) (bool, error)) (prev, next *models.Tenant, changed bool, err error) {
	prev, err = repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, false, err
	}
	next = prev.Clone()
	changed, err = mutate(next)
	if err != nil || !changed {
		return prev, prev, false, err
	}
	ok, err := repo.UpdateTenantState(ctx, next, prev.StateVersion)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, ErrConflict
	}
	return prev, next, true, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID uint) {
	s.cache.Invalidate(ctx, tenantID)
}

func (s *Service) audit(ctx context.Context, repo Repository, entry *models.AuditLog, details map[string]interface{}) error {
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = string(raw)
		}
	}
	return repo.CreateAuditLog(ctx, entry)
}

// securityAudit records an anomaly outside any transaction so it survives
// the rejection of the request that caused it.
func (s *Service) securityAudit(ctx context.Context, entry *models.AuditLog, details map[string]interface{}) {
	entry.Security = true
	if err := s.audit(ctx, s.repo, entry, details); err != nil {
		log.Errorf("[Billing] failed to write security audit %s: %v", entry.Action, err)
	}
}

func uintPtr(v uint) *uint {
	if v == 0 {
		return nil
	}
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }

func laterOf(a *time.Time, b time.Time) time.Time {
	if a != nil && a.After(b) {
		return *a
	}
	return b
}
