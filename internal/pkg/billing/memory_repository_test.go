package billing

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// memoryRepository is an in-memory Repository with the same conditional
// update semantics as the gorm implementation. Transactions are serialized
// and roll back by restoring a snapshot.
type memoryRepository struct {
	st   *memState
	inTx bool
}

type memState struct {
	mu   sync.Mutex
	txMu sync.Mutex
	data memData

	// fail injects one error for the named method.
	fail map[string]error
	// beforeTenantWrite runs before UpdateTenantState, outside the lock.
	beforeTenantWrite func()
}

type memData struct {
	seq       map[string]uint
	events    map[uint]models.NotificationEvent
	tenants   map[uint]models.Tenant
	records   map[uint]models.SubscriptionRecord
	orders    map[uint]models.Order
	audits    []models.AuditLog
	referrals map[uint]models.ReferralUse
	rewards   []models.ReferralReward
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{st: &memState{
		data: memData{
			seq:       map[string]uint{},
			events:    map[uint]models.NotificationEvent{},
			tenants:   map[uint]models.Tenant{},
			records:   map[uint]models.SubscriptionRecord{},
			orders:    map[uint]models.Order{},
			referrals: map[uint]models.ReferralUse{},
		},
		fail: map[string]error{},
	}}
}

func (d memData) clone() memData {
	c := memData{
		seq:       map[string]uint{},
		events:    map[uint]models.NotificationEvent{},
		tenants:   map[uint]models.Tenant{},
		records:   map[uint]models.SubscriptionRecord{},
		orders:    map[uint]models.Order{},
		audits:    append([]models.AuditLog(nil), d.audits...),
		referrals: map[uint]models.ReferralUse{},
		rewards:   append([]models.ReferralReward(nil), d.rewards...),
	}
	for k, v := range d.seq {
		c.seq[k] = v
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.tenants {
		c.tenants[k] = *v.Clone()
	}
	for k, v := range d.records {
		c.records[k] = v
	}
	for k, v := range d.orders {
		v.Items = append([]models.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range d.referrals {
		c.referrals[k] = v
	}
	return c
}

func (r *memoryRepository) lock() func() {
	r.st.mu.Lock()
	return r.st.mu.Unlock
}

func (r *memoryRepository) next(table string) uint {
	r.st.data.seq[table]++
	return r.st.data.seq[table]
}

func (r *memoryRepository) injected(method string) error {
	if err, ok := r.st.fail[method]; ok {
		delete(r.st.fail, method)
		return err
	}
	return nil
}

func (r *memoryRepository) failOnce(method string, err error) {
	defer r.lock()()
	r.st.fail[method] = err
}

// seedTenant stores t and returns it with its assigned id.
func (r *memoryRepository) seedTenant(t models.Tenant) *models.Tenant {
	defer r.lock()()
	if t.ID == 0 {
		t.ID = r.next("tenants")
	}
	if t.OwnerUserID == 0 {
		t.OwnerUserID = 1000 + t.ID
	}
	if t.Tier == "" {
		t.Tier = "free"
	}
	if t.SubscriptionStatus == "" {
		t.SubscriptionStatus = models.SubscriptionStatusNone
	}
	r.st.data.tenants[t.ID] = *t.Clone()
	return t.Clone()
}

func (r *memoryRepository) seedReferral(use models.ReferralUse) *models.ReferralUse {
	defer r.lock()()
	use.ID = r.next("referrals")
	if use.Status == "" {
		use.Status = models.ReferralUsePending
	}
	r.st.data.referrals[use.ID] = use
	return &use
}

func (r *memoryRepository) tenant(id uint) *models.Tenant {
	defer r.lock()()
	t, ok := r.st.data.tenants[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

func (r *memoryRepository) setOrdersRemaining(tenantID uint, n int) {
	defer r.lock()()
	t := r.st.data.tenants[tenantID]
	t.OrdersRemaining = &n
	r.st.data.tenants[tenantID] = t
}

func (r *memoryRepository) order(id uint) models.Order {
	defer r.lock()()
	return r.st.data.orders[id]
}

func (r *memoryRepository) auditsWith(action string) []models.AuditLog {
	defer r.lock()()
	var out []models.AuditLog
	for _, a := range r.st.data.audits {
		if action == "" || a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

func (r *memoryRepository) events() []models.NotificationEvent {
	defer r.lock()()
	out := make([]models.NotificationEvent, 0, len(r.st.data.events))
	for _, e := range r.st.data.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepository) rewards() []models.ReferralReward {
	defer r.lock()()
	return append([]models.ReferralReward(nil), r.st.data.rewards...)
}

func (r *memoryRepository) UpsertNotificationEvent(_ context.Context, event *models.NotificationEvent) (bool, *models.NotificationEvent, error) {
	defer r.lock()()
	if err := r.injected("UpsertNotificationEvent"); err != nil {
		return false, nil, err
	}
	for id, e := range r.st.data.events {
		if e.ProviderEventID == event.ProviderEventID && e.ResourceID == event.ResourceID {
			e.AttemptCount++
			e.UpdatedAt = time.Now()
			r.st.data.events[id] = e
			return false, &e, nil
		}
	}
	stored := *event
	stored.ID = r.next("events")
	stored.CreatedAt = time.Now()
	r.st.data.events[stored.ID] = stored
	return true, &stored, nil
}

func (r *memoryRepository) GetNotificationEvent(_ context.Context, providerEventID, resourceID string) (*models.NotificationEvent, error) {
	defer r.lock()()
	for _, e := range r.st.data.events {
		if e.ProviderEventID == providerEventID && e.ResourceID == resourceID {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) ClaimNotificationEvent(_ context.Context, id uint, signatureState string, staleBefore, now time.Time) (bool, error) {
	defer r.lock()()
	e, ok := r.st.data.events[id]
	if !ok {
		return false, nil
	}
	claimable := e.Status == models.NotificationStatusReceived ||
		(e.Status == models.NotificationStatusFailed && e.Retryable) ||
		(e.Status == models.NotificationStatusProcessing && e.ProcessingStartedAt != nil && e.ProcessingStartedAt.Before(staleBefore))
	if !claimable {
		return false, nil
	}
	e.Status = models.NotificationStatusProcessing
	e.ProcessingStartedAt = &now
	e.SignatureState = signatureState
	e.SignatureValid = signatureState == models.SignatureVerified
	r.st.data.events[id] = e
	return true, nil
}

func (r *memoryRepository) FinishNotificationEvent(_ context.Context, id uint, status string, retryable bool, lastError, resultJSON string, now time.Time) error {
	defer r.lock()()
	if err := r.injected("FinishNotificationEvent"); err != nil {
		return err
	}
	e := r.st.data.events[id]
	e.Status = status
	e.Retryable = retryable
	e.LastError = lastError
	e.ResultJSON = resultJSON
	if status == models.NotificationStatusProcessed {
		e.ProcessedAt = &now
	}
	r.st.data.events[id] = e
	return nil
}

func (r *memoryRepository) GetTenant(_ context.Context, id uint) (*models.Tenant, error) {
	defer r.lock()()
	if err := r.injected("GetTenant"); err != nil {
		return nil, err
	}
	t, ok := r.st.data.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r *memoryRepository) findTenant(match func(t models.Tenant) bool) (*models.Tenant, error) {
	defer r.lock()()
	ids := make([]uint, 0, len(r.st.data.tenants))
	for id := range r.st.data.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := r.st.data.tenants[id]
		if match(t) {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) GetTenantBySlug(_ context.Context, slug string) (*models.Tenant, error) {
	return r.findTenant(func(t models.Tenant) bool { return t.Slug == slug })
}

func (r *memoryRepository) GetTenantByAPIKeyHash(_ context.Context, hash string) (*models.Tenant, error) {
	return r.findTenant(func(t models.Tenant) bool { return hash != "" && t.APIKeyHash == hash })
}

func (r *memoryRepository) GetTenantByOwner(_ context.Context, ownerUserID uint) (*models.Tenant, error) {
	return r.findTenant(func(t models.Tenant) bool { return t.OwnerUserID == ownerUserID })
}

func (r *memoryRepository) UpdateTenantState(_ context.Context, next *models.Tenant, expectedVersion uint) (bool, error) {
	if hook := r.st.beforeTenantWrite; hook != nil {
		hook()
	}
	defer r.lock()()
	cur, ok := r.st.data.tenants[next.ID]
	if !ok || cur.StateVersion != expectedVersion {
		return false, nil
	}
	stored := *next.Clone()
	stored.StateVersion = expectedVersion + 1
	r.st.data.tenants[next.ID] = stored
	next.StateVersion = expectedVersion + 1
	return true, nil
}

func (r *memoryRepository) ConsumeOrderSlot(_ context.Context, tenantID uint) (bool, error) {
	defer r.lock()()
	t, ok := r.st.data.tenants[tenantID]
	if !ok || t.OrdersRemaining == nil || *t.OrdersRemaining <= 0 {
		return false, nil
	}
	remaining := *t.OrdersRemaining - 1
	t.OrdersRemaining = &remaining
	t.StateVersion++
	r.st.data.tenants[tenantID] = t
	return true, nil
}

func (r *memoryRepository) SetTenantAPIKey(_ context.Context, tenantID uint, hash, prefix string, createdAt *time.Time) error {
	defer r.lock()()
	if err := r.injected("SetTenantAPIKey"); err != nil {
		return err
	}
	t, ok := r.st.data.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.APIKeyHash = hash
	t.APIKeyPrefix = prefix
	t.APIKeyCreatedAt = createdAt
	r.st.data.tenants[tenantID] = t
	return nil
}

func (r *memoryRepository) ReleaseOrderSlot(_ context.Context, tenantID uint) error {
	defer r.lock()()
	t, ok := r.st.data.tenants[tenantID]
	if !ok || t.OrdersRemaining == nil || t.OrdersLimit == nil || *t.OrdersRemaining >= *t.OrdersLimit {
		return nil
	}
	remaining := *t.OrdersRemaining + 1
	t.OrdersRemaining = &remaining
	t.StateVersion++
	r.st.data.tenants[tenantID] = t
	return nil
}

func (r *memoryRepository) ListTenantsDueForSweep(_ context.Context, now time.Time, limit int) ([]models.Tenant, error) {
	defer r.lock()()
	var out []models.Tenant
	for _, t := range r.st.data.tenants {
		due := (t.ScheduledTier != "" && t.ScheduledEffectiveAt != nil && !t.ScheduledEffectiveAt.After(now)) ||
			(t.SubscriptionStatus == models.SubscriptionStatusActive && t.PremiumUntil != nil && t.PremiumUntil.Before(now)) ||
			(t.SubscriptionStatus == models.SubscriptionStatusGracePeriod && (t.GraceUntil == nil || t.GraceUntil.Before(now)))
		if due {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) CreateSubscriptionRecordIfNotExists(_ context.Context, rec *models.SubscriptionRecord) (bool, *models.SubscriptionRecord, error) {
	defer r.lock()()
	for _, existing := range r.st.data.records {
		if existing.IdempotencyKey == rec.IdempotencyKey {
			return false, &existing, nil
		}
	}
	stored := *rec
	stored.ID = r.next("records")
	stored.CreatedAt = time.Now()
	r.st.data.records[stored.ID] = stored
	rec.ID = stored.ID
	return true, &stored, nil
}

func (r *memoryRepository) GetSubscriptionRecord(_ context.Context, id uint) (*models.SubscriptionRecord, error) {
	defer r.lock()()
	rec, ok := r.st.data.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *memoryRepository) GetSubscriptionRecordByPaymentID(_ context.Context, paymentID string) (*models.SubscriptionRecord, error) {
	defer r.lock()()
	for _, rec := range r.st.data.records {
		if paymentID != "" && rec.ProviderPaymentID == paymentID {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) LatestPendingSubscriptionRecord(_ context.Context, tenantID uint, planTier string) (*models.SubscriptionRecord, error) {
	defer r.lock()()
	var best *models.SubscriptionRecord
	for _, rec := range r.st.data.records {
		if rec.TenantID != tenantID || rec.Status != models.SubscriptionRecordPending {
			continue
		}
		if planTier != "" && rec.PlanTier != planTier {
			continue
		}
		if best == nil || rec.ID > best.ID {
			c := rec
			best = &c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (r *memoryRepository) TransitionSubscriptionRecord(_ context.Context, id uint, from []string, to string, fields RecordTransition) (bool, error) {
	defer r.lock()()
	rec, ok := r.st.data.records[id]
	if !ok || !contains(from, rec.Status) {
		return false, nil
	}
	rec.Status = to
	if fields.ProviderPaymentID != "" {
		rec.ProviderPaymentID = fields.ProviderPaymentID
	}
	if fields.PaidAt != nil {
		rec.PaidAt = fields.PaidAt
	}
	if fields.StartsAt != nil {
		rec.StartsAt = fields.StartsAt
	}
	if fields.ExpiresAt != nil {
		rec.ExpiresAt = fields.ExpiresAt
	}
	r.st.data.records[id] = rec
	return true, nil
}

func (r *memoryRepository) SetSubscriptionCheckout(_ context.Context, id uint, preferenceID, checkoutURL string) error {
	defer r.lock()()
	rec := r.st.data.records[id]
	rec.PreferenceID = preferenceID
	rec.CheckoutURL = checkoutURL
	r.st.data.records[id] = rec
	return nil
}

func (r *memoryRepository) CreateOrderIfNotExists(_ context.Context, order *models.Order) (bool, *models.Order, error) {
	defer r.lock()()
	for _, existing := range r.st.data.orders {
		if existing.IdempotencyKey == order.IdempotencyKey {
			existing.Items = append([]models.OrderItem(nil), existing.Items...)
			return false, &existing, nil
		}
	}
	stored := *order
	stored.ID = r.next("orders")
	stored.CreatedAt = time.Now()
	stored.Items = nil
	for _, it := range order.Items {
		it.ID = r.next("order_items")
		it.OrderID = stored.ID
		stored.Items = append(stored.Items, it)
	}
	r.st.data.orders[stored.ID] = stored
	order.ID = stored.ID
	out := stored
	out.Items = append([]models.OrderItem(nil), stored.Items...)
	return true, &out, nil
}

func (r *memoryRepository) GetOrder(_ context.Context, id uint) (*models.Order, error) {
	defer r.lock()()
	order, ok := r.st.data.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	order.Items = append([]models.OrderItem(nil), order.Items...)
	return &order, nil
}

func (r *memoryRepository) SetOrderCheckout(_ context.Context, id uint, preferenceID, checkoutURL string) error {
	defer r.lock()()
	order := r.st.data.orders[id]
	order.PreferenceID = preferenceID
	order.CheckoutURL = checkoutURL
	r.st.data.orders[id] = order
	return nil
}

func (r *memoryRepository) ConfirmOrderPaid(_ context.Context, id uint, fromStatus, paymentID string, paidAt time.Time) (bool, error) {
	defer r.lock()()
	order, ok := r.st.data.orders[id]
	if !ok || order.IsPaid || order.PaymentStatus != fromStatus {
		return false, nil
	}
	order.IsPaid = true
	order.PaidAt = &paidAt
	order.PaymentStatus = models.OrderStatusConfirmed
	order.ProviderPaymentID = paymentID
	r.st.data.orders[id] = order
	return true, nil
}

func (r *memoryRepository) RejectOrder(_ context.Context, id uint, paymentID string) (bool, error) {
	defer r.lock()()
	order, ok := r.st.data.orders[id]
	if !ok || order.IsPaid || order.PaymentStatus != models.OrderStatusPendingPayment {
		return false, nil
	}
	order.PaymentStatus = models.OrderStatusRejected
	order.ProviderPaymentID = paymentID
	r.st.data.orders[id] = order
	return true, nil
}

func (r *memoryRepository) CreateAuditLog(_ context.Context, entry *models.AuditLog) error {
	defer r.lock()()
	if err := r.injected("CreateAuditLog"); err != nil {
		return err
	}
	entry.ID = r.next("audits")
	entry.CreatedAt = time.Now()
	r.st.data.audits = append(r.st.data.audits, *entry)
	return nil
}

func (r *memoryRepository) ListAuditLogs(_ context.Context, f AuditFilter) ([]models.AuditLog, error) {
	defer r.lock()()
	var out []models.AuditLog
	for i := len(r.st.data.audits) - 1; i >= 0; i-- {
		a := r.st.data.audits[i]
		switch {
		case f.TenantID != 0 && (a.TenantID == nil || *a.TenantID != f.TenantID):
			continue
		case f.OrderID != 0 && (a.OrderID == nil || *a.OrderID != f.OrderID):
			continue
		case f.Action != "" && a.Action != f.Action:
			continue
		case f.PaymentID != "" && a.PaymentID != f.PaymentID:
			continue
		case f.Security != nil && a.Security != *f.Security:
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) GetPendingReferralUse(_ context.Context, referredUserID uint) (*models.ReferralUse, error) {
	defer r.lock()()
	for _, use := range r.st.data.referrals {
		if use.ReferredUserID == referredUserID && use.Status == models.ReferralUsePending {
			return &use, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepository) ConvertReferralUse(_ context.Context, id uint, paymentID string, amount int64, planTier string, at time.Time) (bool, error) {
	defer r.lock()()
	use, ok := r.st.data.referrals[id]
	if !ok || use.Status != models.ReferralUsePending {
		return false, nil
	}
	use.Status = models.ReferralUseConverted
	use.PaymentID = paymentID
	use.Amount = amount
	use.PlanTier = planTier
	use.ConvertedAt = &at
	r.st.data.referrals[id] = use
	return true, nil
}

func (r *memoryRepository) CountConvertedReferrals(_ context.Context, referrerUserID uint) (int64, error) {
	defer r.lock()()
	var n int64
	for _, use := range r.st.data.referrals {
		if use.ReferrerUserID == referrerUserID && use.Status == models.ReferralUseConverted {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) CreateReferralRewardIfNotExists(_ context.Context, reward *models.ReferralReward) (bool, error) {
	defer r.lock()()
	for _, existing := range r.st.data.rewards {
		if existing.ReferrerUserID == reward.ReferrerUserID && existing.Threshold == reward.Threshold {
			return false, nil
		}
	}
	reward.ID = r.next("rewards")
	r.st.data.rewards = append(r.st.data.rewards, *reward)
	return true, nil
}

func (r *memoryRepository) Transaction(_ context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.st.txMu.Lock()
	defer r.st.txMu.Unlock()

	r.st.mu.Lock()
	snapshot := r.st.data.clone()
	r.st.mu.Unlock()

	if err := fn(&memoryRepository{st: r.st, inTx: true}); err != nil {
		r.st.mu.Lock()
		r.st.data = snapshot
		r.st.mu.Unlock()
		return err
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fakeProvider serves canned canonical payments.
type fakeProvider struct {
	mu          sync.Mutex
	payments    map[string]CanonicalPayment
	fetchErr    error
	fetches     int
	tokens      []string
	preferences []PreferenceRequest
	prefErr     error
	gate        chan struct{}
	entered     chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{payments: map[string]CanonicalPayment{}}
}

func (p *fakeProvider) set(payment CanonicalPayment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[payment.ID] = payment
}

func (p *fakeProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

// hold makes FetchPayment wait until the returned gate is closed. entered
// receives one value per fetch that reached the gate.
func (p *fakeProvider) hold() (gate chan struct{}, entered chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 8)
	return p.gate, p.entered
}

func (p *fakeProvider) FetchPayment(ctx context.Context, accessToken, paymentID string) (*CanonicalPayment, error) {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	p.tokens = append(p.tokens, accessToken)
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	payment, ok := p.payments[paymentID]
	if !ok {
		return nil, &ProviderError{Operation: "fetch_payment", StatusCode: 404}
	}
	return &payment, nil
}

func (p *fakeProvider) CreatePreference(_ context.Context, _ string, req PreferenceRequest) (*Preference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefErr != nil {
		return nil, p.prefErr
	}
	p.preferences = append(p.preferences, req)
	n := len(p.preferences)
	id := "pref-" + strconv.Itoa(n)
	return &Preference{ID: id, InitPoint: "https://checkout.example/" + id}, nil
}
