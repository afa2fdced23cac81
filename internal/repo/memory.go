package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"purchase-ledger/internal/domain"
)

// MemoryStore keeps products, orders and outbox records in process memory. It
// enforces the same live-pair uniqueness and guarded transitions as Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	files    map[string][]domain.ProductFile
	orders   map[uuid.UUID]*domain.Order
	byExtID  map[string]uuid.UUID
	outbox   []domain.OutboxRecord
	nextSeq  int64
	checks   map[uuid.UUID]reconcileCheck
	// lateCaptures marks closed orders whose capture was recorded
	lateCaptures map[uuid.UUID]struct{}
}

type reconcileCheck struct {
	at      time.Time
	settled bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[string]domain.Product),
		files:        make(map[string][]domain.ProductFile),
		orders:       make(map[uuid.UUID]*domain.Order),
		byExtID:      make(map[string]uuid.UUID),
		checks:       make(map[uuid.UUID]reconcileCheck),
		lateCaptures: make(map[uuid.UUID]struct{}),
	}
}

var (
	_ OrderRepo   = (*MemoryStore)(nil)
	_ ProductRepo = (*MemoryStore)(nil)
	_ OutboxRepo  = (*MemoryStore)(nil)
)

// Orders returns a snapshot of every order, oldest first.
func (m *MemoryStore) Orders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) StartPending(_ context.Context, order *domain.Order) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byExtID[order.ExternalOrderID]; dup {
		return nil, fmt.Errorf("duplicate external order id %s", order.ExternalOrderID)
	}

	var superseded []domain.Order
	for _, prev := range m.orders {
		if prev.BuyerID != order.BuyerID || prev.ProductID != order.ProductID || !prev.Status.Live() {
			continue
		}
		if prev.Status == domain.OrderPaid {
			return nil, domain.ErrAlreadyPurchased
		}
	}
	for _, prev := range m.orders {
		if prev.BuyerID == order.BuyerID && prev.ProductID == order.ProductID && prev.Status == domain.OrderPending {
			prev.Status = domain.OrderSuperseded
			prev.UpdatedAt = order.CreatedAt
			m.appendOutbox(prev)
			superseded = append(superseded, *prev)
		}
	}

	stored := *order
	m.orders[stored.ID] = &stored
	m.byExtID[stored.ExternalOrderID] = stored.ID
	m.appendOutbox(&stored)
	return superseded, nil
}

func (m *MemoryStore) FindByExternalID(_ context.Context, externalOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExtID[externalOrderID]
	if !ok {
		return nil, nil
	}
	o := *m.orders[id]
	return &o, nil
}

func (m *MemoryStore) FindPending(_ context.Context, buyerID, productID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BuyerID == buyerID && o.ProductID == productID && o.Status == domain.OrderPending {
			out := *o
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) MarkPaid(_ context.Context, externalOrderID string, capture domain.Capture) (*domain.Order, error) {
	return m.transition(externalOrderID, domain.OrderPaid, func(o *domain.Order) {
		if capture.ID != "" {
			o.CaptureID = capture.ID
		}
		switch {
		case capture.Amount != 0:
			o.CapturedAmount = capture.Amount
		case o.CapturedAmount == 0:
			o.CapturedAmount = o.Amount
		}
	})
}

func (m *MemoryStore) MarkCancelled(_ context.Context, externalOrderID string) (*domain.Order, error) {
	return m.transition(externalOrderID, domain.OrderCancelled, nil)
}

func (m *MemoryStore) RecordLateCapture(_ context.Context, externalOrderID string, capture domain.Capture) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byExtID[externalOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", domain.ErrInvalidTransition, externalOrderID)
	}
	o := m.orders[id]
	if !o.Status.Closed() {
		return nil, fmt.Errorf("%w: late capture on %s order", domain.ErrInvalidTransition, o.Status)
	}
	if _, recorded := m.lateCaptures[id]; !recorded {
		m.lateCaptures[id] = struct{}{}
		o.CaptureID = capture.ID
		o.CapturedAmount = capture.Amount
		if o.CapturedAmount == 0 {
			o.CapturedAmount = o.Amount
		}
		o.UpdatedAt = time.Now().UTC()
		m.appendEvent(domain.NewRefundEvent(o))
	}
	out := *o
	return &out, nil
}

func (m *MemoryStore) transition(externalOrderID string, to domain.OrderStatus, apply func(*domain.Order)) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byExtID[externalOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", domain.ErrInvalidTransition, externalOrderID)
	}
	o := m.orders[id]
	if !domain.CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, o.Status, to)
	}
	before := o.Status
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	if apply != nil {
		apply(o)
	}
	if before != to {
		m.appendOutbox(o)
	}
	out := *o
	return &out, nil
}

func (m *MemoryStore) HasPaid(_ context.Context, buyerID, productID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BuyerID == buyerID && o.ProductID == productID && o.Status == domain.OrderPaid {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListPaidByBuyer(_ context.Context, buyerID string) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purchases := []domain.Purchase{}
	for _, o := range m.sortedOrdersDesc() {
		if o.BuyerID != buyerID || o.Status != domain.OrderPaid {
			continue
		}
		p := m.products[o.ProductID]
		purchases = append(purchases, domain.Purchase{
			OrderID:     o.ID,
			ProductID:   o.ProductID,
			ProductName: p.Name,
			VendorID:    p.OwnerID,
			Status:      string(o.Status),
			Amount:      o.Amount,
			Currency:    o.Currency,
			CreatedAt:   o.CreatedAt,
		})
	}
	return purchases, nil
}

func (m *MemoryStore) ListByVendor(_ context.Context, vendorID string, limit int, cursor string) ([]domain.VendorPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cursor != "" {
		if _, err := uuid.Parse(cursor); err != nil {
			return nil, domain.Validation("invalid cursor %q", cursor)
		}
	}
	started := cursor == ""
	purchases := []domain.VendorPurchase{}
	for _, o := range m.sortedOrdersDesc() {
		p := m.products[o.ProductID]
		if p.OwnerID != vendorID {
			continue
		}
		if !started {
			if o.ID.String() != cursor {
				continue
			}
			started = true
		}
		if len(purchases) == limit {
			break
		}
		purchases = append(purchases, domain.VendorPurchase{
			OrderID:         o.ID,
			ProductID:       o.ProductID,
			ProductName:     p.Name,
			Price:           p.Price,
			BuyerID:         o.BuyerID,
			Status:          string(o.Status),
			ExternalOrderID: o.ExternalOrderID,
			CreatedAt:       o.CreatedAt,
		})
	}
	if !started {
		return nil, domain.Validation("unknown cursor %q", cursor)
	}
	return purchases, nil
}

func (m *MemoryStore) VendorSummary(_ context.Context, vendorID string) (domain.VendorSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s domain.VendorSummary
	for _, p := range m.products {
		if p.OwnerID == vendorID {
			s.ProductCount++
		}
	}
	customers := make(map[string]struct{})
	for _, o := range m.orders {
		if m.products[o.ProductID].OwnerID != vendorID || o.Status != domain.OrderPaid {
			continue
		}
		customers[o.BuyerID] = struct{}{}
		if o.VendorPaidOn == nil {
			s.UnpaidOrders++
			s.UnpaidGross += capturedOrAmount(o)
		}
	}
	s.CustomerCount = len(customers)
	return s, nil
}

func (m *MemoryStore) MarkVendorPaid(_ context.Context, vendorID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.orders {
		if m.products[o.ProductID].OwnerID == vendorID && o.Status == domain.OrderPaid && o.VendorPaidOn == nil {
			paidOn := at
			o.VendorPaidOn = &paidOn
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FindStuckOrders(_ context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []domain.Order
	for id, o := range m.orders {
		check := m.checks[id]
		_, captured := m.lateCaptures[id]
		due := o.UpdatedAt.Before(cutoff) && (check.at.IsZero() || check.at.Before(cutoff))
		open := o.Status == domain.OrderPending || (o.Status.Closed() && !captured && !check.settled)
		if due && open {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := m.checks[out[i].ID].at, m.checks[out[j].ID].at
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkReconciled(_ context.Context, externalOrderID string, settled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExtID[externalOrderID]
	if !ok {
		return fmt.Errorf("order %s not found", externalOrderID)
	}
	check := m.checks[id]
	check.at = time.Now().UTC()
	check.settled = check.settled || settled
	m.checks[id] = check
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) Create(_ context.Context, p *domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.products[p.ID]; exists {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	m.products[p.ID] = *p
	return nil
}

func (m *MemoryStore) AddFile(_ context.Context, f *domain.ProductFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ProductID] = append(m.files[f.ProductID], *f)
	return nil
}

func (m *MemoryStore) LatestFile(_ context.Context, productID string) (*domain.ProductFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.ProductFile
	for i, f := range m.files[productID] {
		if latest == nil || f.CreatedAt.After(latest.CreatedAt) {
			latest = &m.files[productID][i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (m *MemoryStore) IncrementDownloads(_ context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("product %s not found", productID)
	}
	p.Downloads++
	m.products[productID] = p
	return nil
}

func (m *MemoryStore) FetchPending(_ context.Context, limit int) ([]domain.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxRecord
	for _, rec := range m.outbox {
		if rec.SentAt != nil {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			now := time.Now().UTC()
			m.outbox[i].SentAt = &now
			return nil
		}
	}
	return fmt.Errorf("outbox record %d not found", id)
}

// appendOutbox must be called with mu held.
func (m *MemoryStore) appendOutbox(o *domain.Order) {
	m.appendEvent(domain.NewOrderEvent(o))
}

// appendEvent must be called with mu held.
func (m *MemoryStore) appendEvent(ev domain.OrderEvent) {
	rec, err := domain.NewOutboxRecord(ev)
	if err != nil {
		return
	}
	m.nextSeq++
	rec.ID = m.nextSeq
	m.outbox = append(m.outbox, rec)
}

// sortedOrdersDesc must be called with mu held.
func (m *MemoryStore) sortedOrdersDesc() []*domain.Order {
	out := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func capturedOrAmount(o *domain.Order) int64 {
	if o.CapturedAmount != 0 {
		return o.CapturedAmount
	}
	return o.Amount
}
