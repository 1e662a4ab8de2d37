// Package ledger holds the in-memory working copy of one owner's customer
// document and every mutation the product performs on it. A Ledger is bound
// to a backend subscription; the subscription echo is the source of truth for
// the working copy, and each mutation persists the whole document back.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"vendasfiadas/backend/internal/cache"
	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/store"
	"vendasfiadas/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Ledger struct {
	backend     store.Backend
	cache       cache.SnapshotCache
	snapshotTTL time.Duration

	mu          sync.Mutex
	owner       string
	customers   domain.CustomerDoc
	generation  uint64
	cancel      store.CancelFunc
	watchers    map[int]chan struct{}
	nextWatcher int
}

func New(backend store.Backend, snapshotCache cache.SnapshotCache, snapshotTTL time.Duration) *Ledger {
	if snapshotCache == nil {
		snapshotCache = cache.NoopCache{}
	}
	return &Ledger{
		backend:     backend,
		cache:       snapshotCache,
		snapshotTTL: snapshotTTL,
		customers:   domain.CustomerDoc{},
		watchers:    make(map[int]chan struct{}),
	}
}

// Bind attaches the ledger to an owner's document. Any previous binding is
// retired first. The working copy is warm-started from the snapshot cache
// when available, then kept current by the backend subscription; snapshots
// from a retired subscription are dropped by the generation check.
func (l *Ledger) Bind(ctx context.Context, ownerID string) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.retireLocked()
	}
	l.generation++
	generation := l.generation
	l.owner = ownerID
	l.customers = domain.CustomerDoc{}

	if cached, ok, err := l.cache.GetDocument(ctx, ownerID); err != nil {
		log.Printf("[ledger] WARN: snapshot cache read failed owner=%s: %v", ownerID, err)
	} else if ok {
		l.customers = cached
	}
	l.mu.Unlock()

	cancel, err := l.backend.Subscribe(ownerID,
		func(doc domain.CustomerDoc) { l.applySnapshot(generation, doc) },
		func(err error) { l.handleStreamError(generation, err) },
	)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.generation != generation {
		// Unbound (or rebound) while subscribing; retire immediately.
		l.mu.Unlock()
		cancel()
		return nil
	}
	l.cancel = cancel
	l.mu.Unlock()
	return nil
}

// Unbind retires the current binding and clears the working copy. After it
// returns, no snapshot from the old subscription can reach the ledger.
func (l *Ledger) Unbind() {
	l.mu.Lock()
	cancel := l.retireLocked()
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// retireLocked bumps the generation so in-flight deliveries are dropped,
// clears state, and hands back the cancel for the caller to invoke outside
// the lock.
func (l *Ledger) retireLocked() store.CancelFunc {
	l.generation++
	cancel := l.cancel
	l.cancel = nil
	l.owner = ""
	l.customers = domain.CustomerDoc{}
	return cancel
}

func (l *Ledger) applySnapshot(generation uint64, doc domain.CustomerDoc) {
	l.mu.Lock()
	if l.generation != generation {
		l.mu.Unlock()
		return
	}
	l.customers = doc.Clone()
	owner := l.owner
	l.notifyLocked()
	l.mu.Unlock()

	if err := l.cache.SetDocument(context.Background(), owner, doc, l.snapshotTTL); err != nil {
		log.Printf("[ledger] WARN: snapshot cache write failed owner=%s: %v", owner, err)
	}
}

func (l *Ledger) handleStreamError(generation uint64, err error) {
	l.mu.Lock()
	stale := l.generation != generation
	owner := l.owner
	l.mu.Unlock()
	if stale {
		return
	}
	log.Printf("[ledger] stream error owner=%s: %v", owner, err)
}

// Changes returns a channel that receives a signal after every applied
// snapshot. The channel has capacity one; coalesced signals are fine, the
// consumer re-reads the full state anyway.
func (l *Ledger) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.nextWatcher++
	id := l.nextWatcher
	l.watchers[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *Ledger) notifyLocked() {
	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *Ledger) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// mutate runs fn on the working copy under the lock, then persists the whole
// document. The local copy keeps the change even if the persist fails; the
// backend echo (or the next successful write) reconciles. Last writer wins,
// there is no merge.
func (l *Ledger) mutate(ctx context.Context, fn func(doc domain.CustomerDoc) error) error {
	l.mu.Lock()
	if l.owner == "" {
		l.mu.Unlock()
		return domain.ErrNoOwner
	}
	if err := fn(l.customers); err != nil {
		l.mu.Unlock()
		return err
	}
	owner := l.owner
	snapshot := l.customers.Clone()
	l.notifyLocked()
	l.mu.Unlock()

	if err := l.backend.Write(ctx, owner, snapshot); err != nil {
		return err
	}
	if err := l.cache.SetDocument(ctx, owner, snapshot, l.snapshotTTL); err != nil {
		log.Printf("[ledger] WARN: snapshot cache write failed owner=%s: %v", owner, err)
	}
	return nil
}

// CreateCustomer registers a new customer. Names are unique case-insensitively
// across the whole document, archived customers included, so an archived
// "Maria" still blocks a new one.
func (l *Ledger) CreateCustomer(ctx context.Context, name string) (domain.Customer, error) {
	trimmed, err := domain.ValidateCustomerName(name)
	if err != nil {
		return domain.Customer{}, err
	}

	var created domain.Customer
	err = l.mutate(ctx, func(doc domain.CustomerDoc) error {
		if nameTakenBy(doc, trimmed, "") {
			return fmt.Errorf("%w: a customer named %q already exists", domain.ErrValidation, trimmed)
		}
		created = domain.Customer{
			ID:        xid.Next(),
			Name:      trimmed,
			CreatedAt: time.Now().UTC(),
			Entries:   []domain.LedgerEntry{},
		}
		doc[created.ID] = created
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return created, nil
}

func nameTakenBy(doc domain.CustomerDoc, name string, excludeID string) bool {
	for id, customer := range doc {
		if id == excludeID {
			continue
		}
		if strings.EqualFold(customer.Name, name) {
			return true
		}
	}
	return false
}

// AddSaleEntry appends a sale. A zero amount records an unpriced note and
// requires a description.
func (l *Ledger) AddSaleEntry(ctx context.Context, customerID string, amountCents int64, description string) (domain.LedgerEntry, error) {
	trimmed, err := domain.ValidateSaleEntry(amountCents, description)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	entry := domain.LedgerEntry{
		ID:          xid.Next(),
		Type:        domain.EntrySale,
		AmountCents: amountCents,
		Description: trimmed,
		IsNote:      amountCents == 0,
		Date:        time.Now().UTC(),
	}
	if err := l.appendEntry(ctx, customerID, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// AddPaymentEntry appends a payment. Payments are strictly positive; there is
// no note form for them.
func (l *Ledger) AddPaymentEntry(ctx context.Context, customerID string, amountCents int64) (domain.LedgerEntry, error) {
	if err := domain.ValidatePaymentAmount(amountCents); err != nil {
		return domain.LedgerEntry{}, err
	}

	entry := domain.LedgerEntry{
		ID:          xid.Next(),
		Type:        domain.EntryPayment,
		AmountCents: amountCents,
		Date:        time.Now().UTC(),
	}
	if err := l.appendEntry(ctx, customerID, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

func (l *Ledger) appendEntry(ctx context.Context, customerID string, entry domain.LedgerEntry) error {
	return l.mutate(ctx, func(doc domain.CustomerDoc) error {
		customer, ok := doc[customerID]
		if !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		customer.Entries = append(customer.Entries, entry)
		doc[customerID] = customer
		return nil
	})
}

// UpdateEntry edits an entry in place, re-running the rules of its type.
// Sales may become or stop being notes; payments stay strictly positive and
// carry no description. EditedAt is stamped on success.
func (l *Ledger) UpdateEntry(ctx context.Context, customerID, entryID string, amountCents int64, description string) (domain.LedgerEntry, error) {
	var updated domain.LedgerEntry
	err := l.mutate(ctx, func(doc domain.CustomerDoc) error {
		customer, ok := doc[customerID]
		if !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		for i, entry := range customer.Entries {
			if entry.ID != entryID {
				continue
			}
			switch entry.Type {
			case domain.EntryPayment:
				if err := domain.ValidatePaymentAmount(amountCents); err != nil {
					return err
				}
				entry.AmountCents = amountCents
			default:
				trimmed, err := domain.ValidateSaleEntry(amountCents, description)
				if err != nil {
					return err
				}
				entry.AmountCents = amountCents
				entry.Description = trimmed
				entry.IsNote = amountCents == 0
			}
			now := time.Now().UTC()
			entry.EditedAt = &now
			customer.Entries[i] = entry
			doc[customerID] = customer
			updated = entry
			return nil
		}
		return fmt.Errorf("%w: entry %s", domain.ErrNotFound, entryID)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return updated, nil
}

func (l *Ledger) DeleteEntry(ctx context.Context, customerID, entryID string) error {
	return l.mutate(ctx, func(doc domain.CustomerDoc) error {
		customer, ok := doc[customerID]
		if !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		for i, entry := range customer.Entries {
			if entry.ID == entryID {
				customer.Entries = append(customer.Entries[:i], customer.Entries[i+1:]...)
				doc[customerID] = customer
				return nil
			}
		}
		return fmt.Errorf("%w: entry %s", domain.ErrNotFound, entryID)
	})
}

// ClearEntries wipes a customer's history while keeping the customer.
func (l *Ledger) ClearEntries(ctx context.Context, customerID string) error {
	return l.mutate(ctx, func(doc domain.CustomerDoc) error {
		customer, ok := doc[customerID]
		if !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		customer.Entries = []domain.LedgerEntry{}
		doc[customerID] = customer
		return nil
	})
}

// RenameCustomer changes the display name, keeping the case-insensitive
// uniqueness rule. Renaming to the same name (any casing) is allowed.
func (l *Ledger) RenameCustomer(ctx context.Context, customerID, name string) (domain.Customer, error) {
	trimmed, err := domain.ValidateCustomerName(name)
	if err != nil {
		return domain.Customer{}, err
	}

	var renamed domain.Customer
	err = l.mutate(ctx, func(doc domain.CustomerDoc) error {
		customer, ok := doc[customerID]
		if !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		if nameTakenBy(doc, trimmed, customerID) {
			return fmt.Errorf("%w: a customer named %q already exists", domain.ErrValidation, trimmed)
		}
		customer.Name = trimmed
		doc[customerID] = customer
		renamed = customer
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return renamed, nil
}

func (l *Ledger) ArchiveCustomer(ctx context.Context, customerID string) error {
	return l.setArchived(ctx, customerID, true)
}

func (l *Ledger) UnarchiveCustomer(ctx context.Context, customerID string) error {
	return l.setArchived(ctx, customerID, false)
}

func (l *Ledger) setArchived(ctx context.Context, customerID string, archived bool) error {
	return l.mutate(ctx, func(doc domain.CustomerDoc) error {
		customer, ok := doc[customerID]
		if !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		customer.Archived = archived
		if archived {
			now := time.Now().UTC()
			customer.ArchivedAt = &now
		} else {
			customer.ArchivedAt = nil
		}
		doc[customerID] = customer
		return nil
	})
}

// DeleteCustomer removes the customer and the entire entry history with it.
func (l *Ledger) DeleteCustomer(ctx context.Context, customerID string) error {
	return l.mutate(ctx, func(doc domain.CustomerDoc) error {
		if _, ok := doc[customerID]; !ok {
			return fmt.Errorf("%w: customer %s", domain.ErrNotFound, customerID)
		}
		delete(doc, customerID)
		return nil
	})
}

// Customer returns a deep copy of one customer from the working copy.
func (l *Ledger) Customer(customerID string) (domain.Customer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	customer, ok := l.customers[customerID]
	if !ok {
		return domain.Customer{}, false
	}
	entries := make([]domain.LedgerEntry, len(customer.Entries))
	copy(entries, customer.Entries)
	customer.Entries = entries
	return customer, true
}

// BalanceOf returns the derived balance, zero for an unknown customer.
func (l *Ledger) BalanceOf(customerID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	customer, ok := l.customers[customerID]
	if !ok {
		return 0
	}
	return customer.Balance()
}

// SalesCountOf returns the number of sale entries, zero for an unknown
// customer.
func (l *Ledger) SalesCountOf(customerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	customer, ok := l.customers[customerID]
	if !ok {
		return 0
	}
	return customer.SalesCount()
}

// HasUnpricedNotes reports whether the customer carries a sale entry without
// a price yet. False for an unknown customer.
func (l *Ledger) HasUnpricedNotes(customerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	customer, ok := l.customers[customerID]
	if !ok {
		return false
	}
	return customer.HasUnpricedNotes()
}

// TotalOutstandingDebt sums the positive balances of non-archived customers.
func (l *Ledger) TotalOutstandingDebt() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, customer := range l.customers {
		if customer.Archived {
			continue
		}
		if balance := customer.Balance(); balance > 0 {
			total += balance
		}
	}
	return total
}

// TotalOutstandingCredit sums the absolute negative balances of non-archived
// customers, i.e. what the shop owes back.
func (l *Ledger) TotalOutstandingCredit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, customer := range l.customers {
		if customer.Archived {
			continue
		}
		if balance := customer.Balance(); balance < 0 {
			total += -balance
		}
	}
	return total
}

// CustomersWithUnpricedNotes lists non-archived customers that still have an
// unpriced note, sorted by name.
func (l *Ledger) CustomersWithUnpricedNotes() []domain.Customer {
	snapshot := l.Snapshot()

	result := make([]domain.Customer, 0, len(snapshot))
	for _, customer := range snapshot {
		if customer.Archived || !customer.HasUnpricedNotes() {
			continue
		}
		result = append(result, customer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Snapshot returns a deep copy of the whole working document.
func (l *Ledger) Snapshot() domain.CustomerDoc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.customers.Clone()
}

// List applies the presentation filter. The archived partition always comes
// first; a name search overrides the debt and unpriced toggles; unpriced
// beats debt when both are set. Results sort by balance descending, then by
// name for stable output.
func (l *Ledger) List(filter domain.CustomerFilter) []domain.CustomerView {
	snapshot := l.Snapshot()

	needle := strings.ToLower(strings.TrimSpace(filter.NameContains))
	views := make([]domain.CustomerView, 0, len(snapshot))
	for _, customer := range snapshot {
		if customer.Archived != filter.ArchivedOnly {
			continue
		}
		balance := customer.Balance()
		unpriced := customer.HasUnpricedNotes()

		if needle != "" {
			if !strings.Contains(strings.ToLower(customer.Name), needle) {
				continue
			}
		} else if filter.UnpricedOnly {
			if !unpriced {
				continue
			}
		} else if filter.DebtOnly {
			if balance <= 0 {
				continue
			}
		}

		views = append(views, domain.CustomerView{
			Customer:        customer,
			BalanceCents:    balance,
			SalesCount:      customer.SalesCount(),
			HasUnpricedNote: unpriced,
		})
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].BalanceCents != views[j].BalanceCents {
			return views[i].BalanceCents > views[j].BalanceCents
		}
		return views[i].Customer.Name < views[j].Customer.Name
	})
	return views
}
