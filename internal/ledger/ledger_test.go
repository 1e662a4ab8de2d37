package ledger

import (
	"context"
	"errors"
	"testing"

	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/store/memory"
)

// newBoundLedger binds a fresh ledger to a fresh in-memory backend. The
// memory backend fans out synchronously, so every mutation is reflected in
// the working copy before the call returns.
func newBoundLedger(t *testing.T) *Ledger {
	t.Helper()

	backend := memory.New()
	l := New(backend, nil, 0)
	if err := l.Bind(context.Background(), "owner-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(l.Unbind)
	return l
}

func TestCreateCustomerAndDerivedBalance(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, err := l.CreateCustomer(ctx, "Maria Silva")
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if customer.ID == "" || customer.Name != "Maria Silva" {
		t.Fatalf("unexpected customer: %+v", customer)
	}

	if _, err := l.AddSaleEntry(ctx, customer.ID, 5000, "compras da semana"); err != nil {
		t.Fatalf("add sale: %v", err)
	}
	if _, err := l.AddSaleEntry(ctx, customer.ID, 2500, ""); err != nil {
		t.Fatalf("add sale: %v", err)
	}
	if _, err := l.AddPaymentEntry(ctx, customer.ID, 3000); err != nil {
		t.Fatalf("add payment: %v", err)
	}

	if got := l.BalanceOf(customer.ID); got != 4500 {
		t.Fatalf("expected balance 4500, got %d", got)
	}
}

func TestBalanceOfUnknownCustomerIsZero(t *testing.T) {
	l := newBoundLedger(t)

	if got := l.BalanceOf("missing"); got != 0 {
		t.Fatalf("expected 0 for unknown customer, got %d", got)
	}
	if _, ok := l.Customer("missing"); ok {
		t.Fatal("expected Customer to report absence")
	}
}

func TestCreateCustomerDuplicateNameCaseInsensitive(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	if _, err := l.CreateCustomer(ctx, "Ana"); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, name := range []string{"Ana", "ana", "ANA", "  ana  "} {
		if _, err := l.CreateCustomer(ctx, name); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for duplicate %q, got %v", name, err)
		}
	}
}

func TestDuplicateNameBlockedByArchivedCustomer(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, err := l.CreateCustomer(ctx, "Maria")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.ArchiveCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if _, err := l.CreateCustomer(ctx, "maria"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("archived customer must keep the name reserved, got %v", err)
	}
}

func TestRenameCustomer(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	ana, _ := l.CreateCustomer(ctx, "Ana")
	bia, _ := l.CreateCustomer(ctx, "Bia")

	if _, err := l.RenameCustomer(ctx, bia.ID, "ANA"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate rename to fail, got %v", err)
	}

	// Renaming a customer to its own name (any casing) is allowed.
	renamed, err := l.RenameCustomer(ctx, ana.ID, "ANA")
	if err != nil {
		t.Fatalf("self rename: %v", err)
	}
	if renamed.Name != "ANA" {
		t.Fatalf("expected name ANA, got %q", renamed.Name)
	}

	if _, err := l.RenameCustomer(ctx, "missing", "Carla"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestZeroAmountSaleIsANote(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, _ := l.CreateCustomer(ctx, "Maria")

	if _, err := l.AddSaleEntry(ctx, customer.ID, 0, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("zero-amount sale without description must fail, got %v", err)
	}

	entry, err := l.AddSaleEntry(ctx, customer.ID, 0, "2kg de feijão")
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if !entry.IsNote {
		t.Fatal("expected zero-amount sale to be flagged as a note")
	}

	got, _ := l.Customer(customer.ID)
	if !got.HasUnpricedNotes() {
		t.Fatal("expected customer to carry an unpriced note")
	}
	if l.BalanceOf(customer.ID) != 0 {
		t.Fatalf("note must not change the balance, got %d", l.BalanceOf(customer.ID))
	}
}

func TestUpdateEntryRevalidatesAndStampsEditedAt(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, _ := l.CreateCustomer(ctx, "Maria")
	sale, _ := l.AddSaleEntry(ctx, customer.ID, 0, "sem preço ainda")
	payment, _ := l.AddPaymentEntry(ctx, customer.ID, 1000)

	// Pricing the note clears the note flag.
	updated, err := l.UpdateEntry(ctx, customer.ID, sale.ID, 2000, "sem preço ainda")
	if err != nil {
		t.Fatalf("update sale: %v", err)
	}
	if updated.IsNote {
		t.Fatal("priced entry must no longer be a note")
	}
	if updated.EditedAt == nil {
		t.Fatal("expected EditedAt to be stamped")
	}
	if l.BalanceOf(customer.ID) != 1000 {
		t.Fatalf("expected balance 1000, got %d", l.BalanceOf(customer.ID))
	}

	// Payments keep the strictly-positive rule on edit.
	if _, err := l.UpdateEntry(ctx, customer.ID, payment.ID, 0, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero payment edit, got %v", err)
	}

	if _, err := l.UpdateEntry(ctx, customer.ID, "missing", 100, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown entry, got %v", err)
	}
}

func TestDeleteEntry(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, _ := l.CreateCustomer(ctx, "Maria")
	first, _ := l.AddSaleEntry(ctx, customer.ID, 1000, "")
	second, _ := l.AddSaleEntry(ctx, customer.ID, 2000, "")

	if err := l.DeleteEntry(ctx, customer.ID, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := l.Customer(customer.ID)
	if len(got.Entries) != 2 {
		t.Fatalf("failed delete must leave entries untouched, got %d", len(got.Entries))
	}

	if err := l.DeleteEntry(ctx, customer.ID, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = l.Customer(customer.ID)
	if len(got.Entries) != 1 || got.Entries[0].ID != second.ID {
		t.Fatalf("unexpected entries after delete: %+v", got.Entries)
	}
	if l.BalanceOf(customer.ID) != 2000 {
		t.Fatalf("expected balance 2000, got %d", l.BalanceOf(customer.ID))
	}
}

func TestClearEntriesKeepsCustomer(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, _ := l.CreateCustomer(ctx, "Maria")
	_, _ = l.AddSaleEntry(ctx, customer.ID, 1000, "")

	if err := l.ClearEntries(ctx, customer.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	got, ok := l.Customer(customer.ID)
	if !ok {
		t.Fatal("customer must survive a history clear")
	}
	if len(got.Entries) != 0 || l.BalanceOf(customer.ID) != 0 {
		t.Fatalf("expected empty history and zero balance, got %+v", got.Entries)
	}
}

func TestArchiveKeepsHistoryAndBalance(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, _ := l.CreateCustomer(ctx, "Maria")
	_, _ = l.AddSaleEntry(ctx, customer.ID, 5000, "")

	if err := l.ArchiveCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, ok := l.Customer(customer.ID)
	if !ok || !got.Archived || got.ArchivedAt == nil {
		t.Fatalf("expected archived customer with timestamp, got %+v", got)
	}
	if l.BalanceOf(customer.ID) != 5000 {
		t.Fatalf("archiving must not change the balance, got %d", l.BalanceOf(customer.ID))
	}

	if err := l.UnarchiveCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	got, _ = l.Customer(customer.ID)
	if got.Archived || got.ArchivedAt != nil {
		t.Fatalf("expected unarchived customer, got %+v", got)
	}
}

func TestDeleteCustomerRemovesHistory(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	customer, _ := l.CreateCustomer(ctx, "Maria")
	_, _ = l.AddSaleEntry(ctx, customer.ID, 5000, "")

	if err := l.DeleteCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := l.Customer(customer.ID); ok {
		t.Fatal("customer must be gone after delete")
	}

	// The name becomes available again.
	if _, err := l.CreateCustomer(ctx, "Maria"); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func TestMutationsRequireBinding(t *testing.T) {
	backend := memory.New()
	l := New(backend, nil, 0)

	if _, err := l.CreateCustomer(context.Background(), "Maria"); !errors.Is(err, domain.ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner before bind, got %v", err)
	}
}

func TestUnbindClearsStateAndStopsUpdates(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	l := New(backend, nil, 0)
	if err := l.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := l.CreateCustomer(ctx, "Maria"); err != nil {
		t.Fatalf("create: %v", err)
	}

	l.Unbind()

	if len(l.Snapshot()) != 0 {
		t.Fatal("unbind must clear the working copy")
	}
	if _, err := l.CreateCustomer(ctx, "Ana"); !errors.Is(err, domain.ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner after unbind, got %v", err)
	}

	// Writes by another binding must not reach the unbound ledger.
	other := New(backend, nil, 0)
	if err := other.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind other: %v", err)
	}
	defer other.Unbind()
	if _, err := other.CreateCustomer(ctx, "Bia"); err != nil {
		t.Fatalf("create via other: %v", err)
	}
	if len(l.Snapshot()) != 0 {
		t.Fatal("unbound ledger received a snapshot")
	}
}

func TestSubscriptionEchoAcrossBindings(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	writer := New(backend, nil, 0)
	reader := New(backend, nil, 0)
	if err := writer.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind writer: %v", err)
	}
	defer writer.Unbind()
	if err := reader.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind reader: %v", err)
	}
	defer reader.Unbind()

	customer, err := writer.CreateCustomer(ctx, "Maria")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := writer.AddSaleEntry(ctx, customer.ID, 700, ""); err != nil {
		t.Fatalf("add sale: %v", err)
	}

	if got := reader.BalanceOf(customer.ID); got != 700 {
		t.Fatalf("expected echo to reach second binding, balance %d", got)
	}
}

func TestRebindReplacesDocument(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	l := New(backend, nil, 0)
	if err := l.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := l.CreateCustomer(ctx, "Maria"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := l.Bind(ctx, "owner-2"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	defer l.Unbind()

	if len(l.Snapshot()) != 0 {
		t.Fatal("rebinding to another owner must start from that owner's document")
	}
	if l.Owner() != "owner-2" {
		t.Fatalf("expected owner-2, got %q", l.Owner())
	}
}

func TestChangesSignalsOnMutation(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	changes, cancel := l.Changes()
	defer cancel()

	// Drain any signal from the bind-time snapshot.
	select {
	case <-changes:
	default:
	}

	if _, err := l.CreateCustomer(ctx, "Maria"); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case <-changes:
	default:
		t.Fatal("expected a change signal after a mutation")
	}
}

func TestListFilterPrecedence(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	ana, _ := l.CreateCustomer(ctx, "Ana")
	bia, _ := l.CreateCustomer(ctx, "Bia")
	carla, _ := l.CreateCustomer(ctx, "Carla")
	dora, _ := l.CreateCustomer(ctx, "Dora")

	_, _ = l.AddSaleEntry(ctx, ana.ID, 5000, "")    // debtor
	_, _ = l.AddPaymentEntry(ctx, bia.ID, 2000)     // credit
	_, _ = l.AddSaleEntry(ctx, carla.ID, 0, "nota") // unpriced note, zero balance
	_, _ = l.AddSaleEntry(ctx, dora.ID, 9000, "")
	if err := l.ArchiveCustomer(ctx, dora.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// Default listing: active customers only, sorted by balance descending.
	active := l.List(domain.CustomerFilter{})
	if len(active) != 3 {
		t.Fatalf("expected 3 active customers, got %d", len(active))
	}
	if active[0].Customer.ID != ana.ID {
		t.Fatalf("expected biggest debtor first, got %s", active[0].Customer.Name)
	}

	// Archived partition.
	archived := l.List(domain.CustomerFilter{ArchivedOnly: true})
	if len(archived) != 1 || archived[0].Customer.ID != dora.ID {
		t.Fatalf("unexpected archived listing: %+v", archived)
	}

	// Debt filter keeps strictly positive balances.
	debtors := l.List(domain.CustomerFilter{DebtOnly: true})
	if len(debtors) != 1 || debtors[0].Customer.ID != ana.ID {
		t.Fatalf("unexpected debtors: %+v", debtors)
	}

	// Unpriced wins over debt when both are set.
	unpriced := l.List(domain.CustomerFilter{DebtOnly: true, UnpricedOnly: true})
	if len(unpriced) != 1 || unpriced[0].Customer.ID != carla.ID {
		t.Fatalf("unexpected unpriced listing: %+v", unpriced)
	}

	// A name search overrides both toggles.
	byName := l.List(domain.CustomerFilter{NameContains: "bi", DebtOnly: true, UnpricedOnly: true})
	if len(byName) != 1 || byName[0].Customer.ID != bia.ID {
		t.Fatalf("unexpected name search result: %+v", byName)
	}

	// The search never crosses the archived partition.
	byNameArchived := l.List(domain.CustomerFilter{NameContains: "dora"})
	if len(byNameArchived) != 0 {
		t.Fatalf("name search leaked into archived partition: %+v", byNameArchived)
	}
}

func TestAggregatesExcludeArchived(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	a, _ := l.CreateCustomer(ctx, "Ana")
	b, _ := l.CreateCustomer(ctx, "Bia")
	c, _ := l.CreateCustomer(ctx, "Carla")

	_, _ = l.AddSaleEntry(ctx, a.ID, 5000, "")
	_, _ = l.AddPaymentEntry(ctx, b.ID, 2000)
	_, _ = l.AddSaleEntry(ctx, c.ID, 10000, "")
	if err := l.ArchiveCustomer(ctx, c.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if got := l.TotalOutstandingDebt(); got != 5000 {
		t.Fatalf("expected debt 5000, got %d", got)
	}
	if got := l.TotalOutstandingCredit(); got != 2000 {
		t.Fatalf("expected credit 2000, got %d", got)
	}
	// The archived customer keeps its own balance.
	if got := l.BalanceOf(c.ID); got != 10000 {
		t.Fatalf("expected archived balance 10000, got %d", got)
	}
	if got := l.SalesCountOf(a.ID); got != 1 {
		t.Fatalf("expected 1 sale, got %d", got)
	}
	if l.SalesCountOf("missing") != 0 || l.HasUnpricedNotes("missing") {
		t.Fatal("derived reads must be zero-valued for unknown customers")
	}
}

func TestCustomersWithUnpricedNotes(t *testing.T) {
	l := newBoundLedger(t)
	ctx := context.Background()

	ana, _ := l.CreateCustomer(ctx, "Ana")
	bia, _ := l.CreateCustomer(ctx, "Bia")
	carla, _ := l.CreateCustomer(ctx, "Carla")

	_, _ = l.AddSaleEntry(ctx, ana.ID, 0, "sem preço")
	_, _ = l.AddSaleEntry(ctx, bia.ID, 1000, "")
	_, _ = l.AddSaleEntry(ctx, carla.ID, 0, "também sem preço")
	if err := l.ArchiveCustomer(ctx, carla.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got := l.CustomersWithUnpricedNotes()
	if len(got) != 1 || got[0].ID != ana.ID {
		t.Fatalf("unexpected unpriced-note customers: %+v", got)
	}
	if !l.HasUnpricedNotes(ana.ID) || l.HasUnpricedNotes(bia.ID) {
		t.Fatal("per-customer unpriced-note flag wrong")
	}
}

func TestLastWriterWins(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	first := New(backend, nil, 0)
	second := New(backend, nil, 0)
	if err := first.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind first: %v", err)
	}
	defer first.Unbind()

	customer, err := first.CreateCustomer(ctx, "Maria")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := second.Bind(ctx, "owner-1"); err != nil {
		t.Fatalf("bind second: %v", err)
	}
	defer second.Unbind()

	// Both bindings write the whole document; the later write replaces the
	// earlier one entirely.
	if _, err := first.AddSaleEntry(ctx, customer.ID, 1000, ""); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := second.DeleteCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, ok := first.Customer(customer.ID); ok {
		t.Fatal("echo of the later write must replace the earlier state")
	}
}
