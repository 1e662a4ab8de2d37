package insights

import (
	"context"
	"testing"

	"vendasfiadas/backend/internal/domain"
)

func testDoc() domain.CustomerDoc {
	return domain.CustomerDoc{
		"a": {ID: "a", Name: "Ana", Entries: []domain.LedgerEntry{
			{ID: "e1", Type: domain.EntrySale, AmountCents: 7000},
			{ID: "e2", Type: domain.EntryPayment, AmountCents: 2000},
		}},
		"b": {ID: "b", Name: "Bia", Entries: []domain.LedgerEntry{
			{ID: "e3", Type: domain.EntryPayment, AmountCents: 2000},
		}},
		"c": {ID: "c", Name: "Carla", Archived: true, Entries: []domain.LedgerEntry{
			{ID: "e4", Type: domain.EntrySale, AmountCents: 10000},
		}},
		"d": {ID: "d", Name: "Dora", Entries: []domain.LedgerEntry{
			{ID: "e5", Type: domain.EntrySale, AmountCents: 0, IsNote: true, Description: "sem preço"},
		}},
	}
}

func TestSummarizeExcludesArchived(t *testing.T) {
	engine := NewEngine(nil, 0)

	summary := engine.Summarize(context.Background(), "owner-1", testDoc())

	if summary.TotalDebtCents != 5000 {
		t.Fatalf("expected total debt 5000, got %d", summary.TotalDebtCents)
	}
	if summary.TotalCreditCents != 2000 {
		t.Fatalf("expected total credit 2000, got %d", summary.TotalCreditCents)
	}
	if summary.ActiveCustomers != 3 || summary.ArchivedCustomers != 1 {
		t.Fatalf("unexpected counts: active=%d archived=%d", summary.ActiveCustomers, summary.ArchivedCustomers)
	}
}

func TestSummarizeTopDebtors(t *testing.T) {
	engine := NewEngine(nil, 0)

	summary := engine.Summarize(context.Background(), "owner-1", testDoc())

	if len(summary.TopDebtors) != 1 {
		t.Fatalf("expected 1 debtor, got %d", len(summary.TopDebtors))
	}
	if summary.TopDebtors[0].CustomerID != "a" || summary.TopDebtors[0].BalanceCents != 5000 {
		t.Fatalf("unexpected top debtor: %+v", summary.TopDebtors[0])
	}
}

func TestSummarizeTopDebtorsCapped(t *testing.T) {
	engine := NewEngine(nil, 0)

	doc := domain.CustomerDoc{}
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		doc[id] = domain.Customer{ID: id, Name: "Cliente " + id, Entries: []domain.LedgerEntry{
			{ID: id + "-1", Type: domain.EntrySale, AmountCents: int64(1000 * (i + 1))},
		}}
	}

	summary := engine.Summarize(context.Background(), "owner-1", doc)

	if len(summary.TopDebtors) != 5 {
		t.Fatalf("expected top debtors capped at 5, got %d", len(summary.TopDebtors))
	}
	if summary.TopDebtors[0].BalanceCents != 8000 {
		t.Fatalf("expected biggest debtor first, got %d", summary.TopDebtors[0].BalanceCents)
	}
}

func TestSummarizeUnpricedNoteCustomers(t *testing.T) {
	engine := NewEngine(nil, 0)

	summary := engine.Summarize(context.Background(), "owner-1", testDoc())

	if len(summary.UnpricedNoteCustomers) != 1 || summary.UnpricedNoteCustomers[0].CustomerID != "d" {
		t.Fatalf("unexpected unpriced note customers: %+v", summary.UnpricedNoteCustomers)
	}
}

func TestCacheKeyIgnoresEntryOrderNoise(t *testing.T) {
	doc := testDoc()
	key1 := buildCacheKey("owner-1", doc)
	key2 := buildCacheKey("owner-1", doc.Clone())
	if key1 != key2 {
		t.Fatal("identical documents must share a cache key")
	}

	changed := doc.Clone()
	customer := changed["a"]
	customer.Entries = append(customer.Entries, domain.LedgerEntry{ID: "e9", Type: domain.EntrySale, AmountCents: 100})
	changed["a"] = customer
	if buildCacheKey("owner-1", changed) == key1 {
		t.Fatal("a balance change must change the cache key")
	}

	if buildCacheKey("owner-2", doc) == key1 {
		t.Fatal("different owners must not share a cache key")
	}
}
