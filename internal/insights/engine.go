// Package insights derives aggregate standing figures from a ledger
// document: total debt and credit across active customers, the biggest
// debtors, and which customers still carry unpriced notes.
package insights

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"vendasfiadas/backend/internal/cache"
	"vendasfiadas/backend/internal/domain"
)

type Engine struct {
	cache    cache.SummaryCache
	cacheTTL time.Duration
	topN     int
}

func NewEngine(cacheStore cache.SummaryCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		topN:     5,
	}
}

// Summarize computes the owner's standing over the given document. Archived
// customers are excluded from every total and list; they only show up in the
// archived count. Results are cached keyed by a digest of the document, so a
// summary over an unchanged ledger is a cache hit.
func (e *Engine) Summarize(ctx context.Context, ownerID string, doc domain.CustomerDoc) domain.StandingSummary {
	cacheKey := buildCacheKey(ownerID, doc)
	if cached, ok, err := e.cache.GetSummary(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	summary := domain.StandingSummary{
		OwnerID:               ownerID,
		TopDebtors:            []domain.DebtorStanding{},
		UnpricedNoteCustomers: []domain.DebtorStanding{},
	}

	debtors := make([]domain.DebtorStanding, 0, len(doc))
	for _, customer := range doc {
		if customer.Archived {
			summary.ArchivedCustomers++
			continue
		}
		summary.ActiveCustomers++

		balance := customer.Balance()
		standing := domain.DebtorStanding{
			CustomerID:   customer.ID,
			Name:         customer.Name,
			BalanceCents: balance,
			SalesCount:   customer.SalesCount(),
		}

		if balance > 0 {
			summary.TotalDebtCents += balance
			debtors = append(debtors, standing)
		} else if balance < 0 {
			summary.TotalCreditCents += -balance
		}

		if customer.HasUnpricedNotes() {
			summary.UnpricedNoteCustomers = append(summary.UnpricedNoteCustomers, standing)
		}
	}

	sort.Slice(debtors, func(i, j int) bool {
		if debtors[i].BalanceCents != debtors[j].BalanceCents {
			return debtors[i].BalanceCents > debtors[j].BalanceCents
		}
		return debtors[i].Name < debtors[j].Name
	})
	if len(debtors) > e.topN {
		debtors = debtors[:e.topN]
	}
	summary.TopDebtors = debtors

	sort.Slice(summary.UnpricedNoteCustomers, func(i, j int) bool {
		return summary.UnpricedNoteCustomers[i].Name < summary.UnpricedNoteCustomers[j].Name
	})

	summary.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	_ = e.cache.SetSummary(ctx, cacheKey, &summary, e.cacheTTL)
	return summary
}

// buildCacheKey digests the balance-relevant shape of the document. Two
// documents with the same customers, flags, and balances share a key.
func buildCacheKey(ownerID string, doc domain.CustomerDoc) string {
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids)+1)
	parts = append(parts, ownerID)
	for _, id := range ids {
		customer := doc[id]
		parts = append(parts, fmt.Sprintf("%s:%s:%t:%d:%d:%t",
			id, customer.Name, customer.Archived, customer.Balance(), customer.SalesCount(), customer.HasUnpricedNotes()))
	}

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
