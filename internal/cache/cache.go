package cache

import (
	"context"
	"time"

	"vendasfiadas/backend/internal/domain"
)

// SnapshotCache warm-starts a ledger bind with the last known document and is
// written through on every persisted change. A miss is not an error.
type SnapshotCache interface {
	GetDocument(ctx context.Context, ownerID string) (domain.CustomerDoc, bool, error)
	SetDocument(ctx context.Context, ownerID string, doc domain.CustomerDoc, ttl time.Duration) error
}

// SummaryCache stores computed standing summaries per owner.
type SummaryCache interface {
	GetSummary(ctx context.Context, key string) (*domain.StandingSummary, bool, error)
	SetSummary(ctx context.Context, key string, value *domain.StandingSummary, ttl time.Duration) error
}

type NoopCache struct{}

func (NoopCache) GetDocument(_ context.Context, _ string) (domain.CustomerDoc, bool, error) {
	return nil, false, nil
}

func (NoopCache) SetDocument(_ context.Context, _ string, _ domain.CustomerDoc, _ time.Duration) error {
	return nil
}

func (NoopCache) GetSummary(_ context.Context, _ string) (*domain.StandingSummary, bool, error) {
	return nil, false, nil
}

func (NoopCache) SetSummary(_ context.Context, _ string, _ *domain.StandingSummary, _ time.Duration) error {
	return nil
}
