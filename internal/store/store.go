// Package store defines the document-backend contract the ledger core
// depends on: a path-addressed store keyed by owner id, read and written as
// whole documents, with a change subscription that re-delivers the full
// document after every write by any writer.
package store

import (
	"context"
	"errors"

	"vendasfiadas/backend/internal/domain"
)

var (
	// ErrPermissionDenied is a write or read rejected by the backend's access
	// rules. Surfaced to the user with a distinct message.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable covers connectivity and transport failures.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrNotFound is returned for absent user accounts. An absent ledger
	// document is not an error; it reads as an empty document.
	ErrNotFound = errors.New("not found")
)

// CancelFunc retires a subscription. The backend stops invoking the
// callbacks as soon as it returns, except for deliveries already in flight;
// the ledger's generation check drops those.
type CancelFunc func()

type Backend interface {
	// Read returns the current document for the owner, empty if absent.
	Read(ctx context.Context, ownerID string) (domain.CustomerDoc, error)
	// Write replaces the owner's entire document in one operation.
	Write(ctx context.Context, ownerID string, doc domain.CustomerDoc) error
	// Subscribe delivers the current document once immediately and again
	// after every subsequent write to the owner's path.
	Subscribe(ownerID string, onSnapshot func(domain.CustomerDoc), onError func(error)) (CancelFunc, error)
}

// Repository is the full persistence surface: ledger documents plus the
// user accounts behind the identity collaborator.
type Repository interface {
	Backend
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
}
