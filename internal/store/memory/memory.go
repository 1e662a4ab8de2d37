// Package memory is the in-process document backend used for development
// and tests. Writes fan out synchronously to every subscriber on the owner's
// path, which makes the write→snapshot echo deterministic in tests.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/store"
	"vendasfiadas/backend/internal/xid"
)

type subscriber struct {
	onSnapshot func(domain.CustomerDoc)
	onError    func(error)
}

type Store struct {
	mu           sync.RWMutex
	docs         map[string]domain.CustomerDoc
	usersByEmail map[string]domain.UserAccount
	subs         map[string]map[int]subscriber
	nextSubID    int
}

func New() *Store {
	return &Store{
		docs:         make(map[string]domain.CustomerDoc),
		usersByEmail: make(map[string]domain.UserAccount),
		subs:         make(map[string]map[int]subscriber),
	}
}

// NewSeeded builds a store with a dev account. The password is read from
// SEED_USER_PASSWORD; if unset, a hardcoded dev default is used with a
// warning printed to stdout. Never used in production (the backend uses
// PostgreSQL when DATABASE_URL is set).
func NewSeeded() *Store {
	s := New()

	password := os.Getenv("SEED_USER_PASSWORD")
	if password == "" {
		password = "Fiado123"
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_USER_PASSWORD to override.")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}
	s.usersByEmail["dev@fiado.local"] = domain.UserAccount{
		ID:        xid.Next(),
		Email:     "dev@fiado.local",
		Password:  string(hash),
		CreatedAt: time.Now().UTC(),
	}
	return s
}

func (s *Store) Read(_ context.Context, ownerID string) (domain.CustomerDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[ownerID]
	if !ok {
		return domain.CustomerDoc{}, nil
	}
	return doc.Clone(), nil
}

func (s *Store) Write(_ context.Context, ownerID string, doc domain.CustomerDoc) error {
	s.mu.Lock()
	s.docs[ownerID] = doc.Clone()
	targets := make([]subscriber, 0, len(s.subs[ownerID]))
	for _, sub := range s.subs[ownerID] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	// Fan out outside the lock; each subscriber gets its own copy.
	for _, sub := range targets {
		sub.onSnapshot(doc.Clone())
	}
	return nil
}

// Subscribe delivers the current document synchronously before returning,
// then again after every Write to the same owner. The returned cancel
// removes the subscriber under the store lock, so no new fan-out can pick it
// up once cancel returns.
func (s *Store) Subscribe(ownerID string, onSnapshot func(domain.CustomerDoc), onError func(error)) (store.CancelFunc, error) {
	s.mu.Lock()
	if s.subs[ownerID] == nil {
		s.subs[ownerID] = make(map[int]subscriber)
	}
	s.nextSubID++
	id := s.nextSubID
	s.subs[ownerID][id] = subscriber{onSnapshot: onSnapshot, onError: onError}
	current, ok := s.docs[ownerID]
	var initial domain.CustomerDoc
	if ok {
		initial = current.Clone()
	} else {
		initial = domain.CustomerDoc{}
	}
	s.mu.Unlock()

	onSnapshot(initial)

	cancel := func() {
		s.mu.Lock()
		delete(s.subs[ownerID], id)
		s.mu.Unlock()
	}
	return cancel, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" {
		return fmt.Errorf("email required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByEmail[email]; exists {
		return fmt.Errorf("email already registered")
	}
	user.Email = email
	s.usersByEmail[email] = user
	return nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := user
	return &copied, nil
}
