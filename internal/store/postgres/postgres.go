// Package postgres stores each owner's ledger as a single JSONB document
// row, matching the whole-subtree read/write contract of the hosted backend
// it stands in for. Change notifications ride on LISTEN/NOTIFY: every write
// notifies the owner's channel and subscribers re-read the full document.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/store"
)

const changeChannel = "fiado_ledger_changed"

type Store struct {
	db          *sql.DB
	databaseURL string
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, databaseURL: databaseURL}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fiado_ledgers (
			owner_id   text PRIMARY KEY,
			doc        jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS fiado_users (
			id         text PRIMARY KEY,
			email      text NOT NULL UNIQUE,
			password   text NOT NULL,
			created_at timestamptz NOT NULL
		);
	`)
	return err
}

func (s *Store) Read(ctx context.Context, ownerID string) (domain.CustomerDoc, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM fiado_ledgers WHERE owner_id = $1
	`, ownerID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CustomerDoc{}, nil
		}
		return nil, mapError(err)
	}

	var doc domain.CustomerDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger document for %s: %w", ownerID, err)
	}
	if doc == nil {
		doc = domain.CustomerDoc{}
	}
	return doc, nil
}

func (s *Store) Write(ctx context.Context, ownerID string, doc domain.CustomerDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ledger document for %s: %w", ownerID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fiado_ledgers (owner_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (owner_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, ownerID, payload)
	if err != nil {
		return mapError(err)
	}

	_, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, ownerID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Subscribe opens a dedicated pgx connection that LISTENs on the change
// channel, delivers the current document once, and re-reads after every
// notification carrying this owner's id. Cancelling the returned func tears
// the connection down; no reconnect is attempted, the error callback is the
// caller's signal to rebind.
func (s *Store) Subscribe(ownerID string, onSnapshot func(domain.CustomerDoc), onError func(error)) (store.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	go s.listen(ctx, ownerID, onSnapshot, onError)
	return store.CancelFunc(cancel), nil
}

func (s *Store) listen(ctx context.Context, ownerID string, onSnapshot func(domain.CustomerDoc), onError func(error)) {
	doc, err := s.Read(ctx, ownerID)
	if err != nil {
		if ctx.Err() == nil {
			onError(err)
		}
		return
	}
	onSnapshot(doc)

	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		if ctx.Err() == nil {
			onError(mapError(err))
		}
		return
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer closeCancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		if ctx.Err() == nil {
			onError(mapError(err))
		}
		return
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				onError(mapError(err))
			}
			return
		}
		if notification.Payload != ownerID {
			continue
		}

		doc, err := s.Read(ctx, ownerID)
		if err != nil {
			onError(err)
			continue
		}
		onSnapshot(doc)
	}
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fiado_users (id, email, password, created_at)
		VALUES ($1,$2,$3,$4)
	`, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.Password, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email already registered")
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password, created_at
		FROM fiado_users
		WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&user.ID, &user.Email, &user.Password, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError folds driver failures into the two persistence error kinds the
// core distinguishes: permission rejections vs. everything transport-shaped.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42501" {
		return fmt.Errorf("%w: %s", store.ErrPermissionDenied, pgErr.Message)
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
