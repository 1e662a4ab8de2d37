package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/store"
	"vendasfiadas/backend/internal/xid"
)

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
}

// AuthStateListener is notified after every sign-in and sign-out. The ledger
// registry uses it to bind and unbind the owner's document.
type AuthStateListener func(actor domain.Actor, signedIn bool)

type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore

	mu        sync.Mutex
	listeners []AuthStateListener
}

type fiadoClaims struct {
	jwtlib.RegisteredClaims
	Email string `json:"email"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
	}
}

func (a *AuthManager) OnAuthStateChange(listener AuthStateListener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, listener)
	a.mu.Unlock()
}

func (a *AuthManager) notify(actor domain.Actor, signedIn bool) {
	a.mu.Lock()
	listeners := make([]AuthStateListener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, listener := range listeners {
		listener(actor, signedIn)
	}
}

// SignUp registers an account and signs the new owner in. Password rules
// match the client-side ones: at least 8 characters, one uppercase letter
// and one digit, and both password fields must agree.
func (a *AuthManager) SignUp(ctx context.Context, req domain.SignupRequest) (domain.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !isValidEmail(email) {
		return domain.LoginResponse{}, fmt.Errorf("a valid email is required")
	}
	if req.Password != req.PasswordConfirm {
		return domain.LoginResponse{}, fmt.Errorf("passwords do not match")
	}
	if err := checkPasswordStrength(req.Password); err != nil {
		return domain.LoginResponse{}, err
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("failed to hash password")
	}

	account := domain.UserAccount{
		ID:        xid.Next(),
		Email:     email,
		Password:  hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.userStore.CreateUser(ctx, account); err != nil {
		return domain.LoginResponse{}, err
	}

	return a.issueSession(account)
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	account, err := a.userStore.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, errors.New("invalid credentials")
		}
		return domain.LoginResponse{}, err
	}

	if !verifyPassword(account.Password, req.Password) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	return a.issueSession(*account)
}

func (a *AuthManager) issueSession(account domain.UserAccount) (domain.LoginResponse, error) {
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(account.ID, account.Email, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	a.notify(domain.Actor{UserID: account.ID, Email: account.Email}, true)

	return domain.LoginResponse{
		AccessToken: token,
		UserID:      account.ID,
		Email:       account.Email,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// Logout only fires the auth-state listeners; the JWT itself stays valid
// until it expires.
func (a *AuthManager) Logout(actor domain.Actor) {
	a.notify(actor, false)
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &fiadoClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{UserID: sub, Email: claims.Email}, nil
}

func (a *AuthManager) sign(userID, email string, expiresAt time.Time) (string, error) {
	claims := fiadoClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "vendasfiadas",
		},
		Email: email,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func isValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}

func checkPasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	hasUpper := false
	hasDigit := false
	for _, r := range password {
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if unicode.IsDigit(r) {
			hasDigit = true
		}
	}
	if !hasUpper {
		return fmt.Errorf("password must contain an uppercase letter")
	}
	if !hasDigit {
		return fmt.Errorf("password must contain a digit")
	}
	return nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
