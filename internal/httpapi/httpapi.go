// Package httpapi exposes the fiado ledger over HTTP: auth, the customer
// and entry operations, the standing summary, and a server-sent-events feed
// that mirrors the backend subscription echo.
package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/insights"
	"vendasfiadas/backend/internal/ledger"
	"vendasfiadas/backend/internal/store"
)

type API struct {
	registry      *ledger.Registry
	insights      *insights.Engine
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	signupLimiter *attemptLimiter
	csrfSecret    []byte
}

func New(registry *ledger.Registry, insightsEngine *insights.Engine, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		registry:      registry,
		insights:      insightsEngine,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		signupLimiter: newAttemptLimiter(3, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/signup", a.handleSignup)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/logout", a.requireAuth(a.handleLogout))
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerActions))
	mux.HandleFunc("/api/v1/summary", a.requireAuth(a.handleSummary))
	mux.HandleFunc("/api/v1/stream", a.requireAuth(a.handleStream))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(ledger.WithActor(r.Context(), actor)))
	}
}

// ledgerFor resolves the request actor's bound ledger, binding lazily so a
// valid token keeps working across server restarts.
func (a *API) ledgerFor(r *http.Request) (*ledger.Ledger, domain.Actor, error) {
	actor, ok := ledger.ActorFromContext(r.Context())
	if !ok {
		return nil, domain.Actor{}, domain.ErrNoOwner
	}
	l, err := a.registry.Acquire(r.Context(), actor.UserID)
	if err != nil {
		return nil, actor, err
	}
	return l, actor, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.signupLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many signup attempts"))
		return
	}

	var req domain.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.SignUp(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(strings.ToLower(err.Error()), "already registered") {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, ok := ledger.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("not signed in"))
		return
	}

	a.auth.Logout(actor)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation.
// Signup and login are excluded because they are called without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/signup",
	"/api/v1/auth/login",
}

// checkCSRF enforces CSRF token validation for state-changing methods (POST/PUT/PATCH/DELETE).
// Returns false and writes an error response if validation fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	l, _, err := a.ledgerFor(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		filter := domain.CustomerFilter{
			ArchivedOnly: strings.EqualFold(r.URL.Query().Get("archived"), "true"),
			NameContains: r.URL.Query().Get("q"),
			DebtOnly:     strings.EqualFold(r.URL.Query().Get("debt_only"), "true"),
			UnpricedOnly: strings.EqualFold(r.URL.Query().Get("unpriced_only"), "true"),
		}
		writeJSON(w, http.StatusOK, domain.CustomerListResponse{Customers: l.List(filter)})
	case http.MethodPost:
		var req domain.CustomerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := l.CreateCustomer(r.Context(), req.Name)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/customers/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}

	l, _, err := a.ledgerFor(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	parts := strings.Split(tail, "/")
	customerID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleCustomerByID(w, r, l, customerID)
	case len(parts) == 2 && parts[1] == "archive":
		a.handleArchive(w, r, l, customerID, true)
	case len(parts) == 2 && parts[1] == "unarchive":
		a.handleArchive(w, r, l, customerID, false)
	case len(parts) == 2 && parts[1] == "entries":
		a.handleEntries(w, r, l, customerID)
	case len(parts) == 3 && parts[1] == "entries":
		a.handleEntryByID(w, r, l, customerID, parts[2])
	case len(parts) == 2 && parts[1] == "history":
		a.handleHistory(w, r, l, customerID)
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown customer action"))
	}
}

func (a *API) handleCustomerByID(w http.ResponseWriter, r *http.Request, l *ledger.Ledger, customerID string) {
	switch r.Method {
	case http.MethodGet:
		customer, ok := l.Customer(customerID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("customer %s not found", customerID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": domain.CustomerView{
			Customer:        customer,
			BalanceCents:    customer.Balance(),
			SalesCount:      customer.SalesCount(),
			HasUnpricedNote: customer.HasUnpricedNotes(),
		}})
	case http.MethodPatch:
		var req domain.CustomerRenameRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := l.RenameCustomer(r.Context(), customerID, req.Name)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
	case http.MethodDelete:
		if err := l.DeleteCustomer(r.Context(), customerID); err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request, l *ledger.Ledger, customerID string, archive bool) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var err error
	if archive {
		err = l.ArchiveCustomer(r.Context(), customerID)
	} else {
		err = l.UnarchiveCustomer(r.Context(), customerID)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleEntries(w http.ResponseWriter, r *http.Request, l *ledger.Ledger, customerID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.EntryCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var entry domain.LedgerEntry
	var err error
	switch req.Type {
	case domain.EntryPayment:
		entry, err = l.AddPaymentEntry(r.Context(), customerID, req.AmountCents)
	case domain.EntrySale, "":
		entry, err = l.AddSaleEntry(r.Context(), customerID, req.AmountCents, req.Description)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown entry type %q", req.Type))
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "balance_cents": l.BalanceOf(customerID)})
}

func (a *API) handleEntryByID(w http.ResponseWriter, r *http.Request, l *ledger.Ledger, customerID, entryID string) {
	switch r.Method {
	case http.MethodPatch:
		var req domain.EntryUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := l.UpdateEntry(r.Context(), customerID, entryID, req.AmountCents, req.Description)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "balance_cents": l.BalanceOf(customerID)})
	case http.MethodDelete:
		if err := l.DeleteEntry(r.Context(), customerID, entryID); err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "balance_cents": l.BalanceOf(customerID)})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request, l *ledger.Ledger, customerID string) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}

	if err := l.ClearEntries(r.Context(), customerID); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	l, actor, err := a.ledgerFor(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	summary := a.insights.Summarize(r.Context(), actor.UserID, l.Snapshot())
	writeJSON(w, http.StatusOK, summary)
}

// handleStream is the server-sent-events feed. One event is sent immediately
// and another after every applied snapshot, each carrying the full customer
// list, mirroring the whole-document subscription the working copy rides on.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	l, _, err := a.ledgerFor(r)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	changes, cancel := l.Changes()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		payload, err := json.Marshal(map[string]any{
			"customers": l.List(domain.CustomerFilter{}),
			"archived":  l.List(domain.CustomerFilter{ArchivedOnly: true}),
		})
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-changes:
			if !send() {
				return
			}
		}
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeLedgerError maps the core error kinds onto HTTP statuses. Permission
// rejections get the fixed user-facing message the product shows.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrNoOwner):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, store.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, errors.New("sem permissão no banco"))
	case errors.Is(err, store.ErrUnavailable):
		// Bypass writeError so the client sees an actionable message instead
		// of the generic 5xx one.
		log.Printf("backend unavailable: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "backend unavailable, try again"})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details. 4xx responses are user-facing so we return the
	// original error message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
