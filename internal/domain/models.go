package domain

import "time"

// Amounts are stored as int64 centavos. MaxAmountCents corresponds to the
// 1,000,000 currency-unit cap enforced on every entry.
const MaxAmountCents int64 = 100_000_000

type EntryType string

const (
	EntrySale    EntryType = "sale"
	EntryPayment EntryType = "payment"
)

// LedgerEntry is a single sale or payment attributed to a customer. A sale
// with amount zero is a "note": an item recorded without a price yet, which
// requires a description. EditedAt is stamped only by in-place edits.
type LedgerEntry struct {
	ID          string     `json:"id"`
	Type        EntryType  `json:"type"`
	AmountCents int64      `json:"amount_cents"`
	Description string     `json:"description,omitempty"`
	IsNote      bool       `json:"is_note,omitempty"`
	Date        time.Time  `json:"date"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

// Customer owns an ordered entry history. Archived customers stay in the
// document (and keep their name reserved) but drop out of aggregate totals.
type Customer struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	CreatedAt  time.Time     `json:"created_at"`
	Archived   bool          `json:"archived,omitempty"`
	ArchivedAt *time.Time    `json:"archived_at,omitempty"`
	Entries    []LedgerEntry `json:"entries"`
}

// Balance is the signed sum of sale amounts minus payment amounts, in
// centavos. Positive means the customer owes the shop, negative means the
// shop owes the customer.
func (c Customer) Balance() int64 {
	var total int64
	for _, entry := range c.Entries {
		if entry.Type == EntryPayment {
			total -= entry.AmountCents
		} else {
			total += entry.AmountCents
		}
	}
	return total
}

func (c Customer) SalesCount() int {
	count := 0
	for _, entry := range c.Entries {
		if entry.Type == EntrySale {
			count++
		}
	}
	return count
}

// HasUnpricedNotes reports whether any sale entry still lacks a price.
func (c Customer) HasUnpricedNotes() bool {
	for _, entry := range c.Entries {
		if entry.Type == EntrySale && entry.AmountCents == 0 {
			return true
		}
	}
	return false
}

// CustomerDoc is the whole per-owner document: every customer keyed by id.
// It is always read and written as one unit.
type CustomerDoc map[string]Customer

// Clone deep-copies the document, including every entry slice, so a caller
// can hand the copy to another goroutine without sharing backing arrays.
func (d CustomerDoc) Clone() CustomerDoc {
	out := make(CustomerDoc, len(d))
	for id, customer := range d {
		entries := make([]LedgerEntry, len(customer.Entries))
		copy(entries, customer.Entries)
		customer.Entries = entries
		out[id] = customer
	}
	return out
}

// CustomerFilter configures the presentation-facing listing. The archived
// partition always applies first; a non-empty NameContains disables DebtOnly
// and UnpricedOnly; otherwise UnpricedOnly takes precedence over DebtOnly.
type CustomerFilter struct {
	ArchivedOnly bool
	NameContains string
	DebtOnly     bool
	UnpricedOnly bool
}

type SignupRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor identifies the signed-in owner carried through request contexts.
type Actor struct {
	UserID string
	Email  string
}

// UserAccount is the internal persistence model for auth credentials.
// Password always holds a bcrypt hash.
type UserAccount struct {
	ID        string
	Email     string
	Password  string
	CreatedAt time.Time
}

type CustomerCreateRequest struct {
	Name string `json:"name"`
}

type CustomerRenameRequest struct {
	Name string `json:"name"`
}

type EntryCreateRequest struct {
	Type        EntryType `json:"type"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
}

type EntryUpdateRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

// CustomerView is a customer plus the derived quantities the listing shows.
type CustomerView struct {
	Customer        Customer `json:"customer"`
	BalanceCents    int64    `json:"balance_cents"`
	SalesCount      int      `json:"sales_count"`
	HasUnpricedNote bool     `json:"has_unpriced_notes"`
}

type CustomerListResponse struct {
	Customers []CustomerView `json:"customers"`
}

type DebtorStanding struct {
	CustomerID   string `json:"customer_id"`
	Name         string `json:"name"`
	BalanceCents int64  `json:"balance_cents"`
	SalesCount   int    `json:"sales_count"`
}

// StandingSummary is the aggregate view of one owner's ledger.
type StandingSummary struct {
	OwnerID               string           `json:"owner_id"`
	TotalDebtCents        int64            `json:"total_debt_cents"`
	TotalCreditCents      int64            `json:"total_credit_cents"`
	ActiveCustomers       int              `json:"active_customers"`
	ArchivedCustomers     int              `json:"archived_customers"`
	TopDebtors            []DebtorStanding `json:"top_debtors"`
	UnpricedNoteCustomers []DebtorStanding `json:"unpriced_note_customers"`
	GeneratedAt           string           `json:"generated_at"`
}
