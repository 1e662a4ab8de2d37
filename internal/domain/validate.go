package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or out-of-range input. User-correctable,
	// never retried automatically.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to an absent customer or entry.
	ErrNotFound = errors.New("not found")
	// ErrNoOwner marks a mutation attempted while no owner is bound.
	ErrNoOwner = errors.New("no owner bound")
)

type stringBounds struct {
	field string
	min   int
	max   int
}

type amountBounds struct {
	field string
	min   int64
	max   int64
}

// Field bounds shared by every call site that touches the same field, so the
// rules cannot drift between create and update paths.
var (
	customerNameBounds  = stringBounds{field: "name", min: 2, max: 100}
	descriptionBounds   = stringBounds{field: "description", min: 0, max: 200}
	saleAmountBounds    = amountBounds{field: "amount", min: 0, max: MaxAmountCents}
	paymentAmountBounds = amountBounds{field: "amount", min: 1, max: MaxAmountCents}
)

func (b stringBounds) validate(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) < b.min || len(trimmed) > b.max {
		return "", fmt.Errorf("%w: %s must be between %d and %d characters", ErrValidation, b.field, b.min, b.max)
	}
	return trimmed, nil
}

func (b amountBounds) validate(cents int64) error {
	if cents < b.min || cents > b.max {
		return fmt.Errorf("%w: %s out of range", ErrValidation, b.field)
	}
	return nil
}

// ValidateCustomerName returns the trimmed name or ErrValidation.
func ValidateCustomerName(name string) (string, error) {
	return customerNameBounds.validate(name)
}

// ValidateSaleEntry checks a sale amount/description pair. A zero amount is a
// note and requires a non-empty description. Returns the trimmed description.
func ValidateSaleEntry(amountCents int64, description string) (string, error) {
	if err := saleAmountBounds.validate(amountCents); err != nil {
		return "", err
	}
	trimmed, err := descriptionBounds.validate(description)
	if err != nil {
		return "", err
	}
	if amountCents == 0 && trimmed == "" {
		return "", fmt.Errorf("%w: a zero-amount sale needs a description", ErrValidation)
	}
	return trimmed, nil
}

// ValidatePaymentAmount enforces the strictly-positive payment rule.
func ValidatePaymentAmount(amountCents int64) error {
	return paymentAmountBounds.validate(amountCents)
}
