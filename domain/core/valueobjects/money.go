package valueobjects

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyFlowID indicates a missing flow identifier
	ErrEmptyFlowID = errors.New("flow id cannot be empty")

	// ErrInvalidAmount indicates a non-positive amount
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidCurrency indicates a malformed ISO 4217 currency code
	ErrInvalidCurrency = errors.New("currency must be a 3-letter ISO code")
)

// Money represents a payment amount in minor units (e.g. rappen, cents)
// with a normalized upper-case ISO 4217 currency code.
type Money struct {
	amountMinor int64
	currency    string
}

// NewMoney creates a Money value from minor units and a currency code.
// The currency is normalized to upper case.
func NewMoney(amountMinor int64, currency string) (Money, error) {
	if amountMinor <= 0 {
		return Money{}, ErrInvalidAmount
	}

	normalized := strings.ToUpper(strings.TrimSpace(currency))
	if len(normalized) != 3 {
		return Money{}, ErrInvalidCurrency
	}

	return Money{amountMinor: amountMinor, currency: normalized}, nil
}

// MinorUnits returns the amount in minor units
func (m Money) MinorUnits() int64 {
	return m.amountMinor
}

// Major returns the amount in major units (e.g. 5000 minor CHF -> 50.00)
func (m Money) Major() float64 {
	return float64(m.amountMinor) / 100
}

// Currency returns the normalized currency code
func (m Money) Currency() string {
	return m.currency
}

// IsZero checks if the value is unset
func (m Money) IsZero() bool {
	return m.amountMinor == 0 && m.currency == ""
}

// String returns a human readable representation
func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.Major(), m.currency)
}
