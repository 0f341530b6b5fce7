package valueobjects

import (
	"strings"

	"github.com/google/uuid"
)

// preBookingPrefix marks synthetic flow ids allocated before a booking exists.
// Once the booking is confirmed the flow is renamed to the permanent booking id.
const preBookingPrefix = "pre_"

// FlowID uniquely identifies a payment flow. A flow may start life under a
// synthetic pre-booking id and later be renamed to the booking id.
type FlowID struct {
	value string
}

// NewFlowID generates a synthetic pre-booking flow id
func NewFlowID() FlowID {
	return FlowID{value: preBookingPrefix + uuid.New().String()}
}

// FlowIDFromString creates a FlowID from an existing identifier
func FlowIDFromString(value string) (FlowID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return FlowID{}, ErrEmptyFlowID
	}
	return FlowID{value: trimmed}, nil
}

// String returns the string representation
func (id FlowID) String() string {
	return id.value
}

// IsEmpty checks if the ID is empty
func (id FlowID) IsEmpty() bool {
	return id.value == ""
}

// IsPreBooking reports whether this is a synthetic id allocated before the
// booking was confirmed
func (id FlowID) IsPreBooking() bool {
	return strings.HasPrefix(id.value, preBookingPrefix)
}

// Equals checks if two FlowIDs are equal
func (id FlowID) Equals(other FlowID) bool {
	return id.value == other.value
}
