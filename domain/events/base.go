package events

import (
	"time"
)

// DomainEvent is the base interface for all domain events
// Events represent something that has happened in the past
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// BaseEvent provides common event fields. Version carries the flow version
// at the moment the event was raised.
type BaseEvent struct {
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetVersion() int         { return e.Version }

// Flow lifecycle events

// FlowInitialized is raised when a new payment flow is created
type FlowInitialized struct {
	BaseEvent
	FlowID      string `json:"flow_id"`
	BookingID   string `json:"booking_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// NewFlowInitialized creates a FlowInitialized event
func NewFlowInitialized(flowID, bookingID string, amountMinor int64, currency string, version int, timestamp time.Time) FlowInitialized {
	return FlowInitialized{
		BaseEvent: BaseEvent{
			AggregateID: flowID,
			EventType:   "flow.initialized",
			Timestamp:   timestamp,
			Version:     version,
		},
		FlowID:      flowID,
		BookingID:   bookingID,
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// FlowStatusChanged is raised on every status transition
type FlowStatusChanged struct {
	BaseEvent
	FlowID         string `json:"flow_id"`
	BookingID      string `json:"booking_id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status"`
	Source         string `json:"source,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// NewFlowStatusChanged creates a FlowStatusChanged event
func NewFlowStatusChanged(flowID, bookingID, status, previousStatus, source, reason string, version int, timestamp time.Time) FlowStatusChanged {
	return FlowStatusChanged{
		BaseEvent: BaseEvent{
			AggregateID: flowID,
			EventType:   "flow.status_changed",
			Timestamp:   timestamp,
			Version:     version,
		},
		FlowID:         flowID,
		BookingID:      bookingID,
		Status:         status,
		PreviousStatus: previousStatus,
		Source:         source,
		Reason:         reason,
	}
}

// BookingConfirmed is raised when a pre-booking flow id is renamed to the
// permanent booking id
type BookingConfirmed struct {
	BaseEvent
	OldFlowID string `json:"old_flow_id"`
	NewFlowID string `json:"new_flow_id"`
	BookingID string `json:"booking_id"`
}

// NewBookingConfirmed creates a BookingConfirmed event
func NewBookingConfirmed(oldFlowID, newFlowID, bookingID string, version int, timestamp time.Time) BookingConfirmed {
	return BookingConfirmed{
		BaseEvent: BaseEvent{
			AggregateID: newFlowID,
			EventType:   "flow.booking_confirmed",
			Timestamp:   timestamp,
			Version:     version,
		},
		OldFlowID: oldFlowID,
		NewFlowID: newFlowID,
		BookingID: bookingID,
	}
}

// FlowCleanupInitiated is raised before a flow is removed from the registry
type FlowCleanupInitiated struct {
	BaseEvent
	FlowID string `json:"flow_id"`
	Source string `json:"source"`
	Reason string `json:"reason"`
	Forced bool   `json:"forced"`
}

// NewFlowCleanupInitiated creates a FlowCleanupInitiated event
func NewFlowCleanupInitiated(flowID, source, reason string, forced bool, version int, timestamp time.Time) FlowCleanupInitiated {
	return FlowCleanupInitiated{
		BaseEvent: BaseEvent{
			AggregateID: flowID,
			EventType:   "flow.cleanup_initiated",
			Timestamp:   timestamp,
			Version:     version,
		},
		FlowID: flowID,
		Source: source,
		Reason: reason,
		Forced: forced,
	}
}

// PaymentSucceeded is raised exactly once when a flow reaches succeeded
type PaymentSucceeded struct {
	BaseEvent
	FlowID      string `json:"flow_id"`
	BookingID   string `json:"booking_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// NewPaymentSucceeded creates a PaymentSucceeded event
func NewPaymentSucceeded(flowID, bookingID string, amountMinor int64, currency string, version int, timestamp time.Time) PaymentSucceeded {
	return PaymentSucceeded{
		BaseEvent: BaseEvent{
			AggregateID: flowID,
			EventType:   "payment.succeeded",
			Timestamp:   timestamp,
			Version:     version,
		},
		FlowID:      flowID,
		BookingID:   bookingID,
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// PaymentFailed is raised exactly once when a flow reaches failed
type PaymentFailed struct {
	BaseEvent
	FlowID      string `json:"flow_id"`
	BookingID   string `json:"booking_id"`
	FailureCode string `json:"failure_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// NewPaymentFailed creates a PaymentFailed event
func NewPaymentFailed(flowID, bookingID, failureCode, reason string, version int, timestamp time.Time) PaymentFailed {
	return PaymentFailed{
		BaseEvent: BaseEvent{
			AggregateID: flowID,
			EventType:   "payment.failed",
			Timestamp:   timestamp,
			Version:     version,
		},
		FlowID:      flowID,
		BookingID:   bookingID,
		FailureCode: failureCode,
		Reason:      reason,
	}
}
