package entities

import (
	"time"

	"payflow-backend/domain/core/valueobjects"
	"payflow-backend/domain/events"
	pkgerrors "payflow-backend/pkg/errors"
)

// FlowStatus represents the lifecycle state of a payment flow
type FlowStatus string

const (
	StatusInitializing FlowStatus = "initializing"
	StatusPending      FlowStatus = "pending"
	StatusProcessing   FlowStatus = "processing"
	StatusRetryPending FlowStatus = "retry_pending"
	StatusSucceeded    FlowStatus = "succeeded"
	StatusFailed       FlowStatus = "failed"
	StatusCancelled    FlowStatus = "cancelled"
	StatusScheduled    FlowStatus = "scheduled"
)

// IsTerminal reports whether no further transitions are expected
func (s FlowStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions defines the valid status transitions. The key is the
// current status, the value the set of valid targets. Terminal statuses have
// no targets; leaving them requires the explicit Restore path. Settlement can
// arrive remotely (push or poll) while a flow is parked outside processing,
// so every status past intent creation accepts succeeded and failed.
var allowedTransitions = map[FlowStatus][]FlowStatus{
	StatusInitializing: {StatusPending, StatusProcessing, StatusScheduled, StatusCancelled, StatusFailed},
	StatusPending:      {StatusProcessing, StatusScheduled, StatusSucceeded, StatusCancelled, StatusFailed},
	StatusProcessing:   {StatusSucceeded, StatusFailed, StatusRetryPending, StatusCancelled},
	StatusRetryPending: {StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusScheduled:    {StatusProcessing, StatusPending, StatusSucceeded, StatusCancelled, StatusFailed},
	StatusSucceeded:    {},
	StatusFailed:       {},
	StatusCancelled:    {},
}

// CanTransition checks if a transition between two statuses is allowed
func CanTransition(from, to FlowStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// maxTransitionLog bounds the per-flow transition history
const maxTransitionLog = 50

// Metadata is the bounded set of optional typed fields attached to a flow.
// Zero values mean "not set"; Merge only overwrites set fields.
type Metadata struct {
	UIStep           int        `json:"ui_step,omitempty"`
	PaymentMethodID  string     `json:"payment_method_id,omitempty"`
	PaymentIntentID  string     `json:"payment_intent_id,omitempty"`
	ConfirmationID   string     `json:"confirmation_id,omitempty"`
	TransitionedFrom string     `json:"transitioned_from,omitempty"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	Source           string     `json:"source,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	FailureCode      string     `json:"failure_code,omitempty"`
}

// Merge overlays the set fields of patch onto m and returns the result
func (m Metadata) Merge(patch Metadata) Metadata {
	if patch.UIStep != 0 {
		m.UIStep = patch.UIStep
	}
	if patch.PaymentMethodID != "" {
		m.PaymentMethodID = patch.PaymentMethodID
	}
	if patch.PaymentIntentID != "" {
		m.PaymentIntentID = patch.PaymentIntentID
	}
	if patch.ConfirmationID != "" {
		m.ConfirmationID = patch.ConfirmationID
	}
	if patch.TransitionedFrom != "" {
		m.TransitionedFrom = patch.TransitionedFrom
	}
	if patch.ScheduledFor != nil {
		m.ScheduledFor = patch.ScheduledFor
	}
	if patch.NextRetryAt != nil {
		m.NextRetryAt = patch.NextRetryAt
	}
	if patch.Source != "" {
		m.Source = patch.Source
	}
	if patch.Reason != "" {
		m.Reason = patch.Reason
	}
	if patch.FailureCode != "" {
		m.FailureCode = patch.FailureCode
	}
	return m
}

// Transition is one entry of the ordered transition log
type Transition struct {
	From      FlowStatus `json:"from"`
	To        FlowStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Version   int        `json:"version"`
	Source    string     `json:"source,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Flow is one end-to-end attempt to collect payment for a booking.
// Rich domain model: private fields, all mutation goes through methods that
// bump the version, so version order equals mutation order.
type Flow struct {
	id          valueobjects.FlowID
	bookingID   string
	status      FlowStatus
	amount      valueobjects.Money
	metadata    Metadata
	version     int
	createdAt   time.Time
	updatedAt   time.Time
	transitions []Transition
	attempts    int

	events []events.DomainEvent
}

// NewFlow creates a flow in status initializing at version 1. The flow id
// defaults to the booking id; a synthetic pre-booking id is allocated when
// no booking id exists yet.
func NewFlow(bookingID string, amount valueobjects.Money) (*Flow, error) {
	if amount.IsZero() {
		return nil, pkgerrors.NewValidationError("amount and currency are required")
	}

	var id valueobjects.FlowID
	if bookingID == "" {
		id = valueobjects.NewFlowID()
	} else {
		var err error
		id, err = valueobjects.FlowIDFromString(bookingID)
		if err != nil {
			return nil, pkgerrors.NewValidationError("bookingID is invalid")
		}
	}

	now := time.Now()
	flow := &Flow{
		id:          id,
		bookingID:   bookingID,
		status:      StatusInitializing,
		amount:      amount,
		version:     1,
		createdAt:   now,
		updatedAt:   now,
		transitions: []Transition{},
		events:      []events.DomainEvent{},
	}

	flow.addEvent(events.NewFlowInitialized(
		flow.id.String(),
		bookingID,
		amount.MinorUnits(),
		amount.Currency(),
		flow.version,
		now,
	))

	return flow, nil
}

// ReconstructFlow rebuilds a flow from stored state with preserved
// timestamps, version and history. Used by snapshot recovery.
func ReconstructFlow(
	id valueobjects.FlowID,
	bookingID string,
	status FlowStatus,
	amount valueobjects.Money,
	metadata Metadata,
	version int,
	createdAt, updatedAt time.Time,
	transitions []Transition,
	attempts int,
) *Flow {
	history := make([]Transition, len(transitions))
	copy(history, transitions)

	return &Flow{
		id:          id,
		bookingID:   bookingID,
		status:      status,
		amount:      amount,
		metadata:    metadata,
		version:     version,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
		transitions: history,
		attempts:    attempts,
	}
}

// Getters

func (f *Flow) ID() valueobjects.FlowID    { return f.id }
func (f *Flow) BookingID() string          { return f.bookingID }
func (f *Flow) Status() FlowStatus         { return f.status }
func (f *Flow) Amount() valueobjects.Money { return f.amount }
func (f *Flow) Metadata() Metadata         { return f.metadata }
func (f *Flow) Version() int               { return f.version }
func (f *Flow) CreatedAt() time.Time       { return f.createdAt }
func (f *Flow) UpdatedAt() time.Time       { return f.updatedAt }
func (f *Flow) Attempts() int              { return f.attempts }

// IsTerminal reports whether the flow reached a terminal status
func (f *Flow) IsTerminal() bool {
	return f.status.IsTerminal()
}

// Transitions returns a copy of the ordered transition log
func (f *Flow) Transitions() []Transition {
	log := make([]Transition, len(f.transitions))
	copy(log, f.transitions)
	return log
}

// TransitionTo moves the flow to a new status. Terminal statuses are final:
// leaving them requires the explicit Restore path.
func (f *Flow) TransitionTo(status FlowStatus, source, reason string) error {
	if f.status.IsTerminal() {
		return pkgerrors.NewStateConsistencyError(
			"flow is in terminal status "+string(f.status), nil,
		).WithDetail("flow_id", f.id.String())
	}
	if !CanTransition(f.status, status) {
		return pkgerrors.NewValidationError(
			"invalid transition from " + string(f.status) + " to " + string(status),
		)
	}

	f.applyTransition(status, source, reason)
	return nil
}

// Restore is the explicit recovery path: it may move a terminal flow back to
// a non-terminal status, e.g. when a preserved snapshot is re-activated.
func (f *Flow) Restore(status FlowStatus, reason string) {
	f.applyTransition(status, "recovery", reason)
}

func (f *Flow) applyTransition(status FlowStatus, source, reason string) {
	previous := f.status
	now := time.Now()

	f.status = status
	f.version++
	f.updatedAt = now
	f.transitions = append(f.transitions, Transition{
		From:      previous,
		To:        status,
		Timestamp: now,
		Version:   f.version,
		Source:    source,
		Reason:    reason,
	})
	if len(f.transitions) > maxTransitionLog {
		f.transitions = f.transitions[len(f.transitions)-maxTransitionLog:]
	}

	f.addEvent(events.NewFlowStatusChanged(
		f.id.String(),
		f.bookingID,
		string(status),
		string(previous),
		source,
		reason,
		f.version,
		now,
	))

	switch status {
	case StatusSucceeded:
		f.addEvent(events.NewPaymentSucceeded(
			f.id.String(), f.bookingID, f.amount.MinorUnits(), f.amount.Currency(), f.version, now,
		))
	case StatusFailed:
		f.addEvent(events.NewPaymentFailed(
			f.id.String(), f.bookingID, f.metadata.FailureCode, reason, f.version, now,
		))
	}
}

// UpdateMetadata merges a metadata patch. Counts as a mutation: version++.
func (f *Flow) UpdateMetadata(patch Metadata) {
	f.metadata = f.metadata.Merge(patch)
	f.version++
	f.updatedAt = time.Now()
}

// SetBookingID records the booking id once the booking is confirmed
func (f *Flow) SetBookingID(bookingID string) {
	f.bookingID = bookingID
	f.version++
	f.updatedAt = time.Now()
}

// Rename changes the flow identifier, recording the old id in metadata.
// Only used by the state store's atomic identifier transition.
func (f *Flow) Rename(newID valueobjects.FlowID) {
	oldID := f.id
	f.id = newID
	f.metadata.TransitionedFrom = oldID.String()
	f.version++
	f.updatedAt = time.Now()

	f.addEvent(events.NewBookingConfirmed(
		oldID.String(), newID.String(), f.bookingID, f.version, f.updatedAt,
	))
}

// RecordAttempt increments and returns the submission attempt counter
func (f *Flow) RecordAttempt() int {
	f.attempts++
	f.version++
	f.updatedAt = time.Now()
	return f.attempts
}

// Clone returns a deep copy, without pending domain events
func (f *Flow) Clone() *Flow {
	return ReconstructFlow(
		f.id, f.bookingID, f.status, f.amount, f.metadata,
		f.version, f.createdAt, f.updatedAt, f.transitions, f.attempts,
	)
}

// Domain events accumulate on the aggregate until collected.

func (f *Flow) addEvent(event events.DomainEvent) {
	f.events = append(f.events, event)
}

// CollectEvents returns and clears the pending domain events
func (f *Flow) CollectEvents() []events.DomainEvent {
	pending := f.events
	f.events = []events.DomainEvent{}
	return pending
}
