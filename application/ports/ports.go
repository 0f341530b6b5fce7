// Package ports defines the interfaces between the application layer and
// the infrastructure. Ports in hexagonal architecture: the orchestrator
// depends on these, never on concrete infrastructure.
package ports

import (
	"context"
	"time"

	"payflow-backend/domain/core/entities"
)

// FlowSnapshot is the read model handed to subscribers and callers. It is a
// point-in-time copy; mutating it has no effect on the stored state.
type FlowSnapshot struct {
	FlowID      string                `json:"flow_id"`
	BookingID   string                `json:"booking_id"`
	Status      entities.FlowStatus   `json:"status"`
	Version     int                   `json:"version"`
	AmountMinor int64                 `json:"amount_minor"`
	Currency    string                `json:"currency"`
	Metadata    entities.Metadata     `json:"metadata"`
	Attempts    int                   `json:"attempts"`
	LastUpdated time.Time             `json:"last_updated"`
	Transitions []entities.Transition `json:"transitions,omitempty"`
}

// UpdateMeta annotates a state mutation with its origin
type UpdateMeta struct {
	Source string
	Reason string
}

// StateSubscriber receives flow snapshots in version order
type StateSubscriber func(*FlowSnapshot)

// SubscribeOptions controls subscription behavior. By default the last known
// state is replayed immediately (cache-then-subscribe) so late subscribers
// never start blind.
type SubscribeOptions struct {
	SkipInitialEmit bool
}

// PreservedSnapshot is a frozen copy of flow state retained briefly to
// enable recovery after a risky operation (cleanup, rename).
type PreservedSnapshot struct {
	Key            string
	FlowID         string
	BookingID      string
	ConfirmationID string
	Flow           *entities.Flow
	Reason         string
	PreservedAt    time.Time
	ExpiresAt      time.Time
}

// FlowStateStore is the authoritative versioned per-flow state with
// subscribe/publish, snapshot preservation and atomic identifier renames.
type FlowStateStore interface {
	// InitializeFlowState registers a new flow at version 1
	InitializeFlowState(ctx context.Context, flow *entities.Flow) (*FlowSnapshot, error)

	// GetFlowState resolves a snapshot by its current flow id. A renamed
	// flow is not found under its old id; mutation and subscription paths
	// follow rename aliases instead.
	GetFlowState(id string) (*FlowSnapshot, bool)

	// UpdateFlowState merges a metadata patch, increments the version and
	// publishes synchronously after the write commits
	UpdateFlowState(ctx context.Context, id string, patch entities.Metadata, meta UpdateMeta) (*FlowSnapshot, error)

	// TrackFlowState is the canonical status-transition path
	TrackFlowState(ctx context.Context, id string, status entities.FlowStatus, meta UpdateMeta) (*FlowSnapshot, error)

	// RestoreFlowState is the explicit recovery path that may leave a
	// terminal status
	RestoreFlowState(ctx context.Context, id string, status entities.FlowStatus, reason string) (*FlowSnapshot, error)

	// IncrementAttempts bumps the submission attempt counter
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// AtomicStateTransition renames a flow identifier. On any failure the
	// old state remains intact and false is returned; recovery is left to
	// the caller.
	AtomicStateTransition(ctx context.Context, oldID, newID string, patch entities.Metadata, meta UpdateMeta) bool

	// PreserveState copies current state into a TTL-bounded preservation
	// table with automatic recovery attempted if unclaimed before expiry
	PreserveState(ctx context.Context, id, reason string) (*PreservedSnapshot, error)

	// LookupPreserved finds a preserved snapshot by flow id, booking id or
	// confirmation id
	LookupPreserved(ref string) (*PreservedSnapshot, bool)

	// RecoverPreserved claims a preserved snapshot and reinstates it as the
	// active state for its flow id
	RecoverPreserved(ctx context.Context, key string) (*FlowSnapshot, error)

	// SubscribeToState registers a subscriber and returns its unsubscribe
	// handle. Unsubscribing evicts the cached value once the last subscriber
	// for that id leaves.
	SubscribeToState(id string, fn StateSubscriber, opts SubscribeOptions) func()

	// RemoveFlowState drops a flow from the store
	RemoveFlowState(ctx context.Context, id string) error
}

// LockPurpose scopes an advisory lock to one kind of operation
type LockPurpose string

const (
	LockPurposeProcessing     LockPurpose = "processing"
	LockPurposeRename         LockPurpose = "rename"
	LockPurposeCleanup        LockPurpose = "cleanup"
	LockPurposeInitialization LockPurpose = "initialization"
)

// Lock is an acquired advisory lock. Release is idempotent and must be
// called on every exit path.
type Lock interface {
	Release()
}

// LockManager hands out single-holder TTL-bounded locks keyed by
// (flow id, purpose). Contention is surfaced immediately, never queued.
type LockManager interface {
	Acquire(ctx context.Context, flowID string, purpose LockPurpose) (Lock, error)
	IsHeld(flowID string, purpose LockPurpose) bool
}

// PaymentContext carries caller context through a charge confirmation
type PaymentContext struct {
	UserID         string
	SessionID      string
	ReturnURL      string
	IdempotencyKey string
}

// PaymentIntent is the provider-side intent object, normalized to minor units
type PaymentIntent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// IntentResult is the response of CreatePaymentIntent
type IntentResult struct {
	ClientSecret  string        `json:"client_secret"`
	PaymentIntent PaymentIntent `json:"payment_intent"`
}

// ConfirmResult is the normalized response of ConfirmPayment
type ConfirmResult struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	BookingID   string `json:"booking_id"`
}

// StatusResult is the response of GetPaymentStatus
type StatusResult struct {
	Status          string            `json:"status"`
	PaymentIntentID string            `json:"payment_intent_id"`
	ClientSecret    string            `json:"client_secret"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ChargeAPI is the external charge API boundary, a black box with a fixed
// contract. Implementations normalize every error into pkg/errors shapes so
// retry logic can branch on Recoverable.
type ChargeAPI interface {
	CreatePaymentIntent(ctx context.Context, bookingID string, amountMinor int64, currency string) (*IntentResult, error)
	ConfirmPayment(ctx context.Context, paymentIntentID, paymentMethodID string, pctx PaymentContext) (*ConfirmResult, error)
	GetPaymentStatus(ctx context.Context, bookingID string) (*StatusResult, error)
}

// FlowStatusEvent is a realtime push (or poll result) about one flow
type FlowStatusEvent struct {
	FlowID          string `json:"flowId"`
	BookingID       string `json:"bookingId"`
	Status          string `json:"status"`
	PreviousStatus  string `json:"previousStatus,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// FlowStatusCallbacks are invoked by the transport for one subscription
type FlowStatusCallbacks struct {
	OnStatusUpdate   func(FlowStatusEvent)
	OnActionRequired func(FlowStatusEvent)
	OnError          func(error)
}

// RealtimeTransport owns the single realtime connection, reconnection and
// per-flow subscription channels that survive reconnects. Steady-state
// transport errors never propagate to callers; they degrade to polling.
type RealtimeTransport interface {
	EnsureConnection(ctx context.Context) error
	SubscribeToFlowStatus(flowID string, cb FlowStatusCallbacks) (func(), error)
	Connected() bool
	Close() error
}

// FlowBroadcast is the process-wide broadcast for passive listeners that do
// not hold a direct subscription (e.g. a global notification banner)
type FlowBroadcast struct {
	BookingID      string              `json:"booking_id"`
	FlowID         string              `json:"flow_id"`
	Status         entities.FlowStatus `json:"status"`
	PreviousStatus entities.FlowStatus `json:"previous_status"`
	Metadata       entities.Metadata   `json:"metadata"`
}

// Broadcaster fans FlowBroadcast events out to process-wide listeners
type Broadcaster interface {
	Publish(b FlowBroadcast)
	Subscribe(fn func(FlowBroadcast)) func()
}

// Session is the transport authentication material
type Session struct {
	Token  string
	UserID string
}

// CredentialStore is the persistent local key-value store holding the
// session credentials and confirmation-id mappings
type CredentialStore interface {
	Session(ctx context.Context) (Session, error)
	SaveSession(ctx context.Context, s Session) error
	SaveConfirmationMapping(ctx context.Context, confirmationID, flowID string) error
	LookupConfirmation(ctx context.Context, confirmationID string) (string, bool, error)
	Close() error
}
