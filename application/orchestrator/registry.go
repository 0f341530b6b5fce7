// Package orchestrator coordinates the payment flow lifecycle: initialization
// against the charge API, processing under advisory locks, ingestion of
// remote status from both the realtime feed and the poll fallback, identifier
// transitions when the booking is created, and cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"payflow-backend/application/ports"
	"payflow-backend/domain/core/entities"
	"payflow-backend/domain/core/valueobjects"
	"payflow-backend/infrastructure/charge"
	pkgerrors "payflow-backend/pkg/errors"
	"payflow-backend/pkg/observability"
)

const (
	initializeAttempts = 3
	defaultPollEvery   = 5 * time.Second

	// cleanup requests for the same (flow, source) pair are rate limited
	cleanupMinInterval = 5 * time.Second
)

// InitializeRequest starts a new payment flow
type InitializeRequest struct {
	BookingID   string
	AmountMinor int64
	Currency    string
	UserID      string
}

// Result is the outcome of one processing attempt. Amount is in major units
// for presentation; state keeps minor units throughout.
type Result struct {
	Success          bool    `json:"success"`
	Status           string  `json:"status"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	BookingID        string  `json:"booking_id"`
	FlowID           string  `json:"flow_id"`
	AlreadyConfirmed bool    `json:"already_confirmed,omitempty"`
	FailureCode      string  `json:"failure_code,omitempty"`
}

// Registry is the single writer for every flow it manages. All mutation of
// flow state funnels through it; transport and poller feed into it.
type Registry struct {
	store       ports.FlowStateStore
	locks       ports.LockManager
	charge      ports.ChargeAPI
	transport   ports.RealtimeTransport
	creds       ports.CredentialStore
	broadcaster ports.Broadcaster
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu            sync.Mutex
	bookings      map[string]string // booking id -> flow id
	aliases       map[string]string // old flow id -> current flow id
	subscriptions map[string]func() // flow id -> transport unsubscribe
	pollers       map[string]*poller
	lastCleanup   map[string]time.Time // "flowID|source" -> last attempt
	closed        bool

	pollInterval time.Duration

	// backoff is replaceable in tests
	backoff func(attempt int) time.Duration
}

// NewRegistry wires the orchestrator
func NewRegistry(
	store ports.FlowStateStore,
	locks ports.LockManager,
	chargeAPI ports.ChargeAPI,
	transport ports.RealtimeTransport,
	creds ports.CredentialStore,
	broadcaster ports.Broadcaster,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		store:         store,
		locks:         locks,
		charge:        chargeAPI,
		transport:     transport,
		creds:         creds,
		broadcaster:   broadcaster,
		metrics:       metrics,
		logger:        logger,
		bookings:      make(map[string]string),
		aliases:       make(map[string]string),
		subscriptions: make(map[string]func()),
		pollers:       make(map[string]*poller),
		lastCleanup:   make(map[string]time.Time),
		pollInterval:  defaultPollEvery,
		backoff:       defaultBackoff,
	}
}

// SetPollInterval overrides the HTTP poll cadence. Zero and negative
// values are ignored.
func (r *Registry) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.pollInterval = d
	r.mu.Unlock()
}

// defaultBackoff doubles from one second, capped at five
func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// InitializePayment creates a flow, registers the payment intent with the
// provider and leaves the flow in pending. The returned snapshot is the
// initial registration (version 1); the pending advance is observed through
// subscriptions or a follow-up read. Idempotent per booking id: a repeat
// call returns the existing flow instead of creating a duplicate.
func (r *Registry) InitializePayment(ctx context.Context, req InitializeRequest) (*ports.FlowSnapshot, error) {
	amount, err := valueobjects.NewMoney(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, err
	}

	if snap, ok := r.findByBooking(req.BookingID); ok {
		r.logger.Info("initialization replayed for existing flow",
			zap.String("bookingID", req.BookingID),
			zap.String("flowID", snap.FlowID),
		)
		return snap, nil
	}

	flow, err := entities.NewFlow(req.BookingID, amount)
	if err != nil {
		return nil, err
	}
	flowID := flow.ID().String()

	lock, err := r.locks.Acquire(ctx, flowID, ports.LockPurposeInitialization)
	if err != nil {
		r.metrics.LockContention.WithLabelValues(string(ports.LockPurposeInitialization)).Inc()
		return nil, err
	}
	defer lock.Release()

	// Re-check under the lock: a concurrent initialize may have won
	if snap, ok := r.findByBooking(req.BookingID); ok {
		return snap, nil
	}

	initial, err := r.store.InitializeFlowState(ctx, flow)
	if err != nil {
		return nil, err
	}

	intent, err := r.createIntentWithRetry(ctx, req)
	if err != nil {
		_, trackErr := r.store.TrackFlowState(ctx, flowID, entities.StatusFailed, ports.UpdateMeta{
			Source: "orchestrator",
			Reason: "payment intent creation failed",
		})
		if trackErr != nil {
			r.logger.Error("failed to mark flow failed", zap.String("flowID", flowID), zap.Error(trackErr))
		}
		return nil, err
	}

	if _, err := r.store.UpdateFlowState(ctx, flowID, entities.Metadata{
		PaymentIntentID: intent.PaymentIntent.ID,
	}, ports.UpdateMeta{Source: "orchestrator", Reason: "intent registered"}); err != nil {
		return nil, err
	}

	if _, err := r.store.TrackFlowState(ctx, flowID, entities.StatusPending, ports.UpdateMeta{
		Source: "orchestrator",
		Reason: "initialized",
	}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if req.BookingID != "" {
		r.bookings[req.BookingID] = flowID
	}
	r.mu.Unlock()

	r.watchFlow(flowID, req.BookingID)
	r.metrics.FlowsInitialized.Inc()

	r.logger.Info("payment flow initialized",
		zap.String("flowID", flowID),
		zap.String("bookingID", req.BookingID),
		zap.Int64("amountMinor", req.AmountMinor),
		zap.String("currency", amount.Currency()),
	)

	return initial, nil
}

// createIntentWithRetry retries recoverable provider failures with
// exponential backoff. Non-recoverable failures abort immediately.
func (r *Registry) createIntentWithRetry(ctx context.Context, req InitializeRequest) (*ports.IntentResult, error) {
	var lastErr error

	for attempt := 1; attempt <= initializeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(r.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, pkgerrors.NewTimeoutError("payment intent creation")
			}
		}

		intent, err := r.charge.CreatePaymentIntent(ctx, req.BookingID, req.AmountMinor, req.Currency)
		if err == nil {
			return intent, nil
		}
		lastErr = err

		if !pkgerrors.IsRecoverable(err) {
			return nil, err
		}

		r.logger.Warn("payment intent creation failed, retrying",
			zap.String("bookingID", req.BookingID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return nil, lastErr
}

// ProcessPayment confirms the payment with the provider under the processing
// lock. A repeat call on a succeeded flow returns the success result again
// without touching the provider. A decline is a domain outcome, returned in
// the Result, not as an error; only infrastructure failures return errors.
func (r *Registry) ProcessPayment(ctx context.Context, flowRef, paymentMethodID string, pctx ports.PaymentContext) (*Result, error) {
	snap, ok := r.FindFlow(flowRef)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("flow " + flowRef)
	}

	if snap.Status == entities.StatusSucceeded {
		return r.successResult(snap, true), nil
	}
	if snap.Status.IsTerminal() {
		return nil, pkgerrors.NewValidationError(
			fmt.Sprintf("flow %s is %s and cannot be processed", snap.FlowID, snap.Status))
	}

	lock, err := r.locks.Acquire(ctx, snap.FlowID, ports.LockPurposeProcessing)
	if err != nil {
		r.metrics.LockContention.WithLabelValues(string(ports.LockPurposeProcessing)).Inc()
		return nil, err
	}
	defer lock.Release()

	if snap.Metadata.PaymentIntentID == "" {
		return nil, pkgerrors.NewStateConsistencyError("flow has no payment intent", nil).
			WithDetail("flow_id", snap.FlowID)
	}

	if snap.Status != entities.StatusProcessing {
		if _, err := r.store.TrackFlowState(ctx, snap.FlowID, entities.StatusProcessing, ports.UpdateMeta{
			Source: "api",
			Reason: "payment submitted",
		}); err != nil {
			return nil, err
		}
	}

	if paymentMethodID != "" {
		if _, err := r.store.UpdateFlowState(ctx, snap.FlowID, entities.Metadata{
			PaymentMethodID: paymentMethodID,
		}, ports.UpdateMeta{Source: "api"}); err != nil {
			return nil, err
		}
	}

	confirm, err := r.charge.ConfirmPayment(ctx, snap.Metadata.PaymentIntentID, paymentMethodID, pctx)
	if err != nil {
		return r.handleConfirmError(ctx, snap, err)
	}

	if confirm.Success {
		return r.settleSuccess(ctx, snap, confirm.AmountMinor, confirm.Currency, false)
	}

	return r.settleDecline(ctx, snap, confirm.Status)
}

// handleConfirmError classifies a confirm failure. A provider racing us with
// "already succeeded" is a success; recoverable failures bump the attempt
// counter and bubble up so retry policy can run; declines settle as failed.
func (r *Registry) handleConfirmError(ctx context.Context, snap *ports.FlowSnapshot, err error) (*Result, error) {
	if charge.IsAlreadySucceeded(err) {
		r.logger.Info("confirm raced an already-succeeded payment",
			zap.String("flowID", snap.FlowID),
		)
		return r.settleSuccess(ctx, snap, snap.AmountMinor, snap.Currency, true)
	}

	if pkgerrors.IsRecoverable(err) {
		if _, incErr := r.store.IncrementAttempts(ctx, snap.FlowID); incErr != nil {
			r.logger.Error("attempt increment failed", zap.String("flowID", snap.FlowID), zap.Error(incErr))
		}
		r.metrics.PaymentsProcessed.WithLabelValues("retryable_error").Inc()
		return nil, err
	}

	code := ""
	if appErr := pkgerrors.GetAppError(err); appErr != nil {
		code = appErr.Code
	}
	return r.settleDecline(ctx, snap, code)
}

func (r *Registry) settleSuccess(ctx context.Context, snap *ports.FlowSnapshot, amountMinor int64, currency string, alreadyConfirmed bool) (*Result, error) {
	reason := "payment confirmed"
	if alreadyConfirmed {
		reason = "payment already confirmed"
	}

	updated, err := r.store.TrackFlowState(ctx, snap.FlowID, entities.StatusSucceeded, ports.UpdateMeta{
		Source: "orchestrator",
		Reason: reason,
	})
	if err != nil {
		// Terminal guard: someone (realtime feed) settled it first. The
		// outcome is still success; do not fail the caller.
		if current, ok := r.store.GetFlowState(snap.FlowID); ok && current.Status == entities.StatusSucceeded {
			return r.successResult(current, true), nil
		}
		return nil, err
	}

	r.broadcast(updated)
	r.metrics.PaymentsProcessed.WithLabelValues("succeeded").Inc()

	if amountMinor == 0 {
		amountMinor = snap.AmountMinor
	}
	if currency == "" {
		currency = snap.Currency
	}

	return &Result{
		Success:          true,
		Status:           string(entities.StatusSucceeded),
		Amount:           float64(amountMinor) / 100,
		Currency:         currency,
		BookingID:        updated.BookingID,
		FlowID:           updated.FlowID,
		AlreadyConfirmed: alreadyConfirmed,
	}, nil
}

func (r *Registry) settleDecline(ctx context.Context, snap *ports.FlowSnapshot, failureCode string) (*Result, error) {
	if failureCode != "" {
		if _, err := r.store.UpdateFlowState(ctx, snap.FlowID, entities.Metadata{
			FailureCode: failureCode,
		}, ports.UpdateMeta{Source: "orchestrator"}); err != nil {
			r.logger.Error("failure code update failed", zap.String("flowID", snap.FlowID), zap.Error(err))
		}
	}

	updated, err := r.store.TrackFlowState(ctx, snap.FlowID, entities.StatusFailed, ports.UpdateMeta{
		Source: "orchestrator",
		Reason: "payment declined",
	})
	if err != nil {
		return nil, err
	}

	r.broadcast(updated)
	r.metrics.PaymentsProcessed.WithLabelValues("declined").Inc()

	return &Result{
		Success:     false,
		Status:      string(entities.StatusFailed),
		Amount:      float64(snap.AmountMinor) / 100,
		Currency:    snap.Currency,
		BookingID:   updated.BookingID,
		FlowID:      updated.FlowID,
		FailureCode: failureCode,
	}, nil
}

func (r *Registry) successResult(snap *ports.FlowSnapshot, alreadyConfirmed bool) *Result {
	return &Result{
		Success:          true,
		Status:           string(snap.Status),
		Amount:           float64(snap.AmountMinor) / 100,
		Currency:         snap.Currency,
		BookingID:        snap.BookingID,
		FlowID:           snap.FlowID,
		AlreadyConfirmed: alreadyConfirmed,
	}
}

// FindFlow resolves a flow reference through four tiers: current flow id,
// rename alias, confirmation mapping, preserved snapshot, and finally the
// booking registry.
func (r *Registry) FindFlow(ref string) (*ports.FlowSnapshot, bool) {
	if ref == "" {
		return nil, false
	}

	// Tier 1: current flow id
	if snap, ok := r.store.GetFlowState(ref); ok {
		return snap, true
	}

	// Tier 2: rename alias or booking registry
	r.mu.Lock()
	target, aliased := r.aliases[ref]
	if !aliased {
		target, aliased = r.bookings[ref]
	}
	r.mu.Unlock()
	if aliased {
		if snap, ok := r.store.GetFlowState(target); ok {
			return snap, true
		}
	}

	// Tier 3: confirmation mapping
	if flowID, ok, err := r.creds.LookupConfirmation(context.Background(), ref); err == nil && ok {
		if snap, found := r.store.GetFlowState(flowID); found {
			return snap, true
		}
	}

	// Tier 4: preserved snapshot, reinstated on hit
	if entry, ok := r.store.LookupPreserved(ref); ok {
		snap, err := r.store.RecoverPreserved(context.Background(), entry.Key)
		if err == nil {
			r.logger.Info("flow recovered from preserved snapshot",
				zap.String("ref", ref),
				zap.String("flowID", snap.FlowID),
			)
			return snap, true
		}
	}

	return nil, false
}

func (r *Registry) findByBooking(bookingID string) (*ports.FlowSnapshot, bool) {
	if bookingID == "" {
		return nil, false
	}
	r.mu.Lock()
	flowID, ok := r.bookings[bookingID]
	r.mu.Unlock()
	if !ok {
		// A flow keyed directly by the booking id counts too
		return r.store.GetFlowState(bookingID)
	}
	return r.store.GetFlowState(flowID)
}

// applyRemoteStatus is the single ingestion point for provider status from
// both the realtime feed and the poll fallback. A terminal flow ignores
// further reports, which is what guarantees exactly one settlement
// notification no matter how many channels deliver the outcome.
func (r *Registry) applyRemoteStatus(evt ports.FlowStatusEvent, source string) {
	status, relevant := mapProviderStatus(evt.Status)
	if !relevant {
		return
	}

	snap, ok := r.FindFlow(evt.FlowID)
	if !ok && evt.BookingID != "" {
		snap, ok = r.FindFlow(evt.BookingID)
	}
	if !ok {
		r.logger.Debug("remote status for unknown flow",
			zap.String("flowID", evt.FlowID),
			zap.String("status", evt.Status),
		)
		return
	}

	if snap.Status.IsTerminal() || snap.Status == status {
		return
	}

	reason := evt.Reason
	if reason == "" {
		reason = "remote status update"
	}

	updated, err := r.store.TrackFlowState(context.Background(), snap.FlowID, status, ports.UpdateMeta{
		Source: source,
		Reason: reason,
	})
	if err != nil {
		r.logger.Warn("remote status rejected",
			zap.String("flowID", snap.FlowID),
			zap.String("status", string(status)),
			zap.String("source", source),
			zap.Error(err),
		)
		return
	}

	if updated.Status.IsTerminal() {
		r.broadcast(updated)
		outcome := "succeeded"
		if updated.Status != entities.StatusSucceeded {
			outcome = string(updated.Status)
		}
		r.metrics.PaymentsProcessed.WithLabelValues(outcome).Inc()
	}
}

// mapProviderStatus translates provider wire statuses onto the flow
// lifecycle. Unrecognized statuses are ignored rather than guessed at.
func mapProviderStatus(s string) (entities.FlowStatus, bool) {
	switch s {
	case "succeeded", "success":
		return entities.StatusSucceeded, true
	case "processing", "requires_capture":
		return entities.StatusProcessing, true
	case "requires_payment_method", "requires_confirmation", "pending":
		return entities.StatusPending, true
	case "failed", "payment_failed":
		return entities.StatusFailed, true
	case "canceled", "cancelled":
		return entities.StatusCancelled, true
	default:
		return "", false
	}
}

func (r *Registry) broadcast(snap *ports.FlowSnapshot) {
	previous := snap.Status
	if n := len(snap.Transitions); n > 0 {
		previous = snap.Transitions[n-1].From
	}
	r.broadcaster.Publish(ports.FlowBroadcast{
		BookingID:      snap.BookingID,
		FlowID:         snap.FlowID,
		Status:         snap.Status,
		PreviousStatus: previous,
		Metadata:       snap.Metadata,
	})
}

// watchFlow attaches the realtime subscription and starts the poll fallback
func (r *Registry) watchFlow(flowID, bookingID string) {
	unsub, err := r.transport.SubscribeToFlowStatus(flowID, ports.FlowStatusCallbacks{
		OnStatusUpdate: func(evt ports.FlowStatusEvent) {
			r.applyRemoteStatus(evt, "realtime")
		},
		OnActionRequired: func(evt ports.FlowStatusEvent) {
			r.logger.Info("flow requires user action",
				zap.String("flowID", evt.FlowID),
				zap.String("status", evt.Status),
			)
		},
		OnError: func(err error) {
			r.logger.Warn("realtime subscription error",
				zap.String("flowID", flowID),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		r.logger.Warn("realtime subscription unavailable, polling only",
			zap.String("flowID", flowID),
			zap.Error(err),
		)
	}

	r.mu.Lock()
	if unsub != nil {
		r.subscriptions[flowID] = unsub
	}
	r.mu.Unlock()
	r.metrics.ActiveSubscriptions.Inc()

	r.startPolling(flowID, bookingID)
}

// unwatchFlow tears down the subscription and poller for a flow
func (r *Registry) unwatchFlow(flowID string) {
	r.mu.Lock()
	unsub := r.subscriptions[flowID]
	delete(r.subscriptions, flowID)
	p := r.pollers[flowID]
	delete(r.pollers, flowID)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
		r.metrics.ActiveSubscriptions.Dec()
	}
	if p != nil {
		p.stopOnce()
	}
}

// Close tears down every watcher. Flow state itself is left in the store.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	flowIDs := make([]string, 0, len(r.pollers))
	for flowID := range r.pollers {
		flowIDs = append(flowIDs, flowID)
	}
	for flowID := range r.subscriptions {
		found := false
		for _, id := range flowIDs {
			if id == flowID {
				found = true
				break
			}
		}
		if !found {
			flowIDs = append(flowIDs, flowID)
		}
	}
	r.mu.Unlock()

	for _, flowID := range flowIDs {
		r.unwatchFlow(flowID)
	}
}
