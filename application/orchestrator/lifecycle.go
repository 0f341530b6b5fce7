package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"payflow-backend/application/ports"
	"payflow-backend/domain/core/entities"
	pkgerrors "payflow-backend/pkg/errors"
)

// HandleBookingCreated renames a flow from its pre-booking id to the real
// booking id once the backend allocates one. State is preserved before the
// transition; if the atomic rename fails the preserved copy is reinstated
// and the old id keeps working.
func (r *Registry) HandleBookingCreated(ctx context.Context, oldFlowID, bookingID, confirmationID string) error {
	if oldFlowID == "" || bookingID == "" {
		return pkgerrors.NewValidationError("old flow id and booking id are required")
	}
	if oldFlowID == bookingID {
		return nil
	}

	lock, err := r.locks.Acquire(ctx, oldFlowID, ports.LockPurposeRename)
	if err != nil {
		r.metrics.LockContention.WithLabelValues(string(ports.LockPurposeRename)).Inc()
		return err
	}
	defer lock.Release()

	snap, ok := r.FindFlow(oldFlowID)
	if !ok {
		return pkgerrors.NewNotFoundError("flow " + oldFlowID)
	}
	if snap.FlowID == bookingID {
		// Rename already landed, e.g. replayed webhook
		return nil
	}

	preserved, err := r.store.PreserveState(ctx, snap.FlowID, "identifier transition")
	if err != nil {
		return err
	}

	patch := entities.Metadata{}
	if confirmationID != "" {
		patch.ConfirmationID = confirmationID
	}

	if !r.store.AtomicStateTransition(ctx, snap.FlowID, bookingID, patch, ports.UpdateMeta{
		Source: "orchestrator",
		Reason: "booking created",
	}) {
		r.metrics.RenamesFailed.Inc()
		// The store guarantees the old state survived; reclaim the
		// preserved copy so it does not auto-recover later.
		if _, recErr := r.store.RecoverPreserved(ctx, preserved.Key); recErr != nil {
			r.logger.Error("preserved snapshot reclaim failed",
				zap.String("flowID", snap.FlowID),
				zap.Error(recErr),
			)
		}
		return pkgerrors.NewStateConsistencyError("identifier transition failed", nil).
			WithDetail("old_flow_id", snap.FlowID).
			WithDetail("booking_id", bookingID)
	}

	r.mu.Lock()
	r.aliases[snap.FlowID] = bookingID
	r.bookings[bookingID] = bookingID
	if snap.BookingID != "" && snap.BookingID != bookingID {
		delete(r.bookings, snap.BookingID)
	}
	r.mu.Unlock()

	if confirmationID != "" {
		if err := r.creds.SaveConfirmationMapping(ctx, confirmationID, bookingID); err != nil {
			r.logger.Warn("confirmation mapping not persisted",
				zap.String("confirmationID", confirmationID),
				zap.Error(err),
			)
		}
	}

	// Move the realtime subscription and poller to the new id
	r.unwatchFlow(snap.FlowID)
	r.watchFlow(bookingID, bookingID)

	if updated, ok := r.store.GetFlowState(bookingID); ok {
		r.broadcast(updated)
	}

	r.logger.Info("flow identifier renamed",
		zap.String("oldFlowID", snap.FlowID),
		zap.String("bookingID", bookingID),
		zap.String("confirmationID", confirmationID),
	)

	return nil
}

// CleanupOptions qualifies a cleanup request. Source identifies the caller
// for rate limiting and audit, Reason ends up in the preserved snapshot and
// the farewell broadcast, PreserveState forces a preservation window even
// for terminal flows, and Force overrides the in-flight payment check.
type CleanupOptions struct {
	Source        string
	Reason        string
	PreserveState bool
	Force         bool
}

// HandleCleanup removes a flow's transient state. It refuses while a payment
// is actively processing unless forced, and is rate limited per (flow,
// source) pair so a misbehaving caller cannot churn state. Returns whether
// cleanup ran.
func (r *Registry) HandleCleanup(ctx context.Context, flowRef string, opts CleanupOptions) bool {
	snap, ok := r.FindFlow(flowRef)
	if !ok {
		return true
	}

	key := snap.FlowID + "|" + opts.Source
	now := time.Now()
	r.mu.Lock()
	if last, seen := r.lastCleanup[key]; seen && now.Sub(last) < cleanupMinInterval {
		r.mu.Unlock()
		r.logger.Debug("cleanup rate limited",
			zap.String("flowID", snap.FlowID),
			zap.String("source", opts.Source),
		)
		return false
	}
	r.lastCleanup[key] = now
	r.mu.Unlock()

	if !opts.Force && r.locks.IsHeld(snap.FlowID, ports.LockPurposeProcessing) {
		r.metrics.CleanupsRefused.Inc()
		r.logger.Info("cleanup refused, payment in flight",
			zap.String("flowID", snap.FlowID),
			zap.String("source", opts.Source),
		)
		return false
	}

	lock, err := r.locks.Acquire(ctx, snap.FlowID, ports.LockPurposeCleanup)
	if err != nil {
		r.metrics.LockContention.WithLabelValues(string(ports.LockPurposeCleanup)).Inc()
		return false
	}
	defer lock.Release()

	reason := opts.Reason
	if reason == "" {
		reason = "cleanup"
	}

	// Non-terminal flows get a preservation window in case the cleanup
	// turns out to be premature
	if opts.PreserveState || !snap.Status.IsTerminal() {
		if _, err := r.store.PreserveState(ctx, snap.FlowID, reason); err != nil {
			r.logger.Warn("preservation before cleanup failed",
				zap.String("flowID", snap.FlowID),
				zap.Error(err),
			)
		}
	}

	r.broadcaster.Publish(ports.FlowBroadcast{
		BookingID:      snap.BookingID,
		FlowID:         snap.FlowID,
		Status:         snap.Status,
		PreviousStatus: snap.Status,
		Metadata:       entities.Metadata{Reason: reason, Source: opts.Source},
	})

	r.unwatchFlow(snap.FlowID)

	if err := r.store.RemoveFlowState(ctx, snap.FlowID); err != nil {
		r.logger.Error("flow state removal failed",
			zap.String("flowID", snap.FlowID),
			zap.Error(err),
		)
		return false
	}

	r.mu.Lock()
	if snap.BookingID != "" {
		delete(r.bookings, snap.BookingID)
	}
	for alias, target := range r.aliases {
		if target == snap.FlowID || alias == snap.FlowID {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()

	r.logger.Info("flow cleaned up",
		zap.String("flowID", snap.FlowID),
		zap.String("source", opts.Source),
		zap.String("reason", reason),
		zap.Bool("force", opts.Force),
	)

	return true
}

// GoBack rewinds the checkout UI step for a flow. Rejected while a payment
// is in flight or once the flow is terminal.
func (r *Registry) GoBack(ctx context.Context, flowRef string, step int) (*ports.FlowSnapshot, error) {
	if step < 1 {
		return nil, pkgerrors.NewValidationError("step must be at least 1")
	}

	snap, ok := r.FindFlow(flowRef)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("flow " + flowRef)
	}
	if snap.Status.IsTerminal() {
		return nil, pkgerrors.NewValidationError("flow is settled, navigation is closed")
	}
	if r.locks.IsHeld(snap.FlowID, ports.LockPurposeProcessing) {
		return nil, pkgerrors.NewLockContentionError(snap.FlowID, string(ports.LockPurposeProcessing))
	}

	return r.store.UpdateFlowState(ctx, snap.FlowID, entities.Metadata{
		UIStep: step,
	}, ports.UpdateMeta{Source: "api", Reason: "navigated back"})
}
