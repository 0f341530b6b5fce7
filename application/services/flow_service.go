// Package services holds the application services layered on top of the
// orchestrator. FlowService owns the retry and scheduling policy for payment
// submission; the orchestrator stays policy-free.
package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"payflow-backend/application/orchestrator"
	"payflow-backend/application/ports"
	"payflow-backend/domain/core/entities"
	pkgerrors "payflow-backend/pkg/errors"
)

// maxSubmitAttempts before a flow is marked failed for good
const maxSubmitAttempts = 3

// FlowService fronts payment submission with retry classification and
// deferred execution
type FlowService struct {
	registry *orchestrator.Registry
	store    ports.FlowStateStore
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewFlowService(registry *orchestrator.Registry, store ports.FlowStateStore, logger *zap.Logger) *FlowService {
	return &FlowService{
		registry: registry,
		store:    store,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// SubmitPayment processes a payment and applies the retry policy on
// recoverable failures: after maxSubmitAttempts the flow fails permanently,
// otherwise it parks in retry_pending with an exponential retry horizon
// (2^attempts minutes).
func (s *FlowService) SubmitPayment(ctx context.Context, flowRef, paymentMethodID string, pctx ports.PaymentContext) (*orchestrator.Result, error) {
	result, err := s.registry.ProcessPayment(ctx, flowRef, paymentMethodID, pctx)
	if err == nil {
		return result, nil
	}

	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	snap, ok := s.registry.FindFlow(flowRef)
	if !ok {
		return nil, err
	}

	if snap.Attempts >= maxSubmitAttempts {
		if _, trackErr := s.store.TrackFlowState(ctx, snap.FlowID, entities.StatusFailed, ports.UpdateMeta{
			Source: "flow-service",
			Reason: "retries exhausted",
		}); trackErr != nil {
			s.logger.Error("failed to settle exhausted flow",
				zap.String("flowID", snap.FlowID),
				zap.Error(trackErr),
			)
		}
		s.logger.Warn("payment failed permanently after retries",
			zap.String("flowID", snap.FlowID),
			zap.Int("attempts", snap.Attempts),
		)
		return nil, err
	}

	retryAt := time.Now().Add(time.Duration(1<<snap.Attempts) * time.Minute)
	if _, trackErr := s.store.TrackFlowState(ctx, snap.FlowID, entities.StatusRetryPending, ports.UpdateMeta{
		Source: "flow-service",
		Reason: "recoverable failure, retry scheduled",
	}); trackErr != nil {
		s.logger.Error("failed to park flow for retry",
			zap.String("flowID", snap.FlowID),
			zap.Error(trackErr),
		)
		return nil, err
	}
	if _, updErr := s.store.UpdateFlowState(ctx, snap.FlowID, entities.Metadata{
		NextRetryAt: &retryAt,
	}, ports.UpdateMeta{Source: "flow-service"}); updErr != nil {
		s.logger.Error("retry horizon not recorded",
			zap.String("flowID", snap.FlowID),
			zap.Error(updErr),
		)
	}

	s.logger.Info("payment parked for retry",
		zap.String("flowID", snap.FlowID),
		zap.Int("attempts", snap.Attempts),
		zap.Time("nextRetryAt", retryAt),
	)

	return nil, err
}

// SchedulePayment defers a submission to a future instant. The flow parks in
// scheduled until the timer fires; CancelScheduled aborts it.
func (s *FlowService) SchedulePayment(ctx context.Context, flowRef, paymentMethodID string, pctx ports.PaymentContext, at time.Time) error {
	snap, ok := s.registry.FindFlow(flowRef)
	if !ok {
		return pkgerrors.NewNotFoundError("flow " + flowRef)
	}
	if snap.Status.IsTerminal() {
		return pkgerrors.NewValidationError("flow is settled, nothing to schedule")
	}

	delay := time.Until(at)
	if delay <= 0 {
		return pkgerrors.NewValidationError("scheduled time must be in the future")
	}

	if _, err := s.store.TrackFlowState(ctx, snap.FlowID, entities.StatusScheduled, ports.UpdateMeta{
		Source: "flow-service",
		Reason: "payment scheduled",
	}); err != nil {
		return err
	}
	if _, err := s.store.UpdateFlowState(ctx, snap.FlowID, entities.Metadata{
		ScheduledFor: &at,
	}, ports.UpdateMeta{Source: "flow-service"}); err != nil {
		s.logger.Error("schedule time not recorded",
			zap.String("flowID", snap.FlowID),
			zap.Error(err),
		)
	}

	flowID := snap.FlowID
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, flowID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		if _, err := s.SubmitPayment(context.Background(), flowID, paymentMethodID, pctx); err != nil {
			s.logger.Warn("scheduled payment submission failed",
				zap.String("flowID", flowID),
				zap.Error(err),
			)
		}
	})

	s.mu.Lock()
	if existing, ok := s.timers[flowID]; ok {
		existing.Stop()
	}
	s.timers[flowID] = timer
	s.mu.Unlock()

	s.logger.Info("payment scheduled",
		zap.String("flowID", flowID),
		zap.Time("at", at),
	)

	return nil
}

// CancelScheduled aborts a pending scheduled submission. Returns whether a
// timer was actually cancelled.
func (s *FlowService) CancelScheduled(ctx context.Context, flowRef string) bool {
	snap, ok := s.registry.FindFlow(flowRef)
	if !ok {
		return false
	}

	s.mu.Lock()
	timer, found := s.timers[snap.FlowID]
	delete(s.timers, snap.FlowID)
	s.mu.Unlock()

	if !found {
		return false
	}
	timer.Stop()

	if _, err := s.store.TrackFlowState(ctx, snap.FlowID, entities.StatusPending, ports.UpdateMeta{
		Source: "flow-service",
		Reason: "schedule cancelled",
	}); err != nil {
		s.logger.Warn("flow not returned to pending after cancel",
			zap.String("flowID", snap.FlowID),
			zap.Error(err),
		)
	}

	return true
}

// Close stops every pending timer
func (s *FlowService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for flowID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, flowID)
	}
}
