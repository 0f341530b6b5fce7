package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"payflow-backend/application/ports"
)

// poller is the HTTP fallback for one flow. It only issues requests while
// the realtime connection is down; when the push feed is healthy each cycle
// is a no-op liveness check.
type poller struct {
	stop chan struct{}
	once sync.Once
}

func (p *poller) stopOnce() {
	p.once.Do(func() { close(p.stop) })
}

func (r *Registry) startPolling(flowID, bookingID string) {
	p := &poller{stop: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if existing, ok := r.pollers[flowID]; ok {
		existing.stopOnce()
	}
	r.pollers[flowID] = p
	r.mu.Unlock()

	go r.pollLoop(p, flowID, bookingID)
}

func (r *Registry) pollLoop(p *poller, flowID, bookingID string) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		snap, ok := r.store.GetFlowState(flowID)
		if !ok || snap.Status.IsTerminal() {
			r.mu.Lock()
			if r.pollers[flowID] == p {
				delete(r.pollers, flowID)
			}
			r.mu.Unlock()
			return
		}

		// Realtime push is up; nothing to poll for
		if r.transport.Connected() {
			continue
		}

		r.metrics.PollCycles.Inc()

		ref := bookingID
		if ref == "" {
			ref = snap.BookingID
		}
		if ref == "" {
			ref = flowID
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.pollInterval)
		status, err := r.charge.GetPaymentStatus(ctx, ref)
		cancel()
		if err != nil {
			r.logger.Debug("status poll failed",
				zap.String("flowID", flowID),
				zap.Error(err),
			)
			continue
		}

		r.applyRemoteStatus(ports.FlowStatusEvent{
			FlowID:          flowID,
			BookingID:       ref,
			Status:          status.Status,
			PaymentIntentID: status.PaymentIntentID,
		}, "poll")
	}
}
