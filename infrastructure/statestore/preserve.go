package statestore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

// PreserveState freezes a copy of the flow's current state so that a
// disruptive operation (rename, cleanup) can be rolled back. Preserved
// snapshots expire after the TTL; on expiry the sweeper reinstates the
// snapshot if the live state vanished in the meantime, otherwise drops it.
func (s *Store) PreserveState(ctx context.Context, id, reason string) (*ports.PreservedSnapshot, error) {
	fs, resolved, ok := s.lookup(id)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.mu.Lock()
	if fs.flow == nil {
		fs.mu.Unlock()
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}
	frozen := fs.flow.Clone()
	fs.mu.Unlock()

	now := time.Now()
	entry := &ports.PreservedSnapshot{
		Key:            uuid.New().String(),
		FlowID:         resolved,
		BookingID:      frozen.BookingID(),
		ConfirmationID: frozen.Metadata().ConfirmationID,
		Flow:           frozen,
		Reason:         reason,
		PreservedAt:    now,
		ExpiresAt:      now.Add(s.preserveTTL),
	}

	s.mu.Lock()
	s.preserved[entry.Key] = entry
	s.mu.Unlock()

	s.logger.Info("flow state preserved",
		zap.String("flowID", resolved),
		zap.String("key", entry.Key),
		zap.String("reason", reason),
		zap.Time("expiresAt", entry.ExpiresAt),
	)

	return entry, nil
}

// LookupPreserved finds an unexpired preserved snapshot whose flow id,
// booking id or confirmation id matches ref
func (s *Store) LookupPreserved(ref string) (*ports.PreservedSnapshot, bool) {
	if ref == "" {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, entry := range s.preserved {
		if now.After(entry.ExpiresAt) {
			continue
		}
		if entry.FlowID == ref || entry.BookingID == ref ||
			(entry.ConfirmationID != "" && entry.ConfirmationID == ref) {
			return entry, true
		}
	}
	return nil, false
}

// RecoverPreserved claims a preserved snapshot by key. If live state exists
// for the flow the fresher copy wins; otherwise the snapshot is reinstated
// as the active state. The snapshot is consumed either way.
func (s *Store) RecoverPreserved(ctx context.Context, key string) (*ports.FlowSnapshot, error) {
	s.mu.Lock()
	entry, ok := s.preserved[key]
	if !ok {
		s.mu.Unlock()
		return nil, pkgerrors.NewNotFoundError("preserved snapshot " + key)
	}
	delete(s.preserved, key)
	s.mu.Unlock()

	if time.Now().After(entry.ExpiresAt) {
		return nil, pkgerrors.NewNotFoundError("preserved snapshot " + key)
	}

	id := entry.Flow.ID().String()

	if live, exists := s.GetFlowState(id); exists {
		frozen := snapshotOf(entry.Flow, entry.PreservedAt)
		winner := Reconcile(live, frozen)
		if winner == live {
			s.logger.Info("preserved snapshot superseded by live state",
				zap.String("flowID", id),
				zap.Int("liveVersion", live.Version),
				zap.Int("preservedVersion", frozen.Version),
			)
			return live, nil
		}
	}

	return s.reinstate(ctx, entry)
}

// reinstate installs a preserved flow as the active state and publishes it
func (s *Store) reinstate(ctx context.Context, entry *ports.PreservedSnapshot) (*ports.FlowSnapshot, error) {
	id := entry.Flow.ID().String()

	s.mu.Lock()
	fs, exists := s.flows[id]
	if !exists {
		fs = &flowState{subscribers: make(map[string]*subscriber)}
		s.flows[id] = fs
	}
	s.mu.Unlock()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.flow = entry.Flow
	fs.lastUpdated = time.Now()
	snap := snapshotOf(fs.flow, fs.lastUpdated)
	s.publishLocked(id, fs, snap)

	s.logger.Info("preserved snapshot recovered",
		zap.String("flowID", id),
		zap.String("key", entry.Key),
		zap.String("reason", entry.Reason),
	)

	return snap, nil
}

// sweepPreserved expires preserved snapshots. An expired snapshot whose flow
// no longer has live state is auto-recovered rather than silently lost.
func (s *Store) sweepPreserved() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.expirePreserved(now)
		}
	}
}

func (s *Store) expirePreserved(now time.Time) {
	s.mu.Lock()
	var expired []*ports.PreservedSnapshot
	for key, entry := range s.preserved {
		if now.After(entry.ExpiresAt) {
			delete(s.preserved, key)
			expired = append(expired, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		id := entry.Flow.ID().String()
		if _, exists := s.GetFlowState(id); exists {
			s.logger.Debug("preserved snapshot expired",
				zap.String("flowID", id),
				zap.String("key", entry.Key),
			)
			continue
		}

		if _, err := s.reinstate(context.Background(), entry); err != nil {
			s.logger.Error("auto-recovery of expired snapshot failed",
				zap.String("flowID", id),
				zap.Error(err),
			)
			continue
		}
		s.logger.Warn("expired snapshot auto-recovered, flow had no live state",
			zap.String("flowID", id),
			zap.String("key", entry.Key),
		)
	}
}
