// Package statestore holds the authoritative, versioned per-flow state with
// subscribe/publish, snapshot preservation and atomic identifier renames.
// Version increment and publish happen inside one per-flow critical section,
// so publish order matches version order within a flow id. No ordering is
// guaranteed across flow ids.
package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	"payflow-backend/domain/core/entities"
	"payflow-backend/domain/core/valueobjects"
	pkgerrors "payflow-backend/pkg/errors"
)

const (
	// maxConsecutiveFailures before a subscriber callback is auto-removed
	maxConsecutiveFailures = 3

	// maxAliasHops bounds alias chain resolution
	maxAliasHops = 5
)

// subscriber wraps one callback with its failure bookkeeping
type subscriber struct {
	fn       ports.StateSubscriber
	failures int
}

// flowState is the store-internal record for one flow id
type flowState struct {
	mu          sync.Mutex
	flow        *entities.Flow
	lastUpdated time.Time
	subscribers map[string]*subscriber
	lastEmitted *ports.FlowSnapshot
}

// Store implements ports.FlowStateStore in process memory
type Store struct {
	mu        sync.RWMutex
	flows     map[string]*flowState
	aliases   map[string]string // old id -> current id after a rename
	preserved map[string]*ports.PreservedSnapshot
	renames   map[string]bool // in-flight (oldID,newID) pairs

	logger      *zap.Logger
	preserveTTL time.Duration

	sweepInterval time.Duration
	stop          chan struct{}
	stopped       chan struct{}
	once          sync.Once

	// verifyHook lets tests force a failure between writing the new-id
	// state and deleting the old-id state during a rename
	verifyHook func(oldID, newID string) error
}

var _ ports.FlowStateStore = (*Store)(nil)

// NewStore creates a state store and starts the preservation sweeper
func NewStore(logger *zap.Logger) *Store {
	s := &Store{
		flows:         make(map[string]*flowState),
		aliases:       make(map[string]string),
		preserved:     make(map[string]*ports.PreservedSnapshot),
		renames:       make(map[string]bool),
		logger:        logger,
		preserveTTL:   5 * time.Minute,
		sweepInterval: 10 * time.Second,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go s.sweepPreserved()

	return s
}

// Close stops the preservation sweeper
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.stopped
	})
}

// InitializeFlowState registers a new flow at version 1. If subscribers
// attached before initialization they receive the initial state immediately.
func (s *Store) InitializeFlowState(ctx context.Context, flow *entities.Flow) (*ports.FlowSnapshot, error) {
	if flow == nil {
		return nil, pkgerrors.NewValidationError("flow is required")
	}
	id := flow.ID().String()

	s.mu.Lock()
	fs, exists := s.flows[id]
	if exists && fs.flow != nil {
		s.mu.Unlock()
		return nil, pkgerrors.NewStateConsistencyError("flow state already exists", nil).
			WithDetail("flow_id", id)
	}
	if !exists {
		fs = &flowState{subscribers: make(map[string]*subscriber)}
		s.flows[id] = fs
	}
	s.mu.Unlock()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.flow = flow
	fs.lastUpdated = time.Now()
	snap := snapshotOf(flow, fs.lastUpdated)
	s.publishLocked(id, fs, snap)

	s.logger.Debug("flow state initialized",
		zap.String("flowID", id),
		zap.Int("version", snap.Version),
	)

	return snap, nil
}

// GetFlowState returns the snapshot for a flow id. Deliberately strict:
// a renamed flow is not found under its old id; callers that need alias
// resolution go through FindFlow or the subscription path.
func (s *Store) GetFlowState(id string) (*ports.FlowSnapshot, bool) {
	s.mu.RLock()
	fs, ok := s.flows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flow == nil {
		return nil, false
	}
	return snapshotOf(fs.flow, fs.lastUpdated), true
}

// ResolveAlias follows rename aliases to the current flow id
func (s *Store) ResolveAlias(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(id)
}

func (s *Store) resolveLocked(id string) string {
	current := id
	for i := 0; i < maxAliasHops; i++ {
		next, ok := s.aliases[current]
		if !ok {
			return current
		}
		current = next
	}
	return current
}

// lookup resolves aliases and returns the live record
func (s *Store) lookup(id string) (*flowState, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resolved := s.resolveLocked(id)
	fs, ok := s.flows[resolved]
	return fs, resolved, ok
}

// UpdateFlowState merges a metadata patch, bumps the version and publishes
// synchronously after the write commits
func (s *Store) UpdateFlowState(ctx context.Context, id string, patch entities.Metadata, meta ports.UpdateMeta) (*ports.FlowSnapshot, error) {
	fs, resolved, ok := s.lookup(id)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flow == nil {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.flow.UpdateMetadata(patch)
	fs.lastUpdated = time.Now()
	snap := snapshotOf(fs.flow, fs.lastUpdated)
	s.publishLocked(resolved, fs, snap)

	s.logger.Debug("flow state updated",
		zap.String("flowID", resolved),
		zap.Int("version", snap.Version),
		zap.String("source", meta.Source),
	)

	return snap, nil
}

// TrackFlowState is the canonical status-transition path. Terminal statuses
// are final here; only RestoreFlowState may leave them.
func (s *Store) TrackFlowState(ctx context.Context, id string, status entities.FlowStatus, meta ports.UpdateMeta) (*ports.FlowSnapshot, error) {
	fs, resolved, ok := s.lookup(id)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flow == nil {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	if err := fs.flow.TransitionTo(status, meta.Source, meta.Reason); err != nil {
		return nil, err
	}

	fs.lastUpdated = time.Now()
	snap := snapshotOf(fs.flow, fs.lastUpdated)
	s.publishLocked(resolved, fs, snap)

	s.logger.Info("flow status tracked",
		zap.String("flowID", resolved),
		zap.String("status", string(status)),
		zap.Int("version", snap.Version),
		zap.String("source", meta.Source),
	)

	return snap, nil
}

// RestoreFlowState is the explicit recovery path; it may move a terminal
// flow back to a non-terminal status
func (s *Store) RestoreFlowState(ctx context.Context, id string, status entities.FlowStatus, reason string) (*ports.FlowSnapshot, error) {
	fs, resolved, ok := s.lookup(id)
	if !ok {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flow == nil {
		return nil, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.flow.Restore(status, reason)
	fs.lastUpdated = time.Now()
	snap := snapshotOf(fs.flow, fs.lastUpdated)
	s.publishLocked(resolved, fs, snap)

	s.logger.Warn("flow state restored",
		zap.String("flowID", resolved),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)

	return snap, nil
}

// IncrementAttempts bumps the submission attempt counter
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	fs, resolved, ok := s.lookup(id)
	if !ok {
		return 0, pkgerrors.NewNotFoundError("flow state " + id)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flow == nil {
		return 0, pkgerrors.NewNotFoundError("flow state " + id)
	}

	attempts := fs.flow.RecordAttempt()
	fs.lastUpdated = time.Now()
	s.publishLocked(resolved, fs, snapshotOf(fs.flow, fs.lastUpdated))
	return attempts, nil
}

// AtomicStateTransition renames a flow's identifier. The old state is backed
// up, the new-id state written and verified readable, and only then is the
// old-id state removed. On any failure the old state remains intact; partial
// deletion is forbidden. Returns false instead of an error, leaving recovery
// to the caller.
func (s *Store) AtomicStateTransition(ctx context.Context, oldID, newID string, patch entities.Metadata, meta ports.UpdateMeta) bool {
	if oldID == "" || newID == "" || oldID == newID {
		return false
	}

	newFlowID, err := valueObjectID(newID)
	if err != nil {
		return false
	}

	pairKey := oldID + "\x00" + newID

	// Exclusive lock on the (oldID, newID) pair
	s.mu.Lock()
	if s.renames[pairKey] {
		s.mu.Unlock()
		return false
	}
	s.renames[pairKey] = true

	fsOld, hasOld := s.flows[s.resolveLocked(oldID)]
	_, newTaken := s.flows[newID]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.renames, pairKey)
		s.mu.Unlock()
	}()

	if !hasOld || newTaken {
		return false
	}

	fsOld.mu.Lock()
	defer fsOld.mu.Unlock()
	if fsOld.flow == nil {
		return false
	}

	// Build the renamed copy; the old record is untouched until the new one
	// is verified readable.
	renamed := fsOld.flow.Clone()
	renamed.Rename(newFlowID)
	if !isZeroMetadata(patch) {
		renamed.UpdateMetadata(patch)
	}
	if renamed.BookingID() == "" {
		renamed.SetBookingID(newID)
	}

	fsNew := &flowState{
		flow:        renamed,
		lastUpdated: time.Now(),
		subscribers: make(map[string]*subscriber),
	}
	fsNew.mu.Lock()
	defer fsNew.mu.Unlock()

	s.mu.Lock()
	if _, taken := s.flows[newID]; taken {
		s.mu.Unlock()
		return false
	}
	s.flows[newID] = fsNew

	// Verify the new-id state is retrievable before deleting anything
	if readBack, ok := s.flows[newID]; !ok || readBack.flow == nil || s.failVerify(oldID, newID) {
		delete(s.flows, newID)
		s.mu.Unlock()
		s.logger.Error("rename verification failed, old state left intact",
			zap.String("oldID", oldID),
			zap.String("newID", newID),
		)
		return false
	}

	// Commit: drop the old id, register the alias, migrate subscribers so
	// callbacks addressed to the old id keep receiving updates
	delete(s.flows, oldID)
	s.aliases[oldID] = newID
	fsNew.subscribers = fsOld.subscribers
	fsOld.subscribers = make(map[string]*subscriber)
	fsOld.lastEmitted = nil
	s.mu.Unlock()

	snap := snapshotOf(fsNew.flow, fsNew.lastUpdated)
	s.publishLocked(newID, fsNew, snap)

	s.logger.Info("flow identifier transitioned",
		zap.String("oldID", oldID),
		zap.String("newID", newID),
		zap.Int("version", snap.Version),
		zap.String("source", meta.Source),
	)

	return true
}

func (s *Store) failVerify(oldID, newID string) bool {
	if s.verifyHook == nil {
		return false
	}
	return s.verifyHook(oldID, newID) != nil
}

// SubscribeToState registers a subscriber. The last known state is replayed
// immediately unless opts.SkipInitialEmit is set, so late subscribers never
// start blind. The returned handle unsubscribes; the cached last-emitted
// value is evicted once the final subscriber leaves.
func (s *Store) SubscribeToState(id string, fn ports.StateSubscriber, opts ports.SubscribeOptions) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	resolved := s.resolveLocked(id)
	fs, ok := s.flows[resolved]
	if !ok {
		fs = &flowState{subscribers: make(map[string]*subscriber)}
		s.flows[resolved] = fs
	}
	s.mu.Unlock()

	subID := uuid.New().String()

	fs.mu.Lock()
	fs.subscribers[subID] = &subscriber{fn: fn}
	var replay *ports.FlowSnapshot
	if !opts.SkipInitialEmit {
		if fs.lastEmitted != nil {
			replay = fs.lastEmitted
		} else if fs.flow != nil {
			replay = snapshotOf(fs.flow, fs.lastUpdated)
			fs.lastEmitted = replay
		}
	}
	if replay != nil {
		s.deliver(fs, subID, replay)
	}
	fs.mu.Unlock()

	return func() {
		// The flow may have been renamed since subscribing; the subscriber
		// set travels with the rename, so re-resolve before removing.
		target, current, found := s.lookup(resolved)
		if !found {
			target, current = fs, resolved
		}
		target.mu.Lock()
		delete(target.subscribers, subID)
		if len(target.subscribers) == 0 {
			target.lastEmitted = nil
		}
		target.mu.Unlock()

		s.logger.Debug("state subscriber removed",
			zap.String("flowID", current),
			zap.String("subscriptionID", subID),
		)
	}
}

// RemoveFlowState drops a flow and any aliases pointing at it. Idempotent.
func (s *Store) RemoveFlowState(ctx context.Context, id string) error {
	s.mu.Lock()
	resolved := s.resolveLocked(id)
	delete(s.flows, resolved)
	for alias, target := range s.aliases {
		if target == resolved || alias == resolved {
			delete(s.aliases, alias)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("flow state removed", zap.String("flowID", resolved))
	return nil
}

// publishLocked delivers a snapshot to every subscriber of the flow. The
// caller holds fs.mu, which is what makes version order equal publish order.
// A panicking subscriber must not block delivery to the others; a callback
// panicking 3 times in a row is removed.
func (s *Store) publishLocked(id string, fs *flowState, snap *ports.FlowSnapshot) {
	fs.lastEmitted = snap

	// Drain the domain events raised by this mutation into the audit log
	if fs.flow != nil {
		for _, evt := range fs.flow.CollectEvents() {
			s.logger.Debug("domain event",
				zap.String("flowID", id),
				zap.String("eventType", evt.GetEventType()),
				zap.Int("version", evt.GetVersion()),
			)
		}
	}

	for subID := range fs.subscribers {
		s.deliver(fs, subID, snap)
	}
}

// deliver invokes one subscriber with panic isolation. Caller holds fs.mu.
func (s *Store) deliver(fs *flowState, subID string, snap *ports.FlowSnapshot) {
	sub, ok := fs.subscribers[subID]
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			sub.failures++
			s.logger.Warn("state subscriber panicked",
				zap.String("subscriptionID", subID),
				zap.Int("consecutiveFailures", sub.failures),
				zap.Any("panic", r),
			)
			if sub.failures >= maxConsecutiveFailures {
				delete(fs.subscribers, subID)
				s.logger.Warn("state subscriber removed after repeated failures",
					zap.String("subscriptionID", subID),
				)
			}
		} else {
			sub.failures = 0
		}
	}()

	sub.fn(snap)
}

// Reconcile picks the authoritative copy between two versions of the same
// flow's state: higher version wins; on a tie the more recent LastUpdated.
func Reconcile(a, b *ports.FlowSnapshot) *ports.FlowSnapshot {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	if b.LastUpdated.After(a.LastUpdated) {
		return b
	}
	return a
}

// snapshotOf builds the read model for a flow
func snapshotOf(flow *entities.Flow, lastUpdated time.Time) *ports.FlowSnapshot {
	return &ports.FlowSnapshot{
		FlowID:      flow.ID().String(),
		BookingID:   flow.BookingID(),
		Status:      flow.Status(),
		Version:     flow.Version(),
		AmountMinor: flow.Amount().MinorUnits(),
		Currency:    flow.Amount().Currency(),
		Metadata:    flow.Metadata(),
		Attempts:    flow.Attempts(),
		LastUpdated: lastUpdated,
		Transitions: flow.Transitions(),
	}
}

func isZeroMetadata(m entities.Metadata) bool {
	return m == (entities.Metadata{})
}

func valueObjectID(id string) (valueobjects.FlowID, error) {
	return valueobjects.FlowIDFromString(id)
}
