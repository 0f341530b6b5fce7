package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	"payflow-backend/domain/core/entities"
	"payflow-backend/domain/core/valueobjects"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func newTestFlow(t *testing.T, bookingID string) *entities.Flow {
	t.Helper()
	amount, err := valueobjects.NewMoney(5000, "CHF")
	require.NoError(t, err)
	flow, err := entities.NewFlow(bookingID, amount)
	require.NoError(t, err)
	return flow
}

func initFlow(t *testing.T, s *Store, bookingID string) *ports.FlowSnapshot {
	t.Helper()
	snap, err := s.InitializeFlowState(context.Background(), newTestFlow(t, bookingID))
	require.NoError(t, err)
	return snap
}

func TestStore_InitializeFlowState(t *testing.T) {
	s := newTestStore(t)

	snap := initFlow(t, s, "booking-1")

	assert.Equal(t, "booking-1", snap.FlowID)
	assert.Equal(t, entities.StatusInitializing, snap.Status)
	assert.Equal(t, 1, snap.Version)

	got, ok := s.GetFlowState("booking-1")
	require.True(t, ok)
	assert.Equal(t, snap.Version, got.Version)
}

func TestStore_InitializeFlowState_Duplicate(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")

	_, err := s.InitializeFlowState(context.Background(), newTestFlow(t, "booking-1"))

	assert.Error(t, err)
}

func TestStore_GetFlowState_Unknown(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.GetFlowState("nope")

	assert.False(t, ok)
}

func TestStore_UpdateFlowState_BumpsVersionAndPublishes(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")

	var got *ports.FlowSnapshot
	unsub := s.SubscribeToState("booking-1", func(snap *ports.FlowSnapshot) {
		got = snap
	}, ports.SubscribeOptions{SkipInitialEmit: true})
	defer unsub()

	snap, err := s.UpdateFlowState(context.Background(), "booking-1",
		entities.Metadata{PaymentIntentID: "pi_1"}, ports.UpdateMeta{Source: "test"})

	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, "pi_1", snap.Metadata.PaymentIntentID)
	require.NotNil(t, got, "subscriber must be notified synchronously")
	assert.Equal(t, 2, got.Version)
}

func TestStore_TrackFlowState_TerminalGuard(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")
	ctx := context.Background()

	_, err := s.TrackFlowState(ctx, "booking-1", entities.StatusProcessing, ports.UpdateMeta{})
	require.NoError(t, err)
	_, err = s.TrackFlowState(ctx, "booking-1", entities.StatusSucceeded, ports.UpdateMeta{})
	require.NoError(t, err)

	_, err = s.TrackFlowState(ctx, "booking-1", entities.StatusProcessing, ports.UpdateMeta{})

	assert.Error(t, err, "terminal status is final on the tracking path")
}

func TestStore_RestoreFlowState_LeavesTerminal(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")
	ctx := context.Background()

	_, err := s.TrackFlowState(ctx, "booking-1", entities.StatusFailed, ports.UpdateMeta{})
	require.NoError(t, err)

	snap, err := s.RestoreFlowState(ctx, "booking-1", entities.StatusPending, "recovery test")

	require.NoError(t, err)
	assert.Equal(t, entities.StatusPending, snap.Status)
}

func TestStore_SubscribeToState_ReplaysLastKnownState(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")

	var got *ports.FlowSnapshot
	unsub := s.SubscribeToState("booking-1", func(snap *ports.FlowSnapshot) {
		got = snap
	}, ports.SubscribeOptions{})
	defer unsub()

	require.NotNil(t, got, "late subscriber receives the cached state immediately")
	assert.Equal(t, 1, got.Version)
}

func TestStore_SubscribeToState_BeforeInitialization(t *testing.T) {
	s := newTestStore(t)

	var versions []int
	unsub := s.SubscribeToState("booking-1", func(snap *ports.FlowSnapshot) {
		versions = append(versions, snap.Version)
	}, ports.SubscribeOptions{})
	defer unsub()

	assert.Empty(t, versions, "nothing to replay before the flow exists")

	initFlow(t, s, "booking-1")

	assert.Equal(t, []int{1}, versions, "pre-registered subscriber receives the initial state")
}

func TestStore_Publish_VersionOrder(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")
	ctx := context.Background()

	var versions []int
	unsub := s.SubscribeToState("booking-1", func(snap *ports.FlowSnapshot) {
		versions = append(versions, snap.Version)
	}, ports.SubscribeOptions{SkipInitialEmit: true})
	defer unsub()

	for i := 0; i < 5; i++ {
		_, err := s.UpdateFlowState(ctx, "booking-1", entities.Metadata{UIStep: i + 1}, ports.UpdateMeta{})
		require.NoError(t, err)
	}

	require.Len(t, versions, 5)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1], "publish order must match version order")
	}
}

func TestStore_Publish_PanickingSubscriberIsIsolatedAndEvicted(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")
	ctx := context.Background()

	panics := 0
	s.SubscribeToState("booking-1", func(*ports.FlowSnapshot) {
		panics++
		panic("listener bug")
	}, ports.SubscribeOptions{SkipInitialEmit: true})

	healthy := 0
	unsub := s.SubscribeToState("booking-1", func(*ports.FlowSnapshot) {
		healthy++
	}, ports.SubscribeOptions{SkipInitialEmit: true})
	defer unsub()

	for i := 0; i < 5; i++ {
		_, err := s.UpdateFlowState(ctx, "booking-1", entities.Metadata{UIStep: i + 1}, ports.UpdateMeta{})
		require.NoError(t, err)
	}

	assert.Equal(t, 5, healthy, "healthy subscriber keeps receiving")
	assert.Equal(t, maxConsecutiveFailures, panics, "panicking subscriber evicted after repeated failures")
}

func TestStore_Unsubscribe_LastLeaverEvictsCache(t *testing.T) {
	s := newTestStore(t)
	initFlow(t, s, "booking-1")

	unsub := s.SubscribeToState("booking-1", func(*ports.FlowSnapshot) {}, ports.SubscribeOptions{})
	unsub()

	s.mu.RLock()
	fs := s.flows["booking-1"]
	s.mu.RUnlock()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Nil(t, fs.lastEmitted)
	assert.Empty(t, fs.subscribers)
}

func TestStore_AtomicStateTransition_Success(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := newTestFlow(t, "")
	oldID := flow.ID().String()
	_, err := s.InitializeFlowState(ctx, flow)
	require.NoError(t, err)

	ok := s.AtomicStateTransition(ctx, oldID, "booking-9",
		entities.Metadata{ConfirmationID: "conf-1"}, ports.UpdateMeta{Source: "booking"})

	require.True(t, ok)

	// New id resolves, old id does not: the rename must be a clean handover
	snap, found := s.GetFlowState("booking-9")
	require.True(t, found)
	assert.Equal(t, "booking-9", snap.FlowID)
	assert.Equal(t, "booking-9", snap.BookingID)
	assert.Equal(t, oldID, snap.Metadata.TransitionedFrom)
	assert.Equal(t, "conf-1", snap.Metadata.ConfirmationID)

	_, found = s.GetFlowState(oldID)
	assert.False(t, found, "old id must not resolve after the rename")

	assert.Equal(t, "booking-9", s.ResolveAlias(oldID))
}

func TestStore_AtomicStateTransition_SubscribersMigrate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := newTestFlow(t, "")
	oldID := flow.ID().String()
	_, err := s.InitializeFlowState(ctx, flow)
	require.NoError(t, err)

	var got []*ports.FlowSnapshot
	unsub := s.SubscribeToState(oldID, func(snap *ports.FlowSnapshot) {
		got = append(got, snap)
	}, ports.SubscribeOptions{SkipInitialEmit: true})
	defer unsub()

	require.True(t, s.AtomicStateTransition(ctx, oldID, "booking-9", entities.Metadata{}, ports.UpdateMeta{}))

	// The rename itself publishes to migrated subscribers
	require.NotEmpty(t, got)
	assert.Equal(t, "booking-9", got[len(got)-1].FlowID)

	// Updates addressed to the old id follow the alias and still reach them
	_, err = s.UpdateFlowState(ctx, oldID, entities.Metadata{UIStep: 3}, ports.UpdateMeta{})
	require.NoError(t, err)
	assert.Equal(t, 3, got[len(got)-1].Metadata.UIStep)
}

func TestStore_AtomicStateTransition_VerifyFailureLeavesOldIntact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := newTestFlow(t, "")
	oldID := flow.ID().String()
	_, err := s.InitializeFlowState(ctx, flow)
	require.NoError(t, err)

	s.verifyHook = func(string, string) error {
		return errors.New("simulated crash between write and delete")
	}

	ok := s.AtomicStateTransition(ctx, oldID, "booking-9", entities.Metadata{}, ports.UpdateMeta{})

	require.False(t, ok)

	// Old state intact, new id not half-written
	snap, found := s.GetFlowState(oldID)
	require.True(t, found, "failed rename must never lose the old state")
	assert.Equal(t, oldID, snap.FlowID)
	_, found = s.GetFlowState("booking-9")
	assert.False(t, found)
}

func TestStore_AtomicStateTransition_TargetTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")
	initFlow(t, s, "booking-2")

	ok := s.AtomicStateTransition(ctx, "booking-1", "booking-2", entities.Metadata{}, ports.UpdateMeta{})

	assert.False(t, ok)
	_, found := s.GetFlowState("booking-1")
	assert.True(t, found)
}

func TestStore_AtomicStateTransition_InvalidArguments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")

	assert.False(t, s.AtomicStateTransition(ctx, "", "booking-2", entities.Metadata{}, ports.UpdateMeta{}))
	assert.False(t, s.AtomicStateTransition(ctx, "booking-1", "", entities.Metadata{}, ports.UpdateMeta{}))
	assert.False(t, s.AtomicStateTransition(ctx, "booking-1", "booking-1", entities.Metadata{}, ports.UpdateMeta{}))
	assert.False(t, s.AtomicStateTransition(ctx, "missing", "booking-2", entities.Metadata{}, ports.UpdateMeta{}))
}

func TestStore_RemoveFlowState_PurgesAliases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	flow := newTestFlow(t, "")
	oldID := flow.ID().String()
	_, err := s.InitializeFlowState(ctx, flow)
	require.NoError(t, err)
	require.True(t, s.AtomicStateTransition(ctx, oldID, "booking-9", entities.Metadata{}, ports.UpdateMeta{}))

	require.NoError(t, s.RemoveFlowState(ctx, "booking-9"))

	_, found := s.GetFlowState("booking-9")
	assert.False(t, found)
	assert.Equal(t, oldID, s.ResolveAlias(oldID), "aliases pointing at removed state are purged")

	// Idempotent
	assert.NoError(t, s.RemoveFlowState(ctx, "booking-9"))
}

func TestStore_PreserveAndRecover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")
	_, err := s.UpdateFlowState(ctx, "booking-1", entities.Metadata{ConfirmationID: "conf-7"}, ports.UpdateMeta{})
	require.NoError(t, err)

	entry, err := s.PreserveState(ctx, "booking-1", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "booking-1", entry.FlowID)
	assert.Equal(t, "conf-7", entry.ConfirmationID)

	require.NoError(t, s.RemoveFlowState(ctx, "booking-1"))

	// Findable by flow id, booking id and confirmation id
	for _, ref := range []string{"booking-1", "conf-7"} {
		found, ok := s.LookupPreserved(ref)
		require.True(t, ok, "lookup by %q", ref)
		assert.Equal(t, entry.Key, found.Key)
	}

	snap, err := s.RecoverPreserved(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, "booking-1", snap.FlowID)
	assert.Equal(t, "conf-7", snap.Metadata.ConfirmationID)

	// Consumed: a second claim fails
	_, err = s.RecoverPreserved(ctx, entry.Key)
	assert.Error(t, err)
}

func TestStore_RecoverPreserved_LiveStateWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")

	entry, err := s.PreserveState(ctx, "booking-1", "rename")
	require.NoError(t, err)

	// Live state moves on after the snapshot was taken
	_, err = s.UpdateFlowState(ctx, "booking-1", entities.Metadata{UIStep: 4}, ports.UpdateMeta{})
	require.NoError(t, err)

	snap, err := s.RecoverPreserved(ctx, entry.Key)

	require.NoError(t, err)
	assert.Equal(t, 4, snap.Metadata.UIStep, "the fresher live copy wins")
}

func TestStore_ExpirePreserved_AutoRecoversOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")

	entry, err := s.PreserveState(ctx, "booking-1", "cleanup")
	require.NoError(t, err)
	require.NoError(t, s.RemoveFlowState(ctx, "booking-1"))

	// Force expiry instead of waiting out the TTL
	s.mu.Lock()
	entry.ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.expirePreserved(time.Now())

	snap, found := s.GetFlowState("booking-1")
	require.True(t, found, "orphaned snapshot is reinstated on expiry")
	assert.Equal(t, "booking-1", snap.FlowID)
}

func TestStore_ExpirePreserved_DropsWhenLiveStateExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")

	entry, err := s.PreserveState(ctx, "booking-1", "rename")
	require.NoError(t, err)

	before, _ := s.GetFlowState("booking-1")

	s.mu.Lock()
	entry.ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.expirePreserved(time.Now())

	after, found := s.GetFlowState("booking-1")
	require.True(t, found)
	assert.Equal(t, before.Version, after.Version, "live state untouched by expiry")
	_, ok := s.LookupPreserved("booking-1")
	assert.False(t, ok)
}

func TestReconcile(t *testing.T) {
	older := &ports.FlowSnapshot{Version: 3, LastUpdated: time.Now()}
	newer := &ports.FlowSnapshot{Version: 5, LastUpdated: time.Now().Add(-time.Hour)}

	assert.Same(t, newer, Reconcile(older, newer), "higher version wins regardless of timestamps")
	assert.Same(t, newer, Reconcile(newer, older))

	now := time.Now()
	left := &ports.FlowSnapshot{Version: 4, LastUpdated: now.Add(-time.Minute)}
	right := &ports.FlowSnapshot{Version: 4, LastUpdated: now}
	assert.Same(t, right, Reconcile(left, right), "on a version tie the later update wins")

	assert.Same(t, left, Reconcile(left, nil))
	assert.Same(t, right, Reconcile(nil, right))
}

func TestStore_IncrementAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initFlow(t, s, "booking-1")

	n, err := s.IncrementAttempts(ctx, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementAttempts(ctx, "booking-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
