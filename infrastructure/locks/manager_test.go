package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

func TestManager_Acquire_Success(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	lock, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeProcessing)

	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, m.IsHeld("flow-1", ports.LockPurposeProcessing))

	lock.Release()
	assert.False(t, m.IsHeld("flow-1", ports.LockPurposeProcessing))
}

func TestManager_Acquire_ContentionFailsImmediately(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	first, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeProcessing)
	require.NoError(t, err)
	defer first.Release()

	start := time.Now()
	_, err = m.Acquire(context.Background(), "flow-1", ports.LockPurposeProcessing)

	require.Error(t, err)
	appErr := pkgerrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.ErrorTypeLockContention, appErr.Type)
	assert.Less(t, time.Since(start), time.Second, "contention must not queue")
}

func TestManager_Acquire_DifferentPurposesDoNotContend(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	processing, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeProcessing)
	require.NoError(t, err)
	defer processing.Release()

	rename, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeRename)
	require.NoError(t, err)
	rename.Release()
}

func TestManager_Acquire_DifferentFlowsDoNotContend(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	a, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeProcessing)
	require.NoError(t, err)
	defer a.Release()

	b, err := m.Acquire(context.Background(), "flow-2", ports.LockPurposeProcessing)
	require.NoError(t, err)
	b.Release()
}

func TestManager_Acquire_EmptyFlowID(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	_, err := m.Acquire(context.Background(), "", ports.LockPurposeProcessing)

	assert.Error(t, err)
}

func TestManager_Acquire_ExpiredLockIsReacquirable(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	// A lock whose TTL already ran out must not block a new holder, even
	// before the sweeper reclaims it.
	key := lockKey{flowID: "flow-1", purpose: ports.LockPurposeProcessing}
	m.mu.Lock()
	m.locks[key] = &lockRecord{
		lockID:     "stale",
		acquiredAt: time.Now().Add(-time.Minute),
		expiresAt:  time.Now().Add(-30 * time.Second),
	}
	m.mu.Unlock()

	lock, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeProcessing)

	require.NoError(t, err)
	lock.Release()
}

func TestManager_IsHeld_ExpiredLock(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	key := lockKey{flowID: "flow-1", purpose: ports.LockPurposeCleanup}
	m.mu.Lock()
	m.locks[key] = &lockRecord{
		lockID:    "stale",
		expiresAt: time.Now().Add(-time.Second),
	}
	m.mu.Unlock()

	assert.False(t, m.IsHeld("flow-1", ports.LockPurposeCleanup))
}

func TestHeldLock_Release_Idempotent(t *testing.T) {
	m := NewManager(zap.NewNop())
	defer m.Close()

	lock, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeRename)
	require.NoError(t, err)
	lock.Release()

	// Someone else takes the same key; a second Release of the first
	// acquisition must not steal it.
	second, err := m.Acquire(context.Background(), "flow-1", ports.LockPurposeRename)
	require.NoError(t, err)
	defer second.Release()

	lock.Release()
	assert.True(t, m.IsHeld("flow-1", ports.LockPurposeRename))
}
